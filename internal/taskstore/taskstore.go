// Package taskstore persists and queries the task backlog (spec.md §4.1):
// a JSONL file at <root>/.openagents/tasks.jsonl, one JSON Task per line,
// atomically rewritten on every mutation. It owns tasks-on-disk exclusively;
// nothing else in taskloop writes that file directly.
package taskstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openagents/taskloop/internal/model"
)

// Error is TaskStoreError from spec.md §7.
type Error struct {
	Kind   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("taskstore: %s: %s", e.Kind, e.Reason)
}

const (
	KindReadError      = "read_error"
	KindParseError     = "parse_error"
	KindWriteError     = "write_error"
	KindMergeConflict  = "merge_conflict"
)

// Filter narrows list/ready/pickNext queries.
type Filter struct {
	Status []model.TaskStatus
	Type   string
	Label  string
}

func (f Filter) match(t model.Task) bool {
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Label != "" {
		found := false
		for _, l := range t.Labels {
			if l == f.Label {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store is the JSONL-backed TaskStore. All mutations acquire mu, a
// process-local write lock, per spec.md §4.1.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a Store rooted at <root>/.openagents/tasks.jsonl, creating
// the parent directory (but not the file) if absent.
func Open(root string) (*Store, error) {
	path := filepath.Join(root, ".openagents", "tasks.jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &Error{Kind: KindWriteError, Reason: err.Error()}
	}
	return &Store{path: path}, nil
}

func (s *Store) readAll() ([]model.Task, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &Error{Kind: KindReadError, Reason: err.Error()}
	}
	defer f.Close()

	var tasks []model.Task
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var t model.Task
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			return nil, &Error{Kind: KindParseError, Reason: err.Error()}
		}
		tasks = append(tasks, t)
	}
	if err := sc.Err(); err != nil {
		return nil, &Error{Kind: KindReadError, Reason: err.Error()}
	}
	return tasks, nil
}

// writeAll atomically rewrites the whole file: tmpfile then rename.
func (s *Store) writeAll(tasks []model.Task) error {
	tmp := s.path + ".tmp." + strconv.Itoa(os.Getpid())
	f, err := os.Create(tmp)
	if err != nil {
		return &Error{Kind: KindWriteError, Reason: err.Error()}
	}
	w := bufio.NewWriter(f)
	for _, t := range tasks {
		b, err := json.Marshal(t)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return &Error{Kind: KindWriteError, Reason: err.Error()}
		}
		w.Write(b)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &Error{Kind: KindWriteError, Reason: err.Error()}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &Error{Kind: KindWriteError, Reason: err.Error()}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return &Error{Kind: KindWriteError, Reason: err.Error()}
	}
	return nil
}

// List returns every task matching filter.
func (s *Store) List(filter Filter) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]model.Task, 0, len(all))
	for _, t := range all {
		if filter.match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Ready returns every task matching filter that is open and whose blocks
// dependencies are all closed (spec.md §3 invariant (a), §8 property 5).
func (s *Store) Ready(filter Filter) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	closed := closedSet(all)
	out := make([]model.Task, 0)
	for _, t := range all {
		if !t.Ready(closed) {
			continue
		}
		if !filter.match(t) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// PickNext returns the highest-priority (lowest priority number) ready
// task, tie-broken by oldest createdAt (spec.md §4.1).
func (s *Store) PickNext(filter Filter) (*model.Task, error) {
	ready, err := s.Ready(filter)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	t := ready[0]
	return &t, nil
}

// Create appends a new task. Its CreatedAt/UpdatedAt are stamped if zero.
func (s *Store) Create(t model.Task) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readAll()
	if err != nil {
		return model.Task{}, err
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	all = append(all, t)
	if err := s.writeAll(all); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

// Patch describes a field-level mutation for Update. Nil fields are left
// untouched; set scalar fields overwrite the disk value, and the Add*
// slices are set-unioned into the matching arrays.
type Patch struct {
	Status      *model.TaskStatus
	Priority    *int
	Title       *string
	Description *string
	AddLabels   []string
	AddDeps     []model.Dep
	AddCommits  []string
}

// Update applies patch to the current disk copy of the task identified by
// id, under mu: labels, deps and commits are set-unioned, set scalar fields
// overwrite the disk values, and updatedAt becomes now. There is no base
// version to merge against, so scalar conflicts are not resolved by
// updatedAt; the patch always wins. It fails with MergeConflict when the
// disk copy is already closed with a reason and patch sets status=closed
// again; the reasons are not compared.
func (s *Store) Update(id string, patch Patch) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readAll()
	if err != nil {
		return model.Task{}, err
	}
	idx := -1
	for i, t := range all {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.Task{}, &Error{Kind: KindReadError, Reason: "task not found: " + id}
	}

	t := all[idx]
	if patch.Status != nil {
		if t.Status == model.TaskClosed && *patch.Status == model.TaskClosed && t.CloseReason != "" {
			return model.Task{}, &Error{Kind: KindMergeConflict, Reason: "task already closed with reason " + t.CloseReason}
		}
		t.Status = *patch.Status
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	t.Labels = unionStrings(t.Labels, patch.AddLabels)
	t.Deps = unionDeps(t.Deps, patch.AddDeps)
	t.Commits = unionStrings(t.Commits, patch.AddCommits)
	t.UpdatedAt = time.Now().UTC()

	all[idx] = t
	if err := s.writeAll(all); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

// Close sets status=closed, closedAt=now, and the given reason.
func (s *Store) Close(id, reason string) (model.Task, error) {
	status := model.TaskClosed
	t, err := s.Update(id, Patch{Status: &status})
	if err != nil {
		return model.Task{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readAll()
	if err != nil {
		return model.Task{}, err
	}
	now := time.Now().UTC()
	for i := range all {
		if all[i].ID == id {
			all[i].ClosedAt = &now
			all[i].CloseReason = reason
			t = all[i]
			break
		}
	}
	if err := s.writeAll(all); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

// Reopen sets status=open and clears closedAt/closeReason.
func (s *Store) Reopen(id string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readAll()
	if err != nil {
		return model.Task{}, err
	}
	idx := -1
	for i, t := range all {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.Task{}, &Error{Kind: KindReadError, Reason: "task not found: " + id}
	}
	all[idx].Status = model.TaskOpen
	all[idx].ClosedAt = nil
	all[idx].CloseReason = ""
	all[idx].UpdatedAt = time.Now().UTC()
	t := all[idx]
	if err := s.writeAll(all); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

// Archive is a no-op marker pass for tasks closed before cutoff: taskloop
// never deletes tasks (spec.md §3 lifecycle: "never deleted (archived)"),
// so Archive simply reports which ids would be archived for a caller that
// wants to move them to cold storage; the source of truth file is untouched.
func (s *Store) Archive(before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, t := range all {
		if t.Status == model.TaskClosed && t.ClosedAt != nil && t.ClosedAt.Before(before) {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

func closedSet(tasks []model.Task) map[string]bool {
	closed := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == model.TaskClosed {
			closed[t.ID] = true
		}
	}
	return closed
}

func unionStrings(base []string, add []string) []string {
	if len(add) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base))
	out := append([]string{}, base...)
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	return out
}

func unionDeps(base []model.Dep, add []model.Dep) []model.Dep {
	if len(add) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base))
	out := append([]model.Dep{}, base...)
	for _, d := range base {
		seen[d.ID+"|"+string(d.Relation)] = true
	}
	for _, d := range add {
		key := d.ID + "|" + string(d.Relation)
		if !seen[key] {
			out = append(out, d)
			seen[key] = true
		}
	}
	return out
}
