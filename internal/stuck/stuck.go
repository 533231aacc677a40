// Package stuck implements StuckDetector: a periodic scan over the task
// backlog and recent trajectory documents that emits synthetic trigger
// events for the Orchestrator to process as if they had arrived naturally
// (spec.md §4.9). It is grounded on the teacher's runstate.LoadSnapshot
// (internal/attractor/runstate/snapshot.go), which reads a run's on-disk
// artifacts (final.json, live.json, run.pid) to reconstruct liveness
// without a running process to ask — generalized here from "DOT-engine run
// artifacts" to "task backlog + trajectory documents", taskloop's own
// on-disk state.
package stuck

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openagents/taskloop/internal/config"
	"github.com/openagents/taskloop/internal/model"
	"github.com/openagents/taskloop/internal/policy"
	"github.com/openagents/taskloop/internal/taskstore"
)

// Config bounds what counts as stuck (spec.md §4.9, §6: healer scan flags).
type Config struct {
	TaskThreshold          time.Duration
	SubtaskThreshold       time.Duration
	MinConsecutiveFailures int
}

// DefaultMinConsecutiveFailures is used when Config leaves the field zero.
// spec.md §9 open question (b) leaves "consecutive vs total" undecided;
// taskloop adopts consecutive-within-the-current-subtask, and 3 as the
// threshold at which a subtask is presumed to be thrashing rather than
// making progress.
const DefaultMinConsecutiveFailures = 3

// FromHealerConfig derives a Config from project config, using
// stuckThresholdHours for both the task- and subtask-level thresholds
// when the caller has no finer-grained CLI flags to apply.
func FromHealerConfig(cfg config.HealerConfig) Config {
	hours := cfg.StuckThresholdHours
	if hours <= 0 {
		hours = 1
	}
	d := time.Duration(hours * float64(time.Hour))
	return Config{
		TaskThreshold:          d,
		SubtaskThreshold:       d,
		MinConsecutiveFailures: DefaultMinConsecutiveFailures,
	}
}

// Trigger is one synthetic stuck finding, carrying enough of policy.Event
// for the Orchestrator (or the `healer scan` CLI) to act on it.
type Trigger struct {
	Event     policy.Event
	Reason    string
	TaskID    string
	SubtaskID string
	Age       time.Duration
}

// Scanner runs StuckDetector's periodic scan.
type Scanner struct {
	Tasks          *taskstore.Store
	TrajectoryRoot string
	Config         Config
}

// New returns a Scanner rooted at <root>/.openagents/trajectories.
func New(tasks *taskstore.Store, root string, cfg Config) *Scanner {
	return &Scanner{Tasks: tasks, TrajectoryRoot: filepath.Join(root, ".openagents", "trajectories"), Config: cfg}
}

// Scan returns every stuck task and stuck subtask found as of now, in
// most-stale-first order; triggers of equal age keep task-then-subtask
// order.
func (s *Scanner) Scan(now time.Time) ([]Trigger, error) {
	var triggers []Trigger

	taskTriggers, err := s.scanTasks(now)
	if err != nil {
		return nil, err
	}
	triggers = append(triggers, taskTriggers...)
	triggers = append(triggers, s.scanTrajectories(now)...)

	sort.SliceStable(triggers, func(i, j int) bool {
		return triggers[i].Age > triggers[j].Age
	})
	return triggers, nil
}

// scanTasks implements spec.md §4.9's task-level rule: status ∈
// {in_progress, blocked} and now - updatedAt >= taskThreshold.
func (s *Scanner) scanTasks(now time.Time) ([]Trigger, error) {
	if s.Tasks == nil {
		return nil, nil
	}
	tasks, err := s.Tasks.List(taskstore.Filter{Status: []model.TaskStatus{model.TaskInProgress, model.TaskBlocked}})
	if err != nil {
		return nil, err
	}
	var out []Trigger
	for _, t := range tasks {
		age := now.Sub(t.UpdatedAt)
		if age < s.Config.TaskThreshold {
			continue
		}
		out = append(out, Trigger{
			Event:  policy.Event{Kind: policy.EventStuck, TaskID: t.ID, ErrorOutput: "task stuck: no update in " + age.Round(time.Minute).String()},
			Reason: "task " + t.ID + " status=" + string(t.Status) + " has not updated in " + age.Round(time.Minute).String(),
			TaskID: t.ID,
			Age:    age,
		})
	}
	return out, nil
}

// scanTrajectories implements spec.md §4.9's subtask-level rule using the
// most recent worker activity in each session's trajectory document as a
// proxy for "subtask in_progress", since Subtask itself is ephemeral and
// never persisted across sessions (spec.md §3). A trajectory with
// final_metrics set belongs to a session that already finished and is
// never stuck.
func (s *Scanner) scanTrajectories(now time.Time) []Trigger {
	entries, err := os.ReadDir(s.TrajectoryRoot)
	if err != nil {
		return nil
	}

	var out []Trigger
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		doc, err := loadDocument(filepath.Join(s.TrajectoryRoot, entry.Name()))
		if err != nil || doc.FinalMetrics != nil || len(doc.Steps) == 0 {
			continue
		}

		sessionID := strings.TrimSuffix(entry.Name(), ".json")
		last := doc.Steps[len(doc.Steps)-1]
		lastActivity := last.Timestamp
		progressPath := filepath.Join(s.TrajectoryRoot, sessionID+".progress.ndjson")
		if ts, ok := progressTailTimestamp(progressPath); ok && ts.After(lastActivity) {
			lastActivity = ts
		}
		age := now.Sub(lastActivity)
		failures := trailingFailures(doc.Steps)

		switch {
		case age >= s.Config.SubtaskThreshold:
			out = append(out, Trigger{
				Event:     policy.Event{Kind: policy.EventStuck, SubtaskID: sessionID, ErrorOutput: "subtask stuck: no progress step in " + age.Round(time.Minute).String()},
				Reason:    "session " + sessionID + " last step was " + age.Round(time.Minute).String() + " ago",
				SubtaskID: sessionID,
				Age:       age,
			})
		case s.Config.MinConsecutiveFailures > 0 && failures >= s.Config.MinConsecutiveFailures:
			out = append(out, Trigger{
				Event:     policy.Event{Kind: policy.EventStuck, SubtaskID: sessionID, ErrorOutput: last.Error},
				Reason:    "session " + sessionID + " has " + strconv.Itoa(failures) + " consecutive failed steps with no intervening progress",
				SubtaskID: sessionID,
				Age:       age,
			})
		}
	}
	return out
}

// trailingFailures counts the run of StepFailed entries at the tail of
// steps, stopping at the first non-failed step.
func trailingFailures(steps []model.Step) int {
	n := 0
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Status != model.StepFailed {
			break
		}
		n++
	}
	return n
}

// progressTailTimestamp reads the last recorded timestamp from a session's
// progress.ndjson sidecar feed (SPEC_FULL.md §6/§7), mirroring the
// teacher's runstate.LoadSnapshot reading a live.json tail to confirm
// recent activity before trusting a colder artifact — here, a session
// whose progress feed is newer than its last rewritten trajectory document
// (e.g. a crash mid-rewrite) gets credit for that more recent activity
// before being declared stuck.
func progressTailTimestamp(path string) (time.Time, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, false
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var step model.Step
		if err := json.Unmarshal([]byte(line), &step); err != nil {
			return time.Time{}, false
		}
		return step.Timestamp, true
	}
	return time.Time{}, false
}

func loadDocument(path string) (model.Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return model.Document{}, err
	}
	var doc model.Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return model.Document{}, err
	}
	return doc, nil
}

