// Package lock implements the per-project-root session lock
// (<root>/.openagents/session.lock) with stale-holder recovery, the way
// internal/attractor/runstate/snapshot.go's applyPIDFile combined with
// procutil decides whether a tracked pid is still alive.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/openagents/taskloop/internal/procutil"
)

// Error is LockError from spec.md §7: {stale_not_removable, contested}.
type Error struct {
	Kind   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("lock: %s: %s", e.Kind, e.Reason)
}

const (
	KindStaleNotRemovable = "stale_not_removable"
	KindContested         = "contested"
)

// Doc is the on-disk shape of session.lock (spec.md §6).
type Doc struct {
	PID       int       `json:"pid"`
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
}

// Lock holds an acquired session lock. Release removes the lock file.
type Lock struct {
	path string
}

// StaleAfter is the lock age beyond which a holder is considered stale even
// if its process is still alive, per spec.md §4.8's "lock age exceeds a
// configured threshold" clause.
const StaleAfter = 6 * time.Hour

// Acquire creates the session lock at <root>/.openagents/session.lock. If a
// lock already exists and its holder is live and not stale, it returns a
// contested Error. If the existing holder is stale, it is cleared and
// acquisition retried once.
func Acquire(root, sessionID string) (*Lock, error) {
	path := filepath.Join(root, ".openagents", "session.lock")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	existing, found, err := read(path)
	if err != nil {
		return nil, err
	}
	if found {
		if !stale(existing) {
			return nil, &Error{Kind: KindContested, Reason: fmt.Sprintf("held by pid %d session %s", existing.PID, existing.SessionID)}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, &Error{Kind: KindStaleNotRemovable, Reason: err.Error()}
		}
	}

	doc := Doc{PID: os.Getpid(), SessionID: sessionID, StartedAt: time.Now().UTC()}
	if err := write(path, doc); err != nil {
		return nil, err
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. It is a no-op if already removed.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// stale reports whether the holder in doc is no longer live, or has held
// the lock longer than StaleAfter.
func stale(doc Doc) bool {
	if !procutil.PIDAlive(doc.PID) {
		return true
	}
	return time.Since(doc.StartedAt) >= StaleAfter
}

func read(path string) (Doc, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Doc{}, false, nil
		}
		return Doc{}, false, err
	}
	var doc Doc
	if err := json.Unmarshal(b, &doc); err != nil {
		return Doc{}, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, true, nil
}

func write(path string, doc Doc) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp." + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
