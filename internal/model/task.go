// Package model defines the durable and in-session value types that flow
// between taskloop's components: Task, Subtask, Step, Checkpoint,
// HealerContext, Heuristics, HealingAttempt, and Counters.
package model

import "time"

// TaskStatus is the closed set of lifecycle states a Task can occupy.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskClosed     TaskStatus = "closed"
)

// DepRelation classifies an edge between two tasks.
type DepRelation string

const (
	DepBlocks         DepRelation = "blocks"
	DepRelated        DepRelation = "related"
	DepParentChild    DepRelation = "parent-child"
	DepDiscoveredFrom DepRelation = "discovered-from"
)

// Dep is one edge in a Task's dependency set.
type Dep struct {
	ID       string      `json:"id"`
	Relation DepRelation `json:"relation"`
}

// Task is a durable backlog unit owned exclusively by TaskStore on disk.
// Identity is a hierarchical string id: a root plus up to three child
// levels, e.g. "oa-abc123.1.2".
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
	Type        string     `json:"type,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	Deps        []Dep      `json:"deps,omitempty"`
	Commits     []string   `json:"commits,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`
	CloseReason string     `json:"closeReason,omitempty"`
}

// Ready reports whether t is open and every "blocks" dependency in closed
// is satisfied. closed is the set of task ids currently in TaskClosed.
func (t Task) Ready(closed map[string]bool) bool {
	if t.Status != TaskOpen {
		return false
	}
	for _, d := range t.Deps {
		if d.Relation != DepBlocks {
			continue
		}
		if !closed[d.ID] {
			return false
		}
	}
	return true
}

// SubtaskStatus is the closed set of lifecycle states for a Subtask.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskFailed     SubtaskStatus = "failed"
)

// Subtask is an ephemeral decomposition of a Task inside one Orchestrator
// session. It is scoped to the session; it is never persisted to TaskStore.
type Subtask struct {
	ID            string        `json:"id"`
	Description   string        `json:"description"`
	Status        SubtaskStatus `json:"status"`
	FailureCount  int           `json:"failureCount"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
}
