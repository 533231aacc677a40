// Package healctx implements ContextBuilder: assembling the immutable
// HealerContext on policy admission (spec.md §4.6), grounded on the
// teacher's runtime.Context snapshot fields (SnapshotValues/SnapshotLogs in
// internal/attractor/engine/engine.go) and the gitutil probes it reads
// before checkpointing.
package healctx

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/openagents/taskloop/internal/errclass"
	"github.com/openagents/taskloop/internal/gitutil"
	"github.com/openagents/taskloop/internal/model"
)

// Error is HealerError{context_build_failed} from spec.md §7. Builder
// itself never returns it for probe failures — those degrade to empty
// fields per spec.md §4.6 — only for truly unrecoverable inputs (an empty
// project root).
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "healctx: context_build_failed: " + e.Reason
}

// Input bundles everything Build needs that is not itself best-effort.
type Input struct {
	ProjectRoot  string
	SessionID    string
	Task         model.Task
	Subtask      *model.Subtask
	TriggerEvent string
	Stderr       string
	Stdout       string
	ErrString    string
	Scenario     model.Scenario
	FailureCount int
	IsFlaky      bool
	PreviousAttempts int
	Counters     model.Counters
}

// Build assembles a HealerContext from in. All git and progress-memo reads
// are best-effort: individual probe failures degrade into null/empty
// fields and never abort construction (spec.md §4.6).
func Build(in Input) (model.HealerContext, error) {
	if in.ProjectRoot == "" {
		return model.HealerContext{}, &Error{Reason: "project root is required"}
	}

	snap := gitSnapshot(in.ProjectRoot)
	memo := readProgressMemo(in.ProjectRoot)
	errorOutput := firstNonEmpty(in.Stderr, in.Stdout, in.ErrString)
	patterns := errclass.Classify(errorOutput)
	derived := errclass.Derive(patterns)

	heuristics := model.Heuristics{
		Scenario:          in.Scenario,
		FailureCount:      in.FailureCount,
		IsFlaky:           in.IsFlaky,
		HasMissingImports: derived.HasMissingImports,
		HasTypeErrors:     derived.HasTypeErrors,
		HasTestAssertions: derived.HasTestAssertions,
		ErrorPatterns:     patterns,
		PreviousAttempts:  in.PreviousAttempts,
	}

	subtaskID := ""
	if in.Subtask != nil {
		subtaskID = in.Subtask.ID
	}

	return model.HealerContext{
		ProjectRoot:  in.ProjectRoot,
		SessionID:    in.SessionID,
		TaskID:       in.Task.ID,
		SubtaskID:    subtaskID,
		Task:         in.Task,
		Subtask:      in.Subtask,
		Git:          snap,
		ProgressMemo: memo,
		TriggerEvent: in.TriggerEvent,
		ErrorOutput:  errorOutput,
		Heuristics:   heuristics,
		Counters:     in.Counters.Copy(),
	}, nil
}

func gitSnapshot(root string) model.GitSnapshot {
	var snap model.GitSnapshot

	if clean, err := gitutil.IsClean(root); err == nil {
		snap.IsDirty = !clean
	}
	if modified, untracked, err := gitutil.StatusFiles(root); err == nil {
		snap.ModifiedFiles = modified
		snap.UntrackedFiles = untracked
	}
	if branch, err := gitutil.BranchName(root); err == nil {
		snap.Branch = branch
	}
	if sha, subject, err := gitutil.Log1(root); err == nil {
		snap.LastCommitSHA = sha
		snap.LastCommitMsg = subject
	}
	return snap
}

func readProgressMemo(root string) string {
	b, err := os.ReadFile(filepath.Join(root, ".openagents", "progress.md"))
	if err != nil {
		return ""
	}
	return string(b)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return v
		}
	}
	return ""
}
