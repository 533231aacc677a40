package model

import "time"

// Scenario is the closed set of failure modes PolicyGate recognizes.
type Scenario string

const (
	ScenarioInitScriptTypecheckFailure  Scenario = "InitScriptTypecheckFailure"
	ScenarioInitScriptTestFailure       Scenario = "InitScriptTestFailure"
	ScenarioInitScriptEnvironmentFailure Scenario = "InitScriptEnvironmentFailure"
	ScenarioSubtaskFailed               Scenario = "SubtaskFailed"
	ScenarioVerificationFailed          Scenario = "VerificationFailed"
	ScenarioRuntimeError                Scenario = "RuntimeError"
	ScenarioSubtaskStuck                Scenario = "SubtaskStuck"
)

// SpellID is the closed set of named repair actions the SpellEngine knows
// how to execute.
type SpellID string

const (
	SpellRewindUncommittedChanges  SpellID = "rewind_uncommitted_changes"
	SpellRewindToLastGreenCommit   SpellID = "rewind_to_last_green_commit"
	SpellMarkTaskBlockedFollowup   SpellID = "mark_task_blocked_with_followup"
	SpellUpdateProgressGuidance    SpellID = "update_progress_with_guidance"
	SpellRunTasksDoctorLikeChecks  SpellID = "run_tasks_doctor_like_checks"
	SpellFixTypecheckErrors        SpellID = "fix_typecheck_errors"
	SpellFixTestErrors             SpellID = "fix_test_errors"
	SpellRetryWithClaudeCodeResume SpellID = "retry_with_claude_code_resume"
	SpellRetryWithMinimalSubagent  SpellID = "retry_with_minimal_subagent"
)

// ScenarioSpells is the normative scenario → ordered-spell-sequence table
// (spec.md §4.7). It is a compile-time registry, not dynamic plugin
// discovery, per spec.md §9's design note.
var ScenarioSpells = map[Scenario][]SpellID{
	ScenarioInitScriptTypecheckFailure: {
		SpellFixTypecheckErrors, SpellUpdateProgressGuidance, SpellMarkTaskBlockedFollowup,
	},
	ScenarioInitScriptTestFailure: {
		SpellFixTestErrors, SpellUpdateProgressGuidance, SpellMarkTaskBlockedFollowup,
	},
	ScenarioInitScriptEnvironmentFailure: {
		SpellUpdateProgressGuidance, SpellMarkTaskBlockedFollowup,
	},
	ScenarioSubtaskFailed: {
		SpellRewindUncommittedChanges, SpellUpdateProgressGuidance, SpellMarkTaskBlockedFollowup,
	},
	ScenarioVerificationFailed: {
		SpellRewindUncommittedChanges, SpellUpdateProgressGuidance,
	},
	ScenarioRuntimeError: {
		SpellRewindUncommittedChanges, SpellUpdateProgressGuidance, SpellMarkTaskBlockedFollowup,
	},
	ScenarioSubtaskStuck: {
		SpellUpdateProgressGuidance, SpellMarkTaskBlockedFollowup,
	},
}

// Heuristics classifies a failure payload for use inside HealerContext.
type Heuristics struct {
	Scenario           Scenario `json:"scenario"`
	FailureCount       int      `json:"failureCount"`
	IsFlaky            bool     `json:"isFlaky"`
	HasMissingImports  bool     `json:"hasMissingImports"`
	HasTypeErrors      bool     `json:"hasTypeErrors"`
	HasTestAssertions  bool     `json:"hasTestAssertions"`
	ErrorPatterns      []string `json:"errorPatterns"`
	PreviousAttempts   int      `json:"previousAttempts"`
}

// GitSnapshot is the git status/log probe taken when building HealerContext.
type GitSnapshot struct {
	IsDirty        bool     `json:"isDirty"`
	ModifiedFiles  []string `json:"modifiedFiles"`
	UntrackedFiles []string `json:"untrackedFiles"`
	Branch         string   `json:"branch"`
	LastCommitSHA  string   `json:"lastCommitSha"`
	LastCommitMsg  string   `json:"lastCommitMsg"`
}

// HealerContext is the immutable snapshot ContextBuilder produces on
// admission. It is owned by the single SpellEngine invocation that consumes
// it; nothing aliases back into the running session's live state.
type HealerContext struct {
	ProjectRoot   string
	SessionID     string
	TaskID        string
	SubtaskID     string
	Task          Task
	Subtask       *Subtask
	Git           GitSnapshot
	ProgressMemo  string
	TriggerEvent  string
	ErrorOutput   string
	Heuristics    Heuristics
	Counters      Counters
}

// HealingOutcome is the closed set of overall results an Outcome fold can
// produce (spec.md §4.7, §8 property 7).
type HealingOutcome string

const (
	OutcomeResolved   HealingOutcome = "resolved"
	OutcomeContained  HealingOutcome = "contained"
	OutcomeUnresolved HealingOutcome = "unresolved"
	OutcomeSkipped    HealingOutcome = "skipped"
)

// SpellStatus is the per-spell result a handler reports back to the engine.
type SpellStatus string

const (
	SpellSuccess SpellStatus = "success"
	SpellFailure SpellStatus = "failure"
	SpellSkipped SpellStatus = "skipped"
)

// SpellEffects carries side-effect flags a spell handler may report; only
// "resolved" participates in outcome folding (spec.md §4.7).
type SpellEffects struct {
	Resolved bool `json:"resolved,omitempty"`
}

// SpellResult is what a spell handler returns for one attempt.
type SpellResult struct {
	Spell   SpellID      `json:"spell"`
	Status  SpellStatus  `json:"status"`
	Summary string       `json:"summary"`
	Effects SpellEffects `json:"effects,omitempty"`
}

// Outcome is the overall result of one SpellEngine.execute call.
type Outcome struct {
	Status          HealingOutcome `json:"status"`
	SpellsTried     []SpellID      `json:"spellsTried"`
	SpellsSucceeded []SpellID      `json:"spellsSucceeded"`
	Summary         string         `json:"summary"`
}

// HealingKey is the idempotency tuple spec.md §5 names: (taskId, subtaskId,
// scenario, errorHash).
type HealingKey struct {
	TaskID    string   `json:"taskId"`
	SubtaskID string   `json:"subtaskId"`
	Scenario  Scenario `json:"scenario"`
	ErrorHash string   `json:"errorHash"`
}

// String renders a HealingKey as a stable map key / counters key.
func (k HealingKey) String() string {
	return k.TaskID + "|" + k.SubtaskID + "|" + string(k.Scenario) + "|" + k.ErrorHash
}

// HealingAttempt is one row in the idempotency ledger, keyed by HealingKey.
type HealingAttempt struct {
	Timestamp       time.Time      `json:"timestamp"`
	Outcome         HealingOutcome `json:"outcome"`
	SpellsTried     []SpellID      `json:"spellsTried"`
	SpellsSucceeded []SpellID      `json:"spellsSucceeded"`
	Summary         string         `json:"summary"`
}

// Counters is per-session, process-local state (spec.md §9: never persisted
// across sessions; cross-session rate limiting is explicitly a non-goal).
type Counters struct {
	SessionInvocations int                       `json:"sessionInvocations"`
	SubtaskInvocations map[string]int            `json:"subtaskInvocations"`
	SpellsAttempted    map[SpellID]int           `json:"spellsAttempted"`
	HealingAttempts    map[string]HealingAttempt  `json:"healingAttempts"`
}

// NewCounters returns a zero-valued Counters with its maps initialized.
func NewCounters() Counters {
	return Counters{
		SubtaskInvocations: map[string]int{},
		SpellsAttempted:    map[SpellID]int{},
		HealingAttempts:    map[string]HealingAttempt{},
	}
}

// Copy returns a deep-enough copy of c suitable for embedding in a
// HealerContext without aliasing back into the running session (spec.md
// §4.6: "copying counter snapshot by value").
func (c Counters) Copy() Counters {
	out := Counters{
		SessionInvocations: c.SessionInvocations,
		SubtaskInvocations: make(map[string]int, len(c.SubtaskInvocations)),
		SpellsAttempted:    make(map[SpellID]int, len(c.SpellsAttempted)),
		HealingAttempts:    make(map[string]HealingAttempt, len(c.HealingAttempts)),
	}
	for k, v := range c.SubtaskInvocations {
		out.SubtaskInvocations[k] = v
	}
	for k, v := range c.SpellsAttempted {
		out.SpellsAttempted[k] = v
	}
	for k, v := range c.HealingAttempts {
		out.HealingAttempts[k] = v
	}
	return out
}
