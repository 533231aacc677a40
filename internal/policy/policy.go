// Package policy implements PolicyGate: a pure decision function mapping
// orchestrator failure events to healing scenarios, enforcing per-session
// and per-subtask rate limits and computing the healing idempotency key
// (spec.md §4.5). It is grounded on the teacher's fixed classification
// tables (internal/attractor/engine/failure_policy.go) and switch-on-key
// dispatch style (internal/attractor/cond/cond.go) — both compile-time
// tables, not dynamic plugin discovery.
package policy

import (
	"github.com/openagents/taskloop/internal/config"
	"github.com/openagents/taskloop/internal/idhash"
	"github.com/openagents/taskloop/internal/model"
)

// EventKind is the closed set of orchestrator events PolicyGate maps to
// scenarios (spec.md §4.5).
type EventKind string

const (
	EventInitScriptComplete  EventKind = "init_script_complete"
	EventSubtaskFailed       EventKind = "subtask_failed"
	EventVerificationComplete EventKind = "verification_complete"
	EventError               EventKind = "error"
	EventStuck               EventKind = "stuck"
)

// FailureType classifies an init_script_complete event's failure (spec.md
// §4.5's "typecheck_failed, test_failed, *" table).
type FailureType string

const (
	FailureTypecheck FailureType = "typecheck_failed"
	FailureTest      FailureType = "test_failed"
)

// Event is what the Orchestrator hands PolicyGate on a failure.
type Event struct {
	Kind              EventKind
	FailureType       FailureType
	VerificationPassed bool
	ErrorOutput       string
	TaskID            string
	SubtaskID         string
}

// Decision is what decide() returns: whether to run, which scenario, and
// why (for logging / Step persistence).
type Decision struct {
	Run      bool
	Scenario model.Scenario
	Reason   string
	Key      model.HealingKey
}

// Decide maps ev to a scenario, and admits it against healer config and
// counters. It never mutates counters; it is a pure function of its
// inputs, per spec.md §4.5.
func Decide(ev Event, cfg config.HealerConfig, counters model.Counters) Decision {
	scenario, matched := classify(ev)
	if !matched {
		return Decision{Run: false, Reason: "event does not map to a scenario"}
	}

	if !cfg.Enabled {
		return Decision{Run: false, Scenario: scenario, Reason: "healer disabled"}
	}
	if !scenarioEnabled(scenario, cfg.Scenarios) {
		return Decision{Run: false, Scenario: scenario, Reason: "scenario disabled in config"}
	}

	sessionLimit := cfg.MaxInvocationsPerSession
	if sessionLimit == 0 {
		sessionLimit = 2
	}
	if counters.SessionInvocations >= sessionLimit {
		return Decision{Run: false, Scenario: scenario, Reason: "session invocation limit reached"}
	}

	if ev.SubtaskID != "" {
		subtaskLimit := cfg.MaxInvocationsPerSubtask
		if subtaskLimit == 0 {
			subtaskLimit = 1
		}
		if counters.SubtaskInvocations[ev.SubtaskID] >= subtaskLimit {
			return Decision{Run: false, Scenario: scenario, Reason: "subtask invocation limit reached"}
		}
	}

	key := model.HealingKey{
		TaskID:    ev.TaskID,
		SubtaskID: ev.SubtaskID,
		Scenario:  scenario,
		ErrorHash: idhash.ErrorHash(ev.ErrorOutput),
	}

	return Decision{Run: true, Scenario: scenario, Reason: "admitted", Key: key}
}

// classify implements spec.md §4.5's fixed event→scenario table.
func classify(ev Event) (model.Scenario, bool) {
	switch ev.Kind {
	case EventInitScriptComplete:
		switch ev.FailureType {
		case FailureTypecheck:
			return model.ScenarioInitScriptTypecheckFailure, true
		case FailureTest:
			return model.ScenarioInitScriptTestFailure, true
		default:
			return model.ScenarioInitScriptEnvironmentFailure, true
		}
	case EventSubtaskFailed:
		return model.ScenarioSubtaskFailed, true
	case EventVerificationComplete:
		if !ev.VerificationPassed {
			return model.ScenarioVerificationFailed, true
		}
		return "", false
	case EventError:
		return model.ScenarioRuntimeError, true
	case EventStuck:
		return model.ScenarioSubtaskStuck, true
	default:
		return "", false
	}
}

func scenarioEnabled(s model.Scenario, t config.ScenarioToggles) bool {
	switch s {
	case model.ScenarioInitScriptTypecheckFailure, model.ScenarioInitScriptTestFailure, model.ScenarioInitScriptEnvironmentFailure:
		return t.OnInitFailure
	case model.ScenarioVerificationFailed:
		return t.OnVerificationFailure
	case model.ScenarioSubtaskFailed:
		return t.OnSubtaskFailure
	case model.ScenarioRuntimeError:
		return t.OnRuntimeError
	case model.ScenarioSubtaskStuck:
		return t.OnStuckSubtask
	default:
		return false
	}
}

// AlreadyAttempted reports whether key has a prior HealingAttempt whose
// outcome means SpellEngine should skip spells already tried for it
// (spec.md §4.5: PolicyGate still admits on new evidence, but SpellEngine
// consults the same key before re-running spells).
func AlreadyAttempted(counters model.Counters, key model.HealingKey) (model.HealingAttempt, bool) {
	attempt, ok := counters.HealingAttempts[key.String()]
	if !ok {
		return model.HealingAttempt{}, false
	}
	switch attempt.Outcome {
	case model.OutcomeResolved, model.OutcomeContained, model.OutcomeSkipped:
		return attempt, true
	default:
		return model.HealingAttempt{}, false
	}
}
