package policy

import (
	"testing"

	"github.com/openagents/taskloop/internal/config"
	"github.com/openagents/taskloop/internal/model"
)

func enabledConfig() config.HealerConfig {
	return config.HealerConfig{
		Enabled: true,
		Scenarios: config.ScenarioToggles{
			OnInitFailure:         true,
			OnVerificationFailure: true,
			OnSubtaskFailure:      true,
			OnRuntimeError:        true,
			OnStuckSubtask:        true,
		},
	}
}

func TestDecideMapsEventsToScenarios(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		want model.Scenario
	}{
		{"typecheck failure", Event{Kind: EventInitScriptComplete, FailureType: FailureTypecheck}, model.ScenarioInitScriptTypecheckFailure},
		{"test failure", Event{Kind: EventInitScriptComplete, FailureType: FailureTest}, model.ScenarioInitScriptTestFailure},
		{"other init failure", Event{Kind: EventInitScriptComplete, FailureType: "oom"}, model.ScenarioInitScriptEnvironmentFailure},
		{"subtask failed", Event{Kind: EventSubtaskFailed}, model.ScenarioSubtaskFailed},
		{"verification failed", Event{Kind: EventVerificationComplete, VerificationPassed: false}, model.ScenarioVerificationFailed},
		{"runtime error", Event{Kind: EventError}, model.ScenarioRuntimeError},
		{"stuck", Event{Kind: EventStuck}, model.ScenarioSubtaskStuck},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.ev, enabledConfig(), model.NewCounters())
			if !d.Run {
				t.Fatalf("Decide(%+v).Run = false, reason=%q", tc.ev, d.Reason)
			}
			if d.Scenario != tc.want {
				t.Errorf("Scenario = %q, want %q", d.Scenario, tc.want)
			}
		})
	}
}

func TestDecideVerificationPassedHasNoScenario(t *testing.T) {
	d := Decide(Event{Kind: EventVerificationComplete, VerificationPassed: true}, enabledConfig(), model.NewCounters())
	if d.Run {
		t.Error("expected Run=false when verification passed")
	}
}

func TestDecideRejectsWhenHealerDisabled(t *testing.T) {
	cfg := enabledConfig()
	cfg.Enabled = false
	d := Decide(Event{Kind: EventSubtaskFailed}, cfg, model.NewCounters())
	if d.Run {
		t.Error("expected Run=false with healer disabled")
	}
}

func TestDecideRejectsWhenScenarioDisabled(t *testing.T) {
	cfg := enabledConfig()
	cfg.Scenarios.OnSubtaskFailure = false
	d := Decide(Event{Kind: EventSubtaskFailed}, cfg, model.NewCounters())
	if d.Run {
		t.Error("expected Run=false with scenario disabled")
	}
}

func TestDecideEnforcesSessionLimit(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxInvocationsPerSession = 2
	counters := model.NewCounters()
	counters.SessionInvocations = 2
	d := Decide(Event{Kind: EventSubtaskFailed}, cfg, counters)
	if d.Run {
		t.Error("expected Run=false once session limit reached")
	}
}

func TestDecideEnforcesSubtaskLimit(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxInvocationsPerSubtask = 1
	counters := model.NewCounters()
	counters.SubtaskInvocations["oa-1.1"] = 1
	d := Decide(Event{Kind: EventSubtaskFailed, SubtaskID: "oa-1.1"}, cfg, counters)
	if d.Run {
		t.Error("expected Run=false once subtask limit reached")
	}
}

func TestDecideDefaultsLimitsWhenConfigOmitsThem(t *testing.T) {
	cfg := enabledConfig() // MaxInvocationsPerSession/Subtask left zero
	counters := model.NewCounters()
	counters.SessionInvocations = 1
	d := Decide(Event{Kind: EventSubtaskFailed, SubtaskID: "oa-1.1"}, cfg, counters)
	if !d.Run {
		t.Fatalf("expected Run=true under default session limit 2, got reason=%q", d.Reason)
	}

	counters.SessionInvocations = 2
	d = Decide(Event{Kind: EventSubtaskFailed, SubtaskID: "oa-1.1"}, cfg, counters)
	if d.Run {
		t.Error("expected Run=false once default session limit 2 reached")
	}
}

func TestDecideComputesStableHealingKey(t *testing.T) {
	ev := Event{Kind: EventSubtaskFailed, TaskID: "oa-1", SubtaskID: "oa-1.1", ErrorOutput: "boom\n\n"}
	d1 := Decide(ev, enabledConfig(), model.NewCounters())
	ev2 := ev
	ev2.ErrorOutput = "boom"
	d2 := Decide(ev2, enabledConfig(), model.NewCounters())
	if d1.Key.ErrorHash != d2.Key.ErrorHash {
		t.Error("expected errorHash stable across trailing whitespace")
	}
	if d1.Key.TaskID != "oa-1" || d1.Key.SubtaskID != "oa-1.1" || d1.Key.Scenario != model.ScenarioSubtaskFailed {
		t.Errorf("Key = %+v, unexpected", d1.Key)
	}
}

func TestAlreadyAttempted(t *testing.T) {
	key := model.HealingKey{TaskID: "oa-1", SubtaskID: "oa-1.1", Scenario: model.ScenarioSubtaskFailed, ErrorHash: "abc"}
	counters := model.NewCounters()
	counters.HealingAttempts[key.String()] = model.HealingAttempt{Outcome: model.OutcomeResolved}

	attempt, ok := AlreadyAttempted(counters, key)
	if !ok {
		t.Fatal("expected AlreadyAttempted=true for resolved outcome")
	}
	if attempt.Outcome != model.OutcomeResolved {
		t.Errorf("Outcome = %q", attempt.Outcome)
	}

	key2 := model.HealingKey{TaskID: "oa-1", SubtaskID: "oa-1.1", Scenario: model.ScenarioSubtaskFailed, ErrorHash: "def"}
	if _, ok := AlreadyAttempted(counters, key2); ok {
		t.Error("expected AlreadyAttempted=false for unseen key")
	}
}

func TestAlreadyAttemptedIgnoresUnresolvedOutcome(t *testing.T) {
	key := model.HealingKey{TaskID: "oa-1", SubtaskID: "oa-1.1", Scenario: model.ScenarioSubtaskFailed, ErrorHash: "abc"}
	counters := model.NewCounters()
	counters.HealingAttempts[key.String()] = model.HealingAttempt{Outcome: model.OutcomeUnresolved}

	if _, ok := AlreadyAttempted(counters, key); ok {
		t.Error("expected AlreadyAttempted=false for unresolved outcome (eligible for retry)")
	}
}
