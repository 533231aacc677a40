package spell

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/openagents/taskloop/internal/config"
	"github.com/openagents/taskloop/internal/health"
	"github.com/openagents/taskloop/internal/model"
	"github.com/openagents/taskloop/internal/taskstore"
	"github.com/openagents/taskloop/internal/worker"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestPlanFiltersByAllowList(t *testing.T) {
	e := New(Deps{})
	hctx := model.HealerContext{Heuristics: model.Heuristics{Scenario: model.ScenarioSubtaskFailed}}
	plan := e.Plan(hctx, config.SpellFilters{Allowed: []string{string(model.SpellUpdateProgressGuidance)}}, false)
	if len(plan) != 1 || plan[0] != model.SpellUpdateProgressGuidance {
		t.Errorf("Plan = %v, want only update_progress_with_guidance", plan)
	}
}

func TestPlanFiltersByForbidden(t *testing.T) {
	e := New(Deps{})
	hctx := model.HealerContext{Heuristics: model.Heuristics{Scenario: model.ScenarioSubtaskFailed}}
	plan := e.Plan(hctx, config.SpellFilters{Forbidden: []string{string(model.SpellRewindUncommittedChanges)}}, false)
	for _, id := range plan {
		if id == model.SpellRewindUncommittedChanges {
			t.Errorf("forbidden spell present in plan: %v", plan)
		}
	}
}

func TestPlanExcludesLLMSpells(t *testing.T) {
	e := New(Deps{})
	hctx := model.HealerContext{Heuristics: model.Heuristics{Scenario: model.ScenarioInitScriptTypecheckFailure}}
	plan := e.Plan(hctx, config.SpellFilters{}, true)
	for _, id := range plan {
		if id == model.SpellFixTypecheckErrors {
			t.Errorf("excludeLLMSpells=true still planned %v: %v", id, plan)
		}
	}
}

func TestRewindUncommittedChangesSucceeds(t *testing.T) {
	dir := initTestRepo(t)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("dirty"), 0o644)
	os.WriteFile(filepath.Join(dir, "untracked.txt"), []byte("new"), 0o644)

	e := New(Deps{})
	hctx := model.HealerContext{ProjectRoot: dir, Heuristics: model.Heuristics{Scenario: model.ScenarioSubtaskFailed}}
	result := e.rewindUncommittedChanges(hctx)
	if result.Status != model.SpellSuccess {
		t.Errorf("result = %+v, want success", result)
	}
	if _, err := os.Stat(filepath.Join(dir, "untracked.txt")); !os.IsNotExist(err) {
		t.Error("expected untracked.txt removed")
	}
}

func TestMarkTaskBlockedWithFollowupCreatesChildTask(t *testing.T) {
	dir := t.TempDir()
	store, err := taskstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(model.Task{ID: "oa-1", Status: model.TaskOpen}); err != nil {
		t.Fatal(err)
	}

	e := New(Deps{Tasks: store})
	hctx := model.HealerContext{
		ProjectRoot: dir,
		TaskID:      "oa-1",
		Heuristics:  model.Heuristics{Scenario: model.ScenarioSubtaskFailed},
		ErrorOutput: "boom",
	}
	result := e.markTaskBlockedWithFollowup(hctx)
	if result.Status != model.SpellSuccess {
		t.Fatalf("result = %+v, want success", result)
	}

	all, err := store.List(taskstore.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks (original + follow-up), got %d", len(all))
	}
	var blocked, followup bool
	for _, task := range all {
		if task.ID == "oa-1" && task.Status == model.TaskBlocked {
			blocked = true
		}
		if task.ID != "oa-1" {
			followup = true
			if len(task.Deps) != 1 || task.Deps[0].Relation != model.DepDiscoveredFrom {
				t.Errorf("follow-up task deps = %+v", task.Deps)
			}
		}
	}
	if !blocked || !followup {
		t.Errorf("blocked=%v followup=%v", blocked, followup)
	}
}

func TestUpdateProgressWithGuidanceAppends(t *testing.T) {
	dir := t.TempDir()
	e := New(Deps{})
	hctx := model.HealerContext{
		ProjectRoot: dir,
		TaskID:      "oa-1",
		Heuristics:  model.Heuristics{Scenario: model.ScenarioRuntimeError, ErrorPatterns: []string{"reference_error"}},
		ErrorOutput: "ReferenceError: x is not defined",
	}
	result := e.updateProgressWithGuidance(hctx)
	if result.Status != model.SpellSuccess {
		t.Fatalf("result = %+v, want success", result)
	}
	b, err := os.ReadFile(filepath.Join(dir, ".openagents", "progress.md"))
	if err != nil {
		t.Fatal(err)
	}
	if len(b) == 0 {
		t.Fatal("expected non-empty progress memo")
	}

	result2 := e.updateProgressWithGuidance(hctx)
	if result2.Status != model.SpellSuccess {
		t.Fatal("expected second append to succeed")
	}
	b2, err := os.ReadFile(filepath.Join(dir, ".openagents", "progress.md"))
	if err != nil {
		t.Fatal(err)
	}
	if len(b2) <= len(b) {
		t.Error("expected progress memo to grow (append-only)")
	}
}

// TestExecuteRunsContainmentSpellsToCompletionAndFoldsContained locks in
// spec.md §8 S4: SubtaskStuck's plan is purely containment
// ([update_progress_with_guidance, mark_task_blocked_with_followup]), so
// Execute must run both spells rather than stopping after the first
// non-resolving success — otherwise mark_task_blocked_with_followup (and
// its follow-up task) never runs.
func TestExecuteRunsContainmentSpellsToCompletionAndFoldsContained(t *testing.T) {
	dir := t.TempDir()
	store, err := taskstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(model.Task{ID: "oa-1", Status: model.TaskOpen}); err != nil {
		t.Fatal(err)
	}

	e := New(Deps{Tasks: store})
	hctx := model.HealerContext{
		ProjectRoot: dir,
		TaskID:      "oa-1",
		Heuristics:  model.Heuristics{Scenario: model.ScenarioSubtaskStuck},
	}
	plan := e.Plan(hctx, config.SpellFilters{}, false)
	counters := model.NewCounters()
	key := model.HealingKey{TaskID: "oa-1", Scenario: model.ScenarioSubtaskStuck, ErrorHash: "h1"}

	outcome := e.Execute(context.Background(), hctx, plan, key, &counters)
	if outcome.Status != model.OutcomeContained {
		t.Errorf("outcome.Status = %q, want contained", outcome.Status)
	}
	if len(outcome.SpellsTried) != 2 {
		t.Errorf("expected both containment spells to run, tried = %v", outcome.SpellsTried)
	}
	if len(outcome.SpellsSucceeded) != 2 {
		t.Errorf("expected both containment spells to succeed, succeeded = %v", outcome.SpellsSucceeded)
	}
	if counters.HealingAttempts[key.String()].Outcome != model.OutcomeContained {
		t.Errorf("counters not updated: %+v", counters.HealingAttempts[key.String()])
	}

	all, err := store.List(taskstore.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	var blocked, followup bool
	for _, task := range all {
		if task.ID == "oa-1" && task.Status == model.TaskBlocked {
			blocked = true
		}
		if task.ID != "oa-1" && len(task.Labels) > 0 {
			for _, l := range task.Labels {
				if l == "healer-followup" {
					followup = true
				}
			}
		}
	}
	if !blocked {
		t.Error("expected task oa-1 to be blocked")
	}
	if !followup {
		t.Error("expected a follow-up task labeled healer-followup")
	}
}

func TestExecuteSkippedWhenPlanEmpty(t *testing.T) {
	e := New(Deps{})
	hctx := model.HealerContext{Heuristics: model.Heuristics{Scenario: model.ScenarioSubtaskFailed}}
	counters := model.NewCounters()
	key := model.HealingKey{Scenario: model.ScenarioSubtaskFailed, ErrorHash: "h2"}
	outcome := e.Execute(context.Background(), hctx, nil, key, &counters)
	if outcome.Status != model.OutcomeSkipped {
		t.Errorf("outcome.Status = %q, want skipped", outcome.Status)
	}
}

func TestFixCheckSucceedsWhenRerunPasses(t *testing.T) {
	dir := t.TempDir()
	d := worker.New(dir, time.Second, []string{"sh", "-c", "echo '{\"type\":\"exit\",\"exit\":{\"code\":0,\"reason\":\"ok\"}}'"})
	h := health.New(dir, time.Second)
	e := New(Deps{Worker: d, Health: h, TypecheckCommand: "echo ok"})

	hctx := model.HealerContext{
		ProjectRoot: dir,
		TaskID:      "oa-1",
		SubtaskID:   "oa-1.1",
		Heuristics:  model.Heuristics{Scenario: model.ScenarioInitScriptTypecheckFailure},
	}
	result := e.fixCheck(context.Background(), hctx, health.KindTypecheck, "echo ok")
	if result.Status != model.SpellSuccess {
		t.Fatalf("result = %+v, want success", result)
	}
	if !result.Effects.Resolved {
		t.Error("expected Effects.Resolved=true on successful fix")
	}
}
