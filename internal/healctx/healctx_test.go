package healctx

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/openagents/taskloop/internal/model"
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
	run("commit", "-m", "initial commit")
	return dir
}

func TestBuildRequiresProjectRoot(t *testing.T) {
	_, err := Build(Input{})
	if err == nil {
		t.Fatal("expected error for empty project root")
	}
}

func TestBuildPopulatesGitSnapshotAndPatterns(t *testing.T) {
	dir := initTestRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("changed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}

	hctx, err := Build(Input{
		ProjectRoot:  dir,
		SessionID:    "sess-1",
		Task:         model.Task{ID: "oa-1", Status: model.TaskOpen},
		Subtask:      &model.Subtask{ID: "oa-1.1"},
		TriggerEvent: "SubtaskFailed",
		Stderr:       "error TS2304: cannot find name 'foo'",
		Scenario:     model.ScenarioSubtaskFailed,
		FailureCount: 2,
		Counters:     model.NewCounters(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !hctx.Git.IsDirty {
		t.Error("expected IsDirty=true")
	}
	if len(hctx.Git.ModifiedFiles) != 1 || hctx.Git.ModifiedFiles[0] != "a.txt" {
		t.Errorf("ModifiedFiles = %v", hctx.Git.ModifiedFiles)
	}
	if len(hctx.Git.UntrackedFiles) != 1 || hctx.Git.UntrackedFiles[0] != "b.txt" {
		t.Errorf("UntrackedFiles = %v", hctx.Git.UntrackedFiles)
	}
	if hctx.Git.LastCommitMsg != "initial commit" {
		t.Errorf("LastCommitMsg = %q", hctx.Git.LastCommitMsg)
	}
	if !hctx.Heuristics.HasTypeErrors {
		t.Error("expected HasTypeErrors=true from TS error code")
	}
	if hctx.SubtaskID != "oa-1.1" {
		t.Errorf("SubtaskID = %q, want oa-1.1", hctx.SubtaskID)
	}
	if hctx.TaskID != "oa-1" {
		t.Errorf("TaskID = %q, want oa-1", hctx.TaskID)
	}
}

func TestBuildToleratesMissingGitRepo(t *testing.T) {
	dir := t.TempDir()
	hctx, err := Build(Input{
		ProjectRoot: dir,
		Task:        model.Task{ID: "oa-2"},
		Counters:    model.NewCounters(),
	})
	if err != nil {
		t.Fatalf("Build should degrade gracefully, got err: %v", err)
	}
	if hctx.Git.Branch != "" {
		t.Errorf("expected empty branch outside a repo, got %q", hctx.Git.Branch)
	}
}

func TestBuildCountersAreIndependentCopy(t *testing.T) {
	dir := initTestRepo(t)
	counters := model.NewCounters()
	counters.SessionInvocations = 3
	counters.SubtaskInvocations["oa-1.1"] = 1

	hctx, err := Build(Input{
		ProjectRoot: dir,
		Task:        model.Task{ID: "oa-1"},
		Counters:    counters,
	})
	if err != nil {
		t.Fatal(err)
	}

	counters.SubtaskInvocations["oa-1.1"] = 99
	if hctx.Counters.SubtaskInvocations["oa-1.1"] != 1 {
		t.Error("HealerContext.Counters aliased back into caller's counters")
	}
}
