package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openagents/taskloop/internal/model"
	"github.com/openagents/taskloop/internal/taskstore"
)

func initGitRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("%s failed: %v\n%s", strings.Join(args, " "), err, string(out))
		}
	}
	run("git", "init")
	run("git", "config", "user.name", "tester")
	run("git", "config", "user.email", "tester@example.com")
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("git", "add", "-A")
	run("git", "commit", "-m", "init")
	return repo
}

func TestRunSessionRunCompletesReadyTaskEndToEnd(t *testing.T) {
	root := initGitRepo(t)
	writeProjectConfig(t, root)

	store, err := taskstore.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(model.Task{ID: "oa-1", Title: "do the thing", Status: model.TaskOpen}); err != nil {
		t.Fatal(err)
	}

	workerCmd := `echo '{"type":"exit","exit":{"code":0,"reason":"ok"}}'`
	code := runSessionRun([]string{"--root", root, "--session-id", "sess-1", "--worker-cmd", workerCmd})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	got, err := store.List(taskstore.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Status != model.TaskClosed {
		t.Fatalf("tasks = %+v, want oa-1 closed", got)
	}
}

func TestRunSessionRunRequiresWorkerCmd(t *testing.T) {
	root := initGitRepo(t)
	writeProjectConfig(t, root)

	code := runSessionRun([]string{"--root", root})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
