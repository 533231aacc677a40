package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openagents/taskloop/internal/config"
	"github.com/openagents/taskloop/internal/health"
	"github.com/openagents/taskloop/internal/orchestrator"
	"github.com/openagents/taskloop/internal/spell"
	"github.com/openagents/taskloop/internal/taskstore"
	"github.com/openagents/taskloop/internal/trajectory"
	"github.com/openagents/taskloop/internal/ulidgen"
	"github.com/openagents/taskloop/internal/worker"
)

func sessionRun(args []string) {
	os.Exit(runSessionRun(args))
}

func runSessionRun(args []string) int {
	var root string
	var sessionID string
	var agent string
	var workerCmd string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--root requires a value")
				return 1
			}
			root = args[i]
		case "--session-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--session-id requires a value")
				return 1
			}
			sessionID = args[i]
		case "--agent":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--agent requires a value")
				return 1
			}
			agent = args[i]
		case "--worker-cmd":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--worker-cmd requires a value")
				return 1
			}
			workerCmd = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	if root == "" {
		fmt.Fprintln(os.Stderr, "--root is required")
		return 1
	}
	if workerCmd == "" {
		fmt.Fprintln(os.Stderr, "--worker-cmd is required")
		return 1
	}
	if sessionID == "" {
		sessionID = ulidgen.New()
	}
	if agent == "" {
		agent = "taskloop"
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := loadProjectConfig(absRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	tasks, err := taskstore.Open(absRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	traj, err := trajectory.Open(absRoot, sessionID, agent)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	timeout := time.Duration(cfg.SubtaskTimeoutMS) * time.Millisecond
	// workerCmd is a shell command line, the same convention project.json
	// uses for typecheck/test/e2e commands; the subtask instruction is
	// appended as an extra positional argument the script may ignore.
	wdriver := worker.New(absRoot, timeout, []string{"sh", "-c", workerCmd})
	hrunner := health.New(absRoot, timeout)
	spells := spell.New(spell.Deps{
		Tasks:                 tasks,
		Health:                hrunner,
		Worker:                wdriver,
		LastGreenCommitSource: cfg.Healer.LastGreenCommitSource,
		AllowForceRewind:      cfg.Healer.AllowForceRewind,
		LastGreenSHA:          resolveLastGreenSHA(absRoot, cfg),
		TypecheckCommand:      firstOf(cfg.TypecheckCommands),
		TestCommand:           firstOf(cfg.TestCommands),
	})

	sess := orchestrator.New(orchestrator.Deps{
		ProjectRoot: absRoot,
		SessionID:   sessionID,
		Agent:       agent,
		Config:      cfg,
		Tasks:       tasks,
		Trajectory:  traj,
		Worker:      wdriver,
		Health:      hrunner,
		Spells:      spells,
	})

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	if err := sess.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("session_id=%s\n", sessionID)
	return 0
}

// loadProjectConfig tries project.json then project.yaml, matching
// config.Load's own extension dispatch.
func loadProjectConfig(root string) (*config.Project, error) {
	for _, name := range []string{"project.json", "project.yaml", "project.yml"} {
		path := filepath.Join(root, ".openagents", name)
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	return nil, fmt.Errorf("no project config found under %s/.openagents", root)
}

// resolveLastGreenSHA picks the ref rewind_to_last_green_commit should
// resolve, per DESIGN.md's Open Question decision (a): the healthrunner
// source reads the marker the Orchestrator writes on every successful
// Verifying transition; the tag source names a conventional git tag.
func resolveLastGreenSHA(root string, cfg *config.Project) string {
	switch cfg.Healer.LastGreenCommitSource {
	case config.LastGreenFromTag:
		return "last-green"
	default:
		b, err := os.ReadFile(filepath.Join(root, ".openagents", "last-green-sha"))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}
}

func firstOf(cmds []string) string {
	if len(cmds) == 0 {
		return ""
	}
	return cmds[0]
}
