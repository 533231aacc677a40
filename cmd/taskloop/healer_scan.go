package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/openagents/taskloop/internal/stuck"
	"github.com/openagents/taskloop/internal/taskstore"
)

func healerScan(args []string) {
	os.Exit(runHealerScan(args, os.Stdout, os.Stderr))
}

// jsonTrigger is the --json shape for one stuck finding: a flattened
// subset of stuck.Trigger that encodes cleanly without exposing
// policy.Event's internals.
type jsonTrigger struct {
	TaskID    string `json:"taskId,omitempty"`
	SubtaskID string `json:"subtaskId,omitempty"`
	Reason    string `json:"reason"`
	AgeSec    int64  `json:"ageSeconds"`
}

func runHealerScan(args []string, stdout, stderr io.Writer) int {
	var root string
	var asJSON bool
	var taskHours, subtaskHours float64
	var minFailures int

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--root":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--root requires a value")
				return 1
			}
			root = args[i]
		case "--json":
			asJSON = true
		case "--task-hours":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--task-hours requires a value")
				return 1
			}
			v, err := strconv.ParseFloat(args[i], 64)
			if err != nil || v <= 0 {
				fmt.Fprintln(stderr, "--task-hours must be a positive number")
				return 1
			}
			taskHours = v
		case "--subtask-hours":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--subtask-hours requires a value")
				return 1
			}
			v, err := strconv.ParseFloat(args[i], 64)
			if err != nil || v <= 0 {
				fmt.Fprintln(stderr, "--subtask-hours must be a positive number")
				return 1
			}
			subtaskHours = v
		case "--min-failures":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--min-failures requires a value")
				return 1
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintln(stderr, "--min-failures must be a positive integer")
				return 1
			}
			minFailures = n
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	if root == "" {
		fmt.Fprintln(stderr, "--root is required")
		return 1
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	cfg, err := loadProjectConfig(absRoot)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	scanCfg := stuck.FromHealerConfig(cfg.Healer)
	if taskHours > 0 {
		scanCfg.TaskThreshold = time.Duration(taskHours * float64(time.Hour))
	}
	if subtaskHours > 0 {
		scanCfg.SubtaskThreshold = time.Duration(subtaskHours * float64(time.Hour))
	}
	if minFailures > 0 {
		scanCfg.MinConsecutiveFailures = minFailures
	}

	tasks, err := taskstore.Open(absRoot)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	scanner := stuck.New(tasks, absRoot, scanCfg)
	triggers, err := scanner.Scan(time.Now().UTC())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if asJSON {
		out := make([]jsonTrigger, 0, len(triggers))
		for _, t := range triggers {
			out = append(out, jsonTrigger{
				TaskID:    t.TaskID,
				SubtaskID: t.SubtaskID,
				Reason:    t.Reason,
				AgeSec:    int64(t.Age.Seconds()),
			})
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	} else {
		if len(triggers) == 0 {
			fmt.Fprintln(stdout, "no stuck tasks or subtasks")
		}
		for _, t := range triggers {
			fmt.Fprintf(stdout, "%s\n", t.Reason)
		}
	}

	if len(triggers) > 0 {
		return 1
	}
	return 0
}
