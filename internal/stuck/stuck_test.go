package stuck

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openagents/taskloop/internal/config"
	"github.com/openagents/taskloop/internal/model"
	"github.com/openagents/taskloop/internal/taskstore"
)

func TestScanTasksFindsStaleInProgressTask(t *testing.T) {
	dir := t.TempDir()
	store, err := taskstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().UTC().Add(-2 * time.Hour)
	task, err := store.Create(model.Task{ID: "oa-1", Status: model.TaskInProgress, UpdatedAt: old, CreatedAt: old})
	if err != nil {
		t.Fatal(err)
	}
	_ = task

	s := New(store, dir, Config{TaskThreshold: time.Hour, SubtaskThreshold: time.Hour})
	triggers, err := s.Scan(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(triggers) != 1 || triggers[0].TaskID != "oa-1" {
		t.Fatalf("triggers = %+v, want one for oa-1", triggers)
	}
}

func TestScanTasksIgnoresRecentlyUpdatedTask(t *testing.T) {
	dir := t.TempDir()
	store, err := taskstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(model.Task{ID: "oa-1", Status: model.TaskInProgress, UpdatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	s := New(store, dir, Config{TaskThreshold: time.Hour, SubtaskThreshold: time.Hour})
	triggers, err := s.Scan(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(triggers) != 0 {
		t.Errorf("triggers = %+v, want none", triggers)
	}
}

func TestScanTasksIgnoresOpenAndClosedTasks(t *testing.T) {
	dir := t.TempDir()
	store, err := taskstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().UTC().Add(-3 * time.Hour)
	if _, err := store.Create(model.Task{ID: "open", Status: model.TaskOpen, UpdatedAt: old}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(model.Task{ID: "closed", Status: model.TaskClosed, UpdatedAt: old}); err != nil {
		t.Fatal(err)
	}

	s := New(store, dir, Config{TaskThreshold: time.Hour, SubtaskThreshold: time.Hour})
	triggers, err := s.Scan(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(triggers) != 0 {
		t.Errorf("triggers = %+v, want none (open/closed tasks are never stuck)", triggers)
	}
}

func writeTrajectory(t *testing.T, root, sessionID string, doc model.Document) {
	t.Helper()
	dir := filepath.Join(root, ".openagents", "trajectories")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, sessionID+".json"), b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanTrajectoriesFindsStaleSession(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().UTC().Add(-2 * time.Hour)
	writeTrajectory(t, dir, "sess-1", model.Document{
		SessionID: "sess-1",
		Steps: []model.Step{
			{StepID: 1, Timestamp: old, Source: model.SourceWorker, Status: model.StepInProgress},
		},
	})

	s := New(nil, dir, Config{TaskThreshold: time.Hour, SubtaskThreshold: time.Hour})
	triggers, err := s.Scan(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(triggers) != 1 || triggers[0].SubtaskID != "sess-1" {
		t.Fatalf("triggers = %+v, want one for sess-1", triggers)
	}
}

func TestScanTrajectoriesSkipsFinalizedSessions(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().UTC().Add(-2 * time.Hour)
	writeTrajectory(t, dir, "sess-1", model.Document{
		SessionID:    "sess-1",
		Steps:        []model.Step{{StepID: 1, Timestamp: old, Status: model.StepCompleted}},
		FinalMetrics: &model.FinalMetrics{Status: "completed", CompletedAt: time.Now().UTC()},
	})

	s := New(nil, dir, Config{TaskThreshold: time.Hour, SubtaskThreshold: time.Hour})
	triggers, err := s.Scan(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(triggers) != 0 {
		t.Errorf("triggers = %+v, want none for a finalized session", triggers)
	}
}

func TestScanTrajectoriesFindsConsecutiveFailuresBelowAgeThreshold(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	writeTrajectory(t, dir, "sess-1", model.Document{
		SessionID: "sess-1",
		Steps: []model.Step{
			{StepID: 1, Timestamp: now.Add(-3 * time.Minute), Source: model.SourceWorker, Status: model.StepCompleted},
			{StepID: 2, Timestamp: now.Add(-2 * time.Minute), Source: model.SourceWorker, Status: model.StepFailed, Error: "boom"},
			{StepID: 3, Timestamp: now.Add(-1 * time.Minute), Source: model.SourceWorker, Status: model.StepFailed, Error: "boom again"},
			{StepID: 4, Timestamp: now, Source: model.SourceWorker, Status: model.StepFailed, Error: "boom thrice"},
		},
	})

	s := New(nil, dir, Config{TaskThreshold: time.Hour, SubtaskThreshold: time.Hour, MinConsecutiveFailures: 3})
	triggers, err := s.Scan(now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(triggers) != 1 || triggers[0].SubtaskID != "sess-1" {
		t.Fatalf("triggers = %+v, want one for sess-1 via consecutive failures", triggers)
	}
}

func TestScanOrdersMostStaleFirst(t *testing.T) {
	dir := t.TempDir()
	store, err := taskstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	if _, err := store.Create(model.Task{ID: "recent", Status: model.TaskInProgress, UpdatedAt: now.Add(-90 * time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(model.Task{ID: "stale", Status: model.TaskInProgress, UpdatedAt: now.Add(-5 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	s := New(store, dir, Config{TaskThreshold: time.Hour, SubtaskThreshold: time.Hour})
	triggers, err := s.Scan(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(triggers) != 2 || triggers[0].TaskID != "stale" || triggers[1].TaskID != "recent" {
		t.Fatalf("triggers = %+v, want stale before recent", triggers)
	}
}

func TestFromHealerConfigDefaultsToOneHour(t *testing.T) {
	cfg := FromHealerConfig(config.HealerConfig{})
	if cfg.TaskThreshold != time.Hour || cfg.SubtaskThreshold != time.Hour {
		t.Errorf("cfg = %+v, want 1h defaults", cfg)
	}
	if cfg.MinConsecutiveFailures != DefaultMinConsecutiveFailures {
		t.Errorf("MinConsecutiveFailures = %d, want %d", cfg.MinConsecutiveFailures, DefaultMinConsecutiveFailures)
	}
}
