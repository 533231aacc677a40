// Package trajectory implements the append-only TrajectoryLog: one JSON
// document per session at <root>/.openagents/trajectories/<sessionId>.json,
// rewritten wholesale on every append (spec.md §4.2, §6). It exclusively
// owns that file.
package trajectory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openagents/taskloop/internal/model"
)

// Error is TrajectoryError from spec.md §7.
type Error struct {
	Kind   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("trajectory: %s: %s", e.Kind, e.Reason)
}

const (
	KindIO             = "io"
	KindCorruptJSON    = "corrupt_json"
	KindSchemaMismatch = "schema_mismatch"
)

// AppendStepOpts controls defaulting behavior for AppendStep, mirroring
// spec.md §4.2's "sets defaults (timestamp if absent, status=completed if
// the opts say so)".
type AppendStepOpts struct {
	// MarkCompleted forces Status=completed when the caller's Step left
	// Status unset.
	MarkCompleted bool
}

// Log is the open handle to one session's trajectory document.
type Log struct {
	path string
	doc  model.Document
}

// Open creates (if absent) or loads the trajectory document for session at
// <root>/.openagents/trajectories/<sessionId>.json.
func Open(root, sessionID, agent string) (*Log, error) {
	path := filepath.Join(root, ".openagents", "trajectories", sessionID+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &Error{Kind: KindIO, Reason: err.Error()}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, &Error{Kind: KindIO, Reason: err.Error()}
		}
		doc := model.Document{
			SchemaVersion: model.SchemaVersion,
			SessionID:     sessionID,
			Agent:         agent,
			Steps:         []model.Step{},
		}
		l := &Log{path: path, doc: doc}
		if err := l.persist(); err != nil {
			return nil, err
		}
		return l, nil
	}

	var doc model.Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, &Error{Kind: KindCorruptJSON, Reason: err.Error()}
	}
	if doc.SchemaVersion != "" && doc.SchemaVersion != model.SchemaVersion {
		return nil, &Error{Kind: KindSchemaMismatch, Reason: fmt.Sprintf("got %q want %q", doc.SchemaVersion, model.SchemaVersion)}
	}
	return &Log{path: path, doc: doc}, nil
}

// StepCount returns the number of steps currently persisted.
func (l *Log) StepCount() int {
	return len(l.doc.Steps)
}

// Steps returns a copy of the persisted steps.
func (l *Log) Steps() []model.Step {
	out := make([]model.Step, len(l.doc.Steps))
	copy(out, l.doc.Steps)
	return out
}

// AppendStep assigns the next dense stepId, canonicalizes defaults, and
// atomically rewrites the document.
func (l *Log) AppendStep(in model.Step, opts AppendStepOpts) (model.Step, error) {
	in.StepID = len(l.doc.Steps) + 1
	in = in.Canonicalize(time.Now().UTC())
	if opts.MarkCompleted && in.Status == "" {
		in.Status = model.StepCompleted
	}
	if err := in.Validate(); err != nil {
		return model.Step{}, &Error{Kind: KindSchemaMismatch, Reason: err.Error()}
	}
	l.doc.Steps = append(l.doc.Steps, in)
	if err := l.persist(); err != nil {
		return model.Step{}, err
	}
	return in, nil
}

// AppendCheckpoint records a checkpoint at the current latest stepId.
func (l *Log) AppendCheckpoint(label string) (model.Checkpoint, error) {
	cp := model.Checkpoint{
		StepID:    len(l.doc.Steps),
		Timestamp: time.Now().UTC(),
		Label:     label,
	}
	l.doc.Checkpoints = append(l.doc.Checkpoints, cp)
	if err := l.persist(); err != nil {
		return model.Checkpoint{}, err
	}
	return cp, nil
}

// RecordRecovery stamps recovery_info on the document, used when a fatal
// error aborts the session (spec.md §7).
func (l *Log) RecordRecovery(info model.RecoveryInfo) error {
	l.doc.RecoveryInfo = &info
	return l.persist()
}

// PlanRecovery computes the resume plan per spec.md §4.2 and §8 property 6:
// resumeFromStepId is the latest checkpoint's stepId + 1 (or 1 with no
// checkpoint); completedSteps are every completed step; stepsToReplay are
// steps with id >= resumeFromStepId that are not completed.
func (l *Log) PlanRecovery() model.RecoveryPlan {
	var latest *model.Checkpoint
	for i := range l.doc.Checkpoints {
		cp := l.doc.Checkpoints[i]
		if latest == nil || cp.StepID > latest.StepID {
			c := cp
			latest = &c
		}
	}

	resumeFrom := 1
	if latest != nil {
		resumeFrom = latest.StepID + 1
	}

	var completed, replay []model.Step
	for _, s := range l.doc.Steps {
		if s.Status == model.StepCompleted {
			completed = append(completed, s)
		}
		if s.StepID >= resumeFrom && s.Status != model.StepCompleted {
			replay = append(replay, s)
		}
	}

	return model.RecoveryPlan{
		Checkpoint:       latest,
		ResumeFromStepID: resumeFrom,
		CompletedSteps:   completed,
		StepsToReplay:    replay,
	}
}

// ManifestInfo is the metadata SPEC_FULL.md §7's run manifest carries,
// mirroring the teacher's writeManifest (internal/attractor/engine/engine.go):
// session id, project id, started-at, worker profile.
type ManifestInfo struct {
	ProjectID     string
	WorkerProfile string
	StartedAt     time.Time
}

// WriteManifest writes the session's run manifest to
// <root>/.openagents/trajectories/<sessionId>.manifest.json, pure ambient
// observability alongside the structured document (SPEC_FULL.md §7) — it
// changes nothing about AppendStep/PlanRecovery's contract.
func (l *Log) WriteManifest(info ManifestInfo) error {
	manifest := map[string]any{
		"session_id":     l.doc.SessionID,
		"agent":          l.doc.Agent,
		"project_id":     info.ProjectID,
		"worker_profile": info.WorkerProfile,
		"started_at":     info.StartedAt.Format(time.RFC3339Nano),
	}
	b, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return &Error{Kind: KindIO, Reason: err.Error()}
	}
	if err := os.WriteFile(l.manifestPath(), b, 0o644); err != nil {
		return &Error{Kind: KindIO, Reason: err.Error()}
	}
	return nil
}

// AppendProgress appends step as one line to the session's progress.ndjson
// feed, mirroring the teacher's appendProgress call sites
// (internal/attractor/engine/engine.go) — a lightweight tail StuckDetector
// can read without loading and unmarshaling the whole trajectory document
// (SPEC_FULL.md §6/§7).
func (l *Log) AppendProgress(step model.Step) error {
	b, err := json.Marshal(step)
	if err != nil {
		return &Error{Kind: KindIO, Reason: err.Error()}
	}
	f, err := os.OpenFile(l.progressPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &Error{Kind: KindIO, Reason: err.Error()}
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return &Error{Kind: KindIO, Reason: err.Error()}
	}
	return nil
}

func (l *Log) manifestPath() string {
	return strings.TrimSuffix(l.path, ".json") + ".manifest.json"
}

func (l *Log) progressPath() string {
	return strings.TrimSuffix(l.path, ".json") + ".progress.ndjson"
}

// Finalize writes final_metrics and persists the document one last time.
func (l *Log) Finalize(status string) error {
	l.doc.FinalMetrics = &model.FinalMetrics{
		Status:      status,
		CompletedAt: time.Now().UTC(),
		TotalSteps:  len(l.doc.Steps),
	}
	return l.persist()
}

// persist rewrites the whole document via tmpfile+rename, matching the
// teacher's MkdirAll+MarshalIndent+WriteFile Save discipline extended with
// an atomic rename so a crash mid-write cannot corrupt the live file.
func (l *Log) persist() error {
	b, err := json.MarshalIndent(l.doc, "", "  ")
	if err != nil {
		return &Error{Kind: KindIO, Reason: err.Error()}
	}
	tmp := l.path + ".tmp." + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return &Error{Kind: KindIO, Reason: err.Error()}
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return &Error{Kind: KindIO, Reason: err.Error()}
	}
	return nil
}
