// Package orchestrator implements the top-level Orchestrator state machine
// (spec.md §4.8): pick → decompose → execute → verify → heal → commit →
// loop. It is grounded on the teacher's run()/runLoop() state loop
// (internal/attractor/engine/engine.go), generalized here from "DOT graph
// node" to "Task → Subtask → heal" phases: each event is appended to the
// TrajectoryLog as a Step, and finalize closes the trajectory with the
// session's final status. The loop appends no Checkpoints of its own; a
// panicking spell handler is recovered inside SpellEngine and reported as
// a failure of that spell.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openagents/taskloop/internal/config"
	"github.com/openagents/taskloop/internal/gitutil"
	"github.com/openagents/taskloop/internal/healctx"
	"github.com/openagents/taskloop/internal/health"
	"github.com/openagents/taskloop/internal/lock"
	"github.com/openagents/taskloop/internal/model"
	"github.com/openagents/taskloop/internal/policy"
	"github.com/openagents/taskloop/internal/spell"
	"github.com/openagents/taskloop/internal/taskstore"
	"github.com/openagents/taskloop/internal/trajectory"
	"github.com/openagents/taskloop/internal/worker"
)

// State is the closed set of Orchestrator states (spec.md §4.8).
type State string

const (
	StateIdle             State = "Idle"
	StateTaskSelected      State = "TaskSelected"
	StateDecomposed        State = "Decomposed"
	StateExecutingSubtask  State = "ExecutingSubtask"
	StateVerifying         State = "Verifying"
	StateSubtaskComplete   State = "SubtaskComplete"
	StateHealing           State = "Healing"
	StateCommitting        State = "Committing"
	StateBlocking          State = "Blocking"
)

// Decomposer turns a Task into an ordered list of Subtasks. taskloop ships
// one concrete implementation (SingleSubtaskDecomposer); a richer,
// worker-driven decomposition is left to the caller to supply.
type Decomposer interface {
	Decompose(task model.Task) ([]model.Subtask, error)
}

// SingleSubtaskDecomposer treats the whole task as one subtask, the
// simplest decomposition satisfying spec.md §4.8's "decomposition success"
// transition when no richer planner is configured (DESIGN.md
// "Decomposition decision": decomposition strategy is left to the caller).
type SingleSubtaskDecomposer struct{}

func (SingleSubtaskDecomposer) Decompose(task model.Task) ([]model.Subtask, error) {
	return []model.Subtask{{ID: task.ID + ".s1", Description: task.Description}}, nil
}

// Deps bundles every collaborator the Orchestrator drives.
type Deps struct {
	ProjectRoot string
	SessionID   string
	Agent       string
	Config      *config.Project
	Tasks       *taskstore.Store
	Trajectory  *trajectory.Log
	Worker      *worker.Driver
	Health      *health.Runner
	Spells      *spell.Engine
	Decomposer  Decomposer
}

// Session runs one Orchestrator session to completion or idle.
type Session struct {
	deps     Deps
	lock     *lock.Lock
	counters model.Counters

	state      State
	task       *model.Task
	subtasks   []model.Subtask
	subtaskIdx int
}

// New returns a Session ready to Run. Decomposer defaults to
// SingleSubtaskDecomposer when nil.
func New(deps Deps) *Session {
	if deps.Decomposer == nil {
		deps.Decomposer = SingleSubtaskDecomposer{}
	}
	return &Session{deps: deps, counters: model.NewCounters(), state: StateIdle}
}

// Run drives the state machine until the backlog has no ready task
// (normal completion) or a fatal error aborts the session (spec.md §7).
func (s *Session) Run(ctx context.Context) error {
	l, err := lock.Acquire(s.deps.ProjectRoot, s.deps.SessionID)
	if err != nil {
		return err
	}
	s.lock = l
	defer s.lock.Release()

	s.writeManifest()

	for {
		if err := ctx.Err(); err != nil {
			s.appendStep(model.SourceSystem, "session_cancelled", model.StepCompleted, "")
			return s.finalize("cancelled")
		}

		switch s.state {
		case StateIdle:
			done, err := s.stepIdle()
			if err != nil {
				return s.fatal(err)
			}
			if done {
				return s.finalize("completed")
			}
		case StateTaskSelected:
			if err := s.stepTaskSelected(ctx); err != nil {
				return s.fatal(err)
			}
		case StateDecomposed:
			s.state = StateExecutingSubtask
		case StateExecutingSubtask:
			if err := s.stepExecutingSubtask(ctx); err != nil {
				return s.fatal(err)
			}
		case StateVerifying:
			if err := s.stepVerifying(ctx); err != nil {
				return s.fatal(err)
			}
		case StateSubtaskComplete:
			s.stepSubtaskComplete()
		case StateCommitting:
			if err := s.stepCommitting(); err != nil {
				return s.fatal(err)
			}
			s.state = StateIdle
		case StateBlocking:
			if err := s.stepBlocking(); err != nil {
				return s.fatal(err)
			}
			s.state = StateIdle
		default:
			return s.fatal(fmt.Errorf("unknown state %q", s.state))
		}
	}
}

func (s *Session) stepIdle() (bool, error) {
	task, err := s.deps.Tasks.PickNext(taskstore.Filter{})
	if err != nil {
		return false, err
	}
	if task == nil {
		return true, nil
	}
	s.task = task
	s.subtasks = nil
	s.subtaskIdx = 0
	s.appendStep(model.SourceSystem, "selected task "+task.ID, model.StepCompleted, "")
	s.state = StateTaskSelected
	return false, nil
}

// stepTaskSelected runs the project's init checks (typecheck then test)
// before decomposition; a failure there maps to the Init* scenarios
// (spec.md §4.5), a pass proceeds to decomposition.
func (s *Session) stepTaskSelected(ctx context.Context) error {
	if s.deps.Health != nil {
		if cmd := firstCommand(s.deps.Config.TypecheckCommands); cmd != "" {
			res, err := s.deps.Health.Run(ctx, health.KindTypecheck, cmd)
			if err != nil {
				return err
			}
			if !res.Passed() {
				s.onInitFailure(policy.FailureTypecheck, res.Stderr+res.Stdout)
				return nil
			}
		}
		if cmd := firstCommand(s.deps.Config.TestCommands); cmd != "" {
			res, err := s.deps.Health.Run(ctx, health.KindTest, cmd)
			if err != nil {
				return err
			}
			if !res.Passed() {
				s.onInitFailure(policy.FailureTest, res.Stderr+res.Stdout)
				return nil
			}
		}
	}

	subtasks, err := s.deps.Decomposer.Decompose(*s.task)
	if err != nil || len(subtasks) == 0 {
		reason := "decomposition produced no subtasks"
		if err != nil {
			reason = err.Error()
		}
		s.appendStep(model.SourceSystem, "decomposition failed: "+reason, model.StepFailed, reason)
		s.state = StateBlocking
		return nil
	}

	s.subtasks = subtasks
	s.subtaskIdx = 0
	s.appendStep(model.SourceSystem, fmt.Sprintf("decomposed into %d subtasks", len(subtasks)), model.StepCompleted, "")
	s.state = StateDecomposed
	return nil
}

func (s *Session) onInitFailure(failureType policy.FailureType, output string) {
	retry := s.handleFailure(policy.Event{
		Kind: policy.EventInitScriptComplete, FailureType: failureType,
		ErrorOutput: output, TaskID: s.task.ID,
	})
	if retry {
		s.state = StateTaskSelected
	} else {
		s.state = StateBlocking
	}
}

func (s *Session) stepExecutingSubtask(ctx context.Context) error {
	sub := &s.subtasks[s.subtaskIdx]
	now := time.Now().UTC()
	sub.Status = model.SubtaskInProgress
	sub.StartedAt = &now

	if s.deps.Worker == nil {
		return fmt.Errorf("no worker driver configured")
	}
	result, err := s.deps.Worker.RunSubtask(ctx, *sub, sub.Description, func(ev worker.Event) {
		s.appendWorkerEvent(sub.ID, ev)
	})
	if err != nil {
		return err
	}
	if result.Failed {
		sub.FailureCount++
		sub.Status = model.SubtaskFailed
		retry := s.handleFailure(policy.Event{
			Kind: policy.EventSubtaskFailed, TaskID: s.task.ID, SubtaskID: sub.ID, ErrorOutput: result.Reason,
		})
		if retry {
			s.state = StateExecutingSubtask
		} else {
			s.state = StateBlocking
		}
		return nil
	}

	s.state = StateVerifying
	return nil
}

func (s *Session) stepVerifying(ctx context.Context) error {
	sub := &s.subtasks[s.subtaskIdx]
	if s.deps.Health != nil {
		for _, cmd := range s.deps.Config.E2ECommands {
			res, err := s.deps.Health.Run(ctx, health.KindE2E, cmd)
			if err != nil {
				return err
			}
			if !res.Passed() {
				retry := s.handleFailure(policy.Event{
					Kind: policy.EventVerificationComplete, VerificationPassed: false,
					TaskID: s.task.ID, SubtaskID: sub.ID, ErrorOutput: res.Stderr + res.Stdout,
				})
				if retry {
					s.state = StateExecutingSubtask
				} else {
					s.state = StateBlocking
				}
				return nil
			}
		}
	}
	now := time.Now().UTC()
	sub.Status = model.SubtaskCompleted
	sub.CompletedAt = &now
	s.recordLastGreenSHA()
	s.state = StateSubtaskComplete
	return nil
}

// recordLastGreenSHA tracks the commit HealthRunner most recently confirmed
// green, satisfying DESIGN.md's open question (a): the default
// lastGreenCommitSource reads this marker rather than requiring a git tag.
// Best-effort; a write failure never blocks the transition it follows.
func (s *Session) recordLastGreenSHA() {
	if !gitutil.IsRepo(s.deps.ProjectRoot) {
		return
	}
	sha, err := gitutil.HeadSHA(s.deps.ProjectRoot)
	if err != nil {
		return
	}
	path := filepath.Join(s.deps.ProjectRoot, ".openagents", "last-green-sha")
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	_ = os.WriteFile(path, []byte(sha), 0o644)
}

func (s *Session) stepSubtaskComplete() {
	s.subtaskIdx++
	if s.subtaskIdx < len(s.subtasks) {
		s.state = StateExecutingSubtask
		return
	}
	s.state = StateCommitting
}

func (s *Session) stepCommitting() error {
	if gitutil.IsRepo(s.deps.ProjectRoot) {
		if clean, err := gitutil.IsClean(s.deps.ProjectRoot); err == nil && !clean {
			sha, err := gitutil.CommitAllowEmpty(s.deps.ProjectRoot, "taskloop: "+s.task.Title)
			if err != nil {
				return err
			}
			if _, err := s.deps.Tasks.Update(s.task.ID, taskstore.Patch{AddCommits: []string{sha}}); err != nil {
				return err
			}
		}
	}
	if _, err := s.deps.Tasks.Close(s.task.ID, "completed"); err != nil {
		return err
	}
	s.appendStep(model.SourceSystem, "committed task "+s.task.ID, model.StepCompleted, "")
	return nil
}

func (s *Session) stepBlocking() error {
	if _, err := s.deps.Tasks.Update(s.task.ID, taskstore.Patch{Status: statusPtr(model.TaskBlocked)}); err != nil {
		return err
	}
	s.appendStep(model.SourceSystem, "blocked task "+s.task.ID, model.StepCompleted, "")
	return nil
}

// handleFailure persists the triggering event as a Step, consults
// PolicyGate, and on admission builds a HealerContext and drives
// SpellEngine (spec.md §4.8 step 2). It returns true when the caller
// should retry the state that produced the failure.
func (s *Session) handleFailure(ev policy.Event) bool {
	s.appendStep(model.SourceSystem, "failure event: "+string(ev.Kind), model.StepFailed, ev.ErrorOutput)

	if s.deps.Config == nil || s.deps.Spells == nil {
		return false
	}
	decision := policy.Decide(ev, s.deps.Config.Healer, s.counters)
	if !decision.Run {
		s.appendStep(model.SourceHealer, "policy denied: "+decision.Reason, model.StepCompleted, "")
		return false
	}

	s.counters.SessionInvocations++
	if ev.SubtaskID != "" {
		s.counters.SubtaskInvocations[ev.SubtaskID]++
	}

	var sub *model.Subtask
	if ev.SubtaskID != "" && s.subtaskIdx < len(s.subtasks) {
		sub = &s.subtasks[s.subtaskIdx]
	}

	hctx, err := healctx.Build(healctx.Input{
		ProjectRoot:  s.deps.ProjectRoot,
		SessionID:    s.deps.SessionID,
		Task:         *s.task,
		Subtask:      sub,
		TriggerEvent: string(ev.Kind),
		ErrString:    ev.ErrorOutput,
		Scenario:     decision.Scenario,
		FailureCount: failureCountOf(sub),
		Counters:     s.counters,
	})
	if err != nil {
		s.appendStep(model.SourceHealer, "context build failed: "+err.Error(), model.StepCompleted, "")
		return false
	}

	plan := s.deps.Spells.Plan(hctx, s.deps.Config.Healer.Spells, false)
	outcome := s.deps.Spells.Execute(context.Background(), hctx, plan, decision.Key, &s.counters)
	s.appendStep(model.SourceHealer, fmt.Sprintf("healed scenario=%s outcome=%s spellsSucceeded=%v", decision.Scenario, outcome.Status, outcome.SpellsSucceeded), model.StepCompleted, "")

	return outcome.Status == model.OutcomeResolved
}

func failureCountOf(sub *model.Subtask) int {
	if sub == nil {
		return 0
	}
	return sub.FailureCount
}

// writeManifest writes the run manifest (session id, project id,
// started-at, worker profile) once at session start, satisfying
// SPEC_FULL.md §7's "Run manifest + progress feed" feature. Best-effort,
// like the git probes in ContextBuilder: pure ambient observability never
// blocks the session.
func (s *Session) writeManifest() {
	if s.deps.Trajectory == nil {
		return
	}
	projectID := ""
	if s.deps.Config != nil {
		projectID = s.deps.Config.ProjectID
	}
	_ = s.deps.Trajectory.WriteManifest(trajectory.ManifestInfo{
		ProjectID:     projectID,
		WorkerProfile: s.deps.Agent,
		StartedAt:     time.Now().UTC(),
	})
}

func (s *Session) appendStep(source model.StepSource, message string, status model.StepStatus, errMsg string) {
	if s.deps.Trajectory == nil {
		return
	}
	step, err := s.deps.Trajectory.AppendStep(model.Step{Source: source, Message: message, Status: status, Error: errMsg}, trajectory.AppendStepOpts{})
	if err == nil {
		_ = s.deps.Trajectory.AppendProgress(step)
	}
}

func (s *Session) appendWorkerEvent(subtaskID string, ev worker.Event) {
	if s.deps.Trajectory == nil {
		return
	}
	var toolCalls []model.ToolCall
	if ev.ToolCall != nil {
		toolCalls = []model.ToolCall{{ID: ev.ToolCall.ID, Name: ev.ToolCall.Name, Args: ev.ToolCall.Args}}
	}
	message := string(ev.Kind)
	if ev.Message != nil {
		message = ev.Message.Text
	}
	observation := ""
	if ev.ToolResult != nil {
		observation = ev.ToolResult.Content
	}
	status := model.StepCompleted
	errMsg := ""
	if ev.Exit != nil && ev.Exit.Reason != worker.ExitReasonOK {
		status = model.StepFailed
		errMsg = ev.Exit.Reason
	}
	step, err := s.deps.Trajectory.AppendStep(model.Step{
		Source:      model.SourceWorker,
		Message:     message,
		ToolCalls:   toolCalls,
		Observation: observation,
		Status:      status,
		Error:       errMsg,
	}, trajectory.AppendStepOpts{})
	if err == nil {
		_ = s.deps.Trajectory.AppendProgress(step)
	}
}

func (s *Session) fatal(err error) error {
	s.appendStep(model.SourceSystem, "fatal error: "+err.Error(), model.StepFailed, err.Error())
	if s.deps.Trajectory != nil {
		_ = s.deps.Trajectory.RecordRecovery(model.RecoveryInfo{
			RecoveredAt: time.Now().UTC(),
			Reason:      err.Error(),
		})
		_ = s.deps.Trajectory.Finalize("failed")
	}
	return err
}

func (s *Session) finalize(status string) error {
	if s.deps.Trajectory != nil {
		return s.deps.Trajectory.Finalize(status)
	}
	return nil
}

func firstCommand(cmds []string) string {
	if len(cmds) == 0 {
		return ""
	}
	return cmds[0]
}

func statusPtr(v model.TaskStatus) *model.TaskStatus {
	return &v
}
