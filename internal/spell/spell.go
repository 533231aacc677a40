// Package spell implements SpellEngine: planning and executing the fixed
// scenario→spell sequence against a HealerContext (spec.md §4.7). It is
// grounded on the teacher's HandlerRegistry dispatch-by-type pattern
// (internal/attractor/engine/handlers.go), generalized here from "DOT
// graph node type → handler" to "spell id → handler".
package spell

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openagents/taskloop/internal/config"
	"github.com/openagents/taskloop/internal/gitutil"
	"github.com/openagents/taskloop/internal/globmatch"
	"github.com/openagents/taskloop/internal/health"
	"github.com/openagents/taskloop/internal/model"
	"github.com/openagents/taskloop/internal/taskstore"
	"github.com/openagents/taskloop/internal/ulidgen"
	"github.com/openagents/taskloop/internal/worker"
)

// Deps bundles every collaborator a spell handler may need. Handlers use
// only the fields their contract requires.
type Deps struct {
	Tasks                 *taskstore.Store
	Health                *health.Runner
	Worker                *worker.Driver
	LastGreenCommitSource config.LastGreenCommitSource
	AllowForceRewind      bool
	LastGreenSHA          string
	TypecheckCommand      string
	TestCommand           string
}

// Engine plans and executes spells against a HealerContext.
type Engine struct {
	deps Deps
}

// New returns an Engine backed by deps.
func New(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// Plan returns the ordered spell sequence for hctx's scenario, filtered by
// filters (allow-list, if non-empty, takes precedence over forbidden) and,
// when excludeLLMSpells is set, stripped of spells that invoke an external
// worker (spec.md §4.7: "a caller flag may exclude LLM-calling spells").
func (e *Engine) Plan(hctx model.HealerContext, filters config.SpellFilters, excludeLLMSpells bool) []model.SpellID {
	seq := model.ScenarioSpells[hctx.Heuristics.Scenario]
	out := make([]model.SpellID, 0, len(seq))
	for _, id := range seq {
		if !allowed(id, filters) {
			continue
		}
		if excludeLLMSpells && isLLMSpell(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func allowed(id model.SpellID, filters config.SpellFilters) bool {
	if len(filters.Allowed) > 0 {
		return globmatch.Any(filters.Allowed, string(id))
	}
	if len(filters.Forbidden) > 0 && globmatch.Any(filters.Forbidden, string(id)) {
		return false
	}
	return true
}

func isLLMSpell(id model.SpellID) bool {
	switch id {
	case model.SpellFixTypecheckErrors, model.SpellFixTestErrors,
		model.SpellRetryWithClaudeCodeResume, model.SpellRetryWithMinimalSubagent:
		return true
	default:
		return false
	}
}

// Execute runs plan in order against hctx. It stops only at the first
// success whose Effects.Resolved is true — the two rewind spells, the two
// worker-rerun spells, and the two fix_*_errors spells (spec.md §4.7's
// outcome fold: "any success that includes effects.resolved=true"). A
// success that merely contains or annotates (update_progress_with_guidance,
// mark_task_blocked_with_followup, run_tasks_doctor_like_checks) does not
// stop the plan, so a pure-containment sequence like SubtaskStuck's
// [update_progress_with_guidance, mark_task_blocked_with_followup] runs
// every eligible spell (spec.md §8 S4). key identifies the healing attempt
// for idempotency and counters bookkeeping; Execute mutates counters in
// place (the caller owns persisting it, not Execute).
func (e *Engine) Execute(ctx context.Context, hctx model.HealerContext, plan []model.SpellID, key model.HealingKey, counters *model.Counters) model.Outcome {
	already := attemptedSpells(counters, key)

	var tried, succeeded []model.SpellID
	var lastSuccess model.SpellResult
	resolved := false

	for _, id := range plan {
		if already[id] {
			continue
		}
		tried = append(tried, id)
		counters.SpellsAttempted[id]++

		result := e.dispatch(ctx, id, hctx)
		if result.Status == model.SpellSuccess {
			succeeded = append(succeeded, id)
			lastSuccess = result
			if result.Effects.Resolved {
				resolved = true
				break
			}
		}
	}

	outcome := fold(tried, succeeded, resolved, lastSuccess)
	recordAttempt(counters, key, outcome)
	return outcome
}

func fold(tried, succeeded []model.SpellID, resolved bool, lastSuccess model.SpellResult) model.Outcome {
	if len(tried) == 0 {
		return model.Outcome{Status: model.OutcomeSkipped, SpellsTried: tried, Summary: "no spells eligible to run"}
	}
	if resolved {
		return model.Outcome{Status: model.OutcomeResolved, SpellsTried: tried, SpellsSucceeded: succeeded, Summary: lastSuccess.Summary}
	}
	if len(succeeded) == 0 {
		return model.Outcome{Status: model.OutcomeUnresolved, SpellsTried: tried, Summary: "all eligible spells exhausted without success"}
	}
	return model.Outcome{Status: model.OutcomeContained, SpellsTried: tried, SpellsSucceeded: succeeded, Summary: lastSuccess.Summary}
}

func attemptedSpells(counters *model.Counters, key model.HealingKey) map[model.SpellID]bool {
	already := map[model.SpellID]bool{}
	if attempt, ok := counters.HealingAttempts[key.String()]; ok {
		for _, id := range attempt.SpellsTried {
			already[id] = true
		}
	}
	return already
}

func recordAttempt(counters *model.Counters, key model.HealingKey, outcome model.Outcome) {
	prior := counters.HealingAttempts[key.String()]
	counters.HealingAttempts[key.String()] = model.HealingAttempt{
		Timestamp:       time.Now().UTC(),
		Outcome:         outcome.Status,
		SpellsTried:     append(append([]model.SpellID{}, prior.SpellsTried...), outcome.SpellsTried...),
		SpellsSucceeded: append(append([]model.SpellID{}, prior.SpellsSucceeded...), outcome.SpellsSucceeded...),
		Summary:         outcome.Summary,
	}
}

// dispatch runs the handler for id. A handler that panics is reported as a
// failure of that spell.
func (e *Engine) dispatch(ctx context.Context, id model.SpellID, hctx model.HealerContext) (res model.SpellResult) {
	defer func() {
		if r := recover(); r != nil {
			res = failure(id, fmt.Sprintf("spell panicked: %v", r))
		}
	}()
	switch id {
	case model.SpellRewindUncommittedChanges:
		return e.rewindUncommittedChanges(hctx)
	case model.SpellRewindToLastGreenCommit:
		return e.rewindToLastGreenCommit(hctx)
	case model.SpellMarkTaskBlockedFollowup:
		return e.markTaskBlockedWithFollowup(hctx)
	case model.SpellUpdateProgressGuidance:
		return e.updateProgressWithGuidance(hctx)
	case model.SpellRunTasksDoctorLikeChecks:
		return e.runTasksDoctorLikeChecks(ctx, hctx)
	case model.SpellFixTypecheckErrors:
		return e.fixCheck(ctx, hctx, health.KindTypecheck, e.deps.TypecheckCommand)
	case model.SpellFixTestErrors:
		return e.fixCheck(ctx, hctx, health.KindTest, e.deps.TestCommand)
	case model.SpellRetryWithClaudeCodeResume:
		return e.retryWorker(ctx, hctx, "resume")
	case model.SpellRetryWithMinimalSubagent:
		return e.retryWorker(ctx, hctx, "minimal_subagent")
	default:
		return model.SpellResult{Spell: id, Status: model.SpellSkipped, Summary: "no handler registered"}
	}
}

// rewindUncommittedChanges discards working-tree modifications and
// untracked files, then re-queries git status; success iff the tree is
// clean afterward (spec.md §4.7).
func (e *Engine) rewindUncommittedChanges(hctx model.HealerContext) model.SpellResult {
	id := model.SpellRewindUncommittedChanges
	if err := gitutil.Restore(hctx.ProjectRoot); err != nil {
		return failure(id, fmt.Sprintf("git restore: %v", err))
	}
	if err := gitutil.Clean(hctx.ProjectRoot); err != nil {
		return failure(id, fmt.Sprintf("git clean: %v", err))
	}
	clean, err := gitutil.IsClean(hctx.ProjectRoot)
	if err != nil {
		return failure(id, fmt.Sprintf("git status: %v", err))
	}
	if !clean {
		return failure(id, "working tree still dirty after restore+clean")
	}
	return model.SpellResult{Spell: id, Status: model.SpellSuccess, Summary: "working tree rewound to last commit", Effects: model.SpellEffects{Resolved: true}}
}

// rewindToLastGreenCommit moves the working branch to the configured last
// known-good commit, refusing a divergent move unless force is allowed
// (spec.md §4.7).
func (e *Engine) rewindToLastGreenCommit(hctx model.HealerContext) model.SpellResult {
	id := model.SpellRewindToLastGreenCommit
	target := e.deps.LastGreenSHA
	if target == "" {
		return failure(id, "no last-green commit recorded")
	}
	sha, err := gitutil.ResolveRef(hctx.ProjectRoot, target)
	if err != nil {
		return failure(id, fmt.Sprintf("resolve last-green ref %q: %v", target, err))
	}
	head, err := gitutil.HeadSHA(hctx.ProjectRoot)
	if err != nil {
		return failure(id, fmt.Sprintf("resolve HEAD: %v", err))
	}
	if head != sha && !gitutil.IsAncestor(hctx.ProjectRoot, sha, head) && !e.deps.AllowForceRewind {
		return failure(id, "last-green commit diverges from HEAD and force rewind is not allowed")
	}
	if err := gitutil.ResetHard(hctx.ProjectRoot, sha); err != nil {
		return failure(id, fmt.Sprintf("reset --hard %s: %v", sha, err))
	}
	return model.SpellResult{Spell: id, Status: model.SpellSuccess, Summary: "rewound to last green commit " + sha, Effects: model.SpellEffects{Resolved: true}}
}

// markTaskBlockedWithFollowup blocks the active task and files a child
// task describing the failure, labeled with the scenario (spec.md §4.7).
// It always succeeds unless TaskStore errors.
func (e *Engine) markTaskBlockedWithFollowup(hctx model.HealerContext) model.SpellResult {
	id := model.SpellMarkTaskBlockedFollowup
	if e.deps.Tasks == nil {
		return failure(id, "no task store configured")
	}
	blocked := model.TaskBlocked
	if _, err := e.deps.Tasks.Update(hctx.TaskID, taskstore.Patch{Status: &blocked}); err != nil {
		return failure(id, fmt.Sprintf("block task: %v", err))
	}

	followupID := hctx.TaskID + "." + ulidgen.New()[:6]
	followup := model.Task{
		ID:          followupID,
		Title:       fmt.Sprintf("Follow up: %s on %s", hctx.Heuristics.Scenario, hctx.TaskID),
		Description: hctx.ErrorOutput,
		Status:      model.TaskOpen,
		Labels:      []string{string(hctx.Heuristics.Scenario), "healer-followup"},
		Deps:        []model.Dep{{ID: hctx.TaskID, Relation: model.DepDiscoveredFrom}},
	}
	if _, err := e.deps.Tasks.Create(followup); err != nil {
		return failure(id, fmt.Sprintf("create follow-up task: %v", err))
	}
	return model.SpellResult{
		Spell:   id,
		Status:  model.SpellSuccess,
		Summary: fmt.Sprintf("blocked %s, filed follow-up %s", hctx.TaskID, followupID),
	}
}

// updateProgressWithGuidance appends a dated block to the progress memo
// summarizing the scenario, error patterns, and which of the scenario's
// spells this session had already attempted when hctx was built
// (spec.md §4.7, §4: "append-only semantics").
func (e *Engine) updateProgressWithGuidance(hctx model.HealerContext) model.SpellResult {
	id := model.SpellUpdateProgressGuidance
	var b strings.Builder
	fmt.Fprintf(&b, "\n## %s — %s\n", time.Now().UTC().Format(time.RFC3339), hctx.Heuristics.Scenario)
	fmt.Fprintf(&b, "- task: %s", hctx.TaskID)
	if hctx.SubtaskID != "" {
		fmt.Fprintf(&b, " subtask: %s", hctx.SubtaskID)
	}
	b.WriteString("\n")
	if len(hctx.Heuristics.ErrorPatterns) > 0 {
		fmt.Fprintf(&b, "- error patterns: %s\n", strings.Join(hctx.Heuristics.ErrorPatterns, ", "))
	}
	var attempted []string
	for _, sp := range model.ScenarioSpells[hctx.Heuristics.Scenario] {
		if hctx.Counters.SpellsAttempted[sp] > 0 {
			attempted = append(attempted, string(sp))
		}
	}
	if len(attempted) > 0 {
		fmt.Fprintf(&b, "- spells attempted: %s\n", strings.Join(attempted, ", "))
	}
	if hctx.ErrorOutput != "" {
		fmt.Fprintf(&b, "- error: %s\n", truncate(hctx.ErrorOutput, 500))
	}

	if err := appendProgress(hctx.ProjectRoot, b.String()); err != nil {
		return failure(id, err.Error())
	}
	return model.SpellResult{Spell: id, Status: model.SpellSuccess, Summary: "progress memo updated"}
}

// runTasksDoctorLikeChecks runs a safety audit (task file listing, a
// smoke-run of the configured typecheck command) and writes the report to
// the progress memo (spec.md §4.7).
func (e *Engine) runTasksDoctorLikeChecks(ctx context.Context, hctx model.HealerContext) model.SpellResult {
	id := model.SpellRunTasksDoctorLikeChecks
	var report strings.Builder
	report.WriteString("\n## tasks doctor report\n")

	if e.deps.Tasks != nil {
		tasks, err := e.deps.Tasks.List(taskstore.Filter{})
		if err != nil {
			fmt.Fprintf(&report, "- task store read failed: %v\n", err)
		} else {
			fmt.Fprintf(&report, "- %d tasks on file\n", len(tasks))
		}
	}
	if e.deps.Health != nil && e.deps.TypecheckCommand != "" {
		res, err := e.deps.Health.Run(ctx, health.KindTypecheck, e.deps.TypecheckCommand)
		if err != nil {
			fmt.Fprintf(&report, "- typecheck smoke-run errored: %v\n", err)
		} else {
			fmt.Fprintf(&report, "- typecheck smoke-run: passed=%v exit=%d\n", res.Passed(), res.ExitCode)
		}
	}

	if err := appendProgress(hctx.ProjectRoot, report.String()); err != nil {
		return failure(id, err.Error())
	}
	return model.SpellResult{Spell: id, Status: model.SpellSuccess, Summary: "doctor report written"}
}

// fixCheck invokes the worker with a prompt summarizing the failing check,
// then re-runs that check; success iff the rerun passes (spec.md §4.7).
func (e *Engine) fixCheck(ctx context.Context, hctx model.HealerContext, kind health.Kind, command string) model.SpellResult {
	id := model.SpellFixTestErrors
	if kind == health.KindTypecheck {
		id = model.SpellFixTypecheckErrors
	}
	if e.deps.Worker == nil || e.deps.Health == nil || command == "" {
		return model.SpellResult{Spell: id, Status: model.SpellSkipped, Summary: "worker or health command not configured"}
	}

	instruction := fmt.Sprintf(
		"Fix the following %s failure for task %s.\n\nError patterns: %s\n\nError output:\n%s",
		kind, hctx.TaskID, strings.Join(hctx.Heuristics.ErrorPatterns, ", "), truncate(hctx.ErrorOutput, 4000),
	)
	subtask := model.Subtask{ID: hctx.SubtaskID + "-heal"}
	if _, err := e.deps.Worker.RunSubtask(ctx, subtask, instruction, func(worker.Event) {}); err != nil {
		return failure(id, fmt.Sprintf("worker invocation failed: %v", err))
	}

	res, err := e.deps.Health.Run(ctx, kind, command)
	if err != nil {
		return failure(id, fmt.Sprintf("rerun %s: %v", kind, err))
	}
	if !res.Passed() {
		return failure(id, fmt.Sprintf("%s still failing after worker fix attempt", kind))
	}
	return model.SpellResult{Spell: id, Status: model.SpellSuccess, Summary: fmt.Sprintf("%s fixed", kind), Effects: model.SpellEffects{Resolved: true}}
}

// retryWorker re-enters WorkerDriver with a different profile tag (spec.md
// §4.7); success means the worker exited without failure this time.
func (e *Engine) retryWorker(ctx context.Context, hctx model.HealerContext, profile string) model.SpellResult {
	id := model.SpellRetryWithClaudeCodeResume
	if profile == "minimal_subagent" {
		id = model.SpellRetryWithMinimalSubagent
	}
	if e.deps.Worker == nil {
		return model.SpellResult{Spell: id, Status: model.SpellSkipped, Summary: "no worker configured"}
	}
	description := ""
	if hctx.Subtask != nil {
		description = hctx.Subtask.Description
	}
	subtask := model.Subtask{ID: hctx.SubtaskID}
	instruction := fmt.Sprintf("[retry:%s] %s", profile, description)
	res, err := e.deps.Worker.RunSubtask(ctx, subtask, instruction, func(worker.Event) {})
	if err != nil {
		return failure(id, err.Error())
	}
	if res.Failed {
		return failure(id, "retry attempt reported failure: "+res.Reason)
	}
	return model.SpellResult{Spell: id, Status: model.SpellSuccess, Summary: "retry succeeded via " + profile, Effects: model.SpellEffects{Resolved: true}}
}

func failure(id model.SpellID, reason string) model.SpellResult {
	return model.SpellResult{Spell: id, Status: model.SpellFailure, Summary: reason}
}

func appendProgress(root, block string) error {
	dir := filepath.Join(root, ".openagents")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "progress.md"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(block)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
