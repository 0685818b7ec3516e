// Package scheduler drives one run of a compiled workflow to completion:
// it tracks the ready set, launches actions concurrently up to a cap,
// resolves joins via the failure package's pure predicates, routes
// failures along error edges, detects deadlocks, and aggregates the run's
// terminal result.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/condition"
	"github.com/lyzr/flowengine/failure"
	"github.com/lyzr/flowengine/logsink"
	"github.com/lyzr/flowengine/model"
	"github.com/lyzr/flowengine/nodeio"
	"github.com/lyzr/flowengine/runner"
	"github.com/lyzr/flowengine/trace"
)

// DefaultMaxConcurrency bounds how many actions of one run execute
// simultaneously when the engine is not configured otherwise.
const DefaultMaxConcurrency = 10

// Engine executes runs against a process-global component registry and a
// set of sink/storage adapters. One Engine serves many runs; all per-run
// state lives in a runState created inside Execute.
type Engine struct {
	Registry   *model.Registry
	Sequencer  *trace.Sequencer
	NodeIO     nodeio.Sink
	Logs       logsink.Sink
	Storage    runner.Storage
	Secrets    model.SecretsHandle
	Pending    *runner.PendingRegistry
	Conditions *condition.Evaluator
	Log        *logger.Logger

	MaxConcurrency int
	SpillThreshold int
}

// completion is one dispatched action reporting back to the scheduling
// loop. Action bodies run off to the side and communicate only through
// this channel; every state mutation happens on the loop goroutine.
type completion struct {
	ref     string
	outcome model.ActionOutcome
}

// runState is the per-run mutable state the scheduling loop owns
// exclusively. No lock is needed: it is touched only between dispatches
// and on completions, never from an action goroutine.
type runState struct {
	def         *model.WorkflowDefinition
	runID       string
	indegree    map[string]int
	remaining   map[string]int
	status      map[string]model.ActionStatus
	settlements map[string][]failure.ParentSettlement
	trigger     map[string]runner.SchedulerContext
	ready       []string
	enqueued    map[string]bool
	outcomes    map[string]model.ActionOutcome
	inflight    int
}

func newRunState(runID string, def *model.WorkflowDefinition) *runState {
	st := &runState{
		def:         def,
		runID:       runID,
		indegree:    make(map[string]int, len(def.Actions)),
		remaining:   make(map[string]int, len(def.Actions)),
		status:      make(map[string]model.ActionStatus, len(def.Actions)),
		settlements: make(map[string][]failure.ParentSettlement, len(def.Actions)),
		trigger:     make(map[string]runner.SchedulerContext, len(def.Actions)),
		enqueued:    make(map[string]bool, len(def.Actions)),
		outcomes:    make(map[string]model.ActionOutcome, len(def.Actions)),
	}
	for _, ref := range def.ActionOrder {
		n, ok := def.DependencyCounts[ref]
		if !ok {
			n = len(def.Actions[ref].DependsOn)
		}
		st.indegree[ref] = n
		st.remaining[ref] = n
		st.status[ref] = model.StatusPending
		if n == 0 {
			st.enqueue(ref, runner.SchedulerContext{})
		}
	}
	return st
}

func (st *runState) enqueue(ref string, sctx runner.SchedulerContext) {
	st.enqueued[ref] = true
	st.trigger[ref] = sctx
	st.ready = append(st.ready, ref)
}

func (st *runState) dequeue() string {
	ref := st.ready[0]
	st.ready = st.ready[1:]
	return ref
}

// Execute drives run to termination and returns its aggregated result.
// The returned RunResult is always non-nil; run-level failures (component
// errors, timeouts, deadlocks, soft failures) land in Success/Error rather
// than an error return, since a failed run is still a terminated run.
func (e *Engine) Execute(ctx context.Context, run *model.Run) *model.RunResult {
	def := run.Definition
	e.Sequencer.SetRunMetadata(run.RunID, trace.RunMetadata{
		WorkflowID:     run.WorkflowID,
		OrganizationID: run.OrganizationID,
	})
	defer e.Sequencer.FinalizeRun(run.RunID)

	if def.Config.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(def.Config.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	results := newResultsMap()
	r := &runner.Runner{
		RunID:          run.RunID,
		Definition:     def,
		Registry:       e.Registry,
		Results:        results,
		Sequencer:      e.Sequencer,
		NodeIO:         e.NodeIO,
		Storage:        e.Storage,
		Secrets:        e.Secrets,
		RuntimeInputs:  run.RuntimeInputs,
		SpillThreshold: e.SpillThreshold,
		Pending:        e.Pending,
	}
	if e.Logs != nil {
		r.LogSink = logsink.Factory{Sink: e.Logs}
	}

	st := newRunState(run.RunID, def)
	completions := make(chan completion)
	anyFailure := false

	for len(st.ready) > 0 || st.inflight > 0 {
		for st.inflight < e.maxConcurrency() && len(st.ready) > 0 {
			ref := st.dequeue()
			sctx := st.trigger[ref]
			st.status[ref] = model.StatusRunning
			st.inflight++
			go func(ref string, sctx runner.SchedulerContext) {
				completions <- completion{ref: ref, outcome: r.RunAction(ctx, ref, sctx)}
			}(ref, sctx)
		}

		c := <-completions
		st.inflight--

		outcome := c.outcome
		if outcome.Status == model.StatusFailed {
			anyFailure = true
			if errors.Is(outcome.Err, context.DeadlineExceeded) {
				outcome.Err = &model.TimeoutError{Ref: c.ref, Timeout: fmt.Sprintf("%ds", def.Config.TimeoutSeconds)}
			}
		}
		st.status[c.ref] = outcome.Status
		st.outcomes[c.ref] = outcome
		if outcome.Status == model.StatusCompleted {
			results.set(c.ref, outcome.Output)
		}

		e.fanout(ctx, st, c.ref, outcome)
	}

	return e.finish(ctx, st, results, anyFailure)
}

func (e *Engine) maxConcurrency() int {
	if e.MaxConcurrency > 0 {
		return e.MaxConcurrency
	}
	return DefaultMaxConcurrency
}

// fanout converts parentRef's terminal outcome into per-edge decisions,
// collapses them into one settlement per child (a parent may reach the same
// child through several edges, but counts once against its indegree), and
// re-evaluates each affected child's join predicate. A child whose join
// becomes impossible is marked skipped and its own edges fan out
// recursively with a skipped outcome.
func (e *Engine) fanout(ctx context.Context, st *runState, parentRef string, outcome model.ActionOutcome) {
	perChild := make(map[string][]failure.EdgeDecision)
	var childOrder []string
	for _, d := range failure.EdgeFanout(parentRef, outcome, st.def.OutgoingEdges(parentRef)) {
		child := d.Edge.TargetRef
		if _, seen := perChild[child]; !seen {
			childOrder = append(childOrder, child)
		}
		perChild[child] = append(perChild[child], d)
	}

	for _, child := range childOrder {
		st.settlements[child] = append(st.settlements[child], failure.SettleParent(parentRef, perChild[child]))
		if st.remaining[child] > 0 {
			st.remaining[child]--
		}

		if st.status[child] != model.StatusPending || st.enqueued[child] {
			continue
		}

		meta := st.def.Nodes[child]
		jr := failure.JoinReady(meta.EffectiveJoinStrategy(), st.indegree[child], st.settlements[child])
		switch {
		case jr.Ready:
			st.enqueue(child, runner.SchedulerContext{TriggeredBy: jr.TriggeredBy, Failure: jr.Failure})
		case jr.Skipped:
			st.status[child] = model.StatusSkipped
			skipped := model.ActionOutcome{Status: model.StatusSkipped}
			st.outcomes[child] = skipped
			e.Sequencer.Record(ctx, st.runID, model.TraceEventInput{
				NodeRef: child,
				Type:    model.EventNodeSkipped,
				Level:   model.LevelInfo,
				Context: map[string]any{
					"streamId":     meta.EffectiveStreamID(child),
					"joinStrategy": meta.EffectiveJoinStrategy(),
				},
			})
			e.fanout(ctx, st, child, skipped)
		}
	}
}

// finish computes the run's success flag and aggregated error once no
// action is pending or running: failed actions, any refs stuck pending
// (deadlock), and completed outputs that report soft failure inside their
// own contract all flip the run to failed.
func (e *Engine) finish(_ context.Context, st *runState, results *resultsMap, anyFailure bool) *model.RunResult {
	outputs := make(map[string]map[string]any)
	var errs []string
	var stuck []string

	for _, ref := range st.def.ActionOrder {
		switch st.status[ref] {
		case model.StatusCompleted:
			out, _ := results.Get(ref)
			outputs[ref] = out
			if msg, soft := e.softFailure(st.def, out); soft {
				anyFailure = true
				errs = append(errs, fmt.Sprintf("[%s] %s", ref, msg))
			}
		case model.StatusFailed:
			if err := st.outcomes[ref].Err; err != nil {
				errs = append(errs, fmt.Sprintf("[%s] %s", ref, err.Error()))
			}
		case model.StatusPending:
			stuck = append(stuck, ref)
		}
	}

	if len(stuck) > 0 {
		anyFailure = true
		dl := &model.DeadlockError{RemainingRefs: stuck}
		errs = append(errs, dl.Error())
		if e.Log != nil {
			e.Log.Error("run deadlocked", "run_id", st.runID, "stuck", stuck)
		}
	}

	result := &model.RunResult{Outputs: outputs, Success: !anyFailure}
	if len(errs) > 0 {
		result.Error = joinErrors(errs)
	}
	return result
}

// softFailure evaluates the run's soft-failure predicate against one
// completed output. Spill markers are exempt; the inline marker carries no
// contract fields to inspect.
func (e *Engine) softFailure(def *model.WorkflowDefinition, output map[string]any) (string, bool) {
	if e.Conditions == nil || output == nil {
		return "", false
	}
	if _, spilled := model.IsSpillMarker(output); spilled {
		return "", false
	}
	predicate := def.Config.SoftFailurePredicate
	if predicate == "" {
		predicate = condition.DefaultSoftFailurePredicate
	}
	soft, err := e.Conditions.Evaluate(predicate, output, nil)
	if err != nil {
		if e.Log != nil {
			e.Log.Warn("soft-failure predicate evaluation failed", "error", err)
		}
		return "", false
	}
	if !soft {
		return "", false
	}
	if msg, ok := output["error"].(string); ok && msg != "" {
		return msg, true
	}
	return "reported failure", true
}

func joinErrors(errs []string) string {
	out := errs[0]
	for _, e := range errs[1:] {
		out += "; " + e
	}
	return out
}
