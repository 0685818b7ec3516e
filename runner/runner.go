// Package runner implements the action runner: the glue between the
// scheduler and a single component invocation. It assembles inputs via the
// resolver, invokes the component, parses its declared output, spills
// oversized outputs, records node-I/O start/complete/fail, and emits the
// full NODE_STARTED/NODE_PROGRESS/NODE_COMPLETED/NODE_FAILED/AWAITING_INPUT
// trace sequence.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/flowengine/model"
	"github.com/lyzr/flowengine/nodeio"
	"github.com/lyzr/flowengine/resolver"
	"github.com/lyzr/flowengine/trace"
)

// SpillThresholdDefault is the default size, in bytes, past which an output
// (or an input mapped from one) is replaced with a spill marker.
const SpillThresholdDefault = 100 * 1024

// SchedulerContext is what the scheduler passes into RunAction: the
// provenance of why this action became ready.
type SchedulerContext struct {
	TriggeredBy string
	Failure     *model.FailureMeta
}

// ResultsReader is the read side of the scheduler's run-local results map.
// By construction a downstream action's ResultsReader.Get only ever
// observes entries for refs that have already reached a terminal status,
// so no synchronization beyond the scheduler's own happens-before ordering
// is required at the call site; ResultsReader implementations still guard
// their own storage since multiple action goroutines read concurrently.
type ResultsReader interface {
	Get(ref string) (map[string]any, bool)
}

// Storage is the capability surface used both for spilling outputs and for
// materializing spilled inputs.
type Storage interface {
	Upload(ctx context.Context, name string, data []byte, mime string) (ref string, err error)
	Download(ctx context.Context, ref string) (data []byte, mime string, err error)
}

// Runner executes one action at a time on behalf of the scheduler. A single
// Runner is shared by every concurrent goroutine the scheduler dispatches
// for one run; all of its fields are read-only after construction. The
// spill cache is not a field: RunAction creates a fresh one per action.
type Runner struct {
	RunID          string
	Definition     *model.WorkflowDefinition
	Registry       *model.Registry
	Results        ResultsReader
	Sequencer      *trace.Sequencer
	NodeIO         nodeio.Sink
	LogSink        LogCollectorFactory
	Storage        Storage
	Secrets        model.SecretsHandle
	RuntimeInputs  map[string]any
	SpillThreshold int
	Pending        *PendingRegistry
}

// LogCollectorFactory builds a per-action model.LogHandle; kept as an
// interface here so runner doesn't import logsink directly, while still
// letting callers plug in logsink.Factory.
type LogCollectorFactory interface {
	ForAction(runID, nodeRef string) model.LogHandle
}

// RunAction executes action ref to a terminal ActionOutcome.
func (r *Runner) RunAction(ctx context.Context, ref string, sctx SchedulerContext) model.ActionOutcome {
	started := time.Now()
	action, ok := r.Definition.Actions[ref]
	if !ok {
		return r.fail(ctx, ref, started, &model.NotFoundError{Kind: "action", ID: ref}, sctx)
	}
	component, ok := r.Registry.Lookup(action.ComponentID)
	if !ok {
		return r.fail(ctx, ref, started, &model.NotFoundError{Kind: "component", ID: action.ComponentID}, sctx)
	}
	nodeMeta := r.Definition.Nodes[ref]

	traceHandle := r.Sequencer.Handle(r.RunID)
	streamID := nodeMeta.EffectiveStreamID(ref)
	joinStrategy := nodeMeta.EffectiveJoinStrategy()

	traceCtx := map[string]any{
		"streamId":     streamID,
		"joinStrategy": joinStrategy,
	}
	if sctx.TriggeredBy != "" {
		traceCtx["triggeredBy"] = sctx.TriggeredBy
	}
	if sctx.Failure != nil {
		traceCtx["failure"] = sctx.Failure
	}
	traceHandle.Record(ctx, model.TraceEventInput{
		NodeRef: ref, Type: model.EventNodeStarted, Level: model.LevelInfo, Context: traceCtx,
	})

	resolved := resolver.BuildActionPayload(action, resultsSnapshot(r.Results, action), component.Inputs)
	for _, override := range resolved.ManualOverrides {
		traceHandle.Record(ctx, model.TraceEventInput{
			NodeRef: ref, Type: model.EventNodeProgress, Level: model.LevelDebug,
			Message: fmt.Sprintf("manual override applied for %q", override),
			Context: traceCtx,
		})
	}
	for _, w := range resolved.Warnings {
		traceHandle.Record(ctx, model.TraceEventInput{
			NodeRef: ref, Type: model.EventNodeProgress, Level: model.LevelWarn,
			Message: fmt.Sprintf("input %q unresolved from %s.%s: %s", w.Target, w.SourceRef, w.SourceHandle, w.Reason),
			Context: traceCtx,
		})
	}
	if len(resolved.Warnings) > 0 {
		first := resolved.Warnings[0]
		fieldErrors := make(map[string]string, len(resolved.Warnings))
		for _, w := range resolved.Warnings {
			fieldErrors[w.Target] = fmt.Sprintf("Input '%s' unresolved: %s", w.Target, w.Reason)
		}
		err := &model.ValidationError{
			Ref:         ref,
			Field:       first.Target,
			Message:     fmt.Sprintf("Input '%s' unresolved: %s", first.Target, first.Reason),
			FieldErrors: fieldErrors,
		}
		return r.fail(ctx, ref, started, err, sctx)
	}

	spillCache := newSpillCache()
	materialized, err := materializeInputs(ctx, r.Storage, spillCache, resolved.Inputs)
	if err != nil {
		return r.fail(ctx, ref, started, &model.ServiceError{Ref: ref, Cause: err, Message: "failed to materialize spilled input"}, sctx)
	}

	if ref == r.Definition.EntrypointRef {
		if action.ComponentID == model.EntrypointComponentID {
			materialized[model.RuntimeDataKey] = r.RuntimeInputs
		} else if len(r.RuntimeInputs) > 0 && r.LogSink != nil {
			r.LogSink.ForAction(r.RunID, ref).Log(ctx, model.StreamStderr, model.LevelError,
				fmt.Sprintf("entrypoint ref %q does not run the entrypoint component; runtime inputs not injected", ref), nil)
		}
	}

	inputs, err := coerceAgainstSchema(materialized, component.Inputs)
	if err != nil {
		return r.fail(ctx, ref, started, err, sctx)
	}
	params, err := coerceAgainstSchema(resolved.Params, component.Parameters)
	if err != nil {
		return r.fail(ctx, ref, started, err, sctx)
	}

	ectx := &model.ExecutionContext{
		RunID:        r.RunID,
		ComponentRef: ref,
		Metadata: model.ContextMetadata{
			StreamID:      streamID,
			JoinStrategy:  joinStrategy,
			CorrelationID: r.RunID + ":" + ref,
			TriggeredBy:   sctx.TriggeredBy,
			Failure:       sctx.Failure,
		},
		Storage:   storageAdapter{r.Storage},
		Artifacts: storageAdapter{r.Storage},
		Trace:     traceHandle,
	}
	if r.LogSink != nil {
		ectx.LogCollector = r.LogSink.ForAction(r.RunID, ref)
	}
	if component.RequiresSecrets {
		ectx.Secrets = r.Secrets
	}

	if r.NodeIO != nil {
		r.NodeIO.Start(ctx, nodeio.StartEvent{
			RunID: r.RunID, NodeRef: ref, WorkflowID: r.Definition.Title, ComponentID: component.ID,
			Inputs: nodeio.MaskSecrets(inputs, component.Inputs),
		})
	}

	output, err := component.Execute(ctx, ectx, inputs, params)
	if err != nil {
		return r.failWithNodeIO(ctx, ref, started, err, sctx)
	}

	if pending, ok := output["pending"].(bool); ok && pending {
		resolved, terr := r.awaitResolution(ctx, ref, traceHandle, traceCtx, output)
		if terr != nil {
			return r.failWithNodeIO(ctx, ref, started, terr, sctx)
		}
		output = resolved
	}

	var activeOutputPorts []string
	if raw, ok := output["activeOutputPorts"].([]string); ok {
		activeOutputPorts = raw
	} else if raw, ok := output["activeOutputPorts"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				activeOutputPorts = append(activeOutputPorts, s)
			}
		}
	}

	outputChecked, err := coerceAgainstSchema(output, component.Outputs)
	if err != nil {
		return r.failWithNodeIO(ctx, ref, started, err, sctx)
	}

	spilledOutput, err := spillIfLarge(ctx, r.Storage, outputChecked, r.spillThreshold())
	if err != nil {
		return r.failWithNodeIO(ctx, ref, started, &model.ServiceError{Ref: ref, Cause: err, Message: "failed to spill output"}, sctx)
	}

	if r.NodeIO != nil {
		r.NodeIO.Completion(ctx, nodeio.CompletionEvent{
			RunID: r.RunID, NodeRef: ref, Status: model.StatusCompleted,
			Outputs: nodeio.MaskSecrets(spilledOutput, component.Outputs),
		})
	}

	traceHandle.Record(ctx, model.TraceEventInput{
		NodeRef: ref, Type: model.EventNodeCompleted, Level: model.LevelInfo,
		OutputSummary: summarize(nodeio.MaskSecrets(spilledOutput, component.Outputs)),
		Context:       traceCtx,
	})

	return model.ActionOutcome{
		Status:            model.StatusCompleted,
		Output:            spilledOutput,
		ActiveOutputPorts: activeOutputPorts,
		StartedAt:         started,
		EndedAt:           time.Now(),
	}
}

// awaitResolution suspends ref on the awaiting-input sentinel until an
// external Resolve call wakes it, the context is cancelled, or timeoutAt
// (if present on the sentinel) elapses.
func (r *Runner) awaitResolution(ctx context.Context, ref string, traceHandle model.TraceHandle, traceCtx map[string]any, sentinel map[string]any) (map[string]any, error) {
	requestID, ch := r.Pending.Register(r.RunID, ref)

	awaitData := map[string]any{"requestId": requestID}
	for _, k := range []string{"inputType", "title", "description", "contextData", "inputSchema", "timeoutAt"} {
		if v, ok := sentinel[k]; ok {
			awaitData[k] = v
		}
	}
	traceHandle.Record(ctx, model.TraceEventInput{
		NodeRef: ref, Type: model.EventAwaitingInput, Level: model.LevelInfo, Data: awaitData, Context: traceCtx,
	})

	var timeoutCh <-chan time.Time
	if raw, ok := sentinel["timeoutAt"].(string); ok && raw != "" {
		if deadline, err := time.Parse(time.RFC3339, raw); err == nil {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			timeoutCh = timer.C
		}
	}

	select {
	case res := <-ch:
		out := res.AsOutput()
		out["activeOutputPorts"] = res.ActiveOutputPorts()
		return out, nil
	case <-timeoutCh:
		r.Pending.Cancel(r.RunID, ref)
		return nil, &model.TimeoutError{Ref: ref, Timeout: "human input"}
	case <-ctx.Done():
		r.Pending.Cancel(r.RunID, ref)
		return nil, ctx.Err()
	}
}

func (r *Runner) spillThreshold() int {
	if r.SpillThreshold > 0 {
		return r.SpillThreshold
	}
	return SpillThresholdDefault
}

func (r *Runner) fail(ctx context.Context, ref string, started time.Time, err error, sctx SchedulerContext) model.ActionOutcome {
	reason := model.ErrorReasonFromError(err)
	traceCtx := map[string]any{}
	if sctx.TriggeredBy != "" {
		traceCtx["triggeredBy"] = sctx.TriggeredBy
	}
	var data map[string]any
	if ve, ok := err.(*model.ValidationError); ok && len(ve.FieldErrors) > 0 {
		data = map[string]any{"fieldErrors": ve.FieldErrors}
	}
	r.Sequencer.Handle(r.RunID).Record(ctx, model.TraceEventInput{
		NodeRef: ref, Type: model.EventNodeFailed, Level: model.LevelError,
		Error: &reason, Data: data, Context: traceCtx,
	})
	return model.ActionOutcome{Status: model.StatusFailed, Err: err, StartedAt: started, EndedAt: time.Now()}
}

func (r *Runner) failWithNodeIO(ctx context.Context, ref string, started time.Time, err error, sctx SchedulerContext) model.ActionOutcome {
	if r.NodeIO != nil {
		r.NodeIO.Completion(ctx, nodeio.CompletionEvent{
			RunID: r.RunID, NodeRef: ref, Status: model.StatusFailed, ErrorMessage: err.Error(),
		})
	}
	return r.fail(ctx, ref, started, err, sctx)
}

// resultsSnapshot gathers the subset of results relevant to action's
// dependsOn, in the map[string]map[string]any shape resolver.BuildActionPayload
// expects.
func resultsSnapshot(results ResultsReader, action *model.Action) map[string]map[string]any {
	out := make(map[string]map[string]any, len(action.DependsOn))
	for _, dep := range action.DependsOn {
		if v, ok := results.Get(dep); ok {
			out[dep] = v
		}
	}
	return out
}

// storageAdapter adapts Storage to model.StorageHandle (identical shape;
// kept distinct so runner doesn't force model to import this package).
type storageAdapter struct{ Storage }

func coerceAgainstSchema(values map[string]any, schema model.Schema) (map[string]any, error) {
	if values == nil {
		values = map[string]any{}
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		port, declared := schema.Lookup(k)
		if !declared {
			out[k] = v
			continue
		}
		coerced, ok := resolver.Coerce(v, port.ConnectionType)
		if !ok {
			return nil, &model.ValidationError{Field: k, Message: fmt.Sprintf("value not coercible to %s", port.ConnectionType.Kind)}
		}
		out[k] = coerced
	}
	return out, nil
}

func summarize(output map[string]any) map[string]any {
	summary := make(map[string]any, len(output))
	for k, v := range output {
		switch t := v.(type) {
		case string, float64, int, bool, nil:
			summary[k] = t
		case []any:
			summary[k] = map[string]any{"length": len(t)}
		case map[string]any:
			if _, spilled := model.IsSpillMarker(t); spilled {
				summary[k] = t
			} else {
				summary[k] = map[string]any{"length": len(t)}
			}
		default:
			summary[k] = fmt.Sprintf("%T", t)
		}
	}
	summary["_truncated"] = true
	return summary
}

