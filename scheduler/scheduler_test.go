package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/compiler"
	"github.com/lyzr/flowengine/components"
	"github.com/lyzr/flowengine/condition"
	"github.com/lyzr/flowengine/logsink"
	"github.com/lyzr/flowengine/model"
	"github.com/lyzr/flowengine/nodeio"
	"github.com/lyzr/flowengine/objectstore"
	"github.com/lyzr/flowengine/runner"
	"github.com/lyzr/flowengine/trace"
)

type testHarness struct {
	engine  *Engine
	traces  *trace.MemorySink
	nodeIO  *nodeio.MemorySink
	store   *objectstore.MemoryStore
	pending *runner.PendingRegistry
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	registry := model.NewRegistry()
	conditions := condition.NewEvaluator()
	components.Register(registry, components.Deps{Conditions: conditions})

	traces := trace.NewMemorySink()
	store := objectstore.NewMemoryStore()
	storage := objectstore.Handle{Store: store}
	// No spiller: oversized node-I/O payloads shrink inline so the object
	// store holds only the scheduler's own spills.
	ioSink := nodeio.NewMemorySink(nil)
	pending := runner.NewPendingRegistry()

	return &testHarness{
		engine: &Engine{
			Registry:   registry,
			Sequencer:  trace.NewSequencer(traces),
			NodeIO:     ioSink,
			Logs:       logsink.NewMemorySink(),
			Storage:    storage,
			Pending:    pending,
			Conditions: conditions,
		},
		traces:  traces,
		nodeIO:  ioSink,
		store:   store,
		pending: pending,
	}
}

func (h *testHarness) run(t *testing.T, schema *compiler.WorkflowSchema, runID string, inputs map[string]any) *model.RunResult {
	t.Helper()
	def, err := compiler.Compile(schema)
	require.NoError(t, err)
	return h.engine.Execute(context.Background(), &model.Run{
		RunID:         runID,
		WorkflowID:    schema.Title,
		Definition:    def,
		RuntimeInputs: inputs,
	})
}

func (h *testHarness) eventsOf(runID string, eventType model.TraceEventType) []model.TraceEvent {
	var out []model.TraceEvent
	for _, e := range h.traces.ForRun(runID) {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func action(ref, componentID string, deps ...string) compiler.ActionSchema {
	return compiler.ActionSchema{Ref: ref, ComponentID: componentID, DependsOn: deps}
}

func edge(id, from, to string, kind model.EdgeKind) compiler.EdgeSchema {
	return compiler.EdgeSchema{ID: id, SourceRef: from, TargetRef: to, Kind: string(kind)}
}

func TestLinearChain(t *testing.T) {
	h := newHarness(t)
	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "linear",
		Entrypoint: compiler.EntrypointRef{Ref: "start"},
		Nodes: map[string]compiler.NodeSchema{
			"start": {Ref: "start"}, "a": {Ref: "a"}, "b": {Ref: "b"},
		},
		Edges: []compiler.EdgeSchema{
			edge("e1", "start", "a", model.EdgeSuccess),
			edge("e2", "a", "b", model.EdgeSuccess),
		},
		Actions: []compiler.ActionSchema{
			action("start", model.EntrypointComponentID),
			action("a", "core.echo", "start"),
			action("b", "core.echo", "a"),
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 30},
	}

	result := h.run(t, schema, "run-linear", nil)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, map[string]any{}, result.Outputs["start"])
	assert.Equal(t, map[string]any{}, result.Outputs["a"])
	assert.Equal(t, map[string]any{}, result.Outputs["b"])

	events := h.traces.ForRun("run-linear")
	require.Len(t, events, 6)
	wantRefs := []string{"start", "start", "a", "a", "b", "b"}
	wantTypes := []model.TraceEventType{
		model.EventNodeStarted, model.EventNodeCompleted,
		model.EventNodeStarted, model.EventNodeCompleted,
		model.EventNodeStarted, model.EventNodeCompleted,
	}
	for i, e := range events {
		assert.Equal(t, wantRefs[i], e.NodeRef)
		assert.Equal(t, wantTypes[i], e.Type)
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestParallelFanOutFanIn(t *testing.T) {
	h := newHarness(t)
	sleepAction := func(ref string) compiler.ActionSchema {
		return compiler.ActionSchema{
			Ref: ref, ComponentID: "core.sleep", DependsOn: []string{"start"},
			Params: map[string]any{"durationMs": 200.0},
		}
	}
	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "fanout",
		Entrypoint: compiler.EntrypointRef{Ref: "start"},
		Nodes: map[string]compiler.NodeSchema{
			"start": {Ref: "start"}, "A": {Ref: "A"}, "B": {Ref: "B"},
			"merge": {Ref: "merge", JoinStrategy: "all"},
		},
		Edges: []compiler.EdgeSchema{
			edge("e1", "start", "A", model.EdgeSuccess),
			edge("e2", "start", "B", model.EdgeSuccess),
			edge("e3", "A", "merge", model.EdgeSuccess),
			edge("e4", "B", "merge", model.EdgeSuccess),
		},
		Actions: []compiler.ActionSchema{
			action("start", model.EntrypointComponentID),
			sleepAction("A"),
			sleepAction("B"),
			action("merge", "core.echo", "A", "B"),
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 30},
	}

	started := time.Now()
	result := h.run(t, schema, "run-fanout", nil)
	elapsed := time.Since(started)

	require.True(t, result.Success, result.Error)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 350*time.Millisecond, "A and B must run concurrently")

	mergeStarts := h.eventsOf("run-fanout", model.EventNodeStarted)
	var mergeStart *model.TraceEvent
	for i := range mergeStarts {
		if mergeStarts[i].NodeRef == "merge" {
			mergeStart = &mergeStarts[i]
		}
	}
	require.NotNil(t, mergeStart)
	assert.NotContains(t, mergeStart.Context, "triggeredBy")
}

func TestJoinAnyFiresOnceWithFirstSatisfier(t *testing.T) {
	h := newHarness(t)
	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "join-any",
		Entrypoint: compiler.EntrypointRef{Ref: "start"},
		Nodes: map[string]compiler.NodeSchema{
			"start": {Ref: "start"}, "slow": {Ref: "slow"}, "fast": {Ref: "fast"},
			"merge": {Ref: "merge", JoinStrategy: "any"},
		},
		Edges: []compiler.EdgeSchema{
			edge("e1", "start", "slow", model.EdgeSuccess),
			edge("e2", "start", "fast", model.EdgeSuccess),
			edge("e3", "slow", "merge", model.EdgeSuccess),
			edge("e4", "fast", "merge", model.EdgeSuccess),
		},
		Actions: []compiler.ActionSchema{
			action("start", model.EntrypointComponentID),
			{Ref: "slow", ComponentID: "core.sleep", DependsOn: []string{"start"}, Params: map[string]any{"durationMs": 200.0}},
			{Ref: "fast", ComponentID: "core.sleep", DependsOn: []string{"start"}, Params: map[string]any{"durationMs": 10.0}},
			action("merge", "core.echo", "slow", "fast"),
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 30},
	}

	result := h.run(t, schema, "run-any", nil)
	require.True(t, result.Success, result.Error)

	var mergeStarts []model.TraceEvent
	for _, e := range h.eventsOf("run-any", model.EventNodeStarted) {
		if e.NodeRef == "merge" {
			mergeStarts = append(mergeStarts, e)
		}
	}
	require.Len(t, mergeStarts, 1, "join=any must fire the child exactly once")
	assert.Equal(t, "fast", mergeStarts[0].Context["triggeredBy"])
}

func TestErrorEdgeRouting(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var captured *model.FailureMeta
	h.engine.Registry.Register(model.Component{
		ID: "test.capture",
		Execute: func(_ context.Context, ectx *model.ExecutionContext, _, _ map[string]any) (map[string]any, error) {
			mu.Lock()
			captured = ectx.Metadata.Failure
			mu.Unlock()
			return map[string]any{"handled": true}, nil
		},
	})

	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "error-edge",
		Entrypoint: compiler.EntrypointRef{Ref: "start"},
		Nodes: map[string]compiler.NodeSchema{
			"start": {Ref: "start"}, "fail": {Ref: "fail"}, "errorHandler": {Ref: "errorHandler"},
		},
		Edges: []compiler.EdgeSchema{
			edge("e1", "start", "fail", model.EdgeSuccess),
			edge("e2", "fail", "errorHandler", model.EdgeError),
		},
		Actions: []compiler.ActionSchema{
			action("start", model.EntrypointComponentID),
			{Ref: "fail", ComponentID: "core.fail", DependsOn: []string{"start"}, Params: map[string]any{"message": "boom"}},
			action("errorHandler", "test.capture", "fail"),
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 30},
	}

	result := h.run(t, schema, "run-error", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "boom")

	assert.Equal(t, map[string]any{"handled": true}, result.Outputs["errorHandler"])
	require.NotNil(t, captured)
	assert.Equal(t, "fail", captured.At)
	assert.Equal(t, "boom", captured.Reason.Message)
}

func TestMissingInputMappingFailsNode(t *testing.T) {
	h := newHarness(t)
	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "missing-input",
		Entrypoint: compiler.EntrypointRef{Ref: "node-1"},
		Nodes: map[string]compiler.NodeSchema{
			"node-1": {Ref: "node-1"}, "node-2": {Ref: "node-2"},
		},
		Edges: []compiler.EdgeSchema{
			edge("e1", "node-1", "node-2", model.EdgeSuccess),
		},
		Actions: []compiler.ActionSchema{
			action("node-1", "core.echo"),
			{
				Ref: "node-2", ComponentID: "core.console.log", DependsOn: []string{"node-1"},
				InputMappings: map[string]compiler.InputMappingSchema{
					"label": {SourceRef: "node-1", SourceHandle: "missing-handle"},
				},
			},
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 30},
	}

	result := h.run(t, schema, "run-missing", nil)
	assert.False(t, result.Success)

	warns := h.eventsOf("run-missing", model.EventNodeProgress)
	require.NotEmpty(t, warns)
	assert.Equal(t, model.LevelWarn, warns[0].Level)
	assert.Equal(t, "node-2", warns[0].NodeRef)

	fails := h.eventsOf("run-missing", model.EventNodeFailed)
	require.Len(t, fails, 1)
	assert.Equal(t, "node-2", fails[0].NodeRef)
	assert.Contains(t, fails[0].Error.Message, "Input 'label'")
}

func TestLargeOutputSpillRoundTrip(t *testing.T) {
	h := newHarness(t)
	bigString := strings.Repeat("x", 200*1024)

	h.engine.Registry.Register(model.Component{
		ID: "test.bigoutput",
		Execute: func(_ context.Context, _ *model.ExecutionContext, _, _ map[string]any) (map[string]any, error) {
			return map[string]any{"data": bigString}, nil
		},
	})
	var mu sync.Mutex
	var received string
	h.engine.Registry.Register(model.Component{
		ID: "test.bigreader",
		Execute: func(_ context.Context, _ *model.ExecutionContext, inputs, _ map[string]any) (map[string]any, error) {
			payload, _ := inputs["payload"].(map[string]any)
			mu.Lock()
			received, _ = payload["data"].(string)
			mu.Unlock()
			return map[string]any{"length": float64(len(received))}, nil
		},
	})

	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "spill",
		Entrypoint: compiler.EntrypointRef{Ref: "producer"},
		Nodes: map[string]compiler.NodeSchema{
			"producer": {Ref: "producer"}, "consumer": {Ref: "consumer"},
		},
		Edges: []compiler.EdgeSchema{
			edge("e1", "producer", "consumer", model.EdgeSuccess),
		},
		Actions: []compiler.ActionSchema{
			action("producer", "test.bigoutput"),
			{
				Ref: "consumer", ComponentID: "test.bigreader", DependsOn: []string{"producer"},
				InputMappings: map[string]compiler.InputMappingSchema{
					"payload": {SourceRef: "producer", SourceHandle: model.SelfHandle},
				},
			},
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 30},
	}

	result := h.run(t, schema, "run-spill", nil)
	require.True(t, result.Success, result.Error)

	marker, spilled := model.IsSpillMarker(result.Outputs["producer"])
	require.True(t, spilled, "producer output must be replaced by a spill marker")
	assert.Greater(t, marker.OriginalSize, 200*1024)

	assert.Equal(t, bigString, received, "spilled payload must materialize byte-identically")
	assert.Equal(t, 1, h.store.Len(), "exactly one object spilled for this run")
}

func TestDeadlockDetectedOnMalformedIndegree(t *testing.T) {
	h := newHarness(t)
	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "deadlock",
		Entrypoint: compiler.EntrypointRef{Ref: "start"},
		Nodes: map[string]compiler.NodeSchema{
			"start": {Ref: "start"}, "a": {Ref: "a"},
		},
		Edges: []compiler.EdgeSchema{
			edge("e1", "start", "a", model.EdgeSuccess),
		},
		DependencyCounts: map[string]int{"start": 0, "a": 2},
		Actions: []compiler.ActionSchema{
			action("start", model.EntrypointComponentID),
			action("a", "core.echo", "start"),
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 5},
	}

	result := h.run(t, schema, "run-deadlock", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "deadlock")
	assert.Contains(t, result.Error, "a")
}

func TestSoftFailureOutputFlipsRun(t *testing.T) {
	h := newHarness(t)
	h.engine.Registry.Register(model.Component{
		ID: "test.softfail",
		Execute: func(_ context.Context, _ *model.ExecutionContext, _, _ map[string]any) (map[string]any, error) {
			return map[string]any{"success": false, "error": "quota exceeded"}, nil
		},
	})
	var downstreamRan bool
	h.engine.Registry.Register(model.Component{
		ID: "test.observe",
		Execute: func(_ context.Context, _ *model.ExecutionContext, _, _ map[string]any) (map[string]any, error) {
			downstreamRan = true
			return map[string]any{}, nil
		},
	})

	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "soft-failure",
		Entrypoint: compiler.EntrypointRef{Ref: "soft"},
		Nodes: map[string]compiler.NodeSchema{
			"soft": {Ref: "soft"}, "after": {Ref: "after"},
		},
		Edges: []compiler.EdgeSchema{
			edge("e1", "soft", "after", model.EdgeSuccess),
		},
		Actions: []compiler.ActionSchema{
			action("soft", "test.softfail"),
			action("after", "test.observe", "soft"),
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 30},
	}

	result := h.run(t, schema, "run-soft", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "[soft] quota exceeded")
	assert.True(t, downstreamRan, "soft failure still routes success edges")
}

func TestRunTimeoutFailsRunningActions(t *testing.T) {
	h := newHarness(t)
	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "timeout",
		Entrypoint: compiler.EntrypointRef{Ref: "start"},
		Nodes: map[string]compiler.NodeSchema{
			"start": {Ref: "start"}, "slow": {Ref: "slow"},
		},
		Edges: []compiler.EdgeSchema{
			edge("e1", "start", "slow", model.EdgeSuccess),
		},
		Actions: []compiler.ActionSchema{
			action("start", model.EntrypointComponentID),
			{Ref: "slow", ComponentID: "core.sleep", DependsOn: []string{"start"}, Params: map[string]any{"durationMs": 5000.0}},
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 1},
	}

	started := time.Now()
	result := h.run(t, schema, "run-timeout", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timed out")
	assert.Less(t, time.Since(started), 3*time.Second)
}

func TestAwaitingInputResolvesApprovedBranch(t *testing.T) {
	h := newHarness(t)
	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "approval",
		Entrypoint: compiler.EntrypointRef{Ref: "gate"},
		Nodes: map[string]compiler.NodeSchema{
			"gate": {Ref: "gate"}, "onApprove": {Ref: "onApprove"}, "onReject": {Ref: "onReject"},
		},
		Edges: []compiler.EdgeSchema{
			{ID: "e1", SourceRef: "gate", TargetRef: "onApprove", SourceHandle: "approved", Kind: "success"},
			{ID: "e2", SourceRef: "gate", TargetRef: "onReject", SourceHandle: "rejected", Kind: "success"},
		},
		Actions: []compiler.ActionSchema{
			{Ref: "gate", ComponentID: "core.approval", Params: map[string]any{"title": "release?"}},
			action("onApprove", "core.echo", "gate"),
			action("onReject", "core.echo", "gate"),
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 30},
	}
	def, err := compiler.Compile(schema)
	require.NoError(t, err)

	done := make(chan *model.RunResult, 1)
	go func() {
		done <- h.engine.Execute(context.Background(), &model.Run{
			RunID: "run-approval", WorkflowID: "approval", Definition: def,
		})
	}()

	resolution := runner.Resolution{
		Approved: true, RespondedBy: "ops", RespondedAt: time.Now(), RequestID: "run-approval:gate",
	}
	require.Eventually(t, func() bool {
		return h.pending.Resolve("run-approval", "gate", resolution)
	}, 5*time.Second, 10*time.Millisecond)

	var result *model.RunResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resolution")
	}

	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Outputs, "onApprove")
	assert.NotContains(t, result.Outputs, "onReject")
	assert.Equal(t, true, result.Outputs["gate"]["approved"])

	awaiting := h.eventsOf("run-approval", model.EventAwaitingInput)
	require.Len(t, awaiting, 1)
	assert.Equal(t, "gate", awaiting[0].NodeRef)

	skips := h.eventsOf("run-approval", model.EventNodeSkipped)
	require.Len(t, skips, 1)
	assert.Equal(t, "onReject", skips[0].NodeRef)
}

func TestSecretOutputsMaskedEverywhere(t *testing.T) {
	h := newHarness(t)
	const cleartext = "tok-5f2a9"
	h.engine.Registry.Register(model.Component{
		ID: "test.secretout",
		Outputs: model.Schema{Ports: []model.Port{
			{ID: "token", ConnectionType: model.ConnectionType{Kind: model.KindSecret}},
		}},
		Execute: func(_ context.Context, _ *model.ExecutionContext, _, _ map[string]any) (map[string]any, error) {
			return map[string]any{"token": cleartext, "note": "issued"}, nil
		},
	})

	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "masking",
		Entrypoint: compiler.EntrypointRef{Ref: "issuer"},
		Nodes:      map[string]compiler.NodeSchema{"issuer": {Ref: "issuer"}},
		Actions:    []compiler.ActionSchema{action("issuer", "test.secretout")},
		Config:     compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 30},
	}

	result := h.run(t, schema, "run-mask", nil)
	require.True(t, result.Success, result.Error)

	for _, e := range h.traces.ForRun("run-mask") {
		if e.OutputSummary != nil {
			assert.NotEqual(t, cleartext, e.OutputSummary["token"])
			assert.Equal(t, "***", e.OutputSummary["token"])
		}
	}
	for _, c := range h.nodeIO.CompletionsFor("run-mask") {
		assert.Equal(t, "***", c.Outputs["token"])
		assert.Equal(t, "issued", c.Outputs["note"])
	}
}

func TestRerunYieldsEquivalentTrace(t *testing.T) {
	h := newHarness(t)
	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "rerun",
		Entrypoint: compiler.EntrypointRef{Ref: "start"},
		Nodes: map[string]compiler.NodeSchema{
			"start": {Ref: "start"}, "a": {Ref: "a"}, "b": {Ref: "b"},
		},
		Edges: []compiler.EdgeSchema{
			edge("e1", "start", "a", model.EdgeSuccess),
			edge("e2", "a", "b", model.EdgeSuccess),
		},
		Actions: []compiler.ActionSchema{
			action("start", model.EntrypointComponentID),
			{Ref: "a", ComponentID: "core.echo", DependsOn: []string{"start"}, InputOverrides: map[string]any{"v": 1.0}},
			action("b", "core.echo", "a"),
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 30},
	}

	first := h.run(t, schema, "rerun-1", nil)
	second := h.run(t, schema, "rerun-2", nil)

	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.Equal(t, first.Outputs, second.Outputs)

	e1, e2 := h.traces.ForRun("rerun-1"), h.traces.ForRun("rerun-2")
	require.Equal(t, len(e1), len(e2))
	for i := range e1 {
		assert.Equal(t, e1[i].Type, e2[i].Type)
		assert.Equal(t, e1[i].NodeRef, e2[i].NodeRef)
		assert.Equal(t, e1[i].Level, e2[i].Level)
		assert.Equal(t, e1[i].Context["triggeredBy"], e2[i].Context["triggeredBy"])
	}
}

func TestFailureWithoutErrorEdgeSkipsDescendants(t *testing.T) {
	h := newHarness(t)
	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "cascade",
		Entrypoint: compiler.EntrypointRef{Ref: "start"},
		Nodes: map[string]compiler.NodeSchema{
			"start": {Ref: "start"}, "fail": {Ref: "fail"}, "child": {Ref: "child"}, "grandchild": {Ref: "grandchild"},
		},
		Edges: []compiler.EdgeSchema{
			edge("e1", "start", "fail", model.EdgeSuccess),
			edge("e2", "fail", "child", model.EdgeSuccess),
			edge("e3", "child", "grandchild", model.EdgeSuccess),
		},
		Actions: []compiler.ActionSchema{
			action("start", model.EntrypointComponentID),
			{Ref: "fail", ComponentID: "core.fail", DependsOn: []string{"start"}},
			action("child", "core.echo", "fail"),
			action("grandchild", "core.echo", "child"),
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 30},
	}

	result := h.run(t, schema, "run-cascade", nil)
	assert.False(t, result.Success)
	assert.NotContains(t, result.Outputs, "child")
	assert.NotContains(t, result.Outputs, "grandchild")

	var skippedRefs []string
	for _, e := range h.eventsOf("run-cascade", model.EventNodeSkipped) {
		skippedRefs = append(skippedRefs, e.NodeRef)
	}
	assert.ElementsMatch(t, []string{"child", "grandchild"}, skippedRefs)
}

func TestConditionalRoutesActivePortsOnly(t *testing.T) {
	h := newHarness(t)
	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "conditional",
		Entrypoint: compiler.EntrypointRef{Ref: "start"},
		Nodes: map[string]compiler.NodeSchema{
			"start": {Ref: "start"}, "branch": {Ref: "branch"}, "high": {Ref: "high"}, "low": {Ref: "low"},
		},
		Edges: []compiler.EdgeSchema{
			edge("e1", "start", "branch", model.EdgeSuccess),
			{ID: "e2", SourceRef: "branch", TargetRef: "high", SourceHandle: "high", Kind: "success"},
			{ID: "e3", SourceRef: "branch", TargetRef: "low", SourceHandle: "low", Kind: "success"},
		},
		Actions: []compiler.ActionSchema{
			action("start", model.EntrypointComponentID),
			{
				Ref: "branch", ComponentID: "core.conditional", DependsOn: []string{"start"},
				InputOverrides: map[string]any{"data": map[string]any{"score": 90.0}},
				Params: map[string]any{
					"rules": []any{
						map[string]any{"port": "high", "expression": "output.score >= 80.0"},
						map[string]any{"port": "low", "expression": "output.score < 80.0"},
					},
				},
			},
			action("high", "core.echo", "branch"),
			action("low", "core.echo", "branch"),
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 30},
	}

	result := h.run(t, schema, "run-cond", nil)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Outputs, "high")
	assert.NotContains(t, result.Outputs, "low")
}

func TestDoubleEdgedParentDoesNotExhaustJoin(t *testing.T) {
	// "dual" reaches merge through both a success and an error edge; "slow"
	// is a second real parent. The dual pair settles as one parent, so merge
	// must not start until slow has finished.
	h := newHarness(t)
	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "dual-edge",
		Entrypoint: compiler.EntrypointRef{Ref: "start"},
		Nodes: map[string]compiler.NodeSchema{
			"start": {Ref: "start"}, "dual": {Ref: "dual"}, "slow": {Ref: "slow"},
			"merge": {Ref: "merge", JoinStrategy: "all"},
		},
		Edges: []compiler.EdgeSchema{
			edge("e1", "start", "dual", model.EdgeSuccess),
			edge("e2", "start", "slow", model.EdgeSuccess),
			edge("e3", "dual", "merge", model.EdgeSuccess),
			edge("e4", "dual", "merge", model.EdgeError),
			edge("e5", "slow", "merge", model.EdgeSuccess),
		},
		Actions: []compiler.ActionSchema{
			action("start", model.EntrypointComponentID),
			action("dual", "core.echo", "start"),
			{Ref: "slow", ComponentID: "core.sleep", DependsOn: []string{"start"}, Params: map[string]any{"durationMs": 100.0}},
			action("merge", "core.echo", "dual", "slow"),
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 30},
	}

	result := h.run(t, schema, "run-dual", nil)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Outputs, "merge")

	var mergeStarted, slowCompleted int64
	mergeStarts := 0
	for _, e := range h.traces.ForRun("run-dual") {
		if e.NodeRef == "merge" && e.Type == model.EventNodeStarted {
			mergeStarted = e.Sequence
			mergeStarts++
		}
		if e.NodeRef == "slow" && e.Type == model.EventNodeCompleted {
			slowCompleted = e.Sequence
		}
	}
	require.Equal(t, 1, mergeStarts, "merge must run exactly once")
	require.NotZero(t, slowCompleted)
	assert.Greater(t, mergeStarted, slowCompleted, "merge must wait for its second parent")
}

func TestRuntimeInputsReachEntrypointOnly(t *testing.T) {
	h := newHarness(t)
	schema := &compiler.WorkflowSchema{
		Version:    1,
		Title:      "runtime-inputs",
		Entrypoint: compiler.EntrypointRef{Ref: "start"},
		Nodes: map[string]compiler.NodeSchema{
			"start": {Ref: "start"}, "a": {Ref: "a"},
		},
		Edges: []compiler.EdgeSchema{
			edge("e1", "start", "a", model.EdgeSuccess),
		},
		Actions: []compiler.ActionSchema{
			action("start", model.EntrypointComponentID),
			{
				Ref: "a", ComponentID: "core.echo", DependsOn: []string{"start"},
				InputMappings: map[string]compiler.InputMappingSchema{
					"who": {SourceRef: "start", SourceHandle: "user"},
				},
			},
		},
		Config: compiler.ConfigSchema{Environment: "test", TimeoutSeconds: 30},
	}

	result := h.run(t, schema, "run-inputs", map[string]any{"user": "ada"})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "ada", result.Outputs["start"]["user"])
	assert.Equal(t, "ada", result.Outputs["a"]["who"])
}
