// Package model defines the core data types shared by every package in the
// workflow scheduler: the DAG (definition, actions, edges, node metadata),
// the component contract, the per-action execution context, and the
// run-local outcome/trace types.
package model

import "time"

// EdgeKind selects which parent outcome satisfies an edge.
type EdgeKind string

const (
	EdgeSuccess EdgeKind = "success"
	EdgeError   EdgeKind = "error"
)

// JoinStrategy is the fan-in rule evaluated at a node with multiple parents.
type JoinStrategy string

const (
	JoinAll   JoinStrategy = "all"
	JoinAny   JoinStrategy = "any"
	JoinFirst JoinStrategy = "first"
)

// SelfHandle is the reserved sourceHandle meaning "the entire upstream output".
const SelfHandle = "__self__"

// RuntimeDataKey is the reserved input key under which runtime inputs are
// injected for the entrypoint action.
const RuntimeDataKey = "__runtimeData"

// EntrypointComponentID marks the component that receives runtime inputs.
const EntrypointComponentID = "core.workflow.entrypoint"

// Edge is a directed relation between two action refs.
type Edge struct {
	ID           string
	SourceRef    string
	TargetRef    string
	SourceHandle string // "" or SelfHandle means the whole output
	TargetHandle string
	Kind         EdgeKind
}

// NodeMetadata carries scheduling metadata for one ref, independent of the
// action's component wiring.
type NodeMetadata struct {
	Ref            string
	Label          string
	JoinStrategy   JoinStrategy
	MaxConcurrency int // advisory; does not force serialization across runs
	GroupID        string
	StreamID       string
}

// EffectiveJoinStrategy returns the node's join strategy, defaulting to "all".
func (n *NodeMetadata) EffectiveJoinStrategy() JoinStrategy {
	if n == nil || n.JoinStrategy == "" {
		return JoinAll
	}
	return n.JoinStrategy
}

// EffectiveStreamID returns streamId, falling back to groupId, falling back
// to the ref itself.
func (n *NodeMetadata) EffectiveStreamID(ref string) string {
	if n == nil {
		return ref
	}
	if n.StreamID != "" {
		return n.StreamID
	}
	if n.GroupID != "" {
		return n.GroupID
	}
	return ref
}

// InputMapping binds one target input port to an upstream ref/handle pair.
type InputMapping struct {
	SourceRef    string
	SourceHandle string // "" or SelfHandle means the whole output
}

// RetryPolicy is opaque to the scheduler; it is read by the outer durable
// harness, not interpreted in-process.
type RetryPolicy struct {
	MaxAttempts int
	Retryable   bool
}

// Action is one node of the DAG: a (component, ref, params, bindings) tuple.
type Action struct {
	Ref            string
	ComponentID    string
	Params         map[string]any
	InputOverrides map[string]any
	DependsOn      []string
	InputMappings  map[string]InputMapping // targetPort -> mapping
	RetryPolicy    *RetryPolicy
}

// WorkflowConfig holds run-wide knobs carried on the definition.
type WorkflowConfig struct {
	Environment    string
	TimeoutSeconds int
	// SoftFailurePredicate overrides the default CEL expression the
	// scheduler applies to each completed output at termination to detect
	// components reporting failure inside their output contract.
	SoftFailurePredicate string
}

// WorkflowDefinition is an immutable, shareable snapshot of a compiled DAG.
type WorkflowDefinition struct {
	Version          string
	Title            string
	EntrypointRef    string
	Nodes            map[string]*NodeMetadata // ref -> metadata
	Edges            []Edge
	DependencyCounts map[string]int // ref -> initial indegree
	Actions          map[string]*Action
	ActionOrder      []string // insertion order, for deterministic iteration
	Config           WorkflowConfig

	outgoing map[string][]Edge // ref -> outgoing edges, built at compile time
}

// SetOutgoingIndex precomputes the outgoing-edge index. Called once by the
// compiler; WorkflowDefinition is immutable afterwards.
func (d *WorkflowDefinition) SetOutgoingIndex() {
	idx := make(map[string][]Edge, len(d.Nodes))
	for _, e := range d.Edges {
		idx[e.SourceRef] = append(idx[e.SourceRef], e)
	}
	d.outgoing = idx
}

// OutgoingEdges returns the edges leaving ref, in definition order.
func (d *WorkflowDefinition) OutgoingEdges(ref string) []Edge {
	return d.outgoing[ref]
}

// IsTerminal reports whether ref has no outgoing edges of either kind.
func (d *WorkflowDefinition) IsTerminal(ref string) bool {
	return len(d.outgoing[ref]) == 0
}

// Run parameterizes one execution of a WorkflowDefinition.
type Run struct {
	RunID          string
	WorkflowID     string
	Definition     *WorkflowDefinition
	RuntimeInputs  map[string]any
	OrganizationID string
}

// ActionStatus is the terminal or in-flight status of one action within a run.
type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusRunning   ActionStatus = "running"
	StatusCompleted ActionStatus = "completed"
	StatusFailed    ActionStatus = "failed"
	StatusSkipped   ActionStatus = "skipped"
)

// FailureMeta describes the upstream failure that reached a node via an
// error edge.
type FailureMeta struct {
	At     string `json:"at"`
	Reason ErrorReason `json:"reason"`
}

// ErrorReason is the minimal, serializable shape of an error carried in
// trace/context data.
type ErrorReason struct {
	Message string `json:"message"`
	Name    string `json:"name"`
}

// ActionOutcome is the terminal result of running one action.
type ActionOutcome struct {
	Status           ActionStatus
	Output           map[string]any
	Err              error
	ActiveOutputPorts []string // nil means "all success edges fire"
	StartedAt        time.Time
	EndedAt          time.Time
}

// RunResult is returned when a run finishes.
type RunResult struct {
	Outputs map[string]map[string]any
	Success bool
	Error   string
}
