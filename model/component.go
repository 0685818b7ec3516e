package model

import "context"

// ValuePriority controls how the input resolver treats a manually-overridden
// port that is also fed by an upstream mapping.
type ValuePriority string

const (
	PriorityManualFirst     ValuePriority = "manual-first"
	PriorityConnectionFirst ValuePriority = "connection-first"
)

// ConnectionKind is the primitive tag of a ConnectionType.
type ConnectionKind string

const (
	KindText    ConnectionKind = "text"
	KindNumber  ConnectionKind = "number"
	KindBoolean ConnectionKind = "boolean"
	KindFile    ConnectionKind = "file"
	KindJSON    ConnectionKind = "json"
	KindSecret  ConnectionKind = "secret"
	KindAny     ConnectionKind = "any"
	KindList    ConnectionKind = "list"
	KindMap     ConnectionKind = "map"
	KindContract ConnectionKind = "contract"
)

// ConnectionType is a recursive port-type shape: a primitive, a list/map of
// an element type, or a named contract (schema reference).
type ConnectionType struct {
	Kind        ConnectionKind
	ElementType *ConnectionType // for list/map
	ContractRef string          // for contract
}

// IsSecret reports whether values of this type must be masked in traces,
// node-I/O events, and warnings.
func (c ConnectionType) IsSecret() bool {
	if c.Kind == KindSecret {
		return true
	}
	return c.Kind == KindContract && isCredentialContract(c.ContractRef)
}

// isCredentialContract names the small set of contract refs this module
// treats as carrying credential material end to end.
func isCredentialContract(ref string) bool {
	switch ref {
	case "core.credential", "core.oauth_token", "core.api_key":
		return true
	default:
		return false
	}
}

// Port describes one input or output of a component.
type Port struct {
	ID             string
	ConnectionType ConnectionType
	ValuePriority  ValuePriority // only meaningful for input ports
}

// Schema is an ordered set of ports keyed by port id.
type Schema struct {
	Ports []Port
}

// Lookup returns the port with the given id, if declared.
func (s Schema) Lookup(id string) (Port, bool) {
	for _, p := range s.Ports {
		if p.ID == id {
			return p, true
		}
	}
	return Port{}, false
}

// RunnerKind distinguishes how a component is invoked; opaque to the
// scheduler beyond being carried on the component.
type RunnerKind string

const (
	RunnerInline RunnerKind = "inline"
	RunnerHTTP   RunnerKind = "http"
	RunnerAgent  RunnerKind = "agent"
)

// ExecuteFunc is a component's behavior. It may return:
//   - a normal output map,
//   - {"pending": true, ...}, the awaiting-input sentinel (see runner pkg),
//   - an output containing "activeOutputPorts" to select a subset of
//     outgoing success edges.
type ExecuteFunc func(ctx context.Context, ectx *ExecutionContext, inputs, params map[string]any) (map[string]any, error)

// Component is a typed, registered function with declared input/output
// schemas.
type Component struct {
	ID              string
	Inputs          Schema
	Outputs         Schema
	Parameters      Schema
	RunnerKind      RunnerKind
	RequiresSecrets bool
	Execute         ExecuteFunc
}

// ContextMetadata is the per-action slice of ExecutionContext carrying
// scheduling provenance.
type ContextMetadata struct {
	StreamID      string
	JoinStrategy  JoinStrategy
	CorrelationID string
	TriggeredBy   string // ref of the satisfier; "" for root nodes
	Failure       *FailureMeta
}

// SecretsHandle is the capability surface for reading secrets, present on
// ExecutionContext only when the component declares RequiresSecrets.
type SecretsHandle interface {
	Get(ctx context.Context, key string) (value string, version string, ok bool, err error)
}

// StorageHandle is the capability surface for the object store, present on
// every ExecutionContext.
type StorageHandle interface {
	Upload(ctx context.Context, name string, data []byte, mime string) (ref string, err error)
	Download(ctx context.Context, ref string) (data []byte, mime string, err error)
}

// TraceHandle is the capability surface for emitting trace events.
type TraceHandle interface {
	Record(ctx context.Context, partial TraceEventInput) TraceEvent
}

// LogHandle is the capability surface for structured per-action logging.
type LogHandle interface {
	Log(ctx context.Context, stream LogStream, level Level, message string, metadata map[string]any)
}

// ExecutionContext is the immutable, per-action handle passed to
// component.Execute. It is constructed once per action invocation and never
// mutated afterwards.
type ExecutionContext struct {
	RunID        string
	ComponentRef string // the action's ref
	Metadata     ContextMetadata

	Storage      StorageHandle
	Artifacts    StorageHandle // long-lived component artifacts, distinct from spill payloads
	Secrets      SecretsHandle // nil unless component.RequiresSecrets
	Trace        TraceHandle
	LogCollector LogHandle
}

// Registry holds process-global component registrations.
type Registry struct {
	components map[string]Component
}

// NewRegistry creates an empty component registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]Component)}
}

// Register adds or replaces a component registration.
func (r *Registry) Register(c Component) {
	r.components[c.ID] = c
}

// Lookup returns the component registered under id.
func (r *Registry) Lookup(id string) (Component, bool) {
	c, ok := r.components[id]
	return c, ok
}
