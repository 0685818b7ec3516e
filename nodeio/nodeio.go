// Package nodeio implements the node-I/O start/completion sink: two
// event kinds recording the literal inputs and outputs an action ran with,
// independent of the lighter-weight trace event stream. Secret masking and
// size-based spill/truncation happen here, not in the trace package, since
// node-I/O payloads carry the full input/output maps while trace events
// carry only summaries.
package nodeio

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/lyzr/flowengine/model"
)

const (
	// spillThreshold mirrors the scheduler's default spill threshold (100
	// KiB); payloads larger than this are replaced with a reference rather
	// than stored inline in the node-I/O event.
	spillThreshold = 100 * 1024
	// truncateThreshold is the last-resort ceiling (~900 KiB) beyond which
	// even a spill reference is dropped in favor of a bare size marker.
	truncateThreshold = 900 * 1024
)

// StartEvent is the NODE_IO_START record for one action invocation.
type StartEvent struct {
	RunID       string
	NodeRef     string
	WorkflowID  string
	ComponentID string
	Inputs      map[string]any
}

// CompletionEvent is the NODE_IO_COMPLETION record for one action invocation.
type CompletionEvent struct {
	RunID        string
	NodeRef      string
	Outputs      map[string]any
	Status       model.ActionStatus
	ErrorMessage string
}

// Sink persists node-I/O events. Implementations are expected to be
// best-effort, matching the trace sink's delivery model.
type Sink interface {
	Start(ctx context.Context, event StartEvent)
	Completion(ctx context.Context, event CompletionEvent)
}

// Spiller uploads oversized payloads out of line, the same StorageHandle
// capability components use for their own artifacts.
type Spiller interface {
	Upload(ctx context.Context, name string, data []byte, mime string) (ref string, err error)
}

// MemorySink is an in-process node-I/O store for tests and the demo.
type MemorySink struct {
	mu    sync.Mutex
	spill Spiller

	starts      map[string][]StartEvent
	completions map[string][]CompletionEvent
}

// NewMemorySink creates a MemorySink. spill may be nil, in which case
// oversized payloads are replaced inline with a {_spilled: true, size}
// marker instead of being uploaded.
func NewMemorySink(spill Spiller) *MemorySink {
	return &MemorySink{
		spill:       spill,
		starts:      make(map[string][]StartEvent),
		completions: make(map[string][]CompletionEvent),
	}
}

func (s *MemorySink) Start(ctx context.Context, event StartEvent) {
	event.Inputs = shrink(ctx, s.spill, event.Inputs)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts[event.RunID] = append(s.starts[event.RunID], event)
}

func (s *MemorySink) Completion(ctx context.Context, event CompletionEvent) {
	event.Outputs = shrink(ctx, s.spill, event.Outputs)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions[event.RunID] = append(s.completions[event.RunID], event)
}

func (s *MemorySink) StartsFor(runID string) []StartEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StartEvent, len(s.starts[runID]))
	copy(out, s.starts[runID])
	return out
}

func (s *MemorySink) CompletionsFor(runID string) []CompletionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CompletionEvent, len(s.completions[runID]))
	copy(out, s.completions[runID])
	return out
}

// MaskSecrets replaces every port in payload whose declared connection type
// is secret (or a credential contract) with the literal "***". Ports absent
// from schema are left untouched; masking only ever narrows what a
// declared-secret port reveals, it is not a blanket redaction pass.
func MaskSecrets(payload map[string]any, schema model.Schema) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if port, ok := schema.Lookup(k); ok && port.ConnectionType.IsSecret() {
			out[k] = "***"
			continue
		}
		out[k] = v
	}
	return out
}

// shrink spills payload out of line when its serialized size exceeds
// spillThreshold, replacing it with {_spilled_reference: <id>} (or
// {_spilled: true, size} when no Spiller is configured), and falls back to
// {_truncated: true, _originalSize} past truncateThreshold as a last resort.
func shrink(ctx context.Context, spill Spiller, payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil || len(raw) <= spillThreshold {
		return payload
	}
	if len(raw) > truncateThreshold {
		return map[string]any{"_truncated": true, "_originalSize": len(raw)}
	}
	if spill == nil {
		return map[string]any{"_spilled": true, "size": len(raw)}
	}
	ref, err := spill.Upload(ctx, "node-io-payload", raw, "application/json")
	if err != nil {
		return map[string]any{"_spilled": true, "size": len(raw)}
	}
	return map[string]any{"_spilled_reference": ref}
}
