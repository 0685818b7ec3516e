// Package trace implements the per-run trace sequencer and the
// concrete sinks a Sequencer can be wired to: an in-memory sink for tests
// and the demo, a Postgres-backed sink for durable trace rows, and a Redis
// pub/sub sink fanning events out to a message bus.
package trace

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/flowengine/model"
)

// Sink receives sequenced trace events. Implementations may deliver
// best-effort and out of order; Sequence remains the authoritative ordering
// key.
type Sink interface {
	Append(ctx context.Context, event model.TraceEvent)
}

// RunMetadata is recorded per run before the first event and cleared when
// the run finalizes.
type RunMetadata struct {
	WorkflowID     string
	OrganizationID string
}

// Sequencer assigns a dense, monotonic per-run sequence number to every
// trace event and dispatches the stamped event to a sink. One Sequencer
// instance is shared across all of a run's concurrent action runners; the
// counter increment and sink dispatch are serialized under a single mutex so
// concurrent `Record` calls never race on sequence assignment.
type Sequencer struct {
	sink Sink

	mu       sync.Mutex
	counters map[string]*int64
	meta     map[string]RunMetadata
}

// NewSequencer creates a Sequencer dispatching to sink.
func NewSequencer(sink Sink) *Sequencer {
	return &Sequencer{
		sink:     sink,
		counters: make(map[string]*int64),
		meta:     make(map[string]RunMetadata),
	}
}

// SetRunMetadata must be called before the first Record for runID; it resets
// the run's sequence counter to zero.
func (s *Sequencer) SetRunMetadata(runID string, meta RunMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero := int64(0)
	s.counters[runID] = &zero
	s.meta[runID] = meta
}

// FinalizeRun clears the counter and metadata for runID. Safe to call more
// than once.
func (s *Sequencer) FinalizeRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, runID)
	delete(s.meta, runID)
}

// Record stamps partial with the next sequence number for its run and
// dispatches it to the sink, returning the stamped event.
func (s *Sequencer) Record(ctx context.Context, runID string, partial model.TraceEventInput) model.TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[runID]
	if !ok {
		zero := int64(0)
		counter = &zero
		s.counters[runID] = counter
	}
	*counter++
	seq := *counter

	event := model.TraceEvent{
		RunID:         runID,
		NodeRef:       partial.NodeRef,
		Type:          partial.Type,
		Timestamp:     time.Now(),
		Level:         partial.Level,
		Message:       partial.Message,
		Data:          partial.Data,
		OutputSummary: partial.OutputSummary,
		Error:         partial.Error,
		Context:       partial.Context,
		Sequence:      seq,
	}

	if s.sink != nil {
		s.sink.Append(ctx, event)
	}
	return event
}

// handleFor adapts a Sequencer bound to one run into a model.TraceHandle, the
// shape the ExecutionContext exposes to components.
type handleFor struct {
	seq   *Sequencer
	runID string
}

// Handle returns a model.TraceHandle that records against runID via s.
func (s *Sequencer) Handle(runID string) model.TraceHandle {
	return &handleFor{seq: s, runID: runID}
}

func (h *handleFor) Record(ctx context.Context, partial model.TraceEventInput) model.TraceEvent {
	return h.seq.Record(ctx, h.runID, partial)
}
