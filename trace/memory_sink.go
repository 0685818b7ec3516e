package trace

import (
	"context"
	"sync"

	"github.com/lyzr/flowengine/model"
)

// MemorySink is an ordered in-process trace store, the default sink for
// tests and the in-memory demo run.
type MemorySink struct {
	mu     sync.Mutex
	events map[string][]model.TraceEvent // runID -> events, append order
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make(map[string][]model.TraceEvent)}
}

func (s *MemorySink) Append(_ context.Context, event model.TraceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.RunID] = append(s.events[event.RunID], event)
}

// ForRun returns a copy of the events recorded for runID, ordered by
// Sequence (append order already matches Sequence for this sink, since
// Sequencer serializes Record; the explicit sort guards callers who query
// mid-run from another goroutine).
func (s *MemorySink) ForRun(runID string) []model.TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TraceEvent, len(s.events[runID]))
	copy(out, s.events[runID])
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Sequence < out[j-1].Sequence; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
