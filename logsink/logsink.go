// Package logsink implements the structured per-action log sink:
// entries are split on CR/LF for multi-line messages and re-timestamped
// with microsecond drift so lines from one message keep distinct,
// increasing timestamps in a sink that stores microsecond resolution.
package logsink

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lyzr/flowengine/model"
)

// Sink persists structured log entries.
type Sink interface {
	Log(ctx context.Context, entry model.LogEntry)
}

// MemorySink is an in-process log store for tests and the demo.
type MemorySink struct {
	mu      sync.Mutex
	entries map[string][]model.LogEntry
	seq     int64
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{entries: make(map[string][]model.LogEntry)}
}

func (s *MemorySink) Log(_ context.Context, entry model.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	entry.Sequence = s.seq
	s.entries[entry.RunID] = append(s.entries[entry.RunID], entry)
}

func (s *MemorySink) ForRun(runID string) []model.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LogEntry, len(s.entries[runID]))
	copy(out, s.entries[runID])
	return out
}

// Collector adapts a Sink plus a fixed (runID, nodeRef) pair into the
// model.LogHandle capability an ExecutionContext exposes to a component.
// Split handles multi-line messages: each line becomes its own LogEntry,
// timestamped microsecondDrift apart so entries from the same Log call
// still sort in emission order in a store with coarser resolution.
type Collector struct {
	sink    Sink
	runID   string
	nodeRef string
}

// NewCollector builds a model.LogHandle bound to one action's (runID, ref).
func NewCollector(sink Sink, runID, nodeRef string) *Collector {
	return &Collector{sink: sink, runID: runID, nodeRef: nodeRef}
}

const microsecondDrift = time.Microsecond

func (c *Collector) Log(ctx context.Context, stream model.LogStream, level model.Level, message string, metadata map[string]any) {
	if c.sink == nil {
		return
	}
	lines := splitLines(message)
	base := time.Now()
	for i, line := range lines {
		c.sink.Log(ctx, model.LogEntry{
			RunID:     c.runID,
			NodeRef:   c.nodeRef,
			Stream:    stream,
			Level:     level,
			Message:   line,
			Metadata:  metadata,
			Timestamp: base.Add(time.Duration(i) * microsecondDrift),
		})
	}
}

// splitLines splits on CR, LF, or CRLF, dropping a single trailing empty
// segment so a message ending in a newline doesn't emit a blank entry.
func splitLines(message string) []string {
	normalized := strings.ReplaceAll(message, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	lines := strings.Split(normalized, "\n")
	if len(lines) > 1 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		lines = []string{""}
	}
	return lines
}
