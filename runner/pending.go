package runner

import (
	"fmt"
	"sync"
	"time"
)

// Resolution is the external answer to an awaiting-input sentinel,
// delivered by a harness (or, in the demo, an HTTP handler) via
// PendingRegistry.Resolve.
type Resolution struct {
	Approved     bool
	Rejected     bool
	RespondedBy  string
	ResponseNote string
	RespondedAt  time.Time
	RequestID    string
	ResponseData map[string]any
}

// PendingRegistry tracks actions suspended on an awaiting-input sentinel,
// keyed by (runID, ref). It confines the asynchrony of human-in-the-loop
// approval to a single well-defined seam rather than spreading suspension
// logic through every component.
type PendingRegistry struct {
	mu      sync.Mutex
	waiters map[string]chan Resolution
}

// NewPendingRegistry creates an empty registry.
func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{waiters: make(map[string]chan Resolution)}
}

func key(runID, ref string) string { return runID + "/" + ref }

// Register creates a wait channel for (runID, ref) and returns a requestID
// along with the channel the runner selects on. Registering the same
// (runID, ref) twice replaces the prior waiter; callers are expected to
// register exactly once per suspension.
func (p *PendingRegistry) Register(runID, ref string) (requestID string, ch <-chan Resolution) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := make(chan Resolution, 1)
	p.waiters[key(runID, ref)] = c
	return fmt.Sprintf("%s:%s", runID, ref), c
}

// Resolve delivers a resolution to the waiter for (runID, ref), if one is
// registered. Returns false if no action is currently suspended there
// (already resolved, timed out, or never registered).
func (p *PendingRegistry) Resolve(runID, ref string, res Resolution) bool {
	p.mu.Lock()
	c, ok := p.waiters[key(runID, ref)]
	if ok {
		delete(p.waiters, key(runID, ref))
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	c <- res
	close(c)
	return true
}

// Cancel removes a waiter without delivering a resolution, used when a
// suspended action times out or the run is cancelled.
func (p *PendingRegistry) Cancel(runID, ref string) {
	p.mu.Lock()
	delete(p.waiters, key(runID, ref))
	p.mu.Unlock()
}

// ActiveOutputPorts derives the resolution's routing signal: "approved" or
// "rejected" for a plain approval gate, or one "option:<value>" port per
// selected choice when ResponseData carries a "selected" list.
func (r Resolution) ActiveOutputPorts() []string {
	if selected, ok := r.ResponseData["selected"].([]any); ok {
		ports := make([]string, 0, len(selected))
		for _, v := range selected {
			if s, ok := v.(string); ok {
				ports = append(ports, "option:"+s)
			}
		}
		return ports
	}
	if r.Approved {
		return []string{"approved"}
	}
	return []string{"rejected"}
}

// AsOutput renders the resolution into the output map a resumed action
// completes with: {approved, rejected, respondedBy, responseNote,
// respondedAt, requestId} plus any extra responseData fields.
func (r Resolution) AsOutput() map[string]any {
	out := map[string]any{
		"approved":     r.Approved,
		"rejected":     r.Rejected,
		"respondedBy":  r.RespondedBy,
		"responseNote": r.ResponseNote,
		"respondedAt":  r.RespondedAt.Format(time.RFC3339),
		"requestId":    r.RequestID,
	}
	for k, v := range r.ResponseData {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}
