package logsink

import "github.com/lyzr/flowengine/model"

// Factory builds per-action log collectors against one Sink, the shape the
// runner asks for so it never has to know which sink backs a run.
type Factory struct {
	Sink Sink
}

// ForAction returns a model.LogHandle bound to (runID, nodeRef).
func (f Factory) ForAction(runID, nodeRef string) model.LogHandle {
	return NewCollector(f.Sink, runID, nodeRef)
}
