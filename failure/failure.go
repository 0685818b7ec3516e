// Package failure implements the failure/edge-routing policy as a pair of
// pure functions: EdgeFanout converts one action's terminal
// outcome into a per-edge decision, and JoinReady evaluates a fan-in node's
// join predicate over the decisions accumulated against it so far. Neither
// function touches scheduler state directly: the scheduler owns
// accumulation and mutation; this package only computes.
package failure

import "github.com/lyzr/flowengine/model"

// EdgeOutcome is the terminal disposition of one outgoing edge once its
// source action reaches a terminal status.
type EdgeOutcome string

const (
	// Satisfied: the edge fired and its target should count this as a
	// fulfilled dependency.
	Satisfied EdgeOutcome = "satisfied"
	// Failed: the edge's source failed and this edge (a success edge) does
	// not fire; distinguished from Cancelled so a join can tell "parent
	// failed with no error edge absorbing it" apart from "parent succeeded
	// but took a different branch".
	Failed EdgeOutcome = "failed"
	// Cancelled: the edge does not fire because the source took a
	// different branch (inactive success edge, error edge on a successful
	// completion, or any edge out of a skipped node).
	Cancelled EdgeOutcome = "cancelled"
)

// EdgeDecision is one outgoing edge's outcome, produced by EdgeFanout.
type EdgeDecision struct {
	Edge    model.Edge
	Outcome EdgeOutcome
	Failure *model.FailureMeta // set only when Outcome == Satisfied via an error edge
}

// EdgeFanout computes the outcome of every edge leaving parentRef given its
// terminal ActionOutcome.
//
//   - completed: success edges whose SourceHandle is empty/"__self__", or
//     present in outcome.ActiveOutputPorts (when the component declared a
//     subset), are Satisfied; all other success edges and every error edge
//     are Cancelled.
//   - failed: every error edge is Satisfied, carrying failure metadata
//     {At: parentRef, Reason}; every success edge is Failed.
//   - skipped: every outgoing edge, of either kind, is Cancelled.
func EdgeFanout(parentRef string, outcome model.ActionOutcome, outgoing []model.Edge) []EdgeDecision {
	decisions := make([]EdgeDecision, 0, len(outgoing))

	switch outcome.Status {
	case model.StatusCompleted:
		for _, edge := range outgoing {
			if edge.Kind == model.EdgeSuccess && isActiveSuccessEdge(edge, outcome.ActiveOutputPorts) {
				decisions = append(decisions, EdgeDecision{Edge: edge, Outcome: Satisfied})
			} else {
				decisions = append(decisions, EdgeDecision{Edge: edge, Outcome: Cancelled})
			}
		}
	case model.StatusFailed:
		reason := model.ErrorReasonFromError(outcome.Err)
		for _, edge := range outgoing {
			if edge.Kind == model.EdgeError {
				decisions = append(decisions, EdgeDecision{
					Edge:    edge,
					Outcome: Satisfied,
					Failure: &model.FailureMeta{At: parentRef, Reason: reason},
				})
			} else {
				decisions = append(decisions, EdgeDecision{Edge: edge, Outcome: Failed})
			}
		}
	default: // StatusSkipped
		for _, edge := range outgoing {
			decisions = append(decisions, EdgeDecision{Edge: edge, Outcome: Cancelled})
		}
	}

	return decisions
}

// isActiveSuccessEdge reports whether edge (already known to be a success
// edge) fires given the component's declared activeOutputPorts subset (nil
// means "all success edges fire").
func isActiveSuccessEdge(edge model.Edge, active []string) bool {
	if edge.SourceHandle == "" || edge.SourceHandle == model.SelfHandle {
		return true
	}
	if active == nil {
		return true
	}
	for _, port := range active {
		if port == edge.SourceHandle {
			return true
		}
	}
	return false
}

// ParentSettlement is one parent's collapsed verdict against a child. A
// parent may feed the same child through several edges (e.g. a success and
// an error edge); join counting must see one settlement per distinct
// parent, not one per edge, or a double-edged parent alone could exhaust a
// child's indegree while another parent is still running.
type ParentSettlement struct {
	ParentRef string
	Outcome   EdgeOutcome
	ErrorEdge bool               // the winning verdict arrived via an error edge
	Failure   *model.FailureMeta // set only when Outcome == Satisfied via an error edge
}

// SettleParent collapses every EdgeDecision one parent produced for one
// child into a single verdict: Satisfied wins over Failed wins over
// Cancelled, so a parent whose error edge fired still satisfies the child
// even though its success edge reads Failed.
func SettleParent(parentRef string, decisions []EdgeDecision) ParentSettlement {
	s := ParentSettlement{ParentRef: parentRef, Outcome: Cancelled}
	for _, d := range decisions {
		switch d.Outcome {
		case Satisfied:
			if s.Outcome != Satisfied {
				s.Outcome = Satisfied
				s.ErrorEdge = d.Edge.Kind == model.EdgeError
				s.Failure = d.Failure
			}
		case Failed:
			if s.Outcome == Cancelled {
				s.Outcome = Failed
			}
		}
	}
	return s
}

// JoinResult is the evaluated state of a fan-in node's join predicate.
type JoinResult struct {
	Ready       bool
	Skipped     bool
	TriggeredBy string             // ref of the satisfier that made the node ready; "" for join=all or not-yet-ready
	Failure     *model.FailureMeta // propagated failure metadata, if the satisfier arrived via an error edge
}

// JoinReady evaluates child's join predicate over the ParentSettlements
// accumulated against it so far (in arrival order, the order the
// scheduler observed each parent settle). It is pure: calling it twice with
// an identical (strategy, indegree, settlements) triple returns an
// identical JoinResult. Callers (the scheduler) must not
// re-invoke it once a prior call returned Ready or Skipped: "first
// satisfier wins" and "a skipped child cannot be revived" are both
// guaranteed only by the caller respecting that terminal result, not by
// this function's internal state (it holds none).
func JoinReady(strategy model.JoinStrategy, indegree int, settlements []ParentSettlement) JoinResult {
	switch strategy {
	case model.JoinAny, model.JoinFirst:
		return joinAnyReady(indegree, settlements)
	default:
		return joinAllReady(indegree, settlements)
	}
}

func joinAllReady(indegree int, settlements []ParentSettlement) JoinResult {
	if len(settlements) < indegree {
		return JoinResult{}
	}

	satisfied, failed := 0, 0
	errorEdgeSatisfied := false
	var firstSatisfiedFailure *model.FailureMeta
	for _, s := range settlements {
		switch s.Outcome {
		case Satisfied:
			if satisfied == 0 {
				firstSatisfiedFailure = s.Failure
			}
			satisfied++
			if s.ErrorEdge {
				errorEdgeSatisfied = true
			}
		case Failed:
			failed++
		}
	}

	if satisfied == 0 {
		return JoinResult{Skipped: true}
	}
	// A failed required parent skips the child unless an error-edge path
	// absorbed that failure into a satisfied entry.
	if failed > 0 && !errorEdgeSatisfied {
		return JoinResult{Skipped: true}
	}
	// join=all has no single triggering satisfier; surface failure metadata
	// when a satisfier arrived via an error edge.
	return JoinResult{Ready: true, Failure: firstSatisfiedFailure}
}

func joinAnyReady(indegree int, settlements []ParentSettlement) JoinResult {
	for _, s := range settlements {
		if s.Outcome == Satisfied {
			return JoinResult{Ready: true, TriggeredBy: s.ParentRef, Failure: s.Failure}
		}
	}
	if len(settlements) >= indegree {
		return JoinResult{Skipped: true}
	}
	return JoinResult{}
}
