package topology

import (
	"github.com/orchestrated/orchestrator/internal/event"
	"github.com/orchestrated/orchestrator/pkg/sagaerrors"
)

// ActionKind tags what a routing decision does to the saga.
type ActionKind string

const (
	// ActionAdvance forwards the saga to the next stage.
	ActionAdvance ActionKind = "ADVANCE"
	// ActionComplete routes the saga to the success terminal.
	ActionComplete ActionKind = "COMPLETE"
	// ActionCompensate asks the preceding stage to undo its work.
	ActionCompensate ActionKind = "COMPENSATE"
	// ActionFinishFail routes the saga to the failure terminal.
	ActionFinishFail ActionKind = "FINISH_FAIL"
)

// Action is the routing decision for one (source, status) pair. Routing is
// a pure function of the pair against the topology; payload content never
// participates.
type Action struct {
	Kind        ActionKind
	Destination string
	// Target is the stage being advanced to or compensated; empty for
	// terminal actions.
	Target string
	// Status the controller stamps on the outbound event.
	Status event.Status
}

// Route resolves the (source, status) pair reported by a stage.
//
// SUCCESS walks forward: next stage, or the success terminal after the last
// stage. FAIL starts compensation at the preceding stage, or goes straight
// to the failure terminal when the first stage failed (nothing to undo).
// ROLLBACK_PENDING continues the backward walk after a stage finished
// compensating.
func (t *Topology) Route(source string, status event.Status) (Action, error) {
	if !status.Valid() {
		return Action{}, sagaerrors.Newf(sagaerrors.CodeUnknownStatus, "status %q is not a saga status", status)
	}
	if source == event.SourceOrchestrator {
		return Action{}, sagaerrors.Newf(sagaerrors.CodeNoRoute, "no topology entry for (%s, %s)", source, status)
	}
	stage, ok := t.StageByName(source)
	if !ok {
		return Action{}, sagaerrors.Newf(sagaerrors.CodeUnknownSource, "source %q is not a known stage", source)
	}

	switch status {
	case event.StatusSuccess:
		if next, ok := t.Next(stage.Name); ok {
			return Action{
				Kind:        ActionAdvance,
				Destination: next.SuccessTopic,
				Target:      next.Name,
				Status:      event.StatusPending,
			}, nil
		}
		return Action{
			Kind:        ActionComplete,
			Destination: t.finishSuccess,
			Status:      event.StatusSuccess,
		}, nil

	case event.StatusFail, event.StatusRollbackPending:
		if prev, ok := t.Previous(stage.Name); ok {
			return Action{
				Kind:        ActionCompensate,
				Destination: prev.FailTopic,
				Target:      prev.Name,
				Status:      event.StatusRollbackPending,
			}, nil
		}
		return Action{
			Kind:        ActionFinishFail,
			Destination: t.finishFail,
			Status:      event.StatusFail,
		}, nil

	default:
		// A stage never reports PENDING; that status belongs to the
		// controller's own forward dispatches.
		return Action{}, sagaerrors.Newf(sagaerrors.CodeNoRoute, "no topology entry for (%s, %s)", source, status)
	}
}

// RouteEntry is one row of the enumerated transition table.
type RouteEntry struct {
	Source string
	Status event.Status
	Action Action
}

// Routes enumerates every reachable (source, status) transition. Useful for
// exhaustive tests and for dumping the table at startup.
func (t *Topology) Routes() []RouteEntry {
	var entries []RouteEntry
	for _, stage := range t.stages {
		for _, status := range []event.Status{event.StatusSuccess, event.StatusFail, event.StatusRollbackPending} {
			action, err := t.Route(stage.Name, status)
			if err != nil {
				continue
			}
			entries = append(entries, RouteEntry{Source: stage.Name, Status: status, Action: action})
		}
	}
	return entries
}
