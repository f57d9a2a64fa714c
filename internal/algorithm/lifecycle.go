package algorithm

import (
	apierrors "github.com/devrev/twinengine/internal/errors"
	"github.com/devrev/twinengine/internal/model"
)

// forwardEdges holds the single legal forward successor of each state
var forwardEdges = map[model.LifecycleState]model.LifecycleState{
	model.StateNew:       model.StatePlaced,
	model.StatePlaced:    model.StatePreparing,
	model.StatePreparing: model.StateReady,
	model.StateReady:     model.StateServed,
	model.StateServed:    model.StateCompleted,
}

// IsLegalTransition reports whether from -> to is an edge of the lifecycle graph
func IsLegalTransition(from, to model.LifecycleState) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == model.StateCancelled {
		return true
	}
	next, ok := forwardEdges[from]
	return ok && next == to
}

// ValidateTransition returns an InvalidTransition error for any edge outside
// the lifecycle graph. The error lists the states reachable from from under
// the "allowed" detail.
func ValidateTransition(from, to model.LifecycleState) error {
	if IsLegalTransition(from, to) {
		return nil
	}
	allowed := []string{}
	for _, next := range NextStates(from) {
		allowed = append(allowed, string(next))
	}
	return apierrors.InvalidTransition(string(from), string(to)).WithDetail("allowed", allowed)
}

// NextStates lists the states reachable from the given state
func NextStates(from model.LifecycleState) []model.LifecycleState {
	if !from.Valid() || from.IsTerminal() {
		return nil
	}
	var states []model.LifecycleState
	if next, ok := forwardEdges[from]; ok {
		states = append(states, next)
	}
	return append(states, model.StateCancelled)
}
