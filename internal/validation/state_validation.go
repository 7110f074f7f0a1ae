package validation

import (
	"fmt"

	"github.com/denkhaus/pulse/internal/types"
)

// StateTransition represents a state transition
type StateTransition struct {
	From types.TaskState
	To   types.TaskState
}

// StateValidator handles task state validation and transitions
type StateValidator struct {
	allowedTransitions map[StateTransition]bool
}

// NewStateValidator creates a new state validator with the engine's
// transition matrix
func NewStateValidator() *StateValidator {
	validator := &StateValidator{
		allowedTransitions: make(map[StateTransition]bool),
	}
	validator.defineAllowedTransitions()
	return validator
}

// defineAllowedTransitions sets up the allowed state transition matrix.
// Terminal states are absorbing: no transitions out of them, ever.
func (sv *StateValidator) defineAllowedTransitions() {
	transitions := []StateTransition{
		// From queued
		{types.TaskStateQueued, types.TaskStateExecuting},
		{types.TaskStateQueued, types.TaskStateCancelled},
		{types.TaskStateQueued, types.TaskStateErrored}, // unknown executor at dispatch

		// From executing
		{types.TaskStateExecuting, types.TaskStateCompleted},
		{types.TaskStateExecuting, types.TaskStateCancelled},
		{types.TaskStateExecuting, types.TaskStateErrored},
		{types.TaskStateExecuting, types.TaskStateTerminated},
	}

	for _, t := range transitions {
		sv.allowedTransitions[t] = true
	}
}

// ValidateTransition checks whether moving from one state to another is
// permitted. Staying in the same state is always allowed.
func (sv *StateValidator) ValidateTransition(from, to types.TaskState) error {
	if from == to {
		return nil
	}
	if from.IsTerminal() {
		return fmt.Errorf("state '%s' is terminal, no transition to '%s' allowed", from, to)
	}
	if !sv.allowedTransitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("invalid state transition from '%s' to '%s'", from, to)
	}
	return nil
}

// IsValidTransition reports whether a transition is allowed without
// constructing an error.
func (sv *StateValidator) IsValidTransition(from, to types.TaskState) bool {
	return sv.ValidateTransition(from, to) == nil
}
