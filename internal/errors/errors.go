// Package errors defines the typed error surface of the task engine.
//
// Every service-level failure maps to one of a small set of kinds so
// transport layers can translate them without string matching. Errors carry
// the failing operation and an optional cause; use errors.Is with the
// exported sentinels to classify.
package errors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel kinds. Engine errors unwrap to exactly one of these.
var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrExecutorFailure = errors.New("executor failure")
)

// EngineError wraps a sentinel kind with the operation and an optional cause.
type EngineError struct {
	Operation string
	Kind      error
	Cause     error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Kind)
}

func (e *EngineError) Unwrap() error {
	return e.Kind
}

// Common constructors

// TaskNotFoundError reports a lookup for a task id that is not stored.
func TaskNotFoundError(taskID uuid.UUID) *EngineError {
	return &EngineError{
		Operation: "finding task",
		Kind:      ErrNotFound,
		Cause:     fmt.Errorf("task not found: %s", taskID),
	}
}

// OwnerMismatchError reports an access attempt by a principal that does not
// own the task.
func OwnerMismatchError(taskID uuid.UUID, owner string) *EngineError {
	return &EngineError{
		Operation: "authorizing task access",
		Kind:      ErrForbidden,
		Cause:     fmt.Errorf("task %s is not owned by %q", taskID, owner),
	}
}

// InvalidStateError reports an operation attempted against a task whose
// current state does not permit it.
func InvalidStateError(op string, taskID uuid.UUID, state string) *EngineError {
	return &EngineError{
		Operation: op,
		Kind:      ErrInvalidState,
		Cause:     fmt.Errorf("task %s is %s", taskID, state),
	}
}

// InvalidRequestError reports a malformed creation or update request.
func InvalidRequestError(op string, cause error) *EngineError {
	return &EngineError{
		Operation: op,
		Kind:      ErrInvalidRequest,
		Cause:     cause,
	}
}

// UnknownExecutorError reports a dispatched task whose type has no
// registered executor. The dispatcher turns this into an errored terminal
// state rather than surfacing it to a caller.
func UnknownExecutorError(taskType string) *EngineError {
	return &EngineError{
		Operation: "resolving executor",
		Kind:      ErrInvalidRequest,
		Cause:     fmt.Errorf("no executor for type %s", taskType),
	}
}

// ExecutorFailureError wraps an error returned by Execute.
func ExecutorFailureError(taskID uuid.UUID, cause error) *EngineError {
	return &EngineError{
		Operation: fmt.Sprintf("executing task %s", taskID),
		Kind:      ErrExecutorFailure,
		Cause:     cause,
	}
}

// IsNotFound reports whether err classifies as a missing resource.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsForbidden reports whether err classifies as an ownership violation.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsInvalidState reports whether err classifies as a state precondition
// failure.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsInvalidRequest reports whether err classifies as a malformed request.
func IsInvalidRequest(err error) bool { return errors.Is(err, ErrInvalidRequest) }
