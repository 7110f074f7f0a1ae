// Package manager provides the task service: creation, cancellation,
// deletion, subtask addition and queued-payload updates.
//
// This package implements the domain logic that sits between a transport
// layer and the repository. It validates requests, enforces lifecycle
// rules, feeds the priority queue, and publishes lifecycle events.
//
// Key Features:
//   - Single-task and whole-hierarchy creation with root inheritance
//   - Cancellation of queued and executing tasks, with subtree cascade
//   - Dynamic subtask addition while a parent is executing
//   - Deletion with automatic cancellation of live tasks
package manager

import (
	"context"

	"github.com/google/uuid"

	"github.com/denkhaus/pulse/internal/types"
)

// TaskManager defines the public interface of the task service.
//
// All operations validate ownership where an owner argument is present and
// surface typed errors from the errors package. Implementations must be
// safe for concurrent use.
type TaskManager interface {
	// Create inserts a queued task and enqueues it. A request with a parent
	// inherits root id, auth token, history tracking and (when unset) the
	// group from the parent.
	Create(ctx context.Context, owner string, req types.CreateTaskRequest, authToken string) (*types.TaskItem, error)

	// CreateHierarchy materializes a whole task tree atomically and enqueues
	// only the root. Returns the root task.
	CreateHierarchy(ctx context.Context, owner string, tree types.CreateHierarchyRequest, authToken string) (*types.TaskItem, error)

	// Get returns a task, or a Forbidden error when the owner does not match.
	Get(ctx context.Context, id uuid.UUID, owner string) (*types.TaskItem, error)

	// ListOwnerTasks returns all tasks of an owner, newest first.
	ListOwnerTasks(ctx context.Context, owner string) ([]*types.TaskItem, error)

	// Update changes priority and/or payload of a queued task.
	Update(ctx context.Context, id uuid.UUID, owner string, updates types.TaskUpdates) (*types.TaskItem, error)

	// Cancel cancels a queued or executing task.
	Cancel(ctx context.Context, id uuid.UUID, owner string) (*types.TaskItem, error)

	// CancelSubtree cancels descendants leaves-first, then the task itself.
	CancelSubtree(ctx context.Context, id uuid.UUID, owner string) (*types.TaskItem, error)

	// Delete removes a task, cancelling it first when still live.
	Delete(ctx context.Context, id uuid.UUID, owner string) error

	// DeleteSubtree cancels and removes the task with all descendants.
	DeleteSubtree(ctx context.Context, id uuid.UUID, owner string) error

	// AddSubtask appends a child to an executing parent and enqueues it.
	AddSubtask(ctx context.Context, parentID uuid.UUID, req types.CreateTaskRequest) (*types.TaskItem, error)

	// AddSubtasks appends several children, returned in input order.
	AddSubtasks(ctx context.Context, parentID uuid.UUID, reqs []types.CreateTaskRequest) ([]*types.TaskItem, error)

	// SetOutput writes the executor output of a task.
	SetOutput(ctx context.Context, id uuid.UUID, output string) error

	// UpdateQueuedPayload replaces the payload of a queued task.
	UpdateQueuedPayload(ctx context.Context, id uuid.UUID, payload string) error
}

// CancelSignaler fires the cancellation token of an executing task. The
// dispatcher implements it; the manager uses it so an external cancel
// reaches a running executor.
type CancelSignaler interface {
	// SignalCancel trips the cancel signal registered for the task id.
	// Returns false when no signal is registered (task not executing).
	SignalCancel(id uuid.UUID) bool
}

// TaskEnqueuer feeds dispatchable tasks into the priority queue.
type TaskEnqueuer interface {
	Enqueue(taskID uuid.UUID, groupID string, priority int)
	TryCancel(taskID uuid.UUID) bool
}
