// Package types defines the core domain models and contracts for the PULSE
// task execution engine.
//
// This package contains the fundamental data structures used throughout the
// engine, including task items, lifecycle states, creation requests, and the
// repository contract. All types are designed to be serializable to JSON and
// use UUIDs for primary keys.
//
// Key Concepts:
//   - TaskItem: one node in a task tree, leaf or parent
//   - Groups: named concurrency pools with independent parallelism caps
//   - States: queued → executing → exactly one terminal state
//   - Repository: storage contract shared by all backends
//
// Example Usage:
//
//	task := types.NewTaskItem(types.CreateTaskRequest{
//		Type:     "countdown",
//		Priority: 5,
//		Payload:  `{"durationInSeconds":1}`,
//	}, "owner-1", "")
package types

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskState represents the current state of a task in its lifecycle.
//
// State Flow:
//
//	queued → executing → completed
//	queued → cancelled | errored
//	executing → cancelled | errored | terminated
//
// Terminal states are absorbing: once entered, a task never transitions
// again.
type TaskState string

const (
	// TaskStateQueued indicates the task is waiting in the priority queue.
	TaskStateQueued TaskState = "queued"

	// TaskStateExecuting indicates the task has been dispatched and is running.
	TaskStateExecuting TaskState = "executing"

	// TaskStateCompleted indicates the task finished successfully.
	TaskStateCompleted TaskState = "completed"

	// TaskStateCancelled indicates the task was cancelled by an external caller.
	TaskStateCancelled TaskState = "cancelled"

	// TaskStateErrored indicates the executor failed or no executor was registered.
	TaskStateErrored TaskState = "errored"

	// TaskStateTerminated indicates the task was reclaimed by its timeout or
	// by engine shutdown.
	TaskStateTerminated TaskState = "terminated"
)

// IsTerminal reports whether the state is absorbing.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCancelled, TaskStateErrored, TaskStateTerminated:
		return true
	}
	return false
}

// DefaultGroupID is the well-known group tasks fall into when no group is
// requested.
const DefaultGroupID = "default"

// DefaultGroupParallelism is the concurrency cap of the default group.
const DefaultGroupParallelism = 32

// TaskItem represents a single node in a task tree.
//
// A task with no children at dispatch time is a leaf and runs on its
// registered executor. A task with children is a parent: it does no work of
// its own and only orchestrates its children. Parent progress is always
// derived from children and never written by an executor.
type TaskItem struct {
	ID      uuid.UUID `json:"id"`
	OwnerID string    `json:"owner_id"`
	GroupID string    `json:"group_id"`

	Priority int    `json:"priority"`
	Type     string `json:"type"`
	Payload  string `json:"payload,omitempty"` // mutable only while queued
	Output   string `json:"output,omitempty"`  // set by executor, read by parent hooks

	State        TaskState `json:"state"`
	StateDetails string    `json:"state_details,omitempty"`

	Progress        float64 `json:"progress"` // 0..100; derived for parents
	ProgressDetails string  `json:"progress_details,omitempty"`
	ProgressPayload string  `json:"progress_payload,omitempty"`

	ParentTaskID *uuid.UUID `json:"parent_task_id,omitempty"` // nil for roots
	RootTaskID   uuid.UUID  `json:"root_task_id"`             // equals ID for roots; constant for life of task

	Weight             float64 `json:"weight"`              // positive; parent aggregation share
	SubtaskParallelism bool    `json:"subtask_parallelism"` // parent-only semantics
	TrackHistory       bool    `json:"track_history"`       // inherited from root
	AuthToken          string  `json:"-"`                   // opaque; snapshotted from root at creation

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task. Repositories hand out clones so a
// caller can never mutate stored state without going through Put.
func (t *TaskItem) Clone() *TaskItem {
	if t == nil {
		return nil
	}
	cp := *t
	if t.ParentTaskID != nil {
		id := *t.ParentTaskID
		cp.ParentTaskID = &id
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

// IsRoot reports whether the task has no parent.
func (t *TaskItem) IsRoot() bool {
	return t.ParentTaskID == nil
}

// CreateTaskRequest carries the caller-supplied fields for a new task.
// Zero-value Weight defaults to 1, empty GroupID to the default group (or
// the parent's group for subtasks).
type CreateTaskRequest struct {
	ID                 *uuid.UUID `json:"id,omitempty"` // optional pre-assigned id
	Type               string     `json:"type"`
	Priority           int        `json:"priority"`
	Payload            string     `json:"payload,omitempty"`
	GroupID            string     `json:"group_id,omitempty"`
	ParentTaskID       *uuid.UUID `json:"parent_task_id,omitempty"`
	Weight             float64    `json:"weight,omitempty"`
	SubtaskParallelism bool       `json:"subtask_parallelism,omitempty"`
	TrackHistory       bool       `json:"track_history,omitempty"`
}

// CreateHierarchyRequest materializes a whole task tree at once. Only the
// root is enqueued; children are enqueued later by the parent path.
type CreateHierarchyRequest struct {
	ParentTask CreateTaskRequest        `json:"parent_task"`
	ChildTasks []CreateHierarchyRequest `json:"child_tasks,omitempty"`
}

// TaskUpdates represents the fields that may change while a task is queued.
type TaskUpdates struct {
	Priority *int    `json:"priority,omitempty"`
	Payload  *string `json:"payload,omitempty"`
}

// GroupConfig describes a concurrency pool.
type GroupConfig struct {
	ID             string `json:"id" yaml:"id"`
	MaxParallelism int64  `json:"max_parallelism" yaml:"max_parallelism"`
}

// NewTaskItem builds a queued task from a request. Root inheritance
// (RootTaskID, AuthToken, TrackHistory, fallback GroupID) for subtasks is
// the manager's concern; this constructor fills root defaults.
func NewTaskItem(req CreateTaskRequest, ownerID, authToken string) *TaskItem {
	id := uuid.New()
	if req.ID != nil && *req.ID != uuid.Nil {
		id = *req.ID
	}
	weight := req.Weight
	if weight <= 0 {
		weight = 1
	}
	groupID := req.GroupID
	if groupID == "" {
		groupID = DefaultGroupID
	}
	now := time.Now()
	return &TaskItem{
		ID:                 id,
		GroupID:            groupID,
		Priority:           req.Priority,
		Type:               req.Type,
		Payload:            req.Payload,
		State:              TaskStateQueued,
		ParentTaskID:       req.ParentTaskID,
		RootTaskID:         id, // overwritten for subtasks by the manager
		Weight:             weight,
		SubtaskParallelism: req.SubtaskParallelism,
		TrackHistory:       req.TrackHistory,
		OwnerID:            ownerID,
		AuthToken:          authToken,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Repository defines the storage contract for task items.
//
// This interface provides a complete abstraction layer for data storage
// operations, allowing different backends (in-memory, SQLite, ...) to be
// used interchangeably. All operations accept context.Context for
// cancellation and timeout control.
//
// Implementations must be safe under many concurrent readers and writers.
// Put is last-writer-wins per task ID; the dispatcher guarantees a single
// owning worker performs read-modify-write on a task during execution.
type Repository interface {
	// Get retrieves a task by its ID. Returns a NotFound error if absent.
	Get(ctx context.Context, id uuid.UUID) (*TaskItem, error)

	// Put inserts or replaces a task. Last writer wins.
	Put(ctx context.Context, task *TaskItem) error

	// Delete removes a single task by ID.
	Delete(ctx context.Context, id uuid.UUID) error

	// GetByOwner returns all tasks of an owner, newest first.
	GetByOwner(ctx context.Context, ownerID string) ([]*TaskItem, error)

	// GetChildren returns the immediate children of a parent, oldest first.
	GetChildren(ctx context.Context, parentID uuid.UUID) ([]*TaskItem, error)

	// GetDescendants returns every task below root in BFS order, root excluded.
	GetDescendants(ctx context.Context, rootID uuid.UUID) ([]*TaskItem, error)

	// ChildCount returns the number of immediate children of a parent.
	ChildCount(ctx context.Context, parentID uuid.UUID) (int, error)

	// AddBatch inserts all tasks atomically: either every task is stored or
	// none is.
	AddBatch(ctx context.Context, tasks []*TaskItem) error

	// DeleteSubtree removes the task and all its descendants, leaves first.
	DeleteSubtree(ctx context.Context, rootID uuid.UUID) error

	// Close releases backend resources.
	Close() error
}
