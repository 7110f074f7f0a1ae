// Package executor defines the pluggable work contract of the engine and
// the registry that maps task types to implementations.
//
// An Executor runs leaf work. Parent-orchestration hooks are optional
// capabilities: an executor opts in by implementing the corresponding
// interface, which the dispatcher probes with a type assertion.
package executor

import (
	"context"

	"github.com/denkhaus/pulse/internal/types"
)

// ProgressSink receives progress reports from a running executor. The sink
// must tolerate rapid calls from Execute; reports are forwarded to the
// store, the event stream and the aggregator.
type ProgressSink interface {
	// Report records execution progress. percentage is clamped to [0,100];
	// details and payload are opaque annotations attached to the event.
	Report(percentage float64, details, payload string)
}

// Executor runs the work of a leaf task.
//
// Execute must observe ctx: when it is cancelled the executor should return
// ctx.Err() (or any error wrapping it) promptly. A nil return maps to
// Completed, a context cancellation to Cancelled or Terminated depending on
// the cause, and any other error to Errored.
type Executor interface {
	// TaskType is the registry key this executor serves.
	TaskType() string

	// Execute runs the task. The task value is a snapshot; mutations are not
	// persisted except through the sink.
	Execute(ctx context.Context, task *types.TaskItem, sink ProgressSink) error
}

// SubtaskChange describes a child transition delivered to parent hooks.
type SubtaskChange struct {
	NewState types.TaskState
	Details  string
}

// SubtaskProgress describes a child progress report delivered to parent
// hooks.
type SubtaskProgress struct {
	Percentage float64
	Details    string
	Payload    string
}

// SubtaskProgressHook is implemented by executors that want synchronous
// notification of child progress while backing a parent task.
type SubtaskProgressHook interface {
	OnSubtaskProgress(parent, child *types.TaskItem, update SubtaskProgress)
}

// SubtaskStateChangeHook is implemented by executors that want synchronous
// notification of child state changes. The dispatcher fires it on terminal
// transitions only.
type SubtaskStateChangeHook interface {
	OnSubtaskStateChange(parent, child *types.TaskItem, change SubtaskChange)
}

// SubtaskTerminalHook is implemented by executors that react to a child
// entering a terminal state. Returned requests are appended to the parent as
// new subtasks; return nil to add none.
type SubtaskTerminalHook interface {
	OnSubtaskTerminal(parent, child *types.TaskItem, change SubtaskChange) []types.CreateTaskRequest
}

// AllSubtasksSuccessHook is implemented by executors that run once after
// every child of a parent reached Completed.
type AllSubtasksSuccessHook interface {
	OnAllSubtasksSuccess(parent *types.TaskItem, children []*types.TaskItem)
}
