package dispatcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/denkhaus/pulse/internal/executor"
	"github.com/denkhaus/pulse/internal/types"
)

// runParent orchestrates the children of a parent task. The parent does no
// work of its own: it releases the group slot up front, enqueues children
// in parallel or one by one, fires the executor hooks on terminal child
// transitions and derives its own outcome from theirs.
func (d *Dispatcher) runParent(ctx context.Context, task *types.TaskItem, releaseGate func()) {
	// Holding the gate while waiting for children would deadlock any
	// subtree whose children share the parent's group.
	releaseGate()

	taskCtx, cleanup, claimed := d.taskContext(ctx, task.ID)
	if !claimed {
		return
	}
	defer cleanup()

	task, ok := d.startExecuting(ctx, task.ID)
	if !ok {
		return
	}

	// The parent type may have no executor at all; hooks are optional.
	var hooks executor.Executor
	if exec, err := d.registry.Lookup(task.Type); err == nil {
		hooks = exec
	}

	watch := &childWatch{
		processed:   make(map[uuid.UUID]bool),
		compensated: make(map[uuid.UUID]bool),
	}

	children, err := d.repo.GetChildren(ctx, task.ID)
	if err != nil {
		d.logger.Warn("parent orchestration aborted, children unavailable",
			zap.String("task_id", task.ID.String()), zap.Error(err))
		d.finishTask(ctx, task.ID, types.TaskStateErrored, "failed to load children", nil)
		return
	}

	if task.SubtaskParallelism {
		for _, child := range children {
			if child.State == types.TaskStateQueued {
				d.queue.Enqueue(child.ID, child.GroupID, child.Priority)
			}
		}
	} else {
		d.runSequential(taskCtx, task, children, hooks, watch)
	}

	if !d.watchChildren(taskCtx, task, hooks, watch) {
		cause := context.Cause(taskCtx)
		if stderrors.Is(cause, errExternalCancel) {
			// Cancel path already wrote Cancelled; descendants are the
			// subtree cancel's concern.
			d.metrics.Finished(string(types.TaskStateCancelled))
			return
		}
		d.finishTask(ctx, task.ID, types.TaskStateTerminated, DetailsTimedOut, nil)
		return
	}

	d.finishParent(ctx, task.ID, hooks, watch)
}

// childWatch carries the per-run hook bookkeeping: which children had their
// terminal hooks fired, and which failed children the hook compensated with
// replacement subtasks.
type childWatch struct {
	processed   map[uuid.UUID]bool
	compensated map[uuid.UUID]bool
}

// finishParent computes the parent outcome from its final child set. A
// failed child whose terminal hook produced replacement subtasks does not
// count against the parent; the replacements do.
func (d *Dispatcher) finishParent(ctx context.Context, parentID uuid.UUID, hooks executor.Executor, watch *childWatch) {
	parent, err := d.repo.Get(ctx, parentID)
	if err != nil {
		return
	}
	children, err := d.repo.GetChildren(ctx, parentID)
	if err != nil {
		d.finishTask(ctx, parentID, types.TaskStateErrored, "failed to load children", nil)
		return
	}

	failed := 0
	allCompleted := true
	for _, child := range children {
		if child.State == types.TaskStateCompleted {
			continue
		}
		allCompleted = false
		if !watch.compensated[child.ID] {
			failed++
		}
	}

	if failed > 0 {
		d.finishTask(ctx, parentID, types.TaskStateErrored,
			fmt.Sprintf("%d child task(s) did not complete successfully", failed), nil)
		return
	}

	if allCompleted {
		if hook, ok := hooks.(executor.AllSubtasksSuccessHook); ok {
			hook.OnAllSubtasksSuccess(parent, children)
		}
	}
	progress := 100.0
	d.finishTask(ctx, parentID, types.TaskStateCompleted, "", &progress)
}

// runSequential enqueues children one at a time, firing terminal hooks
// between siblings. Hook-returned subtasks slot in before the remaining
// siblings; the terminal hook may also rewrite the next sibling's payload
// while it is still queued.
func (d *Dispatcher) runSequential(ctx context.Context, parent *types.TaskItem, children []*types.TaskItem, hooks executor.Executor, watch *childWatch) {
	pending := make([]uuid.UUID, 0, len(children))
	for _, child := range children {
		pending = append(pending, child.ID)
	}

	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]

		child, err := d.repo.Get(ctx, id)
		if err != nil {
			continue
		}
		if child.State == types.TaskStateQueued {
			d.queue.Enqueue(child.ID, child.GroupID, child.Priority)
		}

		child, ok := d.awaitTerminal(ctx, id)
		if !ok {
			return
		}

		added := d.processTerminalChild(ctx, parent.ID, child, hooks, watch)
		if len(added) > 0 {
			pending = append(added, pending...)
		}
	}
}

// awaitTerminal polls a child until it reaches a terminal state.
func (d *Dispatcher) awaitTerminal(ctx context.Context, id uuid.UUID) (*types.TaskItem, bool) {
	ticker := time.NewTicker(d.config.QueuePollInterval)
	defer ticker.Stop()

	for {
		child, err := d.repo.Get(ctx, id)
		if err != nil {
			return nil, false
		}
		if child.State.IsTerminal() {
			return child, true
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

// watchChildren polls the current child set, fires hooks for newly terminal
// children and returns once every child is terminal. Returns false when the
// parent's cancel signal trips first.
func (d *Dispatcher) watchChildren(ctx context.Context, parent *types.TaskItem, hooks executor.Executor, watch *childWatch) bool {
	ticker := time.NewTicker(d.config.QueuePollInterval)
	defer ticker.Stop()

	for {
		children, err := d.repo.GetChildren(ctx, parent.ID)
		if err == nil {
			allTerminal := true
			added := false
			for _, child := range children {
				if !child.State.IsTerminal() {
					allTerminal = false
					continue
				}
				if len(d.processTerminalChild(ctx, parent.ID, child, hooks, watch)) > 0 {
					added = true
				}
			}
			if allTerminal && !added {
				return true
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// processTerminalChild fires the state-change and terminal hooks exactly
// once per child and appends any hook-returned subtasks to the parent.
// Returns the ids of added subtasks.
func (d *Dispatcher) processTerminalChild(ctx context.Context, parentID uuid.UUID, child *types.TaskItem, hooks executor.Executor, watch *childWatch) []uuid.UUID {
	if watch.processed[child.ID] {
		return nil
	}
	watch.processed[child.ID] = true

	if hooks == nil {
		return nil
	}

	parent, err := d.repo.Get(ctx, parentID)
	if err != nil {
		return nil
	}

	change := executor.SubtaskChange{NewState: child.State, Details: child.StateDetails}
	if hook, ok := hooks.(executor.SubtaskStateChangeHook); ok {
		hook.OnSubtaskStateChange(parent, child, change)
	}

	terminalHook, ok := hooks.(executor.SubtaskTerminalHook)
	if !ok {
		return nil
	}
	reqs := terminalHook.OnSubtaskTerminal(parent, child, change)
	if len(reqs) == 0 || d.subtasks == nil {
		return nil
	}

	addedTasks, err := d.subtasks.AddSubtasks(ctx, parentID, reqs)
	if err != nil {
		d.logger.Warn("dynamic subtask addition failed",
			zap.String("parent_id", parentID.String()), zap.Error(err))
		return nil
	}
	if child.State != types.TaskStateCompleted {
		// The hook replaced a failed child; the replacements carry its
		// share of the parent outcome.
		watch.compensated[child.ID] = true
	}
	ids := make([]uuid.UUID, 0, len(addedTasks))
	for _, added := range addedTasks {
		ids = append(ids, added.ID)
	}
	return ids
}
