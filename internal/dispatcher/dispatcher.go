// Package dispatcher pulls tasks off the priority queue and drives them to
// a terminal state.
//
// A single dispatch loop consumes the queue so priority selection across
// groups stays consistent. Every dequeued task runs on its own worker
// goroutine; concurrency is bounded by per-group gates, never by the loop
// itself. Leaf tasks hold a group slot for their whole execution. Parent
// tasks release the slot before orchestrating children so a subtree sharing
// the parent's group can never deadlock.
package dispatcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/denkhaus/pulse/internal/aggregator"
	"github.com/denkhaus/pulse/internal/errors"
	"github.com/denkhaus/pulse/internal/events"
	"github.com/denkhaus/pulse/internal/executor"
	"github.com/denkhaus/pulse/internal/gate"
	"github.com/denkhaus/pulse/internal/metrics"
	"github.com/denkhaus/pulse/internal/queue"
	"github.com/denkhaus/pulse/internal/types"
)

// DetailsTimedOut is the state detail attached when a task is reclaimed by
// its deadline or by engine shutdown.
const DetailsTimedOut = "timed out or terminated"

// Cancel causes carried through the per-task context so the terminal
// mapping can tell an external cancel from a timeout.
var (
	errExternalCancel = stderrors.New("cancelled by external request")
	errTaskTimeout    = stderrors.New("task deadline exceeded")
)

// SubtaskAppender appends hook-returned child requests to an executing
// parent. The manager implements it.
type SubtaskAppender interface {
	AddSubtasks(ctx context.Context, parentID uuid.UUID, reqs []types.CreateTaskRequest) ([]*types.TaskItem, error)
}

// Config carries the dispatcher's tunables.
type Config struct {
	// DefaultTaskTimeout bounds every task's execution.
	DefaultTaskTimeout time.Duration
	// QueuePollInterval is the parent watch-loop cadence.
	QueuePollInterval time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTaskTimeout: 60 * time.Minute,
		QueuePollInterval:  100 * time.Millisecond,
	}
}

// Dispatcher owns the dispatch loop, the worker goroutines and the
// cancellation tokens of running tasks.
type Dispatcher struct {
	repo       types.Repository
	queue      *queue.Queue
	gates      *gate.Set
	registry   *executor.Registry
	publisher  events.Publisher
	aggregator *aggregator.Aggregator
	subtasks   SubtaskAppender
	metrics    *metrics.Metrics
	config     Config
	logger     *zap.Logger

	runningMu sync.Mutex
	running   map[uuid.UUID]context.CancelCauseFunc

	wg sync.WaitGroup
}

// New creates a dispatcher. subtasks may be nil when dynamic subtask
// addition is not needed; m may be nil to disable instrumentation.
func New(repo types.Repository, q *queue.Queue, gates *gate.Set, registry *executor.Registry,
	publisher events.Publisher, agg *aggregator.Aggregator, subtasks SubtaskAppender,
	m *metrics.Metrics, config Config, logger *zap.Logger) *Dispatcher {
	if config.DefaultTaskTimeout <= 0 {
		config.DefaultTaskTimeout = DefaultConfig().DefaultTaskTimeout
	}
	if config.QueuePollInterval <= 0 {
		config.QueuePollInterval = DefaultConfig().QueuePollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		repo:       repo,
		queue:      q,
		gates:      gates,
		registry:   registry,
		publisher:  publisher,
		aggregator: agg,
		subtasks:   subtasks,
		metrics:    m,
		config:     config,
		logger:     logger,
		running:    make(map[uuid.UUID]context.CancelCauseFunc),
	}
}

// SignalCancel trips the cancel token of an executing task. Implements
// manager.CancelSignaler.
func (d *Dispatcher) SignalCancel(id uuid.UUID) bool {
	d.runningMu.Lock()
	cancel, ok := d.running[id]
	d.runningMu.Unlock()
	if !ok {
		return false
	}
	cancel(errExternalCancel)
	return true
}

// claim registers the cancel token for a task, refusing when another worker
// already owns it. This makes a duplicate enqueue of the same id harmless.
func (d *Dispatcher) claim(id uuid.UUID, cancel context.CancelCauseFunc) bool {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()
	if _, exists := d.running[id]; exists {
		return false
	}
	d.running[id] = cancel
	return true
}

func (d *Dispatcher) unregister(id uuid.UUID) {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()
	delete(d.running, id)
}

// Run consumes the queue until ctx is cancelled or the queue is closed,
// then waits for in-flight workers to drain.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started",
		zap.Duration("task_timeout", d.config.DefaultTaskTimeout),
		zap.Duration("poll_interval", d.config.QueuePollInterval))

	for {
		entry, err := d.queue.Dequeue(ctx)
		if err != nil {
			break
		}
		d.metrics.Dispatched(entry.GroupID)
		d.metrics.SetQueueDepth(d.queue.Len())

		d.wg.Add(1)
		go func(entry queue.Entry) {
			defer d.wg.Done()
			d.work(ctx, entry)
		}(entry)
	}

	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// work is the per-task worker algorithm.
func (d *Dispatcher) work(ctx context.Context, entry queue.Entry) {
	if err := d.gates.Acquire(ctx, entry.GroupID); err != nil {
		return
	}
	d.metrics.ExecutingDelta(entry.GroupID, 1)
	gateHeld := true
	releaseGate := func() {
		if gateHeld {
			gateHeld = false
			d.metrics.ExecutingDelta(entry.GroupID, -1)
			d.gates.Release(entry.GroupID)
		}
	}
	defer releaseGate()

	task, err := d.repo.Get(ctx, entry.TaskID)
	if err != nil {
		d.logger.Debug("dequeued task vanished", zap.String("task_id", entry.TaskID.String()))
		return
	}
	// A tombstoned cancel, a duplicate enqueue or a racing delete all leave
	// the task in a non-queued state; nothing to do.
	if task.State != types.TaskStateQueued {
		return
	}

	children, err := d.repo.ChildCount(ctx, task.ID)
	if err != nil {
		d.logger.Warn("child count failed", zap.String("task_id", task.ID.String()), zap.Error(err))
		return
	}

	if children > 0 {
		d.runParent(ctx, task, releaseGate)
		return
	}
	d.runLeaf(ctx, task)
}

// taskContext builds the linked cancel signal: global shutdown, explicit
// cancel and the per-task timeout all trip it, with distinct causes. The
// third return is false when another worker already owns the task.
func (d *Dispatcher) taskContext(ctx context.Context, id uuid.UUID) (context.Context, func(), bool) {
	taskCtx, cancel := context.WithCancelCause(ctx)
	if !d.claim(id, cancel) {
		cancel(nil)
		return nil, nil, false
	}
	timer := time.AfterFunc(d.config.DefaultTaskTimeout, func() {
		cancel(errTaskTimeout)
	})

	cleanup := func() {
		timer.Stop()
		d.unregister(id)
		cancel(nil)
	}
	return taskCtx, cleanup, true
}

// Leaf path

func (d *Dispatcher) runLeaf(ctx context.Context, task *types.TaskItem) {
	exec, err := d.registry.Lookup(task.Type)
	if err != nil {
		d.finishTask(ctx, task.ID, types.TaskStateErrored,
			fmt.Sprintf("no executor for type %s", task.Type), nil)
		return
	}

	taskCtx, cleanup, claimed := d.taskContext(ctx, task.ID)
	if !claimed {
		return
	}
	defer cleanup()

	task, ok := d.startExecuting(ctx, task.ID)
	if !ok {
		return
	}

	sink := &progressSink{dispatcher: d, ctx: ctx, taskID: task.ID}
	execErr := d.execute(taskCtx, exec, task, sink)

	switch {
	case execErr == nil:
		progress := 100.0
		d.finishTask(ctx, task.ID, types.TaskStateCompleted, "", &progress)

	case taskCtx.Err() != nil:
		cause := context.Cause(taskCtx)
		if stderrors.Is(cause, errExternalCancel) {
			// The cancel path already wrote Cancelled and published; the
			// worker must not overwrite it.
			d.metrics.Finished(string(types.TaskStateCancelled))
			return
		}
		d.finishTask(ctx, task.ID, types.TaskStateTerminated, DetailsTimedOut, nil)

	default:
		d.finishTask(ctx, task.ID, types.TaskStateErrored, execErr.Error(), nil)
	}
}

// execute invokes the executor, converting a panic into an error so one
// misbehaving plugin cannot take the engine down.
func (d *Dispatcher) execute(ctx context.Context, exec executor.Executor, task *types.TaskItem, sink executor.ProgressSink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.ExecutorFailureError(task.ID, fmt.Errorf("executor panic: %v", r))
			d.logger.Error("executor panicked",
				zap.String("task_id", task.ID.String()),
				zap.String("type", task.Type),
				zap.Any("panic", r))
		}
	}()
	return exec.Execute(ctx, task, sink)
}

// startExecuting transitions Queued → Executing and publishes the change.
func (d *Dispatcher) startExecuting(ctx context.Context, id uuid.UUID) (*types.TaskItem, bool) {
	task, err := d.repo.Get(ctx, id)
	if err != nil || task.State != types.TaskStateQueued {
		return nil, false
	}

	now := time.Now()
	task.State = types.TaskStateExecuting
	task.StartedAt = &now
	if err := d.repo.Put(ctx, task); err != nil {
		d.logger.Warn("failed to mark task executing", zap.String("task_id", id.String()), zap.Error(err))
		return nil, false
	}
	d.publisher.StateChanged(task, types.TaskStateExecuting, "")
	return task, true
}

// finishTask writes a terminal state unless an external cancel beat the
// worker to it, then publishes and notifies the aggregator.
func (d *Dispatcher) finishTask(ctx context.Context, id uuid.UUID, state types.TaskState, details string, progress *float64) {
	task, err := d.repo.Get(ctx, id)
	if err != nil {
		d.logger.Warn("terminal write skipped, task gone", zap.String("task_id", id.String()))
		return
	}
	if task.State.IsTerminal() {
		return
	}

	task.State = state
	task.StateDetails = details
	if progress != nil {
		task.Progress = *progress
	}
	now := time.Now()
	task.CompletedAt = &now

	if err := d.repo.Put(ctx, task); err != nil {
		// Do not re-transition; the event for this step may be missed.
		d.logger.Warn("terminal write failed",
			zap.String("task_id", id.String()),
			zap.String("state", string(state)),
			zap.Error(err))
		return
	}

	d.metrics.Finished(string(state))
	d.publisher.StateChanged(task, state, details)
	d.aggregator.ChildChanged(ctx, task)
}

// progressSink forwards executor reports to the store, the event stream,
// the aggregator and the parent's progress hook.
type progressSink struct {
	dispatcher *Dispatcher
	ctx        context.Context
	taskID     uuid.UUID
}

// Report implements executor.ProgressSink. It runs on the worker goroutine
// and tolerates rapid calls.
func (s *progressSink) Report(percentage float64, details, payload string) {
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}

	d := s.dispatcher
	task, err := d.repo.Get(s.ctx, s.taskID)
	if err != nil {
		return
	}

	task.Progress = percentage
	task.ProgressDetails = details
	task.ProgressPayload = payload
	if err := d.repo.Put(s.ctx, task); err != nil {
		d.logger.Warn("progress write failed", zap.String("task_id", s.taskID.String()), zap.Error(err))
		return
	}

	d.publisher.Progress(task, percentage, details, payload)
	d.aggregator.ChildChanged(s.ctx, task)

	if task.ParentTaskID != nil {
		d.notifySubtaskProgress(s.ctx, task, executor.SubtaskProgress{
			Percentage: percentage,
			Details:    details,
			Payload:    payload,
		})
	}
}

// notifySubtaskProgress synchronously invokes the parent's progress hook
// when its executor implements one.
func (d *Dispatcher) notifySubtaskProgress(ctx context.Context, child *types.TaskItem, update executor.SubtaskProgress) {
	parent, err := d.repo.Get(ctx, *child.ParentTaskID)
	if err != nil {
		return
	}
	exec, err := d.registry.Lookup(parent.Type)
	if err != nil {
		return
	}
	if hook, ok := exec.(executor.SubtaskProgressHook); ok {
		hook.OnSubtaskProgress(parent, child, update)
	}
}
