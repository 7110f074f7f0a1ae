package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denkhaus/pulse/internal/engine"
	"github.com/denkhaus/pulse/internal/events"
	"github.com/denkhaus/pulse/internal/executor"
	"github.com/denkhaus/pulse/internal/manager"
	"github.com/denkhaus/pulse/internal/testutil"
	"github.com/denkhaus/pulse/internal/types"
)

const owner = "owner-1"

// funcExecutor adapts a closure into an Executor.
type funcExecutor struct {
	typ string
	fn  func(ctx context.Context, task *types.TaskItem, sink executor.ProgressSink) error
}

func (f *funcExecutor) TaskType() string { return f.typ }
func (f *funcExecutor) Execute(ctx context.Context, task *types.TaskItem, sink executor.ProgressSink) error {
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, task, sink)
}

// hookExecutor is a parent-type executor with configurable hooks.
type hookExecutor struct {
	funcExecutor
	onProgress    func(parent, child *types.TaskItem, update executor.SubtaskProgress)
	onStateChange func(parent, child *types.TaskItem, change executor.SubtaskChange)
	onTerminal    func(parent, child *types.TaskItem, change executor.SubtaskChange) []types.CreateTaskRequest
	onAllSuccess  func(parent *types.TaskItem, children []*types.TaskItem)
}

func (h *hookExecutor) OnSubtaskProgress(parent, child *types.TaskItem, update executor.SubtaskProgress) {
	if h.onProgress != nil {
		h.onProgress(parent, child, update)
	}
}

func (h *hookExecutor) OnSubtaskStateChange(parent, child *types.TaskItem, change executor.SubtaskChange) {
	if h.onStateChange != nil {
		h.onStateChange(parent, child, change)
	}
}

func (h *hookExecutor) OnSubtaskTerminal(parent, child *types.TaskItem, change executor.SubtaskChange) []types.CreateTaskRequest {
	if h.onTerminal != nil {
		return h.onTerminal(parent, child, change)
	}
	return nil
}

func (h *hookExecutor) OnAllSubtasksSuccess(parent *types.TaskItem, children []*types.TaskItem) {
	if h.onAllSuccess != nil {
		h.onAllSuccess(parent, children)
	}
}

func subscribe(t *testing.T, eng *engine.Engine) <-chan events.Event {
	t.Helper()
	ch, unsubscribe := eng.Bus.Subscribe()
	t.Cleanup(unsubscribe)
	return ch
}

// drainFor collects events for a task until the predicate is satisfied.
func drainFor(t *testing.T, ch <-chan events.Event, taskID uuid.UUID, done func([]events.Event) bool, timeout time.Duration) []events.Event {
	t.Helper()
	var got []events.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.TaskID != taskID {
				continue
			}
			got = append(got, ev)
			if done(got) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out with %d events for task %s", len(got), taskID)
		}
	}
}

// TestLeafSuccess covers the countdown happy path: created, executing,
// monotone progress, completed at 100.
func TestLeafSuccess(t *testing.T) {
	eng := testutil.NewEngine(t, nil)
	eng.Registry.Register(&executor.CountdownExecutor{Tick: 20 * time.Millisecond})
	ch := subscribe(t, eng)

	task, err := eng.Manager.Create(context.Background(), owner, types.CreateTaskRequest{
		Type:     "countdown",
		Priority: 5,
		Payload:  `{"durationInSeconds":0.1}`,
	}, "")
	require.NoError(t, err)

	final := testutil.WaitForState(t, eng, task.ID, owner, types.TaskStateCompleted, 5*time.Second)
	assert.Equal(t, 100.0, final.Progress)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	got := drainFor(t, ch, task.ID, func(evs []events.Event) bool {
		last := evs[len(evs)-1]
		return last.Type == events.EventStateChanged && last.NewState == types.TaskStateCompleted
	}, 5*time.Second)

	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, events.EventTaskCreated, got[0].Type)
	assert.Equal(t, events.EventStateChanged, got[1].Type)
	assert.Equal(t, types.TaskStateExecuting, got[1].NewState)

	lastPct := 0.0
	sawProgress := false
	for _, ev := range got[2 : len(got)-1] {
		if ev.Type != events.EventProgress {
			continue
		}
		sawProgress = true
		assert.GreaterOrEqual(t, ev.Percentage, lastPct, "progress must be non-decreasing")
		lastPct = ev.Percentage
	}
	assert.True(t, sawProgress)
}

// TestTimeout covers the per-task deadline: the executor overruns and the
// task terminates.
func TestTimeout(t *testing.T) {
	cfg := testutil.FastConfig()
	cfg.DefaultTaskTimeout = 100 * time.Millisecond
	eng := testutil.NewEngine(t, cfg)
	eng.Registry.Register(&executor.SleepExecutor{})

	task, err := eng.Manager.Create(context.Background(), owner, types.CreateTaskRequest{
		Type:    "sleep",
		Payload: `{"durationInSeconds":2}`,
	}, "")
	require.NoError(t, err)

	final := testutil.WaitForState(t, eng, task.ID, owner, types.TaskStateTerminated, 5*time.Second)
	assert.Equal(t, "timed out or terminated", final.StateDetails)
}

// TestExternalCancel covers cancelling an executing task.
func TestExternalCancel(t *testing.T) {
	eng := testutil.NewEngine(t, nil)
	started := make(chan struct{})
	eng.Registry.Register(&funcExecutor{typ: "block", fn: func(ctx context.Context, task *types.TaskItem, sink executor.ProgressSink) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx := context.Background()
	task, err := eng.Manager.Create(ctx, owner, types.CreateTaskRequest{Type: "block"}, "")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	cancelled, err := eng.Manager.Cancel(ctx, task.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCancelled, cancelled.State)
	assert.Equal(t, manager.DetailsCancelledByUser, cancelled.StateDetails)

	// Give the worker time to unwind; the state must remain Cancelled.
	time.Sleep(100 * time.Millisecond)
	final, err := eng.Manager.Get(ctx, task.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCancelled, final.State)
}

// TestUnknownExecutorType covers dispatch of an unregistered type.
func TestUnknownExecutorType(t *testing.T) {
	eng := testutil.NewEngine(t, nil)

	task, err := eng.Manager.Create(context.Background(), owner, types.CreateTaskRequest{Type: "mystery"}, "")
	require.NoError(t, err)

	final := testutil.WaitForState(t, eng, task.ID, owner, types.TaskStateErrored, 5*time.Second)
	assert.Equal(t, "no executor for type mystery", final.StateDetails)
}

// TestExecutorFailure covers an executor returning an error.
func TestExecutorFailure(t *testing.T) {
	eng := testutil.NewEngine(t, nil)
	eng.Registry.Register(&funcExecutor{typ: "boom", fn: func(ctx context.Context, task *types.TaskItem, sink executor.ProgressSink) error {
		return errors.New("exploded on step 3")
	}})

	task, err := eng.Manager.Create(context.Background(), owner, types.CreateTaskRequest{Type: "boom"}, "")
	require.NoError(t, err)

	final := testutil.WaitForState(t, eng, task.ID, owner, types.TaskStateErrored, 5*time.Second)
	assert.Contains(t, final.StateDetails, "exploded on step 3")
}

// TestParallelParent covers a parent with weighted children running in
// parallel: both complete, parent completes at 100.
func TestParallelParent(t *testing.T) {
	eng := testutil.NewEngine(t, nil)
	eng.Registry.Register(&executor.CountdownExecutor{Tick: 10 * time.Millisecond})

	var successOnce atomic.Int32
	hooks := &hookExecutor{
		funcExecutor: funcExecutor{typ: "workflow"},
		onAllSuccess: func(parent *types.TaskItem, children []*types.TaskItem) {
			successOnce.Add(1)
		},
	}
	eng.Registry.Register(hooks)

	root, err := eng.Manager.CreateHierarchy(context.Background(), owner, types.CreateHierarchyRequest{
		ParentTask: types.CreateTaskRequest{Type: "workflow", SubtaskParallelism: true},
		ChildTasks: []types.CreateHierarchyRequest{
			{ParentTask: types.CreateTaskRequest{Type: "countdown", Weight: 1, Payload: `{"durationInSeconds":0.2}`}},
			{ParentTask: types.CreateTaskRequest{Type: "countdown", Weight: 3, Payload: `{"durationInSeconds":0.05}`}},
		},
	}, "")
	require.NoError(t, err)

	final := testutil.WaitForState(t, eng, root.ID, owner, types.TaskStateCompleted, 10*time.Second)
	assert.Equal(t, 100.0, final.Progress)
	assert.Equal(t, int32(1), successOnce.Load(), "all-success hook fires exactly once")
}

// TestSequentialParentDataPassing covers S5: child X produces output, the
// terminal hook copies it into queued sibling Y's payload.
func TestSequentialParentDataPassing(t *testing.T) {
	eng := testutil.NewEngine(t, nil)
	ctx := context.Background()

	var observedPayload atomic.Value
	eng.Registry.Register(&funcExecutor{typ: "emit42", fn: func(ctx context.Context, task *types.TaskItem, sink executor.ProgressSink) error {
		return eng.Manager.SetOutput(ctx, task.ID, "42")
	}})
	eng.Registry.Register(&funcExecutor{typ: "echo", fn: func(ctx context.Context, task *types.TaskItem, sink executor.ProgressSink) error {
		observedPayload.Store(task.Payload)
		return nil
	}})

	eng.Registry.Register(&hookExecutor{
		funcExecutor: funcExecutor{typ: "pipeline"},
		onTerminal: func(parent, child *types.TaskItem, change executor.SubtaskChange) []types.CreateTaskRequest {
			if child.Type != "emit42" {
				return nil
			}
			children, err := eng.Repo.GetChildren(ctx, parent.ID)
			if err != nil {
				return nil
			}
			for _, sibling := range children {
				if sibling.State == types.TaskStateQueued {
					_ = eng.Manager.UpdateQueuedPayload(ctx, sibling.ID, child.Output)
				}
			}
			return nil
		},
	})

	root, err := eng.Manager.CreateHierarchy(ctx, owner, types.CreateHierarchyRequest{
		ParentTask: types.CreateTaskRequest{Type: "pipeline", SubtaskParallelism: false},
		ChildTasks: []types.CreateHierarchyRequest{
			{ParentTask: types.CreateTaskRequest{Type: "emit42"}},
			{ParentTask: types.CreateTaskRequest{Type: "echo", Payload: "initial"}},
		},
	}, "")
	require.NoError(t, err)

	testutil.WaitForState(t, eng, root.ID, owner, types.TaskStateCompleted, 10*time.Second)
	assert.Equal(t, "42", observedPayload.Load(), "second child must run with the first child's output")
}

// TestDynamicSubtaskRetry covers S6: a failed child is cloned once by the
// terminal hook and the retry succeeds.
func TestDynamicSubtaskRetry(t *testing.T) {
	eng := testutil.NewEngine(t, nil)
	ctx := context.Background()

	var attempts atomic.Int32
	eng.Registry.Register(&funcExecutor{typ: "flaky", fn: func(ctx context.Context, task *types.TaskItem, sink executor.ProgressSink) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient failure")
		}
		return nil
	}})

	var retried atomic.Bool
	eng.Registry.Register(&hookExecutor{
		funcExecutor: funcExecutor{typ: "retrier"},
		onTerminal: func(parent, child *types.TaskItem, change executor.SubtaskChange) []types.CreateTaskRequest {
			if change.NewState != types.TaskStateErrored || !retried.CompareAndSwap(false, true) {
				return nil
			}
			return []types.CreateTaskRequest{{
				Type:     child.Type,
				Priority: child.Priority,
				Payload:  child.Payload,
				Weight:   child.Weight,
			}}
		},
	})

	root, err := eng.Manager.CreateHierarchy(ctx, owner, types.CreateHierarchyRequest{
		ParentTask: types.CreateTaskRequest{Type: "retrier", SubtaskParallelism: false},
		ChildTasks: []types.CreateHierarchyRequest{
			{ParentTask: types.CreateTaskRequest{Type: "flaky"}},
		},
	}, "")
	require.NoError(t, err)

	// The replaced first attempt does not count against the parent; the
	// retry's success completes it.
	final := testutil.WaitForTerminal(t, eng, root.ID, owner, 10*time.Second)
	assert.Equal(t, int32(2), attempts.Load())

	children, err := eng.Repo.GetChildren(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 2, "final child count is initial plus the retry")

	states := map[types.TaskState]int{}
	for _, child := range children {
		states[child.State]++
	}
	assert.Equal(t, 1, states[types.TaskStateErrored])
	assert.Equal(t, 1, states[types.TaskStateCompleted])
	assert.Equal(t, types.TaskStateCompleted, final.State)
}

// TestSubtreeCancelCascade covers S7: cancelling a middle node cancels its
// executing descendants with cascade details while the root keeps running.
func TestSubtreeCancelCascade(t *testing.T) {
	eng := testutil.NewEngine(t, nil)
	ctx := context.Background()

	var runningLeaves atomic.Int32
	eng.Registry.Register(&funcExecutor{typ: "blockleaf", fn: func(ctx context.Context, task *types.TaskItem, sink executor.ProgressSink) error {
		runningLeaves.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}})
	eng.Registry.Register(&hookExecutor{funcExecutor: funcExecutor{typ: "tier"}})

	root, err := eng.Manager.CreateHierarchy(ctx, owner, types.CreateHierarchyRequest{
		ParentTask: types.CreateTaskRequest{Type: "tier", SubtaskParallelism: true},
		ChildTasks: []types.CreateHierarchyRequest{
			{
				ParentTask: types.CreateTaskRequest{Type: "tier", SubtaskParallelism: true},
				ChildTasks: []types.CreateHierarchyRequest{
					{ParentTask: types.CreateTaskRequest{Type: "blockleaf"}},
					{ParentTask: types.CreateTaskRequest{Type: "blockleaf"}},
				},
			},
		},
	}, "")
	require.NoError(t, err)

	// Wait until both leaves hold the cancel signal.
	deadline := time.Now().Add(5 * time.Second)
	for runningLeaves.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("leaves never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	children, err := eng.Repo.GetChildren(ctx, root.ID)
	require.NoError(t, err)
	middle := children[0]

	cancelled, err := eng.Manager.CancelSubtree(ctx, middle.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, manager.DetailsCancelledSubtree, cancelled.StateDetails)

	descendants, err := eng.Repo.GetDescendants(ctx, middle.ID)
	require.NoError(t, err)
	require.Len(t, descendants, 2)
	for _, d := range descendants {
		assert.Equal(t, types.TaskStateCancelled, d.State)
		assert.Equal(t, manager.DetailsCancelledCascade, d.StateDetails)
	}

	// The cancel never travels upward: the root finishes through its own
	// watch loop, and never as Cancelled.
	final := testutil.WaitForTerminal(t, eng, root.ID, owner, 10*time.Second)
	assert.NotEqual(t, types.TaskStateCancelled, final.State)
}

// TestGroupCapAndNoDeadlock covers property 6 and 9: a one-slot group
// bounds concurrency, and a parent whose children share its group still
// completes because the parent releases its gate.
func TestGroupCapAndNoDeadlock(t *testing.T) {
	eng := testutil.NewEngine(t, nil)
	ctx := context.Background()

	var concurrent, peak atomic.Int32
	var mu sync.Mutex
	eng.Registry.Register(&funcExecutor{typ: "narrowleaf", fn: func(ctx context.Context, task *types.TaskItem, sink executor.ProgressSink) error {
		now := concurrent.Add(1)
		mu.Lock()
		if now > peak.Load() {
			peak.Store(now)
		}
		mu.Unlock()
		defer concurrent.Add(-1)
		time.Sleep(30 * time.Millisecond)
		return nil
	}})
	eng.Registry.Register(&hookExecutor{funcExecutor: funcExecutor{typ: "narrowparent"}})

	// Parent and all children in the one-slot "narrow" group.
	root, err := eng.Manager.CreateHierarchy(ctx, owner, types.CreateHierarchyRequest{
		ParentTask: types.CreateTaskRequest{Type: "narrowparent", GroupID: "narrow", SubtaskParallelism: true},
		ChildTasks: []types.CreateHierarchyRequest{
			{ParentTask: types.CreateTaskRequest{Type: "narrowleaf"}},
			{ParentTask: types.CreateTaskRequest{Type: "narrowleaf"}},
			{ParentTask: types.CreateTaskRequest{Type: "narrowleaf"}},
		},
	}, "")
	require.NoError(t, err)

	final := testutil.WaitForState(t, eng, root.ID, owner, types.TaskStateCompleted, 10*time.Second)
	assert.Equal(t, 100.0, final.Progress)
	assert.Equal(t, int32(1), peak.Load(), "one-slot group must never run two leaves at once")
}

// TestSaturatedGroupDrains exercises a saturated one-slot group end to end:
// everything queued behind the blocker still completes once it releases.
func TestSaturatedGroupDrains(t *testing.T) {
	eng := testutil.NewEngine(t, nil)
	ctx := context.Background()

	var order []string
	var mu sync.Mutex
	release := make(chan struct{})
	eng.Registry.Register(&funcExecutor{typ: "ordered", fn: func(ctx context.Context, task *types.TaskItem, sink executor.ProgressSink) error {
		if task.Payload == "blocker" {
			<-release
		}
		mu.Lock()
		order = append(order, task.Payload)
		mu.Unlock()
		return nil
	}})

	blocker, err := eng.Manager.Create(ctx, owner, types.CreateTaskRequest{
		Type: "ordered", GroupID: "narrow", Priority: 100, Payload: "blocker",
	}, "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	follower, err := eng.Manager.Create(ctx, owner, types.CreateTaskRequest{
		Type: "ordered", GroupID: "narrow", Priority: 1, Payload: "follower",
	}, "")
	require.NoError(t, err)

	// The follower must not run while the blocker holds the only slot.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order)
	mu.Unlock()

	close(release)
	testutil.WaitForState(t, eng, blocker.ID, owner, types.TaskStateCompleted, 5*time.Second)
	testutil.WaitForState(t, eng, follower.ID, owner, types.TaskStateCompleted, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"blocker", "follower"}, order)
}

// TestProgressHookOnParentExecutor verifies leaf progress reaches the
// parent's synchronous progress hook.
func TestProgressHookOnParentExecutor(t *testing.T) {
	eng := testutil.NewEngine(t, nil)
	ctx := context.Background()

	var hookCalls atomic.Int32
	eng.Registry.Register(&executor.CountdownExecutor{Tick: 10 * time.Millisecond})
	eng.Registry.Register(&hookExecutor{
		funcExecutor: funcExecutor{typ: "observer"},
		onProgress: func(parent, child *types.TaskItem, update executor.SubtaskProgress) {
			hookCalls.Add(1)
		},
	})

	root, err := eng.Manager.CreateHierarchy(ctx, owner, types.CreateHierarchyRequest{
		ParentTask: types.CreateTaskRequest{Type: "observer", SubtaskParallelism: true},
		ChildTasks: []types.CreateHierarchyRequest{
			{ParentTask: types.CreateTaskRequest{Type: "countdown", Payload: `{"durationInSeconds":0.05}`}},
		},
	}, "")
	require.NoError(t, err)

	testutil.WaitForState(t, eng, root.ID, owner, types.TaskStateCompleted, 10*time.Second)
	assert.Positive(t, hookCalls.Load())
}
