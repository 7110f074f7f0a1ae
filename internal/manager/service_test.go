package manager

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/denkhaus/pulse/internal/aggregator"
	pulseerrors "github.com/denkhaus/pulse/internal/errors"
	"github.com/denkhaus/pulse/internal/events"
	"github.com/denkhaus/pulse/internal/repository/inmemory"
	"github.com/denkhaus/pulse/internal/types"
)

// fakeQueue records enqueues and tombstones without a dispatcher.
type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []uuid.UUID
	cancelled []uuid.UUID
}

func (q *fakeQueue) Enqueue(taskID uuid.UUID, groupID string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, taskID)
}

func (q *fakeQueue) TryCancel(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, taskID)
	return true
}

func (q *fakeQueue) enqueuedIDs() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uuid.UUID(nil), q.enqueued...)
}

// recordingPublisher captures all events in emission order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) record(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) TaskCreated(task *types.TaskItem) {
	p.record(events.Event{Type: events.EventTaskCreated, TaskID: task.ID, Task: task.Clone()})
}

func (p *recordingPublisher) TaskUpdated(task *types.TaskItem) {
	p.record(events.Event{Type: events.EventTaskUpdated, TaskID: task.ID, Task: task.Clone()})
}

func (p *recordingPublisher) TaskDeleted(taskID uuid.UUID, ownerID string) {
	p.record(events.Event{Type: events.EventTaskDeleted, TaskID: taskID, OwnerID: ownerID})
}

func (p *recordingPublisher) StateChanged(task *types.TaskItem, newState types.TaskState, details string) {
	p.record(events.Event{Type: events.EventStateChanged, TaskID: task.ID, NewState: newState, Details: details})
}

func (p *recordingPublisher) Progress(task *types.TaskItem, percentage float64, details, payload string) {
	p.record(events.Event{Type: events.EventProgress, TaskID: task.ID, Percentage: percentage, Details: details})
}

func (p *recordingPublisher) byType(eventType events.EventType) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	repo    types.Repository
	queue   *fakeQueue
	pub     *recordingPublisher
	manager Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := inmemory.NewRepository()
	q := &fakeQueue{}
	pub := &recordingPublisher{}
	logger := zaptest.NewLogger(t)
	agg := aggregator.New(repo, pub, logger)
	return &fixture{
		repo:    repo,
		queue:   q,
		pub:     pub,
		manager: NewManager(repo, q, pub, agg, logger),
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("root task", func(t *testing.T) {
		task, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{
			Type:     "countdown",
			Priority: 5,
			Payload:  `{"durationInSeconds":1}`,
		}, "token-1")
		require.NoError(t, err)

		assert.Equal(t, types.TaskStateQueued, task.State)
		assert.Equal(t, task.ID, task.RootTaskID)
		assert.Equal(t, types.DefaultGroupID, task.GroupID)
		assert.Equal(t, "token-1", task.AuthToken)
		assert.Contains(t, f.queue.enqueuedIDs(), task.ID)

		created := f.pub.byType(events.EventTaskCreated)
		require.Len(t, created, 1)
		assert.Equal(t, task.ID, created[0].TaskID)
	})

	t.Run("child inherits root fields", func(t *testing.T) {
		parent, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{
			Type: "workflow", GroupID: "bulk", TrackHistory: true,
		}, "token-2")
		require.NoError(t, err)

		child, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{
			Type:         "countdown",
			ParentTaskID: &parent.ID,
		}, "ignored-child-token")
		require.NoError(t, err)

		assert.Equal(t, parent.ID, *child.ParentTaskID)
		assert.Equal(t, parent.RootTaskID, child.RootTaskID)
		assert.Equal(t, "token-2", child.AuthToken, "auth token is snapshotted from the parent")
		assert.Equal(t, "bulk", child.GroupID, "group falls back to the parent's")
		assert.True(t, child.TrackHistory)
	})

	t.Run("explicit child group is kept", func(t *testing.T) {
		parent, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{Type: "workflow", GroupID: "bulk"}, "")
		require.NoError(t, err)
		child, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{
			Type: "countdown", GroupID: "special", ParentTaskID: &parent.ID,
		}, "")
		require.NoError(t, err)
		assert.Equal(t, "special", child.GroupID)
	})

	t.Run("missing parent", func(t *testing.T) {
		missing := uuid.New()
		_, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{
			Type: "countdown", ParentTaskID: &missing,
		}, "")
		assert.True(t, pulseerrors.IsInvalidRequest(err))
	})

	t.Run("foreign parent", func(t *testing.T) {
		parent, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{Type: "workflow"}, "")
		require.NoError(t, err)
		_, err = f.manager.Create(ctx, "intruder", types.CreateTaskRequest{
			Type: "countdown", ParentTaskID: &parent.ID,
		}, "")
		assert.True(t, pulseerrors.IsInvalidRequest(err))
	})

	t.Run("invalid request", func(t *testing.T) {
		_, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{}, "")
		assert.True(t, pulseerrors.IsInvalidRequest(err))
	})
}

func TestCreateHierarchy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.manager.CreateHierarchy(ctx, "owner-1", types.CreateHierarchyRequest{
		ParentTask: types.CreateTaskRequest{Type: "workflow", TrackHistory: true},
		ChildTasks: []types.CreateHierarchyRequest{
			{
				ParentTask: types.CreateTaskRequest{Type: "countdown", Weight: 1},
				ChildTasks: []types.CreateHierarchyRequest{
					{ParentTask: types.CreateTaskRequest{Type: "countdown"}},
				},
			},
			{ParentTask: types.CreateTaskRequest{Type: "countdown", Weight: 3}},
		},
	}, "token-h")
	require.NoError(t, err)

	t.Run("only the root is enqueued", func(t *testing.T) {
		assert.Equal(t, []uuid.UUID{root.ID}, f.queue.enqueuedIDs())
	})

	t.Run("every node published and inherits root fields", func(t *testing.T) {
		created := f.pub.byType(events.EventTaskCreated)
		require.Len(t, created, 4)

		for _, ev := range created {
			stored, err := f.repo.Get(ctx, ev.TaskID)
			require.NoError(t, err)
			assert.Equal(t, root.ID, stored.RootTaskID)
			assert.Equal(t, "token-h", stored.AuthToken)
			assert.True(t, stored.TrackHistory)
		}
	})

	t.Run("tree shape", func(t *testing.T) {
		children, err := f.repo.GetChildren(ctx, root.ID)
		require.NoError(t, err)
		require.Len(t, children, 2)

		descendants, err := f.repo.GetDescendants(ctx, root.ID)
		require.NoError(t, err)
		assert.Len(t, descendants, 3)
	})
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{Type: "countdown"}, "")
	require.NoError(t, err)

	t.Run("owner can get", func(t *testing.T) {
		got, err := f.manager.Get(ctx, task.ID, "owner-1")
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)
	})

	t.Run("foreign owner is rejected", func(t *testing.T) {
		_, err := f.manager.Get(ctx, task.ID, "intruder")
		assert.True(t, pulseerrors.IsForbidden(err))
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := f.manager.Get(ctx, uuid.New(), "owner-1")
		assert.True(t, pulseerrors.IsNotFound(err))
	})

	t.Run("list owner tasks", func(t *testing.T) {
		tasks, err := f.manager.ListOwnerTasks(ctx, "owner-1")
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{Type: "countdown", Priority: 1}, "")
	require.NoError(t, err)

	t.Run("queued task updates", func(t *testing.T) {
		priority := 9
		payload := `{"durationInSeconds":2}`
		updated, err := f.manager.Update(ctx, task.ID, "owner-1", types.TaskUpdates{
			Priority: &priority,
			Payload:  &payload,
		})
		require.NoError(t, err)
		assert.Equal(t, 9, updated.Priority)
		assert.Equal(t, payload, updated.Payload)
		require.Len(t, f.pub.byType(events.EventTaskUpdated), 1)
	})

	t.Run("non-queued task rejects update", func(t *testing.T) {
		stored, err := f.repo.Get(ctx, task.ID)
		require.NoError(t, err)
		stored.State = types.TaskStateExecuting
		require.NoError(t, f.repo.Put(ctx, stored))

		priority := 2
		_, err = f.manager.Update(ctx, task.ID, "owner-1", types.TaskUpdates{Priority: &priority})
		assert.True(t, pulseerrors.IsInvalidState(err))
	})
}

func TestUpdateQueuedPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{Type: "countdown"}, "")
	require.NoError(t, err)

	require.NoError(t, f.manager.UpdateQueuedPayload(ctx, task.ID, "42"))
	got, err := f.repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "42", got.Payload)

	got.State = types.TaskStateExecuting
	require.NoError(t, f.repo.Put(ctx, got))
	assert.True(t, pulseerrors.IsInvalidState(f.manager.UpdateQueuedPayload(ctx, task.ID, "43")))
}

func TestSetOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{Type: "countdown"}, "")
	require.NoError(t, err)

	require.NoError(t, f.manager.SetOutput(ctx, task.ID, "42"))
	got, err := f.repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "42", got.Output)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("queued task", func(t *testing.T) {
		task, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{Type: "countdown"}, "")
		require.NoError(t, err)

		cancelled, err := f.manager.Cancel(ctx, task.ID, "owner-1")
		require.NoError(t, err)
		assert.Equal(t, types.TaskStateCancelled, cancelled.State)
		assert.Equal(t, DetailsCancelledByUser, cancelled.StateDetails)
		assert.NotNil(t, cancelled.CompletedAt)
		assert.Contains(t, f.queue.cancelled, task.ID)

		changes := f.pub.byType(events.EventStateChanged)
		require.Len(t, changes, 1)
		assert.Equal(t, types.TaskStateCancelled, changes[0].NewState)
	})

	t.Run("terminal task is idempotent and silent", func(t *testing.T) {
		task, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{Type: "countdown"}, "")
		require.NoError(t, err)
		_, err = f.manager.Cancel(ctx, task.ID, "owner-1")
		require.NoError(t, err)

		before := f.pub.count()
		_, err = f.manager.Cancel(ctx, task.ID, "owner-1")
		assert.True(t, pulseerrors.IsInvalidState(err))
		assert.Equal(t, before, f.pub.count(), "repeat cancel must emit no events")

		got, err := f.repo.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStateCancelled, got.State)
	})

	t.Run("foreign owner", func(t *testing.T) {
		task, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{Type: "countdown"}, "")
		require.NoError(t, err)
		_, err = f.manager.Cancel(ctx, task.ID, "intruder")
		assert.True(t, pulseerrors.IsForbidden(err))
	})
}

func TestCancelSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.manager.CreateHierarchy(ctx, "owner-1", types.CreateHierarchyRequest{
		ParentTask: types.CreateTaskRequest{Type: "workflow"},
		ChildTasks: []types.CreateHierarchyRequest{
			{
				ParentTask: types.CreateTaskRequest{Type: "workflow"},
				ChildTasks: []types.CreateHierarchyRequest{
					{ParentTask: types.CreateTaskRequest{Type: "countdown"}},
					{ParentTask: types.CreateTaskRequest{Type: "countdown"}},
				},
			},
		},
	}, "")
	require.NoError(t, err)

	children, err := f.repo.GetChildren(ctx, root.ID)
	require.NoError(t, err)
	middle := children[0]

	cancelled, err := f.manager.CancelSubtree(ctx, middle.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, DetailsCancelledSubtree, cancelled.StateDetails)

	descendants, err := f.repo.GetDescendants(ctx, middle.ID)
	require.NoError(t, err)
	require.Len(t, descendants, 2)
	for _, d := range descendants {
		assert.Equal(t, types.TaskStateCancelled, d.State)
		assert.Equal(t, DetailsCancelledCascade, d.StateDetails)
	}

	// The root above the cancelled subtree is untouched.
	rootNow, err := f.repo.Get(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateQueued, rootNow.State)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("live task is cancelled first", func(t *testing.T) {
		task, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{Type: "countdown"}, "")
		require.NoError(t, err)

		require.NoError(t, f.manager.Delete(ctx, task.ID, "owner-1"))
		_, err = f.repo.Get(ctx, task.ID)
		assert.True(t, pulseerrors.IsNotFound(err))

		deleted := f.pub.byType(events.EventTaskDeleted)
		require.Len(t, deleted, 1)
		assert.Equal(t, task.ID, deleted[0].TaskID)
		require.Len(t, f.pub.byType(events.EventStateChanged), 1)
	})

	t.Run("subtree delete removes exactly the subtree", func(t *testing.T) {
		root, err := f.manager.CreateHierarchy(ctx, "owner-1", types.CreateHierarchyRequest{
			ParentTask: types.CreateTaskRequest{Type: "workflow"},
			ChildTasks: []types.CreateHierarchyRequest{
				{ParentTask: types.CreateTaskRequest{Type: "countdown"}},
				{ParentTask: types.CreateTaskRequest{Type: "countdown"}},
			},
		}, "")
		require.NoError(t, err)
		outsider, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{Type: "countdown"}, "")
		require.NoError(t, err)

		descendants, err := f.repo.GetDescendants(ctx, root.ID)
		require.NoError(t, err)

		require.NoError(t, f.manager.DeleteSubtree(ctx, root.ID, "owner-1"))

		for _, gone := range append(descendants, root) {
			_, err := f.repo.Get(ctx, gone.ID)
			assert.True(t, pulseerrors.IsNotFound(err))
		}
		_, err = f.repo.Get(ctx, outsider.ID)
		assert.NoError(t, err)
	})
}

func TestAddSubtasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent, err := f.manager.Create(ctx, "owner-1", types.CreateTaskRequest{Type: "workflow", GroupID: "bulk"}, "token-p")
	require.NoError(t, err)

	t.Run("queued parent rejects subtasks", func(t *testing.T) {
		_, err := f.manager.AddSubtask(ctx, parent.ID, types.CreateTaskRequest{Type: "countdown"})
		assert.True(t, pulseerrors.IsInvalidState(err))
	})

	// Move the parent into execution the way the dispatcher would.
	stored, err := f.repo.Get(ctx, parent.ID)
	require.NoError(t, err)
	stored.State = types.TaskStateExecuting
	require.NoError(t, f.repo.Put(ctx, stored))

	t.Run("executing parent accepts subtasks in order", func(t *testing.T) {
		added, err := f.manager.AddSubtasks(ctx, parent.ID, []types.CreateTaskRequest{
			{Type: "countdown", Payload: "first"},
			{Type: "countdown", Payload: "second"},
		})
		require.NoError(t, err)
		require.Len(t, added, 2)
		assert.Equal(t, "first", added[0].Payload)
		assert.Equal(t, "second", added[1].Payload)

		for _, child := range added {
			assert.Equal(t, parent.ID, *child.ParentTaskID)
			assert.Equal(t, parent.RootTaskID, child.RootTaskID)
			assert.Equal(t, "token-p", child.AuthToken)
			assert.Equal(t, "bulk", child.GroupID)
			assert.Contains(t, f.queue.enqueuedIDs(), child.ID)
		}
	})

	t.Run("missing parent", func(t *testing.T) {
		_, err := f.manager.AddSubtask(ctx, uuid.New(), types.CreateTaskRequest{Type: "countdown"})
		assert.True(t, pulseerrors.IsNotFound(err))
	})
}
