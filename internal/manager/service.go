package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/denkhaus/pulse/internal/aggregator"
	pulseerrors "github.com/denkhaus/pulse/internal/errors"
	"github.com/denkhaus/pulse/internal/events"
	"github.com/denkhaus/pulse/internal/types"
	"github.com/denkhaus/pulse/internal/validation"
)

// Cancellation details attached to state-change events.
const (
	DetailsCancelledByUser  = "Cancelled by user request"
	DetailsCancelledSubtree = "Cancelled by user request (with subtree)"
	DetailsCancelledCascade = "Cancelled (cascade from parent)"
)

// service provides the task management business logic
type service struct {
	repo       types.Repository
	queue      TaskEnqueuer
	publisher  events.Publisher
	aggregator *aggregator.Aggregator
	inputs     *validation.InputValidator
	states     *validation.StateValidator
	logger     *zap.Logger

	signalMu sync.RWMutex
	signaler CancelSignaler
}

// newService creates a new task management service
func newService(repo types.Repository, queue TaskEnqueuer, publisher events.Publisher, agg *aggregator.Aggregator, logger *zap.Logger) *service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		repo:       repo,
		queue:      queue,
		publisher:  publisher,
		aggregator: agg,
		inputs:     validation.NewInputValidator(),
		states:     validation.NewStateValidator(),
		logger:     logger,
	}
}

// Ensure service implements TaskManager
var _ TaskManager = (*service)(nil)

// SetCancelSignaler wires the dispatcher's cancellation tokens in after
// construction; manager and dispatcher reference each other only through
// interfaces.
func (s *service) SetCancelSignaler(signaler CancelSignaler) {
	s.signalMu.Lock()
	defer s.signalMu.Unlock()
	s.signaler = signaler
}

func (s *service) signalCancel(id uuid.UUID) bool {
	s.signalMu.RLock()
	defer s.signalMu.RUnlock()
	if s.signaler == nil {
		return false
	}
	return s.signaler.SignalCancel(id)
}

// Creation

func (s *service) Create(ctx context.Context, owner string, req types.CreateTaskRequest, authToken string) (*types.TaskItem, error) {
	if err := s.inputs.ValidateCreateRequest(req); err != nil {
		return nil, pulseerrors.InvalidRequestError("creating task", err)
	}

	task := types.NewTaskItem(req, owner, authToken)

	if req.ParentTaskID != nil {
		parent, err := s.repo.Get(ctx, *req.ParentTaskID)
		if err != nil {
			return nil, pulseerrors.InvalidRequestError("creating task",
				fmt.Errorf("parent task %s not found", *req.ParentTaskID))
		}
		if parent.OwnerID != owner {
			return nil, pulseerrors.InvalidRequestError("creating task",
				fmt.Errorf("parent task %s belongs to a different owner", parent.ID))
		}
		inheritFromParent(task, parent, req.GroupID == "")
	}

	if err := s.repo.Put(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.queue.Enqueue(task.ID, task.GroupID, task.Priority)
	s.publisher.TaskCreated(task)
	return task, nil
}

func (s *service) CreateHierarchy(ctx context.Context, owner string, tree types.CreateHierarchyRequest, authToken string) (*types.TaskItem, error) {
	if err := s.inputs.ValidateHierarchyRequest(tree); err != nil {
		return nil, pulseerrors.InvalidRequestError("creating hierarchy", err)
	}

	root := types.NewTaskItem(tree.ParentTask, owner, authToken)
	batch := []*types.TaskItem{root}
	batch = append(batch, materializeChildren(tree.ChildTasks, root, owner)...)

	if err := s.repo.AddBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create hierarchy: %w", err)
	}

	// Children wait for the parent path; only the root enters the queue.
	s.queue.Enqueue(root.ID, root.GroupID, root.Priority)
	for _, task := range batch {
		s.publisher.TaskCreated(task)
	}
	return root, nil
}

// materializeChildren walks the request tree depth-first, stamping root
// inheritance onto every node.
func materializeChildren(nodes []types.CreateHierarchyRequest, parent *types.TaskItem, owner string) []*types.TaskItem {
	var out []*types.TaskItem
	for _, node := range nodes {
		child := types.NewTaskItem(node.ParentTask, owner, parent.AuthToken)
		parentID := parent.ID
		child.ParentTaskID = &parentID
		inheritFromParent(child, parent, node.ParentTask.GroupID == "")
		out = append(out, child)
		out = append(out, materializeChildren(node.ChildTasks, child, owner)...)
	}
	return out
}

// inheritFromParent snapshots the root-scoped fields onto a child.
func inheritFromParent(child, parent *types.TaskItem, inheritGroup bool) {
	child.RootTaskID = parent.RootTaskID
	child.AuthToken = parent.AuthToken
	child.TrackHistory = parent.TrackHistory
	if inheritGroup {
		child.GroupID = parent.GroupID
	}
}

// Queries

func (s *service) Get(ctx context.Context, id uuid.UUID, owner string) (*types.TaskItem, error) {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != owner {
		return nil, pulseerrors.OwnerMismatchError(id, owner)
	}
	return task, nil
}

func (s *service) ListOwnerTasks(ctx context.Context, owner string) ([]*types.TaskItem, error) {
	return s.repo.GetByOwner(ctx, owner)
}

// Updates

func (s *service) Update(ctx context.Context, id uuid.UUID, owner string, updates types.TaskUpdates) (*types.TaskItem, error) {
	task, err := s.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if task.State != types.TaskStateQueued {
		return nil, pulseerrors.InvalidStateError("updating task", id, string(task.State))
	}

	if updates.Payload != nil {
		task.Payload = *updates.Payload
	}
	if updates.Priority != nil && *updates.Priority != task.Priority {
		task.Priority = *updates.Priority
		// Reposition in the queue under the new priority.
		s.queue.TryCancel(task.ID)
		s.queue.Enqueue(task.ID, task.GroupID, task.Priority)
	}

	if err := s.repo.Put(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	s.publisher.TaskUpdated(task)
	return task, nil
}

func (s *service) SetOutput(ctx context.Context, id uuid.UUID, output string) error {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	task.Output = output
	if err := s.repo.Put(ctx, task); err != nil {
		return fmt.Errorf("failed to set task output: %w", err)
	}
	return nil
}

func (s *service) UpdateQueuedPayload(ctx context.Context, id uuid.UUID, payload string) error {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.State != types.TaskStateQueued {
		return pulseerrors.InvalidStateError("updating queued payload", id, string(task.State))
	}
	task.Payload = payload
	if err := s.repo.Put(ctx, task); err != nil {
		return fmt.Errorf("failed to update payload: %w", err)
	}
	return nil
}

// Cancellation

func (s *service) Cancel(ctx context.Context, id uuid.UUID, owner string) (*types.TaskItem, error) {
	task, err := s.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	return s.cancelTask(ctx, task, DetailsCancelledByUser)
}

// cancelTask transitions a live task to Cancelled. Terminal tasks yield an
// InvalidState error and emit nothing, which makes repeated cancels
// harmless.
func (s *service) cancelTask(ctx context.Context, task *types.TaskItem, details string) (*types.TaskItem, error) {
	// Repeated cancels are silent no-ops at the event level; the validator
	// alone would wave a cancelled→cancelled transition through.
	if task.State.IsTerminal() || !s.states.IsValidTransition(task.State, types.TaskStateCancelled) {
		return nil, pulseerrors.InvalidStateError("cancelling task", task.ID, string(task.State))
	}

	switch task.State {
	case types.TaskStateQueued:
		s.queue.TryCancel(task.ID)
	case types.TaskStateExecuting:
		s.signalCancel(task.ID)
	}

	task.State = types.TaskStateCancelled
	task.StateDetails = details
	now := time.Now()
	task.CompletedAt = &now
	if err := s.repo.Put(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to cancel task: %w", err)
	}

	s.publisher.StateChanged(task, types.TaskStateCancelled, details)
	s.aggregator.ChildChanged(ctx, task)
	return task, nil
}

func (s *service) CancelSubtree(ctx context.Context, id uuid.UUID, owner string) (*types.TaskItem, error) {
	task, err := s.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}

	descendants, err := s.repo.GetDescendants(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load subtree: %w", err)
	}

	// Descendants arrive in BFS order; walking them backwards cancels
	// leaves before their parents.
	for i := len(descendants) - 1; i >= 0; i-- {
		child := descendants[i]
		if child.State.IsTerminal() {
			continue
		}
		if _, err := s.cancelTask(ctx, child, DetailsCancelledCascade); err != nil {
			s.logger.Warn("subtree cancel skipped descendant",
				zap.String("task_id", child.ID.String()), zap.Error(err))
		}
	}

	if task.State.IsTerminal() {
		return task, nil
	}
	return s.cancelTask(ctx, task, DetailsCancelledSubtree)
}

// Deletion

func (s *service) Delete(ctx context.Context, id uuid.UUID, owner string) error {
	task, err := s.Get(ctx, id, owner)
	if err != nil {
		return err
	}

	if !task.State.IsTerminal() {
		if _, err := s.cancelTask(ctx, task, DetailsCancelledByUser); err != nil {
			return err
		}
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.publisher.TaskDeleted(id, task.OwnerID)
	return nil
}

func (s *service) DeleteSubtree(ctx context.Context, id uuid.UUID, owner string) error {
	task, err := s.Get(ctx, id, owner)
	if err != nil {
		return err
	}

	if _, err := s.CancelSubtree(ctx, id, owner); err != nil && !pulseerrors.IsInvalidState(err) {
		return err
	}

	descendants, err := s.repo.GetDescendants(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load subtree: %w", err)
	}

	if err := s.repo.DeleteSubtree(ctx, id); err != nil {
		return err
	}

	for i := len(descendants) - 1; i >= 0; i-- {
		s.publisher.TaskDeleted(descendants[i].ID, descendants[i].OwnerID)
	}
	s.publisher.TaskDeleted(id, task.OwnerID)
	return nil
}

// Subtasks

func (s *service) AddSubtask(ctx context.Context, parentID uuid.UUID, req types.CreateTaskRequest) (*types.TaskItem, error) {
	tasks, err := s.AddSubtasks(ctx, parentID, []types.CreateTaskRequest{req})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

func (s *service) AddSubtasks(ctx context.Context, parentID uuid.UUID, reqs []types.CreateTaskRequest) ([]*types.TaskItem, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	parent, err := s.repo.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.State != types.TaskStateExecuting {
		return nil, pulseerrors.InvalidStateError("adding subtask", parentID, string(parent.State))
	}

	for _, req := range reqs {
		if err := s.inputs.ValidateCreateRequest(req); err != nil {
			return nil, pulseerrors.InvalidRequestError("adding subtask", err)
		}
	}

	tasks := make([]*types.TaskItem, 0, len(reqs))
	for _, req := range reqs {
		child := types.NewTaskItem(req, parent.OwnerID, parent.AuthToken)
		pid := parent.ID
		child.ParentTaskID = &pid
		inheritFromParent(child, parent, req.GroupID == "")

		if err := s.repo.Put(ctx, child); err != nil {
			return nil, fmt.Errorf("failed to add subtask: %w", err)
		}
		s.queue.Enqueue(child.ID, child.GroupID, child.Priority)
		s.publisher.TaskCreated(child)
		tasks = append(tasks, child)
	}

	// A new child dilutes the weighted average immediately.
	s.aggregator.ChildChanged(ctx, tasks[0])
	return tasks, nil
}
