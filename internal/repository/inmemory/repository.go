// Package inmemory provides the reference Repository backend backed by maps
// and a read-write mutex.
package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/denkhaus/pulse/internal/errors"
	"github.com/denkhaus/pulse/internal/types"
)

// memoryRepository implements the Repository contract with in-memory storage.
// Secondary indexes by owner and parent keep the tree queries cheap.
type memoryRepository struct {
	mu            sync.RWMutex
	tasks         map[uuid.UUID]*types.TaskItem
	tasksByOwner  map[string][]uuid.UUID
	tasksByParent map[uuid.UUID][]uuid.UUID
}

// NewRepository creates a new in-memory repository.
func NewRepository() types.Repository {
	return &memoryRepository{
		tasks:         make(map[uuid.UUID]*types.TaskItem),
		tasksByOwner:  make(map[string][]uuid.UUID),
		tasksByParent: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (r *memoryRepository) Get(ctx context.Context, id uuid.UUID) (*types.TaskItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, exists := r.tasks[id]
	if !exists {
		return nil, errors.TaskNotFoundError(id)
	}
	return task.Clone(), nil
}

func (r *memoryRepository) Put(ctx context.Context, task *types.TaskItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.putLocked(task)
	return nil
}

// putLocked inserts or replaces a task and maintains indexes. Caller holds
// the write lock.
func (r *memoryRepository) putLocked(task *types.TaskItem) {
	stored := task.Clone()
	stored.UpdatedAt = time.Now()

	if _, exists := r.tasks[stored.ID]; !exists {
		r.tasksByOwner[stored.OwnerID] = append(r.tasksByOwner[stored.OwnerID], stored.ID)
		if stored.ParentTaskID != nil {
			r.tasksByParent[*stored.ParentTaskID] = append(r.tasksByParent[*stored.ParentTaskID], stored.ID)
		}
	}
	r.tasks[stored.ID] = stored
}

func (r *memoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(id)
}

func (r *memoryRepository) deleteLocked(id uuid.UUID) error {
	task, exists := r.tasks[id]
	if !exists {
		return errors.TaskNotFoundError(id)
	}

	delete(r.tasks, id)
	r.tasksByOwner[task.OwnerID] = removeID(r.tasksByOwner[task.OwnerID], id)
	if task.ParentTaskID != nil {
		r.tasksByParent[*task.ParentTaskID] = removeID(r.tasksByParent[*task.ParentTaskID], id)
	}
	delete(r.tasksByParent, id)
	return nil
}

func (r *memoryRepository) GetByOwner(ctx context.Context, ownerID string) ([]*types.TaskItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.tasksByOwner[ownerID]
	tasks := make([]*types.TaskItem, 0, len(ids))
	for _, id := range ids {
		if task, exists := r.tasks[id]; exists {
			tasks = append(tasks, task.Clone())
		}
	}
	// Newest first
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (r *memoryRepository) GetChildren(ctx context.Context, parentID uuid.UUID) ([]*types.TaskItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.childrenLocked(parentID), nil
}

func (r *memoryRepository) childrenLocked(parentID uuid.UUID) []*types.TaskItem {
	ids := r.tasksByParent[parentID]
	tasks := make([]*types.TaskItem, 0, len(ids))
	for _, id := range ids {
		if task, exists := r.tasks[id]; exists {
			tasks = append(tasks, task.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

func (r *memoryRepository) GetDescendants(ctx context.Context, rootID uuid.UUID) ([]*types.TaskItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var descendants []*types.TaskItem
	frontier := []uuid.UUID{rootID}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, child := range r.childrenLocked(next) {
			descendants = append(descendants, child)
			frontier = append(frontier, child.ID)
		}
	}
	return descendants, nil
}

func (r *memoryRepository) ChildCount(ctx context.Context, parentID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasksByParent[parentID]), nil
}

func (r *memoryRepository) AddBatch(ctx context.Context, tasks []*types.TaskItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// All or none: reject the whole batch on any duplicate id.
	for _, task := range tasks {
		if _, exists := r.tasks[task.ID]; exists {
			return errors.InvalidRequestError("batch insert",
				&duplicateIDError{id: task.ID})
		}
	}
	for _, task := range tasks {
		r.putLocked(task)
	}
	return nil
}

func (r *memoryRepository) DeleteSubtree(ctx context.Context, rootID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[rootID]; !exists {
		return errors.TaskNotFoundError(rootID)
	}
	return r.deleteSubtreeLocked(rootID)
}

// deleteSubtreeLocked removes children before their parent so the tree is
// never observable in a parent-less intermediate shape.
func (r *memoryRepository) deleteSubtreeLocked(id uuid.UUID) error {
	children := append([]uuid.UUID(nil), r.tasksByParent[id]...)
	for _, childID := range children {
		if err := r.deleteSubtreeLocked(childID); err != nil {
			return err
		}
	}
	return r.deleteLocked(id)
}

func (r *memoryRepository) Close() error {
	return nil
}

type duplicateIDError struct {
	id uuid.UUID
}

func (e *duplicateIDError) Error() string {
	return "duplicate task id " + e.id.String()
}

func removeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
