package executor

import (
	"sync"

	"github.com/denkhaus/pulse/internal/errors"
)

// Registry maps task types to executors. Registration happens at startup;
// lookups happen on every dispatch, so reads take the cheap path.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Register adds an executor under its TaskType, replacing any previous
// registration for the same type.
func (r *Registry) Register(exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[exec.TaskType()] = exec
}

// Lookup returns the executor for a task type, or an invalid-request error
// when no executor is registered.
func (r *Registry) Lookup(taskType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[taskType]
	if !ok {
		return nil, errors.UnknownExecutorError(taskType)
	}
	return exec, nil
}

// Types returns all registered task types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.executors))
	for k := range r.executors {
		keys = append(keys, k)
	}
	return keys
}
