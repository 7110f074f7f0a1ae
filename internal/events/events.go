// Package events defines the outbound event stream of the engine and an
// in-process bus that fans events out to subscribers.
//
// The core treats publishing as best-effort: at-least-once, never blocking.
// For a given task id, subscribers observe events in the order the core
// emitted them.
package events

import (
	"github.com/google/uuid"

	"github.com/denkhaus/pulse/internal/types"
)

// EventType discriminates the envelope payload.
type EventType string

const (
	EventTaskCreated  EventType = "task.created"
	EventTaskUpdated  EventType = "task.updated"
	EventTaskDeleted  EventType = "task.deleted"
	EventStateChanged EventType = "task.state_changed"
	EventProgress     EventType = "task.progress"
)

// Event is the envelope published for every task lifecycle notification.
// Task is set for created/updated events; the remaining fields cover the
// deleted/state/progress variants.
type Event struct {
	Type    EventType       `json:"type"`
	TaskID  uuid.UUID       `json:"task_id"`
	OwnerID string          `json:"owner_id"`
	Task    *types.TaskItem `json:"task,omitempty"`

	NewState types.TaskState `json:"new_state,omitempty"`
	Details  string          `json:"details,omitempty"`

	Percentage float64 `json:"percentage,omitempty"`
	Payload    string  `json:"payload,omitempty"`
}

// Publisher is the fire-and-forget sink the core emits into. Implementations
// must not block the caller.
type Publisher interface {
	TaskCreated(task *types.TaskItem)
	TaskUpdated(task *types.TaskItem)
	TaskDeleted(taskID uuid.UUID, ownerID string)
	StateChanged(task *types.TaskItem, newState types.TaskState, details string)
	Progress(task *types.TaskItem, percentage float64, details, payload string)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) TaskCreated(*types.TaskItem) {}

func (NopPublisher) TaskUpdated(*types.TaskItem) {}

func (NopPublisher) TaskDeleted(uuid.UUID, string) {}

func (NopPublisher) StateChanged(*types.TaskItem, types.TaskState, string) {}

func (NopPublisher) Progress(*types.TaskItem, float64, string, string) {}

var _ Publisher = NopPublisher{}
