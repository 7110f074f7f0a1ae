package events

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/denkhaus/pulse/internal/types"
)

// Bus is an in-process Publisher that fans events out to subscribers.
//
// Each subscriber owns a buffered channel. Publishing happens inline on the
// emitting goroutine, so per-task ordering follows emission order and each
// subscriber channel preserves it. A subscriber that cannot keep up loses
// events rather than blocking the engine.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	bufferSize  int
	logger      *zap.Logger
}

// NewBus creates an event bus. bufferSize bounds each subscriber's backlog.
func NewBus(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[int]chan Event),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Close drops all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}

func (b *Bus) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event dropped for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("event", string(ev.Type)),
				zap.String("task_id", ev.TaskID.String()))
		}
	}
}

// TaskCreated implements Publisher.
func (b *Bus) TaskCreated(task *types.TaskItem) {
	b.publish(Event{
		Type:    EventTaskCreated,
		TaskID:  task.ID,
		OwnerID: task.OwnerID,
		Task:    task.Clone(),
	})
}

// TaskUpdated implements Publisher.
func (b *Bus) TaskUpdated(task *types.TaskItem) {
	b.publish(Event{
		Type:    EventTaskUpdated,
		TaskID:  task.ID,
		OwnerID: task.OwnerID,
		Task:    task.Clone(),
	})
}

// TaskDeleted implements Publisher.
func (b *Bus) TaskDeleted(taskID uuid.UUID, ownerID string) {
	b.publish(Event{
		Type:    EventTaskDeleted,
		TaskID:  taskID,
		OwnerID: ownerID,
	})
}

// StateChanged implements Publisher.
func (b *Bus) StateChanged(task *types.TaskItem, newState types.TaskState, details string) {
	b.publish(Event{
		Type:     EventStateChanged,
		TaskID:   task.ID,
		OwnerID:  task.OwnerID,
		NewState: newState,
		Details:  details,
	})
}

// Progress implements Publisher.
func (b *Bus) Progress(task *types.TaskItem, percentage float64, details, payload string) {
	b.publish(Event{
		Type:       EventProgress,
		TaskID:     task.ID,
		OwnerID:    task.OwnerID,
		Percentage: percentage,
		Details:    details,
		Payload:    payload,
	})
}

var _ Publisher = (*Bus)(nil)
