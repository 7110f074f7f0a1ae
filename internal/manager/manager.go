package manager

import (
	"go.uber.org/zap"

	"github.com/denkhaus/pulse/internal/aggregator"
	"github.com/denkhaus/pulse/internal/events"
	"github.com/denkhaus/pulse/internal/types"
)

// Service is the concrete task manager. It exposes SetCancelSignaler on top
// of the TaskManager interface so the engine can wire the dispatcher in
// after construction.
type Service interface {
	TaskManager
	SetCancelSignaler(signaler CancelSignaler)
}

// NewManager creates a new task manager over the given repository and queue
func NewManager(repo types.Repository, queue TaskEnqueuer, publisher events.Publisher, agg *aggregator.Aggregator, logger *zap.Logger) Service {
	return newService(repo, queue, publisher, agg, logger)
}
