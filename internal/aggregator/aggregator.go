// Package aggregator rolls child progress up into ancestor tasks.
package aggregator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/denkhaus/pulse/internal/events"
	"github.com/denkhaus/pulse/internal/types"
)

// Aggregator recomputes a parent's progress from its immediate children
// whenever a child reports progress or reaches a terminal state, and walks
// the change up to every ancestor.
//
// A parent's progress is the weighted average of its children, where a
// Completed child contributes 100 and every other state contributes the
// child's last recorded progress. This preserves progress-at-failure for
// cancelled, errored and terminated children.
type Aggregator struct {
	repo      types.Repository
	publisher events.Publisher
	logger    *zap.Logger
}

// New creates an aggregator.
func New(repo types.Repository, publisher events.Publisher, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

// ChildChanged recomputes progress for the ancestors of the given task.
// The walk is iterative; the task graph is a tree, so it is bounded by
// depth.
func (a *Aggregator) ChildChanged(ctx context.Context, child *types.TaskItem) {
	parentID := child.ParentTaskID
	for parentID != nil {
		parent, err := a.repo.Get(ctx, *parentID)
		if err != nil {
			a.logger.Warn("aggregation stopped, parent unavailable",
				zap.String("parent_id", parentID.String()), zap.Error(err))
			return
		}

		children, err := a.repo.GetChildren(ctx, parent.ID)
		if err != nil {
			a.logger.Warn("aggregation stopped, children unavailable",
				zap.String("parent_id", parent.ID.String()), zap.Error(err))
			return
		}
		if len(children) == 0 {
			return
		}

		parent.Progress = weightedProgress(children)
		parent.ProgressDetails = fmt.Sprintf("Aggregated from %d children", len(children))
		parent.ProgressPayload = ""
		if err := a.repo.Put(ctx, parent); err != nil {
			a.logger.Warn("aggregation write failed",
				zap.String("parent_id", parent.ID.String()), zap.Error(err))
			return
		}

		// Consumers distinguish aggregated parent progress from leaf
		// progress by this details marker and the empty payload.
		a.publisher.Progress(parent, parent.Progress, parent.ProgressDetails, "")

		parentID = parent.ParentTaskID
	}
}

// weightedProgress computes the weighted average contribution of a child
// set. Zero total weight yields zero progress.
func weightedProgress(children []*types.TaskItem) float64 {
	var totalWeight float64
	for _, child := range children {
		totalWeight += child.Weight
	}
	if totalWeight == 0 {
		return 0
	}

	var progress float64
	for _, child := range children {
		contribution := child.Progress
		if child.State == types.TaskStateCompleted {
			contribution = 100
		}
		progress += child.Weight / totalWeight * contribution
	}
	return progress
}
