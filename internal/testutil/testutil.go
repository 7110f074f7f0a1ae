// Package testutil provides shared helpers for engine tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/denkhaus/pulse/internal/config"
	"github.com/denkhaus/pulse/internal/engine"
	"github.com/denkhaus/pulse/internal/repository/inmemory"
	"github.com/denkhaus/pulse/internal/types"
)

// FastConfig returns an engine config tuned for tests: short timeout, tight
// poll interval, a small default group plus a one-slot group for gate
// tests.
func FastConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.DefaultTaskTimeout = 30 * time.Second
	cfg.QueuePollInterval = 5 * time.Millisecond
	cfg.Groups = []types.GroupConfig{
		{ID: types.DefaultGroupID, MaxParallelism: 8},
		{ID: "narrow", MaxParallelism: 1},
	}
	return cfg
}

// NewEngine builds a started engine over the in-memory repository and
// registers cleanup.
func NewEngine(t *testing.T, cfg *config.Config) *engine.Engine {
	t.Helper()
	if cfg == nil {
		cfg = FastConfig()
	}
	eng := engine.New(cfg, inmemory.NewRepository(), Logger(t))
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)
	return eng
}

// Logger returns a zap logger wired to the test output.
func Logger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// WaitForState polls until the task reaches the wanted state or the
// deadline expires.
func WaitForState(t *testing.T, eng *engine.Engine, id uuid.UUID, owner string, want types.TaskState, timeout time.Duration) *types.TaskItem {
	t.Helper()
	ctx := context.Background()

	deadline := time.Now().Add(timeout)
	for {
		task, err := eng.Manager.Get(ctx, id, owner)
		if err == nil && task.State == want {
			return task
		}
		if time.Now().After(deadline) {
			if err != nil {
				t.Fatalf("task never reached state %s: %v", want, err)
			}
			t.Fatalf("task never reached state %s, still %s (%s)", want, task.State, task.StateDetails)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitForTerminal polls until the task reaches any terminal state.
func WaitForTerminal(t *testing.T, eng *engine.Engine, id uuid.UUID, owner string, timeout time.Duration) *types.TaskItem {
	t.Helper()
	ctx := context.Background()

	deadline := time.Now().Add(timeout)
	for {
		task, err := eng.Manager.Get(ctx, id, owner)
		if err == nil && task.State.IsTerminal() {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never reached a terminal state")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
