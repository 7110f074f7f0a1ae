package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/denkhaus/pulse/internal/types"
)

// CountdownExecutor runs for a payload-configured duration and reports
// progress once per tick. Payload: {"durationInSeconds": N}.
type CountdownExecutor struct {
	// Tick overrides the reporting interval; zero means one second.
	Tick time.Duration
}

type countdownPayload struct {
	DurationInSeconds float64 `json:"durationInSeconds"`
}

// TaskType implements Executor.
func (e *CountdownExecutor) TaskType() string { return "countdown" }

// Execute implements Executor.
func (e *CountdownExecutor) Execute(ctx context.Context, task *types.TaskItem, sink ProgressSink) error {
	var payload countdownPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return fmt.Errorf("invalid countdown payload: %w", err)
	}
	if payload.DurationInSeconds <= 0 {
		return fmt.Errorf("durationInSeconds must be positive, got %f", payload.DurationInSeconds)
	}

	tick := e.Tick
	if tick <= 0 {
		tick = time.Second
	}
	total := time.Duration(payload.DurationInSeconds * float64(time.Second))
	steps := int(total / tick)
	if steps < 1 {
		steps = 1
	}

	ticker := time.NewTicker(total / time.Duration(steps))
	defer ticker.Stop()

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pct := float64(i) / float64(steps) * 100
			sink.Report(pct, fmt.Sprintf("countdown step %d/%d", i, steps), "")
		}
	}
	return nil
}

// SleepExecutor blocks for a payload-configured duration without reporting
// progress. Payload: {"durationInSeconds": N}. Useful for timeout and
// cancellation scenarios.
type SleepExecutor struct{}

// TaskType implements Executor.
func (e *SleepExecutor) TaskType() string { return "sleep" }

// Execute implements Executor.
func (e *SleepExecutor) Execute(ctx context.Context, task *types.TaskItem, sink ProgressSink) error {
	var payload countdownPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return fmt.Errorf("invalid sleep payload: %w", err)
	}

	timer := time.NewTimer(time.Duration(payload.DurationInSeconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
