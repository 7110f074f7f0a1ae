// Package engine wires the execution core together: repository, queue,
// gates, aggregator, manager and dispatcher behind one Start/Stop facade.
package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/denkhaus/pulse/internal/aggregator"
	"github.com/denkhaus/pulse/internal/config"
	"github.com/denkhaus/pulse/internal/dispatcher"
	"github.com/denkhaus/pulse/internal/events"
	"github.com/denkhaus/pulse/internal/executor"
	"github.com/denkhaus/pulse/internal/gate"
	"github.com/denkhaus/pulse/internal/manager"
	"github.com/denkhaus/pulse/internal/metrics"
	"github.com/denkhaus/pulse/internal/queue"
	"github.com/denkhaus/pulse/internal/types"
)

// Engine is the assembled execution core.
type Engine struct {
	Repo     types.Repository
	Bus      *events.Bus
	Queue    *queue.Queue
	Registry *executor.Registry
	Manager  manager.Service

	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Engine during construction.
type Option func(*options)

type options struct {
	metrics *metrics.Metrics
}

// WithMetrics attaches prometheus instrumentation to the dispatcher.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// New assembles an engine over the given repository.
func New(cfg *config.Config, repo types.Repository, logger *zap.Logger, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	bus := events.NewBus(cfg.EventBufferSize, logger)
	q := queue.New()
	gates := gate.NewSet(cfg.Groups)
	agg := aggregator.New(repo, bus, logger)
	registry := executor.NewRegistry()
	mgr := manager.NewManager(repo, q, bus, agg, logger)

	disp := dispatcher.New(repo, q, gates, registry, bus, agg, mgr, o.metrics, dispatcher.Config{
		DefaultTaskTimeout: cfg.DefaultTaskTimeout,
		QueuePollInterval:  cfg.QueuePollInterval,
	}, logger)
	mgr.SetCancelSignaler(disp)

	return &Engine{
		Repo:       repo,
		Bus:        bus,
		Queue:      q,
		Registry:   registry,
		Manager:    mgr,
		dispatcher: disp,
		logger:     logger,
	}
}

// Start launches the dispatch loop. It is idempotent until Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		e.dispatcher.Run(runCtx)
	}()
}

// Stop cancels the dispatch loop, waits for in-flight workers to drain and
// closes the event bus.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.Queue.Close()
	<-done
	e.Bus.Close()
}
