// Package app wires the CLI application around the engine.
package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/denkhaus/pulse/internal/config"
	"github.com/denkhaus/pulse/internal/engine"
	"github.com/denkhaus/pulse/internal/executor"
	"github.com/denkhaus/pulse/internal/logger"
	"github.com/denkhaus/pulse/internal/metrics"
	"github.com/denkhaus/pulse/internal/push"
	"github.com/denkhaus/pulse/internal/repository/inmemory"
	"github.com/denkhaus/pulse/internal/repository/sqlite"
	"github.com/denkhaus/pulse/internal/types"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// SetVersionFromBuild injects build-time version information.
func SetVersionFromBuild(v, c, d string) {
	version, commit, date = v, c, d
}

// App represents the CLI application
type App struct {
	*cli.App
}

// New creates a new CLI application
func New() (*App, error) {
	cliApp := &cli.App{
		Name:    "pulse",
		Usage:   "A task execution engine with priority queues, group concurrency caps and hierarchical orchestration",
		Version: version,
		Flags: []cli.Flag{
			NewLogLevelFlag(),
		},
		Before: func(c *cli.Context) error {
			logger.SetLogLevel(c.String("log-level"))
			return nil
		},
		After: func(c *cli.Context) error {
			logger.Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the engine with the event push and metrics server",
				Action: serveAction,
				Flags: []cli.Flag{
					NewConfigFlag(),
					NewListenFlag(),
					NewDatabaseFlag(),
					NewInMemoryFlag(),
				},
			},
			{
				Name:  "version",
				Usage: "Print build information",
				Action: func(c *cli.Context) error {
					_, err := os.Stdout.WriteString("pulse " + version + " (" + commit + ", " + date + ")\n")
					return err
				},
			},
		},
	}

	return &App{App: cliApp}, nil
}

func serveAction(c *cli.Context) error {
	appLogger := logger.GetLogger()

	cfg, err := config.LoadFromFile(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("listen"); addr != "" {
		cfg.ListenAddr = addr
	}
	if db := c.String("db"); db != "" {
		cfg.DatabasePath = db
	}

	var repo types.Repository
	if c.Bool("in-memory") {
		repo = inmemory.NewRepository()
	} else {
		repo, err = sqlite.NewRepository(
			sqlite.WithDatabasePath(cfg.DatabasePath),
			sqlite.WithLogger(appLogger),
			sqlite.WithAutoMigrate(true),
		)
		if err != nil {
			appLogger.Warn("failed to initialize SQLite repository, falling back to in-memory", zap.Error(err))
			repo = inmemory.NewRepository()
		}
	}
	defer func() { _ = repo.Close() }()

	registry := prometheus.NewRegistry()
	eng := engine.New(cfg, repo, appLogger, engine.WithMetrics(metrics.New(registry)))

	// Demo executors; real deployments register their own before Start.
	eng.Registry.Register(&executor.CountdownExecutor{})
	eng.Registry.Register(&executor.SleepExecutor{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	defer eng.Stop()

	hub := push.NewHub(eng.Bus, appLogger)
	go hub.Run()
	defer hub.Close()

	mux := http.NewServeMux()
	mux.Handle("/events", hub)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	appLogger.Info("pulse engine serving",
		zap.String("listen", cfg.ListenAddr),
		zap.Duration("task_timeout", cfg.DefaultTaskTimeout))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
