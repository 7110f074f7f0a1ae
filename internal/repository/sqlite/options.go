package sqlite

import (
	"time"

	"go.uber.org/zap"
)

// Config holds configuration for the SQLite repository
type Config struct {
	// Database connection settings
	DatabasePath    string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Migration settings
	AutoMigrate bool
	Logger      *zap.Logger
}

// DefaultConfig returns a default configuration optimized for SQLite
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "",
		// SQLite is single-writer, multiple readers; one connection avoids
		// write contention entirely.
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: 0,
		ConnMaxIdleTime: time.Minute * 30,
		AutoMigrate:     true,
		Logger:          zap.NewNop(),
	}
}

// Option is a function that configures a SQLite repository
type Option func(*sqliteRepository)

// WithConfig sets the entire configuration
func WithConfig(config *Config) Option {
	return func(r *sqliteRepository) {
		r.config = config
	}
}

// WithDatabasePath sets the database file path
func WithDatabasePath(path string) Option {
	return func(r *sqliteRepository) {
		r.config.DatabasePath = path
	}
}

// WithLogger sets a logger for debugging reasons
func WithLogger(logger *zap.Logger) Option {
	return func(r *sqliteRepository) {
		r.config.Logger = logger
	}
}

// WithAutoMigrate enables or disables auto-migration
func WithAutoMigrate(enable bool) Option {
	return func(r *sqliteRepository) {
		r.config.AutoMigrate = enable
	}
}

// WithConnectionPool configures the connection pool
func WithConnectionPool(maxOpen, maxIdle int) Option {
	return func(r *sqliteRepository) {
		r.config.MaxOpenConns = maxOpen
		r.config.MaxIdleConns = maxIdle
	}
}
