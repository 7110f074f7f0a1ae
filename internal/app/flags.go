package app

import (
	"github.com/urfave/cli/v2"
)

func NewConfigFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the engine config file (YAML)",
		EnvVars: []string{"PULSE_CONFIG"},
	}
}

func NewListenFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "listen",
		Usage:   "Bind address for the event push and metrics server",
		EnvVars: []string{"PULSE_LISTEN"},
	}
}

func NewDatabaseFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "db",
		Usage:   "SQLite database path",
		EnvVars: []string{"PULSE_DB"},
	}
}

func NewInMemoryFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "in-memory",
		Usage: "Run on the in-memory repository instead of SQLite",
	}
}

func NewLogLevelFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level (off, error, warn, info, debug)",
		Value: "info",
	}
}
