// Package logging provides structured logging for the anchor callback processor.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ComponentLogger wraps a zerolog.Logger with service identity fields.
type ComponentLogger struct {
	logger    zerolog.Logger
	component string
	version   string
}

// NewComponentLogger creates a logger for the named component. Format is
// "json" or "text"; text uses the zerolog console writer.
func NewComponentLogger(component, version, level, format string) *ComponentLogger {
	var logger zerolog.Logger
	if format == "json" {
		logger = zerolog.New(os.Stdout)
	} else {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		logger = zerolog.New(output)
	}

	logger = logger.With().
		Timestamp().
		Str("component", component).
		Str("version", version).
		Logger()

	SetLevel(level)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	return &ComponentLogger{
		logger:    logger,
		component: component,
		version:   version,
	}
}

// Info returns an info level event
func (cl *ComponentLogger) Info() *zerolog.Event {
	return cl.logger.Info()
}

// Debug returns a debug level event
func (cl *ComponentLogger) Debug() *zerolog.Event {
	return cl.logger.Debug()
}

// Warn returns a warn level event
func (cl *ComponentLogger) Warn() *zerolog.Event {
	return cl.logger.Warn()
}

// Error returns an error level event
func (cl *ComponentLogger) Error() *zerolog.Event {
	return cl.logger.Error()
}

// Fatal returns a fatal level event
func (cl *ComponentLogger) Fatal() *zerolog.Event {
	return cl.logger.Fatal()
}

// With creates a child logger context with additional fields
func (cl *ComponentLogger) With() zerolog.Context {
	return cl.logger.With()
}

// GetLogger returns the underlying zerolog logger
func (cl *ComponentLogger) GetLogger() zerolog.Logger {
	return cl.logger
}

// StartupConfig holds the fields logged at service startup.
type StartupConfig struct {
	ServiceName       string
	ServerPort        int
	HorizonURL        string
	PostgresHost      string
	PostgresDatabase  string
	SettlementEnabled bool
	PartitionTick     time.Duration
	SettlementTick    time.Duration
}

// LogStartup logs the effective startup configuration.
func (cl *ComponentLogger) LogStartup(config StartupConfig) {
	cl.Info().
		Str("service", config.ServiceName).
		Int("server_port", config.ServerPort).
		Str("horizon_url", config.HorizonURL).
		Str("postgres_host", config.PostgresHost).
		Str("postgres_database", config.PostgresDatabase).
		Bool("settlement_enabled", config.SettlementEnabled).
		Dur("partition_tick", config.PartitionTick).
		Dur("settlement_tick", config.SettlementTick).
		Msg("Starting anchor callback processor")
}

// SetLevel sets the global logging level.
func SetLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
