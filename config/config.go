// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the full configuration for the anchor callback processor.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Horizon    HorizonConfig    `yaml:"horizon"`
	Partitions PartitionConfig  `yaml:"partitions"`
	Settlement SettlementConfig `yaml:"settlement"`
	Flags      FlagsConfig      `yaml:"flags"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServiceConfig contains service-level settings.
type ServiceConfig struct {
	Name                string `yaml:"name"`
	Port                int    `yaml:"port"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

// PostgresConfig contains PostgreSQL connection settings. DatabaseURL, when
// set, takes precedence over the individual fields.
type PostgresConfig struct {
	DatabaseURL string `yaml:"database_url"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
}

// HorizonConfig contains Stellar Horizon endpoint settings.
type HorizonConfig struct {
	URL            string `yaml:"url"`
	FallbackURL    string `yaml:"fallback_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// PartitionConfig controls the transaction partition rotation.
type PartitionConfig struct {
	TickIntervalHours int `yaml:"tick_interval_hours"`
	WindowHours       int `yaml:"window_hours"`
	LookaheadWindows  int `yaml:"lookahead_windows"`
	RetentionDays     int `yaml:"retention_days"`
}

// SettlementConfig controls the settlement engine.
type SettlementConfig struct {
	IntervalMinutes  int    `yaml:"interval_minutes"`
	SafetyLagMinutes int    `yaml:"safety_lag_minutes"`
	BatchLimit       int    `yaml:"batch_limit"`
	MaxAttempts      int    `yaml:"max_attempts"`
	MatchTolerance   string `yaml:"match_tolerance"`
	WorkerLimit      int    `yaml:"worker_limit"`
}

// FlagsConfig controls the feature flag cache refresh.
type FlagsConfig struct {
	RefreshIntervalMinutes int `yaml:"refresh_interval_minutes"`
}

// LoggingConfig contains log level and format settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a YAML file, applies defaults, and
// then applies environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	config.applyEnvOverrides()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "anchor-callback-processor"
	}
	if c.Service.Port == 0 {
		c.Service.Port = 3000
	}
	if c.Service.ReadTimeoutSeconds == 0 {
		c.Service.ReadTimeoutSeconds = 15
	}
	if c.Service.WriteTimeoutSeconds == 0 {
		c.Service.WriteTimeoutSeconds = 30
	}
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 10
	}
	if c.Horizon.TimeoutSeconds == 0 {
		c.Horizon.TimeoutSeconds = 10
	}
	if c.Partitions.TickIntervalHours == 0 {
		c.Partitions.TickIntervalHours = 24
	}
	if c.Partitions.WindowHours == 0 {
		c.Partitions.WindowHours = 24
	}
	if c.Partitions.LookaheadWindows == 0 {
		c.Partitions.LookaheadWindows = 1
	}
	if c.Partitions.RetentionDays == 0 {
		c.Partitions.RetentionDays = 90
	}
	if c.Settlement.IntervalMinutes == 0 {
		c.Settlement.IntervalMinutes = 60
	}
	if c.Settlement.SafetyLagMinutes == 0 {
		c.Settlement.SafetyLagMinutes = 5
	}
	if c.Settlement.BatchLimit == 0 {
		c.Settlement.BatchLimit = 500
	}
	if c.Settlement.MaxAttempts == 0 {
		c.Settlement.MaxAttempts = 12
	}
	if c.Settlement.MatchTolerance == "" {
		c.Settlement.MatchTolerance = "0.0000001"
	}
	if c.Settlement.WorkerLimit == 0 {
		c.Settlement.WorkerLimit = 4
	}
	if c.Flags.RefreshIntervalMinutes == 0 {
		c.Flags.RefreshIntervalMinutes = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Service.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DatabaseURL = v
	}
	if v := os.Getenv("STELLAR_HORIZON_URL"); v != "" {
		c.Horizon.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate checks the configuration for values that would make the service
// misbehave at runtime. A non-nil error is fatal: the process must not
// serve traffic with an invalid configuration.
func (c *Config) Validate() error {
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid service port: %d", c.Service.Port)
	}
	if c.Postgres.DatabaseURL == "" {
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
	}
	if c.Horizon.URL == "" {
		return fmt.Errorf("horizon url is required")
	}
	if c.Horizon.TimeoutSeconds < 1 {
		return fmt.Errorf("horizon timeout_seconds must be >= 1, got %d", c.Horizon.TimeoutSeconds)
	}
	// Intervals feed time.NewTicker, which panics on non-positive values;
	// they must be rejected here, not at task start.
	if c.Partitions.TickIntervalHours < 1 {
		return fmt.Errorf("partitions tick_interval_hours must be >= 1, got %d", c.Partitions.TickIntervalHours)
	}
	if c.Partitions.WindowHours < 1 {
		return fmt.Errorf("partitions window_hours must be >= 1, got %d", c.Partitions.WindowHours)
	}
	if c.Partitions.LookaheadWindows < 1 {
		return fmt.Errorf("partitions lookahead_windows must be >= 1, got %d", c.Partitions.LookaheadWindows)
	}
	if c.Partitions.RetentionDays < 1 {
		return fmt.Errorf("partitions retention_days must be >= 1, got %d", c.Partitions.RetentionDays)
	}
	if c.Settlement.IntervalMinutes < 1 {
		return fmt.Errorf("settlement interval_minutes must be >= 1, got %d", c.Settlement.IntervalMinutes)
	}
	if c.Settlement.SafetyLagMinutes < 0 {
		return fmt.Errorf("settlement safety_lag_minutes must not be negative, got %d", c.Settlement.SafetyLagMinutes)
	}
	if c.Settlement.BatchLimit < 1 {
		return fmt.Errorf("settlement batch_limit must be >= 1, got %d", c.Settlement.BatchLimit)
	}
	if c.Settlement.MaxAttempts < 1 {
		return fmt.Errorf("settlement max_attempts must be >= 1, got %d", c.Settlement.MaxAttempts)
	}
	if c.Settlement.WorkerLimit < 1 {
		return fmt.Errorf("settlement worker_limit must be >= 1, got %d", c.Settlement.WorkerLimit)
	}
	if c.Flags.RefreshIntervalMinutes < 1 {
		return fmt.Errorf("flags refresh_interval_minutes must be >= 1, got %d", c.Flags.RefreshIntervalMinutes)
	}
	tol, err := decimal.NewFromString(c.Settlement.MatchTolerance)
	if err != nil {
		return fmt.Errorf("settlement match_tolerance is not a decimal: %w", err)
	}
	if tol.IsNegative() {
		return fmt.Errorf("settlement match_tolerance must not be negative, got %s", tol)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging format must be 'text' or 'json', got %q", c.Logging.Format)
	}
	return nil
}

// GetPostgresDSN returns the PostgreSQL connection string. A DATABASE_URL
// override wins over the individual fields.
func (c *PostgresConfig) GetPostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode)
}

// PartitionWindow returns the partition window size as a duration.
func (c *PartitionConfig) PartitionWindow() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

// Retention returns the partition retention horizon as a duration.
func (c *PartitionConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// TickInterval returns the partition manager tick interval.
func (c *PartitionConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalHours) * time.Hour
}

// TickInterval returns the settlement engine tick interval.
func (c *SettlementConfig) TickInterval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// SafetyLag returns how old a pending transaction must be before the
// settlement engine will look at it.
func (c *SettlementConfig) SafetyLag() time.Duration {
	return time.Duration(c.SafetyLagMinutes) * time.Minute
}

// Tolerance returns the parsed match tolerance. Validate must have been
// called first; an unparseable value falls back to zero tolerance.
func (c *SettlementConfig) Tolerance() decimal.Decimal {
	tol, err := decimal.NewFromString(c.MatchTolerance)
	if err != nil {
		return decimal.Zero
	}
	return tol
}

// RefreshInterval returns the feature flag cache refresh interval.
func (c *FlagsConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMinutes) * time.Minute
}

// Timeout returns the per-call Horizon timeout.
func (c *HorizonConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
