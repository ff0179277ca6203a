// Package config reads provledger settings from the environment.
// Command-line flags override individual fields after FromEnv.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/provledger/internal/grouping"
	"github.com/roach88/provledger/internal/store"
)

// Environment variables.
const (
	EnvDriver          = "PROVLEDGER_DB_DRIVER"
	EnvDSN             = "PROVLEDGER_DB_DSN"
	EnvBatchSize       = "PROVLEDGER_BATCH_SIZE"
	EnvRecordIncrement = "PROVLEDGER_RECORD_INCREMENT"
	EnvMaxRetries      = "PROVLEDGER_MAX_RETRIES"
	EnvPingTimeout     = "PROVLEDGER_PING_TIMEOUT"
)

// DefaultDSN is the SQLite file used when no DSN is configured.
const DefaultDSN = "provledger.db"

type Config struct {
	Driver          string
	DSN             string
	BatchSize       int
	RecordIncrement time.Duration
	MaxRetries      int
	PingTimeout     time.Duration
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Driver:          store.DriverSQLite,
		DSN:             DefaultDSN,
		BatchSize:       grouping.DefaultBatchSize,
		RecordIncrement: grouping.DefaultRecordIncrement,
		MaxRetries:      3,
		PingTimeout:     5 * time.Second,
	}
}

// FromEnv overlays the environment on the defaults and validates the result.
func FromEnv() (Config, error) {
	def := Default()

	batchSize, err := envInt(EnvBatchSize, def.BatchSize)
	if err != nil {
		return Config{}, err
	}
	increment, err := envDuration(EnvRecordIncrement, def.RecordIncrement)
	if err != nil {
		return Config{}, err
	}
	maxRetries, err := envInt(EnvMaxRetries, def.MaxRetries)
	if err != nil {
		return Config{}, err
	}
	pingTimeout, err := envDuration(EnvPingTimeout, def.PingTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Driver:          envString(EnvDriver, def.Driver),
		DSN:             envString(EnvDSN, def.DSN),
		BatchSize:       batchSize,
		RecordIncrement: increment,
		MaxRetries:      maxRetries,
		PingTimeout:     pingTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", EnvDriver, store.DriverSQLite, store.DriverPostgres, c.Driver)
	}
	if c.DSN == "" {
		return errors.New(EnvDSN + " is required")
	}
	if c.BatchSize < 1 {
		return errors.New(EnvBatchSize + " must be >= 1")
	}
	if c.RecordIncrement < 0 {
		return errors.New(EnvRecordIncrement + " must be >= 0")
	}
	if c.MaxRetries < 1 {
		return errors.New(EnvMaxRetries + " must be >= 1")
	}
	if c.PingTimeout <= 0 {
		return errors.New(EnvPingTimeout + " must be positive")
	}
	return nil
}

// StoreOptions returns the options for store.OpenWithOptions.
func (c Config) StoreOptions() store.Options {
	return store.Options{Driver: c.Driver, DSN: c.DSN, PingTimeout: c.PingTimeout}
}
