// Package config loads exchangecore's runtime configuration from a YAML
// file with EXCHANGE_-prefixed environment variable overrides, in the
// shape 0xtitan6-polymarket-mm's internal/config package uses for its own
// viper setup (mapstructure tags, SetEnvKeyReplacer on ".").
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the engine, ledger and
// coordinator binaries (spec.md §6 "Configuration recognised").
type Config struct {
	Engine      EngineConfig      `mapstructure:"engine"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// EngineConfig controls the matching engine's symbol, publish cadence and
// published depth.
type EngineConfig struct {
	Symbol              string `mapstructure:"symbol"`
	PublishIntervalMs   int    `mapstructure:"publish_interval_ms"`
	Depth               int    `mapstructure:"depth"`
	BindAddr            string `mapstructure:"bind_addr"`
	EventTopic          string `mapstructure:"event_topic"`
	HeartbeatIntervalMs int    `mapstructure:"heartbeat_interval_ms"`
}

func (e EngineConfig) PublishInterval() time.Duration {
	return time.Duration(e.PublishIntervalMs) * time.Millisecond
}

func (e EngineConfig) HeartbeatInterval() time.Duration {
	return time.Duration(e.HeartbeatIntervalMs) * time.Millisecond
}

// CoordinatorConfig controls fund-locking and engine-submission retry.
type CoordinatorConfig struct {
	LockSlippagePct  float64 `mapstructure:"lock_slippage_pct"`
	CommandTimeoutMs int     `mapstructure:"command_timeout_ms"`
	MaxRetries       int     `mapstructure:"max_retries"`
}

func (c CoordinatorConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMs) * time.Millisecond
}

// LedgerConfig carries the Postgres DSN and fee schedule.
type LedgerConfig struct {
	DSN         string      `mapstructure:"dsn"`
	FeeSchedule FeeSchedule `mapstructure:"fee_schedule"`
}

type FeeSchedule struct {
	MakerBps int64 `mapstructure:"maker_bps"`
	TakerBps int64 `mapstructure:"taker_bps"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.symbol", "KCN-EUR")
	v.SetDefault("engine.publish_interval_ms", 100)
	v.SetDefault("engine.depth", 10)
	v.SetDefault("engine.bind_addr", "0.0.0.0:9001")
	v.SetDefault("engine.event_topic", "book.KCN-EUR")
	v.SetDefault("engine.heartbeat_interval_ms", 1000)

	v.SetDefault("coordinator.lock_slippage_pct", 1.05)
	v.SetDefault("coordinator.command_timeout_ms", 2000)
	v.SetDefault("coordinator.max_retries", 3)

	v.SetDefault("ledger.fee_schedule.maker_bps", 10)
	v.SetDefault("ledger.fee_schedule.taker_bps", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads path (if it exists) and overlays EXCHANGE_-prefixed env vars,
// e.g. EXCHANGE_LEDGER_DSN, EXCHANGE_ENGINE_SYMBOL (spec.md §6).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EXCHANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields every binary needs regardless of which of
// engine/coordinator/ledger it runs.
func (c *Config) Validate() error {
	if c.Engine.Symbol == "" {
		return fmt.Errorf("engine.symbol is required")
	}
	if c.Engine.Depth <= 0 {
		return fmt.Errorf("engine.depth must be > 0")
	}
	if c.Coordinator.MaxRetries <= 0 {
		return fmt.Errorf("coordinator.max_retries must be > 0")
	}
	if c.Coordinator.LockSlippagePct <= 1.0 {
		return fmt.Errorf("coordinator.lock_slippage_pct must be > 1.0")
	}
	return nil
}
