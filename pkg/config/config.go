// Package config defines the engine-wide configuration for the trading
// core. Config is loaded from a YAML file with env var overrides, following
// a viper + mapstructure + Validate() pattern: defaults populate an
// EngineConfig, a YAML file layers on top, then PUMPCORE_* environment
// variables override the values of keys the file sets. A key absent from
// the file is not read from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EngineConfig is the top-level configuration for the core trading engine.
type EngineConfig struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Strategy    StrategyConfig    `mapstructure:"strategy"`
	Order       OrderConfig       `mapstructure:"order"`
	Session     SessionConfig     `mapstructure:"session"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StrategyConfig holds the Strategy Manager's engine-wide arbitration and
// rate-limiting knobs.
type StrategyConfig struct {
	MaxConcurrentSignals     int           `mapstructure:"max_concurrent_signals"`
	MaxEvaluationsPerSecond  int           `mapstructure:"max_evaluations_per_second"`
	DiagnosticPublishTimeout time.Duration `mapstructure:"diagnostic_publish_timeout"`
}

// OrderConfig holds the Order Manager's defaults.
type OrderConfig struct {
	DefaultMaxSlippagePct float64 `mapstructure:"default_max_slippage_pct"`
	SlippageSeed          int64   `mapstructure:"slippage_seed"`
}

// SessionConfig holds the Session Manager's resource/rate-limit/circuit-
// breaker/background-loop knobs.
type SessionConfig struct {
	MaxSessionsPerClient int           `mapstructure:"max_sessions_per_client"`
	MaxTotalSessions     int           `mapstructure:"max_total_sessions"`
	MaxSymbolsPerSession int           `mapstructure:"max_symbols_per_session"`
	FailureThreshold     int           `mapstructure:"failure_threshold"`
	BreakerTimeout       time.Duration `mapstructure:"breaker_timeout"`
	SuccessThreshold     int           `mapstructure:"success_threshold"`
	OpsPerSecond         int           `mapstructure:"ops_per_second"`
	OpsPerMinute         int           `mapstructure:"ops_per_minute"`
	Burst                int           `mapstructure:"burst"`
	HeartbeatPeriod      time.Duration `mapstructure:"heartbeat_period"`
	InactiveTimeout      time.Duration `mapstructure:"inactive_timeout"`
	ExpirySweep          time.Duration `mapstructure:"expiry_sweep"`
	SessionMaxAge        time.Duration `mapstructure:"session_max_age"`
}

// RiskConfig holds the optional Risk Manager collaborator's thresholds.
type RiskConfig struct {
	Enabled               bool    `mapstructure:"enabled"`
	InitialCapital        float64 `mapstructure:"initial_capital"`
	MaxPositionValue      float64 `mapstructure:"max_position_value"`
	MaxSymbolExposurePct  float64 `mapstructure:"max_symbol_exposure_pct"`
	MaxTotalExposurePct   float64 `mapstructure:"max_total_exposure_pct"`
	MaxConsecutiveLosses  int     `mapstructure:"max_consecutive_losses"`
	KillSwitchThreshold   float64 `mapstructure:"kill_switch_threshold"`
	CooldownPeriodMinutes int     `mapstructure:"cooldown_period_minutes"`
}

// DiagnosticsConfig controls the /healthz + /metrics HTTP surface.
type DiagnosticsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// PersistenceConfig controls the strategy-store file location.
type PersistenceConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// Default returns the §4/§5-documented defaults for every knob.
func Default() *EngineConfig {
	return &EngineConfig{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Strategy: StrategyConfig{
			MaxConcurrentSignals:     3,
			MaxEvaluationsPerSecond:  50,
			DiagnosticPublishTimeout: 50 * time.Millisecond,
		},
		Order: OrderConfig{DefaultMaxSlippagePct: 0.1, SlippageSeed: 1},
		Session: SessionConfig{
			MaxSessionsPerClient: 5,
			MaxTotalSessions:     50,
			MaxSymbolsPerSession: 20,
			FailureThreshold:     5,
			BreakerTimeout:       60 * time.Second,
			SuccessThreshold:     3,
			OpsPerSecond:         10,
			OpsPerMinute:         300,
			Burst:                50,
			HeartbeatPeriod:      30 * time.Second,
			InactiveTimeout:      300 * time.Second,
			ExpirySweep:          300 * time.Second,
			SessionMaxAge:        24 * time.Hour,
		},
		Risk: RiskConfig{
			Enabled:               true,
			InitialCapital:        10000,
			MaxPositionValue:      5000,
			MaxSymbolExposurePct:  0.25,
			MaxTotalExposurePct:   0.75,
			MaxConsecutiveLosses:  5,
			KillSwitchThreshold:   1000,
			CooldownPeriodMinutes: 240,
		},
		Diagnostics: DiagnosticsConfig{Enabled: true, Host: "0.0.0.0", Port: 9090},
		Persistence: PersistenceConfig{DataDir: "./data/strategies"},
	}
}

// Load reads an EngineConfig from a YAML file at path, with PUMPCORE_*
// environment variable overrides for keys the file sets. A missing file is
// not an error: the documented defaults apply unchanged, since with no file
// there are no keys for the environment to override.
func Load(path string) (*EngineConfig, error) {
	v := viper.New()
	cfg := Default()

	v.SetConfigFile(path)
	v.SetEnvPrefix("PUMPCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks the structural invariants the engine depends on.
func (c *EngineConfig) Validate() error {
	if c.Strategy.MaxConcurrentSignals <= 0 {
		return fmt.Errorf("strategy.max_concurrent_signals must be > 0")
	}
	if c.Strategy.MaxEvaluationsPerSecond <= 0 {
		return fmt.Errorf("strategy.max_evaluations_per_second must be > 0")
	}
	if c.Order.DefaultMaxSlippagePct < 0 {
		return fmt.Errorf("order.default_max_slippage_pct must be >= 0")
	}
	if c.Session.MaxSessionsPerClient <= 0 || c.Session.MaxTotalSessions <= 0 {
		return fmt.Errorf("session resource limits must be > 0")
	}
	if c.Session.MaxSymbolsPerSession <= 0 {
		return fmt.Errorf("session.max_symbols_per_session must be > 0")
	}
	if c.Session.OpsPerSecond <= 0 || c.Session.OpsPerMinute <= 0 || c.Session.Burst <= 0 {
		return fmt.Errorf("session rate-limit fields must be > 0")
	}
	if c.Risk.Enabled && c.Risk.InitialCapital <= 0 {
		return fmt.Errorf("risk.initial_capital must be > 0 when risk is enabled")
	}
	if c.Diagnostics.Enabled && c.Diagnostics.Port <= 0 {
		return fmt.Errorf("diagnostics.port must be > 0 when diagnostics is enabled")
	}
	return nil
}
