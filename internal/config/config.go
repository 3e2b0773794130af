package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the health engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Checks   ChecksConfig   `yaml:"checks"`
	History  HistoryConfig  `yaml:"history"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Rules    RulesConfig    `yaml:"rules"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// ChecksConfig controls probe scheduling per check category.
type ChecksConfig struct {
	Basic       CategoryConfig `yaml:"basic"`
	Dependency  CategoryConfig `yaml:"dependency"`
	Business    CategoryConfig `yaml:"business"`
	Performance CategoryConfig `yaml:"performance"`
	// CycleInterval is how often the manager re-checks everything.
	CycleInterval time.Duration `yaml:"cycleInterval"`
}

// CategoryConfig holds the interval and probe timeout for one check category.
type CategoryConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HistoryConfig bounds the in-memory history buffers.
type HistoryConfig struct {
	HealthCapacity    int `yaml:"healthCapacity"`
	ExecutionCapacity int `yaml:"executionCapacity"`
}

// BreakerConfig holds circuit breaker defaults for lazily created breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RecoveryConfig controls the orchestrator loop.
type RecoveryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Simulated opts into stubbed action handlers outside demo mode.
	// Without it, enabling recovery with no real handler wiring refuses to
	// start.
	Simulated    bool          `yaml:"simulated"`
	PollInterval time.Duration `yaml:"pollInterval"`
	// ActionsPerMinute caps how many recovery actions may start per minute
	// across all targets.
	ActionsPerMinute float64 `yaml:"actionsPerMinute"`
	// RestartCooldown backs the no_recent_restart precondition default.
	RestartCooldown time.Duration `yaml:"restartCooldown"`
	ProceduresPath  string        `yaml:"proceduresPath"`
	ReportPath      string        `yaml:"reportPath"`
}

// CacheConfig controls the optional snapshot cache. When Addr is empty an
// in-process cache is used instead of Redis.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	// SnapshotTTL is how long an aggregated health view stays fresh.
	SnapshotTTL time.Duration `yaml:"snapshotTTL"`
}

// RulesConfig points at an optional YAML pack of extra detection rules.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("HEALTHD_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Checks: ChecksConfig{
			Basic:         CategoryConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second},
			Dependency:    CategoryConfig{Interval: 60 * time.Second, Timeout: 15 * time.Second},
			Business:      CategoryConfig{Interval: 300 * time.Second, Timeout: 30 * time.Second},
			Performance:   CategoryConfig{Interval: 60 * time.Second, Timeout: 15 * time.Second},
			CycleInterval: 30 * time.Second,
		},
		History: HistoryConfig{
			HealthCapacity:    500,
			ExecutionCapacity: 1000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			Timeout:          60 * time.Second,
		},
		Recovery: RecoveryConfig{
			Enabled:          true,
			PollInterval:     30 * time.Second,
			ActionsPerMinute: 10,
			RestartCooldown:  5 * time.Minute,
			ReportPath:       "recovery_report.json",
		},
		Cache: CacheConfig{
			Enabled:     false,
			DialTimeout: 2 * time.Second,
			SnapshotTTL: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HEALTHD_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("HEALTHD_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("HEALTHD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HEALTHD_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("HEALTHD_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("HEALTHD_PROCEDURES_PATH"); v != "" {
		cfg.Recovery.ProceduresPath = v
	}
	if v := os.Getenv("HEALTHD_REPORT_PATH"); v != "" {
		cfg.Recovery.ReportPath = v
	}
	if v := os.Getenv("HEALTHD_RECOVERY_ENABLED"); v != "" {
		cfg.Recovery.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HEALTHD_RECOVERY_SIMULATED"); v != "" {
		cfg.Recovery.Simulated = v == "true" || v == "1"
	}
	if v := os.Getenv("HEALTHD_CYCLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Checks.CycleInterval = d
		}
	}
	if v := os.Getenv("HEALTHD_RECOVERY_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Recovery.PollInterval = d
		}
	}
	if v := os.Getenv("HEALTHD_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("HEALTHD_BREAKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Breaker.Timeout = d
		}
	}
	if v := os.Getenv("HEALTHD_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HEALTHD_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("HEALTHD_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("HEALTHD_HISTORY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.History.HealthCapacity = n
		}
	}
}

// TimeoutFor returns the probe timeout for the named category, defaulting to
// the basic timeout when the category is unknown.
func (c ChecksConfig) TimeoutFor(category string) time.Duration {
	switch category {
	case "dependency":
		return c.Dependency.Timeout
	case "business":
		return c.Business.Timeout
	case "performance":
		return c.Performance.Timeout
	default:
		return c.Basic.Timeout
	}
}
