// Package config loads the delivery pipeline's configuration surface from
// a YAML file, with an optional environment overlay for secrets.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every recognized configuration option for the delivery
// pipeline (spec.md §6, §9). Unknown YAML keys are rejected at load time.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Deliverer   DelivererConfig   `yaml:"deliverer"`
	Retry       RetryConfig       `yaml:"retry"`
	Plans       PlansConfig       `yaml:"plans"`
	DKIM        DKIMConfig        `yaml:"dkim"`
	Rollback    RollbackConfig    `yaml:"rollback"`
	Suppression SuppressionConfig `yaml:"suppression"`
	Reputation  ReputationConfig  `yaml:"reputation"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
}

// ServerConfig controls the HTTP health/metrics/send surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SchedulerConfig controls the global scheduler (spec.md §4.8).
type SchedulerConfig struct {
	ConcurrencyCap        int           `yaml:"concurrency_cap"`
	TickInterval          time.Duration `yaml:"tick_interval"`
	InflightLeakWindow    time.Duration `yaml:"inflight_leak_window"`
	InflightSweepInterval time.Duration `yaml:"inflight_sweep_interval"`
	DrainTimeout          time.Duration `yaml:"drain_timeout"`
	HealthCheckEvery      time.Duration `yaml:"health_check_every"`
}

// DelivererConfig controls per-attempt SMTP behavior (spec.md §4.9, §6).
type DelivererConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	GreetingTimeout time.Duration `yaml:"greeting_timeout"`
	SocketTimeout   time.Duration `yaml:"socket_timeout"`
	SmartHost       string        `yaml:"smart_host"`
	AuthMethod      string        `yaml:"auth_method"` // "", "plain", "login"
	AuthUsername    string        `yaml:"auth_username"`
	AuthPassword    string        `yaml:"auth_password"`
}

// RetryConfig controls the exponential backoff retry planner (spec.md §4.9).
type RetryConfig struct {
	Cap        int           `yaml:"cap"`
	Base       time.Duration `yaml:"base"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	JitterMax  float64       `yaml:"jitter_max"`
}

// PlansConfig maps plan tiers to scheduler concurrency shares (spec.md §4.8).
type PlansConfig struct {
	BasicShare        int `yaml:"basic_share"`
	ProfessionalShare int `yaml:"professional_share"`
	EnterpriseShare   int `yaml:"enterprise_share"`
}

// DKIMConfig controls default keystore behavior (spec.md §4.2, §6).
type DKIMConfig struct {
	DefaultKeySize  int      `yaml:"default_key_size"` // 1024, 2048, 4096
	InternalDomains []string `yaml:"internal_domains"` // UltraZend-internal domains
}

// RollbackConfig controls the auto-rollback controller (spec.md §4.10).
type RollbackConfig struct {
	EvalInterval          time.Duration `yaml:"eval_interval"`
	HealthCheckInterval   time.Duration `yaml:"health_check_interval"`
	CriticalSuccessRate   float64       `yaml:"critical_success_rate"`
	WarningSuccessRate    float64       `yaml:"warning_success_rate"`
	CriticalP50LatencyMs  int           `yaml:"critical_p50_latency_ms"`
	WarningLatencyMs      int           `yaml:"warning_latency_ms"`
	ErrorMultiplier       float64       `yaml:"error_multiplier"`
	SimultaneousErrorCap  int           `yaml:"simultaneous_error_cap"`
	WarningErrorFloor     int           `yaml:"warning_error_floor"`
	InitialRolloutPercent int           `yaml:"initial_rollout_percent"`
	RolloutFloorPercent   int           `yaml:"rollout_floor_percent"`
	AuditRingSize         int           `yaml:"audit_ring_size"`
}

// SuppressionConfig controls the write-through cache in front of the store
// (spec.md §9 Design Notes).
type SuppressionConfig struct {
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	SoftBounceExpiry  time.Duration `yaml:"soft_bounce_expiry"`
	BloomCapacity     int           `yaml:"bloom_capacity"`
}

// ReputationConfig controls the rolling-window recompute sweep (spec.md §4.5).
type ReputationConfig struct {
	RecentFailurePenalty float64       `yaml:"recent_failure_penalty"`
	RecentFailureWindow  time.Duration `yaml:"recent_failure_window"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	SweepWindow          time.Duration `yaml:"sweep_window"`
	AttemptRetention     time.Duration `yaml:"attempt_retention"`
}

// StoreConfig controls the Postgres connection pool.
type StoreConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig controls the tenant-counter backend.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// Load reads and validates a YAML config file, rejecting unknown keys and
// filling in defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadFromEnv loads the YAML config at path, then overlays secrets from a
// local .env file (if present) and the process environment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if host := os.Getenv("SMART_HOST"); host != "" {
		cfg.Deliverer.SmartHost = host
	}
	if user := os.Getenv("SMTP_AUTH_USERNAME"); user != "" {
		cfg.Deliverer.AuthUsername = user
	}
	if pass := os.Getenv("SMTP_AUTH_PASSWORD"); pass != "" {
		cfg.Deliverer.AuthPassword = pass
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}

	if cfg.Scheduler.ConcurrencyCap == 0 {
		cfg.Scheduler.ConcurrencyCap = 10
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = 5 * time.Second
	}
	if cfg.Scheduler.InflightLeakWindow == 0 {
		cfg.Scheduler.InflightLeakWindow = 3 * cfg.Deliverer.socketTimeoutOrDefault()
	}
	if cfg.Scheduler.InflightSweepInterval == 0 {
		cfg.Scheduler.InflightSweepInterval = 2 * time.Minute
	}
	if cfg.Scheduler.DrainTimeout == 0 {
		cfg.Scheduler.DrainTimeout = 30 * time.Second
	}
	if cfg.Scheduler.HealthCheckEvery == 0 {
		cfg.Scheduler.HealthCheckEvery = 10 * time.Minute
	}

	if cfg.Deliverer.ConnectTimeout == 0 {
		cfg.Deliverer.ConnectTimeout = 30 * time.Second
	}
	if cfg.Deliverer.GreetingTimeout == 0 {
		cfg.Deliverer.GreetingTimeout = 30 * time.Second
	}
	if cfg.Deliverer.SocketTimeout == 0 {
		cfg.Deliverer.SocketTimeout = 30 * time.Second
	}

	if cfg.Retry.Cap == 0 {
		cfg.Retry.Cap = 5
	}
	if cfg.Retry.Base == 0 {
		cfg.Retry.Base = 60 * time.Second
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = time.Hour
	}
	if cfg.Retry.JitterMax == 0 {
		cfg.Retry.JitterMax = 0.1
	}

	if cfg.Plans.BasicShare == 0 {
		cfg.Plans.BasicShare = 1
	}
	if cfg.Plans.ProfessionalShare == 0 {
		cfg.Plans.ProfessionalShare = 3
	}
	if cfg.Plans.EnterpriseShare == 0 {
		cfg.Plans.EnterpriseShare = 5
	}

	if cfg.DKIM.DefaultKeySize == 0 {
		cfg.DKIM.DefaultKeySize = 2048
	}

	if cfg.Rollback.EvalInterval == 0 {
		cfg.Rollback.EvalInterval = 2 * time.Minute
	}
	if cfg.Rollback.HealthCheckInterval == 0 {
		cfg.Rollback.HealthCheckInterval = 10 * time.Minute
	}
	if cfg.Rollback.CriticalSuccessRate == 0 {
		cfg.Rollback.CriticalSuccessRate = 0.90
	}
	if cfg.Rollback.WarningSuccessRate == 0 {
		cfg.Rollback.WarningSuccessRate = 0.95
	}
	if cfg.Rollback.CriticalP50LatencyMs == 0 {
		cfg.Rollback.CriticalP50LatencyMs = 5000
	}
	if cfg.Rollback.WarningLatencyMs == 0 {
		cfg.Rollback.WarningLatencyMs = 2000
	}
	if cfg.Rollback.ErrorMultiplier == 0 {
		cfg.Rollback.ErrorMultiplier = 3
	}
	if cfg.Rollback.SimultaneousErrorCap == 0 {
		cfg.Rollback.SimultaneousErrorCap = 5
	}
	if cfg.Rollback.WarningErrorFloor == 0 {
		cfg.Rollback.WarningErrorFloor = 10
	}
	if cfg.Rollback.InitialRolloutPercent == 0 {
		cfg.Rollback.InitialRolloutPercent = 100
	}
	if cfg.Rollback.RolloutFloorPercent == 0 {
		cfg.Rollback.RolloutFloorPercent = 5
	}
	if cfg.Rollback.AuditRingSize == 0 {
		cfg.Rollback.AuditRingSize = 50
	}

	if cfg.Suppression.CacheTTL == 0 {
		cfg.Suppression.CacheTTL = 5 * time.Minute
	}
	if cfg.Suppression.SoftBounceExpiry == 0 {
		cfg.Suppression.SoftBounceExpiry = 30 * 24 * time.Hour
	}
	if cfg.Suppression.BloomCapacity == 0 {
		cfg.Suppression.BloomCapacity = 1_000_000
	}

	if cfg.Reputation.RecentFailurePenalty == 0 {
		cfg.Reputation.RecentFailurePenalty = 5
	}
	if cfg.Reputation.RecentFailureWindow == 0 {
		cfg.Reputation.RecentFailureWindow = 24 * time.Hour
	}
	if cfg.Reputation.SweepInterval == 0 {
		cfg.Reputation.SweepInterval = 24 * time.Hour
	}
	if cfg.Reputation.SweepWindow == 0 {
		cfg.Reputation.SweepWindow = 30 * 24 * time.Hour
	}
	if cfg.Reputation.AttemptRetention == 0 {
		cfg.Reputation.AttemptRetention = 90 * 24 * time.Hour
	}

	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = 50
	}
	if cfg.Store.MaxIdleConns == 0 {
		cfg.Store.MaxIdleConns = 10
	}
	if cfg.Store.ConnMaxLifetime == 0 {
		cfg.Store.ConnMaxLifetime = 5 * time.Minute
	}
}

func (d DelivererConfig) socketTimeoutOrDefault() time.Duration {
	if d.SocketTimeout == 0 {
		return 30 * time.Second
	}
	return d.SocketTimeout
}
