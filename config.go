package fleetq

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryConfig parameterizes the exponential backoff applied to transient
// step failures. MaxRetries also serves as the default task-level requeue
// budget when a submission does not override it.
type RetryConfig struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// BreakerConfig parameterizes the per-worker circuit breaker.
type BreakerConfig struct {
	// Threshold is the failure count within Window that opens the circuit.
	Threshold int
	Window    time.Duration
	// Cooldown is the initial open period; it doubles on each successive
	// reopening up to MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
	// TrialLease bounds how long a half-open probe may stay unreported
	// before another caller can claim it.
	TrialLease time.Duration
}

// Config holds the orchestrator configuration.
type Config struct {
	// Plans registers every known task type with its step plan.
	Plans []Plan
	// Strategy selects the load balancing strategy: least_loaded,
	// round_robin or weighted.
	Strategy string
	// MaxActive caps concurrently executing tasks per orchestrator replica.
	MaxActive int
	// PollInterval paces the dispatch loop; SweepInterval paces the health sweep.
	PollInterval  time.Duration
	SweepInterval time.Duration
	// LivenessWindow is how long a worker may stay silent before it is
	// marked unhealthy; EvictAfter is how long before it is removed.
	LivenessWindow time.Duration
	EvictAfter     time.Duration
	// LockTTL leases cross-replica locks such as the sweep lock.
	LockTTL time.Duration
	// RecordTTL bounds how long terminal task records stay queryable.
	RecordTTL time.Duration
	// DefaultTimeout is the execution budget for tasks submitted without one.
	DefaultTimeout time.Duration
	// StepTimeout bounds every individual worker call; zero leaves only the
	// task budget.
	StepTimeout time.Duration
	// FailureTolerance is the number of failed steps a PARALLEL task absorbs
	// while still completing (default 0: any failure fails the task).
	FailureTolerance int
	// MaxParallel bounds concurrently running steps of one task.
	MaxParallel int

	Retry   RetryConfig
	Breaker BreakerConfig

	// Logger defaults to FmtLogger; Metrics stays off when nil.
	Logger  Logger
	Metrics *Metrics
}

// DefaultConfig returns a configuration with sensible defaults. Plans must
// still be supplied.
func DefaultConfig() Config {
	return Config{
		Strategy:       "least_loaded",
		MaxActive:      16,
		PollInterval:   100 * time.Millisecond,
		SweepInterval:  5 * time.Second,
		LivenessWindow: 30 * time.Second,
		EvictAfter:     5 * time.Minute,
		LockTTL:        10 * time.Second,
		RecordTTL:      time.Hour,
		DefaultTimeout: 5 * time.Minute,
		Retry: RetryConfig{
			MaxRetries: 3,
			Base:       500 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
		Breaker: BreakerConfig{
			Threshold:   5,
			Window:      time.Minute,
			Cooldown:    30 * time.Second,
			MaxCooldown: 10 * time.Minute,
			TrialLease:  15 * time.Second,
		},
	}
}

// fileConfig is the YAML schema. Durations are millisecond integers, unit
// suffix in the field name.
type fileConfig struct {
	Strategy         string `yaml:"strategy"`
	MaxActive        int    `yaml:"max_active"`
	PollIntervalMs   int64  `yaml:"poll_interval_ms"`
	SweepIntervalMs  int64  `yaml:"sweep_interval_ms"`
	LivenessWindowMs int64  `yaml:"liveness_window_ms"`
	EvictAfterMs     int64  `yaml:"evict_after_ms"`
	LockTTLMs        int64  `yaml:"lock_ttl_ms"`
	RecordTTLMs      int64  `yaml:"record_ttl_ms"`
	DefaultTimeoutMs int64  `yaml:"default_timeout_ms"`
	StepTimeoutMs    int64  `yaml:"step_timeout_ms"`
	FailureTolerance int    `yaml:"failure_tolerance"`
	MaxParallel      int    `yaml:"max_parallel"`

	Retry struct {
		MaxRetries *int    `yaml:"max_retries"`
		BaseMs     int64   `yaml:"base_ms"`
		MaxMs      int64   `yaml:"max_ms"`
		Multiplier float64 `yaml:"multiplier"`
		Jitter     float64 `yaml:"jitter"`
	} `yaml:"retry"`

	Breaker struct {
		Threshold     int   `yaml:"threshold"`
		WindowMs      int64 `yaml:"window_ms"`
		CooldownMs    int64 `yaml:"cooldown_ms"`
		MaxCooldownMs int64 `yaml:"max_cooldown_ms"`
		TrialLeaseMs  int64 `yaml:"trial_lease_ms"`
	} `yaml:"breaker"`

	Plans []Plan `yaml:"plans"`
}

// LoadConfig reads a YAML config file over DefaultConfig. Absent or zero
// fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	cfg.Plans = fc.Plans
	if fc.Strategy != "" {
		cfg.Strategy = fc.Strategy
	}
	if fc.MaxActive > 0 {
		cfg.MaxActive = fc.MaxActive
	}
	setMs(&cfg.PollInterval, fc.PollIntervalMs)
	setMs(&cfg.SweepInterval, fc.SweepIntervalMs)
	setMs(&cfg.LivenessWindow, fc.LivenessWindowMs)
	setMs(&cfg.EvictAfter, fc.EvictAfterMs)
	setMs(&cfg.LockTTL, fc.LockTTLMs)
	setMs(&cfg.RecordTTL, fc.RecordTTLMs)
	setMs(&cfg.DefaultTimeout, fc.DefaultTimeoutMs)
	setMs(&cfg.StepTimeout, fc.StepTimeoutMs)
	if fc.FailureTolerance > 0 {
		cfg.FailureTolerance = fc.FailureTolerance
	}
	if fc.MaxParallel > 0 {
		cfg.MaxParallel = fc.MaxParallel
	}

	if fc.Retry.MaxRetries != nil {
		cfg.Retry.MaxRetries = *fc.Retry.MaxRetries
	}
	setMs(&cfg.Retry.Base, fc.Retry.BaseMs)
	setMs(&cfg.Retry.Max, fc.Retry.MaxMs)
	if fc.Retry.Multiplier > 0 {
		cfg.Retry.Multiplier = fc.Retry.Multiplier
	}
	if fc.Retry.Jitter > 0 {
		cfg.Retry.Jitter = fc.Retry.Jitter
	}

	if fc.Breaker.Threshold > 0 {
		cfg.Breaker.Threshold = fc.Breaker.Threshold
	}
	setMs(&cfg.Breaker.Window, fc.Breaker.WindowMs)
	setMs(&cfg.Breaker.Cooldown, fc.Breaker.CooldownMs)
	setMs(&cfg.Breaker.MaxCooldown, fc.Breaker.MaxCooldownMs)
	setMs(&cfg.Breaker.TrialLease, fc.Breaker.TrialLeaseMs)

	return cfg, nil
}

func setMs(dst *time.Duration, ms int64) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
