package config

import (
	"errors"
	"fmt"
	"time"
)

// OverflowPolicy selects what the async executor does with a task when its
// queue is full.
type OverflowPolicy string

const (
	// OverflowInline executes the task on the submitting goroutine. This is
	// the default: backpressure degrades to synchronous execution instead of
	// losing work.
	OverflowInline OverflowPolicy = "inline"

	// OverflowDrop discards the task and records it as dropped.
	OverflowDrop OverflowPolicy = "drop"
)

// Library defaults. Zero values in Config fall back to these.
const (
	DefaultWorkerRatio     = 0.25
	DefaultWorkerCeiling   = 3
	DefaultMinWorkers      = 1
	DefaultFallbackWorkers = 2
	DefaultQueueDepth      = 10000
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultStatsAPIPort    = 8081
)

// Config groups the dispatcher settings. Executor tuning is read once, when
// the executor is created; changing it afterwards has no effect until the
// executor is recreated on the next wiring pass after a cleanup.
type Config struct {
	// WorkerRatio is the fraction of the source's reported capacity used to
	// size the async worker pool. Defaults to 0.25.
	WorkerRatio float64

	// WorkerCeiling caps the worker count regardless of capacity. Defaults to 3.
	WorkerCeiling int

	// MinWorkers is the number of workers kept alive when the pool is idle.
	// Defaults to 1.
	MinWorkers int

	// FallbackWorkers is the pool size used when the source does not report
	// a capacity. Defaults to 2.
	FallbackWorkers int

	// QueueDepth bounds the async task queue. Defaults to 10000, large enough
	// to absorb bulk operations without hitting the overflow policy.
	QueueDepth int

	// IdleTimeout is how long a surplus worker waits for work before
	// retiring down to MinWorkers. Defaults to 60s.
	IdleTimeout time.Duration

	// Overflow selects the behaviour when the queue is full. Defaults to
	// OverflowInline.
	Overflow OverflowPolicy

	// ShutdownTimeout bounds the drain wait during Close. Defaults to 5s.
	ShutdownTimeout time.Duration

	// Metrics configuration.
	MetricsEnabled bool
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int

	// Stats API configuration.
	StatsAPIEnabled bool
	// StatsAPIPort is the port where the listener stats API will be exposed.
	// Defaults to 8081.
	StatsAPIPort int
	// StatsAPICORSAllowedOrigins specifies allowed origins for CORS. Use "*"
	// for development or specific origins like "https://example.com" for
	// production. Empty disables CORS headers.
	StatsAPICORSAllowedOrigins []string
}

// WithDefaults returns a copy of the config with zero values replaced by the
// library defaults.
func (c Config) WithDefaults() Config {
	if c.WorkerRatio <= 0 {
		c.WorkerRatio = DefaultWorkerRatio
	}
	if c.WorkerCeiling <= 0 {
		c.WorkerCeiling = DefaultWorkerCeiling
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = DefaultMinWorkers
	}
	if c.FallbackWorkers <= 0 {
		c.FallbackWorkers = DefaultFallbackWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Overflow == "" {
		c.Overflow = OverflowInline
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.StatsAPIPort <= 0 {
		c.StatsAPIPort = DefaultStatsAPIPort
	}
	return c
}

// Validate checks that the configuration values are usable. Returns an error
// describing every invalid field, or nil.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateExecutor()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

// validateExecutor checks the async executor tuning values.
func (c *Config) validateExecutor() []error {
	var errs []error
	if c.WorkerRatio < 0 || c.WorkerRatio > 1 {
		errs = append(errs, fmt.Errorf("executor: worker ratio %v must be between 0 and 1", c.WorkerRatio))
	}
	if c.WorkerCeiling < 0 {
		errs = append(errs, errors.New("executor: worker ceiling cannot be negative"))
	}
	if c.MinWorkers < 0 {
		errs = append(errs, errors.New("executor: min workers cannot be negative"))
	}
	if c.FallbackWorkers < 0 {
		errs = append(errs, errors.New("executor: fallback workers cannot be negative"))
	}
	if c.WorkerCeiling > 0 && c.MinWorkers > c.WorkerCeiling {
		errs = append(errs, errors.New("executor: min workers cannot exceed worker ceiling"))
	}
	if c.QueueDepth < 0 {
		errs = append(errs, errors.New("executor: queue depth cannot be negative"))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, errors.New("executor: idle timeout cannot be negative"))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("executor: shutdown timeout cannot be negative"))
	}
	switch c.Overflow {
	case "", OverflowInline, OverflowDrop:
	default:
		errs = append(errs, fmt.Errorf("executor: unknown overflow policy %q", c.Overflow))
	}
	return errs
}

// validatePorts checks port configuration values.
func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if c.StatsAPIPort < 0 || c.StatsAPIPort > 65535 {
		errs = append(errs, fmt.Errorf("stats api: invalid port %d", c.StatsAPIPort))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
