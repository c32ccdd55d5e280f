package flow

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flowcoord/flowcoord/flow/dispatch"
	"github.com/flowcoord/flowcoord/flow/emit"
	"github.com/flowcoord/flowcoord/flow/stats"
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := flow.New(
//	    store,
//	    flow.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
//	    flow.WithSensitivity(stats.Aggressive),
//	    flow.WithReporter(reporter),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are applied to an Engine.
type engineConfig struct {
	emitter          emit.Emitter
	metrics          *Metrics
	reporter         Reporter
	logger           *logrus.Logger
	dispatcher       *dispatch.Dispatcher
	sensitivity      stats.Sensitivity
	simulation       bool
	tickInterval     time.Duration
	livenessInterval time.Duration
	heartbeatTimeout time.Duration
}

// WithEmitter sets the observability emitter. Default: a NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if e == nil {
			return fmt.Errorf("emitter must not be nil")
		}
		cfg.emitter = e
		return nil
	}
}

// WithMetrics sets the Prometheus metrics collector. Default: none (all
// recordings are no-ops).
func WithMetrics(m *Metrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithReporter sets the report generator invoked when a run turns terminal.
// Default: none (runs carry no report path).
func WithReporter(r Reporter) Option {
	return func(cfg *engineConfig) error {
		cfg.reporter = r
		return nil
	}
}

// WithLogger sets the engine logger. Default: logrus.StandardLogger().
func WithLogger(l *logrus.Logger) Option {
	return func(cfg *engineConfig) error {
		if l == nil {
			return fmt.Errorf("logger must not be nil")
		}
		cfg.logger = l
		return nil
	}
}

// WithDispatcher sets the dispatcher the engine enqueues execution requests
// on and whose liveness it watches. Default: a fresh dispatcher with the
// configured heartbeat timeout.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(cfg *engineConfig) error {
		if d == nil {
			return fmt.Errorf("dispatcher must not be nil")
		}
		cfg.dispatcher = d
		return nil
	}
}

// WithSensitivity sets the outlier-detection sensitivity. Default: Normal.
func WithSensitivity(s stats.Sensitivity) Option {
	return func(cfg *engineConfig) error {
		cfg.sensitivity = s
		return nil
	}
}

// WithSimulation enables the simulation mode, where the tick loop
// autonomously advances and completes tasks. Exists for UI development;
// never enable it against a real worker. Default: off.
func WithSimulation(enabled bool) Option {
	return func(cfg *engineConfig) error {
		cfg.simulation = enabled
		return nil
	}
}

// WithTickInterval overrides the 100ms progress/outlier tick. Intended for
// tests.
func WithTickInterval(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d <= 0 {
			return fmt.Errorf("tick interval must be positive")
		}
		cfg.tickInterval = d
		return nil
	}
}

// WithLivenessInterval overrides the 1s heartbeat-check interval. Intended
// for tests.
func WithLivenessInterval(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d <= 0 {
			return fmt.Errorf("liveness interval must be positive")
		}
		cfg.livenessInterval = d
		return nil
	}
}

// WithHeartbeatTimeout overrides how long the worker may stay silent before
// the watchdog fails all in-flight runs. Default: 10s.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d <= 0 {
			return fmt.Errorf("heartbeat timeout must be positive")
		}
		cfg.heartbeatTimeout = d
		return nil
	}
}
