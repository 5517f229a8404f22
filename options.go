// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guv

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// hubOptions holds configuration resolved from a set of HubOption values,
// consumed once by NewHub.
type hubOptions struct {
	strictMicrotaskOrdering bool
	metricsEnabled          bool
	debugExceptions         bool
	logger                  Logger
	overloadRates           map[time.Duration]int
}

// HubOption configures a Hub at construction time.
type HubOption interface {
	applyHub(*hubOptions) error
}

type hubOptionFunc func(*hubOptions) error

func (f hubOptionFunc) applyHub(opts *hubOptions) error { return f(opts) }

// WithStrictOrdering sets whether microtasks should be drained after each
// task switch, for strict scheduling ordering.
// When enabled, microtasks are guaranteed to run after every task switch.
// When disabled (default), microtasks are drained in batches for better performance.
func WithStrictOrdering(enabled bool) HubOption {
	return hubOptionFunc(func(opts *hubOptions) error {
		opts.strictMicrotaskOrdering = enabled
		return nil
	})
}

// WithMetrics enables runtime metrics collection on the Hub.
// When enabled, metrics can be accessed via Hub.Metrics().
func WithMetrics(enabled bool) HubOption {
	return hubOptionFunc(func(opts *hubOptions) error {
		opts.metricsEnabled = enabled
		return nil
	})
}

// WithDebugExceptions makes the hub log unhandled SpawnN task failures
// (otherwise they are swallowed), and attaches the stack trace captured at
// the point a task or callback panics to the resulting *PanicError. Panics
// in hub callbacks are logged either way.
func WithDebugExceptions(enabled bool) HubOption {
	return hubOptionFunc(func(opts *hubOptions) error {
		opts.debugExceptions = enabled
		return nil
	})
}

// WithLogger sets the structured logger used by the hub. The zero value
// disables logging entirely.
func WithLogger(logger Logger) HubOption {
	return hubOptionFunc(func(opts *hubOptions) error {
		opts.logger = logger
		return nil
	})
}

// WithOverloadRateLimiter throttles the hub's overload log lines using the
// given category rates, so a sustained overload can't flood the configured
// logger. Panic log lines are not throttled. rates is passed straight to
// catrate.NewLimiter.
func WithOverloadRateLimiter(rates map[time.Duration]int) HubOption {
	return hubOptionFunc(func(opts *hubOptions) error {
		opts.overloadRates = rates
		return nil
	})
}

// resolveHubOptions applies HubOption values over the hub's defaults.
func resolveHubOptions(opts []HubOption) (*hubOptions, error) {
	cfg := &hubOptions{
		logger: NewNopLogger(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyHub(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// buildRateLimiter constructs the optional overload rate limiter from resolved options.
func (cfg *hubOptions) buildRateLimiter() *catrate.Limiter {
	if len(cfg.overloadRates) == 0 {
		return nil
	}
	return catrate.NewLimiter(cfg.overloadRates)
}
