package oracleclient

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/healthcheck"
)

// LivenessConfig controls how often an oracle's liveness is checked and what
// happens when it stays unreachable.
type LivenessConfig struct {
	// Interval is the time between checks.
	Interval time.Duration

	// Timeout bounds a single check.
	Timeout time.Duration

	// Backoff is the time to wait between failed attempts of a check.
	Backoff time.Duration

	// Attempts is the number of failed attempts after which Shutdown is
	// called.
	Attempts int

	// Shutdown is called once the oracle has failed Attempts consecutive
	// checks.
	Shutdown func(format string, params ...interface{})
}

// DefaultLivenessConfig returns a configuration checking once a minute and
// giving up after three failed attempts.
func DefaultLivenessConfig() LivenessConfig {
	return LivenessConfig{
		Interval: time.Minute,
		Timeout:  10 * time.Second,
		Backoff:  5 * time.Second,
		Attempts: 3,
	}
}

// NewLivenessMonitor returns a health check monitor that periodically asks
// each oracle to confirm its master key. The monitor must be started by the
// caller.
func NewLivenessMonitor(cfg LivenessConfig,
	clients ...*Client) *healthcheck.Monitor {

	checks := make([]*healthcheck.Observation, 0, len(clients))
	for _, client := range clients {
		client := client

		check := func() error {
			ctx, cancel := context.WithTimeout(
				context.Background(), cfg.Timeout,
			)
			defer cancel()

			return client.CheckLiveness(ctx)
		}

		checks = append(checks, healthcheck.NewObservation(
			fmt.Sprintf("oracle %v", client.Addr()), check,
			cfg.Interval, cfg.Timeout, cfg.Backoff, cfg.Attempts,
		))
	}

	shutdown := cfg.Shutdown
	if shutdown == nil {
		shutdown = func(format string, params ...interface{}) {
			log.Criticalf(format, params...)
		}
	}

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   checks,
		Shutdown: shutdown,
	})
}
