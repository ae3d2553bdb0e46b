// Package toolserver owns one child process speaking the line-delimited
// JSON-RPC tool-server protocol: spawn, the initialize/tools-list
// handshake, periodic health checks, restart with backoff, and graceful
// teardown. Lifecycle is an explicit state machine rather than state
// implied by error handling.
package toolserver

import (
	"time"

	"github.com/viable-systems/capacquire/internal/retry"
)

// Config describes how to launch and supervise one tool-server process.
type Config struct {
	ID      string
	Command string
	Args    []string
	Env     []string
	Cwd     string

	// InitTimeout bounds the initialize handshake. Default 10s.
	InitTimeout time.Duration
	// HealthInterval is the period between health-check ticks. Default 30s.
	HealthInterval time.Duration
	// StopGrace bounds how long Stop waits for the child to exit after the
	// shutdown notification before it is killed forcibly. Default 5s.
	StopGrace time.Duration

	RestartPolicy retry.Config
	// MaxRestarts and RestartWindow bound the rolling restart-count check.
	// Defaults 5 / 60s.
	MaxRestarts   int
	RestartWindow time.Duration
}

// WithDefaults fills unset fields with the controller's documented defaults.
func (c Config) WithDefaults() Config {
	if c.InitTimeout == 0 {
		c.InitTimeout = 10 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.StopGrace == 0 {
		c.StopGrace = 5 * time.Second
	}
	if (c.RestartPolicy == retry.Config{}) {
		c.RestartPolicy = retry.DefaultRestartPolicy()
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 5
	}
	if c.RestartWindow == 0 {
		c.RestartWindow = 60 * time.Second
	}
	return c
}
