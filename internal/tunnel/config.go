package tunnel

import (
	"net"
	"time"

	"github.com/proxide/authtunnel/internal/log"
	"github.com/proxide/authtunnel/internal/upstream"
)

const (
	DefaultMaxSessions  = 50
	DefaultIdleTimeout  = 500 * time.Millisecond
	DefaultDialTimeout  = 10 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

type Config struct {
	// Upstream is the remote proxy every session forwards to.
	Upstream upstream.Endpoint

	// MaxSessions bounds the number of concurrent sessions. While the
	// table is full the accept loop leaves new clients in the OS backlog.
	MaxSessions int

	// IdleTimeout is the window a buffered read waits for further data
	// before the accumulated bytes are forwarded.
	IdleTimeout time.Duration

	// DialTimeout bounds the upstream TCP connect.
	DialTimeout time.Duration

	// PollInterval bounds how long any single blocking step (readiness
	// wait, accept) runs before stop and cancellation flags are
	// rechecked. It is the upper bound on shutdown latency per worker.
	PollInterval time.Duration

	KeepAlive net.KeepAliveConfig

	Logger log.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = log.Nop
	}
	return c
}
