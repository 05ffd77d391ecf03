package scheduler

import (
	"time"

	"github.com/HitoriSensei/bullmq"
	"github.com/HitoriSensei/bullmq/backoff"
)

// Config holds the tunables of a Scheduler. It is fixed once New returns.
type Config struct {
	// StalledInterval is both the period of the stall sweep and the
	// longest a single delay log read may block. Must be at least 1ms.
	StalledInterval time.Duration

	// MaxStalledCount is how many times a job may stall before it is
	// failed instead of requeued.
	MaxStalledCount int

	// Autorun makes New start Run in its own goroutine. Errors that end
	// the loop are delivered as error events.
	Autorun bool

	// ReconnectDelay is the pause after the blocking read loses its
	// connection. Close cuts it short.
	ReconnectDelay time.Duration

	// DelayLogMaxLen is the approximate number of delay log entries kept
	// after a trim.
	DelayLogMaxLen int64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		StalledInterval: 30 * time.Second,
		MaxStalledCount: 1,
		ReconnectDelay:  backoff.DefaultReconnectDelay,
		DelayLogMaxLen:  100,
	}
}

func (c Config) validate() error {
	if c.StalledInterval < time.Millisecond {
		return bullmq.ErrInvalidStalledInterval
	}
	return nil
}
