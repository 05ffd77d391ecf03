package scheduler

import (
	"log/slog"
	"time"

	"github.com/HitoriSensei/bullmq/backoff"
	"github.com/HitoriSensei/bullmq/event"
	"github.com/HitoriSensei/bullmq/guard"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStalledInterval sets how often stalled jobs are checked and the
// longest a delay log read may block.
func WithStalledInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.config.StalledInterval = d }
}

// WithMaxStalledCount sets how many times a job may stall before it is
// failed.
func WithMaxStalledCount(n int) Option {
	return func(s *Scheduler) { s.config.MaxStalledCount = n }
}

// WithAutorun makes New start the loop in the background.
func WithAutorun(on bool) Option {
	return func(s *Scheduler) { s.config.Autorun = on }
}

// WithReconnectDelay sets the pause after the blocking read loses its
// connection.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.config.ReconnectDelay = d }
}

// WithDelayLogMaxLen sets the approximate retained length of the delay
// log.
func WithDelayLogMaxLen(n int64) Option {
	return func(s *Scheduler) { s.config.DelayLogMaxLen = n }
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.config = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithGuard sets the guard wrapping remote calls. By default a guard
// with the scheduler's logger and a bullmq.queue attribute is used.
func WithGuard(g *guard.Guard) Option {
	return func(s *Scheduler) { s.guard = g }
}

// WithReadyBackoff sets the pauses between connection attempts while the
// store is unreachable at startup. Defaults to exponential from 100ms up
// to backoff.DefaultReconnectDelay.
func WithReadyBackoff(b backoff.Strategy) Option {
	return func(s *Scheduler) { s.readyBackoff = b }
}

// WithEmitter sets the event emitter, so several schedulers can share
// listeners.
func WithEmitter(e *event.Emitter) Option {
	return func(s *Scheduler) { s.events = e }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}
