package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/HitoriSensei/bullmq"
	"github.com/HitoriSensei/bullmq/guard"
)

// Guard operation names. They appear in span names and error messages.
const (
	opReady         = "ready"
	opSetClientName = "set-client-name"
	opPromote       = "promote-delayed"
	opRecover       = "recover-stalled"
	opReadDelayLog  = "read-delay-log"
)

func (s *Scheduler) loop(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}
	for !s.closing.Load() {
		if err := s.iterate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Startup
// ──────────────────────────────────────────────────

func (s *Scheduler) start(ctx context.Context) error {
	if ready, err := s.waitReady(ctx); !ready {
		return err
	}

	err := s.guard.Do(ctx, opSetClientName, s.store.SetClientName)
	switch {
	case errors.Is(err, bullmq.ErrCommandUnsupported):
		s.logger.Debug("store does not support client names", slog.String("error", err.Error()))
	case err != nil:
		return wrap(opSetClientName, err)
	}

	p, err := s.promote(ctx)
	if err != nil {
		return err
	}
	s.cursor = advance(bullmq.StartCursor, p.Cursor)
	s.next = dueTime{}
	if p.NextTimestamp != 0 {
		s.next = dueAt(p.NextTimestamp)
	}
	s.logger.Debug("initial promotion",
		slog.String("next", s.next.String()),
		slog.String("cursor", s.cursor),
	)
	return nil
}

// waitReady retries Ready while the store is unreachable. It reports false
// with a nil error when the scheduler was closed before the store came up.
func (s *Scheduler) waitReady(ctx context.Context) (bool, error) {
	for attempt := 1; ; attempt++ {
		err := s.guard.Do(ctx, opReady, s.store.Ready)
		switch {
		case err == nil:
			return true, nil
		case s.closing.Load():
			return false, nil
		case ctx.Err() != nil:
			return false, ctx.Err()
		case !guard.IsConnectionError(err):
			return false, wrap(opReady, err)
		}

		d := s.readyBackoff.Delay(attempt)
		s.logger.Warn("store not ready",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", d),
		)
		s.pause(d)
	}
}

// ──────────────────────────────────────────────────
// Iteration
// ──────────────────────────────────────────────────

func (s *Scheduler) iterate(ctx context.Context) error {
	if err := s.sweepStalled(ctx); err != nil {
		return err
	}

	block := blockTime(s.next, s.now(), s.config.StalledInterval)
	entries, err := s.readDelayLog(ctx, block)
	if err != nil {
		return err
	}
	s.apply(ctx, entries)

	if s.closing.Load() || !s.next.reached(s.now()) {
		return nil
	}
	p, err := s.promote(ctx)
	if err != nil {
		return err
	}
	if p.NextTimestamp != 0 {
		s.next = dueAt(p.NextTimestamp)
		s.cursor = advance(s.cursor, p.Cursor)
	} else {
		s.next = dueTime{}
	}
	return nil
}

func (s *Scheduler) sweepStalled(ctx context.Context) error {
	var rec Recovery
	err := s.guard.Do(ctx, opRecover, func(ctx context.Context) error {
		var err error
		rec, err = s.store.RecoverStalled(ctx, StallCheck{
			Now:             s.now(),
			Interval:        s.config.StalledInterval,
			MaxStalledCount: s.config.MaxStalledCount,
		})
		return err
	})
	if err != nil {
		return wrap(opRecover, err)
	}

	for _, jobID := range rec.Failed {
		s.logger.Warn("job stalled more than allowable limit", slog.String("job_id", jobID))
		s.events.EmitFailed(jobID, bullmq.ErrStalledLimit, bullmq.PrevStateActive)
	}
	for _, jobID := range rec.Stalled {
		s.logger.Info("job stalled, moved back to wait", slog.String("job_id", jobID))
		s.events.EmitStalled(jobID, bullmq.PrevStateActive)
	}
	return nil
}

// readDelayLog reads the delay log from the cursor. Only the blocking read
// swallows connection failures; the non-blocking read goes through the
// guard like every other call.
func (s *Scheduler) readDelayLog(ctx context.Context, block time.Duration) ([]DelayEntry, error) {
	if s.closing.Load() {
		return nil, nil
	}

	if block == 0 {
		var entries []DelayEntry
		err := s.guard.Do(ctx, opReadDelayLog, func(ctx context.Context) error {
			var err error
			entries, err = s.store.ReadDelayLog(ctx, s.cursor, 0)
			return err
		})
		if err != nil {
			return nil, wrap(opReadDelayLog, err)
		}
		return entries, nil
	}

	s.blocked.Store(true)
	if s.closing.Load() {
		s.blocked.Store(false)
		return nil, nil
	}
	entries, err := s.store.ReadDelayLog(ctx, s.cursor, block)
	s.blocked.Store(false)

	switch {
	case err == nil:
		return entries, nil
	case s.closing.Load():
		// The read was cut short by Close.
		return nil, nil
	case guard.IsConnectionError(err):
		s.logger.Warn("delay log read lost its connection",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", s.config.ReconnectDelay),
		)
		s.pause(s.config.ReconnectDelay)
		return nil, nil
	default:
		return nil, wrap(opReadDelayLog, err)
	}
}

// apply consumes a batch of delay log entries. The cursor ends at the last
// entry and the due time is only ever lowered.
func (s *Scheduler) apply(ctx context.Context, entries []DelayEntry) {
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		s.cursor = advance(s.cursor, e.ID)
		raw, ok := e.Fields[NextTimestampField]
		if !ok {
			continue
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.logger.Debug("ignoring delay log entry",
				slog.String("entry_id", e.ID),
				slog.String("next_timestamp", raw),
			)
			continue
		}
		s.next = s.next.lower(ts)
	}

	if s.closing.Load() {
		return
	}
	// Trimming is best effort and is not retried.
	if err := s.store.TrimDelayLog(ctx, s.config.DelayLogMaxLen); err != nil {
		s.logger.Warn("delay log trim failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) promote(ctx context.Context) (Promotion, error) {
	var p Promotion
	err := s.guard.Do(ctx, opPromote, func(ctx context.Context) error {
		var err error
		p, err = s.store.PromoteDelayed(ctx, s.now())
		return err
	})
	if err != nil {
		return Promotion{}, wrap(opPromote, err)
	}
	return p, nil
}

// pause sleeps for d or until the scheduler is closed.
func (s *Scheduler) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.closeCh:
	}
}

func wrap(op string, err error) error {
	return fmt.Errorf("bullmq/scheduler: %s: %w", op, err)
}
