// Package scheduler runs the reconciliation loop of a BullMQ queue: it
// promotes delayed jobs when they become due and recovers active jobs
// whose workers stopped renewing their locks.
//
// Run exactly one Scheduler per queue. The loop blocks on the queue's
// delay log until the next known due time, a new delayed job, or the
// stalled interval, whichever comes first:
//
//	qs, err := scheduler.New("emails", store)
//	if err != nil {
//	    return err
//	}
//	qs.Events().OnFailed(func(jobID string, reason error, prev string) {
//	    log.Printf("job %s failed: %v", jobID, reason)
//	})
//	go qs.Run(ctx)
//	defer qs.Close(context.Background())
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/HitoriSensei/bullmq"
	"github.com/HitoriSensei/bullmq/backoff"
	"github.com/HitoriSensei/bullmq/event"
	"github.com/HitoriSensei/bullmq/guard"
	"github.com/HitoriSensei/bullmq/id"
)

// Scheduler is the queue scheduler. Create one with New.
type Scheduler struct {
	queue  string
	store  Store
	config Config
	id     id.ID
	logger *slog.Logger
	guard  *guard.Guard
	// readyBackoff paces Ready while the store is unreachable.
	readyBackoff backoff.Strategy
	events       *event.Emitter
	now          func() time.Time

	running atomic.Bool
	blocked atomic.Bool
	closing atomic.Bool

	closeOnce sync.Once
	closeCh   chan struct{} // closed when closing is set
	shutdown  chan struct{} // closed when Close has finished
	closeErr  error

	mu       sync.Mutex
	loopDone chan struct{} // non-nil while Run is active

	// Owned by the goroutine executing Run.
	next   dueTime
	cursor string
}

// New creates a Scheduler for queue. It validates the configuration and
// does not touch the store unless Autorun is enabled.
func New(queue string, store Store, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		queue:  queue,
		store:  store,
		config: DefaultConfig(),
		id:     id.NewSchedulerID(),
		now:    time.Now,
		readyBackoff: backoff.NewExponential(
			100*time.Millisecond, backoff.DefaultReconnectDelay,
		),
		closeCh:  make(chan struct{}),
		shutdown: make(chan struct{}),
		cursor:   bullmq.StartCursor,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.config.validate(); err != nil {
		return nil, err
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(
		slog.String("queue", queue),
		slog.String("scheduler_id", s.id.String()),
	)
	if s.guard == nil {
		s.guard = guard.New(
			guard.WithLogger(s.logger),
			guard.WithAttributes(attribute.String("bullmq.queue", queue)),
		)
	}
	if s.events == nil {
		s.events = event.NewEmitter(s.logger)
	}

	if s.config.Autorun {
		go s.autorun()
	}
	return s, nil
}

// ID returns the scheduler's instance identifier.
func (s *Scheduler) ID() id.ID { return s.id }

// Queue returns the name of the queue being scheduled.
func (s *Scheduler) Queue() string { return s.queue }

// Config returns the configuration in effect.
func (s *Scheduler) Config() Config { return s.config }

// Events returns the emitter listeners subscribe to.
func (s *Scheduler) Events() *event.Emitter { return s.events }

// IsRunning reports whether Run is active.
func (s *Scheduler) IsRunning() bool { return s.running.Load() }

// Run executes the loop until Close is called, ctx is cancelled, or an
// error ends it. A second concurrent Run returns bullmq.ErrAlreadyRunning
// and leaves the active loop untouched; Run after Close returns
// bullmq.ErrSchedulerClosed. Cancelling ctx closes the scheduler and Run
// returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	if s.closing.Load() {
		return bullmq.ErrSchedulerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return bullmq.ErrAlreadyRunning
	}

	done := make(chan struct{})
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		s.running.Store(false)
		return bullmq.ErrSchedulerClosed
	}
	s.loopDone = done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loopDone = nil
		s.mu.Unlock()
		s.running.Store(false)
		close(done)
	}()

	stop := context.AfterFunc(ctx, s.beginClose)
	defer stop()

	s.logger.Info("queue scheduler started",
		slog.Duration("stalled_interval", s.config.StalledInterval),
		slog.Int("max_stalled_count", s.config.MaxStalledCount),
	)

	err := s.loop(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	if err != nil {
		s.logger.Error("queue scheduler stopped", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("queue scheduler stopped")
	return nil
}

// Close stops the loop after its current iteration and releases the
// store. A blocking read in flight is cut short by disconnecting the
// store; otherwise the store is closed gracefully once the loop has
// exited. Close is idempotent and every call reports the same result.
// ctx bounds only how long this call waits.
func (s *Scheduler) Close(ctx context.Context) error {
	s.beginClose()
	select {
	case <-s.shutdown:
		return s.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginClose starts the shutdown once. closing is set before blocked is
// read, and the loop sets blocked before it re-reads closing, so either
// the loop skips its read or the read is disconnected here.
func (s *Scheduler) beginClose() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.closeCh)

		var disconnectErr error
		disconnected := s.blocked.Load()
		if disconnected {
			s.logger.Debug("disconnecting blocked delay log read")
			disconnectErr = s.store.Disconnect()
		}
		go s.finishClose(disconnected, disconnectErr)
	})
}

func (s *Scheduler) finishClose(disconnected bool, err error) {
	s.mu.Lock()
	done := s.loopDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	if !disconnected {
		err = s.store.Close()
	}
	s.closeErr = err
	close(s.shutdown)
}

func (s *Scheduler) autorun() {
	err := s.Run(context.Background())
	if err == nil || errors.Is(err, bullmq.ErrSchedulerClosed) {
		return
	}
	s.events.EmitError(err)
}
