package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/HitoriSensei/bullmq"
	"github.com/HitoriSensei/bullmq/backoff"
	"github.com/HitoriSensei/bullmq/event"
	"github.com/HitoriSensei/bullmq/guard"
	"github.com/HitoriSensei/bullmq/scheduler"
)

// ──────────────────────────────────────────────────
// Scripted store
// ──────────────────────────────────────────────────

type readCall struct {
	cursor string
	block  time.Duration
	at     time.Time
}

// stubStore returns scripted results and records every call.
type stubStore struct {
	mu sync.Mutex

	promotions   []scheduler.Promotion // consumed in order, then zero
	promoteCalls []time.Time
	recovery     scheduler.Recovery
	recoverErr   error
	recoverCalls int
	readErrs     []error // consumed in order by blocking reads
	zeroReadErr  error   // returned by every non-blocking read
	readyErrs    []error // consumed in order by Ready
	readyDown    bool    // Ready fails until cleared
	readyCalls   int
	entries      [][]scheduler.DelayEntry
	reads        []readCall
	trims        int
	nameErr      error
	calls        int
	disconnects  int
	closes       int

	blocked      chan struct{} // receives when a blocking read starts
	disconnected chan struct{}
	discOnce     sync.Once
}

func newStubStore() *stubStore {
	return &stubStore{
		blocked:      make(chan struct{}, 64),
		disconnected: make(chan struct{}),
	}
}

func (s *stubStore) Ready(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.readyCalls++
	if s.readyDown {
		return bullmq.ErrConnectionClosed
	}
	if len(s.readyErrs) > 0 {
		var err error
		err, s.readyErrs = s.readyErrs[0], s.readyErrs[1:]
		return err
	}
	return nil
}

func (s *stubStore) SetClientName(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.nameErr
}

func (s *stubStore) PromoteDelayed(_ context.Context, now time.Time) (scheduler.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.promoteCalls = append(s.promoteCalls, now)
	if len(s.promotions) == 0 {
		return scheduler.Promotion{}, nil
	}
	p := s.promotions[0]
	s.promotions = s.promotions[1:]
	return p, nil
}

func (s *stubStore) RecoverStalled(context.Context, scheduler.StallCheck) (scheduler.Recovery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.recoverCalls++
	return s.recovery, s.recoverErr
}

func (s *stubStore) ReadDelayLog(ctx context.Context, cursor string, block time.Duration) ([]scheduler.DelayEntry, error) {
	s.mu.Lock()
	s.calls++
	s.reads = append(s.reads, readCall{cursor: cursor, block: block, at: time.Now()})
	var batch []scheduler.DelayEntry
	if len(s.entries) > 0 {
		batch, s.entries = s.entries[0], s.entries[1:]
	}
	var err error
	if block > 0 && len(s.readErrs) > 0 {
		err, s.readErrs = s.readErrs[0], s.readErrs[1:]
	}
	if block == 0 {
		err = s.zeroReadErr
	}
	s.mu.Unlock()

	if err != nil || batch != nil || block == 0 {
		return batch, err
	}

	select {
	case s.blocked <- struct{}{}:
	default:
	}
	timer := time.NewTimer(block)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil
	case <-s.disconnected:
		return nil, bullmq.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stubStore) TrimDelayLog(context.Context, int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.trims++
	return nil
}

func (s *stubStore) Disconnect() error {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()
	s.discOnce.Do(func() { close(s.disconnected) })
	return nil
}

func (s *stubStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *stubStore) snapshot() stubStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stubStore{
		promoteCalls: append([]time.Time(nil), s.promoteCalls...),
		reads:        append([]readCall(nil), s.reads...),
		recoverCalls: s.recoverCalls,
		readyCalls:   s.readyCalls,
		trims:        s.trims,
		calls:        s.calls,
		disconnects:  s.disconnects,
		closes:       s.closes,
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newScheduler(t *testing.T, store scheduler.Store, opts ...scheduler.Option) *scheduler.Scheduler {
	t.Helper()
	base := []scheduler.Option{
		scheduler.WithLogger(quietLogger()),
		scheduler.WithGuard(guard.New(
			guard.WithStrategy(backoff.NewConstant(time.Millisecond)),
			guard.WithLogger(quietLogger()),
		)),
	}
	s, err := scheduler.New("test-queue", store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// start runs s in the background and returns a channel with Run's result.
func start(t *testing.T, s *scheduler.Scheduler) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	waitFor(t, "scheduler running", s.IsRunning)
	return errCh
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func closeAndWait(t *testing.T, s *scheduler.Scheduler, errCh <-chan error) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
		return nil
	}
}

// ──────────────────────────────────────────────────
// Construction
// ──────────────────────────────────────────────────

func TestNew_RejectsZeroStalledInterval(t *testing.T) {
	store := newStubStore()
	_, err := scheduler.New("q", store, scheduler.WithStalledInterval(0), scheduler.WithAutorun(true))
	if !errors.Is(err, bullmq.ErrInvalidStalledInterval) {
		t.Fatalf("err = %v, want ErrInvalidStalledInterval", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := store.snapshot().calls; n != 0 {
		t.Errorf("store calls = %d, want 0", n)
	}
}

func TestNew_Defaults(t *testing.T) {
	s := newScheduler(t, newStubStore())
	cfg := s.Config()
	if cfg.StalledInterval != 30*time.Second || cfg.MaxStalledCount != 1 || cfg.DelayLogMaxLen != 100 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if s.IsRunning() {
		t.Error("scheduler running before Run")
	}
	if s.ID().IsNil() {
		t.Error("scheduler has nil ID")
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

func TestRun_SecondRunFailsWithoutDisturbingLoop(t *testing.T) {
	store := newStubStore()
	s := newScheduler(t, store, scheduler.WithStalledInterval(time.Hour))
	errCh := start(t, s)
	<-store.blocked

	if err := s.Run(context.Background()); !errors.Is(err, bullmq.ErrAlreadyRunning) {
		t.Fatalf("second Run = %v, want ErrAlreadyRunning", err)
	}
	if !s.IsRunning() {
		t.Error("second Run reset running")
	}
	if n := len(store.snapshot().promoteCalls); n != 1 {
		t.Errorf("promote calls = %d, want 1", n)
	}

	if err := closeAndWait(t, s, errCh); err != nil {
		t.Errorf("Run = %v", err)
	}
	if s.IsRunning() {
		t.Error("running after Close")
	}
}

func TestClose_DisconnectsBlockedRead(t *testing.T) {
	store := newStubStore()
	s := newScheduler(t, store,
		scheduler.WithStalledInterval(time.Hour),
		scheduler.WithReconnectDelay(time.Hour),
	)
	errCh := start(t, s)
	<-store.blocked

	begin := time.Now()
	if err := closeAndWait(t, s, errCh); err != nil {
		t.Errorf("Run = %v", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("Close took %v while blocked", elapsed)
	}

	snap := store.snapshot()
	if snap.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", snap.disconnects)
	}
	if snap.closes != 0 {
		t.Errorf("closes = %d, want 0", snap.closes)
	}
}

func TestClose_IdempotentBeforeRun(t *testing.T) {
	store := newStubStore()
	s := newScheduler(t, store)

	ctx := context.Background()
	first := s.Close(ctx)
	second := s.Close(ctx)
	if first != nil || second != nil {
		t.Errorf("Close = %v, %v", first, second)
	}
	if n := store.snapshot().closes; n != 1 {
		t.Errorf("store closes = %d, want 1", n)
	}
	if err := s.Run(ctx); !errors.Is(err, bullmq.ErrSchedulerClosed) {
		t.Errorf("Run after Close = %v, want ErrSchedulerClosed", err)
	}
}

func TestRun_ContextCancelStopsLoop(t *testing.T) {
	store := newStubStore()
	s := newScheduler(t, store, scheduler.WithStalledInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	<-store.blocked
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Close after cancel = %v", err)
	}
}

// ──────────────────────────────────────────────────
// Loop behaviour
// ──────────────────────────────────────────────────

func TestRun_PromotesAgainOnceDue(t *testing.T) {
	store := newStubStore()
	now := time.Now()
	store.promotions = []scheduler.Promotion{{NextTimestamp: now.UnixMilli() + 500, Cursor: "5-0"}}

	interval := 2 * time.Second
	s := newScheduler(t, store, scheduler.WithStalledInterval(interval))
	errCh := start(t, s)

	waitFor(t, "second promotion", func() bool { return len(store.snapshot().promoteCalls) >= 2 })
	waitFor(t, "read after second promotion", func() bool { return len(store.snapshot().reads) >= 2 })
	_ = closeAndWait(t, s, errCh)

	snap := store.snapshot()
	first, second := snap.promoteCalls[0], snap.promoteCalls[1]
	if second.Sub(first) < 500*time.Millisecond-5*time.Millisecond {
		t.Errorf("second promotion after %v, want >= 500ms", second.Sub(first))
	}
	if second.UnixMilli() < now.UnixMilli()+500 {
		t.Errorf("second promotion at %d, before due time %d", second.UnixMilli(), now.UnixMilli()+500)
	}

	r0 := snap.reads[0]
	if r0.cursor != "5-0" {
		t.Errorf("first read cursor = %q, want 5-0", r0.cursor)
	}
	if r0.block <= 0 || r0.block > 500*time.Millisecond {
		t.Errorf("first read block = %v, want (0, 500ms]", r0.block)
	}

	// Nothing is due after the second promotion: block for the full
	// interval, not zero.
	if r1 := snap.reads[1]; r1.block != interval {
		t.Errorf("read after empty promotion blocked %v, want %v", r1.block, interval)
	}
}

func TestRun_EmitsFailedBeforeStalledEverySweep(t *testing.T) {
	store := newStubStore()
	store.recovery = scheduler.Recovery{Failed: []string{"j1"}, Stalled: []string{"j2"}}

	s := newScheduler(t, store, scheduler.WithStalledInterval(5*time.Millisecond))

	var mu sync.Mutex
	var got []string
	s.Events().OnFailed(func(jobID string, reason error, prev string) {
		if !errors.Is(reason, bullmq.ErrStalledLimit) || prev != "active" {
			t.Errorf("failed(%q, %v, %q)", jobID, reason, prev)
		}
		mu.Lock()
		got = append(got, "failed:"+jobID)
		mu.Unlock()
	})
	s.Events().OnStalled(func(jobID, prev string) {
		if prev != "active" {
			t.Errorf("stalled prev = %q", prev)
		}
		mu.Lock()
		got = append(got, "stalled:"+jobID)
		mu.Unlock()
	})

	errCh := start(t, s)
	waitFor(t, "three sweeps", func() bool { return store.snapshot().recoverCalls >= 3 })
	_ = closeAndWait(t, s, errCh)

	mu.Lock()
	defer mu.Unlock()
	sweeps := store.snapshot().recoverCalls
	if len(got) != 2*sweeps {
		t.Fatalf("events = %d for %d sweeps: %v", len(got), sweeps, got)
	}
	for i := 0; i < len(got); i += 2 {
		if got[i] != "failed:j1" || got[i+1] != "stalled:j2" {
			t.Fatalf("events out of order at %d: %v", i, got)
		}
	}
}

func TestRun_AppliesDelayLogBatch(t *testing.T) {
	store := newStubStore()
	due := time.Now().Add(50 * time.Millisecond).UnixMilli()
	store.entries = [][]scheduler.DelayEntry{{
		{ID: "10-0", Fields: map[string]string{"nextTimestamp": fmt.Sprint(due + 10_000)}},
		{ID: "11-0", Fields: map[string]string{"nextTimestamp": fmt.Sprint(due)}},
		{ID: "12-0", Fields: map[string]string{"nextTimestamp": "garbage"}},
	}}

	s := newScheduler(t, store, scheduler.WithStalledInterval(time.Hour))
	errCh := start(t, s)
	waitFor(t, "promotion from log", func() bool { return len(store.snapshot().promoteCalls) >= 2 })
	waitFor(t, "next read", func() bool { return len(store.snapshot().reads) >= 3 })
	_ = closeAndWait(t, s, errCh)

	snap := store.snapshot()
	if snap.trims != 1 {
		t.Errorf("trims = %d, want 1", snap.trims)
	}
	if c := snap.reads[1].cursor; c != "12-0" {
		t.Errorf("cursor after batch = %q, want 12-0", c)
	}
	if b := snap.reads[1].block; b <= 0 || b > 50*time.Millisecond {
		t.Errorf("block after batch = %v, want (0, 50ms]", b)
	}
}

func TestRun_SwallowsBlockingReadDisconnect(t *testing.T) {
	store := newStubStore()
	store.readErrs = []error{bullmq.ErrConnectionClosed}

	s := newScheduler(t, store,
		scheduler.WithStalledInterval(time.Hour),
		scheduler.WithReconnectDelay(time.Millisecond),
	)
	errCh := start(t, s)
	waitFor(t, "read after reconnect pause", func() bool { return len(store.snapshot().reads) >= 2 })

	if !s.IsRunning() {
		t.Fatal("loop stopped on a swallowed disconnect")
	}
	if err := closeAndWait(t, s, errCh); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestRun_UnclassifiedErrorIsFatal(t *testing.T) {
	store := newStubStore()
	boom := errors.New("ERR script failure")
	store.recoverErr = boom

	s := newScheduler(t, store)
	err := s.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want %v", err, boom)
	}
	if s.IsRunning() {
		t.Error("running after fatal error")
	}
}

func TestRun_NonBlockingReadConnectionErrorIsFatal(t *testing.T) {
	store := newStubStore()
	// A due time in the past makes the first delay log read non-blocking.
	store.promotions = []scheduler.Promotion{{NextTimestamp: 1, Cursor: "1-0"}}
	store.zeroReadErr = bullmq.ErrConnectionClosed

	s := newScheduler(t, store, scheduler.WithStalledInterval(time.Hour))
	err := s.Run(context.Background())
	if !errors.Is(err, bullmq.ErrConnectionClosed) {
		t.Fatalf("Run = %v, want ErrConnectionClosed", err)
	}

	var zeroBlock int
	for _, r := range store.snapshot().reads {
		if r.block == 0 {
			zeroBlock++
		}
	}
	if zeroBlock != 3 {
		t.Errorf("non-blocking reads = %d, want 3", zeroBlock)
	}
	if s.IsRunning() {
		t.Error("running after fatal error")
	}
}

func TestRun_WaitsForStoreToBecomeReady(t *testing.T) {
	store := newStubStore()
	store.readyErrs = []error{
		bullmq.ErrConnectionClosed,
		bullmq.ErrConnectionClosed,
		bullmq.ErrConnectionClosed,
		bullmq.ErrConnectionClosed,
	}

	s := newScheduler(t, store,
		scheduler.WithStalledInterval(time.Hour),
		scheduler.WithReadyBackoff(backoff.NewConstant(time.Millisecond)),
	)
	errCh := start(t, s)
	<-store.blocked

	snap := store.snapshot()
	if snap.readyCalls != 5 {
		t.Errorf("ready calls = %d, want 5", snap.readyCalls)
	}
	if n := len(snap.promoteCalls); n != 1 {
		t.Errorf("promote calls = %d, want 1", n)
	}
	if err := closeAndWait(t, s, errCh); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestClose_WhileWaitingForStore(t *testing.T) {
	store := newStubStore()
	store.readyDown = true

	s := newScheduler(t, store, scheduler.WithReadyBackoff(backoff.NewConstant(time.Hour)))
	errCh := start(t, s)
	waitFor(t, "ready attempts", func() bool { return store.snapshot().readyCalls >= 3 })

	if err := closeAndWait(t, s, errCh); err != nil {
		t.Errorf("Run = %v", err)
	}
	snap := store.snapshot()
	if n := len(snap.promoteCalls); n != 0 {
		t.Errorf("promote calls = %d, want 0", n)
	}
	if snap.closes != 1 || snap.disconnects != 0 {
		t.Errorf("closes=%d disconnects=%d", snap.closes, snap.disconnects)
	}
}

func TestRun_ReadyCommandErrorIsFatal(t *testing.T) {
	store := newStubStore()
	boom := errors.New("NOAUTH Authentication required")
	store.readyErrs = []error{boom}

	s := newScheduler(t, store)
	if err := s.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want %v", err, boom)
	}
	if n := store.snapshot().readyCalls; n != 1 {
		t.Errorf("ready calls = %d, want 1", n)
	}
}

func TestRun_IgnoresUnsupportedClientName(t *testing.T) {
	store := newStubStore()
	store.nameErr = fmt.Errorf("CLIENT SETNAME: %w", bullmq.ErrCommandUnsupported)

	s := newScheduler(t, store, scheduler.WithStalledInterval(time.Hour))
	errCh := start(t, s)
	<-store.blocked
	if err := closeAndWait(t, s, errCh); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestRun_ClientNameFailurePropagates(t *testing.T) {
	store := newStubStore()
	store.nameErr = errors.New("NOPERM")

	s := newScheduler(t, store)
	if err := s.Run(context.Background()); err == nil {
		t.Fatalf("Run = %v, want error", err)
	}
	if n := len(store.snapshot().promoteCalls); n != 0 {
		t.Errorf("promote calls = %d, want 0", n)
	}
}

func TestAutorun_DeliversErrorEvent(t *testing.T) {
	store := newStubStore()
	boom := errors.New("ERR script failure")
	store.recoverErr = boom

	events := event.NewEmitter(quietLogger())
	errCh := make(chan error, 1)
	events.OnError(func(err error) { errCh <- err })

	newScheduler(t, store, scheduler.WithAutorun(true), scheduler.WithEmitter(events))

	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Errorf("error event = %v, want %v", err, boom)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no error event from autorun")
	}
}
