// Package memory provides an in-memory scheduler.Store. It applies the same
// state transitions as the Redis scripts and serves a blocking delay log,
// so a scheduler can be exercised end to end without a server.
//
// Besides the scheduler.Store methods it exposes helpers to seed queue
// state (AddDelayed, AddActive, Lock), inspect it (Waiting, Failed,
// Events) and inject faults (FailNext).
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/HitoriSensei/bullmq"
	"github.com/HitoriSensei/bullmq/scheduler"
)

var _ scheduler.Store = (*Store)(nil)

// Op names a store operation for call counting and fault injection.
type Op string

// Store operations.
const (
	OpReady         Op = "ready"
	OpSetClientName Op = "set-client-name"
	OpPromote       Op = "promote-delayed"
	OpRecover       Op = "recover-stalled"
	OpReadDelayLog  Op = "read-delay-log"
	OpTrimDelayLog  Op = "trim-delay-log"
)

// QueueEvent is an entry of the queue's event stream.
type QueueEvent struct {
	Event string // "waiting", "stalled" or "failed"
	JobID string
	Prev  string
}

// Store is an in-memory queue. Safe for concurrent access.
type Store struct {
	queue string

	mu sync.Mutex

	delayed        map[string]int64 // job ID -> due time, Unix ms
	wait           []string         // next job to process first
	pausedJobs     []string
	paused         bool
	active         []string
	locks          map[string]time.Time // job ID -> lock expiry
	stalled        []string
	stalledCheck   time.Time // sweeps before this instant are skipped
	stalledCounter map[string]int
	failed         map[string]string // job ID -> failed reason
	events         []QueueEvent

	log      []scheduler.DelayEntry
	lastMs   int64
	lastSeq  int64
	appended chan struct{} // closed and replaced on every append

	clientName string
	readers    int
	calls      map[Op]int
	faults     map[Op][]error

	closed      bool
	gone        chan struct{}
	shutOnce    sync.Once
	disconnects int
	closes      int
}

// New returns an empty Store for queue.
func New(queue string) *Store {
	return &Store{
		queue:          queue,
		delayed:        make(map[string]int64),
		locks:          make(map[string]time.Time),
		stalledCounter: make(map[string]int),
		failed:         make(map[string]string),
		appended:       make(chan struct{}),
		calls:          make(map[Op]int),
		faults:         make(map[Op][]error),
		gone:           make(chan struct{}),
	}
}

// ──────────────────────────────────────────────────
// Connection
// ──────────────────────────────────────────────────

// Ready succeeds until the store is disconnected or closed.
func (m *Store) Ready(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter(OpReady)
}

// SetClientName records the connection name.
func (m *Store) SetClientName(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpSetClientName); err != nil {
		return err
	}
	m.clientName = bullmq.ClientName(bullmq.DefaultPrefix, m.queue)
	return nil
}

// Disconnect drops the connection. Blocked reads return
// bullmq.ErrConnectionClosed.
func (m *Store) Disconnect() error {
	m.mu.Lock()
	m.disconnects++
	m.mu.Unlock()
	m.shut()
	return nil
}

// Close releases the connection.
func (m *Store) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	m.shut()
	return nil
}

func (m *Store) shut() {
	m.shutOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.gone)
	})
}

// enter counts a call and reports an injected fault or a closed
// connection. Callers hold mu.
func (m *Store) enter(op Op) error {
	m.calls[op]++
	if m.closed {
		return fmt.Errorf("bullmq/memory: %s: %w", op, bullmq.ErrConnectionClosed)
	}
	if q := m.faults[op]; len(q) > 0 {
		m.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

// ──────────────────────────────────────────────────
// Delayed jobs
// ──────────────────────────────────────────────────

// AddDelayed adds a job due at at and appends its due time to the delay
// log, waking blocked readers.
func (m *Store) AddDelayed(jobID string, at time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delayed[jobID] = at.UnixMilli()
	return m.appendLog(at.UnixMilli())
}

// PromoteDelayed moves every delayed job due at or before now to the wait
// list, or to the paused list while the queue is paused. When delayed
// jobs remain, the earliest due time is appended to the delay log and
// returned with the new entry's ID.
func (m *Store) PromoteDelayed(_ context.Context, now time.Time) (scheduler.Promotion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpPromote); err != nil {
		return scheduler.Promotion{}, err
	}

	cutoff := now.UnixMilli()
	var due []string
	for jobID, ts := range m.delayed {
		if ts <= cutoff {
			due = append(due, jobID)
		}
	}
	slices.SortFunc(due, func(a, b string) int {
		if c := cmp.Compare(m.delayed[a], m.delayed[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	for _, jobID := range due {
		delete(m.delayed, jobID)
		m.enqueueBack(jobID)
		m.events = append(m.events, QueueEvent{Event: "waiting", JobID: jobID, Prev: "delayed"})
	}

	next, ok := m.earliestDelayed()
	if !ok {
		return scheduler.Promotion{}, nil
	}
	return scheduler.Promotion{NextTimestamp: next, Cursor: m.appendLog(next)}, nil
}

func (m *Store) earliestDelayed() (int64, bool) {
	var next int64
	found := false
	for _, ts := range m.delayed {
		if !found || ts < next {
			next, found = ts, true
		}
	}
	return next, found
}

// ──────────────────────────────────────────────────
// Active and stalled jobs
// ──────────────────────────────────────────────────

// AddActive puts a job in the active list as if a worker had taken it.
func (m *Store) AddActive(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = append(m.active, jobID)
}

// Lock marks a job's lock as held until until, as a worker renewing it
// would.
func (m *Store) Lock(jobID string, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[jobID] = until
}

// RecoverStalled runs one stall sweep unless the previous one was less
// than check.Interval ago. Jobs marked as stalled candidates by the
// previous sweep that still have no live lock are failed once they have
// stalled more than check.MaxStalledCount times and requeued at the front
// of the wait list otherwise. Every job active at the end of the sweep
// becomes a candidate for the next one.
func (m *Store) RecoverStalled(_ context.Context, check scheduler.StallCheck) (scheduler.Recovery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpRecover); err != nil {
		return scheduler.Recovery{}, err
	}

	if check.Now.Before(m.stalledCheck) {
		return scheduler.Recovery{}, nil
	}
	m.stalledCheck = check.Now.Add(check.Interval)

	var rec scheduler.Recovery
	for _, jobID := range m.stalled {
		if until, ok := m.locks[jobID]; ok && until.After(check.Now) {
			continue
		}
		i := slices.Index(m.active, jobID)
		if i < 0 {
			continue
		}
		m.active = slices.Delete(m.active, i, i+1)

		m.stalledCounter[jobID]++
		if m.stalledCounter[jobID] > check.MaxStalledCount {
			m.failed[jobID] = bullmq.ErrStalledLimit.Error()
			m.events = append(m.events, QueueEvent{Event: "failed", JobID: jobID, Prev: bullmq.PrevStateActive})
			rec.Failed = append(rec.Failed, jobID)
			continue
		}
		m.enqueueFront(jobID)
		m.events = append(m.events,
			QueueEvent{Event: "waiting", JobID: jobID, Prev: bullmq.PrevStateActive},
			QueueEvent{Event: "stalled", JobID: jobID, Prev: bullmq.PrevStateActive},
		)
		rec.Stalled = append(rec.Stalled, jobID)
	}
	m.stalled = slices.Clone(m.active)
	return rec, nil
}

// ──────────────────────────────────────────────────
// Delay log
// ──────────────────────────────────────────────────

// ReadDelayLog returns the entries after cursor. With block > 0 and no
// such entries it waits for an append, the timeout, a disconnect or ctx.
func (m *Store) ReadDelayLog(ctx context.Context, cursor string, block time.Duration) ([]scheduler.DelayEntry, error) {
	m.mu.Lock()
	if err := m.enter(OpReadDelayLog); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	entries := m.entriesAfter(cursor)
	if len(entries) > 0 || block <= 0 {
		m.mu.Unlock()
		return entries, nil
	}
	appended := m.appended
	m.readers++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.readers--
		m.mu.Unlock()
	}()

	timer := time.NewTimer(block)
	defer timer.Stop()
	select {
	case <-appended:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.entriesAfter(cursor), nil
	case <-timer.C:
		return nil, nil
	case <-m.gone:
		return nil, fmt.Errorf("bullmq/memory: %s: %w", OpReadDelayLog, bullmq.ErrConnectionClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TrimDelayLog keeps the newest maxLen entries.
func (m *Store) TrimDelayLog(_ context.Context, maxLen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpTrimDelayLog); err != nil {
		return err
	}
	if n := int64(len(m.log)); n > maxLen {
		m.log = slices.Clone(m.log[n-maxLen:])
	}
	return nil
}

func (m *Store) entriesAfter(cursor string) []scheduler.DelayEntry {
	i := len(m.log)
	for i > 0 && scheduler.CompareStreamIDs(m.log[i-1].ID, cursor) > 0 {
		i--
	}
	if i == len(m.log) {
		return nil
	}
	return slices.Clone(m.log[i:])
}

// appendLog adds a nextTimestamp entry and wakes blocked readers. IDs
// follow the "<ms>-<seq>" form and strictly increase. Callers hold mu.
func (m *Store) appendLog(nextTimestamp int64) string {
	ms := time.Now().UnixMilli()
	if ms <= m.lastMs {
		ms = m.lastMs
		m.lastSeq++
	} else {
		m.lastSeq = 0
	}
	m.lastMs = ms
	entryID := strconv.FormatInt(ms, 10) + "-" + strconv.FormatInt(m.lastSeq, 10)

	m.log = append(m.log, scheduler.DelayEntry{
		ID:     entryID,
		Fields: map[string]string{scheduler.NextTimestampField: strconv.FormatInt(nextTimestamp, 10)},
	})
	close(m.appended)
	m.appended = make(chan struct{})
	return entryID
}

// ──────────────────────────────────────────────────
// Queue lists
// ──────────────────────────────────────────────────

// SetPaused pauses or resumes the queue. Promoted and requeued jobs go to
// the paused list while paused.
func (m *Store) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
}

func (m *Store) enqueueBack(jobID string) {
	if m.paused {
		m.pausedJobs = append(m.pausedJobs, jobID)
		return
	}
	m.wait = append(m.wait, jobID)
}

func (m *Store) enqueueFront(jobID string) {
	if m.paused {
		m.pausedJobs = slices.Insert(m.pausedJobs, 0, jobID)
		return
	}
	m.wait = slices.Insert(m.wait, 0, jobID)
}
