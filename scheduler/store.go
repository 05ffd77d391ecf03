package scheduler

import (
	"context"
	"time"
)

// Store is the storage a Scheduler reconciles. Implementations own a
// dedicated connection that is never shared with other queue operations,
// because ReadDelayLog may hold it in a blocking read for a whole stalled
// interval.
//
// Connection failures must be reported as errors for which
// guard.IsConnectionError returns true, typically by wrapping
// bullmq.ErrConnectionClosed.
type Store interface {
	// Ready checks that the connection is established. The scheduler
	// keeps calling it while it fails with a connection error, so Run
	// blocks until the store is reachable.
	Ready(ctx context.Context) error

	// SetClientName tags the connection for observability. Servers that
	// reject the command are reported with an error wrapping
	// bullmq.ErrCommandUnsupported.
	SetClientName(ctx context.Context) error

	// PromoteDelayed atomically moves every delayed job due at or before
	// now to the wait list and reports the next pending due time.
	PromoteDelayed(ctx context.Context, now time.Time) (Promotion, error)

	// RecoverStalled atomically requeues or fails active jobs whose
	// workers stopped renewing their locks.
	RecoverStalled(ctx context.Context, check StallCheck) (Recovery, error)

	// ReadDelayLog returns delay log entries after cursor. With block > 0
	// it waits up to block for the first entry and returns an empty batch
	// on timeout. With block == 0 it returns immediately.
	ReadDelayLog(ctx context.Context, cursor string, block time.Duration) ([]DelayEntry, error)

	// TrimDelayLog trims the delay log to approximately maxLen entries.
	TrimDelayLog(ctx context.Context, maxLen int64) error

	// Disconnect drops the connection immediately, failing any read in
	// flight.
	Disconnect() error

	// Close releases the connection after pending commands complete.
	Close() error
}

// Promotion is the result of PromoteDelayed.
type Promotion struct {
	// NextTimestamp is the due time in Unix milliseconds of the earliest
	// job still delayed, or 0 when none remain.
	NextTimestamp int64

	// Cursor is the delay log position to resume reading from. Empty
	// when the operation did not report one.
	Cursor string
}

// StallCheck parametrises RecoverStalled.
type StallCheck struct {
	Now             time.Time
	Interval        time.Duration
	MaxStalledCount int
}

// Recovery is the result of RecoverStalled.
type Recovery struct {
	// Failed lists jobs that stalled more than MaxStalledCount times and
	// were moved to the failed set.
	Failed []string

	// Stalled lists jobs that were moved back to the wait list.
	Stalled []string
}

// DelayEntry is one delay log record.
type DelayEntry struct {
	ID     string
	Fields map[string]string
}

// NextTimestampField is the delay log field holding a due time in Unix
// milliseconds.
const NextTimestampField = "nextTimestamp"
