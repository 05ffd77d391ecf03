// Package event is the publish/subscribe surface of a queue scheduler.
//
// A scheduler emits exactly three kinds of events:
//
//   - error: the scheduler loop or one of its remote calls failed.
//   - failed: a job stalled more often than allowed and was moved to the
//     failed set.
//   - stalled: a job's worker stopped renewing its lock and the job was moved
//     back to the wait list.
//
// Each kind has its own listener type so subscriptions are checked at
// compile time. Listeners run synchronously, in subscription order, on the
// scheduler's goroutine; a panicking listener is not recovered.
package event

// Kind names one of the three event kinds.
type Kind string

// Event kinds.
const (
	KindError   Kind = "error"
	KindFailed  Kind = "failed"
	KindStalled Kind = "stalled"
)

// ErrorListener receives errors from the scheduler.
type ErrorListener func(err error)

// FailedListener receives jobs that were moved to the failed set. prev is
// the state the job was in before ("active").
type FailedListener func(jobID string, reason error, prev string)

// StalledListener receives jobs that were moved back to the wait list.
type StalledListener func(jobID, prev string)

// ──────────────────────────────────────────────────
// Hook interfaces
// ──────────────────────────────────────────────────

// ErrorHook is implemented by values passed to Emitter.Register that want
// error events.
type ErrorHook interface {
	OnError(err error)
}

// FailedHook is implemented by values passed to Emitter.Register that want
// failed events.
type FailedHook interface {
	OnFailed(jobID string, reason error, prev string)
}

// StalledHook is implemented by values passed to Emitter.Register that want
// stalled events.
type StalledHook interface {
	OnStalled(jobID, prev string)
}
