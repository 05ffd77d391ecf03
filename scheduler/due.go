package scheduler

import "time"

// dueTime is the earliest known due time of a delayed job. The zero value
// means no delayed job is known to be pending.
type dueTime struct {
	ms  int64
	set bool
}

func dueAt(ms int64) dueTime { return dueTime{ms: ms, set: true} }

func (d dueTime) pending() bool { return d.set }

// lower returns the earlier of d and ms.
func (d dueTime) lower(ms int64) dueTime {
	if !d.set || ms < d.ms {
		return dueAt(ms)
	}
	return d
}

// reached reports whether a pending due time is at or before now.
func (d dueTime) reached(now time.Time) bool {
	return d.set && d.ms <= now.UnixMilli()
}

func (d dueTime) String() string {
	if !d.set {
		return "none"
	}
	return time.UnixMilli(d.ms).UTC().Format(time.RFC3339Nano)
}

// blockTime is how long the delay log read may block: the time left until
// next, in whole milliseconds, clamped to [0, interval]. With nothing
// pending it is interval.
func blockTime(next dueTime, now time.Time, interval time.Duration) time.Duration {
	if !next.pending() {
		return interval
	}
	remaining := time.Duration(max(next.ms-now.UnixMilli(), 0)) * time.Millisecond
	if remaining >= interval {
		return interval
	}
	return remaining
}
