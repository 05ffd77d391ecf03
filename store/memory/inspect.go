package memory

import (
	"maps"
	"slices"
)

// Waiting returns the wait list, next job first.
func (m *Store) Waiting() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.wait)
}

// Paused returns the paused list, next job first.
func (m *Store) Paused() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pausedJobs)
}

// Active returns the active list.
func (m *Store) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.active)
}

// Delayed returns the delayed jobs and their due times in Unix ms.
func (m *Store) Delayed() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.delayed)
}

// Failed returns failed jobs and their failed reasons.
func (m *Store) Failed() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.failed)
}

// StalledCount returns how many times a job has stalled.
func (m *Store) StalledCount(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stalledCounter[jobID]
}

// Events returns the queue event stream.
func (m *Store) Events() []QueueEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// DelayLogLen returns the number of entries in the delay log.
func (m *Store) DelayLogLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.log)
}

// ClientName returns the name set by SetClientName.
func (m *Store) ClientName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientName
}

// Calls returns how many times op was invoked.
func (m *Store) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Blocked reports whether a delay log read is waiting.
func (m *Store) Blocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readers > 0
}

// Disconnects returns how many times Disconnect was called.
func (m *Store) Disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

// Closes returns how many times Close was called.
func (m *Store) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// FailNext makes the next call of op return err. Calls queue up.
func (m *Store) FailNext(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], err)
}
