// Package observability records OpenTelemetry metrics for queue
// schedulers. Metrics subscribes to a scheduler's events and counts
// failed jobs, stalled jobs and loop errors; ObserveRunning exports
// whether each scheduler's loop is active.
//
// Per-call store spans and latency histograms are recorded by the guard
// package.
package observability
