package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/HitoriSensei/bullmq/event"
)

// Compile-time interface checks.
var (
	_ event.ErrorHook   = (*Metrics)(nil)
	_ event.FailedHook  = (*Metrics)(nil)
	_ event.StalledHook = (*Metrics)(nil)
)

// Metrics counts scheduler events for one queue. Register it with
// scheduler.Events().Register.
//
// Instruments:
//   - bullmq.jobs.failed (Int64Counter): jobs failed for stalling too often
//   - bullmq.jobs.stalled (Int64Counter): stalled jobs moved back to wait
//   - bullmq.scheduler.errors (Int64Counter): errors that ended a loop
//
// All carry a queue attribute.
type Metrics struct {
	failed  metric.Int64Counter
	stalled metric.Int64Counter
	errors  metric.Int64Counter
	attrs   metric.MeasurementOption
}

// NewMetricsWithMeter creates Metrics on meter.
func NewMetricsWithMeter(meter metric.Meter, queue string) *Metrics {
	// On error the otel API returns noop instruments.
	failed, _ := meter.Int64Counter("bullmq.jobs.failed",
		metric.WithDescription("Jobs failed after stalling more than the allowed number of times"),
		metric.WithUnit("{job}"),
	)
	stalled, _ := meter.Int64Counter("bullmq.jobs.stalled",
		metric.WithDescription("Stalled jobs moved back to the wait list"),
		metric.WithUnit("{job}"),
	)
	errs, _ := meter.Int64Counter("bullmq.scheduler.errors",
		metric.WithDescription("Errors that stopped a queue scheduler loop"),
		metric.WithUnit("{error}"),
	)
	return &Metrics{
		failed:  failed,
		stalled: stalled,
		errors:  errs,
		attrs:   metric.WithAttributes(attribute.String("queue", queue)),
	}
}

// OnError implements event.ErrorHook.
func (m *Metrics) OnError(error) {
	m.errors.Add(context.Background(), 1, m.attrs)
}

// OnFailed implements event.FailedHook.
func (m *Metrics) OnFailed(string, error, string) {
	m.failed.Add(context.Background(), 1, m.attrs)
}

// OnStalled implements event.StalledHook.
func (m *Metrics) OnStalled(string, string) {
	m.stalled.Add(context.Background(), 1, m.attrs)
}

// RunningFunc reports whether a scheduler's loop is active.
// (*scheduler.Scheduler).IsRunning satisfies it.
type RunningFunc func() bool

// ObserveRunning registers the bullmq.scheduler.running gauge, 1 while the
// loop of the scheduler for a queue is active and 0 otherwise. The
// returned registration stops the observation when unregistered.
func ObserveRunning(meter metric.Meter, schedulers map[string]RunningFunc) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge("bullmq.scheduler.running",
		metric.WithDescription("Whether the queue scheduler loop is running"),
	)
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for queue, running := range schedulers {
			var v int64
			if running() {
				v = 1
			}
			o.ObserveInt64(gauge, v, metric.WithAttributes(attribute.String("queue", queue)))
		}
		return nil
	}, gauge)
}
