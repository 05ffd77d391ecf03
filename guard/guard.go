// Package guard wraps the scheduler's remote calls. It tells connection
// failures apart from command failures, retries the former with a backoff
// strategy, and records a span and metrics for every attempt.
//
// If no TracerProvider or MeterProvider is configured globally, the otel
// noop implementations are used and the guard only classifies and retries.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/HitoriSensei/bullmq/backoff"
)

// instrumentationName is the otel scope for guard spans and metrics.
const instrumentationName = "github.com/HitoriSensei/bullmq/guard"

// DefaultMaxAttempts is the number of tries, first call included, before a
// connection failure is returned to the caller.
const DefaultMaxAttempts = 3

// Option configures a Guard.
type Option func(*Guard)

// WithStrategy sets the pause between attempts.
func WithStrategy(s backoff.Strategy) Option {
	return func(g *Guard) { g.strategy = s }
}

// WithMaxAttempts sets how many times a call is tried. Values below one
// are treated as one.
func WithMaxAttempts(n int) Option {
	return func(g *Guard) { g.maxAttempts = max(n, 1) }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithTracer sets the tracer used for per-attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(g *Guard) { g.tracer = t }
}

// WithMeter sets the meter used for call metrics.
func WithMeter(m metric.Meter) Option {
	return func(g *Guard) { g.meter = m }
}

// WithAttributes adds attributes to every span and metric point, for
// example the queue name.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(g *Guard) { g.attrs = append(g.attrs, attrs...) }
}

// Guard runs remote calls. It is safe for concurrent use.
type Guard struct {
	strategy    backoff.Strategy
	maxAttempts int
	logger      *slog.Logger
	tracer      trace.Tracer
	meter       metric.Meter
	attrs       []attribute.KeyValue

	calls    metric.Int64Counter
	retries  metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a Guard.
//
// Instruments:
//   - bullmq.store.calls (Int64Counter): attempts, by op and status
//   - bullmq.store.retries (Int64Counter): retried connection failures, by op
//   - bullmq.store.duration (Float64Histogram): attempt latency in seconds
func New(opts ...Option) *Guard {
	g := &Guard{
		strategy:    backoff.DefaultStrategy(),
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.tracer == nil {
		g.tracer = otel.Tracer(instrumentationName)
	}
	if g.meter == nil {
		g.meter = otel.Meter(instrumentationName)
	}

	// The otel API hands back noop instruments alongside any error.
	g.calls, _ = g.meter.Int64Counter("bullmq.store.calls",
		metric.WithDescription("Remote store call attempts"),
		metric.WithUnit("{call}"),
	)
	g.retries, _ = g.meter.Int64Counter("bullmq.store.retries",
		metric.WithDescription("Remote store calls retried after a connection failure"),
		metric.WithUnit("{retry}"),
	)
	g.duration, _ = g.meter.Float64Histogram("bullmq.store.duration",
		metric.WithDescription("Duration of remote store call attempts in seconds"),
		metric.WithUnit("s"),
	)
	return g
}

// Do runs fn, retrying connection failures until the attempt budget is
// spent. Any other error is returned after the first attempt. Errors are
// wrapped as "bullmq/guard: <op>: ...".
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := g.attempt(ctx, op, attempt, fn)
		if err == nil {
			return nil
		}
		if !IsConnectionError(err) || attempt >= g.maxAttempts {
			return fmt.Errorf("bullmq/guard: %s: %w", op, err)
		}

		delay := g.strategy.Delay(attempt)
		g.logger.Warn("store connection lost, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		g.retries.Add(ctx, 1, metric.WithAttributes(g.withOp(op)...))

		if waitErr := sleepCtx(ctx, delay); waitErr != nil {
			return fmt.Errorf("bullmq/guard: %s: %w (last error: %w)", op, waitErr, err)
		}
	}
}

func (g *Guard) attempt(ctx context.Context, op string, attempt int, fn func(context.Context) error) error {
	attrs := g.withOp(op)
	ctx, span := g.tracer.Start(ctx, "bullmq.store."+op,
		trace.WithAttributes(append(attrs, attribute.Int("bullmq.attempt", attempt))...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start).Seconds()

	status := "ok"
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case IsConnectionError(err):
		status = "disconnected"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	mattrs := metric.WithAttributes(append(attrs, attribute.String("status", status))...)
	g.calls.Add(ctx, 1, mattrs)
	g.duration.Record(ctx, elapsed, mattrs)
	return err
}

func (g *Guard) withOp(op string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(g.attrs)+1)
	attrs = append(attrs, g.attrs...)
	return append(attrs, attribute.String("bullmq.op", op))
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
