package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/HitoriSensei/bullmq/guard"
	"github.com/HitoriSensei/bullmq/id"
	"github.com/HitoriSensei/bullmq/observability"
	"github.com/HitoriSensei/bullmq/scheduler"
	redisstore "github.com/HitoriSensei/bullmq/store/redis"
)

const meterName = "github.com/HitoriSensei/bullmq/cmd/bullmq-scheduler"

func newRootCmd() *cobra.Command {
	cfg := &config{}
	cmd := &cobra.Command{
		Use:           "bullmq-scheduler",
		Short:         "Promote delayed jobs and recover stalled jobs of BullMQ queues",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyEnv(cmd, os.Getenv); err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			logger = logger.With(slog.String("process_id", id.NewProcessID().String()))
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, logger)
		},
	}
	bindFlags(cmd, cfg)
	return cmd
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	defer client.Close()

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	defer func() { _ = mp.Shutdown(context.Background()) }()
	otel.SetMeterProvider(mp)
	meter := mp.Meter(meterName)

	schedulers := make([]*scheduler.Scheduler, 0, len(cfg.Queues))
	running := make(map[string]observability.RunningFunc, len(cfg.Queues))
	for _, queue := range cfg.Queues {
		qlog := logger.With(slog.String("queue", queue))
		store := redisstore.New(client, queue,
			redisstore.WithPrefix(cfg.Prefix),
			redisstore.WithLogger(qlog),
		)
		s, err := scheduler.New(queue, store,
			scheduler.WithStalledInterval(cfg.StalledInterval),
			scheduler.WithMaxStalledCount(cfg.MaxStalledCount),
			scheduler.WithLogger(logger),
			scheduler.WithGuard(guard.New(
				guard.WithLogger(qlog),
				guard.WithMeter(meter),
				guard.WithAttributes(attribute.String("bullmq.queue", queue)),
			)),
		)
		if err != nil {
			return fmt.Errorf("queue %s: %w", queue, err)
		}
		s.Events().Register(observability.NewMetricsWithMeter(meter, queue))
		s.Events().OnFailed(func(jobID string, reason error, _ string) {
			qlog.Warn("job failed", slog.String("job_id", jobID), slog.String("reason", reason.Error()))
		})
		schedulers = append(schedulers, s)
		running[queue] = s.IsRunning
	}

	reg, err := observability.ObserveRunning(meter, running)
	if err != nil {
		return fmt.Errorf("running gauge: %w", err)
	}
	defer func() { _ = reg.Unregister() }()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range schedulers {
		g.Go(func() error {
			err := s.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				s.Events().EmitError(err)
				return fmt.Errorf("queue %s: %w", s.Queue(), err)
			}
			return nil
		})
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newRouter(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), running),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", slog.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	var closeErrs []error
	for _, s := range schedulers {
		if err := s.Close(closeCtx); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("close %s: %w", s.Queue(), err))
		}
	}
	logger.Info("shutdown complete")
	return errors.Join(append([]error{runErr}, closeErrs...)...)
}
