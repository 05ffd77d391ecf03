package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/HitoriSensei/bullmq"
	"github.com/HitoriSensei/bullmq/scheduler"
)

// config is the process configuration.
type config struct {
	RedisURL        string
	Queues          []string
	Prefix          string
	StalledInterval time.Duration
	MaxStalledCount int
	MetricsAddr     string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// envVars maps flag names to the environment variables that set them.
var envVars = map[string]string{
	"redis-url":         "BULLMQ_REDIS_URL",
	"queues":            "BULLMQ_QUEUES",
	"prefix":            "BULLMQ_PREFIX",
	"stalled-interval":  "BULLMQ_STALLED_INTERVAL",
	"max-stalled-count": "BULLMQ_MAX_STALLED_COUNT",
	"metrics-addr":      "BULLMQ_METRICS_ADDR",
	"log-level":         "BULLMQ_LOG_LEVEL",
	"log-format":        "BULLMQ_LOG_FORMAT",
}

func bindFlags(cmd *cobra.Command, cfg *config) {
	def := scheduler.DefaultConfig()
	fs := cmd.Flags()
	fs.StringVar(&cfg.RedisURL, "redis-url", "redis://localhost:6379/0", "Redis connection URL")
	fs.StringSliceVar(&cfg.Queues, "queues", nil, "comma separated queue names")
	fs.StringVar(&cfg.Prefix, "prefix", bullmq.DefaultPrefix, "key prefix")
	fs.DurationVar(&cfg.StalledInterval, "stalled-interval", def.StalledInterval, "stall check period and longest delay log block")
	fs.IntVar(&cfg.MaxStalledCount, "max-stalled-count", def.MaxStalledCount, "times a job may stall before it is failed")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", ":9464", "address for /metrics and /healthz, empty to disable")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", "json", "json or text")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for a graceful shutdown")
}

// applyEnv sets every flag that was not given on the command line from
// its environment variable.
func applyEnv(cmd *cobra.Command, getenv func(string) string) error {
	fs := cmd.Flags()
	for name, env := range envVars {
		v := getenv(env)
		if v == "" || fs.Changed(name) {
			continue
		}
		if err := fs.Set(name, v); err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
	}
	return nil
}

func (c *config) validate() error {
	var queues []string
	for _, q := range c.Queues {
		if q = strings.TrimSpace(q); q != "" {
			queues = append(queues, q)
		}
	}
	c.Queues = queues

	var errs []error
	if len(c.Queues) == 0 {
		errs = append(errs, errors.New("at least one queue is required (--queues or BULLMQ_QUEUES)"))
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("redis url is required"))
	}
	if c.StalledInterval < time.Millisecond {
		errs = append(errs, bullmq.ErrInvalidStalledInterval)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
