package redis

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/HitoriSensei/bullmq"
	"github.com/HitoriSensei/bullmq/scheduler"
)

var (
	//go:embed lua/promote_delayed.lua
	promoteDelayedSrc string
	promoteDelayed    = goredis.NewScript(promoteDelayedSrc)

	//go:embed lua/recover_stalled.lua
	recoverStalledSrc string
	recoverStalled    = goredis.NewScript(recoverStalledSrc)
)

// PromoteDelayed runs the promotion script.
func (s *Store) PromoteDelayed(ctx context.Context, now time.Time) (scheduler.Promotion, error) {
	k := s.keys
	res, err := promoteDelayed.Run(ctx, s.client,
		[]string{k.delayed, k.wait, k.priority, k.paused, k.meta, k.events, k.delay},
		k.base, now.UnixMilli(), s.maxLenEvents,
	).Slice()
	if err != nil {
		return scheduler.Promotion{}, s.wrap("promote delayed", err)
	}
	p, err := parsePromotion(res)
	if err != nil {
		return scheduler.Promotion{}, err
	}
	if p.NextTimestamp != 0 {
		s.logger.Debug("delayed jobs pending",
			slog.String("queue", s.queue),
			slog.Int64("next_timestamp", p.NextTimestamp),
		)
	}
	return p, nil
}

func parsePromotion(res []any) (scheduler.Promotion, error) {
	if len(res) < 2 {
		return scheduler.Promotion{}, nil
	}
	ts, ok := res[0].(int64)
	if !ok {
		return scheduler.Promotion{}, fmt.Errorf("bullmq/redis: promote delayed: unexpected timestamp %T", res[0])
	}
	cursor, _ := res[1].(string)
	return scheduler.Promotion{NextTimestamp: ts, Cursor: cursor}, nil
}

// RecoverStalled runs the stall recovery script.
func (s *Store) RecoverStalled(ctx context.Context, check scheduler.StallCheck) (scheduler.Recovery, error) {
	k := s.keys
	res, err := recoverStalled.Run(ctx, s.client,
		[]string{k.stalled, k.wait, k.active, k.failed, k.stalledCheck, k.meta, k.paused, k.events},
		check.MaxStalledCount,
		k.base,
		check.Now.UnixMilli(),
		check.Interval.Milliseconds(),
		bullmq.ErrStalledLimit.Error(),
		s.maxLenEvents,
	).Slice()
	if err != nil {
		return scheduler.Recovery{}, s.wrap("recover stalled", err)
	}
	if len(res) != 2 {
		return scheduler.Recovery{}, fmt.Errorf("bullmq/redis: recover stalled: unexpected reply length %d", len(res))
	}
	return scheduler.Recovery{
		Failed:  stringList(res[0]),
		Stalled: stringList(res[1]),
	}, nil
}

func stringList(v any) []string {
	items, _ := v.([]any)
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch x := it.(type) {
		case string:
			out = append(out, x)
		case int64:
			out = append(out, strconv.FormatInt(x, 10))
		}
	}
	return out
}
