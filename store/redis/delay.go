package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/HitoriSensei/bullmq/scheduler"
)

// ReadDelayLog reads the delay stream after cursor with XREAD. block == 0
// issues a read without BLOCK.
func (s *Store) ReadDelayLog(ctx context.Context, cursor string, block time.Duration) ([]scheduler.DelayEntry, error) {
	args := &goredis.XReadArgs{
		Streams: []string{s.keys.delay, cursor},
		Block:   block,
	}
	if block <= 0 {
		// go-redis treats Block 0 as BLOCK 0, wait forever.
		args.Block = -1
	}

	streams, err := s.client.XRead(ctx, args).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("xread delay", err)
	}

	var entries []scheduler.DelayEntry
	for _, st := range streams {
		for _, msg := range st.Messages {
			entries = append(entries, scheduler.DelayEntry{ID: msg.ID, Fields: stringFields(msg.Values)})
		}
	}
	return entries, nil
}

// TrimDelayLog trims the delay stream with XTRIM MAXLEN ~.
func (s *Store) TrimDelayLog(ctx context.Context, maxLen int64) error {
	if err := s.client.XTrimMaxLenApprox(ctx, s.keys.delay, maxLen, 0).Err(); err != nil {
		return s.wrap("xtrim delay", err)
	}
	return nil
}

func stringFields(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch x := v.(type) {
		case string:
			out[k] = x
		default:
			out[k] = fmt.Sprint(x)
		}
	}
	return out
}
