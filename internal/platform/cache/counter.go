package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FailureCounter counts events per subject inside a fixed window that starts
// at the first failure.
type FailureCounter struct {
	rdb    redis.Cmdable
	prefix string
	window time.Duration
}

func NewFailureCounter(rdb redis.Cmdable, prefix string, window time.Duration) *FailureCounter {
	return &FailureCounter{rdb: rdb, prefix: prefix, window: window}
}

func (f *FailureCounter) key(subject string) string {
	return f.prefix + ":" + subject
}

// Incr records one failure and returns the count within the window.
func (f *FailureCounter) Incr(ctx context.Context, subject string) (int64, error) {
	var incr *redis.IntCmd
	_, err := f.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, f.key(subject))
		p.ExpireNX(ctx, f.key(subject), f.window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", f.key(subject), err)
	}
	return incr.Val(), nil
}

func (f *FailureCounter) Count(ctx context.Context, subject string) (int64, error) {
	n, err := f.rdb.Get(ctx, f.key(subject)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (f *FailureCounter) Reset(ctx context.Context, subject string) error {
	return f.rdb.Del(ctx, f.key(subject)).Err()
}
