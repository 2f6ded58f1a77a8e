package calls

import (
	"context"
	"errors"
	"time"

	"callguard/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// LineLock extends the one-live-call-per-recipient rule across replicas.
// The in-process registry enforces it locally; a LineLock is optional.
type LineLock interface {
	Acquire(ctx context.Context, to string) (bool, error)
	Release(ctx context.Context, to string) error
}

// RedisLineLock holds a single-slot concurrency cap per recipient in Redis.
type RedisLineLock struct {
	rdb    redis.Scripter
	ttl    time.Duration
	prefix string
}

func NewRedisLineLock(rdb redis.Scripter, ttl time.Duration) (*RedisLineLock, error) {
	if rdb == nil {
		return nil, errors.New("calls: redis client is nil")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLineLock{rdb: rdb, ttl: ttl, prefix: "callguard:line:"}, nil
}

func (l *RedisLineLock) Acquire(ctx context.Context, to string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, l.prefix+to, 1, l.ttl)
}

func (l *RedisLineLock) Release(ctx context.Context, to string) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, l.prefix+to)
}
