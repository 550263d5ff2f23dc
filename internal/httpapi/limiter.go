package httpapi

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"call-orchestrator/pkg/utils"
)

// ConcurrencyLimiter caps the number of simultaneously active outbound calls.
// Redis-backed in production so the cap holds across replicas.
type ConcurrencyLimiter interface {
	Acquire(ctx context.Context, limit int) (bool, error)
	Release(ctx context.Context) error
}

type RedisLimiter struct {
	rdb *redis.Client
	key string

	// ttl bounds slot leakage if a process dies holding slots.
	ttl time.Duration
}

const activeCallsKey = "calls:active"

func NewRedisLimiter(rdb *redis.Client, slotTTL time.Duration) *RedisLimiter {
	if slotTTL <= 0 {
		slotTTL = 15 * time.Minute
	}
	return &RedisLimiter{rdb: rdb, key: activeCallsKey, ttl: slotTTL}
}

func (l *RedisLimiter) Acquire(ctx context.Context, limit int) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, l.key, limit, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, l.key)
}
