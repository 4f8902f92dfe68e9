package sequence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// SeedFunc reports the highest ordinal already used for a scope. It lets a
// fresh or flushed Redis continue above numbers issued before.
type SeedFunc func(ctx context.Context, prefix Prefix, year int) (int64, error)

// RecordFunc persists an allocated ordinal outside Redis.
type RecordFunc func(ctx context.Context, prefix Prefix, year int, n int64) error

// RedisAllocator uses INCR on one key per scope.
type RedisAllocator struct {
	client    redis.Cmdable
	keyPrefix string
	seed      SeedFunc
	record    RecordFunc
}

// RedisOption customises a RedisAllocator.
type RedisOption func(*RedisAllocator)

// WithWriteThrough records every allocated ordinal before it is returned. An
// ordinal whose record fails is dropped, leaving a gap.
func WithWriteThrough(record RecordFunc) RedisOption {
	return func(a *RedisAllocator) {
		a.record = record
	}
}

// NewRedisAllocator builds an allocator. seed may be nil.
func NewRedisAllocator(client redis.Cmdable, seed SeedFunc, opts ...RedisOption) *RedisAllocator {
	a := &RedisAllocator{client: client, keyPrefix: "salesflow:seq", seed: seed}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewDurableRedisAllocator seeds flushed keys from the Postgres high-water
// mark and writes every allocation through to the counter row, so Redis can
// lose its data without ordinals being issued twice.
func NewDurableRedisAllocator(client redis.Cmdable, pg *PostgresAllocator) *RedisAllocator {
	return NewRedisAllocator(client, pg.HighWater, WithWriteThrough(pg.Record))
}

// Next increments the scope key, seeding it first when it does not exist.
func (a *RedisAllocator) Next(ctx context.Context, prefix Prefix, year int) (int64, error) {
	key := a.key(prefix, year)
	if a.seed != nil {
		if err := a.ensureSeeded(ctx, key, prefix, year); err != nil {
			return 0, err
		}
	}
	n, err := a.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("sequence: incr %s: %w", key, err)
	}
	if a.record != nil {
		if err := a.record(ctx, prefix, year, n); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (a *RedisAllocator) ensureSeeded(ctx context.Context, key string, prefix Prefix, year int) error {
	exists, err := a.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("sequence: exists %s: %w", key, err)
	}
	if exists > 0 {
		return nil
	}
	base, err := a.seed(ctx, prefix, year)
	if err != nil {
		return fmt.Errorf("sequence: seed %s: %w", key, err)
	}
	// SETNX loses quietly to a concurrent seeder or incrementer.
	if err := a.client.SetNX(ctx, key, base, 0).Err(); err != nil {
		return fmt.Errorf("sequence: setnx %s: %w", key, err)
	}
	return nil
}

func (a *RedisAllocator) key(prefix Prefix, year int) string {
	return fmt.Sprintf("%s:%s:%d", a.keyPrefix, prefix, year)
}
