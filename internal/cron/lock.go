package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLockTTL = 2 * time.Hour

// Lock makes a scheduled slot run on exactly one worker.
type Lock interface {
	Acquire(ctx context.Context, slot string) (bool, error)
	Release(ctx context.Context, slot string) error
}

// redisStore defines the operations used by RedisLock.
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	LockKey(name string) string
}

// RedisLock implements Lock using Redis SETNX + TTL. Slot keys outlive the
// run so a second worker ticking in the same minute skips it.
type RedisLock struct {
	client redisStore
	ttl    time.Duration
	owner  string
}

// NewRedisLock constructs a Redis-backed lock.
func NewRedisLock(client redisStore, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{client: client, ttl: ttl, owner: uuid.NewString()}, nil
}

func (l *RedisLock) Acquire(ctx context.Context, slot string) (bool, error) {
	if slot == "" {
		return false, errors.New("lock slot is required")
	}
	ok, err := l.client.SetNX(ctx, l.client.LockKey("cron:"+slot), l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	return ok, nil
}

// Release frees the slot only if this worker still owns it.
func (l *RedisLock) Release(ctx context.Context, slot string) error {
	key := l.client.LockKey("cron:" + slot)
	value, err := l.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read lock owner: %w", err)
	}
	if value != l.owner {
		return nil
	}
	if err := l.client.Del(ctx, key); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}
