// Package lock provides a Redis backed mutual exclusion lease shared by every
// connector process.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/billabex/netsuite-connector/pkg/infra"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock stayed held for the whole wait
var ErrNotAcquired = errors.New("lock: not acquired")

const pollInterval = 100 * time.Millisecond

// release only deletes the key if it still holds our token
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRedisLocker(redisURL string, logger *slog.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed parsing redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}

	logger.Info("✅ Redis connected")
	return New(rdb, logger), nil
}

func New(rdb *redis.Client, logger *slog.Logger) *RedisLocker {
	return &RedisLocker{rdb: rdb, logger: logger}
}

// Lease is a held lock. It expires on its own after the TTL.
type Lease struct {
	rdb   *redis.Client
	key   string
	token string
}

// Acquire takes key for ttl, polling for up to wait while another holder has it.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lease, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return &Lease{rdb: l.rdb, key: key, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrNotAcquired
		}
		if err := infra.Sleep(ctx, pollInterval); err != nil {
			return nil, err
		}
	}
}

// Release gives the lock back. A lease that already expired and was taken
// by someone else is left alone.
func (le *Lease) Release(ctx context.Context) error {
	n, err := release.Run(ctx, le.rdb, []string{le.key}, le.token).Int64()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", le.key, err)
	}
	if n == 0 {
		return fmt.Errorf("unlock %s: lease expired before release", le.key)
	}
	return nil
}

func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}
