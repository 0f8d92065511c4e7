// Package lock provides a core.Locker backed by Redis, for running several
// engine instances against one database.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/ev-sales-engine/core"
)

// Redis obtains keys through bsm/redislock. A lock expires after TTL even
// if its holder dies; Wait bounds how long Obtain retries.
type Redis struct {
	client *redislock.Client
	prefix string
	TTL    time.Duration
	Wait   time.Duration
	Log    logrus.FieldLogger
}

func NewRedis(rdb redis.UniversalClient, ttl time.Duration, log logrus.FieldLogger) *Redis {
	return &Redis{
		client: redislock.New(rdb),
		prefix: "ev-sales:lock:",
		TTL:    ttl,
		Wait:   ttl,
		Log:    log,
	}
}

// Connect dials addr and pings it once.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, PoolSize: 100})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func (r *Redis) Obtain(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.Wait)
	defer cancel()

	l, err := r.client.Obtain(waitCtx, r.prefix+key, r.TTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(25 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%s: %w", key, core.ErrLockNotObtained)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func() {
		// Release with a fresh context: the caller's may already be done.
		if err := l.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.Log.WithFields(logrus.Fields{"key": key}).WithError(err).Warn("failed to release lock")
		}
	}, nil
}
