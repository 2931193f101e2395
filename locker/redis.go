// Package locker provides a Redis-backed settlement.Locker for running several
// engine instances against one database.
package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/elruby/settlement-engine/settlement"
)

const (
	DefaultTTL    = 30 * time.Second
	DefaultPrefix = "lock:settlement:"
)

// Redis holds one redislock lease per key. Keys are taken in sorted order so
// two callers with overlapping key sets cannot deadlock.
type Redis struct {
	client *redislock.Client
	TTL    time.Duration
	Retry  redislock.RetryStrategy
	Prefix string
}

func NewRedis(rdb redis.Cmdable, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client: redislock.New(rdb),
		TTL:    ttl,
		Retry:  redislock.LinearBackoff(50 * time.Millisecond),
		Prefix: DefaultPrefix,
	}
}

// Lock retries each key until ctx is done. The TTL bounds how long a crashed
// holder can block others; while the caller holds the locks each lease is
// refreshed every TTL/3, so a long settlement or its compensation does not
// outlive it.
func (r *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = settlement.NormalizeLockKeys(keys)
	held := make([]*redislock.Lock, 0, len(keys))

	release := func() {
		// Release must work after the caller's context is gone.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Release(rctx)
		}
	}

	for _, key := range keys {
		lock, err := r.client.Obtain(ctx, r.Prefix+key, r.TTL, &redislock.Options{RetryStrategy: r.Retry})
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, fmt.Errorf("%w: %s", settlement.ErrLockNotObtained, key)
			}
			return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
		}
		held = append(held, lock)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(context.WithoutCancel(ctx), held, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			release()
		})
	}, nil
}

// keepAlive extends every held lease until stop is closed. A lease that can
// no longer be refreshed is left to expire; the store's compare-and-set
// writes still reject conflicting updates.
func (r *Redis) keepAlive(ctx context.Context, held []*redislock.Lock, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := max(r.TTL/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, lock := range held {
				rctx, cancel := context.WithTimeout(ctx, interval)
				_ = lock.Refresh(rctx, r.TTL, nil)
				cancel()
			}
		}
	}
}

var _ settlement.Locker = (*Redis)(nil)
