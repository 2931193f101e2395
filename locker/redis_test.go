package locker_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elruby/settlement-engine/locker"
	"github.com/elruby/settlement-engine/settlement"
)

func TestNewRedis_Defaults(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()

	l := locker.NewRedis(rdb, 0)
	assert.Equal(t, locker.DefaultTTL, l.TTL)
	assert.Equal(t, locker.DefaultPrefix, l.Prefix)
	assert.NotNil(t, l.Retry)
}

func TestRedis_NoKeysIsNoop(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()

	unlock, err := locker.NewRedis(rdb, time.Second).Lock(context.Background(), "", "")
	require.NoError(t, err)
	unlock()
	unlock()
}

func TestRedis_UnreachableServerFails(t *testing.T) {
	// GIVEN: No Redis listening
	// WHEN: Locking
	// THEN: An error comes back before the deadline, with no unlock func

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	unlock, err := locker.NewRedis(rdb, time.Second).Lock(ctx, "product:p-1")
	require.Error(t, err)
	assert.Nil(t, unlock)
}

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedis_LockIsExclusiveAndReleased(t *testing.T) {
	// GIVEN: One caller holding product:p-1
	// WHEN: A second caller asks for an overlapping key set
	// THEN: It gives up with ErrLockNotObtained; after unlock the keys are gone

	mr, rdb := newMiniRedis(t)
	l := locker.NewRedis(rdb, time.Second)
	l.Retry = redislock.NoRetry()

	unlock, err := l.Lock(context.Background(), "product:p-1", "customer:c-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists(locker.DefaultPrefix+"product:p-1"))
	assert.True(t, mr.Exists(locker.DefaultPrefix+"customer:c-1"))

	// customer:c-2 sorts first and is obtained, then released again.
	_, err = l.Lock(context.Background(), "product:p-1", "customer:c-2")
	require.ErrorIs(t, err, settlement.ErrLockNotObtained)
	assert.False(t, mr.Exists(locker.DefaultPrefix+"customer:c-2"))

	unlock()
	unlock()
	assert.False(t, mr.Exists(locker.DefaultPrefix+"product:p-1"))
	assert.False(t, mr.Exists(locker.DefaultPrefix+"customer:c-1"))
}

func TestRedis_HeldLeaseIsRefreshed(t *testing.T) {
	// GIVEN: A lock with a 300ms lease
	// WHEN: Most of the lease passes while the caller still holds it
	// THEN: The lease is extended back towards its full TTL and never expires

	mr, rdb := newMiniRedis(t)
	key := locker.DefaultPrefix + "order:o-1"
	unlock, err := locker.NewRedis(rdb, 300*time.Millisecond).Lock(context.Background(), "order:o-1")
	require.NoError(t, err)
	defer unlock()

	mr.FastForward(250 * time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL(key) > 200*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)

	mr.FastForward(250 * time.Millisecond)
	assert.True(t, mr.Exists(key))
}
