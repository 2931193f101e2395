package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elruby/settlement-engine/settlement"
)

func TestNormalizeLockKeys(t *testing.T) {
	keys := settlement.NormalizeLockKeys([]string{"product:b", "", "order:1", "product:b", "customer:x"})
	assert.Equal(t, []string{"customer:x", "order:1", "product:b"}, keys)
}

func TestLocalLocker_ExcludesOverlappingKeys(t *testing.T) {
	locker := settlement.NewLocalLocker()
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "product:a", "customer:c")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := locker.Lock(ctx, "customer:c")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second caller acquired a held key")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second caller never acquired the released key")
	}
}

func TestLocalLocker_DisjointKeysDoNotBlock(t *testing.T) {
	locker := settlement.NewLocalLocker()
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "product:a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	u, err := locker.Lock(ctx, "product:b")
	require.NoError(t, err)
	u()
}

func TestLocalLocker_ContextCancelReleasesPartialHold(t *testing.T) {
	// GIVEN: "b" is held by someone else
	// WHEN: A caller wanting "a" and "b" gives up
	// THEN: "a" is free again

	locker := settlement.NewLocalLocker()
	holdB, err := locker.Lock(context.Background(), "b")
	require.NoError(t, err)
	defer holdB()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "a", "b")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	u, err := locker.Lock(ctx2, "a")
	require.NoError(t, err)
	u()
}

func TestLocalLocker_UnlockIsIdempotent(t *testing.T) {
	locker := settlement.NewLocalLocker()
	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	unlock()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := locker.Lock(context.Background(), "k")
			if err != nil {
				return
			}
			counter++
			u()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}
