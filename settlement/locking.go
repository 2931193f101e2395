package settlement

import (
	"context"
	"sort"
	"sync"
)

// Locker serialises settlements per entity. Lock blocks until every key is
// held or ctx is done. Implementations acquire keys in sorted order so two
// callers with overlapping key sets cannot deadlock.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

func OrderLockKey(id OrderID) string       { return "order:" + string(id) }
func ProductLockKey(id ProductID) string   { return "product:" + string(id) }
func CustomerLockKey(id CustomerID) string { return "customer:" + string(id) }

// NormalizeLockKeys sorts keys and drops duplicates and empties.
func NormalizeLockKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// LOCAL LOCKER - in-process keyed mutexes
// =============================================================================

// LocalLocker serialises callers within one process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*lockSlot)}
}

func (l *LocalLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = NormalizeLockKeys(keys)
	held := make([]string, 0, len(keys))
	for _, k := range keys {
		slot := l.acquire(k)
		select {
		case slot.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			l.release(k, false)
			l.releaseAll(held)
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() { once.Do(func() { l.releaseAll(held) }) }, nil
}

func (l *LocalLocker) acquire(key string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (l *LocalLocker) release(key string, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot := l.slots[key]
	if held {
		<-slot.ch
	}
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *LocalLocker) releaseAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.release(keys[i], true)
	}
}
