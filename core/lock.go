package core

import (
	"context"
	"sort"
	"sync"
)

// Locker serializes writers on a key (a dealer debt, a stock owner).
// Obtain blocks until the lock is held or ctx is done.
type Locker interface {
	Obtain(ctx context.Context, key string) (release func(), err error)
}

// ObtainAll takes every key in sorted order so two callers never deadlock.
// The returned release frees them in reverse order.
func ObtainAll(ctx context.Context, l Locker, keys []string) (func(), error) {
	sorted := dedupe(keys)
	sort.Strings(sorted)

	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, k := range sorted {
		release, err := l.Obtain(ctx, k)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func DealerDebtLockKey(dealer DealershipID, manufacturer ManufacturerID) string {
	return "debt:" + string(dealer) + ":" + string(manufacturer)
}

func StockLockKey(vehicle VehicleID, owner Owner) string {
	return "stock:" + string(vehicle) + ":" + owner.String()
}

// =============================================================================
// LOCAL LOCKER - in-process keyed mutexes
// =============================================================================

type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}
