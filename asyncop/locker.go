package asyncop

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type keyLock struct {
	sem  chan struct{}
	refs int
}

// KeyedLocker serializes work per key. Entries are dropped once nobody
// holds or waits for them.
type KeyedLocker struct {
	locks *xsync.MapOf[string, *keyLock]
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: xsync.NewMapOf[string, *keyLock]()}
}

// Lock acquires the lock for key. The returned unlock is idempotent.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	kl, _ := l.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			old = &keyLock{sem: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})
	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key)
		return nil, ErrManuallyStopped
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.release(key)
		})
	}, nil
}

func (l *KeyedLocker) release(key string) {
	l.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			return old, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

// Len reports how many keys are currently tracked.
func (l *KeyedLocker) Len() int {
	return l.locks.Size()
}
