// Package lock provides per-key mutual exclusion with bounded waits. The
// in-process KeyedMutex serves a single instance; RedisLocker extends the same
// contract across instances that share a store.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired within the wait budget.
var ErrTimeout = errors.New("lock wait timed out")

// Locker grants exclusive access to a key. The returned release func is safe
// to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (release func(), err error)
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Operations on different keys never
// contend; entries are dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{keys: make(map[string]*keyLock)}
}

// Acquire blocks for at most wait. A zero wait makes a single attempt.
func (m *KeyedMutex) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	kl := m.ref(key)

	acquired := false
	select {
	case kl.sem <- struct{}{}:
		acquired = true
	default:
	}

	var err error
	if !acquired && wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case kl.sem <- struct{}{}:
			acquired = true
		case <-timer.C:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	if !acquired {
		m.unref(key, kl)
		if err != nil {
			return nil, err
		}
		return nil, ErrTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			m.unref(key, kl)
		})
	}, nil
}

// Len returns the number of keys currently held or waited on.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func (m *KeyedMutex) ref(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	kl, ok := m.keys[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		m.keys[key] = kl
	}
	kl.refs++
	return kl
}

func (m *KeyedMutex) unref(key string, kl *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(m.keys, key)
	}
}
