// Package lock provides per-key mutual exclusion for blueprint operations.
//
// Two implementations share the Locker contract: Local keeps holders in
// process memory, Redis keeps them in a shared Redis so several engine
// replicas exclude each other.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned by TryLock when another holder owns the key.
var ErrHeld = errors.New("lock is held")

// Release gives the lock back. Releasing twice is a no-op.
type Release func(ctx context.Context) error

// Locker hands out exclusive, non-blocking locks keyed by string.
type Locker interface {
	TryLock(ctx context.Context, key string) (Release, error)
}

// Local is an in-process keyed lock.
type Local struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

var _ Locker = (*Local)(nil)

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]uint64)}
}

func (l *Local) TryLock(ctx context.Context, key string) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, ErrHeld
	}
	l.seq++
	token := l.seq
	l.held[key] = token

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key] == token {
				delete(l.held, key)
			}
		})
		return nil
	}, nil
}

// Held reports whether key is currently locked.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
