// Package local provides in-process implementations of infrastructure
// interfaces for single-host deployments.
package local

import (
	"context"
	"sync"

	"optibatch/internal/domain"
)

// Locker implements domain.Locker within one process.
type Locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]struct{})}
}

type lock struct {
	owner *Locker
	name  string
	once  sync.Once
}

// Lock takes name if it is free and fails fast otherwise.
func (l *Locker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[name]; busy {
		return nil, domain.ErrLockNotAcquired
	}
	l.held[name] = struct{}{}
	return &lock{owner: l, name: name}, nil
}

func (k *lock) Unlock(ctx context.Context) error {
	k.once.Do(func() {
		k.owner.mu.Lock()
		delete(k.owner.held, k.name)
		k.owner.mu.Unlock()
	})
	return nil
}
