// internal/domain/locker.go
package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when a lock cannot be acquired, for example,
// if another batch is already writing to the same store.
var ErrLockNotAcquired = errors.New("lock not acquired")

// BatchLockName is the advisory lock held for the whole lifetime of a batch.
// The store's check-then-insert dedup assumes a single writer.
const BatchLockName = "optibatch-store-writer"

// Lock represents an acquired advisory lock.
type Lock interface {
	// Unlock releases the lock.
	Unlock(ctx context.Context) error
}

// Locker defines the interface for an advisory locking mechanism.
type Locker interface {
	// Lock attempts to acquire a lock for the given name.
	// It is a non-blocking call. If the lock is already held,
	// it must return ErrLockNotAcquired.
	Lock(ctx context.Context, name string) (Lock, error)
}
