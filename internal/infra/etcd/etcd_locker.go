// internal/infra/etcd/etcd_locker.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"optibatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// LockPrefix is the etcd key prefix of batch locks.
	LockPrefix = "/optibatch/locks/"
	// LockSessionTTL bounds how long a crashed holder keeps the lock, in seconds.
	LockSessionTTL = 15
	tryLockTimeout = 500 * time.Millisecond
)

// etcdLock implements domain.Lock.
type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	name    string
}

// Unlock releases the mutex and closes the session so the lease is revoked.
func (l *etcdLock) Unlock(ctx context.Context) error {
	defer func() {
		_ = l.session.Close()
	}()

	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.name, err)
	}
	return nil
}

// etcdLocker implements domain.Locker so that batches on different hosts
// sharing one results database never write concurrently.
type etcdLocker struct {
	client *clientv3.Client
	ttl    int
}

// NewEtcdLocker creates a new etcdLocker.
func NewEtcdLocker(client *clientv3.Client) domain.Locker {
	return &etcdLocker{client: client, ttl: LockSessionTTL}
}

// Lock tries once to take the named mutex.
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	// the session keeps the lease alive for as long as the batch runs
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session for lock %s: %w", name, err)
	}

	mutex := concurrency.NewMutex(session, LockPrefix+name)

	tryCtx, cancel := context.WithTimeout(ctx, tryLockTimeout)
	defer cancel()

	if err := mutex.TryLock(tryCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) || errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("failed to try acquiring etcd lock %s: %w", name, err)
	}

	return &etcdLock{
		mutex:   mutex,
		session: session,
		name:    name,
	}, nil
}
