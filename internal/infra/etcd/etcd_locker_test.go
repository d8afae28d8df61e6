package etcd

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"optibatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs a reachable cluster, e.g. OPTIBATCH_TEST_ETCD=127.0.0.1:2379.
func testClientLocker(t *testing.T) domain.Locker {
	t.Helper()
	endpoints := os.Getenv("OPTIBATCH_TEST_ETCD")
	if endpoints == "" {
		t.Skip("OPTIBATCH_TEST_ETCD not set")
	}
	client, err := NewClient(strings.Split(endpoints, ","), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewEtcdLocker(client)
}

func TestEtcdLockerExclusive(t *testing.T) {
	locker := testClientLocker(t)
	ctx := context.Background()
	name := "test-" + time.Now().Format("150405.000000")

	first, err := locker.Lock(ctx, name)
	require.NoError(t, err)

	_, err = locker.Lock(ctx, name)
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	require.NoError(t, first.Unlock(ctx))

	again, err := locker.Lock(ctx, name)
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
}
