package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "jobs"), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("jobs:sweep"))

	_, err = l.Acquire(ctx, "sweep", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	release()
	assert.False(t, mr.Exists("jobs:sweep"))

	release2, err := l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	release2()
}

func TestStaleReleaseKeepsNewHolder(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()

	staleRelease, err := l.Acquire(ctx, "accrual", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = l.Acquire(ctx, "accrual", time.Minute)
	require.NoError(t, err)

	staleRelease()
	assert.True(t, mr.Exists("jobs:accrual"))
}

func TestNoopAlwaysGrants(t *testing.T) {
	release, err := Noop{}.Acquire(context.Background(), "x", time.Second)
	require.NoError(t, err)
	release()
}
