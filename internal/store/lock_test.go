package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLock_AcquireContention(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()

	ok, err := AcquireLock(ctx, rdb, "sweep", "holder-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = AcquireLock(ctx, rdb, "sweep", "holder-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLock_ReleaseChecksHolder(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()

	ok, err := AcquireLock(ctx, rdb, "sweep", "holder-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// the wrong holder cannot free it
	require.NoError(t, ReleaseLock(ctx, rdb, "sweep", "holder-b"))
	ok, err = AcquireLock(ctx, rdb, "sweep", "holder-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, ReleaseLock(ctx, rdb, "sweep", "holder-a"))
	ok, err = AcquireLock(ctx, rdb, "sweep", "holder-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLock_RenewAndExpiry(t *testing.T) {
	s, rdb := newMini(t)
	ctx := context.Background()

	ok, err := AcquireLock(ctx, rdb, "sweep", "holder-a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	renewed, err := RenewLock(ctx, rdb, "sweep", "holder-a", time.Minute)
	require.NoError(t, err)
	require.True(t, renewed)

	renewed, err = RenewLock(ctx, rdb, "sweep", "holder-b", time.Minute)
	require.NoError(t, err)
	require.False(t, renewed)

	// once the lease lapses any contender may take over
	s.FastForward(2 * time.Minute)
	renewed, err = RenewLock(ctx, rdb, "sweep", "holder-a", time.Minute)
	require.NoError(t, err)
	require.False(t, renewed)
	ok, err = AcquireLock(ctx, rdb, "sweep", "holder-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
