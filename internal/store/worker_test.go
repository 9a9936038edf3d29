package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func breakerCfg() BreakerConfig {
	return BreakerConfig{
		Threshold:   3,
		Window:      time.Minute,
		Cooldown:    40 * time.Millisecond,
		MaxCooldown: 200 * time.Millisecond,
		TrialLease:  time.Second,
	}
}

func TestWorker_RegisterAndGet(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()

	_, err := GetWorker(ctx, rdb, "w1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, RegisterWorker(ctx, rdb, "w1", "synthesis", 4))
	w, err := GetWorker(ctx, rdb, "w1")
	require.NoError(t, err)
	require.Equal(t, "w1", w.ID)
	require.Equal(t, "synthesis", w.Type)
	require.Equal(t, int64(4), w.Capacity)
	require.Zero(t, w.Load)
	require.True(t, w.Healthy)
	require.Equal(t, BreakerClosed, w.BreakerState)
	require.NotZero(t, w.HeartbeatAt)
}

func TestWorker_ListByType(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()

	require.NoError(t, RegisterWorker(ctx, rdb, "w1", "synthesis", 4))
	require.NoError(t, RegisterWorker(ctx, rdb, "w2", "synthesis", 4))
	require.NoError(t, RegisterWorker(ctx, rdb, "w3", "alerting", 2))

	ws, err := ListWorkersByType(ctx, rdb, "synthesis")
	require.NoError(t, err)
	require.Len(t, ws, 2)

	all, err := ListWorkers(ctx, rdb)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestWorker_HeartbeatUnknown(t *testing.T) {
	_, rdb := newMini(t)
	require.ErrorIs(t, Heartbeat(context.Background(), rdb, "ghost", -1, 0), ErrNotFound)
}

func TestWorker_HeartbeatUpdatesLoadAndCapacity(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()

	require.NoError(t, RegisterWorker(ctx, rdb, "w1", "synthesis", 4))
	require.NoError(t, MarkUnhealthy(ctx, rdb, "w1"))

	require.NoError(t, Heartbeat(ctx, rdb, "w1", 2, 8))
	w, err := GetWorker(ctx, rdb, "w1")
	require.NoError(t, err)
	require.True(t, w.Healthy, "heartbeat restores health")
	require.Equal(t, int64(2), w.Load)
	require.Equal(t, int64(8), w.Capacity)

	// sentinel values leave stored load/capacity alone
	require.NoError(t, Heartbeat(ctx, rdb, "w1", -1, 0))
	w, err = GetWorker(ctx, rdb, "w1")
	require.NoError(t, err)
	require.Equal(t, int64(2), w.Load)
	require.Equal(t, int64(8), w.Capacity)
}

func TestWorker_LoadSlots(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()

	require.NoError(t, RegisterWorker(ctx, rdb, "w1", "synthesis", 4))
	require.NoError(t, IncrLoad(ctx, rdb, "w1"))
	require.NoError(t, IncrLoad(ctx, rdb, "w1"))
	require.NoError(t, DecrLoad(ctx, rdb, "w1"))

	w, err := GetWorker(ctx, rdb, "w1")
	require.NoError(t, err)
	require.Equal(t, int64(1), w.Load)

	// a stray extra release never exposes negative load
	require.NoError(t, DecrLoad(ctx, rdb, "w1"))
	require.NoError(t, DecrLoad(ctx, rdb, "w1"))
	w, err = GetWorker(ctx, rdb, "w1")
	require.NoError(t, err)
	require.Zero(t, w.Load)
}

func TestWorker_Remove(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()

	require.NoError(t, RegisterWorker(ctx, rdb, "w1", "synthesis", 4))
	require.NoError(t, RemoveWorker(ctx, rdb, "w1", "synthesis"))

	_, err := GetWorker(ctx, rdb, "w1")
	require.ErrorIs(t, err, ErrNotFound)
	ws, err := ListWorkersByType(ctx, rdb, "synthesis")
	require.NoError(t, err)
	require.Empty(t, ws)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()
	cfg := breakerCfg()

	require.NoError(t, RegisterWorker(ctx, rdb, "w1", "synthesis", 4))

	for i := 0; i < 2; i++ {
		state, err := ReportFailure(ctx, rdb, "w1", cfg)
		require.NoError(t, err)
		require.Equal(t, BreakerClosed, state)
	}
	state, err := ReportFailure(ctx, rdb, "w1", cfg)
	require.NoError(t, err)
	require.Equal(t, BreakerOpen, state)

	w, err := GetWorker(ctx, rdb, "w1")
	require.NoError(t, err)
	require.Equal(t, BreakerOpen, w.BreakerState)
	require.Equal(t, int64(1), w.Reopens)
	require.Greater(t, w.OpenUntil, time.Now().UnixMilli())

	// cool-down has not elapsed: no trial granted
	ok, err := ClaimTrial(ctx, rdb, "w1", cfg)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBreaker_HalfOpenSingleTrialThenClose(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()
	cfg := breakerCfg()

	require.NoError(t, RegisterWorker(ctx, rdb, "w1", "synthesis", 4))
	for i := 0; i < 3; i++ {
		_, err := ReportFailure(ctx, rdb, "w1", cfg)
		require.NoError(t, err)
	}
	time.Sleep(cfg.Cooldown + 20*time.Millisecond)

	ok, err := ClaimTrial(ctx, rdb, "w1", cfg)
	require.NoError(t, err)
	require.True(t, ok, "first contender wins the probe")

	w, _ := GetWorker(ctx, rdb, "w1")
	require.Equal(t, BreakerHalfOpen, w.BreakerState)

	ok, err = ClaimTrial(ctx, rdb, "w1", cfg)
	require.NoError(t, err)
	require.False(t, ok, "probe is exclusive while its lease holds")

	require.NoError(t, ReportSuccess(ctx, rdb, "w1"))
	w, _ = GetWorker(ctx, rdb, "w1")
	require.Equal(t, BreakerClosed, w.BreakerState)
	require.Zero(t, w.Failures)
	require.Zero(t, w.Reopens)
}

func TestBreaker_FailedTrialReopensWithBackoff(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()
	cfg := breakerCfg()

	require.NoError(t, RegisterWorker(ctx, rdb, "w1", "synthesis", 4))
	for i := 0; i < 3; i++ {
		_, err := ReportFailure(ctx, rdb, "w1", cfg)
		require.NoError(t, err)
	}
	w, _ := GetWorker(ctx, rdb, "w1")
	firstUntil := w.OpenUntil

	time.Sleep(cfg.Cooldown + 20*time.Millisecond)
	ok, err := ClaimTrial(ctx, rdb, "w1", cfg)
	require.NoError(t, err)
	require.True(t, ok)

	state, err := ReportFailure(ctx, rdb, "w1", cfg)
	require.NoError(t, err)
	require.Equal(t, BreakerOpen, state, "a failed probe reopens immediately")

	w, _ = GetWorker(ctx, rdb, "w1")
	require.Equal(t, int64(2), w.Reopens)
	require.Greater(t, w.OpenUntil, firstUntil)
}

func TestBreaker_ClosedWorkerNeedsNoTrial(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()

	require.NoError(t, RegisterWorker(ctx, rdb, "w1", "synthesis", 4))
	ok, err := ClaimTrial(ctx, rdb, "w1", breakerCfg())
	require.NoError(t, err)
	require.True(t, ok)
}
