package balance

import (
	"context"
	"testing"
	"time"

	"github.com/FleetQ/fleetq-go/internal/keys"
	"github.com/FleetQ/fleetq-go/internal/store"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMini(t *testing.T) (*mrd.Miniredis, *redis.Client) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, rdb
}

func testCfg(strategy string) Config {
	return Config{
		Strategy:       strategy,
		LivenessWindow: time.Minute,
		Breaker: store.BreakerConfig{
			Threshold:   3,
			Window:      time.Minute,
			Cooldown:    30 * time.Millisecond,
			MaxCooldown: 200 * time.Millisecond,
			TrialLease:  time.Second,
		},
	}
}

func setLoad(t *testing.T, rdb *redis.Client, id string, load int) {
	t.Helper()
	require.NoError(t, rdb.HSet(context.Background(), keys.Worker(id), "load", load).Err())
}

func TestPick_NoWorkers(t *testing.T) {
	_, rdb := newMini(t)
	b := New(rdb, testCfg(LeastLoaded))

	_, err := b.Pick(context.Background(), "synthesis")
	require.ErrorIs(t, err, ErrNoWorker)
}

func TestPick_LeastLoaded(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()
	b := New(rdb, testCfg(LeastLoaded))

	require.NoError(t, store.RegisterWorker(ctx, rdb, "w1", "synthesis", 10))
	require.NoError(t, store.RegisterWorker(ctx, rdb, "w2", "synthesis", 10))
	setLoad(t, rdb, "w1", 3)
	setLoad(t, rdb, "w2", 1)

	w, err := b.Pick(ctx, "synthesis")
	require.NoError(t, err)
	require.Equal(t, "w2", w.ID)
}

func TestPick_RoundRobinRotates(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()
	b := New(rdb, testCfg(RoundRobin))

	require.NoError(t, store.RegisterWorker(ctx, rdb, "w1", "synthesis", 10))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.RegisterWorker(ctx, rdb, "w2", "synthesis", 10))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.RegisterWorker(ctx, rdb, "w3", "synthesis", 10))

	var got []string
	for i := 0; i < 4; i++ {
		w, err := b.Pick(ctx, "synthesis")
		require.NoError(t, err)
		got = append(got, w.ID)
	}
	require.Equal(t, []string{"w1", "w2", "w3", "w1"}, got)
}

func TestPick_WeightedPrefersSpareCapacity(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()
	b := New(rdb, testCfg(Weighted))

	// w1 is more loaded absolutely but has far more headroom relatively
	require.NoError(t, store.RegisterWorker(ctx, rdb, "w1", "synthesis", 20))
	require.NoError(t, store.RegisterWorker(ctx, rdb, "w2", "synthesis", 4))
	setLoad(t, rdb, "w1", 4) // 0.2
	setLoad(t, rdb, "w2", 3) // 0.75

	w, err := b.Pick(ctx, "synthesis")
	require.NoError(t, err)
	require.Equal(t, "w1", w.ID)
}

func TestPick_FiltersUnhealthyStaleAndSaturated(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()
	b := New(rdb, testCfg(LeastLoaded))

	require.NoError(t, store.RegisterWorker(ctx, rdb, "sick", "synthesis", 10))
	require.NoError(t, store.MarkUnhealthy(ctx, rdb, "sick"))

	require.NoError(t, store.RegisterWorker(ctx, rdb, "stale", "synthesis", 10))
	old := time.Now().Add(-5 * time.Minute).UnixMilli()
	require.NoError(t, rdb.HSet(ctx, keys.Worker("stale"), "heartbeat_at", old).Err())

	require.NoError(t, store.RegisterWorker(ctx, rdb, "full", "synthesis", 2))
	setLoad(t, rdb, "full", 2)

	_, err := b.Pick(ctx, "synthesis")
	require.ErrorIs(t, err, ErrNoWorker)

	require.NoError(t, store.RegisterWorker(ctx, rdb, "ok", "synthesis", 2))
	w, err := b.Pick(ctx, "synthesis")
	require.NoError(t, err)
	require.Equal(t, "ok", w.ID)
}

func TestPick_OpenCircuitSkippedUntilCooldown(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()
	cfg := testCfg(LeastLoaded)
	b := New(rdb, cfg)

	require.NoError(t, store.RegisterWorker(ctx, rdb, "w1", "synthesis", 10))
	for i := 0; i < 3; i++ {
		require.NoError(t, b.ReportFailure(ctx, "w1"))
	}

	_, err := b.Pick(ctx, "synthesis")
	require.ErrorIs(t, err, ErrNoWorker)

	// once the cool-down elapses the worker gets exactly one probe
	time.Sleep(cfg.Breaker.Cooldown + 20*time.Millisecond)
	w, err := b.Pick(ctx, "synthesis")
	require.NoError(t, err)
	require.Equal(t, "w1", w.ID)

	_, err = b.Pick(ctx, "synthesis")
	require.ErrorIs(t, err, ErrNoWorker, "second probe denied while the first is in flight")

	require.NoError(t, b.ReportSuccess(ctx, "w1"))
	w, err = b.Pick(ctx, "synthesis")
	require.NoError(t, err)
	require.Equal(t, "w1", w.ID)
}

func TestPick_DeniedProbeFallsBackToClosed(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()
	cfg := testCfg(LeastLoaded)
	b := New(rdb, cfg)

	require.NoError(t, store.RegisterWorker(ctx, rdb, "flaky", "synthesis", 10))
	require.NoError(t, store.RegisterWorker(ctx, rdb, "steady", "synthesis", 10))
	for i := 0; i < 3; i++ {
		require.NoError(t, b.ReportFailure(ctx, "flaky"))
	}
	setLoad(t, rdb, "steady", 5)
	time.Sleep(cfg.Breaker.Cooldown + 20*time.Millisecond)

	// flaky ranks first on load and takes the single probe
	w, err := b.Pick(ctx, "synthesis")
	require.NoError(t, err)
	require.Equal(t, "flaky", w.ID)

	// while the probe is in flight the next pick skips to a closed worker
	w, err = b.Pick(ctx, "synthesis")
	require.NoError(t, err)
	require.Equal(t, "steady", w.ID)
}
