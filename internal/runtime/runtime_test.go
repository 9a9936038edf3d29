package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FleetQ/fleetq-go/internal/balance"
	"github.com/FleetQ/fleetq-go/internal/engine"
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

func testPlan() engine.Plan {
	return engine.Plan{Type: "report", Steps: []engine.Step{{Name: "synthesize", WorkerType: "synthesis"}}}
}

func resolveTest(taskType string) (engine.Plan, bool) {
	if taskType != "report" {
		return engine.Plan{}, false
	}
	return testPlan(), true
}

func newTestRuntime(t *testing.T, rdb redis.UniversalClient, call engine.CallFunc, mut func(*Config)) *Runtime {
	t.Helper()
	bal := balance.New(rdb, balance.Config{
		Strategy:       balance.LeastLoaded,
		LivenessWindow: time.Minute,
		Breaker: store.BreakerConfig{
			Threshold: 1000, Window: time.Minute, Cooldown: time.Minute,
			MaxCooldown: time.Minute, TrialLease: time.Second,
		},
	})
	eng := engine.New(rdb, bal, call, engine.Config{
		Retry: engine.RetryPolicy{MaxRetries: 1, Base: time.Millisecond, Multiplier: 2},
	})
	cfg := Config{
		Types:          []string{"report"},
		MaxActive:      4,
		PollInterval:   20 * time.Millisecond,
		SweepInterval:  25 * time.Millisecond,
		LivenessWindow: time.Minute,
		EvictAfter:     time.Hour,
		LockTTL:        time.Second,
		RecordTTL:      time.Hour,
		DefaultTimeout: 2 * time.Second,
	}
	if mut != nil {
		mut(&cfg)
	}
	return New(rdb, cfg, eng, resolveTest)
}

func seedTask(t *testing.T, rdb redis.UniversalClient, id string, maxRetry int) {
	t.Helper()
	require.NoError(t, store.CreateTask(context.Background(), rdb, &store.TaskRecord{
		ID:        id,
		Type:      "report",
		Mode:      engine.ModeSequential,
		Priority:  5,
		TimeoutMs: 2000,
		MaxRetry:  maxRetry,
		Inputs:    []store.InputRecord{{Kind: "text", Data: json.RawMessage(`"data"`)}},
	}))
}

func okCall(ctx context.Context, req engine.CallRequest) (store.OutputRecord, error) {
	return store.OutputRecord{Kind: "json_report", Data: json.RawMessage(`{"ok":true}`)}, nil
}

func TestRuntime_StartStop_Idempotent(t *testing.T) {
	_, rdb := newMini(t)
	rt := newTestRuntime(t, rdb, okCall, nil)

	rt.Start()
	rt.Start()
	time.Sleep(50 * time.Millisecond)
	rt.Stop()
	rt.Stop()
}

func TestRuntime_DispatchCompletesTask(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()
	require.NoError(t, store.RegisterWorker(ctx, rdb, "w1", "synthesis", 4))
	seedTask(t, rdb, "t1", 3)

	rt := newTestRuntime(t, rdb, okCall, nil)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		rec, err := store.GetTask(ctx, rdb, "t1")
		return err == nil && rec.Status == store.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	rec, err := store.GetTask(ctx, rdb, "t1")
	require.NoError(t, err)
	require.Len(t, rec.Steps, 1)
	require.Equal(t, "json_report", rec.Outputs["synthesize"].Kind)
	require.NotZero(t, rec.StartedAt)
	require.NotZero(t, rec.FinishedAt)

	n, err := store.GetCounter(ctx, rdb, "tasks_completed")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	running, _ := rdb.ZCard(ctx, keys.Running()).Result()
	require.Zero(t, running)
}

func TestRuntime_TwoReplicasSingleExecution(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()
	require.NoError(t, store.RegisterWorker(ctx, rdb, "w1", "synthesis", 4))
	seedTask(t, rdb, "t1", 3)

	var calls atomic.Int32
	call := func(ctx context.Context, req engine.CallRequest) (store.OutputRecord, error) {
		calls.Add(1)
		return store.OutputRecord{Kind: "json_report"}, nil
	}

	a := newTestRuntime(t, rdb, call, nil)
	b := newTestRuntime(t, rdb, call, nil)
	a.Start()
	b.Start()
	defer a.Stop()
	defer b.Stop()

	require.Eventually(t, func() bool {
		rec, err := store.GetTask(ctx, rdb, "t1")
		return err == nil && rec.Status == store.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	require.Equal(t, int32(1), calls.Load(), "exactly one replica executes the task")
}

func TestRuntime_EngineFailureFinalizes(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()
	require.NoError(t, store.RegisterWorker(ctx, rdb, "w1", "synthesis", 4))
	seedTask(t, rdb, "t1", 3)

	call := func(ctx context.Context, req engine.CallRequest) (store.OutputRecord, error) {
		return store.OutputRecord{}, errors.New("schema mismatch")
	}
	rt := newTestRuntime(t, rdb, call, nil)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		rec, err := store.GetTask(ctx, rdb, "t1")
		return err == nil && rec.Status == store.StatusFailed
	}, 2*time.Second, 20*time.Millisecond)

	rec, _ := store.GetTask(ctx, rdb, "t1")
	require.NotNil(t, rec.Error)
	require.Equal(t, store.ErrKindWorkerCall, rec.Error.Kind)
	require.Equal(t, "synthesize", rec.Error.Step)

	n, _ := store.GetCounter(ctx, rdb, "tasks_failed")
	require.Equal(t, int64(1), n)
}

func TestRuntime_SweepRequeuesExpiredRunning(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()
	require.NoError(t, store.RegisterWorker(ctx, rdb, "w1", "synthesis", 4))
	seedTask(t, rdb, "t1", 3)

	// simulate a replica that claimed the task and died: deadline in the past
	id, err := store.PopQueued(ctx, rdb, "report")
	require.NoError(t, err)
	require.Equal(t, "t1", id)
	_, err = store.ClaimTask(ctx, rdb, "t1", time.Now().Add(-time.Second))
	require.NoError(t, err)

	rt := newTestRuntime(t, rdb, okCall, nil)
	rt.Start()
	defer rt.Stop()

	// the sweep requeues it and the dispatcher then completes it
	require.Eventually(t, func() bool {
		rec, err := store.GetTask(ctx, rdb, "t1")
		return err == nil && rec.Status == store.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	rec, _ := store.GetTask(ctx, rdb, "t1")
	require.Equal(t, 1, rec.Retry, "the reap consumed one retry")
}

func TestRuntime_SweepFailsExpiredRunningWithoutBudget(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()
	seedTask(t, rdb, "t1", 0)

	id, err := store.PopQueued(ctx, rdb, "report")
	require.NoError(t, err)
	require.Equal(t, "t1", id)
	_, err = store.ClaimTask(ctx, rdb, "t1", time.Now().Add(-time.Second))
	require.NoError(t, err)

	rt := newTestRuntime(t, rdb, okCall, nil)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		rec, err := store.GetTask(ctx, rdb, "t1")
		return err == nil && rec.Status == store.StatusFailed
	}, 3*time.Second, 20*time.Millisecond)

	rec, _ := store.GetTask(ctx, rdb, "t1")
	require.Equal(t, store.ErrKindTimeout, rec.Error.Kind)
	running, _ := rdb.ZCard(ctx, keys.Running()).Result()
	require.Zero(t, running)
}

func TestRuntime_SweepMarksAndEvictsSilentWorkers(t *testing.T) {
	_, rdb := newMini(t)
	ctx := context.Background()

	require.NoError(t, store.RegisterWorker(ctx, rdb, "quiet", "synthesis", 4))
	require.NoError(t, store.RegisterWorker(ctx, rdb, "gone", "synthesis", 4))
	require.NoError(t, store.RegisterWorker(ctx, rdb, "alive", "synthesis", 4))

	stale := time.Now().Add(-200 * time.Millisecond).UnixMilli()
	ancient := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, rdb.HSet(ctx, keys.Worker("quiet"), "heartbeat_at", stale).Err())
	require.NoError(t, rdb.HSet(ctx, keys.Worker("gone"), "heartbeat_at", ancient).Err())

	rt := newTestRuntime(t, rdb, okCall, func(c *Config) {
		c.LivenessWindow = 100 * time.Millisecond
		c.EvictAfter = 10 * time.Minute
	})
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		w, err := store.GetWorker(ctx, rdb, "quiet")
		if err != nil {
			return false
		}
		_, gerr := store.GetWorker(ctx, rdb, "gone")
		return !w.Healthy && errors.Is(gerr, store.ErrNotFound)
	}, 2*time.Second, 20*time.Millisecond)

	alive, err := store.GetWorker(ctx, rdb, "alive")
	require.NoError(t, err)
	require.True(t, alive.Healthy)
}
