package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/FleetQ/fleetq-go/internal/engine"
	"github.com/FleetQ/fleetq-go/internal/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Package runtime hosts the per-replica background loops: the dispatcher
// that claims queued tasks and hands them to the engine, and the lock-guarded
// health sweep that reaps silent workers and deadline-expired tasks.

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Metrics mirrors the public metrics surface the same way Logger does.
type Metrics interface {
	TaskCompleted(taskType string, d time.Duration)
	TaskFailed(taskType string)
	TaskCancelled(taskType string)
	SetQueueDepth(taskType string, n float64)
	SetHealthyWorkers(workerType string, n float64)
}

type noopMetrics struct{}

func (noopMetrics) TaskCompleted(string, time.Duration) {}
func (noopMetrics) TaskFailed(string)                   {}
func (noopMetrics) TaskCancelled(string)                {}
func (noopMetrics) SetQueueDepth(string, float64)       {}
func (noopMetrics) SetHealthyWorkers(string, float64)   {}

// Resolver maps a task type to its execution plan.
type Resolver func(taskType string) (engine.Plan, bool)

const sweepLock = "sweep"

type Config struct {
	// Types lists the task types this replica dispatches.
	Types []string
	// MaxActive caps concurrently executing tasks on this replica.
	MaxActive int
	// PollInterval paces the dispatch loop.
	PollInterval time.Duration
	// SweepInterval paces the health sweep.
	SweepInterval time.Duration
	// LivenessWindow is how long a worker may stay silent before it is
	// marked unhealthy; EvictAfter is how long before it is removed.
	LivenessWindow time.Duration
	EvictAfter     time.Duration
	// LockTTL leases the sweep lock.
	LockTTL time.Duration
	// RecordTTL bounds retention of terminal task records.
	RecordTTL time.Duration
	// DefaultTimeout is the execution budget for tasks that carry none.
	DefaultTimeout time.Duration
	Logger         Logger
	Metrics        Metrics
}

type Runtime struct {
	rdb     redis.UniversalClient
	cfg     Config
	eng     *engine.Engine
	resolve Resolver
	holder  string
	sem     chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	log     Logger
	met     Metrics
}

// New creates the background runtime. Zero durations in cfg fall back to
// conservative defaults so a partially filled config still behaves.
func New(rdb redis.UniversalClient, cfg Config, eng *engine.Engine, resolve Resolver) *Runtime {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 16
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	mt := cfg.Metrics
	if mt == nil {
		mt = noopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		rdb:     rdb,
		cfg:     cfg,
		eng:     eng,
		resolve: resolve,
		holder:  uuid.NewString(),
		sem:     make(chan struct{}, cfg.MaxActive),
		ctx:     ctx,
		cancel:  cancel,
		log:     lg,
		met:     mt,
	}
}

// Start launches the dispatch and sweep goroutines.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: max_active=%d types=%d", rt.cfg.MaxActive, len(rt.cfg.Types))

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.dispatchLoop()
	}()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.sweepLoop()
	}()
}

// Stop cancels the internal context and waits for loops and in-flight tasks.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	rt.wg.Wait()
}

func (rt *Runtime) dispatchLoop() {
	ticker := time.NewTicker(rt.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			rt.drain()
		}
	}
}

// drain pops and launches queued tasks until every type queue comes up empty
// or all execution slots are taken. The round bound keeps one tick from
// monopolizing the loop.
func (rt *Runtime) drain() {
	for round := 0; round < 256; round++ {
		progressed := false
		for _, taskType := range rt.cfg.Types {
			select {
			case rt.sem <- struct{}{}:
			default:
				return
			}
			id, err := store.PopQueued(rt.ctx, rt.rdb, taskType)
			if err != nil || id == "" {
				<-rt.sem
				if err != nil && rt.ctx.Err() == nil {
					rt.log.Warnf("pop failed: type=%s err=%v", taskType, err)
				}
				continue
			}
			progressed = true
			rt.wg.Add(1)
			go func(id string) {
				defer rt.wg.Done()
				defer func() { <-rt.sem }()
				rt.execute(id)
			}(id)
		}
		if !progressed {
			return
		}
	}
}

// execute claims one popped task, runs its plan and finalizes the record.
func (rt *Runtime) execute(id string) {
	rec, err := store.GetTask(rt.ctx, rt.rdb, id)
	if err != nil {
		rt.log.Warnf("popped task unreadable: id=%s err=%v", id, err)
		return
	}
	budget := time.Duration(rec.TimeoutMs) * time.Millisecond
	if budget <= 0 {
		budget = rt.cfg.DefaultTimeout
	}
	deadline := time.Now().Add(budget)

	rec, err = store.ClaimTask(rt.ctx, rt.rdb, id, deadline)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			rt.log.Debugf("claim lost: id=%s", id)
		} else {
			rt.log.Errorf("claim failed: id=%s err=%v", id, err)
		}
		return
	}
	rt.log.Debugf("claimed: id=%s type=%s mode=%s", rec.ID, rec.Type, rec.Mode)

	plan, ok := rt.resolve(rec.Type)
	if !ok {
		rec.Error = &store.ErrorRecord{Kind: store.ErrKindValidation, Message: "no plan registered for type " + rec.Type}
		rt.finish(rec, store.StatusFailed)
		return
	}

	taskCtx, cancel := context.WithDeadline(rt.ctx, deadline)
	defer cancel()
	started := time.Now()
	execErr := rt.eng.Execute(taskCtx, rec, plan)

	switch {
	case execErr == nil:
		rt.finish(rec, store.StatusCompleted)
		rt.met.TaskCompleted(rec.Type, time.Since(started))
		rt.count("tasks_completed")
		rt.log.Infof("completed: id=%s type=%s steps=%d", rec.ID, rec.Type, len(rec.Steps))

	case errors.Is(execErr, engine.ErrCancelled):
		reason, _, _ := store.CancelFlag(rt.ctx, rt.rdb, rec.ID)
		rec.Error = &store.ErrorRecord{Kind: store.ErrKindCancelled, Message: reason}
		rt.finish(rec, store.StatusCancelled)
		rt.met.TaskCancelled(rec.Type)
		rt.count("tasks_cancelled")
		rt.log.Infof("cancelled: id=%s type=%s", rec.ID, rec.Type)

	case errors.Is(execErr, engine.ErrDeadline):
		if rec.Retry < rec.MaxRetry {
			if _, err := store.RequeueTask(rt.ctx, rt.rdb, rec.ID); err != nil {
				rt.log.Warnf("timeout requeue failed: id=%s err=%v", rec.ID, err)
			} else {
				rt.log.Warnf("timed out, requeued: id=%s retry=%d/%d", rec.ID, rec.Retry+1, rec.MaxRetry)
			}
			return
		}
		rec.Error = &store.ErrorRecord{Kind: store.ErrKindTimeout, Message: "task deadline exceeded"}
		rt.finish(rec, store.StatusFailed)
		rt.met.TaskFailed(rec.Type)
		rt.count("tasks_failed")
		rt.log.Warnf("timed out: id=%s type=%s", rec.ID, rec.Type)

	default:
		if rec.Error == nil {
			rec.Error = &store.ErrorRecord{Kind: store.ErrKindWorkerCall, Message: execErr.Error()}
		}
		rt.finish(rec, store.StatusFailed)
		rt.met.TaskFailed(rec.Type)
		rt.count("tasks_failed")
		rt.log.Warnf("failed: id=%s type=%s err=%v", rec.ID, rec.Type, execErr)
	}
}

func (rt *Runtime) finish(rec *store.TaskRecord, status string) {
	if err := store.FinishTask(rt.ctx, rt.rdb, rec, status, rt.cfg.RecordTTL); err != nil {
		if errors.Is(err, store.ErrConflict) {
			rt.log.Warnf("finalize lost: id=%s status=%s", rec.ID, status)
		} else if rt.ctx.Err() == nil {
			rt.log.Errorf("finalize failed: id=%s status=%s err=%v", rec.ID, status, err)
		}
	}
}

func (rt *Runtime) count(name string) {
	if err := store.IncrCounter(rt.ctx, rt.rdb, name, 1); err != nil && rt.ctx.Err() == nil {
		rt.log.Warnf("counter incr failed: name=%s err=%v", name, err)
	}
}

func (rt *Runtime) sweepLoop() {
	ticker := time.NewTicker(rt.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			rt.sweep()
		}
	}
}

// sweep runs the cluster-singleton maintenance pass under the sweep lock.
func (rt *Runtime) sweep() {
	ok, err := store.AcquireLock(rt.ctx, rt.rdb, sweepLock, rt.holder, rt.cfg.LockTTL)
	if err != nil {
		if rt.ctx.Err() == nil {
			rt.log.Warnf("sweep lock failed: err=%v", err)
		}
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := store.ReleaseLock(rt.ctx, rt.rdb, sweepLock, rt.holder); err != nil && rt.ctx.Err() == nil {
			rt.log.Warnf("sweep unlock failed: err=%v", err)
		}
	}()

	rt.sweepWorkers()
	rt.sweepRunning()
	rt.refreshGauges()
}

// sweepWorkers marks silent workers unhealthy and evicts the long dead.
func (rt *Runtime) sweepWorkers() {
	ws, err := store.ListWorkers(rt.ctx, rt.rdb)
	if err != nil {
		rt.log.Warnf("worker sweep failed: err=%v", err)
		return
	}
	nowMs := time.Now().UnixMilli()
	for _, w := range ws {
		silent := time.Duration(nowMs-w.HeartbeatAt) * time.Millisecond
		switch {
		case rt.cfg.EvictAfter > 0 && silent > rt.cfg.EvictAfter:
			if err := store.RemoveWorker(rt.ctx, rt.rdb, w.ID, w.Type); err != nil {
				rt.log.Warnf("worker evict failed: id=%s err=%v", w.ID, err)
			} else {
				rt.log.Infof("worker evicted: id=%s type=%s silent=%s", w.ID, w.Type, silent.Truncate(time.Millisecond))
			}
		case rt.cfg.LivenessWindow > 0 && silent > rt.cfg.LivenessWindow && w.Healthy:
			if err := store.MarkUnhealthy(rt.ctx, rt.rdb, w.ID); err != nil {
				rt.log.Warnf("worker mark failed: id=%s err=%v", w.ID, err)
			} else {
				rt.log.Warnf("worker stale: id=%s type=%s silent=%s", w.ID, w.Type, silent.Truncate(time.Millisecond))
			}
		}
	}
}

// sweepRunning times out RUNNING tasks whose deadline passed, requeueing
// while retry budget remains.
func (rt *Runtime) sweepRunning() {
	ids, err := store.ExpiredRunning(rt.ctx, rt.rdb, time.Now())
	if err != nil {
		rt.log.Warnf("running sweep failed: err=%v", err)
		return
	}
	for _, id := range ids {
		rec, err := store.GetTask(rt.ctx, rt.rdb, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				_ = store.RemoveRunning(rt.ctx, rt.rdb, id)
			}
			continue
		}
		if rec.Status != store.StatusRunning {
			_ = store.RemoveRunning(rt.ctx, rt.rdb, id)
			continue
		}
		if rec.Retry < rec.MaxRetry {
			if _, err := store.RequeueTask(rt.ctx, rt.rdb, id); err == nil {
				rt.log.Warnf("reaped, requeued: id=%s retry=%d/%d", id, rec.Retry+1, rec.MaxRetry)
			}
			continue
		}
		if _, err := store.TimeoutTask(rt.ctx, rt.rdb, id, "task deadline exceeded", rt.cfg.RecordTTL); err == nil {
			rt.met.TaskFailed(rec.Type)
			rt.count("tasks_failed")
			rt.log.Warnf("reaped, failed: id=%s type=%s", id, rec.Type)
		}
	}
}

// refreshGauges publishes queue depths and healthy worker counts.
func (rt *Runtime) refreshGauges() {
	for _, taskType := range rt.cfg.Types {
		depth, err := store.QueueDepth(rt.ctx, rt.rdb, taskType)
		if err != nil {
			continue
		}
		rt.met.SetQueueDepth(taskType, float64(depth))
	}
	ws, err := store.ListWorkers(rt.ctx, rt.rdb)
	if err != nil {
		return
	}
	healthy := make(map[string]float64)
	for _, w := range ws {
		if _, ok := healthy[w.Type]; !ok {
			healthy[w.Type] = 0
		}
		if w.Healthy {
			healthy[w.Type]++
		}
	}
	for wt, n := range healthy {
		rt.met.SetHealthyWorkers(wt, n)
	}
}
