package fleetq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/FleetQ/fleetq-go/internal/balance"
	"github.com/FleetQ/fleetq-go/internal/engine"
	"github.com/FleetQ/fleetq-go/internal/keys"
	rtm "github.com/FleetQ/fleetq-go/internal/runtime"
	"github.com/FleetQ/fleetq-go/internal/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Orchestrator is the public facade of the core: task submission, status,
// cancellation and worker registration on one side, the background dispatch
// and health-sweep runtime on the other. Multiple replicas may run against
// the same Redis; coordination happens entirely through the store.
type Orchestrator struct {
	rdb    redis.UniversalClient
	cfg    Config
	enc    Encoder
	reg    *planRegistry
	caller Caller
	rt     *rtm.Runtime

	mu      sync.Mutex
	started bool
	log     Logger
}

// New wires the orchestration core against rdb. The caller is the worker
// transport boundary; cfg.Plans must name every task type that will be
// submitted.
func New(rdb redis.UniversalClient, cfg Config, caller Caller) (*Orchestrator, error) {
	if caller == nil {
		return nil, fmt.Errorf("fleetq: nil caller")
	}
	reg, err := newPlanRegistry(cfg.Plans)
	if err != nil {
		return nil, err
	}
	if len(reg.types) == 0 {
		return nil, fmt.Errorf("fleetq: no plans configured")
	}
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	// a zero-threshold breaker would open on the first failure
	if cfg.Breaker.Threshold <= 0 {
		cfg.Breaker = DefaultConfig().Breaker
	}

	o := &Orchestrator{rdb: rdb, cfg: cfg, enc: &JSONEncoder{}, reg: reg, caller: caller, log: l}

	bal := balance.New(rdb, balance.Config{
		Strategy:       cfg.Strategy,
		LivenessWindow: cfg.LivenessWindow,
		Breaker: store.BreakerConfig{
			Threshold:   int64(cfg.Breaker.Threshold),
			Window:      cfg.Breaker.Window,
			Cooldown:    cfg.Breaker.Cooldown,
			MaxCooldown: cfg.Breaker.MaxCooldown,
			TrialLease:  cfg.Breaker.TrialLease,
		},
	})
	eng := engine.New(rdb, bal, o.callStep, engine.Config{
		StepTimeout:      cfg.StepTimeout,
		FailureTolerance: cfg.FailureTolerance,
		MaxParallel:      cfg.MaxParallel,
		Retry: engine.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			Base:       cfg.Retry.Base,
			Max:        cfg.Retry.Max,
			Multiplier: cfg.Retry.Multiplier,
			Jitter:     cfg.Retry.Jitter,
		},
		Logger: l,
	})
	rtc := rtm.Config{
		Types:          reg.types,
		MaxActive:      cfg.MaxActive,
		PollInterval:   cfg.PollInterval,
		SweepInterval:  cfg.SweepInterval,
		LivenessWindow: cfg.LivenessWindow,
		EvictAfter:     cfg.EvictAfter,
		LockTTL:        cfg.LockTTL,
		RecordTTL:      cfg.RecordTTL,
		DefaultTimeout: cfg.DefaultTimeout,
		Logger:         l,
	}
	if cfg.Metrics != nil {
		rtc.Metrics = cfg.Metrics
	}
	o.rt = rtm.New(rdb, rtc, eng, reg.resolve)
	return o, nil
}

// Start launches the dispatch loop and the health sweep.
// It is idempotent and non-blocking.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.log.Warnf("orchestrator already started; ignoring Start()")
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()
	o.log.Infof("starting orchestrator: types=%d strategy=%s", len(o.reg.types), o.cfg.Strategy)
	o.rt.Start()
}

// Stop gracefully shuts down the background loops, waiting for in-flight
// tasks to finalize.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.log.Warnf("orchestrator not started; ignoring Stop()")
		o.mu.Unlock()
		return
	}
	o.started = false
	o.mu.Unlock()
	o.log.Infof("stopping orchestrator")
	o.rt.Stop()
}

// Submit validates and enqueues a task, returning its ID. It does not wait
// for execution; use Status or Watch to observe progress. Returns
// ErrDuplicateTask when the (explicit) ID already exists and wraps
// ErrValidation for malformed submissions.
func (o *Orchestrator) Submit(ctx context.Context, taskType string, inputs []Input, opts ...SubmitOption) (string, error) {
	so := &submitOptions{mode: ModeSequential}
	for _, opt := range opts {
		opt(so)
	}

	if taskType == "" {
		return "", fmt.Errorf("%w: empty task type", ErrValidation)
	}
	if _, ok := o.reg.resolve(taskType); !ok {
		return "", fmt.Errorf("%w: unknown task type %q", ErrValidation, taskType)
	}
	if len(inputs) == 0 {
		return "", fmt.Errorf("%w: no inputs", ErrValidation)
	}
	if _, err := ParseMode(string(so.mode)); err != nil {
		return "", fmt.Errorf("%w: execution mode %q", ErrValidation, so.mode)
	}
	if so.timeout < 0 {
		return "", fmt.Errorf("%w: negative timeout", ErrValidation)
	}

	id := so.id
	if id == "" {
		id = uuid.NewString()
	}
	maxRetry := o.cfg.Retry.MaxRetries
	if so.maxRetrySet {
		maxRetry = so.maxRetry
	}
	if maxRetry < 0 {
		maxRetry = 0
	}
	if so.priority < 0 {
		so.priority = 0
	} else if so.priority > 100 {
		so.priority = 100
	}

	rec := &store.TaskRecord{
		ID:        id,
		Type:      taskType,
		Mode:      string(so.mode),
		Priority:  so.priority,
		TimeoutMs: so.timeout.Milliseconds(),
		MaxRetry:  maxRetry,
		Inputs:    inputRecords(inputs),
		Metadata:  so.metadata,
	}
	if err := store.CreateTask(ctx, o.rdb, rec); err != nil {
		if errors.Is(err, store.ErrExists) {
			return "", ErrDuplicateTask
		}
		return "", err
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.TaskSubmitted(taskType)
	}
	if err := store.IncrCounter(ctx, o.rdb, "tasks_submitted", 1); err != nil {
		o.log.Warnf("counter incr failed: name=tasks_submitted err=%v", err)
	}
	o.log.Infof("submitted: id=%s type=%s mode=%s priority=%d", id, taskType, so.mode, so.priority)
	return id, nil
}

// Status returns the current record of a task. Returns ErrTaskNotFound when
// the ID is unknown or the record has been evicted.
func (o *Orchestrator) Status(ctx context.Context, id string) (*Task, error) {
	rec, err := store.GetTask(ctx, o.rdb, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return taskView(rec), nil
}

// Cancel requests cancellation of a task. A QUEUED task is removed from its
// queue and finalized immediately; a RUNNING task gets a cooperative flag
// the engine observes at the next step boundary. Terminal tasks are left
// untouched and report success=false.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (bool, error) {
	// a QUEUED task can be claimed between the read and the transition, so
	// one re-read resolves the race
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := store.GetTask(ctx, o.rdb, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false, ErrTaskNotFound
			}
			return false, err
		}
		switch rec.Status {
		case store.StatusQueued:
			if _, err := store.CancelQueued(ctx, o.rdb, id, reason, o.cfg.RecordTTL); err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				return false, err
			}
			if o.cfg.Metrics != nil {
				o.cfg.Metrics.TaskCancelled(rec.Type)
			}
			if err := store.IncrCounter(ctx, o.rdb, "tasks_cancelled", 1); err != nil {
				o.log.Warnf("counter incr failed: name=tasks_cancelled err=%v", err)
			}
			o.log.Infof("cancelled queued: id=%s", id)
			return true, nil

		case store.StatusRunning:
			if err := store.SetCancelFlag(ctx, o.rdb, id, reason); err != nil {
				return false, err
			}
			o.log.Infof("cancel requested: id=%s", id)
			return true, nil

		default:
			return false, nil
		}
	}
	return false, nil
}

// Watch subscribes to a task's status transitions. The channel closes after
// a terminal status is delivered or when ctx ends. Transitions that happened
// before the call are not replayed; pair Watch with Status for a snapshot.
func (o *Orchestrator) Watch(ctx context.Context, id string) (<-chan StatusUpdate, error) {
	sub := o.rdb.Subscribe(ctx, keys.Updates(id))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	ch := make(chan StatusUpdate, 8)
	go func() {
		defer close(ch)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var u StatusUpdate
				if err := o.enc.Decode([]byte(msg.Payload), &u); err != nil {
					continue
				}
				select {
				case ch <- u:
				case <-ctx.Done():
					return
				}
				if u.Status.Terminal() {
					return
				}
			}
		}
	}()
	return ch, nil
}

// Stats aggregates a point-in-time view of the cluster.
func (o *Orchestrator) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Queued: make(map[string]int64), Workers: make(map[string]TypeStats)}
	for _, taskType := range o.reg.types {
		depth, err := store.QueueDepth(ctx, o.rdb, taskType)
		if err != nil {
			return nil, err
		}
		st.Queued[taskType] = depth
	}
	running, err := store.RunningCount(ctx, o.rdb)
	if err != nil {
		return nil, err
	}
	st.Running = running

	ws, err := store.ListWorkers(ctx, o.rdb)
	if err != nil {
		return nil, err
	}
	for _, w := range ws {
		ts := st.Workers[w.Type]
		ts.Workers++
		if w.Healthy {
			ts.Healthy++
		}
		ts.Capacity += w.Capacity
		ts.Load += w.Load
		st.Workers[w.Type] = ts
	}

	if st.Submitted, err = store.GetCounter(ctx, o.rdb, "tasks_submitted"); err != nil {
		return nil, err
	}
	if st.Completed, err = store.GetCounter(ctx, o.rdb, "tasks_completed"); err != nil {
		return nil, err
	}
	if st.Failed, err = store.GetCounter(ctx, o.rdb, "tasks_failed"); err != nil {
		return nil, err
	}
	if st.Cancelled, err = store.GetCounter(ctx, o.rdb, "tasks_cancelled"); err != nil {
		return nil, err
	}
	return st, nil
}

// RegisterWorker creates or refreshes a registry entry. Re-registering an ID
// resets its health, load and breaker state.
func (o *Orchestrator) RegisterWorker(ctx context.Context, id, workerType string, capacity int64) error {
	if id == "" || workerType == "" {
		return fmt.Errorf("%w: worker id and type required", ErrValidation)
	}
	if capacity <= 0 {
		capacity = 1
	}
	if err := store.RegisterWorker(ctx, o.rdb, id, workerType, capacity); err != nil {
		return err
	}
	o.log.Infof("worker registered: id=%s type=%s capacity=%d", id, workerType, capacity)
	return nil
}

// Heartbeat refreshes a worker's liveness and lets it self-report load and
// capacity. Pass load < 0 or capacity <= 0 to leave the stored value alone.
// Returns ErrWorkerNotFound for unregistered IDs.
func (o *Orchestrator) Heartbeat(ctx context.Context, id string, load, capacity int64) error {
	err := store.Heartbeat(ctx, o.rdb, id, load, capacity)
	if errors.Is(err, store.ErrNotFound) {
		return ErrWorkerNotFound
	}
	return err
}

// DeregisterWorker removes a worker from the registry, e.g. on clean worker
// shutdown. In-flight calls to it are unaffected.
func (o *Orchestrator) DeregisterWorker(ctx context.Context, id string) error {
	w, err := store.GetWorker(ctx, o.rdb, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrWorkerNotFound
		}
		return err
	}
	if err := store.RemoveWorker(ctx, o.rdb, id, w.Type); err != nil {
		return err
	}
	o.log.Infof("worker deregistered: id=%s type=%s", id, w.Type)
	return nil
}

// Workers lists every registered worker.
func (o *Orchestrator) Workers(ctx context.Context) ([]WorkerInfo, error) {
	ws, err := store.ListWorkers(ctx, o.rdb)
	if err != nil {
		return nil, err
	}
	out := make([]WorkerInfo, 0, len(ws))
	for _, w := range ws {
		out = append(out, WorkerInfo{
			ID:           w.ID,
			Type:         w.Type,
			Capacity:     w.Capacity,
			Load:         w.Load,
			Healthy:      w.Healthy,
			Breaker:      w.BreakerState,
			RegisteredAt: w.RegisteredAt,
			HeartbeatAt:  w.HeartbeatAt,
		})
	}
	return out, nil
}

// callStep adapts the engine's record-typed invocation onto the public
// Caller contract.
func (o *Orchestrator) callStep(ctx context.Context, req engine.CallRequest) (store.OutputRecord, error) {
	ins := make([]Input, len(req.Inputs))
	for i, r := range req.Inputs {
		ins[i] = Input{Kind: r.Kind, Data: r.Data, Meta: r.Meta}
	}
	out, err := o.caller.Call(ctx, req.WorkerID, CallRequest{
		TaskID: req.TaskID,
		Step:   req.Step,
		Inputs: ins,
		Params: req.Params,
	})
	if err != nil {
		return store.OutputRecord{}, err
	}
	return store.OutputRecord{Kind: out.Kind, Data: out.Data, Meta: out.Meta, ProcessingMs: out.ProcessingMs}, nil
}

func inputRecords(ins []Input) []store.InputRecord {
	out := make([]store.InputRecord, len(ins))
	for i, in := range ins {
		out[i] = store.InputRecord{Kind: in.Kind, Data: in.Data, Meta: in.Meta}
	}
	return out
}

func taskView(rec *store.TaskRecord) *Task {
	t := &Task{
		ID:          rec.ID,
		Type:        rec.Type,
		Mode:        Mode(rec.Mode),
		Priority:    rec.Priority,
		Status:      Status(rec.Status),
		Metadata:    rec.Metadata,
		Retry:       rec.Retry,
		MaxRetry:    rec.MaxRetry,
		TimeoutMs:   rec.TimeoutMs,
		SubmittedAt: rec.SubmittedAt,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
	}
	t.Inputs = make([]Input, len(rec.Inputs))
	for i, in := range rec.Inputs {
		t.Inputs[i] = Input{Kind: in.Kind, Data: in.Data, Meta: in.Meta}
	}
	if len(rec.Steps) > 0 {
		t.Steps = make([]StepExecution, len(rec.Steps))
		for i, s := range rec.Steps {
			t.Steps[i] = StepExecution{
				Step:       s.Step,
				WorkerID:   s.WorkerID,
				WorkerType: s.WorkerType,
				Status:     Status(s.Status),
				Retries:    s.Retries,
				Error:      s.Error,
				StartedAt:  s.StartedAt,
				FinishedAt: s.FinishedAt,
			}
		}
	}
	if len(rec.Outputs) > 0 {
		t.Outputs = make(map[string]Output, len(rec.Outputs))
		for name, out := range rec.Outputs {
			t.Outputs[name] = Output{Kind: out.Kind, Data: out.Data, Meta: out.Meta, ProcessingMs: out.ProcessingMs}
		}
	}
	if rec.Error != nil {
		t.Error = &ErrorDetail{
			Kind:     rec.Error.Kind,
			Message:  rec.Error.Message,
			Step:     rec.Error.Step,
			WorkerID: rec.Error.WorkerID,
		}
	}
	return t
}
