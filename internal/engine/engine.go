package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FleetQ/fleetq-go/internal/balance"
	"github.com/FleetQ/fleetq-go/internal/store"
	"github.com/redis/go-redis/v9"
)

// Package engine drives the steps of one claimed task to completion: worker
// selection, the call itself, transient retries with backoff, circuit breaker
// reports and output aggregation, under the task's execution mode.

// Execution modes as persisted on task records.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
	ModeHybrid     = "hybrid"
)

var (
	// ErrCancelled reports that a cooperative cancellation flag stopped the
	// task between steps.
	ErrCancelled = errors.New("engine: task cancelled")
	// ErrDeadline reports that the task's own execution budget ran out.
	ErrDeadline = errors.New("engine: task deadline exceeded")
)

// Logger is a minimal logging interface used internally by the engine.
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

// Step is one unit of a task plan. DependsOn names earlier steps whose
// outputs feed this step under HYBRID execution.
type Step struct {
	Name       string
	WorkerType string
	DependsOn  []string
}

// Plan is the resolved step list for a task type.
type Plan struct {
	Type  string
	Steps []Step
}

// CallRequest is handed to the transport for one worker invocation.
type CallRequest struct {
	TaskID     string
	Step       string
	WorkerID   string
	WorkerType string
	Inputs     []store.InputRecord
	Params     map[string]any
}

// CallFunc invokes one worker. The error's Transient method, when present,
// steers the retry decision.
type CallFunc func(ctx context.Context, req CallRequest) (store.OutputRecord, error)

type Config struct {
	// StepTimeout bounds every individual worker call; zero leaves only the
	// task deadline.
	StepTimeout time.Duration
	// FailureTolerance is the number of failed steps a PARALLEL task absorbs
	// while still completing.
	FailureTolerance int
	// MaxParallel bounds concurrently running steps of one task; zero means
	// as many as the plan has.
	MaxParallel int
	Retry       RetryPolicy
	Logger      Logger
}

type Engine struct {
	rdb  redis.UniversalClient
	bal  *balance.Balancer
	call CallFunc
	cfg  Config
	log  Logger
}

func New(rdb redis.UniversalClient, bal *balance.Balancer, call CallFunc, cfg Config) *Engine {
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Engine{rdb: rdb, bal: bal, call: call, cfg: cfg, log: lg}
}

// Execute runs the task's plan under its execution mode, appending step
// traces and outputs onto rec. A nil return means every required step
// completed; otherwise rec carries whatever partial results were produced
// and, for plain failures, the terminal error detail.
func (e *Engine) Execute(ctx context.Context, rec *store.TaskRecord, plan Plan) error {
	if rec.Outputs == nil {
		rec.Outputs = make(map[string]store.OutputRecord, len(plan.Steps))
	}
	switch rec.Mode {
	case ModeParallel:
		return e.runGroup(ctx, rec, plan.Steps, e.cfg.FailureTolerance, taskInputs(rec))
	case ModeHybrid:
		return e.runHybrid(ctx, rec, plan)
	default:
		return e.runSequential(ctx, rec, plan.Steps)
	}
}

// runSequential feeds each step's output into the next and stops at the
// first step whose retries are exhausted.
func (e *Engine) runSequential(ctx context.Context, rec *store.TaskRecord, steps []Step) error {
	inputs := rec.Inputs
	for _, st := range steps {
		out, sr, err := e.runStep(ctx, rec, st, inputs)
		rec.Steps = append(rec.Steps, sr)
		if err != nil {
			e.fillError(rec, st, sr, err)
			return err
		}
		rec.Outputs[st.Name] = out
		inputs = []store.InputRecord{{Kind: out.Kind, Data: out.Data, Meta: out.Meta}}
	}
	return nil
}

// runGroup dispatches all steps concurrently and aggregates. Steps beyond
// the failure tolerance fail the task; outputs of the steps that did finish
// stay on the record either way.
func (e *Engine) runGroup(ctx context.Context, rec *store.TaskRecord, steps []Step, tolerance int, inputsFor func(Step) []store.InputRecord) error {
	type result struct {
		sr  store.StepRecord
		out store.OutputRecord
		err error
	}
	results := make([]result, len(steps))

	n := e.cfg.MaxParallel
	if n <= 0 || n > len(steps) {
		n = len(steps)
	}
	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	for i, st := range steps {
		wg.Add(1)
		go func(i int, st Step) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out, sr, err := e.runStep(ctx, rec, st, inputsFor(st))
			results[i] = result{sr: sr, out: out, err: err}
		}(i, st)
	}
	wg.Wait()

	var firstErr error
	var firstStep Step
	var firstRec store.StepRecord
	failed := 0
	cancelled, timedOut := false, false
	for i, r := range results {
		rec.Steps = append(rec.Steps, r.sr)
		if r.err == nil {
			rec.Outputs[steps[i].Name] = r.out
			continue
		}
		failed++
		switch {
		case errors.Is(r.err, ErrCancelled):
			cancelled = true
		case errors.Is(r.err, ErrDeadline):
			timedOut = true
		}
		if firstErr == nil {
			firstErr, firstStep, firstRec = r.err, steps[i], r.sr
		}
	}
	if cancelled {
		return ErrCancelled
	}
	if timedOut {
		return ErrDeadline
	}
	if failed > tolerance {
		e.fillError(rec, firstStep, firstRec, firstErr)
		return firstErr
	}
	if failed > 0 {
		e.log.Warnf("group tolerated failures: task=%s failed=%d tolerance=%d", rec.ID, failed, tolerance)
	}
	return nil
}

// runHybrid partitions the plan into dependency levels: each level runs
// concurrently, levels run in order, and a level only starts when the one
// before it succeeded. A step's inputs are the outputs of its dependencies.
func (e *Engine) runHybrid(ctx context.Context, rec *store.TaskRecord, plan Plan) error {
	levels, err := Levels(plan.Steps)
	if err != nil {
		rec.Error = &store.ErrorRecord{Kind: store.ErrKindValidation, Message: err.Error()}
		return err
	}
	for _, group := range levels {
		if err := e.runGroup(ctx, rec, group, 0, func(st Step) []store.InputRecord {
			return mergedInputs(rec, st)
		}); err != nil {
			return err
		}
	}
	return nil
}

// runStep resolves one step: pick a worker, call it, and retry transient
// failures with backoff until the retry budget or the task deadline runs out.
func (e *Engine) runStep(ctx context.Context, rec *store.TaskRecord, st Step, inputs []store.InputRecord) (store.OutputRecord, store.StepRecord, error) {
	sr := store.StepRecord{
		Step:       st.Name,
		WorkerType: st.WorkerType,
		Status:     store.StatusRunning,
		StartedAt:  time.Now().UnixMilli(),
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		sr.Retries = attempt
		if reason, requested, err := store.CancelFlag(ctx, e.rdb, rec.ID); err == nil && requested {
			sr.Status = store.StatusCancelled
			sr.Error = reason
			sr.FinishedAt = time.Now().UnixMilli()
			return store.OutputRecord{}, sr, ErrCancelled
		}
		if ctx.Err() != nil {
			return e.stepDeadline(sr, lastErr)
		}

		out, err := e.attempt(ctx, rec, st, &sr, inputs)
		if err == nil {
			sr.Status = store.StatusCompleted
			sr.FinishedAt = time.Now().UnixMilli()
			e.log.Debugf("step done: task=%s step=%s worker=%s attempts=%d", rec.ID, st.Name, sr.WorkerID, attempt+1)
			return out, sr, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return e.stepDeadline(sr, lastErr)
		}
		if !transient(err) || attempt >= e.maxRetries() {
			break
		}
		e.log.Warnf("step retry: task=%s step=%s attempt=%d err=%v", rec.ID, st.Name, attempt+1, err)
		if e.cfg.Retry.Sleep(ctx, attempt) != nil {
			return e.stepDeadline(sr, lastErr)
		}
	}
	sr.Status = store.StatusFailed
	sr.Error = lastErr.Error()
	sr.FinishedAt = time.Now().UnixMilli()
	return store.OutputRecord{}, sr, fmt.Errorf("step %s: %w", st.Name, lastErr)
}

// attempt performs a single selection+call round, bracketing the call with
// the worker's load slot and feeding the breaker.
func (e *Engine) attempt(ctx context.Context, rec *store.TaskRecord, st Step, sr *store.StepRecord, inputs []store.InputRecord) (store.OutputRecord, error) {
	w, err := e.bal.Pick(ctx, st.WorkerType)
	if err != nil {
		return store.OutputRecord{}, err
	}
	sr.WorkerID = w.ID

	if err := store.IncrLoad(ctx, e.rdb, w.ID); err != nil {
		e.log.Warnf("load incr failed: worker=%s err=%v", w.ID, err)
	}
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if e.cfg.StepTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.StepTimeout)
	}
	started := time.Now()
	out, callErr := e.call(callCtx, CallRequest{
		TaskID:     rec.ID,
		Step:       st.Name,
		WorkerID:   w.ID,
		WorkerType: st.WorkerType,
		Inputs:     inputs,
		Params:     rec.Metadata,
	})
	cancel()
	if err := store.DecrLoad(ctx, e.rdb, w.ID); err != nil {
		e.log.Warnf("load decr failed: worker=%s err=%v", w.ID, err)
	}

	if callErr != nil {
		if err := e.bal.ReportFailure(ctx, w.ID); err != nil {
			e.log.Warnf("breaker report failed: worker=%s err=%v", w.ID, err)
		}
		return store.OutputRecord{}, callErr
	}
	if err := e.bal.ReportSuccess(ctx, w.ID); err != nil {
		e.log.Warnf("breaker report failed: worker=%s err=%v", w.ID, err)
	}
	if out.ProcessingMs == 0 {
		out.ProcessingMs = time.Since(started).Milliseconds()
	}
	return out, nil
}

func (e *Engine) stepDeadline(sr store.StepRecord, lastErr error) (store.OutputRecord, store.StepRecord, error) {
	sr.Status = store.StatusFailed
	if lastErr != nil {
		sr.Error = lastErr.Error()
	} else {
		sr.Error = ErrDeadline.Error()
	}
	sr.FinishedAt = time.Now().UnixMilli()
	return store.OutputRecord{}, sr, ErrDeadline
}

func (e *Engine) maxRetries() int {
	if e.cfg.Retry.MaxRetries < 0 {
		return 0
	}
	return e.cfg.Retry.MaxRetries
}

// fillError records the terminal failure detail unless a cancel or deadline
// outcome owns the record's fate.
func (e *Engine) fillError(rec *store.TaskRecord, st Step, sr store.StepRecord, err error) {
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrDeadline) {
		return
	}
	kind := store.ErrKindWorkerCall
	if errors.Is(err, balance.ErrNoWorker) {
		kind = store.ErrKindNoWorker
	}
	rec.Error = &store.ErrorRecord{
		Kind:     kind,
		Message:  err.Error(),
		Step:     st.Name,
		WorkerID: sr.WorkerID,
	}
}

// taskInputs makes the plain-parallel inputs closure.
func taskInputs(rec *store.TaskRecord) func(Step) []store.InputRecord {
	return func(Step) []store.InputRecord { return rec.Inputs }
}

// mergedInputs assembles a hybrid step's inputs from its dependencies'
// outputs, falling back to the task inputs for dependency-free steps.
func mergedInputs(rec *store.TaskRecord, st Step) []store.InputRecord {
	if len(st.DependsOn) == 0 {
		return rec.Inputs
	}
	ins := make([]store.InputRecord, 0, len(st.DependsOn))
	for _, dep := range st.DependsOn {
		if out, ok := rec.Outputs[dep]; ok {
			ins = append(ins, store.InputRecord{Kind: out.Kind, Data: out.Data, Meta: out.Meta})
		}
	}
	if len(ins) == 0 {
		return rec.Inputs
	}
	return ins
}

type transienter interface{ Transient() bool }

// transient reports whether the retry policy may re-attempt after err.
func transient(err error) bool {
	if errors.Is(err, balance.ErrNoWorker) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var tr transienter
	if errors.As(err, &tr) {
		return tr.Transient()
	}
	return false
}

// Levels partitions steps into dependency layers: a step's layer is one past
// the deepest of its dependencies. Unknown or cyclic dependencies are
// rejected; these are caught again at plan registration.
func Levels(steps []Step) ([][]Step, error) {
	idx := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := idx[s.Name]; dup {
			return nil, fmt.Errorf("duplicate step %q", s.Name)
		}
		idx[s.Name] = i
	}

	const (
		unseen = iota
		visiting
		done
	)
	state := make([]int, len(steps))
	depth := make([]int, len(steps))
	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle through %q", steps[i].Name)
		}
		state[i] = visiting
		d := 0
		for _, dep := range steps[i].DependsOn {
			j, ok := idx[dep]
			if !ok {
				return fmt.Errorf("step %q depends on unknown step %q", steps[i].Name, dep)
			}
			if err := visit(j); err != nil {
				return err
			}
			if depth[j]+1 > d {
				d = depth[j] + 1
			}
		}
		depth[i] = d
		state[i] = done
		return nil
	}
	maxDepth := 0
	for i := range steps {
		if err := visit(i); err != nil {
			return nil, err
		}
		if depth[i] > maxDepth {
			maxDepth = depth[i]
		}
	}

	levels := make([][]Step, maxDepth+1)
	for i, s := range steps {
		levels[depth[i]] = append(levels[depth[i]], s)
	}
	return levels, nil
}
