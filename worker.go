package fleetq

import (
	"context"
	"fmt"
	"sync"
)

// CallRequest is the unit of work handed to a worker for one step.
type CallRequest struct {
	// TaskID identifies the owning task; retried calls repeat it so workers
	// can dedup side effects.
	TaskID string `json:"task_id"`
	// Step is the plan step name being executed.
	Step string `json:"step"`
	// Inputs are the payloads assembled for this step: the task inputs, or
	// upstream step outputs under SEQUENTIAL/HYBRID chaining.
	Inputs []Input `json:"inputs"`
	// Params is the task metadata, passed through verbatim.
	Params map[string]any `json:"params,omitempty"`
}

// Worker executes steps routed to one worker type. Implementations must be
// safe for concurrent Execute calls and must tolerate retried requests:
// either avoid double-applying side effects or key them on TaskID+Step.
// The step deadline arrives on ctx.
type Worker interface {
	Type() string
	Execute(ctx context.Context, req CallRequest) (Output, error)
}

// Caller dispatches one step call to a worker selected by ID. It is the
// transport boundary of the core: remote deployments implement it over
// their own RPC, tests and single-process deployments use LocalCaller.
// Failures should be reported as *WorkerCallError so the retry policy can
// classify them; a plain error is treated as an application-level rejection.
type Caller interface {
	Call(ctx context.Context, workerID string, req CallRequest) (Output, error)
}

// LocalCaller routes calls to in-process workers registered by ID.
type LocalCaller struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewLocalCaller creates an empty in-process caller.
func NewLocalCaller() *LocalCaller {
	return &LocalCaller{workers: make(map[string]Worker)}
}

// Register binds a worker ID to its implementation. Registering an existing
// ID replaces the previous binding.
func (c *LocalCaller) Register(id string, w Worker) {
	c.mu.Lock()
	c.workers[id] = w
	c.mu.Unlock()
}

// Deregister removes a worker binding.
func (c *LocalCaller) Deregister(id string) {
	c.mu.Lock()
	delete(c.workers, id)
	c.mu.Unlock()
}

// Call invokes the worker bound to workerID. An unknown ID reports a
// transport-kind error: the registry may reference workers this process
// cannot reach, which is a retryable routing condition.
func (c *LocalCaller) Call(ctx context.Context, workerID string, req CallRequest) (Output, error) {
	c.mu.RLock()
	w, ok := c.workers[workerID]
	c.mu.RUnlock()
	if !ok {
		return Output{}, &WorkerCallError{
			Kind:     CallErrorTransport,
			WorkerID: workerID,
			Err:      fmt.Errorf("no local worker bound to %q", workerID),
		}
	}
	out, err := w.Execute(ctx, req)
	if err != nil {
		if _, ok := err.(*WorkerCallError); ok {
			return Output{}, err
		}
		if ctx.Err() == context.DeadlineExceeded {
			return Output{}, &WorkerCallError{Kind: CallErrorTimeout, WorkerID: workerID, Err: err}
		}
		return Output{}, &WorkerCallError{Kind: CallErrorRejected, WorkerID: workerID, Err: err}
	}
	return out, nil
}
