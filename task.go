package fleetq

import (
	"encoding/json"
	"time"
)

// Input is one typed element of a task's payload. Data is opaque to the
// core; only workers interpret it.
type Input struct {
	// Kind tags the payload (e.g. "text", "image", "json").
	Kind string `json:"kind"`
	// Data is the raw payload.
	Data json.RawMessage `json:"data"`
	// Meta carries optional per-input annotations.
	Meta map[string]any `json:"meta,omitempty"`
}

// NewInput builds an Input by serializing v with the default encoder.
func NewInput(kind string, v any) (Input, error) {
	data, err := (&JSONEncoder{}).Encode(v)
	if err != nil {
		return Input{}, err
	}
	return Input{Kind: kind, Data: data}, nil
}

// Output is the result payload one step produced.
type Output struct {
	// Kind tags the payload the same way Input.Kind does.
	Kind string `json:"kind"`
	// Data is the raw result.
	Data json.RawMessage `json:"data"`
	// Meta carries optional result annotations.
	Meta map[string]any `json:"meta,omitempty"`
	// ProcessingMs is the worker-reported processing time.
	ProcessingMs int64 `json:"processing_ms,omitempty"`
}

// StepExecution is the recorded trace of one step of a task's plan.
// Records are append-only: one entry per step that was attempted.
type StepExecution struct {
	// Step is the plan step name.
	Step string `json:"step"`
	// WorkerID identifies the worker that served the final attempt.
	WorkerID string `json:"worker_id,omitempty"`
	// WorkerType is the type the step was routed to.
	WorkerType string `json:"worker_type"`
	// Status is the step outcome (completed, failed, cancelled).
	Status Status `json:"status"`
	// Retries counts re-attempts beyond the first call.
	Retries int `json:"retries,omitempty"`
	// Error holds the last attempt's error message for failed steps.
	Error string `json:"error,omitempty"`
	// StartedAt/FinishedAt are unix-millisecond timestamps.
	StartedAt  int64 `json:"started_at,omitempty"`
	FinishedAt int64 `json:"finished_at,omitempty"`
}

// ErrorDetail identifies what failed a task: the error kind, the step and
// worker involved, and the underlying message.
type ErrorDetail struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Step     string `json:"step,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
}

// Task is the externally visible record of one orchestrated task, as
// returned by Status queries.
type Task struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Mode     Mode           `json:"mode"`
	Priority int            `json:"priority"`
	Status   Status         `json:"status"`
	Inputs   []Input        `json:"inputs"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Steps traces every attempted step; Outputs maps step name to its
	// result. For failed tasks Outputs still holds whatever completed.
	Steps   []StepExecution   `json:"steps,omitempty"`
	Outputs map[string]Output `json:"outputs,omitempty"`
	Error   *ErrorDetail      `json:"error,omitempty"`

	// Retry is the task-level budget consumed so far; MaxRetry is the cap.
	Retry    int `json:"retry"`
	MaxRetry int `json:"max_retry"`

	// TimeoutMs is the task's execution budget in milliseconds.
	TimeoutMs int64 `json:"timeout_ms"`

	SubmittedAt int64 `json:"submitted_at"`
	StartedAt   int64 `json:"started_at,omitempty"`
	FinishedAt  int64 `json:"finished_at,omitempty"`
}

// QueueTime is how long the task waited before a dispatcher claimed it.
// Zero while still queued.
func (t *Task) QueueTime() time.Duration {
	if t.StartedAt == 0 {
		return 0
	}
	return time.Duration(t.StartedAt-t.SubmittedAt) * time.Millisecond
}

// ExecTime is how long the task spent executing. Zero while not finished.
func (t *Task) ExecTime() time.Duration {
	if t.StartedAt == 0 || t.FinishedAt == 0 {
		return 0
	}
	return time.Duration(t.FinishedAt-t.StartedAt) * time.Millisecond
}

// StatusUpdate is one event on a task's watch stream, published at every
// status transition.
type StatusUpdate struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
	AtMs   int64  `json:"at_ms"`
}

// WorkerInfo is the externally visible view of one registered worker.
type WorkerInfo struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Capacity int64  `json:"capacity"`
	Load     int64  `json:"load"`
	Healthy  bool   `json:"healthy"`
	// Breaker is the circuit state: closed, open or half_open.
	Breaker      string `json:"breaker"`
	RegisteredAt int64  `json:"registered_at"`
	HeartbeatAt  int64  `json:"heartbeat_at"`
}

// TypeStats aggregates the workers of one type.
type TypeStats struct {
	Workers  int   `json:"workers"`
	Healthy  int   `json:"healthy"`
	Capacity int64 `json:"capacity"`
	Load     int64 `json:"load"`
}

// Stats is a point-in-time aggregate of the cluster: queue depths per task
// type, lifetime task counters and per-type worker totals.
type Stats struct {
	Queued  map[string]int64     `json:"queued"`
	Running int64                `json:"running"`
	Workers map[string]TypeStats `json:"workers"`

	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}
