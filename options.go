package fleetq

import "time"

type submitOptions struct {
	id          string
	priority    int
	mode        Mode
	timeout     time.Duration
	maxRetry    int
	maxRetrySet bool
	metadata    map[string]any
}

// SubmitOption configures a task during Submit.
type SubmitOption func(*submitOptions)

// WithTaskID sets a custom ID for the task. If not provided, a random UUID
// will be generated.
func WithTaskID(id string) SubmitOption {
	return func(o *submitOptions) {
		o.id = id
	}
}

// WithPriority sets the dispatch priority (0..100, higher first). Values
// outside the range are clamped.
func WithPriority(p int) SubmitOption {
	return func(o *submitOptions) {
		o.priority = p
	}
}

// WithMode sets the execution mode. Default is ModeSequential.
func WithMode(m Mode) SubmitOption {
	return func(o *submitOptions) {
		o.mode = m
	}
}

// WithTimeout sets the task's execution budget, measured from the moment a
// dispatcher claims it. Zero falls back to the configured default.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) {
		o.timeout = d
	}
}

// WithMaxRetry sets the task-level retry budget consumed by timeout
// requeues. Default comes from the retry policy configuration.
func WithMaxRetry(n int) SubmitOption {
	return func(o *submitOptions) {
		o.maxRetry = n
		o.maxRetrySet = true
	}
}

// WithMetadata attaches the free-form metadata map. Workers receive it as
// call parameters.
func WithMetadata(md map[string]any) SubmitOption {
	return func(o *submitOptions) {
		o.metadata = md
	}
}
