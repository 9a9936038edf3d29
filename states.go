package fleetq

// Status represents a task lifecycle state. Use the exported constants
// (StatusQueued, StatusRunning, etc.) instead of raw strings to avoid typos.
type Status string

const (
	// StatusQueued means the task is accepted and waiting in its type queue.
	StatusQueued Status = "queued"
	// StatusRunning means a dispatcher claimed the task and its plan is executing.
	StatusRunning Status = "running"
	// StatusCompleted means every required step finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the task ended with an error after exhausting retries.
	StatusFailed Status = "failed"
	// StatusCancelled means the task was cancelled before reaching another
	// terminal state.
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every valid task status in a stable order.
var AllStatuses = []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	switch s {
	case string(StatusQueued):
		return StatusQueued, nil
	case string(StatusRunning):
		return StatusRunning, nil
	case string(StatusCompleted):
		return StatusCompleted, nil
	case string(StatusFailed):
		return StatusFailed, nil
	case string(StatusCancelled):
		return StatusCancelled, nil
	default:
		return "", ErrUnknownStatus
	}
}

// allowedTransitions fixes the task state machine. RUNNING may re-enter
// QUEUED only through the timeout requeue path while retry budget remains;
// terminal statuses have no exits.
var allowedTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusQueued},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Mode selects how a task's step plan executes.
type Mode string

const (
	// ModeSequential runs steps strictly in plan order, feeding each step's
	// output into the next.
	ModeSequential Mode = "sequential"
	// ModeParallel dispatches every step concurrently and aggregates by step name.
	ModeParallel Mode = "parallel"
	// ModeHybrid runs dependency levels sequentially with the steps of each
	// level in parallel.
	ModeHybrid Mode = "hybrid"
)

// AllModes lists every valid execution mode in a stable order.
var AllModes = []Mode{ModeSequential, ModeParallel, ModeHybrid}

// String returns the raw string value of the mode.
func (m Mode) String() string { return string(m) }

// ParseMode converts a string into a Mode, returning an error for unknown values.
func ParseMode(s string) (Mode, error) {
	switch s {
	case string(ModeSequential):
		return ModeSequential, nil
	case string(ModeParallel):
		return ModeParallel, nil
	case string(ModeHybrid):
		return ModeHybrid, nil
	default:
		return "", ErrUnknownMode
	}
}
