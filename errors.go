package fleetq

import (
	"errors"
	"fmt"
)

// ErrValidation is returned when a submission is malformed: empty inputs,
// unknown task type, or an invalid option value.
var ErrValidation = errors.New("fleetq: invalid submission")

// ErrDuplicateTask is returned when Submit is called with an ID that already exists.
var ErrDuplicateTask = errors.New("fleetq: duplicate task id")

// ErrTaskNotFound is returned when a task with the specified ID is not found
// or its record has been evicted.
var ErrTaskNotFound = errors.New("fleetq: task not found")

// ErrWorkerNotFound is returned when a heartbeat names an unregistered worker.
var ErrWorkerNotFound = errors.New("fleetq: worker not found")

// ErrNoWorker is returned when no eligible worker of the required type exists.
var ErrNoWorker = errors.New("fleetq: no available worker")

// ErrUnknownStatus is returned when an invalid status string is parsed.
var ErrUnknownStatus = errors.New("fleetq: unknown status")

// ErrUnknownMode is returned when an invalid execution mode string is parsed.
var ErrUnknownMode = errors.New("fleetq: unknown execution mode")

// Error kinds recorded in ErrorDetail.Kind on failed, timed-out or
// cancelled tasks.
const (
	ErrKindValidation = "validation"
	ErrKindNoWorker   = "no_worker"
	ErrKindWorkerCall = "worker_call"
	ErrKindTimeout    = "timeout"
	ErrKindCancelled  = "cancelled"
)

// CallErrorKind classifies a failed worker call for the retry decision.
type CallErrorKind string

const (
	// CallErrorTransport covers connection-level failures; retryable.
	CallErrorTransport CallErrorKind = "transport"
	// CallErrorTimeout covers calls that exceeded their step budget; retryable.
	CallErrorTimeout CallErrorKind = "timeout"
	// CallErrorRejected covers application-level rejection by the worker; not
	// retried.
	CallErrorRejected CallErrorKind = "rejected"
)

// WorkerCallError describes a failed call to a worker. Kind steers the retry
// policy: transport and timeout failures are transient, rejections are final.
type WorkerCallError struct {
	Kind     CallErrorKind
	WorkerID string
	Err      error
}

func (e *WorkerCallError) Error() string {
	return fmt.Sprintf("worker %s: %s: %v", e.WorkerID, e.Kind, e.Err)
}

func (e *WorkerCallError) Unwrap() error { return e.Err }

// Transient reports whether the failed call may be retried.
func (e *WorkerCallError) Transient() bool { return e.Kind != CallErrorRejected }
