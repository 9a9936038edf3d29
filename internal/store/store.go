package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/FleetQ/fleetq-go/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Package store implements the persistence operations of the orchestration
// core on Redis: task records with compare-and-set status transitions,
// per-type priority queues, the running-deadline index, worker registry
// hashes, distributed locks and counters.

var (
	// ErrExists is returned when creating a record whose key is already taken.
	ErrExists = errors.New("store: already exists")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conditional update loses its race: the
	// record was not in the expected status, or a concurrent writer touched it.
	ErrConflict = errors.New("store: conflict")
)

// Task status values as persisted. The public package exposes a typed
// mirror of these.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Error kinds recorded on terminal records and surfaced through status reads.
const (
	ErrKindValidation = "validation"
	ErrKindDuplicate  = "duplicate"
	ErrKindNotFound   = "not_found"
	ErrKindNoWorker   = "no_worker"
	ErrKindWorkerCall = "worker_call"
	ErrKindTimeout    = "timeout"
	ErrKindCancelled  = "cancelled"
)

// TaskRecord is the canonical persisted form of a task.
type TaskRecord struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Mode      string         `json:"mode"`
	Priority  int            `json:"priority"`
	TimeoutMs int64          `json:"timeout_ms"`
	Status    string         `json:"status"`
	Inputs    []InputRecord  `json:"inputs"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	Steps   []StepRecord            `json:"steps,omitempty"`
	Outputs map[string]OutputRecord `json:"outputs,omitempty"`
	Error   *ErrorRecord            `json:"error,omitempty"`

	Retry    int `json:"retry"`
	MaxRetry int `json:"max_retry"`

	SubmittedAt int64 `json:"submitted_at"`
	StartedAt   int64 `json:"started_at,omitempty"`
	FinishedAt  int64 `json:"finished_at,omitempty"`
	UpdatedAt   int64 `json:"updated_at,omitempty"`
}

// InputRecord carries one opaque input payload.
type InputRecord struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
	Meta map[string]any  `json:"meta,omitempty"`
}

// OutputRecord carries one opaque step output payload.
type OutputRecord struct {
	Kind         string          `json:"kind"`
	Data         json.RawMessage `json:"data"`
	Meta         map[string]any  `json:"meta,omitempty"`
	ProcessingMs int64           `json:"processing_ms,omitempty"`
}

// StepRecord is the per-step execution trace appended as steps resolve.
type StepRecord struct {
	Step       string `json:"step"`
	WorkerID   string `json:"worker_id,omitempty"`
	WorkerType string `json:"worker_type"`
	Status     string `json:"status"`
	Retries    int    `json:"retries,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  int64  `json:"started_at,omitempty"`
	FinishedAt int64  `json:"finished_at,omitempty"`
}

// ErrorRecord is the terminal error detail on FAILED and CANCELLED records.
type ErrorRecord struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Step     string `json:"step,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
}

// StatusUpdate is the payload published on the per-task updates channel at
// every status transition.
type StatusUpdate struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	AtMs   int64  `json:"at_ms"`
}

// QueueScore encodes queue ordering into a single ZSET score: higher
// priority always wins, and within one priority band earlier submissions win
// under ZPOPMAX. Both terms stay well inside float64 integer precision.
func QueueScore(priority int, ts time.Time) float64 {
	if priority < 0 {
		priority = 0
	} else if priority > 100 {
		priority = 100
	}
	return float64(priority)*1e13 + (1e13 - 1 - float64(ts.UnixMilli()))
}

// CreateTask persists a new queued record and indexes it into its type queue.
// The record key doubles as the duplicate-ID guard: a SETNX loss reports
// ErrExists. The queue insert is rolled back if it cannot complete, the same
// reserve-then-rollback shape used for enqueue de-duplication elsewhere.
func CreateTask(ctx context.Context, rdb redis.UniversalClient, rec *TaskRecord) error {
	now := time.Now()
	rec.Status = StatusQueued
	rec.SubmittedAt = now.UnixMilli()
	rec.UpdatedAt = rec.SubmittedAt

	ok, err := rdb.SetNX(ctx, keys.Task(rec.ID), encodeJSON(rec), 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	score := QueueScore(rec.Priority, now)
	if err := rdb.ZAdd(ctx, keys.Queue(rec.Type), redis.Z{Score: score, Member: rec.ID}).Err(); err != nil {
		rdb.Del(ctx, keys.Task(rec.ID))
		return err
	}
	publishStatus(ctx, rdb, rec.ID, StatusQueued)
	return nil
}

// GetTask loads and decodes one task record.
func GetTask(ctx context.Context, rdb redis.UniversalClient, id string) (*TaskRecord, error) {
	raw, err := rdb.Get(ctx, keys.Task(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := new(TaskRecord)
	if err := sonic.Unmarshal(raw, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// PopQueued removes and returns the highest-ranked task ID from one type
// queue. ZPOPMAX guarantees a single winner across competing replicas.
// Returns "" when the queue is empty.
func PopQueued(ctx context.Context, rdb redis.UniversalClient, taskType string) (string, error) {
	zs, err := rdb.ZPopMax(ctx, keys.Queue(taskType), 1).Result()
	if err != nil {
		return "", err
	}
	if len(zs) == 0 {
		return "", nil
	}
	id, _ := zs[0].Member.(string)
	return id, nil
}

// QueueDepth reports the number of queued tasks for one type.
func QueueDepth(ctx context.Context, rdb redis.UniversalClient, taskType string) (int64, error) {
	return rdb.ZCard(ctx, keys.Queue(taskType)).Result()
}

// casTask is the optimistic status transition primitive. It watches the
// record key, verifies the stored status matches want, applies the mutation
// and writes back transactionally. A concurrent writer or an unexpected
// stored status surfaces ErrConflict.
func casTask(ctx context.Context, rdb redis.UniversalClient, id, want string, apply func(*TaskRecord), after func(redis.Pipeliner, *TaskRecord)) (*TaskRecord, error) {
	key := keys.Task(id)
	var out *TaskRecord
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		rec := new(TaskRecord)
		if err := sonic.Unmarshal(raw, rec); err != nil {
			return err
		}
		if rec.Status != want {
			return ErrConflict
		}
		apply(rec)
		rec.UpdatedAt = time.Now().UnixMilli()
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, encodeJSON(rec), 0)
			if after != nil {
				after(p, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	}
	for i := 0; i < 3; i++ {
		err := rdb.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrConflict
}

// ClaimTask transitions a popped task QUEUED -> RUNNING and registers it in
// the running-deadline index. A conflict means the task was cancelled (or
// otherwise moved) between pop and claim; the caller should drop it.
func ClaimTask(ctx context.Context, rdb redis.UniversalClient, id string, deadline time.Time) (*TaskRecord, error) {
	rec, err := casTask(ctx, rdb, id, StatusQueued, func(r *TaskRecord) {
		r.Status = StatusRunning
		r.StartedAt = time.Now().UnixMilli()
	}, func(p redis.Pipeliner, r *TaskRecord) {
		p.ZAdd(ctx, keys.Running(), redis.Z{Score: float64(deadline.UnixMilli()), Member: id})
	})
	if err != nil {
		return nil, err
	}
	publishStatus(ctx, rdb, id, StatusRunning)
	return rec, nil
}

// FinishTask finalizes a RUNNING task. The caller passes its in-flight record
// carrying step traces and outputs; only the stored status takes part in the
// CAS so a sweep or cancel that got there first wins the race.
func FinishTask(ctx context.Context, rdb redis.UniversalClient, fin *TaskRecord, status string, ttl time.Duration) error {
	_, err := casTask(ctx, rdb, fin.ID, StatusRunning, func(r *TaskRecord) {
		r.Status = status
		r.Steps = fin.Steps
		r.Outputs = fin.Outputs
		r.Error = fin.Error
		r.Retry = fin.Retry
		r.FinishedAt = time.Now().UnixMilli()
	}, func(p redis.Pipeliner, r *TaskRecord) {
		p.ZRem(ctx, keys.Running(), fin.ID)
		if ttl > 0 {
			p.PExpire(ctx, keys.Task(fin.ID), ttl)
			p.PExpire(ctx, keys.Cancel(fin.ID), ttl)
		}
	})
	if err != nil {
		return err
	}
	publishStatus(ctx, rdb, fin.ID, status)
	return nil
}

// RequeueTask moves a deadline-expired RUNNING task back to QUEUED, burning
// one unit of its retry budget. The caller checks the budget first.
func RequeueTask(ctx context.Context, rdb redis.UniversalClient, id string) (*TaskRecord, error) {
	now := time.Now()
	rec, err := casTask(ctx, rdb, id, StatusRunning, func(r *TaskRecord) {
		r.Status = StatusQueued
		r.Retry++
		r.StartedAt = 0
	}, func(p redis.Pipeliner, r *TaskRecord) {
		p.ZRem(ctx, keys.Running(), id)
		p.ZAdd(ctx, keys.Queue(r.Type), redis.Z{Score: QueueScore(r.Priority, now), Member: id})
	})
	if err != nil {
		return nil, err
	}
	publishStatus(ctx, rdb, id, StatusQueued)
	return rec, nil
}

// TimeoutTask finalizes a deadline-expired RUNNING task whose retry budget is
// spent.
func TimeoutTask(ctx context.Context, rdb redis.UniversalClient, id, msg string, ttl time.Duration) (*TaskRecord, error) {
	rec, err := casTask(ctx, rdb, id, StatusRunning, func(r *TaskRecord) {
		r.Status = StatusFailed
		r.Error = &ErrorRecord{Kind: ErrKindTimeout, Message: msg}
		r.FinishedAt = time.Now().UnixMilli()
	}, func(p redis.Pipeliner, r *TaskRecord) {
		p.ZRem(ctx, keys.Running(), id)
		if ttl > 0 {
			p.PExpire(ctx, keys.Task(id), ttl)
		}
	})
	if err != nil {
		return nil, err
	}
	publishStatus(ctx, rdb, id, StatusFailed)
	return rec, nil
}

// CancelQueued transitions QUEUED -> CANCELLED and drops the queue entry. The
// queue ZREM may find nothing when a dispatcher popped the ID concurrently;
// that dispatcher's claim will then lose its own CAS and drop the task.
func CancelQueued(ctx context.Context, rdb redis.UniversalClient, id, reason string, ttl time.Duration) (*TaskRecord, error) {
	rec, err := casTask(ctx, rdb, id, StatusQueued, func(r *TaskRecord) {
		r.Status = StatusCancelled
		r.Error = &ErrorRecord{Kind: ErrKindCancelled, Message: reason}
		r.FinishedAt = time.Now().UnixMilli()
	}, func(p redis.Pipeliner, r *TaskRecord) {
		p.ZRem(ctx, keys.Queue(r.Type), id)
		if ttl > 0 {
			p.PExpire(ctx, keys.Task(id), ttl)
		}
	})
	if err != nil {
		return nil, err
	}
	publishStatus(ctx, rdb, id, StatusCancelled)
	return rec, nil
}

// SetCancelFlag records a cooperative cancellation request for a RUNNING
// task. The engine observes the flag at step boundaries.
func SetCancelFlag(ctx context.Context, rdb redis.UniversalClient, id, reason string) error {
	return rdb.Set(ctx, keys.Cancel(id), reason, 0).Err()
}

// CancelFlag reports whether cancellation has been requested for a task and
// the recorded reason.
func CancelFlag(ctx context.Context, rdb redis.UniversalClient, id string) (string, bool, error) {
	reason, err := rdb.Get(ctx, keys.Cancel(id)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return reason, true, nil
}

// ExpiredRunning returns up to 128 task IDs whose running deadline has
// passed. The sweep resolves each one individually.
func ExpiredRunning(ctx context.Context, rdb redis.UniversalClient, now time.Time) ([]string, error) {
	return rdb.ZRangeByScore(ctx, keys.Running(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 128,
	}).Result()
}

// RemoveRunning drops a task from the running-deadline index. Used by the
// sweep when the indexed record turned out to be gone or already terminal.
func RemoveRunning(ctx context.Context, rdb redis.UniversalClient, id string) error {
	return rdb.ZRem(ctx, keys.Running(), id).Err()
}

// RunningCount reports the size of the running-deadline index.
func RunningCount(ctx context.Context, rdb redis.UniversalClient) (int64, error) {
	return rdb.ZCard(ctx, keys.Running()).Result()
}

// IncrCounter bumps a monotonic cluster-wide counter.
func IncrCounter(ctx context.Context, rdb redis.UniversalClient, name string, n int64) error {
	return rdb.IncrBy(ctx, keys.Counter(name), n).Err()
}

// GetCounter reads a counter, zero when unset.
func GetCounter(ctx context.Context, rdb redis.UniversalClient, name string) (int64, error) {
	v, err := rdb.Get(ctx, keys.Counter(name)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func publishStatus(ctx context.Context, rdb redis.UniversalClient, id, status string) {
	u := StatusUpdate{TaskID: id, Status: status, AtMs: time.Now().UnixMilli()}
	rdb.Publish(ctx, keys.Updates(id), encodeJSON(u))
}

// encodeJSON encodes value using stdlib json.Marshal for lower latency in encoding.
func encodeJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
