package store

import (
	"context"
	"strconv"
	"time"

	"github.com/FleetQ/fleetq-go/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Circuit breaker states as persisted on the worker hash.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// WorkerRecord is the decoded view of one worker registry hash. Load and
// breaker counters live in hash fields so they mutate atomically under
// HINCRBY and the breaker scripts; the JSON-blob alternative loses updates
// under concurrent writers.
type WorkerRecord struct {
	ID           string
	Type         string
	Capacity     int64
	Load         int64
	Healthy      bool
	RegisteredAt int64
	HeartbeatAt  int64

	BreakerState string
	Failures     int64
	OpenUntil    int64
	Reopens      int64
}

// breakerFailureScript records one failed call on the worker hash. Failures
// count within a rolling window; crossing the threshold, or failing the
// half-open trial, opens the circuit with a cool-down that doubles on each
// successive reopening up to a cap.
// KEYS[1]=worker hash  ARGV: nowMs, threshold, windowMs, cooldownMs, maxCooldownMs
var breakerFailureScript = redis.NewScript(
	// language=Lua
	`
	local state = redis.call('HGET', KEYS[1], 'cb_state')
	if state == 'open' then return 'open' end
	local now = tonumber(ARGV[1])
	local ws = tonumber(redis.call('HGET', KEYS[1], 'cb_window_start') or '0')
	local n
	if ws == 0 or now - ws > tonumber(ARGV[3]) then
		redis.call('HSET', KEYS[1], 'cb_window_start', now, 'cb_failures', 1)
		n = 1
	else
		n = redis.call('HINCRBY', KEYS[1], 'cb_failures', 1)
	end
	if state == 'half_open' or n >= tonumber(ARGV[2]) then
		local reopens = tonumber(redis.call('HGET', KEYS[1], 'cb_reopens') or '0')
		local cd = tonumber(ARGV[4]) * 2 ^ reopens
		local cap = tonumber(ARGV[5])
		if cd > cap then cd = cap end
		redis.call('HSET', KEYS[1], 'cb_state', 'open', 'cb_open_until', now + cd,
			'cb_reopens', reopens + 1, 'cb_trial', 0, 'cb_failures', 0, 'cb_window_start', 0)
		return 'open'
	end
	return 'closed'
	`,
)

// breakerSuccessScript records one successful call: the failure window resets
// and an open or half-open circuit closes.
var breakerSuccessScript = redis.NewScript(
	// language=Lua
	`
	redis.call('HSET', KEYS[1], 'cb_failures', 0, 'cb_window_start', 0, 'cb_trial', 0)
	local state = redis.call('HGET', KEYS[1], 'cb_state')
	if state == 'open' or state == 'half_open' then
		redis.call('HSET', KEYS[1], 'cb_state', 'closed', 'cb_reopens', 0)
	end
	return 'closed'
	`,
)

// breakerTrialScript claims the half-open probe. An open circuit past its
// cool-down flips to half-open and grants the trial to exactly one caller;
// a half-open circuit grants it again only once the previous trial lease has
// lapsed (the holder crashed without reporting).
// KEYS[1]=worker hash  ARGV: nowMs, trialLeaseMs
var breakerTrialScript = redis.NewScript(
	// language=Lua
	`
	local state = redis.call('HGET', KEYS[1], 'cb_state')
	local now = tonumber(ARGV[1])
	if state == 'open' then
		local u = tonumber(redis.call('HGET', KEYS[1], 'cb_open_until') or '0')
		if now < u then return 0 end
		redis.call('HSET', KEYS[1], 'cb_state', 'half_open', 'cb_trial', now)
		return 1
	end
	if state == 'half_open' then
		local tr = tonumber(redis.call('HGET', KEYS[1], 'cb_trial') or '0')
		if tr ~= 0 and now - tr < tonumber(ARGV[2]) then return 0 end
		redis.call('HSET', KEYS[1], 'cb_trial', now)
		return 1
	end
	return 1
	`,
)

// RegisterWorker creates or refreshes a worker hash and indexes it. Re-registering
// an ID resets its health, load and breaker state.
func RegisterWorker(ctx context.Context, rdb redis.UniversalClient, id, workerType string, capacity int64) error {
	now := time.Now().UnixMilli()
	if err := rdb.HSet(ctx, keys.Worker(id),
		"id", id,
		"type", workerType,
		"capacity", capacity,
		"load", 0,
		"healthy", 1,
		"registered_at", now,
		"heartbeat_at", now,
		"cb_state", BreakerClosed,
		"cb_failures", 0,
		"cb_window_start", 0,
		"cb_open_until", 0,
		"cb_reopens", 0,
		"cb_trial", 0,
	).Err(); err != nil {
		return err
	}
	if err := rdb.SAdd(ctx, keys.Workers(), id).Err(); err != nil {
		return err
	}
	return rdb.SAdd(ctx, keys.WorkersByType(workerType), id).Err()
}

// Heartbeat refreshes a worker's liveness signal. A non-negative load and a
// positive capacity overwrite the stored values, letting workers self-report.
func Heartbeat(ctx context.Context, rdb redis.UniversalClient, id string, load, capacity int64) error {
	n, err := rdb.Exists(ctx, keys.Worker(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	fields := []any{"heartbeat_at", time.Now().UnixMilli(), "healthy", 1}
	if load >= 0 {
		fields = append(fields, "load", load)
	}
	if capacity > 0 {
		fields = append(fields, "capacity", capacity)
	}
	return rdb.HSet(ctx, keys.Worker(id), fields...).Err()
}

// GetWorker loads one worker record.
func GetWorker(ctx context.Context, rdb redis.UniversalClient, id string) (*WorkerRecord, error) {
	m, err := rdb.HGetAll(ctx, keys.Worker(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return decodeWorker(m), nil
}

// ListWorkers loads every registered worker. IDs whose hash has been removed
// are skipped.
func ListWorkers(ctx context.Context, rdb redis.UniversalClient) ([]*WorkerRecord, error) {
	ids, err := rdb.SMembers(ctx, keys.Workers()).Result()
	if err != nil {
		return nil, err
	}
	return loadWorkers(ctx, rdb, ids)
}

// ListWorkersByType loads the workers registered for one worker type.
func ListWorkersByType(ctx context.Context, rdb redis.UniversalClient, workerType string) ([]*WorkerRecord, error) {
	ids, err := rdb.SMembers(ctx, keys.WorkersByType(workerType)).Result()
	if err != nil {
		return nil, err
	}
	return loadWorkers(ctx, rdb, ids)
}

func loadWorkers(ctx context.Context, rdb redis.UniversalClient, ids []string) ([]*WorkerRecord, error) {
	ws := make([]*WorkerRecord, 0, len(ids))
	for _, id := range ids {
		m, err := rdb.HGetAll(ctx, keys.Worker(id)).Result()
		if err != nil {
			return nil, err
		}
		if len(m) == 0 {
			continue
		}
		ws = append(ws, decodeWorker(m))
	}
	return ws, nil
}

// RemoveWorker deletes a worker hash and drops it from the indexes.
func RemoveWorker(ctx context.Context, rdb redis.UniversalClient, id, workerType string) error {
	if err := rdb.Del(ctx, keys.Worker(id)).Err(); err != nil {
		return err
	}
	if err := rdb.SRem(ctx, keys.Workers(), id).Err(); err != nil {
		return err
	}
	return rdb.SRem(ctx, keys.WorkersByType(workerType), id).Err()
}

// MarkUnhealthy flags a worker without removing it; it rejoins the eligible
// pool on its next heartbeat.
func MarkUnhealthy(ctx context.Context, rdb redis.UniversalClient, id string) error {
	return rdb.HSet(ctx, keys.Worker(id), "healthy", 0).Err()
}

// IncrLoad reserves one load slot before dispatching a call to the worker.
func IncrLoad(ctx context.Context, rdb redis.UniversalClient, id string) error {
	return rdb.HIncrBy(ctx, keys.Worker(id), "load", 1).Err()
}

// DecrLoad releases the slot once the call resolves.
func DecrLoad(ctx context.Context, rdb redis.UniversalClient, id string) error {
	return rdb.HIncrBy(ctx, keys.Worker(id), "load", -1).Err()
}

// BreakerConfig parameterizes the per-worker circuit breaker scripts.
type BreakerConfig struct {
	Threshold   int64
	Window      time.Duration
	Cooldown    time.Duration
	MaxCooldown time.Duration
	TrialLease  time.Duration
}

// ReportFailure feeds one failed call into the worker's breaker and returns
// the resulting state.
func ReportFailure(ctx context.Context, rdb redis.UniversalClient, id string, cfg BreakerConfig) (string, error) {
	res, err := breakerFailureScript.Run(ctx, rdb, []string{keys.Worker(id)},
		time.Now().UnixMilli(), cfg.Threshold, cfg.Window.Milliseconds(),
		cfg.Cooldown.Milliseconds(), cfg.MaxCooldown.Milliseconds()).Text()
	if err != nil {
		return "", err
	}
	return res, nil
}

// ReportSuccess feeds one successful call into the worker's breaker.
func ReportSuccess(ctx context.Context, rdb redis.UniversalClient, id string) error {
	return breakerSuccessScript.Run(ctx, rdb, []string{keys.Worker(id)}).Err()
}

// ClaimTrial asks for permission to call a worker whose circuit is not
// closed. True means this caller holds the single half-open probe (or the
// circuit turned out closed after all).
func ClaimTrial(ctx context.Context, rdb redis.UniversalClient, id string, cfg BreakerConfig) (bool, error) {
	res, err := breakerTrialScript.Run(ctx, rdb, []string{keys.Worker(id)},
		time.Now().UnixMilli(), cfg.TrialLease.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func decodeWorker(m map[string]string) *WorkerRecord {
	w := &WorkerRecord{
		ID:           m["id"],
		Type:         m["type"],
		Capacity:     atoi(m["capacity"]),
		Load:         atoi(m["load"]),
		Healthy:      m["healthy"] == "1",
		RegisteredAt: atoi(m["registered_at"]),
		HeartbeatAt:  atoi(m["heartbeat_at"]),
		BreakerState: m["cb_state"],
		Failures:     atoi(m["cb_failures"]),
		OpenUntil:    atoi(m["cb_open_until"]),
		Reopens:      atoi(m["cb_reopens"]),
	}
	if w.Load < 0 {
		w.Load = 0
	}
	if w.BreakerState == "" {
		w.BreakerState = BreakerClosed
	}
	return w
}

func atoi(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
