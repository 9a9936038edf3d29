package balance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/FleetQ/fleetq-go/internal/store"
	"github.com/redis/go-redis/v9"
)

// Package balance picks a worker for a step call. Candidates must be healthy,
// recently heard from, below their declared capacity and not behind an open
// circuit; the configured strategy ranks whoever survives the filter.

// ErrNoWorker is returned when no registered worker of the requested type is
// currently eligible.
var ErrNoWorker = errors.New("balance: no available worker")

// Strategy names accepted by Config.
const (
	LeastLoaded = "least_loaded"
	RoundRobin  = "round_robin"
	Weighted    = "weighted"
)

type Config struct {
	// Strategy is one of the constants above; unknown values fall back to
	// least_loaded.
	Strategy string
	// LivenessWindow bounds how stale a worker's last heartbeat may be.
	LivenessWindow time.Duration
	// Breaker parameterizes the per-worker circuit breaker.
	Breaker store.BreakerConfig
}

type Balancer struct {
	rdb redis.UniversalClient
	cfg Config

	mu      sync.Mutex
	cursors map[string]int
}

func New(rdb redis.UniversalClient, cfg Config) *Balancer {
	return &Balancer{rdb: rdb, cfg: cfg, cursors: make(map[string]int)}
}

// Pick returns an eligible worker of the given type. Workers behind an open
// circuit whose cool-down has elapsed compete too, but are only returned if
// they win the single half-open probe.
func (b *Balancer) Pick(ctx context.Context, workerType string) (*store.WorkerRecord, error) {
	ws, err := store.ListWorkersByType(ctx, b.rdb, workerType)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	candidates := ws[:0]
	for _, w := range ws {
		if !b.eligible(w, now) {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return nil, ErrNoWorker
	}
	b.rank(workerType, candidates)
	for _, w := range candidates {
		if w.BreakerState == store.BreakerClosed {
			return w, nil
		}
		ok, err := store.ClaimTrial(ctx, b.rdb, w.ID, b.cfg.Breaker)
		if err != nil {
			return nil, err
		}
		if ok {
			return w, nil
		}
	}
	return nil, ErrNoWorker
}

// ReportSuccess feeds a successful call into the worker's breaker.
func (b *Balancer) ReportSuccess(ctx context.Context, workerID string) error {
	return store.ReportSuccess(ctx, b.rdb, workerID)
}

// ReportFailure feeds a failed call into the worker's breaker.
func (b *Balancer) ReportFailure(ctx context.Context, workerID string) error {
	_, err := store.ReportFailure(ctx, b.rdb, workerID, b.cfg.Breaker)
	return err
}

func (b *Balancer) eligible(w *store.WorkerRecord, now time.Time) bool {
	if !w.Healthy {
		return false
	}
	if b.cfg.LivenessWindow > 0 && now.UnixMilli()-w.HeartbeatAt > b.cfg.LivenessWindow.Milliseconds() {
		return false
	}
	if w.Capacity > 0 && w.Load >= w.Capacity {
		return false
	}
	switch w.BreakerState {
	case store.BreakerOpen:
		// cool-down still running: not even a probe
		return now.UnixMilli() >= w.OpenUntil
	}
	return true
}

// rank orders candidates in place according to the strategy.
func (b *Balancer) rank(workerType string, ws []*store.WorkerRecord) {
	switch b.cfg.Strategy {
	case RoundRobin:
		sort.SliceStable(ws, func(i, j int) bool {
			if ws[i].RegisteredAt != ws[j].RegisteredAt {
				return ws[i].RegisteredAt < ws[j].RegisteredAt
			}
			return ws[i].ID < ws[j].ID
		})
		b.mu.Lock()
		offset := b.cursors[workerType] % len(ws)
		b.cursors[workerType]++
		b.mu.Unlock()
		rotate(ws, offset)
	case Weighted:
		sort.SliceStable(ws, func(i, j int) bool {
			ri, rj := ratio(ws[i]), ratio(ws[j])
			if ri != rj {
				return ri < rj
			}
			return ws[i].HeartbeatAt > ws[j].HeartbeatAt
		})
	default: // least_loaded
		sort.SliceStable(ws, func(i, j int) bool {
			if ws[i].Load != ws[j].Load {
				return ws[i].Load < ws[j].Load
			}
			return ws[i].HeartbeatAt > ws[j].HeartbeatAt
		})
	}
}

// ratio is the load fraction used by the weighted strategy; a worker without
// a declared capacity is treated as if each unit of load filled a slot of one.
func ratio(w *store.WorkerRecord) float64 {
	if w.Capacity <= 0 {
		return float64(w.Load)
	}
	return float64(w.Load) / float64(w.Capacity)
}

func rotate(ws []*store.WorkerRecord, n int) {
	if n == 0 || len(ws) < 2 {
		return
	}
	out := make([]*store.WorkerRecord, 0, len(ws))
	out = append(out, ws[n:]...)
	out = append(out, ws[:n]...)
	copy(ws, out)
}
