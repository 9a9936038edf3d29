package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	fleetq "github.com/FleetQ/fleetq-go"
	"github.com/bytedance/sonic"
)

// AlertWorker turns detection events into prioritized alerts. Identical
// alerts raised within the cooldown window are suppressed so a stream of
// frames does not page for every frame.
type AlertWorker struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	cooldown time.Duration
	now      func() time.Time
}

func NewAlertWorker() *AlertWorker {
	return &AlertWorker{
		lastSent: make(map[string]time.Time),
		cooldown: time.Minute,
		now:      time.Now,
	}
}

func (*AlertWorker) Type() string { return TypeAlerting }

// Alert is one actionable notification.
type Alert struct {
	AlertID        string `json:"alert_id"`
	Type           string `json:"type"`
	Severity       string `json:"severity"`
	Message        string `json:"message"`
	AtMs           int64  `json:"at_ms"`
	RequiresAction bool   `json:"requires_action"`
}

// AlertResult is the payload published under kind "alerts".
type AlertResult struct {
	Alerts     []Alert `json:"alerts"`
	AlertCount int     `json:"alert_count"`
	AtMs       int64   `json:"at_ms"`
}

var severityRank = map[string]int{"critical": 0, "high": 1, "medium": 2, "low": 3}

func (w *AlertWorker) Execute(ctx context.Context, req fleetq.CallRequest) (fleetq.Output, error) {
	now := w.now()
	res := AlertResult{Alerts: []Alert{}, AtMs: now.UnixMilli()}
	for i, in := range req.Inputs {
		if in.Kind != "detections" {
			continue
		}
		var det DetectResult
		if err := sonic.Unmarshal(in.Data, &det); err != nil {
			return fleetq.Output{}, fmt.Errorf("input %d: decode detections: %w", i, err)
		}
		for _, d := range det.Detections {
			for _, ev := range d.Events {
				a := Alert{
					AlertID:        alertID(ev.EventType, ev.Description),
					Type:           ev.EventType,
					Severity:       ev.Severity,
					Message:        ev.Description,
					AtMs:           now.UnixMilli(),
					RequiresAction: ev.Severity == "high" || ev.Severity == "critical",
				}
				if w.suppress(a.AlertID, now) {
					continue
				}
				res.Alerts = append(res.Alerts, a)
			}
		}
	}

	sort.SliceStable(res.Alerts, func(i, j int) bool {
		return rank(res.Alerts[i].Severity) < rank(res.Alerts[j].Severity)
	})
	res.AlertCount = len(res.Alerts)

	data, err := json.Marshal(res)
	if err != nil {
		return fleetq.Output{}, err
	}
	return fleetq.Output{Kind: "alerts", Data: data}, nil
}

// suppress records the send and reports whether an identical alert fired
// inside the cooldown window.
func (w *AlertWorker) suppress(id string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.lastSent[id]; ok && now.Sub(last) < w.cooldown {
		return true
	}
	w.lastSent[id] = now
	return false
}

func alertID(eventType, message string) string {
	h := fnv.New64a()
	h.Write([]byte(eventType))
	h.Write([]byte{'|'})
	h.Write([]byte(message))
	return fmt.Sprintf("%016x", h.Sum64())
}

func rank(severity string) int {
	if r, ok := severityRank[severity]; ok {
		return r
	}
	return len(severityRank)
}
