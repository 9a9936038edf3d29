package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	fleetq "github.com/FleetQ/fleetq-go"
	"github.com/bytedance/sonic"
)

// DetectWorker scans frame descriptions for objects and threshold events.
// Frames arrive as "video" or "json" inputs shaped like
//
//	{"frame_id": "cam1-17", "objects": [{"class": "person"}, ...]}
//
// or carry a precomputed {"person_count": N} summary. Parameters:
// max_persons (default 5) sets the crowd threshold, restricted_area flags
// any vehicle sighting as an event.
type DetectWorker struct{}

func NewDetectWorker() *DetectWorker { return &DetectWorker{} }

func (*DetectWorker) Type() string { return TypeDetection }

// Event is a threshold breach observed in one frame.
type Event struct {
	EventType   string `json:"event_type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	AtMs        int64  `json:"at_ms"`
}

// Detection summarizes one analyzed frame.
type Detection struct {
	FrameID     string  `json:"frame_id,omitempty"`
	ObjectCount int     `json:"object_count"`
	PersonCount int     `json:"person_count"`
	Events      []Event `json:"events"`
}

// DetectResult is the payload published under kind "detections".
type DetectResult struct {
	Detections     []Detection `json:"detections"`
	DetectionCount int         `json:"detection_count"`
	AtMs           int64       `json:"at_ms"`
}

type frame struct {
	FrameID     string           `json:"frame_id"`
	PersonCount *int             `json:"person_count"`
	Objects     []map[string]any `json:"objects"`
}

func (w *DetectWorker) Execute(ctx context.Context, req fleetq.CallRequest) (fleetq.Output, error) {
	maxPersons := paramInt(req.Params, "max_persons", 5)
	restricted := paramBool(req.Params, "restricted_area")
	now := time.Now().UnixMilli()

	res := DetectResult{Detections: []Detection{}, AtMs: now}
	for i, in := range req.Inputs {
		if in.Kind != "video" && in.Kind != "json" {
			continue
		}
		var f frame
		if err := sonic.Unmarshal(in.Data, &f); err != nil {
			return fleetq.Output{}, fmt.Errorf("input %d: decode frame: %w", i, err)
		}

		det := Detection{FrameID: f.FrameID, ObjectCount: len(f.Objects), Events: []Event{}}
		vehicles := 0
		for _, obj := range f.Objects {
			switch obj["class"] {
			case "person":
				det.PersonCount++
			case "vehicle", "car", "truck":
				vehicles++
			}
		}
		if f.PersonCount != nil {
			det.PersonCount = *f.PersonCount
		}

		if det.PersonCount > maxPersons {
			det.Events = append(det.Events, Event{
				EventType:   "crowd_detected",
				Severity:    "high",
				Description: fmt.Sprintf("person count (%d) exceeds threshold (%d)", det.PersonCount, maxPersons),
				AtMs:        now,
			})
		}
		if restricted && vehicles > 0 {
			det.Events = append(det.Events, Event{
				EventType:   "unauthorized_vehicle",
				Severity:    "high",
				Description: fmt.Sprintf("%d vehicle(s) detected in restricted area", vehicles),
				AtMs:        now,
			})
		}
		res.Detections = append(res.Detections, det)
	}
	res.DetectionCount = len(res.Detections)

	data, err := json.Marshal(res)
	if err != nil {
		return fleetq.Output{}, err
	}
	return fleetq.Output{Kind: "detections", Data: data}, nil
}
