package workers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	fleetq "github.com/FleetQ/fleetq-go"
	"github.com/bytedance/sonic"
)

// IngestWorker normalizes heterogeneous task inputs (text, image, json)
// into uniform records for downstream analysis.
type IngestWorker struct{}

func NewIngestWorker() *IngestWorker { return &IngestWorker{} }

func (*IngestWorker) Type() string { return TypeIngest }

// IngestedRecord is one normalized input.
type IngestedRecord struct {
	Kind      string            `json:"kind"`
	Content   string            `json:"content,omitempty"`
	Length    int               `json:"length,omitempty"`
	WordCount int               `json:"word_count,omitempty"`
	SizeBytes int               `json:"size_bytes,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Keys      []string       `json:"keys,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// IngestResult is the payload published under kind "ingested_data".
type IngestResult struct {
	Records []IngestedRecord `json:"records"`
	Count   int              `json:"count"`
	Kinds   []string         `json:"kinds"`
}

func (w *IngestWorker) Execute(ctx context.Context, req fleetq.CallRequest) (fleetq.Output, error) {
	res := IngestResult{Records: make([]IngestedRecord, 0, len(req.Inputs))}
	seen := make(map[string]bool)
	for i, in := range req.Inputs {
		rec := IngestedRecord{Kind: in.Kind, Meta: in.Meta}
		switch in.Kind {
		case "text":
			var s string
			if err := sonic.Unmarshal(in.Data, &s); err != nil {
				// Raw, unquoted text is accepted as-is.
				s = string(in.Data)
			}
			rec.Content = s
			rec.Length = len(s)
			rec.WordCount = len(strings.Fields(s))
		case "image":
			var s string
			if err := sonic.Unmarshal(in.Data, &s); err != nil {
				return fleetq.Output{}, fmt.Errorf("input %d: image payload must be a base64 string: %w", i, err)
			}
			if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
				rec.SizeBytes = len(raw)
			} else {
				rec.SizeBytes = len(s)
			}
		case "json":
			var m map[string]any
			if err := sonic.Unmarshal(in.Data, &m); err != nil {
				return fleetq.Output{}, fmt.Errorf("input %d: invalid json payload: %w", i, err)
			}
			rec.Data = m
			rec.Keys = sortedKeys(m)
		default:
			// Unknown kinds pass through untouched when they decode as objects.
			var m map[string]any
			if sonic.Unmarshal(in.Data, &m) == nil {
				rec.Data = m
			}
		}
		if !seen[in.Kind] {
			seen[in.Kind] = true
			res.Kinds = append(res.Kinds, in.Kind)
		}
		res.Records = append(res.Records, rec)
	}
	res.Count = len(res.Records)

	data, err := json.Marshal(res)
	if err != nil {
		return fleetq.Output{}, err
	}
	return fleetq.Output{Kind: "ingested_data", Data: data}, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
