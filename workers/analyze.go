package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	fleetq "github.com/FleetQ/fleetq-go"
	"github.com/bytedance/sonic"
)

// AnalyzeWorker computes summary statistics, insights and outliers over
// ingested records. It consumes "ingested_data" payloads and raw "json"
// inputs alike.
type AnalyzeWorker struct{}

func NewAnalyzeWorker() *AnalyzeWorker { return &AnalyzeWorker{} }

func (*AnalyzeWorker) Type() string { return TypeAnalysis }

// SummaryStats describes the numeric values found across all records.
type SummaryStats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Std   float64 `json:"std"`
}

// Anomaly is a numeric value more than three standard deviations from the mean.
type Anomaly struct {
	Field  string  `json:"field"`
	Value  float64 `json:"value"`
	ZScore float64 `json:"z_score"`
}

// AnalysisResult is the payload published under kind "analysis_result".
type AnalysisResult struct {
	Statistics SummaryStats `json:"summary_statistics"`
	Insights   []string     `json:"insights"`
	Anomalies  []Anomaly    `json:"anomalies"`
	Trends     []string     `json:"trends"`
}

func (w *AnalyzeWorker) Execute(ctx context.Context, req fleetq.CallRequest) (fleetq.Output, error) {
	records, err := collectRecords(req.Inputs)
	if err != nil {
		return fleetq.Output{}, err
	}

	type sample struct {
		field string
		value float64
	}
	var samples []sample
	kindCounts := make(map[string]int)
	for _, rec := range records {
		if k, ok := rec["kind"].(string); ok {
			kindCounts[k]++
		}
		for field, v := range rec {
			if f, ok := v.(float64); ok {
				samples = append(samples, sample{field: field, value: f})
			}
		}
	}

	res := AnalysisResult{Insights: []string{}, Anomalies: []Anomaly{}, Trends: []string{}}
	res.Statistics.Count = len(records)
	if len(samples) > 0 {
		var sum float64
		res.Statistics.Min = samples[0].value
		res.Statistics.Max = samples[0].value
		for _, s := range samples {
			sum += s.value
			res.Statistics.Min = math.Min(res.Statistics.Min, s.value)
			res.Statistics.Max = math.Max(res.Statistics.Max, s.value)
		}
		mean := sum / float64(len(samples))
		var sq float64
		for _, s := range samples {
			d := s.value - mean
			sq += d * d
		}
		std := math.Sqrt(sq / float64(len(samples)))
		res.Statistics.Mean = mean
		res.Statistics.Std = std

		if std > 0 {
			for _, s := range samples {
				z := math.Abs(s.value-mean) / std
				if z > 3 {
					res.Anomalies = append(res.Anomalies, Anomaly{Field: s.field, Value: s.value, ZScore: z})
				}
			}
		}
	}

	for _, kind := range sortedCountKeys(kindCounts) {
		res.Insights = append(res.Insights, fmt.Sprintf("%d %s record(s) processed", kindCounts[kind], kind))
	}
	if len(res.Anomalies) == 0 {
		res.Insights = append(res.Insights, "no anomalies detected; data quality appears normal")
	}
	if len(records) > 50 {
		res.Trends = append(res.Trends, fmt.Sprintf("high record volume: %d records in a single batch", len(records)))
	}

	data, err := json.Marshal(res)
	if err != nil {
		return fleetq.Output{}, err
	}
	return fleetq.Output{Kind: "analysis_result", Data: data}, nil
}

// collectRecords flattens the analyzable inputs into generic records.
func collectRecords(inputs []fleetq.Input) ([]map[string]any, error) {
	var records []map[string]any
	for i, in := range inputs {
		switch in.Kind {
		case "ingested_data":
			var res IngestResult
			if err := sonic.Unmarshal(in.Data, &res); err != nil {
				return nil, fmt.Errorf("input %d: decode ingested_data: %w", i, err)
			}
			for _, rec := range res.Records {
				m := map[string]any{"kind": rec.Kind}
				if rec.Length > 0 {
					m["length"] = float64(rec.Length)
				}
				if rec.WordCount > 0 {
					m["word_count"] = float64(rec.WordCount)
				}
				if rec.SizeBytes > 0 {
					m["size_bytes"] = float64(rec.SizeBytes)
				}
				for k, v := range rec.Data {
					m[k] = v
				}
				records = append(records, m)
			}
		case "json":
			var m map[string]any
			if err := sonic.Unmarshal(in.Data, &m); err != nil {
				return nil, fmt.Errorf("input %d: decode json: %w", i, err)
			}
			records = append(records, m)
		}
	}
	return records, nil
}

func sortedCountKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
