package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	fleetq "github.com/FleetQ/fleetq-go"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// SynthesizeWorker folds analysis results into a structured report.
type SynthesizeWorker struct{}

func NewSynthesizeWorker() *SynthesizeWorker { return &SynthesizeWorker{} }

func (*SynthesizeWorker) Type() string { return TypeSynthesis }

// Recommendation is one prioritized action item in a report.
type Recommendation struct {
	Priority       string `json:"priority"`
	Recommendation string `json:"recommendation"`
	Rationale      string `json:"rationale"`
}

// Report is the payload published under kind "json_report".
type Report struct {
	ReportID         string           `json:"report_id"`
	GeneratedAt      string           `json:"generated_at"`
	Title            string           `json:"title"`
	ExecutiveSummary string           `json:"executive_summary"`
	DetailedFindings AnalysisResult   `json:"detailed_findings"`
	Recommendations  []Recommendation `json:"recommendations"`
}

func (w *SynthesizeWorker) Execute(ctx context.Context, req fleetq.CallRequest) (fleetq.Output, error) {
	var analysis AnalysisResult
	found := false
	for i, in := range req.Inputs {
		if in.Kind != "analysis_result" {
			continue
		}
		if err := sonic.Unmarshal(in.Data, &analysis); err != nil {
			return fleetq.Output{}, fmt.Errorf("input %d: decode analysis_result: %w", i, err)
		}
		found = true
	}
	if !found {
		return fleetq.Output{}, fmt.Errorf("no analysis_result input to synthesize")
	}

	rep := Report{
		ReportID:         "report_" + uuid.NewString()[:8],
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Title:            paramString(req.Params, "report_title", "Data Analysis Report"),
		DetailedFindings: analysis,
	}
	rep.ExecutiveSummary = fmt.Sprintf(
		"Analyzed %d record(s); %d insight(s), %d anomaly(ies).",
		analysis.Statistics.Count, len(analysis.Insights), len(analysis.Anomalies),
	)
	if len(analysis.Anomalies) > 0 {
		rep.Recommendations = append(rep.Recommendations, Recommendation{
			Priority:       "high",
			Recommendation: "investigate flagged anomalies",
			Rationale:      fmt.Sprintf("%d value(s) deviate more than three standard deviations from the mean", len(analysis.Anomalies)),
		})
	}
	if len(analysis.Trends) > 0 {
		rep.Recommendations = append(rep.Recommendations, Recommendation{
			Priority:       "medium",
			Recommendation: "review observed trends",
			Rationale:      "sustained patterns may warrant capacity or process changes",
		})
	}
	rep.Recommendations = append(rep.Recommendations, Recommendation{
		Priority:       "low",
		Recommendation: "continue monitoring",
		Rationale:      "keep the data pipeline under regular review",
	})

	data, err := json.Marshal(rep)
	if err != nil {
		return fleetq.Output{}, err
	}
	return fleetq.Output{Kind: "json_report", Data: data}, nil
}
