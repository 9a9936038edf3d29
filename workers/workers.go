// Package workers provides in-process demo workers for the example plans:
// report generation (ingest -> analyze -> synthesize) and real-time
// monitoring (detect -> alert). They implement the fleetq.Worker contract
// and are meant to run behind a fleetq.LocalCaller; production workers
// live behind whatever transport the deployment uses.
package workers

// Worker types routed by the example plans.
const (
	TypeIngest    = "data_ingest"
	TypeAnalysis  = "data_analysis"
	TypeSynthesis = "synthesis"
	TypeDetection = "video_detection"
	TypeAlerting  = "alerting"
)

// paramInt reads an integer parameter. Values arrive as float64 when the
// task metadata went through a JSON round trip, as int when the request was
// built in process.
func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func paramBool(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func paramString(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
