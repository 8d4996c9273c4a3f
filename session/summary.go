package session

import (
	"github.com/montanaflynn/stats"
)

// Summary aggregates runs for status displays.
type Summary struct {
	Total           int            `json:"total"`
	ByStatus        map[Status]int `json:"by_status"`
	BestSessionID   string         `json:"best_session_id,omitempty"`
	BestMAP50       float64        `json:"best_map50"`
	MeanMAP50       float64        `json:"mean_map50"`
	MeanMAP50to95   float64        `json:"mean_map50_95"`
	MedianPrecision float64        `json:"median_precision"`
}

// Summarize counts records per status and aggregates validation metrics of completed runs.
// Runs without validation results fall back to their training metrics.
func Summarize(records []Record) Summary {
	sum := Summary{Total: len(records), ByStatus: make(map[Status]int, len(Statuses))}
	for _, s := range Statuses {
		sum.ByStatus[s] = 0
	}

	var map50, map50to95, precision stats.Float64Data
	for _, rec := range records {
		sum.ByStatus[rec.Status]++
		if rec.Status != StatusCompleted {
			continue
		}
		m := rec.ValidationResults
		if m == nil {
			m = rec.Metrics
		}
		if m == nil {
			continue
		}
		if sum.BestSessionID == "" || m.MAP50 > sum.BestMAP50 {
			sum.BestSessionID, sum.BestMAP50 = rec.ID, m.MAP50
		}
		map50 = append(map50, m.MAP50)
		map50to95 = append(map50to95, m.MAP50to95)
		precision = append(precision, m.Precision)
	}
	if len(map50) == 0 {
		return sum
	}
	// the inputs are non-empty so these cannot fail
	sum.MeanMAP50, _ = stats.Mean(map50)
	sum.MeanMAP50to95, _ = stats.Mean(map50to95)
	sum.MedianPrecision, _ = stats.Median(precision)
	return sum
}
