package stats

import (
	"fmt"
	"strings"
)

// Sensitivity selects how eagerly Detect flags a slow sample. Each level maps
// to a pair of z-score thresholds, one for small sample counts (n < 20) and a
// tighter one once enough history has accumulated.
type Sensitivity string

const (
	Conservative Sensitivity = "conservative"
	Normal       Sensitivity = "normal"
	Aggressive   Sensitivity = "aggressive"
)

// ParseSensitivity normalizes a user-supplied sensitivity label. Unknown or
// empty labels fall back to Normal.
func ParseSensitivity(s string) Sensitivity {
	switch Sensitivity(strings.ToLower(strings.TrimSpace(s))) {
	case Conservative:
		return Conservative
	case Aggressive:
		return Aggressive
	default:
		return Normal
	}
}

// Threshold returns the z-score above which a sample counts as a slow
// outlier, given the number of samples already recorded.
func Threshold(s Sensitivity, n int64) float64 {
	low := n < 20
	switch s {
	case Conservative:
		if low {
			return 7.0
		}
		return 5.0
	case Aggressive:
		if low {
			return 3.0
		}
		return 2.5
	default:
		if low {
			return 5.0
		}
		return 3.3
	}
}

// Warning severities. The engine only ever produces SeverityWarning;
// SeverityCritical exists for the report surface, which may escalate.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Warning describes a sample that ran slower than the recorded history
// predicts. It is informational only and never changes run state.
type Warning struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Detect classifies a duration sample against recorded statistics and
// returns a Warning when the sample is a slow outlier, or nil.
//
// Rules, applied in order:
//  1. Fewer than two recorded samples, or zero deviation: nil.
//  2. Samples at or below the average are never outliers.
//  3. z = (actual − avg) / stddev; the sample is an outlier when z exceeds
//     Threshold(sensitivity, n).
//
// All durations are milliseconds; the message renders them in seconds, e.g.
//
//	1.5s (12.8σ from 1.0s avg, n=5)
func Detect(actualMs, avgMs, stdDev float64, n int64, s Sensitivity) *Warning {
	if n < 2 || stdDev == 0 {
		return nil
	}
	diff := actualMs - avgMs
	if diff <= 0 {
		return nil
	}
	z := diff / stdDev
	if z <= Threshold(s, n) {
		return nil
	}
	return &Warning{
		Type:     "slow",
		Severity: SeverityWarning,
		Message: fmt.Sprintf("%.1fs (%.1fσ from %.1fs avg, n=%d)",
			actualMs/1000, z, avgMs/1000, n),
	}
}
