// Package stats provides online duration statistics for flows and tasks:
// a numerically stable mean/variance accumulator (Welford's algorithm) and
// slow-outlier classification with configurable sensitivity.
//
// The accumulator is a plain value; callers own persistence. The store keeps
// (avg, count, m2) per key and folds new samples through Accumulator.Add.
package stats

import (
	"math"
	"time"
)

// Accumulator is a one-pass mean/variance accumulator (Welford's algorithm).
// The zero value is an empty accumulator. Add returns the updated value, so
// an Accumulator can be kept in a struct field or rebuilt from persisted
// (count, mean, m2) triples.
type Accumulator struct {
	Count int64
	Mean  float64
	M2    float64
}

// Add folds one sample into the accumulator and returns the updated value.
//
// The update is the textbook Welford step:
//
//	n' = n + 1
//	δ  = x − μ
//	μ' = μ + δ/n'
//	δ' = x − μ'
//	M2' = M2 + δ·δ'
func (a Accumulator) Add(x float64) Accumulator {
	a.Count++
	delta := x - a.Mean
	a.Mean += delta / float64(a.Count)
	delta2 := x - a.Mean
	a.M2 += delta * delta2
	return a
}

// Variance returns the sample variance M2/(n−1), or 0 when fewer than two
// samples have been folded in.
func (a Accumulator) Variance() float64 {
	if a.Count < 2 {
		return 0
	}
	return a.M2 / float64(a.Count-1)
}

// StdDev returns the sample standard deviation.
func (a Accumulator) StdDev() float64 {
	return math.Sqrt(a.Variance())
}

// TaskStats is the persisted duration statistic for one (flow, task) pair.
// Durations are milliseconds.
type TaskStats struct {
	FlowName    string    `json:"flowName"`
	TaskName    string    `json:"taskName"`
	AvgMs       float64   `json:"avgMs"`
	SampleCount int64     `json:"sampleCount"`
	M2          float64   `json:"m2"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// StdDev returns the sample standard deviation of the recorded durations.
func (s TaskStats) StdDev() float64 {
	return Accumulator{Count: s.SampleCount, Mean: s.AvgMs, M2: s.M2}.StdDev()
}

// Acc rebuilds the accumulator backing this statistic.
func (s TaskStats) Acc() Accumulator {
	return Accumulator{Count: s.SampleCount, Mean: s.AvgMs, M2: s.M2}
}

// FlowStats is the persisted whole-flow duration statistic, keyed by flow
// name. Durations are milliseconds.
type FlowStats struct {
	FlowName    string    `json:"flowName"`
	AvgMs       float64   `json:"avgMs"`
	SampleCount int64     `json:"sampleCount"`
	M2          float64   `json:"m2"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// StdDev returns the sample standard deviation of the recorded durations.
func (s FlowStats) StdDev() float64 {
	return Accumulator{Count: s.SampleCount, Mean: s.AvgMs, M2: s.M2}.StdDev()
}

// Acc rebuilds the accumulator backing this statistic.
func (s FlowStats) Acc() Accumulator {
	return Accumulator{Count: s.SampleCount, Mean: s.AvgMs, M2: s.M2}
}
