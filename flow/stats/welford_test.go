package stats

import (
	"math"
	"testing"
)

// batchMoments computes mean and sum of squared deviations in two passes,
// the reference the one-pass accumulator is checked against.
func batchMoments(xs []float64) (mean, m2 float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		m2 += d * d
	}
	return mean, m2
}

// TestAccumulator_MatchesBatch verifies the running (mean, M2) equal the
// two-pass batch values for several sample sequences.
func TestAccumulator_MatchesBatch(t *testing.T) {
	sequences := [][]float64{
		{1000, 1050, 950, 1020, 980},
		{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		{42},
		{0.5, 1e6, 3.25, 99999.125, 7, 7, 7},
		{1e9 + 1, 1e9 + 2, 1e9 + 3, 1e9 + 4},
	}

	for _, xs := range sequences {
		var acc Accumulator
		for _, x := range xs {
			acc = acc.Add(x)
		}

		if acc.Count != int64(len(xs)) {
			t.Fatalf("expected count %d, got %d", len(xs), acc.Count)
		}

		wantMean, wantM2 := batchMoments(xs)
		if relErr(acc.Mean, wantMean) > 1e-9 {
			t.Errorf("mean: expected %v, got %v", wantMean, acc.Mean)
		}
		if relErr(acc.M2, wantM2) > 1e-9 {
			t.Errorf("M2: expected %v, got %v", wantM2, acc.M2)
		}
	}
}

func relErr(got, want float64) float64 {
	if want == 0 {
		return math.Abs(got)
	}
	return math.Abs(got-want) / math.Abs(want)
}

// TestAccumulator_Variance verifies the n<2 guard and the sample (n−1)
// denominator.
func TestAccumulator_Variance(t *testing.T) {
	var acc Accumulator
	if v := acc.Variance(); v != 0 {
		t.Errorf("empty accumulator: expected variance 0, got %v", v)
	}

	acc = acc.Add(1000)
	if v := acc.Variance(); v != 0 {
		t.Errorf("single sample: expected variance 0, got %v", v)
	}
	if sd := acc.StdDev(); sd != 0 {
		t.Errorf("single sample: expected stddev 0, got %v", sd)
	}

	acc = acc.Add(2000)
	// deviations ±500 around mean 1500, M2 = 500000, variance = 500000/1.
	if v := acc.Variance(); math.Abs(v-500000) > 1e-6 {
		t.Errorf("expected variance 500000, got %v", v)
	}
}

// TestStats_RoundTripAccumulator verifies TaskStats and FlowStats rebuild
// the accumulator they were persisted from.
func TestStats_RoundTripAccumulator(t *testing.T) {
	var acc Accumulator
	for _, x := range []float64{1000, 1050, 950, 1020, 980} {
		acc = acc.Add(x)
	}

	ts := TaskStats{FlowName: "F", TaskName: "A", AvgMs: acc.Mean, SampleCount: acc.Count, M2: acc.M2}
	if got := ts.Acc(); got != acc {
		t.Errorf("TaskStats.Acc: expected %+v, got %+v", acc, got)
	}
	if got, want := ts.StdDev(), acc.StdDev(); got != want {
		t.Errorf("TaskStats.StdDev: expected %v, got %v", want, got)
	}

	fs := FlowStats{FlowName: "F", AvgMs: acc.Mean, SampleCount: acc.Count, M2: acc.M2}
	if got, want := fs.StdDev(), acc.StdDev(); got != want {
		t.Errorf("FlowStats.StdDev: expected %v, got %v", want, got)
	}
}
