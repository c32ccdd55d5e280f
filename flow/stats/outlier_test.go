package stats

import (
	"math"
	"testing"
)

// TestDetect_Gates verifies the ordered guard rules: too little history,
// zero deviation, and samples at or below the average never flag.
func TestDetect_Gates(t *testing.T) {
	t.Run("fewer than two samples", func(t *testing.T) {
		if w := Detect(5000, 1000, 100, 0, Normal); w != nil {
			t.Errorf("n=0: expected nil, got %+v", w)
		}
		if w := Detect(5000, 1000, 100, 1, Normal); w != nil {
			t.Errorf("n=1: expected nil, got %+v", w)
		}
	})

	t.Run("zero stddev", func(t *testing.T) {
		if w := Detect(5000, 1000, 0, 5, Normal); w != nil {
			t.Errorf("expected nil, got %+v", w)
		}
	})

	t.Run("fast or on-average samples", func(t *testing.T) {
		if w := Detect(1000, 1000, 50, 5, Aggressive); w != nil {
			t.Errorf("diff=0: expected nil, got %+v", w)
		}
		if w := Detect(900, 1000, 50, 5, Aggressive); w != nil {
			t.Errorf("diff<0: expected nil, got %+v", w)
		}
	})
}

// TestDetect_Thresholds verifies the sensitivity/sample-count threshold
// table. avg=100, stddev=10, so z = (actual−100)/10.
func TestDetect_Thresholds(t *testing.T) {
	tests := []struct {
		name     string
		sens     Sensitivity
		n        int64
		actual   float64
		wantWarn bool
	}{
		{"conservative low-n at threshold", Conservative, 5, 170, false},
		{"conservative low-n above threshold", Conservative, 5, 171, true},
		{"conservative high-n above threshold", Conservative, 20, 151, true},
		{"conservative high-n at threshold", Conservative, 20, 150, false},
		{"normal low-n at threshold", Normal, 19, 150, false},
		{"normal low-n above threshold", Normal, 19, 151, true},
		{"normal high-n above threshold", Normal, 20, 134, true},
		{"normal high-n at threshold", Normal, 20, 133, false},
		{"aggressive low-n above threshold", Aggressive, 2, 131, true},
		{"aggressive low-n at threshold", Aggressive, 2, 130, false},
		{"aggressive high-n above threshold", Aggressive, 100, 126, true},
		{"aggressive high-n at threshold", Aggressive, 100, 125, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := Detect(tt.actual, 100, 10, tt.n, tt.sens)
			if tt.wantWarn && w == nil {
				t.Fatalf("expected warning, got nil")
			}
			if !tt.wantWarn && w != nil {
				t.Fatalf("expected nil, got %+v", w)
			}
			if w != nil && w.Severity != SeverityWarning {
				t.Errorf("expected severity %q, got %q", SeverityWarning, w.Severity)
			}
			if w != nil && w.Type != "slow" {
				t.Errorf("expected type \"slow\", got %q", w.Type)
			}
		})
	}
}

// TestDetect_Message verifies the warning message renders seconds, z-score,
// and sample count. History {1000,1050,950,1020,980}: avg=1000, M2=5800,
// stddev=√(5800/4)≈38.079; a 1500ms sample gives z≈13.1.
func TestDetect_Message(t *testing.T) {
	var acc Accumulator
	for _, x := range []float64{1000, 1050, 950, 1020, 980} {
		acc = acc.Add(x)
	}
	if math.Abs(acc.Mean-1000) > 1e-9 {
		t.Fatalf("expected avg 1000, got %v", acc.Mean)
	}

	w := Detect(1500, acc.Mean, acc.StdDev(), acc.Count, Normal)
	if w == nil {
		t.Fatal("expected warning, got nil")
	}
	want := "1.5s (13.1σ from 1.0s avg, n=5)"
	if w.Message != want {
		t.Errorf("expected message %q, got %q", want, w.Message)
	}
}

// TestParseSensitivity verifies lenient parsing with a Normal fallback.
func TestParseSensitivity(t *testing.T) {
	tests := []struct {
		in   string
		want Sensitivity
	}{
		{"conservative", Conservative},
		{"Conservative", Conservative},
		{" AGGRESSIVE ", Aggressive},
		{"normal", Normal},
		{"", Normal},
		{"bogus", Normal},
	}
	for _, tt := range tests {
		if got := ParseSensitivity(tt.in); got != tt.want {
			t.Errorf("ParseSensitivity(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}
