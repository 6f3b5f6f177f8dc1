package matcher

import (
	"errors"
	"math"
	"testing"
)

// pairsWithCosine builds a pair whose cosine similarity is exactly s, using
// 2D unit vectors.
func pairWithCosine(s float64) Pair {
	angle := math.Acos(s)
	return Pair{
		A: []float32{1, 0},
		B: []float32{float32(math.Cos(angle)), float32(math.Sin(angle))},
	}
}

func TestCalibrateSeparatedScores(t *testing.T) {
	m := mustMatcher(t, MetricCosine, 0.5)

	// Positives score about 0.9 and up, negatives about 0.3 and down: the
	// chosen threshold must land strictly inside the gap and separate the
	// classes perfectly.
	positive := []Pair{pairWithCosine(0.95), pairWithCosine(0.92), pairWithCosine(0.9)}
	negative := []Pair{pairWithCosine(0.3), pairWithCosine(0.2), pairWithCosine(0.1)}

	cal, err := m.Calibrate(positive, negative)
	if err != nil {
		t.Fatalf("Calibrate() error = %v", err)
	}

	if cal.Threshold <= 0.3 || cal.Threshold >= 0.9 {
		t.Errorf("Threshold = %v, want inside (0.3, 0.9)", cal.Threshold)
	}
	if cal.Accuracy != 1 {
		t.Errorf("Accuracy = %v, want 1", cal.Accuracy)
	}
	if cal.TPR != 1 || cal.FPR != 0 {
		t.Errorf("TPR/FPR = %v/%v, want 1/0", cal.TPR, cal.FPR)
	}
	if math.Abs(cal.AUC-1) > 1e-9 {
		t.Errorf("AUC = %v, want 1 for perfectly separated classes", cal.AUC)
	}
	// Calibrate applies the threshold to the matcher.
	if m.Threshold() != cal.Threshold {
		t.Errorf("matcher threshold = %v, want %v", m.Threshold(), cal.Threshold)
	}
}

func TestCalibrateOverlappingScores(t *testing.T) {
	m := mustMatcher(t, MetricCosine, 0.5)

	positive := []Pair{pairWithCosine(0.9), pairWithCosine(0.7), pairWithCosine(0.5)}
	negative := []Pair{pairWithCosine(0.6), pairWithCosine(0.4), pairWithCosine(0.2)}

	cal, err := m.Calibrate(positive, negative)
	if err != nil {
		t.Fatalf("Calibrate() error = %v", err)
	}
	// One score from each class sits on the wrong side of any threshold, so
	// perfect separation is impossible.
	if cal.Accuracy >= 1 {
		t.Errorf("Accuracy = %v, want below 1 for overlapping classes", cal.Accuracy)
	}
	if cal.Accuracy < 0.5 {
		t.Errorf("Accuracy = %v, want at least chance level", cal.Accuracy)
	}
	if cal.Threshold < 0 || cal.Threshold > 1 {
		t.Errorf("Threshold = %v, want within [0, 1]", cal.Threshold)
	}
}

func TestCalibrateRequiresBothClasses(t *testing.T) {
	m := mustMatcher(t, MetricCosine, 0.5)

	if _, err := m.Calibrate(nil, []Pair{pairWithCosine(0.2)}); !errors.Is(err, ErrNoPairs) {
		t.Errorf("Calibrate(no positives) error = %v, want ErrNoPairs", err)
	}
	if _, err := m.Calibrate([]Pair{pairWithCosine(0.9)}, nil); !errors.Is(err, ErrNoPairs) {
		t.Errorf("Calibrate(no negatives) error = %v, want ErrNoPairs", err)
	}
}

func TestCalibratePropagatesScoringErrors(t *testing.T) {
	m := mustMatcher(t, MetricCosine, 0.5)

	bad := []Pair{{A: []float32{1, 0}, B: []float32{1, 0, 0}}}
	good := []Pair{pairWithCosine(0.2)}
	if _, err := m.Calibrate(bad, good); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Calibrate(bad pair) error = %v, want ErrDimensionMismatch", err)
	}
}
