package matcher

import (
	"errors"
	"sort"
)

// ErrNoPairs is returned when calibration is attempted without both positive
// and negative labeled pairs.
var ErrNoPairs = errors.New("calibration requires positive and negative pairs")

// Pair is one labeled embedding pair for threshold calibration.
type Pair struct {
	A []float32
	B []float32
}

// Calibration is the result of an ROC sweep over labeled pairs.
type Calibration struct {
	Threshold float64
	Accuracy  float64
	TPR       float64
	FPR       float64
	AUC       float64
}

// Calibrate scores every labeled pair, builds the ROC curve over the combined
// scores, and picks the operating point maximizing TPR-FPR (Youden's J).
// Candidate thresholds are midpoints between adjacent distinct scores, so a
// clean score separation yields a threshold centered in the gap. The chosen
// threshold is applied to the matcher as a side effect.
func (m *Matcher) Calibrate(positive, negative []Pair) (Calibration, error) {
	if len(positive) == 0 || len(negative) == 0 {
		return Calibration{}, ErrNoPairs
	}

	type sample struct {
		score    float64
		positive bool
	}
	samples := make([]sample, 0, len(positive)+len(negative))
	for _, p := range positive {
		score, err := m.Similarity(p.A, p.B)
		if err != nil {
			return Calibration{}, err
		}
		samples = append(samples, sample{score, true})
	}
	for _, p := range negative {
		score, err := m.Similarity(p.A, p.B)
		if err != nil {
			return Calibration{}, err
		}
		samples = append(samples, sample{score, false})
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].score < samples[j].score })

	// Candidate thresholds: below everything, midpoints between distinct
	// adjacent scores, above everything.
	candidates := []float64{samples[0].score - 1e-6}
	for i := 1; i < len(samples); i++ {
		if samples[i].score > samples[i-1].score {
			candidates = append(candidates, (samples[i-1].score+samples[i].score)/2)
		}
	}
	candidates = append(candidates, samples[len(samples)-1].score+1e-6)

	nPos := float64(len(positive))
	nNeg := float64(len(negative))

	type point struct{ fpr, tpr float64 }
	curve := make([]point, 0, len(candidates))

	best := Calibration{Threshold: candidates[0]}
	bestJ := -2.0
	var bestCorrect float64

	for _, t := range candidates {
		var tp, fp float64
		for _, s := range samples {
			if s.score >= t {
				if s.positive {
					tp++
				} else {
					fp++
				}
			}
		}
		tpr := tp / nPos
		fpr := fp / nNeg
		curve = append(curve, point{fpr, tpr})

		if j := tpr - fpr; j > bestJ {
			bestJ = j
			tn := nNeg - fp
			bestCorrect = tp + tn
			best.Threshold = t
			best.TPR = tpr
			best.FPR = fpr
		}
	}

	best.Accuracy = bestCorrect / (nPos + nNeg)

	// Trapezoidal AUC over the curve sorted by FPR.
	sort.Slice(curve, func(i, j int) bool {
		if curve[i].fpr == curve[j].fpr {
			return curve[i].tpr < curve[j].tpr
		}
		return curve[i].fpr < curve[j].fpr
	})
	var auc float64
	for i := 1; i < len(curve); i++ {
		auc += (curve[i].fpr - curve[i-1].fpr) * (curve[i].tpr + curve[i-1].tpr) / 2
	}
	best.AUC = auc

	// Applying the chosen threshold is part of the calibration contract.
	if best.Threshold < 0 {
		best.Threshold = 0
	}
	if best.Threshold > 1 {
		best.Threshold = 1
	}
	if err := m.SetThreshold(best.Threshold); err != nil {
		return Calibration{}, err
	}
	return best, nil
}
