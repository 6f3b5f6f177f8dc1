// Package matcher scores face embeddings against a candidate set and decides
// match/no-match against a configurable threshold.
package matcher

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	// ErrDimensionMismatch is returned when two embeddings differ in length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrThresholdRange is returned for thresholds outside [0, 1].
	ErrThresholdRange = errors.New("threshold out of range [0, 1]")

	// ErrUnknownMetric is returned for unrecognized metric names.
	ErrUnknownMetric = errors.New("unknown similarity metric")
)

// Metric selects how two embeddings are compared.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricManhattan Metric = "manhattan"
)

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, MetricEuclidean, MetricManhattan:
		return Metric(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMetric, s)
}

// earlyExitScore is the similarity at which a best-match scan stops early.
// With an adversarial candidate ordering this can return a 0.95+ match
// instead of a marginally higher one; both exceed any realistic accept
// threshold, so the shortcut is kept but can be disabled per matcher.
const earlyExitScore = 0.95

// Matcher is safe for concurrent use; the threshold can be adjusted while
// recognition is running.
type Matcher struct {
	mu        sync.RWMutex
	metric    Metric
	threshold float64
	earlyExit bool
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithoutEarlyExit disables the >0.95 scan shortcut.
func WithoutEarlyExit() Option {
	return func(m *Matcher) { m.earlyExit = false }
}

// New creates a matcher for the given metric and accept threshold.
func New(metric Metric, threshold float64, opts ...Option) (*Matcher, error) {
	if _, err := ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: %v", ErrThresholdRange, threshold)
	}
	m := &Matcher{metric: metric, threshold: threshold, earlyExit: true}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Metric returns the configured metric.
func (m *Matcher) Metric() Metric { return m.metric }

// Threshold returns the current accept threshold.
func (m *Matcher) Threshold() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threshold
}

// SetThreshold replaces the accept threshold.
func (m *Matcher) SetThreshold(t float64) error {
	if t < 0 || t > 1 {
		return fmt.Errorf("%w: %v", ErrThresholdRange, t)
	}
	m.mu.Lock()
	m.threshold = t
	m.mu.Unlock()
	return nil
}

// AdjustThreshold shifts the threshold by delta, clamped to [0, 1], and
// returns the new value.
func (m *Matcher) AdjustThreshold(delta float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = math.Min(1, math.Max(0, m.threshold+delta))
	return m.threshold
}

// Similarity maps the configured metric to a [0, 1] score where 1 means
// identical. Cosine is clipped to [-1, 1] and negative values are folded into
// [0, 0.5); distance metrics use 1/(1+d).
func (m *Matcher) Similarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("%w: empty embeddings", ErrDimensionMismatch)
	}

	switch m.metric {
	case MetricCosine:
		raw := cosine(a, b)
		if raw < 0 {
			return (raw + 1) / 2, nil
		}
		return raw, nil
	case MetricEuclidean:
		return 1 / (1 + euclidean(a, b)), nil
	case MetricManhattan:
		return 1 / (1 + manhattan(a, b)), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, m.metric)
}

// Match is the outcome of a best-match scan. ID is empty unless the best
// score reached the threshold; Scores always reports every candidate scanned.
type Match struct {
	ID         string
	Similarity float64
	IsMatch    bool
	Scores     map[string]float64
}

// FindBestMatch linearly scans candidates for the highest similarity to
// query. The scan stops early once any candidate exceeds earlyExitScore
// unless the shortcut is disabled. Candidates that fail to score (dimension
// mismatch) are recorded with score 0 and do not abort the scan.
func (m *Matcher) FindBestMatch(query []float32, candidates map[string][]float32) Match {
	if len(candidates) == 0 {
		return Match{Scores: map[string]float64{}}
	}

	m.mu.RLock()
	threshold := m.threshold
	earlyExit := m.earlyExit
	m.mu.RUnlock()

	scores := make(map[string]float64, len(candidates))
	best := Match{Similarity: -1, Scores: scores}

	for id, candidate := range candidates {
		score, err := m.Similarity(query, candidate)
		if err != nil {
			scores[id] = 0
			continue
		}
		scores[id] = score
		if score > best.Similarity {
			best.Similarity = score
			best.ID = id
		}
		if earlyExit && score > earlyExitScore {
			break
		}
	}

	best.IsMatch = best.Similarity >= threshold
	if !best.IsMatch {
		best.ID = ""
	}
	return best
}

// BatchMatch runs FindBestMatch for every query.
func (m *Matcher) BatchMatch(queries [][]float32, candidates map[string][]float32) []Match {
	out := make([]Match, len(queries))
	for i, q := range queries {
		out[i] = m.FindBestMatch(q, candidates)
	}
	return out
}

// ScoreStats summarizes a score map for analysis and display.
type ScoreStats struct {
	Mean   float64
	Std    float64
	Min    float64
	Max    float64
	Median float64
	Count  int
}

// Statistics computes summary statistics over a score map from FindBestMatch.
func Statistics(scores map[string]float64) ScoreStats {
	if len(scores) == 0 {
		return ScoreStats{}
	}

	values := make([]float64, 0, len(scores))
	for _, v := range scores {
		values = append(values, v)
	}
	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	n := len(values)
	median := values[n/2]
	if n%2 == 0 {
		median = (values[n/2-1] + values[n/2]) / 2
	}

	return ScoreStats{
		Mean:   mean,
		Std:    math.Sqrt(variance),
		Min:    values[0],
		Max:    values[n-1],
		Median: median,
		Count:  n,
	}
}

func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	s := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to absorb floating point error.
	if s > 1 {
		s = 1
	}
	if s < -1 {
		s = -1
	}
	return s
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func manhattan(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(float64(a[i]) - float64(b[i]))
	}
	return sum
}
