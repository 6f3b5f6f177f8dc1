package camera

import (
	"log/slog"
	"sync"
)

// maxSkip caps how far the adaptive policy will back off.
const maxSkip = 5

// Optimizer decides, per frame index, whether recognition should run on that
// frame. In adaptive mode the skip interval follows measured FPS with a
// hysteresis band (below 0.8x target: skip more, above 0.95x: skip less) so
// the interval does not oscillate around the target.
type Optimizer struct {
	mu        sync.Mutex
	skip      int
	adaptive  bool
	targetFPS float64
	logger    *slog.Logger
}

// NewOptimizer creates a skip policy. skip < 1 is treated as 1 (process
// every frame). targetFPS only matters in adaptive mode.
func NewOptimizer(skip int, adaptive bool, targetFPS float64, logger *slog.Logger) *Optimizer {
	if skip < 1 {
		skip = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		skip:      skip,
		adaptive:  adaptive,
		targetFPS: targetFPS,
		logger:    logger,
	}
}

// ShouldProcess reports whether the frame at index should be recognized.
func (o *Optimizer) ShouldProcess(frameIndex uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return frameIndex%uint64(o.skip) == 0
}

// Observe feeds one measured FPS sample into the adaptive policy and returns
// the (possibly adjusted) skip interval. A zero sample is ignored: the FPS
// meter has not completed its first window yet.
func (o *Optimizer) Observe(currentFPS float64) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.adaptive || currentFPS <= 0 || o.targetFPS <= 0 {
		return o.skip
	}

	switch {
	case currentFPS < o.targetFPS*0.8 && o.skip < maxSkip:
		o.skip++
		o.logger.Debug("fps low, increasing frame skip", "fps", currentFPS, "skip", o.skip)
	case currentFPS > o.targetFPS*0.95 && o.skip > 1:
		o.skip--
		o.logger.Debug("fps good, decreasing frame skip", "fps", currentFPS, "skip", o.skip)
	}
	return o.skip
}

// Skip returns the current skip interval.
func (o *Optimizer) Skip() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.skip
}

// MotionScore measures the mean absolute difference between two equal-length
// luma planes, scaled to [0, 1]. Mismatched or empty inputs score 1 (assume
// motion) so callers never skip on bad data.
func MotionScore(prev, cur []byte) float64 {
	if len(prev) == 0 || len(prev) != len(cur) {
		return 1
	}
	var sum uint64
	for i := range cur {
		d := int(cur[i]) - int(prev[i])
		if d < 0 {
			d = -d
		}
		sum += uint64(d)
	}
	return float64(sum) / float64(len(cur)) / 255
}
