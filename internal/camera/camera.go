// Package camera owns the capture device lifecycle and the frame-skip
// policy that decides which captured frames are worth recognizing.
package camera

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrDeviceUnavailable is returned when the capture device cannot be
	// acquired or configured.
	ErrDeviceUnavailable = errors.New("camera device unavailable")

	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("camera closed")
)

// Frame is one captured video frame. Data holds the encoded image bytes
// (MJPEG from the V4L2 device).
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
}

// Source produces frames until closed. Frames() is a one-shot sequence: it
// ends on Close or on a read failure and is not restartable without
// reopening the device.
type Source interface {
	Read() (Frame, error)
	Frames() <-chan Frame
	Close() error
}

// fpsWindow is how many frames pass between FPS recomputations.
const fpsWindow = 30

// FPSMeter measures achieved frames per second, updated every fpsWindow
// ticks to keep the measurement cheap and stable.
type FPSMeter struct {
	mu      sync.Mutex
	started time.Time
	count   uint64
	fps     float64
}

// NewFPSMeter starts a meter at the current time.
func NewFPSMeter() *FPSMeter {
	return &FPSMeter{started: time.Now()}
}

// Tick records one frame.
func (m *FPSMeter) Tick() {
	m.mu.Lock()
	m.count++
	if m.count%fpsWindow == 0 {
		if elapsed := time.Since(m.started).Seconds(); elapsed > 0 {
			m.fps = float64(m.count) / elapsed
		}
	}
	m.mu.Unlock()
}

// FPS returns the last measured rate, 0 before the first window completes.
func (m *FPSMeter) FPS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fps
}

// Count returns the number of ticks recorded.
func (m *FPSMeter) Count() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
