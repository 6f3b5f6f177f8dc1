// Package pool runs the recognition pipeline over a bounded frame queue with
// a fixed set of workers. Frames are dropped, never queued unboundedly: when
// the frame queue is full, Submit rejects so the capture loop stays
// real-time.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Grd45bisa/neural-face-attendance/internal/recognizer"
)

// Job is one frame handed to the workers.
type Job struct {
	FrameID uint64
	Image   []byte
}

// Result pairs a completed recognition with the frame it belongs to.
// Completion order across workers is not FIFO; consumers discard stale
// frame ids if they need ordering.
type Result struct {
	FrameID uint64
	Outcome recognizer.Outcome
}

// Stats is a snapshot of pool counters and queue depths.
type Stats struct {
	Submitted  uint64
	Rejected   uint64
	Processed  uint64
	FrameQueue int
	ResultSize int
}

// Pool owns its worker goroutines: Stop signals them to exit after their
// current item and joins them, so no worker outlives the pool.
type Pool struct {
	rec    *recognizer.Recognizer
	logger *slog.Logger

	jobs    chan Job
	results chan Result
	quit    chan struct{}
	wg      sync.WaitGroup

	started sync.Once
	stopped sync.Once

	submitted atomic.Uint64
	rejected  atomic.Uint64
	processed atomic.Uint64
}

// New creates a pool with the given worker count and queue capacities.
func New(rec *recognizer.Recognizer, workers, frameCap, resultCap int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if frameCap < 1 {
		frameCap = 1
	}
	if resultCap < 1 {
		resultCap = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		rec:     rec,
		logger:  logger,
		jobs:    make(chan Job, frameCap),
		results: make(chan Result, resultCap),
		quit:    make(chan struct{}),
	}
	p.start(workers)
	return p
}

func (p *Pool) start(workers int) {
	p.started.Do(func() {
		for i := 0; i < workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
		p.logger.Info("worker pool started", "workers", workers,
			"frame_queue", cap(p.jobs), "result_queue", cap(p.results))
	})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.jobs:
			outcome, err := p.rec.Recognize(context.Background(), job.Image)
			if err != nil {
				p.logger.Warn("worker recognition failed",
					"worker", id, "frame", job.FrameID, "error", err)
				outcome = recognizer.Outcome{
					Status: recognizer.StatusError,
					Reason: err.Error(),
				}
			}
			p.processed.Add(1)
			// A full result queue may block briefly; consumption is expected
			// to outpace production. Stop still wins the race.
			select {
			case p.results <- Result{FrameID: job.FrameID, Outcome: outcome}:
			case <-p.quit:
				return
			}
		}
	}
}

// Submit offers a frame without blocking. It returns false when the frame
// queue is full: the frame is dropped, not queued.
func (p *Pool) Submit(frameID uint64, image []byte) bool {
	select {
	case p.jobs <- Job{FrameID: frameID, Image: image}:
		p.submitted.Add(1)
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// Poll waits up to timeout for one completed result.
func (p *Pool) Poll(timeout time.Duration) (Result, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.results:
		return r, true
	case <-timer.C:
		return Result{}, false
	}
}

// TryPoll returns an already-completed result without waiting.
func (p *Pool) TryPoll() (Result, bool) {
	select {
	case r := <-p.results:
		return r, true
	default:
		return Result{}, false
	}
}

// Stop signals all workers to exit after their current item and joins them.
// Queued-but-unstarted frames are discarded.
func (p *Pool) Stop() {
	p.stopped.Do(func() {
		close(p.quit)
		p.wg.Wait()
		p.logger.Info("worker pool stopped",
			"processed", p.processed.Load(), "rejected", p.rejected.Load())
	})
}

// Stats returns current counters and queue depths.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Rejected:   p.rejected.Load(),
		Processed:  p.processed.Load(),
		FrameQueue: len(p.jobs),
		ResultSize: len(p.results),
	}
}
