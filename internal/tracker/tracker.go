// Package tracker drives the live capture and recognition loop. One
// goroutine owns the camera and coordinates frame skipping, the worker pool,
// temporal result smoothing and operator commands. Rendering is decoupled
// through a callback so the loop is testable without a display.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Grd45bisa/neural-face-attendance/internal/camera"
	"github.com/Grd45bisa/neural-face-attendance/internal/enroll"
	"github.com/Grd45bisa/neural-face-attendance/internal/matcher"
	"github.com/Grd45bisa/neural-face-attendance/internal/pool"
	"github.com/Grd45bisa/neural-face-attendance/internal/recognizer"
)

// CommandKind identifies an operator command.
type CommandKind int

const (
	CmdQuit CommandKind = iota
	CmdPause
	CmdResume
	CmdForceRecognize
	CmdThresholdUp
	CmdThresholdDown
	CmdSnapshot
	CmdEnroll
)

// thresholdStep is the per-command threshold nudge, clamped to [0,1].
const thresholdStep = 0.05

// Command is one operator input. EnrollID and EnrollName are only read for
// CmdEnroll.
type Command struct {
	Kind       CommandKind
	EnrollID   string
	EnrollName string
}

// View is what the loop hands to the render callback each iteration.
// Results may be reused from an earlier frame while skipping.
type View struct {
	Frame   camera.Frame
	Results []recognizer.Result
	Paused  bool
	FPS     float64
}

// Event records a notable session occurrence (enrollment, snapshot,
// threshold change) for the summary.
type Event struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// Summary is the snapshot returned when the loop stops.
type Summary struct {
	SessionID         string        `json:"session_id"`
	Uptime            time.Duration `json:"uptime"`
	TotalFrames       uint64        `json:"total_frames"`
	ProcessedFrames   uint64        `json:"processed_frames"`
	TotalRecognitions uint64        `json:"total_recognitions"`
	UniqueIdentities  int           `json:"unique_identities"`
	AvgFPS            float64       `json:"avg_fps"`
	Events            []Event       `json:"events"`
}

// Sighting is one recent observation of an identity.
type Sighting struct {
	IdentityID string
	LastSeen   time.Time
	Count      int
}

// Config tunes the loop. Zero values fall back to defaults.
type Config struct {
	// RecognitionInterval is the minimum wall clock time between inference
	// runs, independent of frame skipping. Default 1s.
	RecognitionInterval time.Duration
	// HistoryLimit caps per-identity sighting timestamps. Default 100.
	HistoryLimit int
	// SnapshotDir receives saved overlay snapshots. Default ".".
	SnapshotDir string
	// Render is called once per loop iteration; may be nil.
	Render func(View)
}

const (
	defaultRecognitionInterval = time.Second
	defaultHistoryLimit        = 100
)

// Tracker runs the live loop. All mutable session state is owned by the
// Run goroutine; other goroutines interact through Commands().
type Tracker struct {
	src      camera.Source
	opt      *camera.Optimizer
	rec      *recognizer.Recognizer
	workers  *pool.Pool
	match    *matcher.Matcher
	enroller *enroll.Enroller
	logger   *slog.Logger
	cfg      Config

	cmds  chan Command
	meter *camera.FPSMeter

	sessionID   string
	startedAt   time.Time
	frames      uint64
	processed   uint64
	recognized  uint64
	unique      map[string]struct{}
	sightings   map[string][]time.Time
	lastResults []recognizer.Result
	events      []Event

	lastInference  time.Time
	forceNext      bool
	paused         bool
	lastFrame      camera.Frame
	inFlight       bool
	inFlightFrame  uint64
	appliedFrameID uint64
}

// New wires a tracker. workers may be nil to run recognition inline on the
// capture goroutine. enroller may be nil to disable the enrollment command.
func New(src camera.Source, opt *camera.Optimizer, rec *recognizer.Recognizer, workers *pool.Pool, m *matcher.Matcher, enroller *enroll.Enroller, logger *slog.Logger, cfg Config) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RecognitionInterval <= 0 {
		cfg.RecognitionInterval = defaultRecognitionInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = "."
	}
	return &Tracker{
		src:       src,
		opt:       opt,
		rec:       rec,
		workers:   workers,
		match:     m,
		enroller:  enroller,
		logger:    logger,
		cfg:       cfg,
		cmds:      make(chan Command, 16),
		meter:     camera.NewFPSMeter(),
		sessionID: uuid.NewString(),
		unique:    make(map[string]struct{}),
		sightings: make(map[string][]time.Time),
	}
}

// Commands is the operator input channel. Sends are expected to be rare;
// the channel is buffered so callers never block on the loop.
func (t *Tracker) Commands() chan<- Command { return t.cmds }

// Run executes the loop until ctx is cancelled, CmdQuit arrives or the
// camera fails. It always returns a summary of the session so far.
func (t *Tracker) Run(ctx context.Context) (Summary, error) {
	t.startedAt = time.Now()
	t.logger.Info("tracking started", "session", t.sessionID)

	defer func() {
		if t.workers != nil {
			t.workers.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return t.summary(), ctx.Err()
		case cmd := <-t.cmds:
			if quit := t.apply(ctx, cmd); quit {
				return t.summary(), nil
			}
			continue
		default:
		}

		if t.paused {
			// No capture while paused; keep the display alive and wait for
			// input without spinning.
			t.render(View{Frame: t.lastFrame, Results: t.lastResults, Paused: true, FPS: t.meter.FPS()})
			select {
			case <-ctx.Done():
				return t.summary(), ctx.Err()
			case cmd := <-t.cmds:
				if quit := t.apply(ctx, cmd); quit {
					return t.summary(), nil
				}
			}
			continue
		}

		frame, err := t.src.Read()
		if err != nil {
			if errors.Is(err, camera.ErrClosed) {
				return t.summary(), nil
			}
			return t.summary(), fmt.Errorf("camera read failed: %w", err)
		}
		t.frames++
		t.meter.Tick()
		t.lastFrame = frame

		t.collectResults()

		if t.shouldRecognize() {
			t.dispatch(ctx, frame)
		}

		t.opt.Observe(t.meter.FPS())
		t.render(View{Frame: frame, Results: t.lastResults, FPS: t.meter.FPS()})
	}
}

// shouldRecognize combines the two independent throttles: the frame skip
// policy and the wall clock recognition interval. forceNext bypasses the
// interval once.
func (t *Tracker) shouldRecognize() bool {
	if !t.opt.ShouldProcess(t.frames - 1) {
		return false
	}
	if t.forceNext {
		t.forceNext = false
		return true
	}
	return time.Since(t.lastInference) >= t.cfg.RecognitionInterval
}

// dispatch runs recognition for a frame, inline or through the pool. With a
// pool, at most one frame is in flight; a busy pool just reuses last results.
func (t *Tracker) dispatch(ctx context.Context, frame camera.Frame) {
	if t.workers == nil {
		outcome, err := t.rec.Recognize(ctx, frame.Data)
		if err != nil {
			// A single bad frame must not kill the loop.
			t.logger.Warn("recognition failed", "frame", frame.Seq, "error", err)
			return
		}
		t.lastInference = time.Now()
		t.processed++
		t.applyOutcome(frame.Seq, outcome)
		return
	}

	if t.inFlight {
		return
	}
	if t.workers.Submit(frame.Seq, frame.Data) {
		t.inFlight = true
		t.inFlightFrame = frame.Seq
		t.lastInference = time.Now()
		t.processed++
	}
}

// collectResults drains completed pool results, discarding anything older
// than the newest frame already applied.
func (t *Tracker) collectResults() {
	if t.workers == nil {
		return
	}
	for {
		res, ok := t.workers.TryPoll()
		if !ok {
			return
		}
		if res.FrameID == t.inFlightFrame {
			t.inFlight = false
		}
		if res.FrameID < t.appliedFrameID {
			continue
		}
		t.applyOutcome(res.FrameID, res.Outcome)
	}
}

// applyOutcome replaces the smoothed results and updates session counters
// and per-identity sighting history.
func (t *Tracker) applyOutcome(frameID uint64, outcome recognizer.Outcome) {
	t.appliedFrameID = frameID
	if outcome.Status == recognizer.StatusError {
		t.logger.Warn("frame recognition error", "frame", frameID, "reason", outcome.Reason)
		return
	}
	t.lastResults = outcome.Faces

	now := time.Now()
	for _, face := range outcome.Faces {
		if face.IdentityID == recognizer.IdentityUnknown || face.IdentityID == recognizer.IdentityError {
			continue
		}
		t.recognized++
		t.unique[face.IdentityID] = struct{}{}
		hist := append(t.sightings[face.IdentityID], now)
		if len(hist) > t.cfg.HistoryLimit {
			hist = hist[len(hist)-t.cfg.HistoryLimit:]
		}
		t.sightings[face.IdentityID] = hist
	}
}

// apply executes one operator command. It returns true for CmdQuit.
func (t *Tracker) apply(ctx context.Context, cmd Command) bool {
	switch cmd.Kind {
	case CmdQuit:
		return true
	case CmdPause:
		t.paused = true
		t.logger.Info("tracking paused")
	case CmdResume:
		t.paused = false
		t.forceNext = true
		t.logger.Info("tracking resumed")
	case CmdForceRecognize:
		t.forceNext = true
	case CmdThresholdUp:
		t.recordThreshold(t.match.AdjustThreshold(thresholdStep))
	case CmdThresholdDown:
		t.recordThreshold(t.match.AdjustThreshold(-thresholdStep))
	case CmdSnapshot:
		t.saveSnapshot()
	case CmdEnroll:
		t.runEnrollment(ctx, cmd.EnrollID, cmd.EnrollName)
	}
	return false
}

func (t *Tracker) recordThreshold(v float64) {
	t.addEvent("threshold", fmt.Sprintf("threshold set to %.2f", v))
	t.logger.Info("threshold adjusted", "threshold", v)
}

func (t *Tracker) saveSnapshot() {
	if len(t.lastFrame.Data) == 0 {
		return
	}
	name := fmt.Sprintf("snapshot_%s.jpg", time.Now().Format("20060102_150405"))
	path := filepath.Join(t.cfg.SnapshotDir, name)
	img, err := RenderOverlay(t.lastFrame, t.lastResults)
	if err != nil {
		t.logger.Warn("could not render snapshot", "error", err)
		return
	}
	if err := SaveJPEG(path, img); err != nil {
		t.logger.Warn("could not save snapshot", "path", path, "error", err)
		return
	}
	t.addEvent("snapshot", path)
	t.logger.Info("snapshot saved", "path", path)
}

// runEnrollment suspends tracking, lends the camera to the enroller and
// resumes with a forced re-recognition so the new identity shows up
// immediately.
func (t *Tracker) runEnrollment(ctx context.Context, id, name string) {
	if t.enroller == nil {
		t.logger.Warn("enrollment requested but no enroller configured")
		return
	}
	t.logger.Info("enrollment started", "id", id, "name", name)
	ident, err := t.enroller.CaptureFromSource(ctx, t.src, id, name, nil)
	if err != nil {
		t.addEvent("enrollment_failed", fmt.Sprintf("%s: %v", id, err))
		t.logger.Warn("enrollment failed", "id", id, "error", err)
	} else {
		t.addEvent("enrollment", fmt.Sprintf("%s (%s)", ident.ID, ident.DisplayName))
		t.rec.RefreshCache()
	}
	t.forceNext = true
}

func (t *Tracker) addEvent(kind, detail string) {
	t.events = append(t.events, Event{
		ID:     uuid.NewString(),
		Time:   time.Now(),
		Kind:   kind,
		Detail: detail,
	})
}

func (t *Tracker) render(v View) {
	if t.cfg.Render != nil {
		t.cfg.Render(v)
	}
}

// Sightings reports per-identity recent-observation summaries, newest first
// within each entry.
func (t *Tracker) Sightings() []Sighting {
	out := make([]Sighting, 0, len(t.sightings))
	for id, hist := range t.sightings {
		if len(hist) == 0 {
			continue
		}
		out = append(out, Sighting{
			IdentityID: id,
			LastSeen:   hist[len(hist)-1],
			Count:      len(hist),
		})
	}
	return out
}

func (t *Tracker) summary() Summary {
	uptime := time.Since(t.startedAt)
	var avg float64
	if secs := uptime.Seconds(); secs > 0 {
		avg = float64(t.frames) / secs
	}
	return Summary{
		SessionID:         t.sessionID,
		Uptime:            uptime,
		TotalFrames:       t.frames,
		ProcessedFrames:   t.processed,
		TotalRecognitions: t.recognized,
		UniqueIdentities:  len(t.unique),
		AvgFPS:            avg,
		Events:            t.events,
	}
}

// PersonReport is the outcome of TrackPerson.
type PersonReport struct {
	IdentityID    string        `json:"identity_id"`
	Duration      time.Duration `json:"duration"`
	FramesChecked uint64        `json:"frames_checked"`
	Detections    uint64        `json:"detections"`
	DetectionRate float64       `json:"detection_rate"`
	LastSeen      *time.Time    `json:"last_seen,omitempty"`
}

// TrackPerson follows one identity for a fixed duration and reports how
// often it was seen among the frames that ran inference. It respects the
// same skip and interval throttles as Run.
func (t *Tracker) TrackPerson(ctx context.Context, identityID string, duration time.Duration) (PersonReport, error) {
	report := PersonReport{IdentityID: identityID, Duration: duration}
	deadline := time.Now().Add(duration)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		frame, err := t.src.Read()
		if err != nil {
			return report, fmt.Errorf("camera read failed: %w", err)
		}
		t.frames++
		t.meter.Tick()
		if !t.shouldRecognize() {
			continue
		}
		outcome, err := t.rec.Recognize(ctx, frame.Data)
		if err != nil {
			t.logger.Warn("recognition failed", "frame", frame.Seq, "error", err)
			continue
		}
		t.lastInference = time.Now()
		report.FramesChecked++
		for _, face := range outcome.Faces {
			if face.IdentityID == identityID {
				report.Detections++
				seen := time.Now()
				report.LastSeen = &seen
				break
			}
		}
	}
	if report.FramesChecked > 0 {
		report.DetectionRate = float64(report.Detections) / float64(report.FramesChecked)
	}
	return report, nil
}

// EnsureSnapshotDir creates the snapshot directory if needed.
func (t *Tracker) EnsureSnapshotDir() error {
	return os.MkdirAll(t.cfg.SnapshotDir, 0o755)
}
