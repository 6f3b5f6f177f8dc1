// Package recognizer orchestrates the per-frame recognition pipeline:
// detect, preprocess, encode, match against a cached store snapshot, and
// aggregate per-face results.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Grd45bisa/neural-face-attendance/internal/matcher"
	"github.com/Grd45bisa/neural-face-attendance/internal/store"
	"github.com/Grd45bisa/neural-face-attendance/internal/vision"
)

var (
	// ErrInvalidInput is returned for a nil or empty image.
	ErrInvalidInput = errors.New("invalid input image")

	// ErrFaceCount is returned by RecognizeSingle when the image does not
	// contain exactly one face.
	ErrFaceCount = errors.New("expected exactly one face")
)

// Sentinel identity ids used in per-face results.
const (
	IdentityUnknown = "unknown"
	IdentityError   = "error"
)

// Bucket is the coarse classification of a similarity score.
type Bucket string

const (
	BucketHigh    Bucket = "high"
	BucketMedium  Bucket = "medium"
	BucketLow     Bucket = "low"
	BucketUnknown Bucket = "unknown"
	BucketError   Bucket = "error"
)

// bucketFor classifies an accepted match similarity.
func bucketFor(similarity float64) Bucket {
	switch {
	case similarity >= 0.8:
		return BucketHigh
	case similarity >= 0.6:
		return BucketMedium
	default:
		return BucketLow
	}
}

// Status tags the outcome variant of one recognition call.
type Status int

const (
	StatusSuccess Status = iota
	StatusNoFace
	StatusEmptyDatabase
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoFace:
		return "no_face"
	case StatusEmptyDatabase:
		return "empty_database"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// MarshalText keeps serialized statuses readable instead of numeric.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is the recognition outcome for one detected face.
type Result struct {
	Box                 vision.Rect `json:"box"`
	IdentityID          string      `json:"identity_id"`
	DisplayName         string      `json:"display_name,omitempty"`
	Similarity          float64     `json:"similarity"`
	Bucket              Bucket      `json:"bucket"`
	DetectionConfidence float64     `json:"detection_confidence"`
}

// Outcome is the closed result type of one Recognize call. Faces is only
// populated for StatusSuccess; Reason only for StatusError.
type Outcome struct {
	Status Status   `json:"status"`
	Faces  []Result `json:"faces,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// Statistics are running counters over recognition calls.
type Statistics struct {
	Attempts    uint64  `json:"attempts"`
	Recognized  uint64  `json:"recognized"`
	Unknown     uint64  `json:"unknown"`
	Errors      uint64  `json:"errors"`
	SuccessRate float64 `json:"success_rate"`
}

// Recognizer coordinates the external models, the matcher, and the store.
// All collaborators are injected; the recognizer owns no global state.
type Recognizer struct {
	detector vision.Detector
	pre      vision.Preprocessor
	encoder  vision.Encoder
	matcher  *matcher.Matcher
	store    *store.Store
	logger   *slog.Logger

	mu          sync.Mutex
	snapshot    map[string][]float32 // nil until first fetch
	hasSnapshot bool
	stats       struct {
		attempts   uint64
		recognized uint64
		unknown    uint64
		errors     uint64
	}
}

// New wires a recognizer from its collaborators.
func New(det vision.Detector, pre vision.Preprocessor, enc vision.Encoder,
	m *matcher.Matcher, s *store.Store, logger *slog.Logger) *Recognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{
		detector: det,
		pre:      pre,
		encoder:  enc,
		matcher:  m,
		store:    s,
		logger:   logger,
	}
}

// Matcher exposes the injected matcher for threshold adjustment by callers.
func (r *Recognizer) Matcher() *matcher.Matcher { return r.matcher }

// Store exposes the injected store.
func (r *Recognizer) Store() *store.Store { return r.store }

// RefreshCache drops the embedding snapshot so the next recognition sees
// current store contents. Store mutations never invalidate the snapshot on
// their own; callers that mutate concurrently with recognition call this.
func (r *Recognizer) RefreshCache() {
	r.mu.Lock()
	r.snapshot = nil
	r.hasSnapshot = false
	r.mu.Unlock()
}

// embeddingSnapshot returns the cached point-in-time embedding copy,
// fetching it from the store on first use.
func (r *Recognizer) embeddingSnapshot() map[string][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasSnapshot {
		r.snapshot = r.store.Embeddings()
		r.hasSnapshot = true
	}
	return r.snapshot
}

// Recognize runs the full multi-face pipeline over one image. Per-face
// failures are captured into that face's result and never abort the batch.
func (r *Recognizer) Recognize(ctx context.Context, image []byte) (Outcome, error) {
	if len(image) == 0 {
		return Outcome{}, ErrInvalidInput
	}
	r.bumpAttempt()

	detections, err := r.detector.Detect(ctx, image)
	if err != nil {
		r.bumpError()
		return Outcome{Status: StatusError, Reason: fmt.Sprintf("detection failed: %v", err)}, nil
	}
	if len(detections) == 0 {
		return Outcome{Status: StatusNoFace}, nil
	}

	snapshot := r.embeddingSnapshot()
	if len(snapshot) == 0 {
		return Outcome{Status: StatusEmptyDatabase}, nil
	}

	// Preprocess and encode all faces before matching so the encoder can
	// batch. A failed face leaves a nil tensor/embedding at its index.
	tensors := make([]*vision.Tensor, len(detections))
	for i, det := range detections {
		t, err := r.pre.Preprocess(ctx, image, det.Box, det.Landmarks)
		if err != nil {
			r.logger.Warn("face preprocess failed", "face", i, "error", err)
			continue
		}
		tensors[i] = t
	}

	embeddings := make([][]float32, len(detections))
	valid := make([]*vision.Tensor, 0, len(tensors))
	validIdx := make([]int, 0, len(tensors))
	for i, t := range tensors {
		if t != nil {
			valid = append(valid, t)
			validIdx = append(validIdx, i)
		}
	}
	if len(valid) > 0 {
		encoded, err := vision.EncodeAll(ctx, r.encoder, valid)
		if err != nil {
			r.logger.Warn("encoding failed", "faces", len(valid), "error", err)
		} else {
			for j, emb := range encoded {
				embeddings[validIdx[j]] = emb
			}
		}
	}

	results := make([]Result, len(detections))
	for i, det := range detections {
		if embeddings[i] == nil {
			results[i] = Result{
				Box:                 det.Box,
				IdentityID:          IdentityError,
				DisplayName:         "Error",
				Bucket:              BucketError,
				DetectionConfidence: det.Confidence,
			}
			r.bumpError()
			continue
		}
		results[i] = r.matchFace(det, embeddings[i], snapshot)
	}

	return Outcome{Status: StatusSuccess, Faces: results}, nil
}

// matchFace scores one embedding against the snapshot and classifies it.
// A match writes the verification bump through to the store.
func (r *Recognizer) matchFace(det vision.Detection, embedding []float32, snapshot map[string][]float32) Result {
	match := r.matcher.FindBestMatch(embedding, snapshot)
	if !match.IsMatch {
		r.bumpUnknown()
		return Result{
			Box:                 det.Box,
			IdentityID:          IdentityUnknown,
			DisplayName:         "Unknown",
			Similarity:          match.Similarity,
			Bucket:              BucketUnknown,
			DetectionConfidence: det.Confidence,
		}
	}

	displayName := match.ID
	if ident := r.store.Get(match.ID); ident != nil {
		displayName = ident.DisplayName
	}
	if err := r.store.RecordVerification(match.ID); err != nil {
		// The identity may have been removed since the snapshot was taken.
		r.logger.Warn("verification write-through failed", "identity", match.ID, "error", err)
	}

	r.bumpRecognized()
	return Result{
		Box:                 det.Box,
		IdentityID:          match.ID,
		DisplayName:         displayName,
		Similarity:          match.Similarity,
		Bucket:              bucketFor(match.Similarity),
		DetectionConfidence: det.Confidence,
	}
}

// RecognizeSingle is the single-detection fast path. It fails with
// ErrFaceCount unless exactly one face is detected. Detection runs once; the
// face goes straight through preprocessing and encoding.
func (r *Recognizer) RecognizeSingle(ctx context.Context, image []byte) (Result, error) {
	if len(image) == 0 {
		return Result{}, ErrInvalidInput
	}
	r.bumpAttempt()

	detections, err := r.detector.Detect(ctx, image)
	if err != nil {
		r.bumpError()
		return Result{}, fmt.Errorf("detection failed: %w", err)
	}
	if len(detections) != 1 {
		return Result{}, fmt.Errorf("%w: got %d", ErrFaceCount, len(detections))
	}

	snapshot := r.embeddingSnapshot()
	if len(snapshot) == 0 {
		return Result{}, errors.New("no identities enrolled")
	}

	det := detections[0]
	t, err := r.pre.Preprocess(ctx, image, det.Box, det.Landmarks)
	if err != nil {
		r.bumpError()
		return Result{}, fmt.Errorf("preprocessing failed: %w", err)
	}
	embedding, err := r.encoder.Encode(ctx, t)
	if err != nil {
		r.bumpError()
		return Result{}, fmt.Errorf("encoding failed: %w", err)
	}
	return r.matchFace(det, embedding, snapshot), nil
}

// ExtractEmbedding runs detection and encoding for an image with exactly
// one face and returns the raw embedding alongside the detection. It does
// not touch the store, the cache or the statistics, so verification flows
// can score the embedding against a single claimed identity.
func (r *Recognizer) ExtractEmbedding(ctx context.Context, image []byte) ([]float32, vision.Detection, error) {
	if len(image) == 0 {
		return nil, vision.Detection{}, ErrInvalidInput
	}
	detections, err := r.detector.Detect(ctx, image)
	if err != nil {
		return nil, vision.Detection{}, fmt.Errorf("detection failed: %w", err)
	}
	if len(detections) != 1 {
		return nil, vision.Detection{}, fmt.Errorf("%w: got %d", ErrFaceCount, len(detections))
	}
	det := detections[0]

	t, err := r.pre.Preprocess(ctx, image, det.Box, det.Landmarks)
	if err != nil {
		return nil, det, fmt.Errorf("preprocessing failed: %w", err)
	}
	embedding, err := r.encoder.Encode(ctx, t)
	if err != nil {
		return nil, det, fmt.Errorf("encoding failed: %w", err)
	}
	return embedding, det, nil
}

// RecognizeCrop recognizes a pre-cropped face region, skipping detection.
// Used when an upstream caller already isolated the face.
func (r *Recognizer) RecognizeCrop(ctx context.Context, crop []byte) (Result, error) {
	if len(crop) == 0 {
		return Result{}, ErrInvalidInput
	}
	r.bumpAttempt()

	snapshot := r.embeddingSnapshot()
	if len(snapshot) == 0 {
		return Result{}, errors.New("no identities enrolled")
	}

	// The whole crop is the face region.
	box := vision.Rect{}
	t, err := r.pre.Preprocess(ctx, crop, box, nil)
	if err != nil {
		r.bumpError()
		return Result{}, fmt.Errorf("preprocessing failed: %w", err)
	}
	embedding, err := r.encoder.Encode(ctx, t)
	if err != nil {
		r.bumpError()
		return Result{}, fmt.Errorf("encoding failed: %w", err)
	}

	return r.matchFace(vision.Detection{Confidence: 1}, embedding, snapshot), nil
}

// Statistics returns the running counters.
func (r *Recognizer) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Statistics{
		Attempts:   r.stats.attempts,
		Recognized: r.stats.recognized,
		Unknown:    r.stats.unknown,
		Errors:     r.stats.errors,
	}
	if s.Attempts > 0 {
		s.SuccessRate = float64(s.Recognized) / float64(s.Attempts)
	}
	return s
}

// ResetStatistics zeroes the running counters.
func (r *Recognizer) ResetStatistics() {
	r.mu.Lock()
	r.stats.attempts = 0
	r.stats.recognized = 0
	r.stats.unknown = 0
	r.stats.errors = 0
	r.mu.Unlock()
}

func (r *Recognizer) bumpAttempt() {
	r.mu.Lock()
	r.stats.attempts++
	r.mu.Unlock()
}

func (r *Recognizer) bumpRecognized() {
	r.mu.Lock()
	r.stats.recognized++
	r.mu.Unlock()
}

func (r *Recognizer) bumpUnknown() {
	r.mu.Lock()
	r.stats.unknown++
	r.mu.Unlock()
}

func (r *Recognizer) bumpError() {
	r.mu.Lock()
	r.stats.errors++
	r.mu.Unlock()
}
