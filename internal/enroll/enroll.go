// Package enroll builds identity records from face samples. Enrollment
// averages several embeddings of the same person into one reference vector
// and guards against low-quality detections and duplicate registrations.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/Grd45bisa/neural-face-attendance/internal/camera"
	"github.com/Grd45bisa/neural-face-attendance/internal/matcher"
	"github.com/Grd45bisa/neural-face-attendance/internal/store"
	"github.com/Grd45bisa/neural-face-attendance/internal/vision"
)

const (
	// DefaultMinConfidence rejects samples whose face detection scored lower.
	DefaultMinConfidence = 0.9
	// DefaultRequiredSamples is how many accepted samples an enrollment needs.
	DefaultRequiredSamples = 5
	// nearDuplicateScore flags a new identity whose averaged embedding is
	// nearly identical to an already enrolled one.
	nearDuplicateScore = 0.95
)

var (
	ErrNoFace        = errors.New("no face detected in sample")
	ErrMultipleFaces = errors.New("more than one face in sample")
	ErrLowConfidence = errors.New("face detection confidence too low")
	ErrNearDuplicate = errors.New("embedding nearly identical to an enrolled identity")
	ErrTooFewSamples = errors.New("not enough usable samples")
)

// Enroller turns image samples into enrolled identities.
type Enroller struct {
	store    *store.Store
	matcher  *matcher.Matcher
	detector vision.Detector
	pre      vision.Preprocessor
	encoder  vision.Encoder
	logger   *slog.Logger

	minConfidence   float64
	requiredSamples int
}

// Option configures an Enroller.
type Option func(*Enroller)

// WithMinConfidence overrides the detection confidence gate.
func WithMinConfidence(c float64) Option {
	return func(e *Enroller) { e.minConfidence = c }
}

// WithRequiredSamples overrides how many samples an enrollment needs.
func WithRequiredSamples(n int) Option {
	return func(e *Enroller) {
		if n > 0 {
			e.requiredSamples = n
		}
	}
}

// New creates an Enroller around the shared store, matcher and vision stack.
func New(st *store.Store, m *matcher.Matcher, det vision.Detector, pre vision.Preprocessor, enc vision.Encoder, logger *slog.Logger, opts ...Option) *Enroller {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Enroller{
		store:           st,
		matcher:         m,
		detector:        det,
		pre:             pre,
		encoder:         enc,
		logger:          logger,
		minConfidence:   DefaultMinConfidence,
		requiredSamples: DefaultRequiredSamples,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SampleEmbedding extracts exactly one high-confidence face embedding from an
// image. Samples with zero faces, multiple faces or a weak detection are
// rejected so a stray bystander cannot pollute the enrollment.
func (e *Enroller) SampleEmbedding(ctx context.Context, image []byte) ([]float32, error) {
	detections, err := e.detector.Detect(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("could not detect faces: %w", err)
	}
	switch {
	case len(detections) == 0:
		return nil, ErrNoFace
	case len(detections) > 1:
		return nil, fmt.Errorf("%w: got %d", ErrMultipleFaces, len(detections))
	}
	det := detections[0]
	if det.Confidence < e.minConfidence {
		return nil, fmt.Errorf("%w: %.2f < %.2f", ErrLowConfidence, det.Confidence, e.minConfidence)
	}

	tensor, err := e.pre.Preprocess(ctx, image, det.Box, det.Landmarks)
	if err != nil {
		return nil, fmt.Errorf("could not preprocess face: %w", err)
	}
	embedding, err := e.encoder.Encode(ctx, tensor)
	if err != nil {
		return nil, fmt.Errorf("could not encode face: %w", err)
	}
	return embedding, nil
}

// EnrollSamples runs the full enrollment flow over raw images: every sample
// must pass the single-face gate, the accepted embeddings are averaged into
// one reference vector and stored under id.
func (e *Enroller) EnrollSamples(ctx context.Context, id, displayName string, images [][]byte) (*store.Identity, error) {
	if len(images) < e.requiredSamples {
		return nil, fmt.Errorf("%w: need %d, got %d", ErrTooFewSamples, e.requiredSamples, len(images))
	}

	embeddings := make([][]float32, 0, len(images))
	for i, img := range images {
		emb, err := e.SampleEmbedding(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("sample %d rejected: %w", i+1, err)
		}
		embeddings = append(embeddings, emb)
	}
	return e.EnrollEmbeddings(id, displayName, embeddings)
}

// EnrollEmbeddings averages pre-extracted embeddings and stores the identity.
// The near-duplicate check runs against every enrolled identity so the same
// person cannot be registered twice under different ids.
func (e *Enroller) EnrollEmbeddings(id, displayName string, embeddings [][]float32) (*store.Identity, error) {
	if len(embeddings) == 0 {
		return nil, ErrTooFewSamples
	}
	avg, err := averageEmbeddings(embeddings)
	if err != nil {
		return nil, err
	}

	// The gate scores every enrolled identity and fires on raw similarity,
	// independent of the matcher's accept threshold and early-exit shortcut.
	if id, sim := e.nearestEnrolled(avg); sim >= nearDuplicateScore {
		return nil, fmt.Errorf("%w: %q scored %.3f", ErrNearDuplicate, id, sim)
	}

	identity, err := e.store.Add(id, displayName, avg, len(embeddings), nil)
	if err != nil {
		return nil, fmt.Errorf("could not store identity: %w", err)
	}
	e.logger.Info("identity enrolled",
		"id", id, "name", displayName, "samples", len(embeddings))
	return identity, nil
}

// nearestEnrolled scans the whole store for the identity most similar to the
// candidate embedding. Unscorable entries (dimension drift) are skipped.
func (e *Enroller) nearestEnrolled(embedding []float32) (string, float64) {
	var bestID string
	var best float64
	for id, enrolled := range e.store.Embeddings() {
		sim, err := e.matcher.Similarity(embedding, enrolled)
		if err != nil {
			continue
		}
		if sim > best {
			bestID = id
			best = sim
		}
	}
	return bestID, best
}

// CaptureFromSource reads frames from a camera until requiredSamples usable
// embeddings are collected, then enrolls them. progress is called after each
// accepted sample with (accepted, required); it may be nil.
func (e *Enroller) CaptureFromSource(ctx context.Context, src camera.Source, id, displayName string, progress func(done, total int)) (*store.Identity, error) {
	embeddings := make([][]float32, 0, e.requiredSamples)
	for len(embeddings) < e.requiredSamples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := src.Read()
		if err != nil {
			return nil, fmt.Errorf("could not read frame: %w", err)
		}
		emb, err := e.SampleEmbedding(ctx, frame.Data)
		if err != nil {
			// Bad frames are expected while the person settles in front of
			// the camera. Keep reading.
			e.logger.Debug("sample skipped", "error", err)
			continue
		}
		embeddings = append(embeddings, emb)
		if progress != nil {
			progress(len(embeddings), e.requiredSamples)
		}
	}
	return e.EnrollEmbeddings(id, displayName, embeddings)
}

// averageEmbeddings computes the element-wise mean of equal-length vectors
// and renormalizes the result to unit length.
func averageEmbeddings(embeddings [][]float32) ([]float32, error) {
	dim := len(embeddings[0])
	if dim == 0 {
		return nil, store.ErrInvalidEmbedding
	}
	sum := make([]float64, dim)
	for i, emb := range embeddings {
		if len(emb) != dim {
			return nil, fmt.Errorf("%w: sample %d has dimension %d, expected %d",
				store.ErrDimensionMismatch, i+1, len(emb), dim)
		}
		for j, v := range emb {
			sum[j] += float64(v)
		}
	}
	n := float64(len(embeddings))
	var normSq float64
	for j := range sum {
		sum[j] /= n
		normSq += sum[j] * sum[j]
	}
	if normSq == 0 {
		return nil, store.ErrInvalidEmbedding
	}
	scale := 1 / math.Sqrt(normSq)
	avg := make([]float32, dim)
	for j := range sum {
		avg[j] = float32(sum[j] * scale)
	}
	return avg, nil
}

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizeDisplayName normalizes a display name for comparison and lookup
// (lowercase, no diacritics, spaces for dashes).
func NormalizeDisplayName(name string) string {
	name = RemoveDiacritics(name)
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", " ")
	return strings.Join(strings.Fields(name), " ")
}
