// Package service is the application facade. It composes the store, matcher,
// recognizer and enroller behind methods that return structured failure
// reasons instead of raw errors, so a transport layer can map outcomes to
// status codes without inspecting error chains.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Grd45bisa/neural-face-attendance/internal/enroll"
	"github.com/Grd45bisa/neural-face-attendance/internal/matcher"
	"github.com/Grd45bisa/neural-face-attendance/internal/recognizer"
	"github.com/Grd45bisa/neural-face-attendance/internal/store"
)

// Reason is a machine-readable failure category.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonDuplicate       Reason = "duplicate_identity"
	ReasonNotFound        Reason = "identity_not_found"
	ReasonNoFace          Reason = "no_face_detected"
	ReasonMultipleFaces   Reason = "multiple_faces"
	ReasonLowConfidence   Reason = "low_confidence"
	ReasonNearDuplicate   Reason = "near_duplicate"
	ReasonBadEmbedding    Reason = "invalid_embedding"
	ReasonBelowThreshold  Reason = "below_threshold"
	ReasonInferenceFailed Reason = "inference_failed"
	ReasonInternal        Reason = "internal_error"
)

// EnrollResult reports an enrollment attempt.
type EnrollResult struct {
	OK       bool        `json:"ok"`
	Identity *store.Info `json:"identity,omitempty"`
	Reason   Reason      `json:"reason,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

// VerifyResult reports a 1:1 verification of an image against one identity.
type VerifyResult struct {
	OK         bool    `json:"ok"`
	IsMatch    bool    `json:"is_match"`
	Similarity float64 `json:"similarity"`
	Reason     Reason  `json:"reason,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

// Service ties the identity pipeline together for callers outside the
// tracking loop (CLI subcommands, a future REST layer).
type Service struct {
	store    *store.Store
	matcher  *matcher.Matcher
	rec      *recognizer.Recognizer
	enroller *enroll.Enroller
	logger   *slog.Logger
}

// New builds the facade. All collaborators are required except the logger.
func New(st *store.Store, m *matcher.Matcher, rec *recognizer.Recognizer, enroller *enroll.Enroller, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, matcher: m, rec: rec, enroller: enroller, logger: logger}
}

// Enroll registers an identity from pre-extracted embeddings. Multiple
// embeddings are averaged into a single reference vector before the one
// store write.
func (s *Service) Enroll(id, displayName string, embeddings [][]float32) EnrollResult {
	ident, err := s.enroller.EnrollEmbeddings(id, displayName, embeddings)
	if err != nil {
		return EnrollResult{Reason: enrollReason(err), Detail: err.Error()}
	}
	s.rec.RefreshCache()
	info := ident.Info()
	return EnrollResult{OK: true, Identity: &info}
}

// EnrollImages runs the full detection pipeline over raw image samples.
func (s *Service) EnrollImages(ctx context.Context, id, displayName string, images [][]byte) EnrollResult {
	ident, err := s.enroller.EnrollSamples(ctx, id, displayName, images)
	if err != nil {
		return EnrollResult{Reason: enrollReason(err), Detail: err.Error()}
	}
	s.rec.RefreshCache()
	info := ident.Info()
	return EnrollResult{OK: true, Identity: &info}
}

// Verify checks whether an image shows the given enrolled identity. The
// image must contain exactly one face.
func (s *Service) Verify(ctx context.Context, id string, image []byte) VerifyResult {
	ident := s.store.Get(id)
	if ident == nil {
		return VerifyResult{Reason: ReasonNotFound, Detail: fmt.Sprintf("identity %q is not enrolled", id)}
	}

	embedding, _, err := s.rec.ExtractEmbedding(ctx, image)
	if err != nil {
		return VerifyResult{Reason: verifyReason(err), Detail: err.Error()}
	}

	// Verification scores against the claimed identity only, not the whole
	// store.
	sim, err := s.matcher.Similarity(embedding, ident.Embedding)
	if err != nil {
		return VerifyResult{Reason: ReasonInternal, Detail: err.Error()}
	}
	match := sim >= s.matcher.Threshold()
	if match {
		if err := s.store.RecordVerification(id); err != nil {
			s.logger.Warn("could not record verification", "id", id, "error", err)
		}
	}
	res := VerifyResult{OK: true, IsMatch: match, Similarity: sim}
	if !match {
		res.Reason = ReasonBelowThreshold
	}
	return res
}

// Recognize runs the multi-face pipeline over an image.
func (s *Service) Recognize(ctx context.Context, image []byte) (recognizer.Outcome, error) {
	return s.rec.Recognize(ctx, image)
}

// Remove deletes an identity and invalidates the recognition cache. The
// second return is false when the identity did not exist.
func (s *Service) Remove(id string) (bool, error) {
	removed, err := s.store.Remove(id)
	if err != nil {
		return false, err
	}
	if removed {
		s.rec.RefreshCache()
		s.logger.Info("identity removed", "id", id)
	}
	return removed, nil
}

// Identities lists enrolled identities without embeddings.
func (s *Service) Identities() []store.Info {
	return s.store.Identities()
}

// Stats combines store and recognizer statistics.
type Stats struct {
	Store       store.Stats           `json:"store"`
	Recognition recognizer.Statistics `json:"recognition"`
	Threshold   float64               `json:"threshold"`
}

// Stats reports current statistics across the pipeline.
func (s *Service) Stats() Stats {
	return Stats{
		Store:       s.store.Stats(),
		Recognition: s.rec.Statistics(),
		Threshold:   s.matcher.Threshold(),
	}
}

func enrollReason(err error) Reason {
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return ReasonDuplicate
	case errors.Is(err, enroll.ErrNearDuplicate):
		return ReasonNearDuplicate
	case errors.Is(err, enroll.ErrNoFace):
		return ReasonNoFace
	case errors.Is(err, enroll.ErrMultipleFaces):
		return ReasonMultipleFaces
	case errors.Is(err, enroll.ErrLowConfidence), errors.Is(err, enroll.ErrTooFewSamples):
		return ReasonLowConfidence
	case errors.Is(err, store.ErrDimensionMismatch), errors.Is(err, store.ErrInvalidEmbedding):
		return ReasonBadEmbedding
	default:
		return ReasonInternal
	}
}

func verifyReason(err error) Reason {
	switch {
	case errors.Is(err, recognizer.ErrFaceCount):
		return ReasonMultipleFaces
	case errors.Is(err, recognizer.ErrInvalidInput):
		return ReasonNoFace
	default:
		return ReasonInferenceFailed
	}
}
