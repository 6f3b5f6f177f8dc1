package store

import (
	"errors"
	"time"
)

var (
	// ErrDuplicate is returned when adding an identity whose id already exists.
	ErrDuplicate = errors.New("identity id already exists")

	// ErrNotFound is returned when the requested identity does not exist.
	ErrNotFound = errors.New("identity not found")

	// ErrDimensionMismatch is returned when an embedding length does not match
	// the store dimension fixed by the first enrollment.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidEmbedding is returned for empty or zero-norm embeddings.
	ErrInvalidEmbedding = errors.New("invalid embedding")

	// ErrStorage wraps I/O failures on the persistence path.
	ErrStorage = errors.New("storage error")
)

// Identity is a single enrolled person with one representative embedding.
// The embedding is kept L2-normalized by every write path.
type Identity struct {
	ID                string            `json:"id"`
	DisplayName       string            `json:"display_name"`
	Embedding         []float32         `json:"embedding"`
	EnrolledAt        time.Time         `json:"enrolled_at"`
	SampleCount       int               `json:"sample_count"`
	LastVerified      *time.Time        `json:"last_verified,omitempty"`
	VerificationCount int               `json:"verification_count"`
	Attributes        map[string]string `json:"attributes,omitempty"`
}

// clone returns a deep copy so callers can never mutate store-owned state.
func (id *Identity) clone() *Identity {
	cp := *id
	cp.Embedding = append([]float32(nil), id.Embedding...)
	if id.LastVerified != nil {
		t := *id.LastVerified
		cp.LastVerified = &t
	}
	if id.Attributes != nil {
		cp.Attributes = make(map[string]string, len(id.Attributes))
		for k, v := range id.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}

// Info returns the embedding-free view of the identity.
func (id *Identity) Info() Info {
	return Info{
		ID:                id.ID,
		DisplayName:       id.DisplayName,
		EnrolledAt:        id.EnrolledAt,
		SampleCount:       id.SampleCount,
		LastVerified:      id.LastVerified,
		VerificationCount: id.VerificationCount,
	}
}

// Info is the embedding-free view of an identity returned by listings.
type Info struct {
	ID                string     `json:"id"`
	DisplayName       string     `json:"display_name"`
	EnrolledAt        time.Time  `json:"enrolled_at"`
	SampleCount       int        `json:"sample_count"`
	LastVerified      *time.Time `json:"last_verified,omitempty"`
	VerificationCount int        `json:"verification_count"`
}

// Update describes a partial identity mutation. A nil Embedding leaves the
// vector untouched; an empty DisplayName leaves the name untouched.
type Update struct {
	Embedding   []float32
	DisplayName string
	// Average folds the new embedding into the existing one weighted by
	// SampleCount instead of replacing it.
	Average bool
}

// Stats summarizes the persisted store.
type Stats struct {
	Count       int       `json:"count"`
	Dimension   int       `json:"dimension"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}
