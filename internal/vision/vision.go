// Package vision defines the contracts for the external face models the
// recognition pipeline consumes: detector, geometric preprocessor, and
// embedding encoder. The models themselves live outside this repository; an
// HTTP client for a co-deployed inference server is provided in client.go.
package vision

import (
	"context"
	"errors"
)

var (
	// ErrResourceExhausted signals encoder/accelerator memory pressure.
	// Callers batching tensors fall back to per-item encoding.
	ErrResourceExhausted = errors.New("encoder resources exhausted")

	// ErrInference wraps model failures not classifiable as exhaustion.
	ErrInference = errors.New("inference failed")
)

// Rect is a face bounding box in pixel coordinates.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Point is a named landmark location.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Detection is one face found by the detector.
type Detection struct {
	Box        Rect             `json:"box"`
	Confidence float64          `json:"confidence"`
	Landmarks  map[string]Point `json:"landmarks,omitempty"`
}

// Tensor is an aligned, normalized face crop ready for encoding. The layout
// is fixed by the deployment's chosen encoder model.
type Tensor struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Data   []float32 `json:"data"`
}

// Detector finds faces in an encoded image.
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]Detection, error)
}

// Preprocessor crops, aligns and normalizes one face region. Deterministic
// and stateless.
type Preprocessor interface {
	Preprocess(ctx context.Context, image []byte, box Rect, landmarks map[string]Point) (*Tensor, error)
}

// Encoder produces a fixed-length embedding from a preprocessed face.
type Encoder interface {
	Encode(ctx context.Context, t *Tensor) ([]float32, error)
	EncodeBatch(ctx context.Context, ts []*Tensor) ([][]float32, error)
}

// EncodeAll encodes tensors as one batch, falling back to sequential
// per-item encoding when the batch trips resource exhaustion. Per-item
// failures in the fallback leave a nil embedding at that index instead of
// failing the rest.
func EncodeAll(ctx context.Context, enc Encoder, ts []*Tensor) ([][]float32, error) {
	if len(ts) == 0 {
		return nil, nil
	}

	out, err := enc.EncodeBatch(ctx, ts)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, ErrResourceExhausted) {
		return nil, err
	}

	out = make([][]float32, len(ts))
	for i, t := range ts {
		emb, err := enc.Encode(ctx, t)
		if err != nil {
			out[i] = nil
			continue
		}
		out[i] = emb
	}
	return out, nil
}
