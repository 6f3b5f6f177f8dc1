package enroll

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/Grd45bisa/neural-face-attendance/internal/camera"
	"github.com/Grd45bisa/neural-face-attendance/internal/matcher"
	"github.com/Grd45bisa/neural-face-attendance/internal/store"
	"github.com/Grd45bisa/neural-face-attendance/internal/vision"
)

// fakeVision returns one scripted detection list per call, cycling through
// script entries. Every face encodes to the fixed embedding.
type fakeVision struct {
	script    [][]vision.Detection
	call      int
	embedding []float32
}

func (f *fakeVision) Detect(ctx context.Context, image []byte) ([]vision.Detection, error) {
	dets := f.script[f.call%len(f.script)]
	f.call++
	return dets, nil
}

func (f *fakeVision) Preprocess(ctx context.Context, image []byte, box vision.Rect, landmarks map[string]vision.Point) (*vision.Tensor, error) {
	return &vision.Tensor{Width: 1, Height: 1, Data: []float32{1}}, nil
}

func (f *fakeVision) Encode(ctx context.Context, t *vision.Tensor) ([]float32, error) {
	return f.embedding, nil
}

func (f *fakeVision) EncodeBatch(ctx context.Context, ts []*vision.Tensor) ([][]float32, error) {
	out := make([][]float32, len(ts))
	for i := range ts {
		out[i] = f.embedding
	}
	return out, nil
}

func oneFace(confidence float64) []vision.Detection {
	return []vision.Detection{{Box: vision.Rect{W: 10, H: 10}, Confidence: confidence}}
}

func testEnroller(t *testing.T, v *fakeVision, opts ...Option) (*Enroller, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "faces.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	m, err := matcher.New(matcher.MetricCosine, 0.6)
	if err != nil {
		t.Fatalf("matcher.New() error = %v", err)
	}
	return New(st, m, v, v, v, nil, opts...), st
}

func TestSampleEmbeddingGates(t *testing.T) {
	tests := []struct {
		name       string
		detections []vision.Detection
		wantErr    error
	}{
		{name: "no face", detections: nil, wantErr: ErrNoFace},
		{name: "two faces", detections: append(oneFace(0.95), oneFace(0.95)...), wantErr: ErrMultipleFaces},
		{name: "low confidence", detections: oneFace(0.5), wantErr: ErrLowConfidence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &fakeVision{script: [][]vision.Detection{tt.detections}, embedding: []float32{1, 0}}
			e, _ := testEnroller(t, v)
			_, err := e.SampleEmbedding(context.Background(), []byte{1})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SampleEmbedding() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnrollEmbeddingsAveragesAndStores(t *testing.T) {
	v := &fakeVision{script: [][]vision.Detection{oneFace(0.95)}, embedding: []float32{1, 0}}
	e, st := testEnroller(t, v)

	embeddings := [][]float32{{1, 0}, {0, 1}}
	ident, err := e.EnrollEmbeddings("alice", "Alice", embeddings)
	if err != nil {
		t.Fatalf("EnrollEmbeddings() error = %v", err)
	}

	if ident.SampleCount != 2 {
		t.Errorf("SampleCount = %d, want 2", ident.SampleCount)
	}
	// Mean of (1,0) and (0,1) renormalized.
	want := float32(1 / math.Sqrt2)
	stored := st.Get("alice")
	if math.Abs(float64(stored.Embedding[0]-want)) > 1e-6 ||
		math.Abs(float64(stored.Embedding[1]-want)) > 1e-6 {
		t.Errorf("stored embedding = %v, want [%v %v]", stored.Embedding, want, want)
	}
}

func TestEnrollEmbeddingsRejectsNearDuplicate(t *testing.T) {
	v := &fakeVision{script: [][]vision.Detection{oneFace(0.95)}, embedding: []float32{1, 0}}
	e, _ := testEnroller(t, v)

	if _, err := e.EnrollEmbeddings("alice", "Alice", [][]float32{{1, 0}}); err != nil {
		t.Fatalf("first EnrollEmbeddings() error = %v", err)
	}
	_, err := e.EnrollEmbeddings("alice-again", "Alice Again", [][]float32{{1, 0.01}})
	if !errors.Is(err, ErrNearDuplicate) {
		t.Errorf("near-duplicate enrollment error = %v, want ErrNearDuplicate", err)
	}
}

func TestNearDuplicateGateIgnoresAcceptThreshold(t *testing.T) {
	// With the accept threshold above the 0.95 duplicate score, a best match
	// is never an accepted match, yet the gate must still fire.
	st, err := store.Open(filepath.Join(t.TempDir(), "faces.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	m, err := matcher.New(matcher.MetricCosine, 0.97)
	if err != nil {
		t.Fatalf("matcher.New() error = %v", err)
	}
	v := &fakeVision{script: [][]vision.Detection{oneFace(0.95)}, embedding: []float32{1, 0}}
	e := New(st, m, v, v, v, nil)

	if _, err := e.EnrollEmbeddings("alice", "Alice", [][]float32{{1, 0}}); err != nil {
		t.Fatalf("first EnrollEmbeddings() error = %v", err)
	}

	// Unit vector at cosine 0.96 to alice: above the gate, below the threshold.
	theta := math.Acos(0.96)
	near := []float32{float32(math.Cos(theta)), float32(math.Sin(theta))}
	_, err = e.EnrollEmbeddings("alice-twin", "Alice Twin", [][]float32{near})
	if !errors.Is(err, ErrNearDuplicate) {
		t.Errorf("EnrollEmbeddings() error = %v, want ErrNearDuplicate", err)
	}

	// A genuinely different face still enrolls at the strict threshold.
	if _, err := e.EnrollEmbeddings("bob", "Bob", [][]float32{{0, 1}}); err != nil {
		t.Errorf("distinct enrollment error = %v", err)
	}
}

func TestEnrollEmbeddingsDimensionMismatch(t *testing.T) {
	v := &fakeVision{script: [][]vision.Detection{oneFace(0.95)}, embedding: []float32{1, 0}}
	e, _ := testEnroller(t, v)

	_, err := e.EnrollEmbeddings("alice", "Alice", [][]float32{{1, 0}, {1, 0, 0}})
	if !errors.Is(err, store.ErrDimensionMismatch) {
		t.Errorf("EnrollEmbeddings() error = %v, want ErrDimensionMismatch", err)
	}
}

func TestEnrollSamplesRequiresEnough(t *testing.T) {
	v := &fakeVision{script: [][]vision.Detection{oneFace(0.95)}, embedding: []float32{1, 0}}
	e, _ := testEnroller(t, v, WithRequiredSamples(3))

	_, err := e.EnrollSamples(context.Background(), "alice", "Alice", [][]byte{{1}, {2}})
	if !errors.Is(err, ErrTooFewSamples) {
		t.Errorf("EnrollSamples() error = %v, want ErrTooFewSamples", err)
	}

	ident, err := e.EnrollSamples(context.Background(), "alice", "Alice", [][]byte{{1}, {2}, {3}})
	if err != nil {
		t.Fatalf("EnrollSamples() error = %v", err)
	}
	if ident.SampleCount != 3 {
		t.Errorf("SampleCount = %d, want 3", ident.SampleCount)
	}
}

// fakeSource serves frames whose only purpose is to drive CaptureFromSource.
type fakeSource struct {
	seq    uint64
	frames chan camera.Frame
}

func (f *fakeSource) Read() (camera.Frame, error) {
	f.seq++
	return camera.Frame{Seq: f.seq, Timestamp: time.Now(), Data: []byte{byte(f.seq)}}, nil
}

func (f *fakeSource) Frames() <-chan camera.Frame { return f.frames }
func (f *fakeSource) Close() error                { return nil }

func TestCaptureFromSource(t *testing.T) {
	// Every third frame has a usable face: frames without one are skipped,
	// not fatal.
	v := &fakeVision{
		script:    [][]vision.Detection{oneFace(0.95), nil, oneFace(0.3)},
		embedding: []float32{1, 0},
	}
	e, st := testEnroller(t, v, WithRequiredSamples(2))

	var progress []int
	ident, err := e.CaptureFromSource(context.Background(), &fakeSource{}, "alice", "Alice",
		func(done, total int) { progress = append(progress, done) })
	if err != nil {
		t.Fatalf("CaptureFromSource() error = %v", err)
	}
	if ident.SampleCount != 2 {
		t.Errorf("SampleCount = %d, want 2", ident.SampleCount)
	}
	if len(progress) != 2 || progress[0] != 1 || progress[1] != 2 {
		t.Errorf("progress = %v, want [1 2]", progress)
	}
	if st.Get("alice") == nil {
		t.Error("identity not stored")
	}
}

func TestCaptureFromSourceHonorsContext(t *testing.T) {
	// No frame ever has a face, so only cancellation ends the loop.
	v := &fakeVision{script: [][]vision.Detection{nil}, embedding: []float32{1, 0}}
	e, _ := testEnroller(t, v, WithRequiredSamples(1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := e.CaptureFromSource(ctx, &fakeSource{}, "alice", "Alice", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CaptureFromSource() error = %v, want DeadlineExceeded", err)
	}
}

func TestNormalizeDisplayName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "Jiří Novák", want: "jiri novak"},
		{input: "Anne-Marie", want: "anne marie"},
		{input: "  Extra   Spaces  ", want: "extra spaces"},
		{input: "Ünïcödé", want: "unicode"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := NormalizeDisplayName(tt.input); got != tt.want {
				t.Errorf("NormalizeDisplayName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
