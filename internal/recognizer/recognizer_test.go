package recognizer

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/Grd45bisa/neural-face-attendance/internal/matcher"
	"github.com/Grd45bisa/neural-face-attendance/internal/store"
	"github.com/Grd45bisa/neural-face-attendance/internal/vision"
)

// fakePipeline scripts the detector, preprocessor and encoder together. Each
// detection at index i encodes to embeddings[i].
type fakePipeline struct {
	detections []vision.Detection
	detectErr  error
	embeddings [][]float32
	encodeErr  error

	detectCalls int
}

func (f *fakePipeline) Detect(ctx context.Context, image []byte) ([]vision.Detection, error) {
	f.detectCalls++
	if f.detectErr != nil {
		return nil, f.detectErr
	}
	return f.detections, nil
}

func (f *fakePipeline) Preprocess(ctx context.Context, image []byte, box vision.Rect, landmarks map[string]vision.Point) (*vision.Tensor, error) {
	// The tensor carries the face index so Encode can look up its embedding.
	return &vision.Tensor{Width: 1, Height: 1, Data: []float32{float32(box.X)}}, nil
}

func (f *fakePipeline) Encode(ctx context.Context, t *vision.Tensor) ([]float32, error) {
	if f.encodeErr != nil {
		return nil, f.encodeErr
	}
	return f.embeddings[int(t.Data[0])], nil
}

func (f *fakePipeline) EncodeBatch(ctx context.Context, ts []*vision.Tensor) ([][]float32, error) {
	if f.encodeErr != nil {
		return nil, f.encodeErr
	}
	out := make([][]float32, len(ts))
	for i, t := range ts {
		out[i] = f.embeddings[int(t.Data[0])]
	}
	return out, nil
}

// detectionAt builds a detection whose box X doubles as the face index.
func detectionAt(index int, confidence float64) vision.Detection {
	return vision.Detection{Box: vision.Rect{X: index, W: 10, H: 10}, Confidence: confidence}
}

func testRecognizer(t *testing.T, pipe *fakePipeline) (*Recognizer, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "faces.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	m, err := matcher.New(matcher.MetricCosine, 0.6)
	if err != nil {
		t.Fatalf("matcher.New() error = %v", err)
	}
	return New(pipe, pipe, pipe, m, st, nil), st
}

func TestRecognizeMatchesEnrolledIdentity(t *testing.T) {
	pipe := &fakePipeline{
		detections: []vision.Detection{detectionAt(0, 0.99)},
		embeddings: [][]float32{{1, 0, 0}},
	}
	rec, st := testRecognizer(t, pipe)
	if _, err := st.Add("alice", "Alice", []float32{1, 0, 0}, 1, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	outcome, err := rec.Recognize(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Fatalf("Status = %v, want success", outcome.Status)
	}
	if len(outcome.Faces) != 1 {
		t.Fatalf("Faces = %d, want 1", len(outcome.Faces))
	}
	face := outcome.Faces[0]
	if face.IdentityID != "alice" || face.DisplayName != "Alice" {
		t.Errorf("face = %+v", face)
	}
	if face.Bucket != BucketHigh {
		t.Errorf("Bucket = %v, want high", face.Bucket)
	}
	if math.Abs(face.Similarity-1) > 1e-6 {
		t.Errorf("Similarity = %v, want 1", face.Similarity)
	}
	// Matching writes the verification through to the store.
	if got := st.Get("alice").VerificationCount; got != 1 {
		t.Errorf("VerificationCount = %d, want 1", got)
	}
}

func TestRecognizeUnknownFace(t *testing.T) {
	pipe := &fakePipeline{
		detections: []vision.Detection{detectionAt(0, 0.9)},
		embeddings: [][]float32{{0, 1, 0}},
	}
	rec, st := testRecognizer(t, pipe)
	if _, err := st.Add("alice", "Alice", []float32{1, 0, 0}, 1, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	outcome, err := rec.Recognize(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	face := outcome.Faces[0]
	if face.IdentityID != IdentityUnknown || face.Bucket != BucketUnknown {
		t.Errorf("face = %+v, want unknown", face)
	}
	// An orthogonal embedding scores 0, still reported.
	if face.Similarity != 0 {
		t.Errorf("Similarity = %v, want 0", face.Similarity)
	}
}

func TestRecognizeStatuses(t *testing.T) {
	tests := []struct {
		name   string
		pipe   *fakePipeline
		enroll bool
		want   Status
	}{
		{
			name:   "no face",
			pipe:   &fakePipeline{},
			enroll: true,
			want:   StatusNoFace,
		},
		{
			name: "empty database",
			pipe: &fakePipeline{
				detections: []vision.Detection{detectionAt(0, 0.9)},
				embeddings: [][]float32{{1, 0, 0}},
			},
			want: StatusEmptyDatabase,
		},
		{
			name: "detector error",
			pipe: &fakePipeline{detectErr: errors.New("camera glare")},
			want: StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, st := testRecognizer(t, tt.pipe)
			if tt.enroll {
				if _, err := st.Add("alice", "Alice", []float32{1, 0, 0}, 1, nil); err != nil {
					t.Fatalf("Add() error = %v", err)
				}
			}
			outcome, err := rec.Recognize(context.Background(), []byte{1})
			if err != nil {
				t.Fatalf("Recognize() error = %v", err)
			}
			if outcome.Status != tt.want {
				t.Errorf("Status = %v, want %v", outcome.Status, tt.want)
			}
			if tt.want == StatusError && outcome.Reason == "" {
				t.Error("Reason empty for error outcome")
			}
		})
	}
}

func TestRecognizeEmptyImage(t *testing.T) {
	rec, _ := testRecognizer(t, &fakePipeline{})
	if _, err := rec.Recognize(context.Background(), nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Recognize(nil) error = %v, want ErrInvalidInput", err)
	}
}

func TestRecognizePerFaceErrorIsolation(t *testing.T) {
	// Face 1 yields no embedding while face 0 succeeds.
	pipe := &fakePipeline{
		detections: []vision.Detection{detectionAt(0, 0.9), detectionAt(1, 0.8)},
		embeddings: [][]float32{{1, 0, 0}, nil},
	}
	rec, st := testRecognizer(t, pipe)
	if _, err := st.Add("alice", "Alice", []float32{1, 0, 0}, 1, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	outcome, err := rec.Recognize(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Fatalf("Status = %v, want success despite one failed face", outcome.Status)
	}
	if len(outcome.Faces) != 2 {
		t.Fatalf("Faces = %d, want 2", len(outcome.Faces))
	}
	if outcome.Faces[0].IdentityID != "alice" {
		t.Errorf("face 0 = %+v, want alice", outcome.Faces[0])
	}
	if outcome.Faces[1].IdentityID != IdentityError || outcome.Faces[1].Bucket != BucketError {
		t.Errorf("face 1 = %+v, want error sentinel", outcome.Faces[1])
	}
}

func TestSnapshotCaching(t *testing.T) {
	pipe := &fakePipeline{
		detections: []vision.Detection{detectionAt(0, 0.9)},
		embeddings: [][]float32{{0, 1, 0}},
	}
	rec, st := testRecognizer(t, pipe)
	if _, err := st.Add("alice", "Alice", []float32{1, 0, 0}, 1, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if _, err := rec.Recognize(context.Background(), []byte{1}); err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}

	// bob matches the query exactly, but the cached snapshot predates him.
	if _, err := st.Add("bob", "Bob", []float32{0, 1, 0}, 1, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	outcome, err := rec.Recognize(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if got := outcome.Faces[0].IdentityID; got != IdentityUnknown {
		t.Fatalf("stale snapshot produced %q, want unknown", got)
	}

	rec.RefreshCache()
	outcome, err = rec.Recognize(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if got := outcome.Faces[0].IdentityID; got != "bob" {
		t.Errorf("after RefreshCache got %q, want bob", got)
	}
}

func TestRecognizeSingle(t *testing.T) {
	pipe := &fakePipeline{
		detections: []vision.Detection{detectionAt(0, 0.9), detectionAt(1, 0.8)},
		embeddings: [][]float32{{1, 0, 0}, {0, 1, 0}},
	}
	rec, st := testRecognizer(t, pipe)
	if _, err := st.Add("alice", "Alice", []float32{1, 0, 0}, 1, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if _, err := rec.RecognizeSingle(context.Background(), []byte{1}); !errors.Is(err, ErrFaceCount) {
		t.Errorf("RecognizeSingle(two faces) error = %v, want ErrFaceCount", err)
	}

	pipe.detections = pipe.detections[:1]
	before := pipe.detectCalls
	face, err := rec.RecognizeSingle(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("RecognizeSingle() error = %v", err)
	}
	if face.IdentityID != "alice" {
		t.Errorf("face = %+v, want alice", face)
	}
	if got := pipe.detectCalls - before; got != 1 {
		t.Errorf("detector called %d times, want 1", got)
	}
}

func TestExtractEmbedding(t *testing.T) {
	pipe := &fakePipeline{
		detections: []vision.Detection{detectionAt(0, 0.9)},
		embeddings: [][]float32{{1, 2, 3}},
	}
	rec, _ := testRecognizer(t, pipe)

	emb, det, err := rec.ExtractEmbedding(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("ExtractEmbedding() error = %v", err)
	}
	if len(emb) != 3 || emb[0] != 1 {
		t.Errorf("embedding = %v", emb)
	}
	if det.Confidence != 0.9 {
		t.Errorf("detection = %+v", det)
	}
}

func TestStatistics(t *testing.T) {
	pipe := &fakePipeline{
		detections: []vision.Detection{detectionAt(0, 0.9)},
		embeddings: [][]float32{{1, 0, 0}},
	}
	rec, st := testRecognizer(t, pipe)
	if _, err := st.Add("alice", "Alice", []float32{1, 0, 0}, 1, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := rec.Recognize(context.Background(), []byte{1}); err != nil {
			t.Fatalf("Recognize() error = %v", err)
		}
	}

	stats := rec.Statistics()
	if stats.Attempts != 3 || stats.Recognized != 3 {
		t.Errorf("stats = %+v, want 3 attempts and 3 recognized", stats)
	}
	if stats.SuccessRate != 1 {
		t.Errorf("SuccessRate = %v, want 1", stats.SuccessRate)
	}

	rec.ResetStatistics()
	if got := rec.Statistics(); got.Attempts != 0 {
		t.Errorf("Attempts after reset = %d, want 0", got.Attempts)
	}
}
