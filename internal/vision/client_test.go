package vision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDetect(t *testing.T) {
	jpegMagic := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect" {
			t.Errorf("path = %q, want /detect", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("Content-Type = %q, want multipart", r.Header.Get("Content-Type"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parsing multipart form: %v", err)
		}
		fh := r.MultipartForm.File["file"]
		if len(fh) != 1 {
			t.Fatalf("file parts = %d, want 1", len(fh))
		}
		if ct := fh[0].Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part Content-Type = %q, want image/jpeg", ct)
		}
		json.NewEncoder(w).Encode(detectResponse{Faces: []Detection{
			{Box: Rect{X: 10, Y: 20, W: 50, H: 60}, Confidence: 0.97},
		}})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	faces, err := c.Detect(context.Background(), jpegMagic)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("Detect() returned %d faces, want 1", len(faces))
	}
	if faces[0].Box.W != 50 || faces[0].Confidence != 0.97 {
		t.Errorf("face = %+v", faces[0])
	}
}

func TestEncode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/encode" {
			t.Errorf("path = %q, want /encode", r.URL.Path)
		}
		json.NewEncoder(w).Encode(encodeResponse{Dim: 3, Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	emb, err := c.Encode(context.Background(), &Tensor{Width: 112, Height: 112, Data: []float32{1}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(emb) != 3 {
		t.Errorf("embedding length = %d, want 3", len(emb))
	}
}

func TestEncodeBatchLengthMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(encodeBatchResponse{Embeddings: [][]float32{{1}}})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	ts := []*Tensor{{Data: []float32{1}}, {Data: []float32{2}}}
	_, err := c.EncodeBatch(context.Background(), ts)
	if !errors.Is(err, ErrInference) {
		t.Errorf("EncodeBatch() error = %v, want ErrInference on length mismatch", err)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "resource exhausted", status: http.StatusInsufficientStorage, wantErr: ErrResourceExhausted},
		{name: "server error", status: http.StatusInternalServerError, wantErr: ErrInference},
		{name: "not found", status: http.StatusNotFound, wantErr: ErrInference},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			c := NewClient(server.URL)
			_, err := c.Encode(context.Background(), &Tensor{Data: []float32{1}})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPreprocessRejectsEmptyTensor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Tensor{Width: 112, Height: 112})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	_, err := c.Preprocess(context.Background(), []byte{1}, Rect{}, nil)
	if !errors.Is(err, ErrInference) {
		t.Errorf("Preprocess() error = %v, want ErrInference on empty tensor", err)
	}
}

func TestDetectMIMEType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{name: "jpeg", data: []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}, want: "image/jpeg"},
		{name: "png", data: []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, want: "image/png"},
		{name: "unknown", data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, want: "application/octet-stream"},
		{name: "too short", data: []byte{0xFF, 0xD8}, want: "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectMIMEType(tt.data); got != tt.want {
				t.Errorf("detectMIMEType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusFromError(t *testing.T) {
	if got := StatusFromError(nil); got != "ok" {
		t.Errorf("StatusFromError(nil) = %q, want ok", got)
	}
	if got := StatusFromError(ErrResourceExhausted); got != "resource_exhausted" {
		t.Errorf("StatusFromError(exhausted) = %q, want resource_exhausted", got)
	}
	if got := StatusFromError(errors.New("boom")); got != "inference_error" {
		t.Errorf("StatusFromError(other) = %q, want inference_error", got)
	}
}
