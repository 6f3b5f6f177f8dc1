package tracker

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/Grd45bisa/neural-face-attendance/internal/camera"
	"github.com/Grd45bisa/neural-face-attendance/internal/recognizer"
	"github.com/Grd45bisa/neural-face-attendance/internal/vision"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func TestRenderOverlay(t *testing.T) {
	frame := camera.Frame{Seq: 1, Data: testJPEG(t, 64, 48)}
	results := []recognizer.Result{
		{
			IdentityID:  "alice",
			DisplayName: "Alice",
			Similarity:  0.91,
			Bucket:      recognizer.BucketHigh,
			Box:         vision.Rect{X: 10, Y: 10, W: 20, H: 20},
		},
		{
			IdentityID: recognizer.IdentityUnknown,
			Bucket:     recognizer.BucketUnknown,
			// Partially outside the frame; drawing must clip, not panic.
			Box: vision.Rect{X: 50, Y: 30, W: 40, H: 40},
		},
	}

	img, err := RenderOverlay(frame, results)
	if err != nil {
		t.Fatalf("RenderOverlay() error = %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != 64 || bounds.Dy() != 48 {
		t.Errorf("overlay bounds = %dx%d, want 64x48", bounds.Dx(), bounds.Dy())
	}
}

func TestRenderOverlayRejectsBadFrame(t *testing.T) {
	if _, err := RenderOverlay(camera.Frame{Data: []byte("not a jpeg")}, nil); err == nil {
		t.Fatal("RenderOverlay() with garbage data: expected error")
	}
}

func TestSaveJPEG(t *testing.T) {
	frame := camera.Frame{Data: testJPEG(t, 32, 32)}
	img, err := RenderOverlay(frame, nil)
	if err != nil {
		t.Fatalf("RenderOverlay() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "snap.jpg")
	if err := SaveJPEG(path, img); err != nil {
		t.Fatalf("SaveJPEG() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Error("saved file is not a JPEG")
	}
}

func TestBucketColor(t *testing.T) {
	tests := []struct {
		name string
		face recognizer.Result
		want color.RGBA
	}{
		{"high", recognizer.Result{IdentityID: "alice", Bucket: recognizer.BucketHigh}, colorHigh},
		{"medium", recognizer.Result{IdentityID: "alice", Bucket: recognizer.BucketMedium}, colorMedium},
		{"low", recognizer.Result{IdentityID: "alice", Bucket: recognizer.BucketLow}, colorLow},
		{"unknown", recognizer.Result{IdentityID: recognizer.IdentityUnknown, Bucket: recognizer.BucketUnknown}, colorUnknown},
		{"error", recognizer.Result{IdentityID: recognizer.IdentityError, Bucket: recognizer.BucketError}, colorUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bucketColor(tt.face)
			if got != tt.want {
				t.Errorf("bucketColor() = %v, want %v", got, tt.want)
			}
		})
	}
}
