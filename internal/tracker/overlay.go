package tracker

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/Grd45bisa/neural-face-attendance/internal/camera"
	"github.com/Grd45bisa/neural-face-attendance/internal/recognizer"
	"github.com/Grd45bisa/neural-face-attendance/internal/vision"
)

// Bucket colors for box outlines and labels.
var (
	colorHigh    = color.RGBA{0, 200, 0, 255}
	colorMedium  = color.RGBA{230, 180, 0, 255}
	colorLow     = color.RGBA{200, 120, 0, 255}
	colorUnknown = color.RGBA{200, 0, 0, 255}
)

func bucketColor(face recognizer.Result) color.RGBA {
	if face.IdentityID == recognizer.IdentityUnknown || face.IdentityID == recognizer.IdentityError {
		return colorUnknown
	}
	switch face.Bucket {
	case recognizer.BucketHigh:
		return colorHigh
	case recognizer.BucketMedium:
		return colorMedium
	default:
		return colorLow
	}
}

// RenderOverlay decodes a JPEG frame and draws recognition boxes and labels
// on it.
func RenderOverlay(frame camera.Frame, results []recognizer.Result) (image.Image, error) {
	src, _, err := image.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("could not decode frame %d: %w", frame.Seq, err)
	}
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)

	for _, face := range results {
		c := bucketColor(face)
		drawRect(dst, face.Box, c)
		label := fmt.Sprintf("%s %.0f%%", face.DisplayName, face.Similarity*100)
		if face.DisplayName == "" {
			label = fmt.Sprintf("%s %.0f%%", face.IdentityID, face.Similarity*100)
		}
		drawLabel(dst, face.Box.X, face.Box.Y-4, label, c)
	}
	return dst, nil
}

// drawRect outlines a box with a 2px border, clipped to the image bounds.
func drawRect(img *image.RGBA, box vision.Rect, c color.RGBA) {
	const thickness = 2
	b := img.Bounds()
	x0, y0 := box.X, box.Y
	x1, y1 := box.X+box.W, box.Y+box.H

	for t := 0; t < thickness; t++ {
		for x := x0; x <= x1; x++ {
			setClipped(img, b, x, y0+t, c)
			setClipped(img, b, x, y1-t, c)
		}
		for y := y0; y <= y1; y++ {
			setClipped(img, b, x0+t, y, c)
			setClipped(img, b, x1-t, y, c)
		}
	}
}

func setClipped(img *image.RGBA, b image.Rectangle, x, y int, c color.RGBA) {
	if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
		img.SetRGBA(x, y, c)
	}
}

// drawLabel renders text with the fixed 7x13 face just above a box.
func drawLabel(img *image.RGBA, x, y int, text string, c color.RGBA) {
	if y < basicfont.Face7x13.Ascent {
		y = basicfont.Face7x13.Ascent
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// SaveJPEG writes an image to path with default quality.
func SaveJPEG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create snapshot file: %w", err)
	}
	if err := jpeg.Encode(f, img, nil); err != nil {
		f.Close()
		return fmt.Errorf("could not encode snapshot: %w", err)
	}
	return f.Close()
}
