package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodeTestImage(t *testing.T, w, h int, c color.Color) *bytes.Buffer {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return &buf
}

func TestProcessShapeAndRange(t *testing.T) {
	p := NewImageProcessor(16, NormUnit)

	out, err := p.Process(encodeTestImage(t, 32, 24, color.RGBA{R: 255, G: 128, B: 0, A: 255}))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if !out.ShapeEquals([]int{3, 16, 16}) {
		t.Fatalf("unexpected shape %v", out.Shape)
	}

	// Uniform input image: R channel near 1, B channel near 0.
	if r := out.At(0, 8, 8); r < 0.95 {
		t.Errorf("red channel = %v, want ~1", r)
	}
	if b := out.At(2, 8, 8); b > 0.05 {
		t.Errorf("blue channel = %v, want ~0", b)
	}
}

func TestProcessSignedNorm(t *testing.T) {
	p := NewImageProcessor(8, NormSigned)

	out, err := p.Process(encodeTestImage(t, 8, 8, color.RGBA{A: 255}))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	// Black image maps to -1 under signed normalization.
	for _, v := range out.Data {
		if v < -1.001 || v > -0.99 {
			t.Fatalf("signed normalization of black pixel = %v, want -1", v)
		}
	}
}

func TestProcessRejectsGarbage(t *testing.T) {
	p := NewImageProcessor(8, NormUnit)
	if _, err := p.Process(bytes.NewBufferString("not an image")); err == nil {
		t.Error("expected decode error")
	}
}

func TestRoundTripToImage(t *testing.T) {
	p := NewImageProcessor(8, NormSigned)
	out, err := p.Process(encodeTestImage(t, 8, 8, color.RGBA{R: 200, G: 100, B: 50, A: 255}))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	img, err := ToImage(out, NormSigned)
	if err != nil {
		t.Fatalf("to image failed: %v", err)
	}

	r, g, b, _ := img.At(4, 4).RGBA()
	if r>>8 != 200 || g>>8 != 100 || b>>8 != 50 {
		t.Errorf("round trip changed pixel: got (%d,%d,%d), want (200,100,50)", r>>8, g>>8, b>>8)
	}
}

func TestToImageRejectsBadShape(t *testing.T) {
	p := NewImageProcessor(8, NormUnit)
	out, _ := p.Process(encodeTestImage(t, 8, 8, color.RGBA{A: 255}))

	flat, err := out.Reshape([]int{192})
	if err != nil {
		t.Fatalf("reshape failed: %v", err)
	}
	if _, err := ToImage(flat, NormUnit); err == nil {
		t.Error("expected shape error for non-CHW tensor")
	}
}
