// Package preprocessing converts images on disk into the CHW float32
// tensors the models consume.
package preprocessing

import (
	"fmt"
	"image"
	"io"
	"os"
	"sync"

	// Register the decoders the reconstruction datasets encounter.
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/tsawler/go-diffusion/tensor"
)

// NormMode selects the value range of preprocessed pixels.
type NormMode int

const (
	// NormUnit maps pixels to [0, 1].
	NormUnit NormMode = iota
	// NormSigned maps pixels to [-1, 1], the range the diffusion model
	// was trained on.
	NormSigned
)

// ImageProcessor decodes and resizes images into CHW float32 tensors.
// It reuses its scratch buffers across calls, so a single processor is
// cheaper than constructing one per image; it is safe for concurrent use.
type ImageProcessor struct {
	mu         sync.Mutex
	scratch    *image.RGBA
	targetSize int
	norm       NormMode
}

// NewImageProcessor creates a processor producing targetSize x targetSize
// outputs with the given normalization.
func NewImageProcessor(targetSize int, norm NormMode) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
		norm:       norm,
	}
}

// ProcessFile decodes the image at path and preprocesses it.
func (p *ImageProcessor) ProcessFile(path string) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	return p.Process(f)
}

// Process decodes an image from r and returns a (3, S, S) tensor in the
// processor's normalization range.
func (p *ImageProcessor) Process(r io.Reader) (*tensor.Tensor, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.scratch == nil {
		p.scratch = image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
	}
	draw.ApproxBiLinear.Scale(p.scratch, p.scratch.Bounds(), img, img.Bounds(), draw.Src, nil)

	size := p.targetSize
	data := make([]float32, 3*size*size)
	plane := size * size

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := p.scratch.PixOffset(x, y)
			idx := y*size + x
			data[idx] = normalize(p.scratch.Pix[off], p.norm)
			data[plane+idx] = normalize(p.scratch.Pix[off+1], p.norm)
			data[2*plane+idx] = normalize(p.scratch.Pix[off+2], p.norm)
		}
	}

	return tensor.New([]int{3, size, size}, data)
}

// TargetSize returns the processor's output resolution.
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

func normalize(v uint8, norm NormMode) float32 {
	unit := float32(v) / 255.0
	if norm == NormSigned {
		return unit*2 - 1
	}
	return unit
}

// ToImage converts a (3, S, S) tensor back into an RGBA image, inverting
// the given normalization. Out-of-range values are clipped.
func ToImage(t *tensor.Tensor, norm NormMode) (*image.RGBA, error) {
	if len(t.Shape) != 3 || t.Shape[0] != 3 {
		return nil, fmt.Errorf("expected (3, H, W) tensor, got shape %v", t.Shape)
	}

	h, w := t.Shape[1], t.Shape[2]
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	plane := h * w

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			off := img.PixOffset(x, y)
			img.Pix[off] = denormalize(t.Data[idx], norm)
			img.Pix[off+1] = denormalize(t.Data[plane+idx], norm)
			img.Pix[off+2] = denormalize(t.Data[2*plane+idx], norm)
			img.Pix[off+3] = 255
		}
	}
	return img, nil
}

func denormalize(v float32, norm NormMode) uint8 {
	if norm == NormSigned {
		v = (v + 1) / 2
	}
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	return uint8(v*255 + 0.5)
}
