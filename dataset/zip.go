package dataset

import (
	"fmt"
	"log/slog"

	"github.com/tsawler/go-diffusion/tensor"
)

// Source is any indexable collection of tensors.
type Source interface {
	Len() int
	Get(idx int) (*tensor.Tensor, error)
}

// Sample is one paired unit of reference image and latent noise.
type Sample struct {
	Image *tensor.Tensor
	Noise *tensor.Tensor
}

// ZipDataset pairs two sources positionally: item i is (images[i],
// noise[i]). The pairing carries no content alignment. Its length is the
// shorter of the two sources; a mismatch is tolerated by truncation, the
// same way the run tolerates a reconstruction source smaller than the
// configured sample count.
type ZipDataset struct {
	images Source
	noise  Source
	length int
}

// NewZipDataset builds the paired dataset.
func NewZipDataset(images, noise Source) *ZipDataset {
	length := images.Len()
	if noise.Len() < length {
		length = noise.Len()
	}
	if images.Len() != noise.Len() {
		slog.Warn("zipped sources have different lengths, truncating",
			"images", images.Len(), "noise", noise.Len(), "effective", length)
	}
	return &ZipDataset{images: images, noise: noise, length: length}
}

// Len returns the paired length.
func (d *ZipDataset) Len() int {
	return d.length
}

// Get returns the pair at idx.
func (d *ZipDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= d.length {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", idx, d.length)
	}

	img, err := d.images.Get(idx)
	if err != nil {
		return Sample{}, fmt.Errorf("image source: %w", err)
	}
	noise, err := d.noise.Get(idx)
	if err != nil {
		return Sample{}, fmt.Errorf("noise source: %w", err)
	}
	return Sample{Image: img, Noise: noise}, nil
}
