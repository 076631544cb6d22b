package dataset

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tsawler/go-diffusion/tensor"
)

// NoiseDataset holds a fixed collection of standard-normal latent tensors.
// All items are drawn at construction from a single seeded source, so two
// datasets built with the same seed are bit-identical and Get is stable
// across calls.
type NoiseDataset struct {
	items []*tensor.Tensor
}

// NewNoiseDataset draws n tensors of shape (channels, size, size) from the
// standard normal distribution seeded with seed.
func NewNoiseDataset(n, channels, size int, seed uint64) (*NoiseDataset, error) {
	if n <= 0 {
		return nil, fmt.Errorf("noise dataset size must be positive, got %d", n)
	}

	normal := distuv.Normal{
		Mu:    0,
		Sigma: 1,
		Src:   rand.NewSource(seed),
	}

	items := make([]*tensor.Tensor, n)
	for i := range items {
		t, err := tensor.Zeros([]int{channels, size, size})
		if err != nil {
			return nil, fmt.Errorf("failed to allocate noise tensor: %v", err)
		}
		for j := range t.Data {
			t.Data[j] = float32(normal.Rand())
		}
		items[i] = t
	}

	return &NoiseDataset{items: items}, nil
}

// Len returns the number of noise tensors.
func (d *NoiseDataset) Len() int {
	return len(d.items)
}

// Get returns the noise tensor at idx.
func (d *NoiseDataset) Get(idx int) (*tensor.Tensor, error) {
	if idx < 0 || idx >= len(d.items) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.items))
	}
	return d.items[idx], nil
}
