package tensor

import (
	"fmt"

	"golang.org/x/exp/rand"
)

// New creates a tensor with the given shape backed by data. The data slice
// is used directly (not copied); it must contain exactly the number of
// elements the shape implies.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, fmt.Errorf("invalid shape: %v", err)
	}

	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, numElems)
	}

	return &Tensor{
		Shape:    append([]int{}, shape...),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros creates a zero-filled tensor with the given shape.
func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, fmt.Errorf("invalid shape: %v", err)
	}
	return New(shape, make([]float32, calculateNumElements(shape)))
}

// Full creates a tensor with every element set to value.
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// Randn creates a tensor whose elements are drawn independently from the
// standard normal distribution using the supplied generator. Callers that
// need reproducible draws seed the generator themselves; there is no
// process-global seeding.
func Randn(shape []int, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t, nil
}
