package tensor

import (
	"fmt"
)

// Tensor is a dense CPU tensor of float32 values in row-major order.
// All model inference in this module runs on these; there is no device
// transfer or gradient tracking.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float32
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// At returns the element at the given multi-dimensional index.
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.offset(indices)]
}

// Set stores v at the given multi-dimensional index.
func (t *Tensor) Set(v float32, indices ...int) {
	t.Data[t.offset(indices)] = v
}

func (t *Tensor) offset(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: %d indices for %d-dimensional tensor", len(indices), len(t.Shape)))
	}
	off := 0
	for i, idx := range indices {
		off += idx * t.Strides[i]
	}
	return off
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	clone, _ := New(append([]int{}, t.Shape...), data)
	return clone
}

// Reshape returns a view-copy of the tensor with a new shape. The element
// count must match.
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	if calculateNumElements(shape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape %v to %v: element count mismatch", t.Shape, shape)
	}
	return New(shape, t.Data)
}

// ShapeEquals reports whether the tensor has exactly the given shape.
func (t *Tensor) ShapeEquals(shape []int) bool {
	if len(t.Shape) != len(shape) {
		return false
	}
	for i, dim := range t.Shape {
		if dim != shape[i] {
			return false
		}
	}
	return true
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("shape cannot be empty")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("shape dimension %d must be positive, got %d", i, dim)
		}
	}
	return nil
}
