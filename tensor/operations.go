package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if !t1.ShapeEquals(t2.Shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

// Add returns the elementwise sum of two tensors of identical shape.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	out, _ := Zeros(t1.Shape)
	for i := range out.Data {
		out.Data[i] = t1.Data[i] + t2.Data[i]
	}
	return out, nil
}

// Sub returns the elementwise difference t1 - t2.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	out, _ := Zeros(t1.Shape)
	for i := range out.Data {
		out.Data[i] = t1.Data[i] - t2.Data[i]
	}
	return out, nil
}

// Mul returns the elementwise product of two tensors of identical shape.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	out, _ := Zeros(t1.Shape)
	for i := range out.Data {
		out.Data[i] = t1.Data[i] * t2.Data[i]
	}
	return out, nil
}

// Scale returns t multiplied by a scalar.
func Scale(t *Tensor, s float32) *Tensor {
	out, _ := Zeros(t.Shape)
	for i := range out.Data {
		out.Data[i] = t.Data[i] * s
	}
	return out
}

// AddScaled returns t1 + s*t2 in a single pass. Used by the reverse
// diffusion update, which is a chain of these.
func AddScaled(t1, t2 *Tensor, s float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	out, _ := Zeros(t1.Shape)
	for i := range out.Data {
		out.Data[i] = t1.Data[i] + s*t2.Data[i]
	}
	return out, nil
}

// Clamp limits every element of t to the range [lo, hi] in place and
// returns t.
func Clamp(t *Tensor, lo, hi float32) *Tensor {
	for i, v := range t.Data {
		if v < lo {
			t.Data[i] = lo
		} else if v > hi {
			t.Data[i] = hi
		}
	}
	return t
}

// Tanh applies the hyperbolic tangent elementwise, returning a new tensor.
func Tanh(t *Tensor) *Tensor {
	out, _ := Zeros(t.Shape)
	for i, v := range t.Data {
		out.Data[i] = float32(math.Tanh(float64(v)))
	}
	return out
}
