package models

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-diffusion/tensor"
)

// DDPM couples a noise-prediction network with a linear noise schedule
// and runs the reverse diffusion process. The schedule is precomputed at
// construction; the struct is read-only afterwards.
type DDPM struct {
	Decoder *SuperResModel

	T         int
	betas     []float64
	alphaBars []float64
}

// NewDDPM builds a diffusion process over T timesteps with betas spaced
// linearly from beta1 to beta2.
func NewDDPM(decoder *SuperResModel, beta1, beta2 float64, T int) (*DDPM, error) {
	if decoder == nil {
		return nil, fmt.Errorf("decoder is required")
	}
	if T <= 0 {
		return nil, fmt.Errorf("timestep count must be positive, got %d", T)
	}
	if beta1 <= 0 || beta2 <= beta1 || beta2 >= 1 {
		return nil, fmt.Errorf("invalid schedule endpoints beta1=%v beta2=%v", beta1, beta2)
	}

	betas := make([]float64, T)
	if T == 1 {
		betas[0] = beta1
	} else {
		floats.Span(betas, beta1, beta2)
	}

	alphas := make([]float64, T)
	for i, b := range betas {
		alphas[i] = 1 - b
	}
	alphaBars := make([]float64, T)
	floats.CumProd(alphaBars, alphas)

	return &DDPM{
		Decoder:   decoder,
		T:         T,
		betas:     betas,
		alphaBars: alphaBars,
	}, nil
}

// AlphaBar returns the cumulative product of (1 - beta) up to timestep t.
func (d *DDPM) AlphaBar(t int) float64 {
	return d.alphaBars[t]
}

// Beta returns the schedule value at timestep t.
func (d *DDPM) Beta(t int) float64 {
	return d.betas[t]
}

// SpacedTimesteps selects steps timesteps evenly across the schedule,
// in increasing order, always including timestep 0. With steps == T this
// is the identity sequence.
func (d *DDPM) SpacedTimesteps(steps int) ([]int, error) {
	if steps <= 0 || steps > d.T {
		return nil, fmt.Errorf("step count %d outside [1, %d]", steps, d.T)
	}
	out := make([]int, steps)
	for i := 0; i < steps; i++ {
		out[i] = i * d.T / steps
	}
	return out, nil
}

// Sample runs the reverse process from the pure-noise tensor xT,
// conditioned on cond, over the given number of steps. The generator
// supplies the stochastic part of each transition; the final step is
// deterministic. The context is checked between steps so a cancelled run
// stops promptly.
func (d *DDPM) Sample(ctx context.Context, xT, cond *tensor.Tensor, steps int, rng *rand.Rand) (*tensor.Tensor, error) {
	timesteps, err := d.SpacedTimesteps(steps)
	if err != nil {
		return nil, err
	}

	x := xT.Clone()
	for i := len(timesteps) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		t := timesteps[i]
		eps, err := d.Decoder.Forward(x, cond, t)
		if err != nil {
			return nil, fmt.Errorf("noise prediction at timestep %d: %w", t, err)
		}

		if i == 0 {
			// Final transition recovers the clean sample from the
			// noise estimate.
			x0, err := tensor.AddScaled(x, eps, float32(-math.Sqrt(1-d.alphaBars[t])))
			if err != nil {
				return nil, err
			}
			x = tensor.Scale(x0, float32(1/math.Sqrt(d.alphaBars[t])))
			continue
		}

		// Effective one-shot beta for the jump to the previous kept
		// timestep; with steps == T this reduces to the schedule beta.
		beta := 1 - d.alphaBars[t]/d.alphaBars[timesteps[i-1]]

		mean, err := tensor.AddScaled(x, eps, float32(-beta/math.Sqrt(1-d.alphaBars[t])))
		if err != nil {
			return nil, err
		}
		x = tensor.Scale(mean, float32(1/math.Sqrt(1-beta)))

		z, err := tensor.Randn(x.Shape, rng)
		if err != nil {
			return nil, err
		}
		if x, err = tensor.AddScaled(x, z, float32(math.Sqrt(beta))); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// NamedParameters exposes the decoder parameters; the schedule itself
// carries no learned state.
func (d *DDPM) NamedParameters() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	d.collectParams("", out)
	return out
}

func (d *DDPM) collectParams(prefix string, out map[string]*tensor.Tensor) {
	d.Decoder.collectParams(prefix+"decoder.", out)
}
