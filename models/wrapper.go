package models

import (
	"context"
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/tsawler/go-diffusion/tensor"
)

// EvalMode names what the wrapper produces per input.
const (
	EvalModeRecons = "recons"
	EvalModeSample = "sample"
)

// PredictionInput is one paired unit handed to the wrapper: the
// reference image and the latent noise the reverse process starts from.
type PredictionInput struct {
	Image *tensor.Tensor
	Noise *tensor.Tensor
}

// Prediction is the wrapper output for one input: the diffusion
// reconstruction and, when requested, the intermediate VAE output it was
// conditioned on.
type Prediction struct {
	Recons    *tensor.Tensor
	VAEOutput *tensor.Tensor
}

// DDPMWrapper owns the VAE and the two diffusion processes. The online
// network is the training-time copy; the target network holds the
// EMA-averaged weights and is the one sampled from at inference. All
// three submodels are read-only here.
type DDPMWrapper struct {
	VAE    *VAE
	Online *DDPM
	Target *DDPM

	Conditional bool
	PredSteps   int
	EvalMode    string
	SaveVAE     bool
}

// WrapperOption mutates construction defaults.
type WrapperOption func(*DDPMWrapper)

// WithPredSteps sets the number of reverse steps per prediction.
func WithPredSteps(steps int) WrapperOption {
	return func(w *DDPMWrapper) { w.PredSteps = steps }
}

// WithEvalMode sets what the wrapper produces ("recons" or "sample").
func WithEvalMode(mode string) WrapperOption {
	return func(w *DDPMWrapper) { w.EvalMode = mode }
}

// WithSaveVAE includes the intermediate VAE output in predictions.
func WithSaveVAE(save bool) WrapperOption {
	return func(w *DDPMWrapper) { w.SaveVAE = save }
}

// NewDDPMWrapper composes the three submodels into an inference unit.
func NewDDPMWrapper(vae *VAE, online, target *DDPM, conditional bool, opts ...WrapperOption) (*DDPMWrapper, error) {
	if vae == nil || online == nil || target == nil {
		return nil, fmt.Errorf("wrapper requires vae, online, and target models")
	}
	w := &DDPMWrapper{
		VAE:         vae,
		Online:      online,
		Target:      target,
		Conditional: conditional,
		PredSteps:   target.T,
		EvalMode:    EvalModeRecons,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.PredSteps <= 0 || w.PredSteps > target.T {
		return nil, fmt.Errorf("pred steps %d outside [1, %d]", w.PredSteps, target.T)
	}
	if w.EvalMode != EvalModeRecons && w.EvalMode != EvalModeSample {
		return nil, fmt.Errorf("unknown eval mode %q", w.EvalMode)
	}
	return w, nil
}

// Predict runs one input through the reconstruction path: the reference
// image is passed through the VAE, and the target (EMA) diffusion
// process denoises the supplied latent conditioned on that VAE output.
func (w *DDPMWrapper) Predict(ctx context.Context, in PredictionInput, rng *rand.Rand) (Prediction, error) {
	if in.Noise == nil {
		return Prediction{}, fmt.Errorf("prediction input lacks noise tensor")
	}

	var cond *tensor.Tensor
	var err error
	if w.Conditional && w.EvalMode == EvalModeRecons {
		if in.Image == nil {
			return Prediction{}, fmt.Errorf("recons mode requires a reference image")
		}
		if cond, err = w.VAE.Reconstruct(in.Image); err != nil {
			return Prediction{}, fmt.Errorf("vae reconstruction: %w", err)
		}
	} else {
		// Unconditional sampling still feeds the decoder a conditioning
		// plane; zeros keep the contract uniform.
		if cond, err = tensor.Zeros(in.Noise.Shape); err != nil {
			return Prediction{}, err
		}
	}

	recons, err := w.Target.Sample(ctx, in.Noise, cond, w.PredSteps, rng)
	if err != nil {
		return Prediction{}, fmt.Errorf("reverse process: %w", err)
	}

	out := Prediction{Recons: recons}
	if w.SaveVAE && w.Conditional && w.EvalMode == EvalModeRecons {
		out.VAEOutput = cond
	}
	return out, nil
}

// PredictBatch runs Predict over a batch in order.
func (w *DDPMWrapper) PredictBatch(ctx context.Context, batch []PredictionInput, rng *rand.Rand) ([]Prediction, error) {
	out := make([]Prediction, 0, len(batch))
	for i, in := range batch {
		p, err := w.Predict(ctx, in, rng)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// NamedParameters merges the three submodel parameter sets under the
// "vae.", "online.", and "target." prefixes. The checkpoint produced by
// diffusion training lacks the "vae." subtree, which is why the wrapper
// is restored with that prefix declared optional.
func (w *DDPMWrapper) NamedParameters() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	w.VAE.collectParams("vae.", out)
	w.Online.collectParams("online.", out)
	w.Target.collectParams("target.", out)
	return out
}
