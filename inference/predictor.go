package inference

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/exp/rand"

	"github.com/tsawler/go-diffusion/models"
)

// BatchWriter receives each batch of predictions as it completes.
// start is the dataset index of the first prediction in the batch.
type BatchWriter interface {
	WriteBatch(ctx context.Context, start int, preds []models.Prediction) error
}

// Predictor drives a full inference pass: it walks the loader batch by
// batch, runs the wrapper over each batch, and hands results to the
// registered writers. The first error stops the run; outputs already
// written stay on disk.
type Predictor struct {
	wrapper *models.DDPMWrapper
	loader  *DataLoader
	writers []BatchWriter
	rng     *rand.Rand
}

// NewPredictor assembles an inference run.
func NewPredictor(wrapper *models.DDPMWrapper, loader *DataLoader, rng *rand.Rand, writers ...BatchWriter) (*Predictor, error) {
	if wrapper == nil {
		return nil, fmt.Errorf("model wrapper is required")
	}
	if loader == nil {
		return nil, fmt.Errorf("data loader is required")
	}
	if rng == nil {
		return nil, fmt.Errorf("random generator is required")
	}
	return &Predictor{
		wrapper: wrapper,
		loader:  loader,
		writers: writers,
		rng:     rng,
	}, nil
}

// Run executes one pass over the dataset. Every sample is visited
// exactly once, in dataset order.
func (p *Predictor) Run(ctx context.Context) error {
	p.loader.Reset()
	totalBatches := p.loader.Len()
	progress := NewProgressBar("Sampling", totalBatches)

	done := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := p.loader.Next(ctx)
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}

		inputs := make([]models.PredictionInput, batch.Size())
		for i, s := range batch.Samples {
			inputs[i] = models.PredictionInput{Image: s.Image, Noise: s.Noise}
		}

		preds, err := p.wrapper.PredictBatch(ctx, inputs, p.rng)
		if err != nil {
			return fmt.Errorf("batch at %d: %w", batch.Start, err)
		}

		for _, w := range p.writers {
			if err := w.WriteBatch(ctx, batch.Start, preds); err != nil {
				return fmt.Errorf("writing batch at %d: %w", batch.Start, err)
			}
		}

		done++
		progress.Add(1)
		slog.Debug("batch complete", "batch", done, "total", totalBatches, "samples", batch.Size())
	}
	progress.Finish()
	return nil
}
