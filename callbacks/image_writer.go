package callbacks

import (
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tsawler/go-diffusion/models"
	"github.com/tsawler/go-diffusion/tensor"
	"github.com/tsawler/go-diffusion/vision/preprocessing"
)

// ImageWriter persists each batch of predictions as PNG files. Files
// are named <prefix>_<steps>_<index>.png where index is the sample's
// dataset position, so reruns over the same dataset produce the same
// names. When save-vae is set, the intermediate VAE outputs land in a
// parallel vae directory under the same names.
type ImageWriter struct {
	imageDir     string
	vaeDir       string
	steps        int
	samplePrefix string
	saveVAE      bool
	norm         preprocessing.NormMode
}

// ImageWriterConfig carries the output-naming knobs.
type ImageWriterConfig struct {
	SavePath     string
	SaveMode     string
	Steps        int
	SamplePrefix string
	SaveVAE      bool

	// Norm names the value range the model emits, needed to map
	// tensors back to 8-bit pixels.
	Norm preprocessing.NormMode
}

// NewImageWriter creates the output directories up front so a bad save
// path fails the run before any sampling work.
func NewImageWriter(cfg ImageWriterConfig) (*ImageWriter, error) {
	if cfg.SavePath == "" {
		return nil, fmt.Errorf("save path is required")
	}
	if cfg.Steps <= 0 {
		return nil, fmt.Errorf("step count must be positive, got %d", cfg.Steps)
	}
	if cfg.SaveMode == "" {
		cfg.SaveMode = "image"
	}

	w := &ImageWriter{
		imageDir:     filepath.Join(cfg.SavePath, cfg.SaveMode, "images"),
		steps:        cfg.Steps,
		samplePrefix: cfg.SamplePrefix,
		saveVAE:      cfg.SaveVAE,
		norm:         cfg.Norm,
	}
	if err := os.MkdirAll(w.imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	if cfg.SaveVAE {
		w.vaeDir = filepath.Join(cfg.SavePath, cfg.SaveMode, "vae")
		if err := os.MkdirAll(w.vaeDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating vae output directory: %w", err)
		}
	}
	return w, nil
}

// WriteBatch saves every prediction in the batch. start is the dataset
// index of the first prediction.
func (w *ImageWriter) WriteBatch(ctx context.Context, start int, preds []models.Prediction) error {
	for i, p := range preds {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := w.fileName(start + i)
		if err := w.writePNG(filepath.Join(w.imageDir, name), p.Recons); err != nil {
			return fmt.Errorf("sample %d: %w", start+i, err)
		}

		if w.saveVAE && p.VAEOutput != nil {
			if err := w.writePNG(filepath.Join(w.vaeDir, name), p.VAEOutput); err != nil {
				return fmt.Errorf("sample %d vae output: %w", start+i, err)
			}
		}
	}
	slog.Debug("wrote batch", "dir", w.imageDir, "start", start, "count", len(preds))
	return nil
}

func (w *ImageWriter) fileName(idx int) string {
	if w.samplePrefix != "" {
		return fmt.Sprintf("%s_%d_%d.png", w.samplePrefix, w.steps, idx)
	}
	return fmt.Sprintf("%d_%d.png", w.steps, idx)
}

func (w *ImageWriter) writePNG(path string, t *tensor.Tensor) error {
	img, err := preprocessing.ToImage(t, w.norm)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
