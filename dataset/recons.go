// Package dataset provides the paired data pipeline for reconstruction
// sampling: real images from disk zipped positionally with freshly drawn
// latent noise.
package dataset

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/tsawler/go-diffusion/tensor"
	"github.com/tsawler/go-diffusion/vision/preprocessing"
)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// ReconstructionDataset serves reference images from a directory tree,
// preprocessed to a fixed resolution. Files are ordered by sorted path so
// indices are stable across runs.
type ReconstructionDataset struct {
	paths     []string
	processor *preprocessing.ImageProcessor
}

// NewReconstructionDataset scans root (and one level of subdirectories)
// for images and keeps the first subsampleSize of them in sorted order.
// A subsampleSize of 0 keeps everything. If fewer images exist than
// requested, the dataset is simply shorter; the zip stage truncates to
// match.
func NewReconstructionDataset(root string, imageSize, subsampleSize int, norm bool) (*ReconstructionDataset, error) {
	var paths []string
	for _, pattern := range []string{"*", filepath.Join("*", "*")} {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", root, err)
		}
		for _, m := range matches {
			if hasImageExtension(m) {
				paths = append(paths, m)
			}
		}
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	sort.Strings(paths)

	if subsampleSize > 0 && subsampleSize < len(paths) {
		paths = paths[:subsampleSize]
	} else if subsampleSize > len(paths) {
		slog.Warn("reconstruction source smaller than requested sample count",
			"root", root, "available", len(paths), "requested", subsampleSize)
	}

	normMode := preprocessing.NormUnit
	if norm {
		normMode = preprocessing.NormSigned
	}

	return &ReconstructionDataset{
		paths:     paths,
		processor: preprocessing.NewImageProcessor(imageSize, normMode),
	}, nil
}

// Len returns the number of images in the dataset.
func (d *ReconstructionDataset) Len() int {
	return len(d.paths)
}

// Get decodes and preprocesses the image at idx.
func (d *ReconstructionDataset) Get(idx int) (*tensor.Tensor, error) {
	if idx < 0 || idx >= len(d.paths) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.paths))
	}
	t, err := d.processor.ProcessFile(d.paths[idx])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d (%s): %w", idx, d.paths[idx], err)
	}
	return t, nil
}

// Path returns the source file path of the sample at idx.
func (d *ReconstructionDataset) Path(idx int) string {
	return d.paths[idx]
}

func hasImageExtension(path string) bool {
	ext := filepath.Ext(path)
	for _, e := range imageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
