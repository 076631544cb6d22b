package inference

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tsawler/go-diffusion/config"
)

// ExecutionOptions describes where and how the inference run executes.
// The zero value means plain host execution with no pinned workers.
type ExecutionOptions struct {
	// AcceleratorIDs lists the accelerator ordinals the run is pinned
	// to. Empty means every available accelerator of the selected kind.
	AcceleratorIDs []int

	// Cores is the number of accelerator cores to drive, used by the
	// tpu selector.
	Cores int

	// PersistentWorkers keeps loader workers alive between batches
	// instead of respawning them per batch.
	PersistentWorkers bool
}

// ParseDevice maps a device selector string to execution options.
// Recognized forms are "gpu", "gpu:<id,id,...>", and "tpu"; anything
// else, including "cpu", selects default host execution. Unrecognized
// selectors are logged and fall back to the host rather than failing
// the run.
func ParseDevice(spec string) (ExecutionOptions, error) {
	spec = strings.TrimSpace(strings.ToLower(spec))

	switch {
	case strings.HasPrefix(spec, "gpu"):
		opts := ExecutionOptions{PersistentWorkers: true}
		if rest, ok := strings.CutPrefix(spec, "gpu:"); ok {
			ids, err := config.ParseIntList(rest)
			if err != nil {
				return ExecutionOptions{}, fmt.Errorf("device %q: %w", spec, err)
			}
			opts.AcceleratorIDs = ids
		}
		return opts, nil

	case spec == "tpu":
		return ExecutionOptions{Cores: 8}, nil

	case spec == "cpu" || spec == "":
		return ExecutionOptions{}, nil

	default:
		slog.Warn("unrecognized device selector, using host execution", "device", spec)
		return ExecutionOptions{}, nil
	}
}
