package checkpoints

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tsawler/go-diffusion/tensor"
)

// ParamSource is a model that exposes its live parameters by name.
type ParamSource interface {
	NamedParameters() map[string]*tensor.Tensor
}

// RestoreOptions control how parameter restoration treats mismatches.
type RestoreOptions struct {
	// OptionalPrefixes lists parameter name prefixes that are allowed to
	// be missing on either side of the merge. Parameters under these
	// prefixes that the snapshot lacks keep their constructed values.
	// With no prefixes the restore is strict: the snapshot and the model
	// must describe exactly the same parameter set.
	OptionalPrefixes []string
}

// Strict returns options for an exact-match restore.
func Strict() RestoreOptions {
	return RestoreOptions{}
}

// Relaxed returns options that tolerate mismatches under the given
// parameter name prefixes only.
func Relaxed(optionalPrefixes ...string) RestoreOptions {
	return RestoreOptions{OptionalPrefixes: optionalPrefixes}
}

// Restore copies checkpoint parameters into the model by name. Shape
// mismatches are always fatal. Name mismatches are fatal unless covered
// by an optional prefix: a model parameter absent from the snapshot is
// left at its constructed value, and a snapshot parameter absent from the
// model is skipped.
func Restore(model ParamSource, ckpt *Checkpoint, opts RestoreOptions) error {
	live := model.NamedParameters()

	snapshot := make(map[string]WeightTensor, len(ckpt.Params))
	for _, p := range ckpt.Params {
		snapshot[p.Name] = p
	}

	var missing []string
	for name := range live {
		if _, found := snapshot[name]; !found {
			missing = append(missing, name)
		}
	}
	var extra []string
	for name := range snapshot {
		if _, found := live[name]; !found {
			extra = append(extra, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)

	for _, name := range missing {
		if !hasOptionalPrefix(name, opts.OptionalPrefixes) {
			return fmt.Errorf("parameter %s missing from snapshot", name)
		}
	}
	for _, name := range extra {
		if !hasOptionalPrefix(name, opts.OptionalPrefixes) {
			return fmt.Errorf("snapshot parameter %s has no matching model parameter", name)
		}
	}

	for name, dst := range live {
		src, found := snapshot[name]
		if !found {
			continue
		}
		if !dst.ShapeEquals(src.Shape) {
			return fmt.Errorf("shape mismatch for %s: model %v vs snapshot %v", name, dst.Shape, src.Shape)
		}
		copy(dst.Data, src.Data)
	}
	return nil
}

// Snapshot extracts the model's current parameters into a checkpoint.
func Snapshot(model ParamSource) *Checkpoint {
	live := model.NamedParameters()

	names := make([]string, 0, len(live))
	for name := range live {
		names = append(names, name)
	}
	sort.Strings(names)

	ckpt := &Checkpoint{}
	for _, name := range names {
		t := live[name]
		data := make([]float32, len(t.Data))
		copy(data, t.Data)
		ckpt.Params = append(ckpt.Params, WeightTensor{
			Name:  name,
			Shape: append([]int{}, t.Shape...),
			Data:  data,
		})
	}
	return ckpt
}

func hasOptionalPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
