package checkpoints

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// LoadTorch reads a PyTorch parameter snapshot (.pt/.pth/.ckpt) into a
// Checkpoint. Plain state dicts are read directly; trainer checkpoints
// that wrap the parameters under a "state_dict" key are unwrapped first.
func LoadTorch(path string) (*Checkpoint, error) {
	loaded, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle %s: %w", path, err)
	}

	dict, ok := loaded.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("unsupported checkpoint container %T in %s", loaded, path)
	}

	if inner, found := dict.Get("state_dict"); found {
		innerDict, ok := inner.(*types.Dict)
		if !ok {
			return nil, fmt.Errorf("unsupported state_dict container %T in %s", inner, path)
		}
		dict = innerDict
	}

	checkpoint := &Checkpoint{
		Metadata: CheckpointMetadata{Framework: "pytorch"},
	}

	for _, k := range dict.Keys() {
		name, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("non-string parameter key %v in %s", k, path)
		}

		t, ok := dict.MustGet(k).(*pytorch.Tensor)
		if !ok {
			// Trainer checkpoints carry scalars (epoch counters and the
			// like) next to parameters; those are not model state.
			continue
		}

		wt, err := convertTensor(name, t)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		checkpoint.Params = append(checkpoint.Params, wt)
	}

	if len(checkpoint.Params) == 0 {
		return nil, fmt.Errorf("no parameter tensors found in %s", path)
	}
	return checkpoint, nil
}

func convertTensor(name string, t *pytorch.Tensor) (WeightTensor, error) {
	shape := make([]int, len(t.Size))
	numel := 1
	for i, dim := range t.Size {
		shape[i] = dim
		numel *= dim
	}

	data, err := storageToFloat32(t.Source)
	if err != nil {
		return WeightTensor{}, err
	}

	if t.StorageOffset+numel > len(data) {
		return WeightTensor{}, fmt.Errorf("storage too small: need %d elements at offset %d, have %d",
			numel, t.StorageOffset, len(data))
	}

	out := make([]float32, numel)
	copy(out, data[t.StorageOffset:t.StorageOffset+numel])

	return WeightTensor{Name: name, Shape: shape, Data: out}, nil
}

func storageToFloat32(s pytorch.StorageInterface) ([]float32, error) {
	switch storage := s.(type) {
	case *pytorch.FloatStorage:
		return storage.Data, nil
	case *pytorch.HalfStorage:
		return storage.Data, nil
	case *pytorch.BFloat16Storage:
		return storage.Data, nil
	case *pytorch.DoubleStorage:
		out := make([]float32, len(storage.Data))
		for i, v := range storage.Data {
			out[i] = float32(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %T", s)
	}
}
