package checkpoints

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-diffusion/tensor"
)

// fakeModel is a ParamSource over a fixed parameter map.
type fakeModel struct {
	params map[string]*tensor.Tensor
}

func newFakeModel(t *testing.T, names map[string][]int) *fakeModel {
	t.Helper()
	params := make(map[string]*tensor.Tensor, len(names))
	for name, shape := range names {
		tn, err := tensor.Zeros(shape)
		require.NoError(t, err)
		params[name] = tn
	}
	return &fakeModel{params: params}
}

func (m *fakeModel) NamedParameters() map[string]*tensor.Tensor {
	return m.params
}

func TestJSONRoundTrip(t *testing.T) {
	model := newFakeModel(t, map[string][]int{
		"net.conv.weight": {4, 3, 3, 3},
		"net.conv.bias":   {4},
	})
	model.params["net.conv.bias"].Data[2] = 1.5

	ckpt := Snapshot(model)
	path := filepath.Join(t.TempDir(), "model.json")

	saver := NewCheckpointSaver(FormatJSON)
	require.NoError(t, saver.SaveCheckpoint(ckpt, path))

	loaded, err := saver.LoadCheckpoint(path)
	require.NoError(t, err)

	assert.Len(t, loaded.Params, 2)
	assert.Equal(t, "go-diffusion", loaded.Metadata.Framework)

	bias, found := loaded.Param("net.conv.bias")
	require.True(t, found)
	assert.Equal(t, []int{4}, bias.Shape)
	assert.Equal(t, float32(1.5), bias.Data[2])
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "absent.ckpt"))
	assert.Error(t, err)
}

func TestTorchSaveRejected(t *testing.T) {
	err := NewCheckpointSaver(FormatTorch).SaveCheckpoint(&Checkpoint{}, "out.pt")
	assert.Error(t, err)
}

func TestStrictRestoreExactMatch(t *testing.T) {
	src := newFakeModel(t, map[string][]int{"a.weight": {2, 2}, "a.bias": {2}})
	src.params["a.weight"].Data[0] = 7

	dst := newFakeModel(t, map[string][]int{"a.weight": {2, 2}, "a.bias": {2}})
	require.NoError(t, Restore(dst, Snapshot(src), Strict()))
	assert.Equal(t, float32(7), dst.params["a.weight"].Data[0])
}

func TestStrictRestoreFailsOnMissingParam(t *testing.T) {
	src := newFakeModel(t, map[string][]int{"a.weight": {2, 2}})
	dst := newFakeModel(t, map[string][]int{"a.weight": {2, 2}, "a.bias": {2}})

	err := Restore(dst, Snapshot(src), Strict())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.bias")
}

func TestStrictRestoreFailsOnExtraParam(t *testing.T) {
	src := newFakeModel(t, map[string][]int{"a.weight": {2, 2}, "stale.bias": {2}})
	dst := newFakeModel(t, map[string][]int{"a.weight": {2, 2}})

	assert.Error(t, Restore(dst, Snapshot(src), Strict()))
}

func TestRestoreFailsOnShapeMismatch(t *testing.T) {
	src := newFakeModel(t, map[string][]int{"a.weight": {2, 3}})
	dst := newFakeModel(t, map[string][]int{"a.weight": {3, 2}})

	err := Restore(dst, Snapshot(src), Strict())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shape mismatch")
}

// The composite wrapper snapshot lacks VAE parameters; a relaxed restore
// must tolerate exactly that and nothing else.
func TestRelaxedRestoreToleratesOptionalSubtree(t *testing.T) {
	src := newFakeModel(t, map[string][]int{
		"online.net.weight": {2, 2},
		"target.net.weight": {2, 2},
	})
	src.params["target.net.weight"].Data[3] = 9

	dst := newFakeModel(t, map[string][]int{
		"online.net.weight": {2, 2},
		"target.net.weight": {2, 2},
		"vae.enc.weight":    {4, 4},
	})
	dst.params["vae.enc.weight"].Data[0] = 0.25

	require.NoError(t, Restore(dst, Snapshot(src), Relaxed("vae.")))

	// Diffusion parameters restored, VAE subtree untouched.
	assert.Equal(t, float32(9), dst.params["target.net.weight"].Data[3])
	assert.Equal(t, float32(0.25), dst.params["vae.enc.weight"].Data[0])
}

func TestRelaxedRestoreStillFailsOutsidePrefix(t *testing.T) {
	src := newFakeModel(t, map[string][]int{
		"online.net.weight": {2, 2},
	})
	dst := newFakeModel(t, map[string][]int{
		"online.net.weight": {2, 2},
		"target.net.weight": {2, 2},
		"vae.enc.weight":    {4, 4},
	})

	err := Restore(dst, Snapshot(src), Relaxed("vae."))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target.net.weight")
}
