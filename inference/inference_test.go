package inference

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/tsawler/go-diffusion/dataset"
	"github.com/tsawler/go-diffusion/models"
	"github.com/tsawler/go-diffusion/tensor"
)

// fakeDataset serves tagged samples so tests can verify which dataset
// positions ended up where.
type fakeDataset struct {
	n      int
	failAt int

	mu   sync.Mutex
	gets []int
}

func newFakeDataset(n int) *fakeDataset {
	return &fakeDataset{n: n, failAt: -1}
}

func (d *fakeDataset) Len() int { return d.n }

func (d *fakeDataset) Get(idx int) (dataset.Sample, error) {
	d.mu.Lock()
	d.gets = append(d.gets, idx)
	d.mu.Unlock()

	if idx == d.failAt {
		return dataset.Sample{}, fmt.Errorf("sample %d unreadable", idx)
	}

	// Tag the tensor with its index so ordering is observable.
	img, err := tensor.Full([]int{1, 2, 2}, float32(idx))
	if err != nil {
		return dataset.Sample{}, err
	}
	noise, err := tensor.Full([]int{1, 2, 2}, float32(-idx))
	if err != nil {
		return dataset.Sample{}, err
	}
	return dataset.Sample{Image: img, Noise: noise}, nil
}

func TestParseDevice(t *testing.T) {
	opts, err := ParseDevice("gpu:0,1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, opts.AcceleratorIDs)
	assert.True(t, opts.PersistentWorkers)
	assert.Zero(t, opts.Cores)

	opts, err = ParseDevice("gpu")
	require.NoError(t, err)
	assert.Empty(t, opts.AcceleratorIDs)
	assert.True(t, opts.PersistentWorkers)

	opts, err = ParseDevice("tpu")
	require.NoError(t, err)
	assert.Equal(t, 8, opts.Cores)
	assert.False(t, opts.PersistentWorkers)

	opts, err = ParseDevice("cpu")
	require.NoError(t, err)
	assert.Equal(t, ExecutionOptions{}, opts)

	opts, err = ParseDevice("quantum")
	require.NoError(t, err)
	assert.Equal(t, ExecutionOptions{}, opts)

	_, err = ParseDevice("gpu:zero,one")
	assert.Error(t, err)
}

func TestDataLoaderOrdering(t *testing.T) {
	ds := newFakeDataset(10)
	dl, err := NewDataLoader(ds, 4, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 3, dl.Len())

	var sizes []int
	var starts []int
	for dl.HasNext() {
		batch, err := dl.Next(context.Background())
		require.NoError(t, err)
		require.NotNil(t, batch)
		sizes = append(sizes, batch.Size())
		starts = append(starts, batch.Start)

		// Samples arrive in dataset order regardless of worker count.
		for i, s := range batch.Samples {
			assert.Equal(t, float32(batch.Start+i), s.Image.Data[0])
		}
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Equal(t, []int{0, 4, 8}, starts)

	batch, err := dl.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, batch, "exhausted loader yields nil")
}

func TestDataLoaderPrefetch(t *testing.T) {
	ds := newFakeDataset(10)
	dl, err := NewDataLoader(ds, 4, 2, true)
	require.NoError(t, err)

	var seen []int
	for dl.HasNext() {
		batch, err := dl.Next(context.Background())
		require.NoError(t, err)
		if batch == nil {
			break
		}
		for i := range batch.Samples {
			seen = append(seen, batch.Start+i)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
	assert.False(t, dl.HasNext())
}

func TestDataLoaderReset(t *testing.T) {
	ds := newFakeDataset(4)
	dl, err := NewDataLoader(ds, 4, 1, false)
	require.NoError(t, err)

	first, err := dl.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.False(t, dl.HasNext())

	dl.Reset()
	assert.True(t, dl.HasNext())
	again, err := dl.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 0, again.Start)
}

func TestDataLoaderPropagatesSampleError(t *testing.T) {
	ds := newFakeDataset(6)
	ds.failAt = 5
	dl, err := NewDataLoader(ds, 4, 2, false)
	require.NoError(t, err)

	batch, err := dl.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, batch)

	_, err = dl.Next(context.Background())
	assert.ErrorContains(t, err, "sample 5")
}

func TestDataLoaderValidation(t *testing.T) {
	_, err := NewDataLoader(nil, 4, 1, false)
	assert.Error(t, err)
	_, err = NewDataLoader(newFakeDataset(2), 0, 1, false)
	assert.Error(t, err)
}

func TestDataLoaderIterator(t *testing.T) {
	ds := newFakeDataset(5)
	dl, err := NewDataLoader(ds, 2, 1, false)
	require.NoError(t, err)

	var count, samples int
	for batch := range dl.Iterator(context.Background()) {
		count++
		samples += batch.Size()
	}
	assert.Equal(t, 3, count)
	assert.Equal(t, 5, samples)
}

// recordingWriter captures every dispatch the predictor makes.
type recordingWriter struct {
	starts []int
	counts []int
	failAt int
}

func (w *recordingWriter) WriteBatch(_ context.Context, start int, preds []models.Prediction) error {
	if w.failAt >= 0 && start == w.failAt {
		return fmt.Errorf("disk full")
	}
	w.starts = append(w.starts, start)
	w.counts = append(w.counts, len(preds))
	return nil
}

func testWrapper(t *testing.T) *models.DDPMWrapper {
	t.Helper()
	decoder, err := models.NewSuperResModel(models.SuperResConfig{
		InChannels:    1,
		ModelChannels: 4,
		OutChannels:   1,
		NumResBlocks:  1,
		ChannelMult:   []int{1},
		NumHeads:      1,
		InputRes:      2,
	})
	require.NoError(t, err)
	emaDecoder, err := decoder.DeepCopy()
	require.NoError(t, err)

	online, err := models.NewDDPM(decoder, 1e-4, 0.02, 4)
	require.NoError(t, err)
	target, err := models.NewDDPM(emaDecoder, 1e-4, 0.02, 4)
	require.NoError(t, err)

	// Unconditional keeps the fake dataset free of VAE shape demands.
	w, err := models.NewDDPMWrapper(vaeFor(t), online, target, false, models.WithPredSteps(2))
	require.NoError(t, err)
	return w
}

func vaeFor(t *testing.T) *models.VAE {
	t.Helper()
	v, err := models.NewVAE(2, "2x1", "2x1", "4", "4")
	require.NoError(t, err)
	return v
}

func TestPredictorVisitsEverySampleOnce(t *testing.T) {
	ds := newFakeDataset(10)
	dl, err := NewDataLoader(ds, 4, 1, false)
	require.NoError(t, err)

	writer := &recordingWriter{failAt: -1}
	p, err := NewPredictor(testWrapper(t), dl, rand.New(rand.NewSource(1)), writer)
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int{0, 4, 8}, writer.starts)
	assert.Equal(t, []int{4, 4, 2}, writer.counts)

	// Every dataset index was fetched exactly once.
	seen := make(map[int]int)
	for _, idx := range ds.gets {
		seen[idx]++
	}
	require.Len(t, seen, 10)
	for idx, n := range seen {
		assert.Equal(t, 1, n, "index %d", idx)
	}
}

func TestPredictorAbortsOnWriterError(t *testing.T) {
	ds := newFakeDataset(10)
	dl, err := NewDataLoader(ds, 4, 1, false)
	require.NoError(t, err)

	writer := &recordingWriter{failAt: 4}
	p, err := NewPredictor(testWrapper(t), dl, rand.New(rand.NewSource(1)), writer)
	require.NoError(t, err)

	err = p.Run(context.Background())
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, []int{0}, writer.starts, "first batch was written before the failure")
}

func TestProgressBarRendering(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar("Sampling", 4)
	pb.out = &buf

	pb.Add(1)
	assert.Contains(t, buf.String(), " 25%|")
	assert.Contains(t, buf.String(), "1/4")

	buf.Reset()
	pb.Finish()
	assert.Contains(t, buf.String(), "100%|")
	assert.Contains(t, buf.String(), "4/4")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestPredictorHonorsCancellation(t *testing.T) {
	ds := newFakeDataset(10)
	dl, err := NewDataLoader(ds, 4, 1, false)
	require.NoError(t, err)

	p, err := NewPredictor(testWrapper(t), dl, rand.New(rand.NewSource(1)), &recordingWriter{failAt: -1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Run(ctx), context.Canceled)
}
