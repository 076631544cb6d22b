package inference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-diffusion/dataset"
)

// Dataset is the read side the loader consumes.
type Dataset interface {
	Len() int
	Get(idx int) (dataset.Sample, error)
}

// Batch is a contiguous run of samples. Start is the dataset index of
// the first sample, so downstream writers can name outputs by global
// position.
type Batch struct {
	Start   int
	Samples []dataset.Sample
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Samples)
}

// DataLoader walks a dataset in fixed-size batches. Iteration is always
// sequential: output files are named by dataset position, so shuffling
// would scramble the correspondence between inputs and outputs. The
// final batch is kept even when partial.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	numWorkers int
	prefetch   bool
	position   int
	pending    chan prefetched
	mutex      sync.Mutex
}

type prefetched struct {
	batch *Batch
	err   error
}

// NewDataLoader creates a loader over the dataset. numWorkers bounds
// how many samples are fetched concurrently within a batch; values
// below 1 mean sequential fetching. With prefetch enabled the loader
// assembles the following batch in the background while the caller
// consumes the current one.
func NewDataLoader(ds Dataset, batchSize, numWorkers int, prefetch bool) (*DataLoader, error) {
	if ds == nil {
		return nil, fmt.Errorf("dataset is required")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &DataLoader{
		dataset:    ds,
		batchSize:  batchSize,
		numWorkers: numWorkers,
		prefetch:   prefetch,
	}, nil
}

// Len returns the number of batches in a full pass.
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader to the first batch and discards any
// prefetched work.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.position = 0
	dl.pending = nil
}

// HasNext reports whether another batch remains in the current pass. A
// prefetched batch still counts as remaining.
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.pending != nil || dl.position < dl.dataset.Len()
}

// Next returns the next batch, or nil when the pass is complete.
func (dl *DataLoader) Next(ctx context.Context) (*Batch, error) {
	if !dl.prefetch {
		return dl.fetchNext(ctx)
	}

	dl.mutex.Lock()
	ready := dl.pending
	dl.mutex.Unlock()
	if ready == nil {
		ready = dl.startPrefetch(ctx)
	}
	res := <-ready

	// Prefetch only while range remains; a dangling prefetch of the
	// end sentinel would make HasNext report a phantom batch.
	dl.mutex.Lock()
	if dl.position < dl.dataset.Len() {
		dl.pending = dl.startPrefetch(ctx)
	} else {
		dl.pending = nil
	}
	dl.mutex.Unlock()

	return res.batch, res.err
}

func (dl *DataLoader) startPrefetch(ctx context.Context) chan prefetched {
	ch := make(chan prefetched, 1)
	go func() {
		b, err := dl.fetchNext(ctx)
		ch <- prefetched{batch: b, err: err}
	}()
	return ch
}

// fetchNext claims the next index range and loads it.
func (dl *DataLoader) fetchNext(ctx context.Context) (*Batch, error) {
	dl.mutex.Lock()
	start := dl.position
	if start >= dl.dataset.Len() {
		dl.mutex.Unlock()
		return nil, nil
	}
	end := start + dl.batchSize
	if end > dl.dataset.Len() {
		end = dl.dataset.Len()
	}
	dl.position = end
	dl.mutex.Unlock()

	batch, err := dl.loadBatch(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch at %d: %w", start, err)
	}
	return batch, nil
}

// loadBatch fetches samples [start, end) concurrently and assembles
// them in dataset order.
func (dl *DataLoader) loadBatch(ctx context.Context, start, end int) (*Batch, error) {
	samples := make([]dataset.Sample, end-start)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.numWorkers)
	for idx := start; idx < end; idx++ {
		idx := idx
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := dl.dataset.Get(idx)
			if err != nil {
				return fmt.Errorf("sample %d: %w", idx, err)
			}
			samples[idx-start] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Batch{Start: start, Samples: samples}, nil
}

// Iterator returns a channel that yields every remaining batch. The
// channel closes when the pass completes, the context is cancelled, or
// a batch fails to load; load failures are logged since the channel
// cannot carry them.
func (dl *DataLoader) Iterator(ctx context.Context) <-chan *Batch {
	batchChan := make(chan *Batch, 1)

	go func() {
		defer close(batchChan)
		for dl.HasNext() {
			batch, err := dl.Next(ctx)
			if err != nil {
				slog.Error("data loader stopped", "error", err)
				return
			}
			if batch == nil {
				return
			}
			select {
			case batchChan <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	return batchChan
}
