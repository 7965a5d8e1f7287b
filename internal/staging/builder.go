// Package staging buffers validated values and bulk loads them into a
// dataset's staging table.
package staging

import (
	"context"

	"github.com/cockroachdb/errors"

	"healthetl/internal/metrics"
	"healthetl/internal/storage"
)

// DefaultBatchSize is the number of staging rows sent per bulk load.
const DefaultBatchSize = 20_000

// Loader is the part of storage.DatasetRepository the builder needs.
type Loader interface {
	CopyStaging(ctx context.Context, spec storage.DatasetSpec, rows [][]any) (int64, error)
}

// Builder appends values to the staging table in batches. Every row gets a
// row_num ordinal in Add order, which first-wins dedupe relies on.
//
// A Builder is not safe for concurrent use.
type Builder struct {
	loader    Loader
	spec      storage.DatasetSpec
	batchSize int
	width     int

	// OnFlush is called after every successful bulk load with the total
	// number of rows staged so far.
	OnFlush func(staged int64)

	cells  []any
	rows   [][]any
	next   int64
	staged int64
	closed bool
}

// NewBuilder returns a builder for spec. batchSize <= 0 selects
// DefaultBatchSize.
func NewBuilder(loader Loader, spec storage.DatasetSpec, batchSize int) *Builder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	width := len(spec.StagingColumns())
	return &Builder{
		loader:    loader,
		spec:      spec,
		batchSize: batchSize,
		width:     width,
		cells:     make([]any, 0, batchSize*width),
		rows:      make([][]any, 0, batchSize),
	}
}

// Add buffers values, each holding the data columns of one staging row, and
// flushes whenever a full batch is buffered.
func (b *Builder) Add(ctx context.Context, values ...[]any) error {
	if b.closed {
		return errors.New("staging: builder is closed")
	}
	for _, v := range values {
		if len(v) != b.width-1 {
			return errors.Newf("staging: value has %d columns, %s staging expects %d", len(v), b.spec.Type, b.width-1)
		}
		b.next++
		start := len(b.cells)
		b.cells = append(b.cells, b.next)
		b.cells = append(b.cells, v...)
		b.rows = append(b.rows, b.cells[start:len(b.cells):len(b.cells)])
		if len(b.rows) >= b.batchSize {
			if err := b.flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close flushes the remaining rows. It is safe to call more than once.
func (b *Builder) Close(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.flush(ctx)
}

// Staged returns the number of rows loaded so far.
func (b *Builder) Staged() int64 { return b.staged }

func (b *Builder) flush(ctx context.Context) error {
	if len(b.rows) == 0 {
		return nil
	}
	n, err := b.loader.CopyStaging(ctx, b.spec, b.rows)
	if err != nil {
		return errors.Wrapf(err, "stage batch ending at row %d", b.next)
	}
	if n != int64(len(b.rows)) {
		return errors.Newf("staging: loaded %d of %d rows", n, len(b.rows))
	}
	b.staged += n
	metrics.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"dataset": string(b.spec.Type)})

	// The loader is done with the batch; reuse the backing arrays.
	clear(b.cells)
	b.cells = b.cells[:0]
	b.rows = b.rows[:0]

	if b.OnFlush != nil {
		b.OnFlush(b.staged)
	}
	return nil
}
