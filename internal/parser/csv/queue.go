package csv

import (
	"context"
	"sync"

	"healthetl/internal/transformer"
)

// rowQueue is a FIFO between the chunk reader and the row handler with
// hysteresis: once it holds high rows, push blocks until the consumer has
// drained it down to low.
type rowQueue struct {
	high, low int

	mu       sync.Mutex
	items    []*transformer.Row
	head     int
	paused   bool
	resume   chan struct{}
	closed   bool
	avail    chan struct{}
	maxDepth int
}

func newRowQueue(high, low int) *rowQueue {
	if high < 1 {
		high = 1
	}
	if low < 0 || low >= high {
		low = high / 2
	}
	return &rowQueue{
		high:  high,
		low:   low,
		items: make([]*transformer.Row, 0, high),
		avail: make(chan struct{}, 1),
	}
}

func (q *rowQueue) len() int { return len(q.items) - q.head }

func (q *rowQueue) push(ctx context.Context, r *transformer.Row) error {
	q.mu.Lock()
	for q.paused {
		wait := q.resume
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}

	if q.head > 0 && q.head >= len(q.items)/2 {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items, q.head = q.items[:n], 0
	}
	q.items = append(q.items, r)
	if n := q.len(); n > q.maxDepth {
		q.maxDepth = n
	}
	if q.len() >= q.high {
		q.paused = true
		q.resume = make(chan struct{})
	}
	q.mu.Unlock()

	select {
	case q.avail <- struct{}{}:
	default:
	}
	return nil
}

// pop returns the next row, or ok=false once the queue is closed and empty.
func (q *rowQueue) pop(ctx context.Context) (r *transformer.Row, ok bool, err error) {
	for {
		q.mu.Lock()
		if q.len() > 0 {
			r = q.items[q.head]
			q.items[q.head] = nil
			q.head++
			if q.paused && q.len() <= q.low {
				q.paused = false
				close(q.resume)
			}
			q.mu.Unlock()
			return r, true, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false, nil
		}

		select {
		case <-q.avail:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// close marks the end of input. Rows already queued are still delivered.
func (q *rowQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.avail <- struct{}{}:
	default:
	}
}

// drop discards queued rows without returning them to the pool.
func (q *rowQueue) drop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := q.head; i < len(q.items); i++ {
		q.items[i].Drop()
		q.items[i] = nil
	}
	q.items, q.head = q.items[:0], 0
}
