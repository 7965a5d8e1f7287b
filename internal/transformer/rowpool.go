// Package transformer holds the allocation-conscious row plumbing shared by the
// reader, the validator and the storage backends.
package transformer

import "sync"

// Row is a pooled container for one parsed input record.
//
// Ownership contract:
//   - Exactly one goroutine owns a Row at a time.
//   - A Row may be passed downstream via channels (ownership transfer).
//   - The final consumer calls Free() once it no longer reads r.Fields.
//
// On cancellation paths call Drop() instead of Free(): a canceled consumer may
// still be reading while the producer unwinds, and a re-pooled Row could be
// handed out again immediately.
type Row struct {
	Fields []string
	// Index is the 0-based data row index (the header is not counted).
	Index int64
	// Bytes is the cumulative number of input bytes consumed when this row
	// was produced.
	Bytes int64
}

var rowPool sync.Pool

// GetRow returns a pooled Row with len(Fields) == colCount, all fields empty.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.Fields) < colCount {
			r.Fields = make([]string, colCount)
		}
		r.Fields = r.Fields[:colCount]
		for i := range r.Fields {
			r.Fields[i] = ""
		}
		r.Index, r.Bytes = 0, 0
		return r
	}
	return &Row{Fields: make([]string, colCount)}
}

// Free returns the Row to the pool.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop discards the Row without returning it to the pool.
func (r *Row) Drop() {
	r.Fields = nil
	r.Index, r.Bytes = 0, 0
}
