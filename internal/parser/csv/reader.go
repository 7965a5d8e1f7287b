// Package csv streams delimited files of arbitrary size.
//
// The file is read in fixed-size byte chunks; only complete records are
// parsed from each chunk and the incomplete tail is carried into the next one.
// Parsed rows go through a bounded queue with high/low water marks to the row
// handler, so memory stays flat no matter how large the file is.
package csv

import (
	"bytes"
	"context"
	stdcsv "encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"healthetl/internal/config"
	"healthetl/internal/transformer"
)

// ColumnPolicy controls what happens when a record does not have as many
// fields as the header.
type ColumnPolicy string

const (
	// Strict aborts the whole run with a *RowError.
	Strict ColumnPolicy = "strict"
	// AllowFewerColumns pads short records with "" and truncates long ones.
	// Used for wide files whose trailing cells are often left off.
	AllowFewerColumns ColumnPolicy = "allow-fewer-columns"
)

const (
	DefaultChunkSize = 4 << 20
	DefaultQueueHigh = 20_000
	DefaultQueueLow  = 5_000
)

// HeaderSuffixSep separates a header name from its disambiguation suffix
// ("name:::2" is the column "name").
const HeaderSuffixSep = ":::"

type Options struct {
	ColumnPolicy ColumnPolicy
	ChunkSize    int
	QueueHigh    int
	QueueLow     int
	Comma        rune
	// LazyQuotes accepts bare quotes in unquoted fields and unescaped quotes
	// in quoted fields. Record splitting follows the same rules.
	LazyQuotes bool
	// Encoding is "utf-8" (default), "windows-1252" or "iso-8859-1".
	Encoding string
}

// OptionsFrom reads reader options from a pipeline parser option bag.
func OptionsFrom(o config.Options) Options {
	return Options{
		ColumnPolicy: ColumnPolicy(o.String("column_policy", string(Strict))),
		ChunkSize:    o.Int("chunk_size", DefaultChunkSize),
		QueueHigh:    o.Int("queue_high", DefaultQueueHigh),
		QueueLow:     o.Int("queue_low", DefaultQueueLow),
		Comma:        o.Rune("comma", ','),
		LazyQuotes:   o.Bool("lazy_quotes", false),
		Encoding:     o.String("encoding", "utf-8"),
	}
}

func (o Options) withDefaults() Options {
	if o.ColumnPolicy == "" {
		o.ColumnPolicy = Strict
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.QueueHigh <= 0 {
		o.QueueHigh = DefaultQueueHigh
	}
	if o.QueueLow <= 0 || o.QueueLow >= o.QueueHigh {
		o.QueueLow = o.QueueHigh / 4
	}
	if o.Comma == 0 {
		o.Comma = ','
	}
	if o.Encoding == "" {
		o.Encoding = "utf-8"
	}
	return o
}

// RowError reports a record that breaks the column policy or cannot be parsed.
type RowError struct {
	RowIndex int64
	Expected int
	Got      int
	Err      error
}

func (e *RowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("row %d: %v", e.RowIndex, e.Err)
	}
	return fmt.Sprintf("row %d: expected %d columns, got %d", e.RowIndex, e.Expected, e.Got)
}

func (e *RowError) Unwrap() error { return e.Err }

// ErrConsumed is returned by Each on a Reader that has already been iterated.
var ErrConsumed = errors.New("csv: reader already consumed, reopen the file")

// Reader streams one file. It is single use: iterate once with Each, then
// Close. Re-reading means opening the file again.
type Reader struct {
	opts   Options
	f      *os.File
	src    io.Reader
	cnt    *countingReader
	size   int64
	header []string

	// pending holds decoded bytes read while locating the header.
	pending  []byte
	consumed bool
}

// Open opens path and reads its header: the first non-empty record.
func Open(path string, opts Options) (*Reader, error) {
	opts = opts.withDefaults()

	dec, err := decoderFor(opts.Encoding)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open csv")
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "stat csv")
	}

	cnt := &countingReader{r: f}
	r := &Reader{
		opts: opts,
		f:    f,
		cnt:  cnt,
		src:  transform.NewReader(cnt, unicode.BOMOverride(dec.NewDecoder())),
		size: st.Size(),
	}
	if err := r.readHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// ReadHeader opens path only to return its logical header.
func ReadHeader(path string, opts Options) ([]string, error) {
	r, err := Open(path, opts)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Header(), nil
}

func decoderFor(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return unicode.UTF8, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	case "iso-8859-1", "latin1":
		return charmap.ISO8859_1, nil
	}
	return nil, errors.Newf("csv: unsupported encoding %q", name)
}

// Header returns the logical column names: trimmed, with any ":::" suffix
// removed. The slice must not be modified.
func (r *Reader) Header() []string { return r.header }

// Size is the size of the file on disk in bytes.
func (r *Reader) Size() int64 { return r.size }

func (r *Reader) Close() error { return r.f.Close() }

// LogicalName strips the disambiguation suffix from a header cell.
func LogicalName(h string) string {
	if name, _, ok := strings.Cut(h, HeaderSuffixSep); ok {
		h = name
	}
	return strings.TrimSpace(h)
}

func (r *Reader) readHeader() error {
	var buf []byte
	chunk := make([]byte, r.opts.ChunkSize)
	for {
		n, err := io.ReadFull(r.src, chunk)
		buf = append(buf, chunk[:n]...)
		eof := err == io.EOF || err == io.ErrUnexpectedEOF
		if err != nil && !eof {
			return errors.Wrap(err, "read csv header")
		}

		// Look for the first complete, non-empty record.
		from := 0
		for {
			end := nextRecordEnd(buf, from, r.opts)
			if end < 0 && eof && from < len(buf) {
				end = len(buf)
			}
			if end < 0 {
				break
			}
			rec, perr := r.parseOne(buf[from:end])
			if perr != nil {
				return &RowError{RowIndex: -1, Err: errors.Wrap(perr, "parse header")}
			}
			from = end
			if rec != nil {
				r.header = make([]string, len(rec))
				for i, h := range rec {
					r.header[i] = LogicalName(h)
				}
				r.pending = append([]byte(nil), buf[from:]...)
				return nil
			}
		}
		if eof {
			return errors.New("csv: file has no header row")
		}
	}
}

func (r *Reader) newCSV(b []byte) *stdcsv.Reader {
	cr := stdcsv.NewReader(bytes.NewReader(b))
	cr.Comma = r.opts.Comma
	cr.LazyQuotes = r.opts.LazyQuotes
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	return cr
}

// parseOne parses a single record; nil for a blank line.
func (r *Reader) parseOne(b []byte) ([]string, error) {
	rec, err := r.newCSV(b).Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return append([]string(nil), rec...), nil
}

// Each calls fn for every data row in file order with the row's fields
// aligned to Header(), its 0-based index and the number of file bytes
// consumed so far. fields is only valid during the call.
//
// Reading and fn run on separate goroutines joined by an errgroup: the first
// error (a *RowError, a read error, an error from fn, or ctx cancellation)
// stops both and is returned.
func (r *Reader) Each(ctx context.Context, fn func(fields []string, rowIndex int64, bytesRead int64) error) error {
	if r.consumed {
		return ErrConsumed
	}
	r.consumed = true

	q := newRowQueue(r.opts.QueueHigh, r.opts.QueueLow)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer q.close()
		return r.produce(gctx, q)
	})

	g.Go(func() error {
		for {
			row, ok, err := q.pop(gctx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := fn(row.Fields, row.Index, row.Bytes); err != nil {
				row.Drop()
				return err
			}
			row.Free()
		}
	})

	err := g.Wait()
	q.drop()
	return err
}

func (r *Reader) produce(ctx context.Context, q *rowQueue) error {
	var (
		sp       = newSplitter(r.opts)
		rowIndex int64
		carry    = r.pending
		chunk    = make([]byte, r.opts.ChunkSize)
	)
	r.pending = nil
	sp.scanned = 0

	emit := func(complete []byte, bytesRead int64) error {
		cr := r.newCSV(complete)
		for {
			rec, err := cr.Read()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return &RowError{RowIndex: rowIndex, Err: err}
			}
			if len(rec) != len(r.header) && r.opts.ColumnPolicy == Strict {
				return &RowError{RowIndex: rowIndex, Expected: len(r.header), Got: len(rec)}
			}
			row := transformer.GetRow(len(r.header))
			copy(row.Fields, rec)
			row.Index = rowIndex
			row.Bytes = bytesRead
			if err := q.push(ctx, row); err != nil {
				row.Drop()
				return err
			}
			rowIndex++
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(r.src, chunk)
		eof := err == io.EOF || err == io.ErrUnexpectedEOF
		if err != nil && !eof {
			return errors.Wrap(err, "read csv chunk")
		}
		carry = append(carry, chunk[:n]...)
		bytesRead := r.cnt.n

		if eof {
			if len(carry) > 0 {
				return emit(carry, bytesRead)
			}
			return nil
		}

		cut := sp.last(carry)
		if cut <= 0 {
			continue
		}
		if err := emit(carry[:cut], bytesRead); err != nil {
			return err
		}
		rest := copy(carry, carry[cut:])
		carry = carry[:rest]
		sp.scanned = rest
	}
}

// countingReader counts raw bytes read from the underlying file, before
// decoding.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
