package csv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"healthetl/internal/config"
	"healthetl/internal/transformer"
)

func writeFile(t *testing.T, content []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "in.csv")
	if err := os.WriteFile(p, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

type collected struct {
	rows  [][]string
	idx   []int64
	bytes []int64
}

func readAll(t *testing.T, path string, opts Options) (*collected, []string, error) {
	t.Helper()
	r, err := Open(path, opts)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	c := &collected{}
	err = r.Each(context.Background(), func(fields []string, rowIndex int64, bytesRead int64) error {
		c.rows = append(c.rows, append([]string(nil), fields...))
		c.idx = append(c.idx, rowIndex)
		c.bytes = append(c.bytes, bytesRead)
		return nil
	})
	return c, r.Header(), err
}

func TestEach_SmallChunksWithQuotedNewlines(t *testing.T) {
	content := "\n\nfacility_id,indicator:::1,period,count\r\n" +
		"F1,\"anc,1\",202301,5\r\n" +
		"F2,\"multi\nline\",202301,7\n" +
		"\n" +
		"F3,\"say \"\"hi\"\"\",202302,9"
	path := writeFile(t, []byte(content))

	for _, chunk := range []int{1, 3, 7, 64, 1 << 20} {
		t.Run(fmt.Sprintf("chunk=%d", chunk), func(t *testing.T) {
			c, header, err := readAll(t, path, Options{ChunkSize: chunk, QueueHigh: 2, QueueLow: 1})
			if err != nil {
				t.Fatalf("Each: %v", err)
			}
			wantHeader := []string{"facility_id", "indicator", "period", "count"}
			if strings.Join(header, "|") != strings.Join(wantHeader, "|") {
				t.Fatalf("header=%v, want %v", header, wantHeader)
			}
			want := [][]string{
				{"F1", "anc,1", "202301", "5"},
				{"F2", "multi\nline", "202301", "7"},
				{"F3", `say "hi"`, "202302", "9"},
			}
			if len(c.rows) != len(want) {
				t.Fatalf("got %d rows, want %d: %q", len(c.rows), len(want), c.rows)
			}
			for i := range want {
				if strings.Join(c.rows[i], "|") != strings.Join(want[i], "|") {
					t.Fatalf("row %d=%q, want %q", i, c.rows[i], want[i])
				}
				if c.idx[i] != int64(i) {
					t.Fatalf("row %d has index %d", i, c.idx[i])
				}
				if i > 0 && c.bytes[i] < c.bytes[i-1] {
					t.Fatalf("bytesRead must be monotonic: %v", c.bytes)
				}
			}
			if last := c.bytes[len(c.bytes)-1]; last != int64(len(content)) {
				t.Fatalf("expected final bytesRead=%d, got %d", len(content), last)
			}
		})
	}
}

func TestEach_StrictRejectsColumnMismatch(t *testing.T) {
	path := writeFile(t, []byte("a,b,c\n1,2,3\n4,5\n6,7,8\n"))

	c, _, err := readAll(t, path, Options{ColumnPolicy: Strict, ChunkSize: 4})
	var rowErr *RowError
	if !errors.As(err, &rowErr) {
		t.Fatalf("expected *RowError, got %v", err)
	}
	if rowErr.RowIndex != 1 || rowErr.Expected != 3 || rowErr.Got != 2 {
		t.Fatalf("unexpected row error %+v", rowErr)
	}
	if len(c.rows) > 1 {
		t.Fatalf("no row after the bad one may be handled, got %d", len(c.rows))
	}
}

func TestEach_LazyQuotesAcrossChunks(t *testing.T) {
	content := "id,name,note\n" +
		"1,5\" pipe,\"line\nbreak\"\n" +
		"2,\"say \"hi\" now\",x\n" +
		"3,plain,y\n"
	path := writeFile(t, []byte(content))

	for _, chunk := range []int{1, 3, 7, 1 << 20} {
		t.Run(fmt.Sprintf("chunk=%d", chunk), func(t *testing.T) {
			c, _, err := readAll(t, path, Options{ChunkSize: chunk, LazyQuotes: true})
			if err != nil {
				t.Fatalf("Each: %v", err)
			}
			want := [][]string{
				{"1", `5" pipe`, "line\nbreak"},
				{"2", `say "hi" now`, "x"},
				{"3", "plain", "y"},
			}
			if len(c.rows) != len(want) {
				t.Fatalf("got %d rows, want %d: %q", len(c.rows), len(want), c.rows)
			}
			for i := range want {
				if strings.Join(c.rows[i], "|") != strings.Join(want[i], "|") {
					t.Fatalf("row %d=%q, want %q", i, c.rows[i], want[i])
				}
			}
		})
	}

	// Without LazyQuotes the bare quote is a parse error on its own row.
	_, _, err := readAll(t, path, Options{ChunkSize: 3})
	var rowErr *RowError
	if !errors.As(err, &rowErr) || rowErr.RowIndex != 0 {
		t.Fatalf("expected a row error on row 0, got %v", err)
	}
}

func TestNextRecordEnd(t *testing.T) {
	tests := []struct {
		name string
		in   string
		lazy bool
		want int
	}{
		{"plain", "a,b\nc", false, 4},
		{"quoted newline", "a,\"x\ny\"\nb", false, 8},
		{"doubled quote", "\"a\"\"\nb\"\nc", false, 8},
		{"bare quote", "a,5\"\nb,\"c\"\n", true, 5},
		{"lazy quote in quoted field", "\"a\"b\nc\"\nd", true, 8},
		{"unterminated", "a,\"b\nc", false, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nextRecordEnd([]byte(tt.in), 0, Options{Comma: ',', LazyQuotes: tt.lazy})
			if got != tt.want {
				t.Fatalf("nextRecordEnd(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestEach_LenientPadsAndTruncates(t *testing.T) {
	path := writeFile(t, []byte("a,b,c\n1\n2,3,4,5\n"))

	c, _, err := readAll(t, path, Options{ColumnPolicy: AllowFewerColumns})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if got := strings.Join(c.rows[0], "|"); got != "1||" {
		t.Fatalf("expected padded row, got %q", got)
	}
	if got := strings.Join(c.rows[1], "|"); got != "2|3|4" {
		t.Fatalf("expected truncated row, got %q", got)
	}
}

func TestOpen_DecodesLegacyEncodingAndBOM(t *testing.T) {
	// "Kénitra" in windows-1252.
	latin := append([]byte("name,n\n"), []byte("K\xe9nitra,1\n")...)
	c, _, err := readAll(t, writeFile(t, latin), Options{Encoding: "windows-1252"})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if c.rows[0][0] != "Kénitra" {
		t.Fatalf("expected decoded text, got %q", c.rows[0][0])
	}

	bom := append([]byte("\xef\xbb\xbf"), []byte("facility_id,x\nF1,1\n")...)
	_, header, err := readAll(t, writeFile(t, bom), Options{})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if header[0] != "facility_id" {
		t.Fatalf("expected BOM stripped, got %q", header[0])
	}

	if _, err := Open(writeFile(t, bom), Options{Encoding: "ebcdic"}); err == nil {
		t.Fatalf("expected error for unsupported encoding")
	}
}

func TestOpen_EmptyFileHasNoHeader(t *testing.T) {
	if _, err := Open(writeFile(t, []byte("\n\r\n")), Options{}); err == nil {
		t.Fatalf("expected error for file without header")
	}
}

func TestEach_IsSingleUse(t *testing.T) {
	r, err := Open(writeFile(t, []byte("a\n1\n")), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	noop := func([]string, int64, int64) error { return nil }
	if err := r.Each(context.Background(), noop); err != nil {
		t.Fatalf("first Each: %v", err)
	}
	if err := r.Each(context.Background(), noop); !errors.Is(err, ErrConsumed) {
		t.Fatalf("expected ErrConsumed, got %v", err)
	}
}

func TestEach_HandlerErrorStopsReader(t *testing.T) {
	var b strings.Builder
	b.WriteString("n\n")
	for i := 0; i < 10_000; i++ {
		fmt.Fprintf(&b, "%d\n", i)
	}
	r, err := Open(writeFile(t, []byte(b.String())), Options{ChunkSize: 256, QueueHigh: 8, QueueLow: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	boom := errors.New("boom")
	var calls int
	err = r.Each(context.Background(), func(fields []string, rowIndex int64, _ int64) error {
		calls++
		if rowIndex == 5 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if calls != 6 {
		t.Fatalf("expected 6 handler calls, got %d", calls)
	}
}

func TestEach_ContextCancellation(t *testing.T) {
	var b strings.Builder
	b.WriteString("n\n")
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&b, "%d\n", i)
	}
	r, err := Open(writeFile(t, []byte(b.String())), Options{ChunkSize: 64, QueueHigh: 4, QueueLow: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	err = r.Each(ctx, func([]string, int64, int64) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRowQueue_Hysteresis(t *testing.T) {
	q := newRowQueue(4, 1)
	ctx := context.Background()

	var pushed atomic.Int64
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 20; i++ {
			if err := q.push(ctx, transformer.GetRow(1)); err != nil {
				done <- err
				return
			}
			pushed.Add(1)
		}
		q.close()
		done <- nil
	}()

	// The producer must stall once the high-water mark is reached.
	deadline := time.Now().Add(2 * time.Second)
	for pushed.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := pushed.Load(); got != 4 {
		t.Fatalf("expected producer paused at 4 rows, pushed=%d", got)
	}

	// Draining to 2 (above low) must not resume it.
	for i := 0; i < 2; i++ {
		if _, ok, err := q.pop(ctx); !ok || err != nil {
			t.Fatalf("pop: ok=%v err=%v", ok, err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if got := pushed.Load(); got != 4 {
		t.Fatalf("producer resumed above low-water mark, pushed=%d", got)
	}

	n := 2
	for {
		_, ok, err := q.pop(ctx)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if !ok {
			break
		}
		n++
	}
	if err := <-done; err != nil {
		t.Fatalf("producer: %v", err)
	}
	if n != 20 {
		t.Fatalf("expected 20 rows delivered, got %d", n)
	}
	if q.maxDepth > 4 {
		t.Fatalf("queue exceeded high-water mark: %d", q.maxDepth)
	}
}

func TestOptionsFrom(t *testing.T) {
	o := OptionsFrom(config.Options{
		"column_policy": "allow-fewer-columns",
		"comma":         ";",
		"chunk_size":    float64(1024),
		"encoding":      "iso-8859-1",
	})
	if o.ColumnPolicy != AllowFewerColumns || o.Comma != ';' || o.ChunkSize != 1024 || o.Encoding != "iso-8859-1" {
		t.Fatalf("unexpected options %+v", o)
	}
	if o.QueueHigh != DefaultQueueHigh {
		t.Fatalf("expected default queue high, got %d", o.QueueHigh)
	}
}

func TestLogicalName(t *testing.T) {
	cases := map[string]string{
		"name:::2":   "name",
		" count ":    "count",
		"a:::b:::c":  "a",
		"plain":      "plain",
		":::orphan":  "",
		"time:point": "time:point",
	}
	for in, want := range cases {
		if got := LogicalName(in); got != want {
			t.Fatalf("LogicalName(%q)=%q, want %q", in, got, want)
		}
	}
}
