package transformer

import "testing"

func TestGetRow_ReturnsZeroedFields(t *testing.T) {
	r := GetRow(3)
	r.Fields[0], r.Fields[2] = "a", "c"
	r.Index, r.Bytes = 9, 99
	r.Free()

	r2 := GetRow(2)
	if len(r2.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(r2.Fields))
	}
	for i, f := range r2.Fields {
		if f != "" {
			t.Fatalf("field %d not zeroed: %q", i, f)
		}
	}
	if r2.Index != 0 || r2.Bytes != 0 {
		t.Fatalf("expected zeroed position, got index=%d bytes=%d", r2.Index, r2.Bytes)
	}
}

func TestRowDrop(t *testing.T) {
	r := GetRow(1)
	r.Drop()
	if r.Fields != nil {
		t.Fatalf("expected Drop to release fields")
	}
}

func TestChecksum_OrderAndBoundariesMatter(t *testing.T) {
	sum := func(rows ...[]any) string {
		c := NewChecksum()
		for _, r := range rows {
			c.Add(r...)
		}
		return c.Sum()
	}

	a := sum([]any{"F1", "ind", int64(202301), int64(5)}, []any{"F2", "ind", int64(202301), int64(7)})
	b := sum([]any{"F1", "ind", int64(202301), int64(5)}, []any{"F2", "ind", int64(202301), int64(7)})
	if a != b {
		t.Fatalf("expected deterministic checksum")
	}
	if a == sum([]any{"F2", "ind", int64(202301), int64(7)}, []any{"F1", "ind", int64(202301), int64(5)}) {
		t.Fatalf("expected row order to change checksum")
	}
	if sum([]any{"a", "bc"}) == sum([]any{"ab", "c"}) {
		t.Fatalf("expected field boundaries to change checksum")
	}
	if sum([]any{nil}) == sum([]any{""}) {
		t.Fatalf("expected nil and empty string to differ")
	}
	// Drivers may return int or int64 for the same column.
	if sum([]any{int(5)}) != sum([]any{int64(5)}) {
		t.Fatalf("expected int and int64 to canonicalise identically")
	}
}

func TestChecksum_CountsRows(t *testing.T) {
	c := NewChecksum()
	empty := c.Sum()
	c.Add("x")
	c.Add("y")
	if c.Rows() != 2 {
		t.Fatalf("expected 2 rows, got %d", c.Rows())
	}
	if c.Sum() == empty {
		t.Fatalf("expected digest to change after rows were added")
	}
}
