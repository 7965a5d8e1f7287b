package csv

import "unicode/utf8"

// scanState tracks field quoting the way encoding/csv reads it, so record
// boundaries agree with the parser. A quote opens a quoted field only as the
// first byte of a field; elsewhere it is a bare quote, which only LazyQuotes
// accepts.
type scanState struct {
	comma byte
	lazy  bool

	quoted     bool
	closing    bool // a quote was seen inside a quoted field
	fieldStart bool
}

func newScanState(opts Options) scanState {
	var enc [utf8.UTFMax]byte
	n := utf8.EncodeRune(enc[:], opts.Comma)
	// A multi-byte separator is matched on its final byte.
	return scanState{comma: enc[n-1], lazy: opts.LazyQuotes, fieldStart: true}
}

// step consumes one byte and reports whether it ends a record.
func (s *scanState) step(c byte) bool {
	if s.closing {
		s.closing = false
		switch {
		case c == '"':
			// Doubled quote, still inside the field.
			return false
		case c == s.comma, c == '\n', c == '\r', !s.lazy:
			s.quoted = false
		default:
			// A lazy quote inside a quoted field is literal.
			return false
		}
	}
	if s.quoted {
		if c == '"' {
			s.closing = true
		}
		return false
	}
	switch c {
	case '"':
		s.quoted = s.fieldStart
		s.fieldStart = false
	case s.comma:
		s.fieldStart = true
	case '\n':
		s.fieldStart = true
		return true
	case '\r':
	default:
		s.fieldStart = false
	}
	return false
}

// splitter finds record boundaries in a growing buffer. A boundary is the
// byte after a '\n' that is not inside a quoted field. Quote state is kept
// across calls so each byte is scanned once.
type splitter struct {
	scanned int
	state   scanState
}

func newSplitter(opts Options) splitter {
	return splitter{state: newScanState(opts)}
}

// last returns the offset just past the last record boundary in buf, or 0 if
// buf holds no complete record yet. Bytes before s.scanned must already have
// been scanned and hold no boundary.
func (s *splitter) last(buf []byte) int {
	cut := 0
	for i := s.scanned; i < len(buf); i++ {
		if s.state.step(buf[i]) {
			cut = i + 1
		}
	}
	s.scanned = len(buf)
	return cut
}

// nextRecordEnd returns the offset just past the first record boundary at or
// after from, which must be the start of a record, or -1.
func nextRecordEnd(buf []byte, from int, opts Options) int {
	st := newScanState(opts)
	for i := from; i < len(buf); i++ {
		if st.step(buf[i]) {
			return i + 1
		}
	}
	return -1
}
