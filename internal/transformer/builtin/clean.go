// Package builtin contains small, allocation-aware value helpers used on the
// hot path: field cleaning and canonical value encoding.
package builtin

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// HasEdgeSpace reports whether s starts or ends with a space or tab. Callers
// use it to skip strings.TrimSpace on the common already-clean value.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return s[0] == ' ' || s[len(s)-1] == ' ' || s[0] == '\t' || s[len(s)-1] == '\t'
}

// CleanField prepares a raw cell for bulk loading:
//   - tab, CR and LF become a space
//   - NUL and the remaining C0 control characters are dropped
//   - invalid UTF-8 sequences become U+FFFD
//   - surrounding whitespace is trimmed
//
// Clean values are returned without allocating.
func CleanField(s string) string {
	if needsScrub(s) {
		s = scrub(s)
	}
	if HasEdgeSpace(s) {
		s = strings.TrimSpace(s)
	}
	return s
}

func needsScrub(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 && c != '\t' || c == 0x7f {
			return true
		}
		if c == '\t' && i > 0 && i < len(s)-1 {
			return true
		}
		if c >= utf8.RuneSelf {
			return !utf8.ValidString(s[i:]) || needsScrubASCII(s[i:])
		}
	}
	return false
}

// needsScrubASCII scans the remainder once UTF-8 validity is known.
func needsScrubASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x20 || c == 0x7f {
			return true
		}
	}
	return false
}

func scrub(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			b.WriteRune(utf8.RuneError)
		case r == '\t' || r == '\n' || r == '\r':
			b.WriteByte(' ')
		case r < 0x20 || r == 0x7f:
		default:
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}

// AppendCanonical appends a stable text encoding of v to dst.
//
// Canonicalisation rules:
//   - nil encodes as a single NUL byte so missing differs from "".
//   - integers and floats use strconv without exponent surprises for ints.
//   - time.Time encodes as RFC3339Nano in UTC.
//   - []byte is written as-is.
func AppendCanonical(dst []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return append(dst, 0)
	case string:
		return append(dst, t...)
	case []byte:
		return append(dst, t...)
	case bool:
		return strconv.AppendBool(dst, t)
	case int:
		return strconv.AppendInt(dst, int64(t), 10)
	case int32:
		return strconv.AppendInt(dst, int64(t), 10)
	case int64:
		return strconv.AppendInt(dst, t, 10)
	case float64:
		return strconv.AppendFloat(dst, t, 'g', -1, 64)
	case time.Time:
		if !t.IsZero() {
			t = t.UTC()
		}
		return t.AppendFormat(dst, time.RFC3339Nano)
	case *string:
		if t == nil {
			return append(dst, 0)
		}
		return append(dst, *t...)
	case *int64:
		if t == nil {
			return append(dst, 0)
		}
		return strconv.AppendInt(dst, *t, 10)
	}
	return fmt.Append(dst, v)
}
