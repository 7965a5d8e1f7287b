package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeKey converts a scanned key value to its canonical string form
// (e.g. "FAC-001" or "202301").
//
// Backends must not assume a particular driver type for keys: SQLite may
// hand back []byte for TEXT columns and pgx returns int32 for INTEGER ones.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int:
		return strconv.Itoa(t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
