package transformer

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"healthetl/internal/transformer/builtin"
)

// Checksum is a running SHA-256 over an ordered stream of rows.
//
// Each row is encoded field by field with builtin.AppendCanonical, fields
// joined by 0x1f and rows terminated by 0x1e, so ("a","bc") and ("ab","c")
// hash differently. Feeding the same rows in the same order always yields the
// same digest regardless of the driver types the values arrived as.
type Checksum struct {
	h    hash.Hash
	rows int64
	buf  []byte
}

func NewChecksum() *Checksum {
	return &Checksum{h: sha256.New(), buf: make([]byte, 0, 256)}
}

func (c *Checksum) Add(values ...any) {
	c.buf = c.buf[:0]
	for i, v := range values {
		if i > 0 {
			c.buf = append(c.buf, 0x1f)
		}
		c.buf = builtin.AppendCanonical(c.buf, v)
	}
	c.buf = append(c.buf, 0x1e)
	_, _ = c.h.Write(c.buf)
	c.rows++
}

func (c *Checksum) Rows() int64 { return c.rows }

// Sum returns the lowercase hex digest of everything added so far.
func (c *Checksum) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}
