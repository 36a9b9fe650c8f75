package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset identifies a position within a stream.
//
// The string form is "%016d_%016d": the read sequence followed by the byte
// offset, both zero-padded so lexicographic order equals logical order.
// ReadSeq is the high-order key; it increments when a stream is resurrected,
// which guarantees every offset of a new incarnation sorts after every offset
// of the previous one.
type Offset struct {
	ReadSeq    uint64
	ByteOffset uint64
}

// ZeroOffset is the starting offset of a fresh stream incarnation.
var ZeroOffset = Offset{}

// String formats the offset in its sortable wire form.
func (o Offset) String() string {
	return fmt.Sprintf("%016d_%016d", o.ReadSeq, o.ByteOffset)
}

// IsZero reports whether this is the zero offset.
func (o Offset) IsZero() bool {
	return o.ReadSeq == 0 && o.ByteOffset == 0
}

// Add returns the offset advanced by the given number of payload bytes.
func (o Offset) Add(n uint64) Offset {
	return Offset{ReadSeq: o.ReadSeq, ByteOffset: o.ByteOffset + n}
}

// ParseOffset parses an offset string.
// The sentinel "-1" (and the empty string) means "from the beginning" and
// parses to ZeroOffset. Anything else must be strictly "digits_digits".
func ParseOffset(s string) (Offset, error) {
	if s == "" || s == "-1" {
		return ZeroOffset, nil
	}

	if !isValidOffsetFormat(s) {
		return Offset{}, fmt.Errorf("invalid offset format: must be 'digits_digits'")
	}

	parts := strings.SplitN(s, "_", 2)
	readSeq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: read seq: %w", err)
	}
	byteOffset, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: byte offset: %w", err)
	}

	return Offset{ReadSeq: readSeq, ByteOffset: byteOffset}, nil
}

// isValidOffsetFormat accepts one or more digits, one underscore, one or
// more digits. Nothing else: no signs, spaces, or control characters.
func isValidOffsetFormat(s string) bool {
	if len(s) < 3 {
		return false
	}

	underscores := 0
	underscorePos := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' {
			underscores++
			underscorePos = i
			if underscores > 1 {
				return false
			}
		} else if c < '0' || c > '9' {
			return false
		}
	}

	return underscores == 1 && underscorePos > 0 && underscorePos < len(s)-1
}

// Compare returns -1 if a < b, 0 if equal, 1 if a > b.
func Compare(a, b Offset) int {
	if a.ReadSeq != b.ReadSeq {
		if a.ReadSeq < b.ReadSeq {
			return -1
		}
		return 1
	}
	if a.ByteOffset != b.ByteOffset {
		if a.ByteOffset < b.ByteOffset {
			return -1
		}
		return 1
	}
	return 0
}

// LessThan reports whether o sorts strictly before other.
func (o Offset) LessThan(other Offset) bool {
	return Compare(o, other) < 0
}

// Equal reports whether the two offsets are the same position.
func (o Offset) Equal(other Offset) bool {
	return Compare(o, other) == 0
}
