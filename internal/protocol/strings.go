package protocol

import (
	"encoding/binary"
	"math"
)

// longStringMarker introduces a 16-bit length for strings of 255 bytes or more.
const longStringMarker = 0xff

// StringSize is the encoded size of s including its length prefix.
func StringSize(s string) int {
	if len(s) >= longStringMarker {
		return 3 + len(s)
	}
	return 1 + len(s)
}

// EncodeString returns the length-prefixed form of s. There is no terminator.
func EncodeString(s string) ([]byte, error) {
	return AppendString(make([]byte, 0, StringSize(s)), s)
}

// AppendString appends the length-prefixed form of s to dst.
func AppendString(dst []byte, s string) ([]byte, error) {
	switch {
	case len(s) > math.MaxUint16:
		return dst, ErrStringTooLong
	case len(s) >= longStringMarker:
		dst = append(dst, longStringMarker)
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(s)))
	default:
		dst = append(dst, byte(len(s)))
	}
	return append(dst, s...), nil
}

// DecodeString reads a length-prefixed string starting at b[offset] and
// reports how many bytes it consumed.
func DecodeString(b []byte, offset int) (string, int, error) {
	if offset < 0 || offset >= len(b) {
		return "", 0, ErrTruncated
	}
	length := int(b[offset])
	prefix := 1
	if length == longStringMarker {
		if len(b)-offset < 3 {
			return "", 0, ErrTruncated
		}
		length = int(binary.LittleEndian.Uint16(b[offset+1:]))
		prefix = 3
	}
	start := offset + prefix
	if len(b)-start < length {
		return "", 0, ErrTruncated
	}
	return string(b[start : start+length]), prefix + length, nil
}
