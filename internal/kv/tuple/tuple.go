// Package tuple implements a minimal tuple codec for the element types the
// schema manager needs as KV keys: signed 64-bit integers and UTF-8
// strings. Elements are type-tagged as in the FoundationDB tuple layer.
// Packed integers sort in numeric order. Packed strings are length-prefixed,
// so they sort by byte length first and bytewise only among strings of equal
// length; string keys do not sort in the strings' own lexicographic order.
package tuple

import (
	"encoding/binary"
	"fmt"
)

const (
	typeInt    byte = 0x01
	typeString byte = 0x02
)

// Elem is one packable tuple element: either int64 or string.
type Elem interface{}

// Pack encodes items into a single order-preserving byte string.
func Pack(items ...Elem) ([]byte, error) {
	var out []byte
	for _, it := range items {
		switch v := it.(type) {
		case int64:
			out = append(out, typeInt)
			out = append(out, packInt(v)...)
		case int:
			out = append(out, typeInt)
			out = append(out, packInt(int64(v))...)
		case int32:
			out = append(out, typeInt)
			out = append(out, packInt(int64(v))...)
		case string:
			out = append(out, typeString)
			out = append(out, packString(v)...)
		default:
			return nil, fmt.Errorf("tuple: unsupported element type %T", it)
		}
	}
	return out, nil
}

// MustPack panics on encode error; used for internal key construction where
// the element types are statically known to be supported.
func MustPack(items ...Elem) []byte {
	b, err := Pack(items...)
	if err != nil {
		panic(err)
	}
	return b
}

// Unpack decodes a byte string produced by Pack back into its elements.
func Unpack(b []byte) ([]Elem, error) {
	var out []Elem
	for len(b) > 0 {
		tag := b[0]
		b = b[1:]
		switch tag {
		case typeInt:
			if len(b) < 8 {
				return nil, fmt.Errorf("tuple: truncated int")
			}
			out = append(out, unpackInt(b[:8]))
			b = b[8:]
		case typeString:
			if len(b) < 4 {
				return nil, fmt.Errorf("tuple: truncated string length")
			}
			n := binary.BigEndian.Uint32(b[:4])
			b = b[4:]
			if uint32(len(b)) < n {
				return nil, fmt.Errorf("tuple: truncated string body")
			}
			out = append(out, string(b[:n]))
			b = b[n:]
		default:
			return nil, fmt.Errorf("tuple: unknown type tag 0x%02x", tag)
		}
	}
	return out, nil
}

// packInt encodes a signed int64 as 8 big-endian bytes with the sign bit
// flipped, so the byte-lexicographic order matches numeric order.
func packInt(v int64) []byte {
	u := uint64(v) ^ (1 << 63)
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, u)
	return b
}

func unpackInt(b []byte) int64 {
	u := binary.BigEndian.Uint64(b)
	return int64(u ^ (1 << 63))
}

// packString length-prefixes the raw bytes so concatenated tuple elements
// remain unambiguous regardless of the string's byte content.
func packString(s string) []byte {
	b := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(b[:4], uint32(len(s)))
	copy(b[4:], s)
	return b
}
