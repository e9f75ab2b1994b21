// Package codec implements the payload wire format as a typed
// tagged-field builder: an ordered list of U32/U64/Pad/Bytes fields is
// serialised little-endian into an 8-byte-aligned payload, and the same
// list of kinds reads it back. Alignment of 8-byte fields is checked at
// build time rather than left to the caller's luck.
package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Kind identifies one tagged field in a pack/unpack call.
type Kind int

const (
	// KindU32 packs/unpacks a little-endian 32-bit unsigned integer.
	KindU32 Kind = iota
	// KindU64 packs/unpacks a little-endian 64-bit unsigned integer.
	KindU64
	// KindPad advances the cursor by 4 bytes without reading or writing
	// anything.
	KindPad
	// KindBytes packs/unpacks an 8-byte little-endian length prefix
	// followed by that many bytes of content.
	KindBytes
)

// Field is one tagged element of a pack call, or one decoded element of
// an unpack call.
type Field struct {
	Kind  Kind
	U32   uint32
	U64   uint64
	Bytes []byte
}

// U32 builds a KindU32 field.
func U32(v uint32) Field { return Field{Kind: KindU32, U32: v} }

// U64 builds a KindU64 field.
func U64(v uint64) Field { return Field{Kind: KindU64, U64: v} }

// Pad builds a KindPad field.
func Pad() Field { return Field{Kind: KindPad} }

// Bytes builds a KindBytes field wrapping b. b is copied into the payload
// buffer by Pack; it is not retained.
func Bytes(b []byte) Field { return Field{Kind: KindBytes, Bytes: b} }

// fieldSize returns the number of bytes f occupies on the wire,
// including the 8-byte length prefix for KindBytes.
func fieldSize(f Field) int {
	switch f.Kind {
	case KindU32, KindPad:
		return 4
	case KindU64:
		return 8
	case KindBytes:
		return 8 + len(f.Bytes)
	default:
		return 0
	}
}

// alignedWireSize returns the 8-byte-aligned total size of fields.
func alignedWireSize(fields []Field) int {
	n := 0
	for _, f := range fields {
		n += fieldSize(f)
	}
	return (n + 7) &^ 7
}

// Size returns the 8-byte-aligned payload size Pack(fields) would
// produce, without allocating it. Callers use this to size an arena
// allocation before packing into it.
func Size(fields ...Field) uint32 {
	return uint32(alignedWireSize(fields))
}

// Pack serialises fields into dst, which must be at least Size(fields...)
// bytes. It returns an error if a KindU64 or KindBytes field does not
// start at an 8-byte boundary within the payload; the caller is
// responsible for placing KindPad fields so that happens.
func Pack(dst []byte, fields ...Field) error {
	want := alignedWireSize(fields)
	if len(dst) < want {
		return errors.Errorf("codec: pack destination too small: have %d, need %d", len(dst), want)
	}
	off := 0
	for i, f := range fields {
		switch f.Kind {
		case KindU32:
			binary.LittleEndian.PutUint32(dst[off:], f.U32)
			off += 4
		case KindU64:
			if off%8 != 0 {
				return errors.Errorf("codec: field %d (U64) not 8-byte aligned at offset %d", i, off)
			}
			binary.LittleEndian.PutUint64(dst[off:], f.U64)
			off += 8
		case KindPad:
			off += 4
		case KindBytes:
			if off%8 != 0 {
				return errors.Errorf("codec: field %d (Bytes) not 8-byte aligned at offset %d", i, off)
			}
			binary.LittleEndian.PutUint64(dst[off:], uint64(len(f.Bytes)))
			off += 8
			copy(dst[off:], f.Bytes)
			off += len(f.Bytes)
		default:
			return errors.Errorf("codec: field %d has unknown kind %d", i, f.Kind)
		}
	}
	for ; off < want; off++ {
		dst[off] = 0
	}
	return nil
}

// Unpack mirrors Pack: given the kinds expected (in the same order they
// were packed) it reads payload and returns the decoded fields. KindBytes
// fields reference payload directly (zero-copy) and are only valid for
// as long as payload itself is valid, that is, until the owning slot is
// marked done. Unpack fails if the cursor would run past len(payload).
func Unpack(payload []byte, kinds ...Kind) ([]Field, error) {
	out := make([]Field, 0, len(kinds))
	off := 0
	for i, k := range kinds {
		switch k {
		case KindU32:
			if off+4 > len(payload) {
				return nil, errors.Errorf("codec: unpack field %d (U32): payload exhausted", i)
			}
			out = append(out, U32(binary.LittleEndian.Uint32(payload[off:])))
			off += 4
		case KindU64:
			if off+8 > len(payload) {
				return nil, errors.Errorf("codec: unpack field %d (U64): payload exhausted", i)
			}
			out = append(out, U64(binary.LittleEndian.Uint64(payload[off:])))
			off += 8
		case KindPad:
			if off+4 > len(payload) {
				return nil, errors.Errorf("codec: unpack field %d (Pad): payload exhausted", i)
			}
			out = append(out, Pad())
			off += 4
		case KindBytes:
			if off+8 > len(payload) {
				return nil, errors.Errorf("codec: unpack field %d (Bytes): payload exhausted", i)
			}
			n := binary.LittleEndian.Uint64(payload[off:])
			off += 8
			if off+int(n) > len(payload) {
				return nil, errors.Errorf("codec: unpack field %d (Bytes): length %d exceeds payload", i, n)
			}
			out = append(out, Bytes(payload[off:off+int(n)]))
			off += int(n)
		default:
			return nil, errors.Errorf("codec: unpack field %d has unknown kind %d", i, k)
		}
	}
	return out, nil
}
