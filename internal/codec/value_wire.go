package codec

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/clasp-systems/clasp/internal/value"
)

// Value type tags, §6.
const (
	tagNull   byte = 0x00
	tagBool   byte = 0x01
	tagI8     byte = 0x02
	tagI16    byte = 0x03
	tagI32    byte = 0x04
	tagI64    byte = 0x05
	tagF32    byte = 0x06
	tagF64    byte = 0x07
	tagString byte = 0x08
	tagBytes  byte = 0x09
	tagArray  byte = 0x0A
	tagMap    byte = 0x0B
)

// EncodeValue appends the wire encoding of v to buf. Integers are emitted
// in the narrowest signed width that covers them; floats are always
// emitted as F64 (the encoder never attempts to detect narrower-precision
// floats, matching "floats as written" in §4.1 — the source Value type
// carries a single float64).
func EncodeValue(buf *bytes.Buffer, v value.Value) {
	switch v.Kind() {
	case value.KindNull:
		buf.WriteByte(tagNull)
	case value.KindBool:
		buf.WriteByte(tagBool)
		b, _ := v.AsBool()
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case value.KindInt:
		i, _ := v.AsInt()
		writeIntNarrow(buf, i)
	case value.KindFloat:
		f, _ := v.AsFloat()
		buf.WriteByte(tagF64)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
		buf.Write(b[:])
	case value.KindString:
		s, _ := v.AsString()
		buf.WriteByte(tagString)
		writeString16(buf, s)
	case value.KindBytes:
		data, _ := v.AsBytes()
		buf.WriteByte(tagBytes)
		writeBytes16(buf, data)
	case value.KindArray:
		arr, _ := v.AsArray()
		buf.WriteByte(tagArray)
		var n [2]byte
		binary.BigEndian.PutUint16(n[:], uint16(len(arr)))
		buf.Write(n[:])
		for _, elem := range arr {
			EncodeValue(buf, elem)
		}
	case value.KindMap:
		m, _ := v.AsMap()
		buf.WriteByte(tagMap)
		var n [2]byte
		binary.BigEndian.PutUint16(n[:], uint16(len(m)))
		buf.Write(n[:])
		for k, elem := range m {
			writeString16(buf, k)
			EncodeValue(buf, elem)
		}
	default:
		buf.WriteByte(tagNull)
	}
}

func writeIntNarrow(buf *bytes.Buffer, i int64) {
	switch {
	case i >= math.MinInt8 && i <= math.MaxInt8:
		buf.WriteByte(tagI8)
		buf.WriteByte(byte(int8(i)))
	case i >= math.MinInt16 && i <= math.MaxInt16:
		buf.WriteByte(tagI16)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(int16(i)))
		buf.Write(b[:])
	case i >= math.MinInt32 && i <= math.MaxInt32:
		buf.WriteByte(tagI32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(int32(i)))
		buf.Write(b[:])
	default:
		buf.WriteByte(tagI64)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(i))
		buf.Write(b[:])
	}
}

func writeString16(buf *bytes.Buffer, s string) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

func writeBytes16(buf *bytes.Buffer, b []byte) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

// DecodeValue reads one tagged Value from c.
func DecodeValue(c *cursor) (value.Value, error) {
	tag, err := c.u8()
	if err != nil {
		return value.Value{}, err
	}
	switch tag {
	case tagNull:
		return value.Null(), nil
	case tagBool:
		b, err := c.u8()
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(b != 0), nil
	case tagI8:
		b, err := c.u8()
		if err != nil {
			return value.Value{}, err
		}
		return value.Int(int64(int8(b))), nil
	case tagI16:
		b, err := c.u16()
		if err != nil {
			return value.Value{}, err
		}
		return value.Int(int64(int16(b))), nil
	case tagI32:
		b, err := c.u32()
		if err != nil {
			return value.Value{}, err
		}
		return value.Int(int64(int32(b))), nil
	case tagI64:
		b, err := c.u64()
		if err != nil {
			return value.Value{}, err
		}
		return value.Int(int64(b)), nil
	case tagF32:
		b, err := c.u32()
		if err != nil {
			return value.Value{}, err
		}
		return value.Float(float64(math.Float32frombits(b))), nil
	case tagF64:
		b, err := c.u64()
		if err != nil {
			return value.Value{}, err
		}
		return value.Float(math.Float64frombits(b)), nil
	case tagString:
		s, err := c.str16()
		if err != nil {
			return value.Value{}, err
		}
		return value.String(s), nil
	case tagBytes:
		b, err := c.bytes16()
		if err != nil {
			return value.Value{}, err
		}
		return value.Bytes(b), nil
	case tagArray:
		n, err := c.u16()
		if err != nil {
			return value.Value{}, err
		}
		elems := make([]value.Value, 0, n)
		for i := uint16(0); i < n; i++ {
			elem, err := DecodeValue(c)
			if err != nil {
				return value.Value{}, err
			}
			elems = append(elems, elem)
		}
		return value.Array(elems...), nil
	case tagMap:
		n, err := c.u16()
		if err != nil {
			return value.Value{}, err
		}
		m := make(map[string]value.Value, n)
		for i := uint16(0); i < n; i++ {
			k, err := c.str16()
			if err != nil {
				return value.Value{}, err
			}
			v, err := DecodeValue(c)
			if err != nil {
				return value.Value{}, err
			}
			m[k] = v
		}
		return value.Map(m), nil
	default:
		return value.Value{}, &DecodeError{Detail: "unknown value tag"}
	}
}

// sizeofValue returns an upper bound, in bytes, of the wire encoding of v.
// EstimatePayloadSize does not use it; that function measures a real
// encode instead.
func sizeofValue(v value.Value) int {
	switch v.Kind() {
	case value.KindNull:
		return 1
	case value.KindBool:
		return 2
	case value.KindInt:
		return 9 // tag + widest case (i64)
	case value.KindFloat:
		return 9
	case value.KindString:
		s, _ := v.AsString()
		return 3 + len(s)
	case value.KindBytes:
		b, _ := v.AsBytes()
		return 3 + len(b)
	case value.KindArray:
		arr, _ := v.AsArray()
		n := 3
		for _, e := range arr {
			n += sizeofValue(e)
		}
		return n
	case value.KindMap:
		m, _ := v.AsMap()
		n := 3
		for k, e := range m {
			n += 2 + len(k) + sizeofValue(e)
		}
		return n
	default:
		return 1
	}
}
