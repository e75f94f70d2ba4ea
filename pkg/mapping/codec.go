package mapping

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/samsamfire/goethercat/pkg/netdesc"
)

// Encode serializes a Go value into its little-endian wire/PDI
// representation for the given data type.
func Encode(dt netdesc.DataType, value any) ([]byte, error) {
	switch dt {
	case netdesc.BOOL:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("mapping: expected bool for BOOL, got %T", value)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case netdesc.INT8:
		v, ok := value.(int8)
		if !ok {
			return nil, fmt.Errorf("mapping: expected int8, got %T", value)
		}
		return []byte{byte(v)}, nil

	case netdesc.UINT8:
		v, ok := value.(uint8)
		if !ok {
			return nil, fmt.Errorf("mapping: expected uint8, got %T", value)
		}
		return []byte{v}, nil

	case netdesc.INT16:
		v, ok := value.(int16)
		if !ok {
			return nil, fmt.Errorf("mapping: expected int16, got %T", value)
		}
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(v))
		return buf, nil

	case netdesc.UINT16:
		v, ok := value.(uint16)
		if !ok {
			return nil, fmt.Errorf("mapping: expected uint16, got %T", value)
		}
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, v)
		return buf, nil

	case netdesc.INT32:
		v, ok := value.(int32)
		if !ok {
			return nil, fmt.Errorf("mapping: expected int32, got %T", value)
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(v))
		return buf, nil

	case netdesc.UINT32:
		v, ok := value.(uint32)
		if !ok {
			return nil, fmt.Errorf("mapping: expected uint32, got %T", value)
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v)
		return buf, nil

	case netdesc.FLOAT32:
		v, ok := value.(float32)
		if !ok {
			return nil, fmt.Errorf("mapping: expected float32, got %T", value)
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		return buf, nil

	case netdesc.INT64:
		v, ok := value.(int64)
		if !ok {
			return nil, fmt.Errorf("mapping: expected int64, got %T", value)
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v))
		return buf, nil

	case netdesc.UINT64:
		v, ok := value.(uint64)
		if !ok {
			return nil, fmt.Errorf("mapping: expected uint64, got %T", value)
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, v)
		return buf, nil

	case netdesc.FLOAT64:
		v, ok := value.(float64)
		if !ok {
			return nil, fmt.Errorf("mapping: expected float64, got %T", value)
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		return buf, nil

	default:
		return nil, fmt.Errorf("mapping: unsupported data type %v", dt)
	}
}

// Decode deserializes a little-endian wire/PDI byte slice into a Go value
// for the given data type. buf must be at least (dt.BitSize()+7)/8 bytes.
func Decode(dt netdesc.DataType, buf []byte) (any, error) {
	need := (dt.BitSize() + 7) / 8
	if len(buf) < need {
		return nil, fmt.Errorf("mapping: need %d bytes to decode %v, got %d", need, dt, len(buf))
	}
	switch dt {
	case netdesc.BOOL:
		return buf[0] != 0, nil
	case netdesc.INT8:
		return int8(buf[0]), nil
	case netdesc.UINT8:
		return buf[0], nil
	case netdesc.INT16:
		return int16(binary.LittleEndian.Uint16(buf)), nil
	case netdesc.UINT16:
		return binary.LittleEndian.Uint16(buf), nil
	case netdesc.INT32:
		return int32(binary.LittleEndian.Uint32(buf)), nil
	case netdesc.UINT32:
		return binary.LittleEndian.Uint32(buf), nil
	case netdesc.FLOAT32:
		return math.Float32frombits(binary.LittleEndian.Uint32(buf)), nil
	case netdesc.INT64:
		return int64(binary.LittleEndian.Uint64(buf)), nil
	case netdesc.UINT64:
		return binary.LittleEndian.Uint64(buf), nil
	case netdesc.FLOAT64:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf)), nil
	default:
		return nil, fmt.Errorf("mapping: unsupported data type %v", dt)
	}
}

// WriteBit sets or clears a single bit within buf[byteOffset], preserving
// the other seven bits via read-modify-write.
func WriteBit(buf []byte, byteOffset, bitOffset int, value bool) {
	mask := byte(1) << uint(bitOffset)
	if value {
		buf[byteOffset] |= mask
	} else {
		buf[byteOffset] &^= mask
	}
}

// ReadBit returns a single bit within buf[byteOffset].
func ReadBit(buf []byte, byteOffset, bitOffset int) bool {
	mask := byte(1) << uint(bitOffset)
	return buf[byteOffset]&mask != 0
}
