package property

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnknownTag indicates that an encoded value carries an unrecognized type tag.
	ErrUnknownTag = errors.New("property: unknown value tag")
	// ErrTruncated indicates that an encoded value ends before its payload is complete.
	ErrTruncated = errors.New("property: truncated value")
	// ErrTrailingData indicates that bytes remain after a complete value was decoded.
	ErrTrailingData = errors.New("property: trailing data after value")
)

// ValueKind enumerates the document-model value variants.
type ValueKind uint8

const (
	// KindInt stores a signed 64-bit integer.
	KindInt ValueKind = iota + 1
	// KindFloat stores a 64-bit float.
	KindFloat
	// KindFloatList stores an ordered sequence of 64-bit floats.
	KindFloatList
	// KindIntList stores an ordered sequence of signed 64-bit integers.
	KindIntList
	// KindBytes stores an opaque byte payload.
	KindBytes
)

const (
	tagInt       byte = 0x01
	tagFloat     byte = 0x02
	tagFloatList byte = 0x03
	tagIntList   byte = 0x04
	tagBytes     byte = 0x05
)

// Value is the tagged union stored against documents, layers, shapes and brushes.
// Int and Float variants live in the scalar property tables; the remaining
// variants are persisted through Encode as self-describing blobs.
type Value struct {
	kind      ValueKind
	intValue  int64
	floatVal  float64
	floatList []float64
	intList   []int64
	byteList  []byte
}

// IntValue constructs an integer value.
func IntValue(value int64) Value {
	return Value{kind: KindInt, intValue: value}
}

// FloatValue constructs a float value.
func FloatValue(value float64) Value {
	return Value{kind: KindFloat, floatVal: value}
}

// FloatListValue constructs a float-sequence value.
func FloatListValue(values []float64) Value {
	copied := make([]float64, len(values))
	copy(copied, values)
	return Value{kind: KindFloatList, floatList: copied}
}

// IntListValue constructs an integer-sequence value.
func IntListValue(values []int64) Value {
	copied := make([]int64, len(values))
	copy(copied, values)
	return Value{kind: KindIntList, intList: copied}
}

// BytesValue constructs an opaque byte payload value.
func BytesValue(payload []byte) Value {
	copied := make([]byte, len(payload))
	copy(copied, payload)
	return Value{kind: KindBytes, byteList: copied}
}

// Kind reports which variant the value holds.
func (v Value) Kind() ValueKind {
	return v.kind
}

// Int returns the integer payload; zero unless Kind is KindInt.
func (v Value) Int() int64 {
	return v.intValue
}

// Float returns the float payload; zero unless Kind is KindFloat.
func (v Value) Float() float64 {
	return v.floatVal
}

// FloatList returns a copy of the float-sequence payload.
func (v Value) FloatList() []float64 {
	copied := make([]float64, len(v.floatList))
	copy(copied, v.floatList)
	return copied
}

// IntList returns a copy of the integer-sequence payload.
func (v Value) IntList() []int64 {
	copied := make([]int64, len(v.intList))
	copy(copied, v.intList)
	return copied
}

// Bytes returns a copy of the opaque byte payload.
func (v Value) Bytes() []byte {
	copied := make([]byte, len(v.byteList))
	copy(copied, v.byteList)
	return copied
}

// IsScalar reports whether the value belongs in a scalar property table.
func (v Value) IsScalar() bool {
	return v.kind == KindInt || v.kind == KindFloat
}

// Equal reports semantic equality between two values. Float comparisons are
// exact on the bit pattern so NaN payloads compare equal to themselves.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.intValue == other.intValue
	case KindFloat:
		return math.Float64bits(v.floatVal) == math.Float64bits(other.floatVal)
	case KindFloatList:
		if len(v.floatList) != len(other.floatList) {
			return false
		}
		for i := range v.floatList {
			if math.Float64bits(v.floatList[i]) != math.Float64bits(other.floatList[i]) {
				return false
			}
		}
		return true
	case KindIntList:
		if len(v.intList) != len(other.intList) {
			return false
		}
		for i := range v.intList {
			if v.intList[i] != other.intList[i] {
				return false
			}
		}
		return true
	case KindBytes:
		if len(v.byteList) != len(other.byteList) {
			return false
		}
		for i := range v.byteList {
			if v.byteList[i] != other.byteList[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String renders the value for logs and error messages.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return fmt.Sprintf("int(%d)", v.intValue)
	case KindFloat:
		return fmt.Sprintf("float(%g)", v.floatVal)
	case KindFloatList:
		return fmt.Sprintf("floats(len=%d)", len(v.floatList))
	case KindIntList:
		return fmt.Sprintf("ints(len=%d)", len(v.intList))
	case KindBytes:
		return fmt.Sprintf("bytes(len=%d)", len(v.byteList))
	default:
		return "invalid"
	}
}

// Encode serializes the value into its deterministic binary form: a single
// type tag followed by a fixed-layout payload. Identical logical values always
// produce identical bytes.
func Encode(value Value) []byte {
	switch value.kind {
	case KindInt:
		buffer := make([]byte, 1+8)
		buffer[0] = tagInt
		binary.BigEndian.PutUint64(buffer[1:], uint64(value.intValue))
		return buffer
	case KindFloat:
		buffer := make([]byte, 1+8)
		buffer[0] = tagFloat
		binary.BigEndian.PutUint64(buffer[1:], math.Float64bits(value.floatVal))
		return buffer
	case KindFloatList:
		buffer := make([]byte, 0, 1+4+2*len(value.floatList))
		buffer = append(buffer, tagFloatList)
		buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(value.floatList)))
		previous := 0.0
		for _, element := range value.floatList {
			buffer = AppendSquishedFloat(buffer, previous, element)
			previous = element
		}
		return buffer
	case KindIntList:
		buffer := make([]byte, 0, 1+4+8*len(value.intList))
		buffer = append(buffer, tagIntList)
		buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(value.intList)))
		for _, element := range value.intList {
			buffer = binary.BigEndian.AppendUint64(buffer, uint64(element))
		}
		return buffer
	case KindBytes:
		buffer := make([]byte, 0, 1+4+len(value.byteList))
		buffer = append(buffer, tagBytes)
		buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(value.byteList)))
		buffer = append(buffer, value.byteList...)
		return buffer
	default:
		return nil
	}
}

// Decode parses a value previously produced by Encode. It fails with
// ErrUnknownTag for unrecognized tags, ErrTruncated for short buffers and
// ErrTrailingData when bytes remain after the value.
func Decode(encoded []byte) (Value, error) {
	value, rest, err := decodeValue(encoded)
	if err != nil {
		return Value{}, err
	}
	if len(rest) != 0 {
		return Value{}, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(rest))
	}
	return value, nil
}

func decodeValue(encoded []byte) (Value, []byte, error) {
	if len(encoded) == 0 {
		return Value{}, nil, fmt.Errorf("%w: empty buffer", ErrTruncated)
	}
	tag := encoded[0]
	rest := encoded[1:]
	switch tag {
	case tagInt:
		if len(rest) < 8 {
			return Value{}, nil, fmt.Errorf("%w: int payload", ErrTruncated)
		}
		return IntValue(int64(binary.BigEndian.Uint64(rest[:8]))), rest[8:], nil
	case tagFloat:
		if len(rest) < 8 {
			return Value{}, nil, fmt.Errorf("%w: float payload", ErrTruncated)
		}
		return FloatValue(math.Float64frombits(binary.BigEndian.Uint64(rest[:8]))), rest[8:], nil
	case tagFloatList:
		if len(rest) < 4 {
			return Value{}, nil, fmt.Errorf("%w: float list header", ErrTruncated)
		}
		count := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		elements := make([]float64, 0, count)
		previous := 0.0
		for i := uint32(0); i < count; i++ {
			element, remaining, err := ReadSquishedFloat(rest, previous)
			if err != nil {
				return Value{}, nil, err
			}
			elements = append(elements, element)
			previous = element
			rest = remaining
		}
		return Value{kind: KindFloatList, floatList: elements}, rest, nil
	case tagIntList:
		if len(rest) < 4 {
			return Value{}, nil, fmt.Errorf("%w: int list header", ErrTruncated)
		}
		count := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(len(rest)) < uint64(count)*8 {
			return Value{}, nil, fmt.Errorf("%w: int list payload", ErrTruncated)
		}
		elements := make([]int64, 0, count)
		for i := uint32(0); i < count; i++ {
			elements = append(elements, int64(binary.BigEndian.Uint64(rest[:8])))
			rest = rest[8:]
		}
		return Value{kind: KindIntList, intList: elements}, rest, nil
	case tagBytes:
		if len(rest) < 4 {
			return Value{}, nil, fmt.Errorf("%w: bytes header", ErrTruncated)
		}
		length := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(len(rest)) < uint64(length) {
			return Value{}, nil, fmt.Errorf("%w: bytes payload", ErrTruncated)
		}
		payload := make([]byte, length)
		copy(payload, rest[:length])
		return Value{kind: KindBytes, byteList: payload}, rest[length:], nil
	default:
		return Value{}, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tag)
	}
}
