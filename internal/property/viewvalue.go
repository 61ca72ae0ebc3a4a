package property

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ViewValueKind enumerates the UI-bound value variants.
type ViewValueKind uint8

const (
	// ViewKindNothing is the absent value.
	ViewKindNothing ViewValueKind = iota + 1
	// ViewKindBool stores a boolean.
	ViewKindBool
	// ViewKindInt stores a signed 64-bit integer.
	ViewKindInt
	// ViewKindFloat stores a 64-bit float.
	ViewKindFloat
	// ViewKindString stores a UTF-8 string.
	ViewKindString
)

const (
	tagViewNothing byte = 0x10
	tagViewBool    byte = 0x11
	tagViewInt     byte = 0x12
	tagViewFloat   byte = 0x13
	tagViewString  byte = 0x14
)

// ViewValue is the tagged union bound to editor-facing state such as the
// current frame, the selected tool or onion-skin toggles. It is distinct from
// the document-model Value union and never appears in property tables.
type ViewValue struct {
	kind     ViewValueKind
	boolVal  bool
	intVal   int64
	floatVal float64
	strVal   string
}

// NothingValue constructs the absent view value.
func NothingValue() ViewValue {
	return ViewValue{kind: ViewKindNothing}
}

// BoolViewValue constructs a boolean view value.
func BoolViewValue(value bool) ViewValue {
	return ViewValue{kind: ViewKindBool, boolVal: value}
}

// IntViewValue constructs an integer view value.
func IntViewValue(value int64) ViewValue {
	return ViewValue{kind: ViewKindInt, intVal: value}
}

// FloatViewValue constructs a float view value.
func FloatViewValue(value float64) ViewValue {
	return ViewValue{kind: ViewKindFloat, floatVal: value}
}

// StringViewValue constructs a string view value.
func StringViewValue(value string) ViewValue {
	return ViewValue{kind: ViewKindString, strVal: value}
}

// Kind reports which variant the view value holds.
func (v ViewValue) Kind() ViewValueKind {
	return v.kind
}

// Bool returns the boolean payload; false unless Kind is ViewKindBool.
func (v ViewValue) Bool() bool {
	return v.boolVal
}

// Int returns the integer payload; zero unless Kind is ViewKindInt.
func (v ViewValue) Int() int64 {
	return v.intVal
}

// Float returns the float payload; zero unless Kind is ViewKindFloat.
func (v ViewValue) Float() float64 {
	return v.floatVal
}

// Str returns the string payload; empty unless Kind is ViewKindString.
func (v ViewValue) Str() string {
	return v.strVal
}

// Equal reports semantic equality between two view values.
func (v ViewValue) Equal(other ViewValue) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case ViewKindNothing:
		return true
	case ViewKindBool:
		return v.boolVal == other.boolVal
	case ViewKindInt:
		return v.intVal == other.intVal
	case ViewKindFloat:
		return math.Float64bits(v.floatVal) == math.Float64bits(other.floatVal)
	case ViewKindString:
		return v.strVal == other.strVal
	default:
		return false
	}
}

// EncodeView serializes a view value into its deterministic binary form.
func EncodeView(value ViewValue) []byte {
	switch value.kind {
	case ViewKindNothing:
		return []byte{tagViewNothing}
	case ViewKindBool:
		encoded := byte(0x00)
		if value.boolVal {
			encoded = 0x01
		}
		return []byte{tagViewBool, encoded}
	case ViewKindInt:
		buffer := make([]byte, 1+8)
		buffer[0] = tagViewInt
		binary.BigEndian.PutUint64(buffer[1:], uint64(value.intVal))
		return buffer
	case ViewKindFloat:
		buffer := make([]byte, 1+8)
		buffer[0] = tagViewFloat
		binary.BigEndian.PutUint64(buffer[1:], math.Float64bits(value.floatVal))
		return buffer
	case ViewKindString:
		buffer := make([]byte, 0, 1+4+len(value.strVal))
		buffer = append(buffer, tagViewString)
		buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(value.strVal)))
		buffer = append(buffer, value.strVal...)
		return buffer
	default:
		return nil
	}
}

// DecodeView parses a view value previously produced by EncodeView.
func DecodeView(encoded []byte) (ViewValue, error) {
	if len(encoded) == 0 {
		return ViewValue{}, fmt.Errorf("%w: empty buffer", ErrTruncated)
	}
	tag := encoded[0]
	rest := encoded[1:]
	switch tag {
	case tagViewNothing:
		if len(rest) != 0 {
			return ViewValue{}, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(rest))
		}
		return NothingValue(), nil
	case tagViewBool:
		if len(rest) < 1 {
			return ViewValue{}, fmt.Errorf("%w: bool payload", ErrTruncated)
		}
		if len(rest) > 1 {
			return ViewValue{}, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(rest)-1)
		}
		return BoolViewValue(rest[0] != 0x00), nil
	case tagViewInt:
		if len(rest) < 8 {
			return ViewValue{}, fmt.Errorf("%w: int payload", ErrTruncated)
		}
		if len(rest) > 8 {
			return ViewValue{}, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(rest)-8)
		}
		return IntViewValue(int64(binary.BigEndian.Uint64(rest))), nil
	case tagViewFloat:
		if len(rest) < 8 {
			return ViewValue{}, fmt.Errorf("%w: float payload", ErrTruncated)
		}
		if len(rest) > 8 {
			return ViewValue{}, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(rest)-8)
		}
		return FloatViewValue(math.Float64frombits(binary.BigEndian.Uint64(rest))), nil
	case tagViewString:
		if len(rest) < 4 {
			return ViewValue{}, fmt.Errorf("%w: string header", ErrTruncated)
		}
		length := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(len(rest)) < uint64(length) {
			return ViewValue{}, fmt.Errorf("%w: string payload", ErrTruncated)
		}
		if uint64(len(rest)) > uint64(length) {
			return ViewValue{}, fmt.Errorf("%w: %d bytes", ErrTrailingData, uint64(len(rest))-uint64(length))
		}
		return StringViewValue(string(rest[:length])), nil
	default:
		return ViewValue{}, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tag)
	}
}
