package property

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
)

// ErrNonFiniteJSON indicates a float that cannot be represented in JSON.
var ErrNonFiniteJSON = fmt.Errorf("property: non-finite float in json value")

const (
	jsonTypeInt       = "int"
	jsonTypeFloat     = "float"
	jsonTypeFloatList = "floats"
	jsonTypeIntList   = "ints"
	jsonTypeBytes     = "bytes"

	jsonTypeNothing = "nothing"
	jsonTypeBool    = "bool"
	jsonTypeString  = "string"
)

type valueJSON struct {
	Type   string    `json:"type"`
	Int    *int64    `json:"int,omitempty"`
	Float  *float64  `json:"float,omitempty"`
	Floats []float64 `json:"floats,omitempty"`
	Ints   []int64   `json:"ints,omitempty"`
	Bytes  string    `json:"bytes,omitempty"`
}

// MarshalJSON renders the value in its tagged wire form. Non-finite floats
// are rejected because JSON cannot carry them.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return json.Marshal(valueJSON{Type: jsonTypeInt, Int: &v.intValue})
	case KindFloat:
		if !isFinite(v.floatVal) {
			return nil, ErrNonFiniteJSON
		}
		return json.Marshal(valueJSON{Type: jsonTypeFloat, Float: &v.floatVal})
	case KindFloatList:
		for _, element := range v.floatList {
			if !isFinite(element) {
				return nil, ErrNonFiniteJSON
			}
		}
		return json.Marshal(valueJSON{Type: jsonTypeFloatList, Floats: v.floatList})
	case KindIntList:
		return json.Marshal(valueJSON{Type: jsonTypeIntList, Ints: v.intList})
	case KindBytes:
		return json.Marshal(valueJSON{Type: jsonTypeBytes, Bytes: base64.StdEncoding.EncodeToString(v.byteList)})
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownTag, v.kind)
	}
}

// UnmarshalJSON parses the tagged wire form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var wire valueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Type {
	case jsonTypeInt:
		if wire.Int == nil {
			return fmt.Errorf("%w: int value missing", ErrTruncated)
		}
		*v = IntValue(*wire.Int)
		return nil
	case jsonTypeFloat:
		if wire.Float == nil {
			return fmt.Errorf("%w: float value missing", ErrTruncated)
		}
		*v = FloatValue(*wire.Float)
		return nil
	case jsonTypeFloatList:
		*v = FloatListValue(wire.Floats)
		return nil
	case jsonTypeIntList:
		*v = IntListValue(wire.Ints)
		return nil
	case jsonTypeBytes:
		payload, err := base64.StdEncoding.DecodeString(wire.Bytes)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		*v = BytesValue(payload)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTag, wire.Type)
	}
}

type viewValueJSON struct {
	Type   string   `json:"type"`
	Bool   *bool    `json:"bool,omitempty"`
	Int    *int64   `json:"int,omitempty"`
	Float  *float64 `json:"float,omitempty"`
	String *string  `json:"string,omitempty"`
}

// MarshalJSON renders the view value in its tagged wire form.
func (v ViewValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ViewKindNothing:
		return json.Marshal(viewValueJSON{Type: jsonTypeNothing})
	case ViewKindBool:
		return json.Marshal(viewValueJSON{Type: jsonTypeBool, Bool: &v.boolVal})
	case ViewKindInt:
		return json.Marshal(viewValueJSON{Type: jsonTypeInt, Int: &v.intVal})
	case ViewKindFloat:
		if !isFinite(v.floatVal) {
			return nil, ErrNonFiniteJSON
		}
		return json.Marshal(viewValueJSON{Type: jsonTypeFloat, Float: &v.floatVal})
	case ViewKindString:
		return json.Marshal(viewValueJSON{Type: jsonTypeString, String: &v.strVal})
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownTag, v.kind)
	}
}

// UnmarshalJSON parses the tagged wire form produced by MarshalJSON.
func (v *ViewValue) UnmarshalJSON(data []byte) error {
	var wire viewValueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Type {
	case jsonTypeNothing:
		*v = NothingValue()
		return nil
	case jsonTypeBool:
		if wire.Bool == nil {
			return fmt.Errorf("%w: bool value missing", ErrTruncated)
		}
		*v = BoolViewValue(*wire.Bool)
		return nil
	case jsonTypeInt:
		if wire.Int == nil {
			return fmt.Errorf("%w: int value missing", ErrTruncated)
		}
		*v = IntViewValue(*wire.Int)
		return nil
	case jsonTypeFloat:
		if wire.Float == nil {
			return fmt.Errorf("%w: float value missing", ErrTruncated)
		}
		*v = FloatViewValue(*wire.Float)
		return nil
	case jsonTypeString:
		if wire.String == nil {
			return fmt.Errorf("%w: string value missing", ErrTruncated)
		}
		*v = StringViewValue(*wire.String)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTag, wire.Type)
	}
}

func isFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}
