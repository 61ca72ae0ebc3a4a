package property

import (
	"errors"
	"math"
	"testing"
)

func TestViewValueRoundTripAllKinds(t *testing.T) {
	tests := []struct {
		name  string
		value ViewValue
	}{
		{name: "nothing", value: NothingValue()},
		{name: "bool true", value: BoolViewValue(true)},
		{name: "bool false", value: BoolViewValue(false)},
		{name: "int", value: IntViewValue(-77)},
		{name: "float", value: FloatViewValue(12.75)},
		{name: "float infinity", value: FloatViewValue(math.Inf(1))},
		{name: "string", value: StringViewValue("onion-skins")},
		{name: "string empty", value: StringViewValue("")},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			decoded, err := DecodeView(EncodeView(testCase.value))
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			if !decoded.Equal(testCase.value) {
				t.Fatalf("round trip mismatch for %s", testCase.name)
			}
		})
	}
}

func TestDecodeViewRejectsUnknownTag(t *testing.T) {
	_, err := DecodeView([]byte{0x99})
	if !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestDecodeViewRejectsDocumentTags(t *testing.T) {
	_, err := DecodeView(Encode(IntValue(4)))
	if !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("document tags must not decode as view values, got %v", err)
	}
}

func TestDecodeViewRejectsTruncatedBuffers(t *testing.T) {
	tests := []struct {
		name  string
		value ViewValue
	}{
		{name: "bool", value: BoolViewValue(true)},
		{name: "int", value: IntViewValue(3)},
		{name: "float", value: FloatViewValue(1.5)},
		{name: "string", value: StringViewValue("tool")},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			encoded := EncodeView(testCase.value)
			for cut := 0; cut < len(encoded); cut++ {
				_, err := DecodeView(encoded[:cut])
				if !errors.Is(err, ErrTruncated) {
					t.Fatalf("cut at %d: expected ErrTruncated, got %v", cut, err)
				}
			}
		})
	}
}

func TestDecodeViewRejectsTrailingData(t *testing.T) {
	encoded := append(EncodeView(NothingValue()), 0x01)
	_, err := DecodeView(encoded)
	if !errors.Is(err, ErrTrailingData) {
		t.Fatalf("expected ErrTrailingData, got %v", err)
	}
}
