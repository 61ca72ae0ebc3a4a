package property

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestValueRoundTripAllKinds(t *testing.T) {
	tests := []struct {
		name  string
		value Value
	}{
		{name: "int", value: IntValue(-42)},
		{name: "int zero", value: IntValue(0)},
		{name: "int max", value: IntValue(math.MaxInt64)},
		{name: "float", value: FloatValue(3.25)},
		{name: "float negative", value: FloatValue(-1099.5)},
		{name: "float nan", value: FloatValue(math.NaN())},
		{name: "float list", value: FloatListValue([]float64{0.5, 2.4, -17.25, 700000.25})},
		{name: "float list empty", value: FloatListValue(nil)},
		{name: "int list", value: IntListValue([]int64{1, -2, 3, math.MinInt64})},
		{name: "bytes", value: BytesValue([]byte{0x00, 0xff, 0x10})},
		{name: "bytes empty", value: BytesValue(nil)},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			decoded, err := Decode(Encode(testCase.value))
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			if testCase.value.Kind() == KindFloatList {
				original := testCase.value.FloatList()
				recovered := decoded.FloatList()
				if len(original) != len(recovered) {
					t.Fatalf("expected %d floats, got %d", len(original), len(recovered))
				}
				for i := range original {
					if math.Abs(original[i]-recovered[i]) > 0.01 {
						t.Fatalf("float %d drifted: %g vs %g", i, original[i], recovered[i])
					}
				}
				return
			}
			if !decoded.Equal(testCase.value) {
				t.Fatalf("round trip mismatch: %v vs %v", decoded, testCase.value)
			}
		})
	}
}

func TestValueEncodingIsDeterministic(t *testing.T) {
	values := []Value{
		IntValue(7),
		FloatValue(0.125),
		FloatListValue([]float64{1.5, 0.3, 4093.2}),
		IntListValue([]int64{9, 8, 7}),
		BytesValue([]byte("payload")),
	}
	for _, value := range values {
		first := Encode(value)
		second := Encode(value)
		if !bytes.Equal(first, second) {
			t.Fatalf("encoding of %v is not deterministic", value)
		}
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	_, err := Decode([]byte{0x7f, 0x00, 0x00})
	if !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestDecodeRejectsTruncatedBuffers(t *testing.T) {
	tests := []struct {
		name  string
		value Value
	}{
		{name: "int", value: IntValue(1234)},
		{name: "float", value: FloatValue(2.5)},
		{name: "float list", value: FloatListValue([]float64{1, 2, 3})},
		{name: "int list", value: IntListValue([]int64{4, 5, 6})},
		{name: "bytes", value: BytesValue([]byte("abcdef"))},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			encoded := Encode(testCase.value)
			for cut := 0; cut < len(encoded); cut++ {
				_, err := Decode(encoded[:cut])
				if !errors.Is(err, ErrTruncated) {
					t.Fatalf("cut at %d: expected ErrTruncated, got %v", cut, err)
				}
			}
		})
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	encoded := append(Encode(IntValue(5)), 0x00)
	_, err := Decode(encoded)
	if !errors.Is(err, ErrTrailingData) {
		t.Fatalf("expected ErrTrailingData, got %v", err)
	}
}

func TestDecodeEmptyBufferIsTruncated(t *testing.T) {
	_, err := Decode(nil)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestValueAccessorsCopyPayloads(t *testing.T) {
	original := []float64{1, 2, 3}
	value := FloatListValue(original)
	original[0] = 99
	if value.FloatList()[0] != 1 {
		t.Fatalf("constructor should copy the input slice")
	}
	leaked := value.FloatList()
	leaked[1] = 42
	if value.FloatList()[1] != 2 {
		t.Fatalf("accessor should copy the payload")
	}
}

func TestValueEqualDistinguishesKinds(t *testing.T) {
	if IntValue(1).Equal(FloatValue(1)) {
		t.Fatalf("int and float values must not compare equal")
	}
	if !FloatValue(math.NaN()).Equal(FloatValue(math.NaN())) {
		t.Fatalf("NaN payloads should compare equal to themselves")
	}
}
