package property

import (
	"errors"
	"math"
	"testing"
)

func TestSquishedFloatSmallDeltasUseTwoBytes(t *testing.T) {
	tests := []struct {
		name     string
		previous float64
		value    float64
	}{
		{name: "zero delta", previous: 0.0, value: 0.0},
		{name: "plus one", previous: 0.0, value: 1.0},
		{name: "minus one", previous: 0.0, value: -1.0},
		{name: "half", previous: 0.0, value: 0.5},
		{name: "near eight", previous: 4085.25, value: 4093.2},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			encoded := AppendSquishedFloat(nil, testCase.previous, testCase.value)
			if len(encoded) != 2 {
				t.Fatalf("expected 2 bytes, got %d", len(encoded))
			}
			decoded, rest, err := ReadSquishedFloat(encoded, testCase.previous)
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			if len(rest) != 0 {
				t.Fatalf("expected no remaining bytes, got %d", len(rest))
			}
			if math.Abs(decoded-testCase.value) > 0.01 {
				t.Fatalf("decoded %g, want %g within 0.01", decoded, testCase.value)
			}
		})
	}
}

func TestSquishedFloatSequenceStaysWithinTolerance(t *testing.T) {
	values := []float64{1.5, 0.3, 4093.2, 4085.25, -126.0, -127.0, 128.0, 700000.25}
	encoded := []byte(nil)
	previous := 0.0
	for _, value := range values {
		encoded = AppendSquishedFloat(encoded, previous, value)
		previous = value
	}

	previous = 0.0
	rest := encoded
	for i, expected := range values {
		decoded, remaining, err := ReadSquishedFloat(rest, previous)
		if err != nil {
			t.Fatalf("value %d: unexpected error: %v", i, err)
		}
		if math.Abs(decoded-expected) > 0.01 {
			t.Fatalf("value %d drifted: %g vs %g", i, decoded, expected)
		}
		previous = decoded
		rest = remaining
	}
	if len(rest) != 0 {
		t.Fatalf("expected the sequence to consume all bytes, %d left", len(rest))
	}
}

func TestSquishedFloatEncodesNaNAndInfinity(t *testing.T) {
	encoded := AppendSquishedFloat(nil, 0.0, math.NaN())
	decoded, _, err := ReadSquishedFloat(encoded, 0.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !math.IsNaN(decoded) {
		t.Fatalf("expected NaN, got %g", decoded)
	}

	encoded = AppendSquishedFloat(nil, 0.0, math.Inf(1))
	decoded, _, err = ReadSquishedFloat(encoded, 0.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !math.IsInf(decoded, 1) {
		t.Fatalf("expected +Inf, got %g", decoded)
	}
}

func TestSquishedFloatRecoversAfterNonFinitePrevious(t *testing.T) {
	tests := []struct {
		name     string
		previous float64
	}{
		{name: "nan previous", previous: math.NaN()},
		{name: "infinite previous", previous: math.Inf(1)},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			encoded := AppendSquishedFloat(nil, testCase.previous, 42.0)
			decoded, _, err := ReadSquishedFloat(encoded, testCase.previous)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(decoded-42.0) > 0.01 {
				t.Fatalf("expected 42.0 within tolerance, got %g", decoded)
			}
		})
	}
}

func TestReadSquishedFloatRejectsTruncatedInput(t *testing.T) {
	_, _, err := ReadSquishedFloat([]byte{0x00}, 0.0)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated for short header, got %v", err)
	}

	escaped := AppendSquishedFloat(nil, 0.0, 700000.25)
	_, _, err = ReadSquishedFloat(escaped[:4], 0.0)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated for short escape payload, got %v", err)
	}
}

func TestSquishedFloatLargeDeltaEscapesExactly(t *testing.T) {
	encoded := AppendSquishedFloat(nil, 0.3, 4093.2)
	if len(encoded) != 10 {
		t.Fatalf("expected 10-byte escape form, got %d bytes", len(encoded))
	}
	decoded, _, err := ReadSquishedFloat(encoded, 0.3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded != 4093.2 {
		t.Fatalf("escape form should be exact, got %g", decoded)
	}
}
