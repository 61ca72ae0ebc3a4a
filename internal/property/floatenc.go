package property

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Squished floats store a sequence of 64-bit values as deltas from the
// previous element. Deltas within ±8 units quantize to 1/2048 resolution and
// take two bytes; everything else escapes to the full ten-byte form. The
// quantization error stays far below the 0.01 tolerance geometry payloads
// tolerate, and the escape form is absolute so a NaN or infinite previous
// value never poisons the rest of the sequence.

const (
	squishScale    = 2048.0
	squishMaxDelta = math.MaxInt16 >> 1 // 15-bit signed quantized delta
	squishMinDelta = math.MinInt16 >> 1

	squishEscapeHeader uint16 = 0x0001
)

// AppendSquishedFloat appends the encoding of value relative to previous and
// returns the extended buffer.
func AppendSquishedFloat(destination []byte, previous float64, value float64) []byte {
	if isSquishable(previous, value) {
		quantized := int64(math.Round((value - previous) * squishScale))
		if quantized >= squishMinDelta && quantized <= squishMaxDelta {
			return binary.BigEndian.AppendUint16(destination, uint16(quantized<<1))
		}
	}
	destination = binary.BigEndian.AppendUint16(destination, squishEscapeHeader)
	return binary.BigEndian.AppendUint64(destination, math.Float64bits(value))
}

// ReadSquishedFloat decodes one squished float from source against the
// previous element and returns the value plus the remaining bytes.
func ReadSquishedFloat(source []byte, previous float64) (float64, []byte, error) {
	if len(source) < 2 {
		return 0, nil, fmt.Errorf("%w: squished float header", ErrTruncated)
	}
	header := binary.BigEndian.Uint16(source[:2])
	source = source[2:]
	if header&0x0001 == 0 {
		quantized := int16(header) >> 1
		return previous + float64(quantized)/squishScale, source, nil
	}
	if len(source) < 8 {
		return 0, nil, fmt.Errorf("%w: squished float escape payload", ErrTruncated)
	}
	value := math.Float64frombits(binary.BigEndian.Uint64(source[:8]))
	return value, source[8:], nil
}

func isSquishable(previous float64, value float64) bool {
	if math.IsNaN(previous) || math.IsInf(previous, 0) {
		return false
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return false
	}
	delta := value - previous
	return delta >= -8.0 && delta <= 8.0
}
