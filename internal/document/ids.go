package document

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidLayerGUID indicates that a layer identifier is not a valid UUID.
	ErrInvalidLayerGUID = errors.New("document: invalid layer guid")
	// ErrInvalidShapeGUID indicates that a shape identifier is not a valid UUID.
	ErrInvalidShapeGUID = errors.New("document: invalid shape guid")
	// ErrInvalidBrushGUID indicates that a brush identifier is not a valid UUID.
	ErrInvalidBrushGUID = errors.New("document: invalid brush guid")
	// ErrInvalidFrameTime indicates a negative frame time.
	ErrInvalidFrameTime = errors.New("document: invalid frame time")
	// ErrInvalidPropertyName indicates an empty or oversized property name.
	ErrInvalidPropertyName = errors.New("document: invalid property name")
)

const maxPropertyNameLength = 190

// LayerGUID is the stable external identity of a layer, canonical UUID form.
type LayerGUID string

// NewLayerGUID validates raw input and returns a canonical LayerGUID.
func NewLayerGUID(rawInput string) (LayerGUID, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(rawInput))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLayerGUID, err)
	}
	return LayerGUID(parsed.String()), nil
}

// String returns the canonical UUID string.
func (id LayerGUID) String() string {
	return string(id)
}

// ShapeGUID is the stable external identity of a shape, canonical UUID form.
type ShapeGUID string

// NewShapeGUID validates raw input and returns a canonical ShapeGUID.
func NewShapeGUID(rawInput string) (ShapeGUID, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(rawInput))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidShapeGUID, err)
	}
	return ShapeGUID(parsed.String()), nil
}

// String returns the canonical UUID string.
func (id ShapeGUID) String() string {
	return string(id)
}

// BrushGUID is the stable external identity of a brush, canonical UUID form.
type BrushGUID string

// NewBrushGUID validates raw input and returns a canonical BrushGUID.
func NewBrushGUID(rawInput string) (BrushGUID, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(rawInput))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBrushGUID, err)
	}
	return BrushGUID(parsed.String()), nil
}

// String returns the canonical UUID string.
func (id BrushGUID) String() string {
	return string(id)
}

// FrameTime is a point on the animation timeline in nanoseconds from the
// document start.
type FrameTime int64

// NewFrameTime validates the value and returns a FrameTime.
func NewFrameTime(nanos int64) (FrameTime, error) {
	if nanos < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidFrameTime, nanos)
	}
	return FrameTime(nanos), nil
}

// Nanos exposes the raw nanosecond value.
func (t FrameTime) Nanos() int64 {
	return int64(t)
}

// PropertyName is a validated property identifier interned by the cache.
type PropertyName string

// NewPropertyName validates raw input and returns a PropertyName.
func NewPropertyName(rawInput string) (PropertyName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPropertyName)
	}
	if len(trimmed) > maxPropertyNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPropertyName, maxPropertyNameLength)
	}
	return PropertyName(trimmed), nil
}

// String returns the underlying property name.
func (name PropertyName) String() string {
	return string(name)
}
