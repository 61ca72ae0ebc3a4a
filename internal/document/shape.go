package document

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/inkstone-studio/inkstone/storage/internal/property"
)

// ShapeKind enumerates the supported shape variants.
type ShapeKind string

const (
	// ShapeKindPath is a freehand bezier path.
	ShapeKindPath ShapeKind = "path"
	// ShapeKindRectangle is an axis-aligned rectangle.
	ShapeKindRectangle ShapeKind = "rectangle"
	// ShapeKindEllipse is an ellipse inscribed in its bounds.
	ShapeKindEllipse ShapeKind = "ellipse"
	// ShapeKindPolygon is a regular polygon inscribed in its bounds.
	ShapeKindPolygon ShapeKind = "polygon"
	// ShapeKindGroup is a container for other shapes.
	ShapeKindGroup ShapeKind = "group"
)

// ErrInvalidShapeKind indicates an unrecognized shape kind.
var ErrInvalidShapeKind = errors.New("document: invalid shape kind")

// ErrInvalidGeometry indicates a geometry payload that does not match its kind.
var ErrInvalidGeometry = errors.New("document: invalid geometry")

// NewShapeKind validates raw input and returns a ShapeKind.
func NewShapeKind(rawInput string) (ShapeKind, error) {
	kind := ShapeKind(rawInput)
	switch kind {
	case ShapeKindPath, ShapeKindRectangle, ShapeKindEllipse, ShapeKindPolygon, ShapeKindGroup:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidShapeKind, rawInput)
	}
}

// String returns the shape kind name.
func (kind ShapeKind) String() string {
	return string(kind)
}

// Point is a position on the canvas.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PathPoint is one cubic bezier segment terminating at End, with the two
// control points leading into it.
type PathPoint struct {
	Ctrl1 Point `json:"c1"`
	Ctrl2 Point `json:"c2"`
	End   Point `json:"p"`
}

// Geometry is the type-specific payload of a shape: a bezier point list for
// paths, bounds for rectangles and ellipses, bounds plus a side count for
// polygons, and nothing for groups.
type Geometry struct {
	kind   ShapeKind
	points []PathPoint
	min    Point
	max    Point
	sides  int64
}

// PathGeometry constructs path geometry from bezier points.
func PathGeometry(points []PathPoint) Geometry {
	copied := make([]PathPoint, len(points))
	copy(copied, points)
	return Geometry{kind: ShapeKindPath, points: copied}
}

// RectangleGeometry constructs rectangle geometry from its bounds.
func RectangleGeometry(min Point, max Point) Geometry {
	return Geometry{kind: ShapeKindRectangle, min: min, max: max}
}

// EllipseGeometry constructs ellipse geometry from its bounds.
func EllipseGeometry(min Point, max Point) Geometry {
	return Geometry{kind: ShapeKindEllipse, min: min, max: max}
}

// PolygonGeometry constructs regular-polygon geometry from bounds and sides.
func PolygonGeometry(min Point, max Point, sides int64) Geometry {
	return Geometry{kind: ShapeKindPolygon, min: min, max: max, sides: sides}
}

// GroupGeometry constructs the empty payload carried by group shapes.
func GroupGeometry() Geometry {
	return Geometry{kind: ShapeKindGroup}
}

// Kind reports the shape variant the geometry belongs to.
func (g Geometry) Kind() ShapeKind {
	return g.kind
}

// Points returns a copy of the bezier points of a path.
func (g Geometry) Points() []PathPoint {
	copied := make([]PathPoint, len(g.points))
	copy(copied, g.points)
	return copied
}

// Bounds returns the min and max corners for bounded shapes.
func (g Geometry) Bounds() (Point, Point) {
	return g.min, g.max
}

// Sides returns the polygon side count; zero for other kinds.
func (g Geometry) Sides() int64 {
	return g.sides
}

// GeometryDataKind is the encoding revision stored alongside shape payloads.
// Readers refuse payloads tagged with a revision they do not know.
const GeometryDataKind = int64(1)

// EncodeGeometry serializes geometry into its deterministic binary payload.
// Coordinates are stored as a squished-float sequence so dense freehand paths
// stay compact.
func EncodeGeometry(geometry Geometry) []byte {
	switch geometry.kind {
	case ShapeKindPath:
		buffer := make([]byte, 0, 4+2*6*len(geometry.points))
		buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(geometry.points)))
		previous := 0.0
		for _, point := range geometry.points {
			for _, coordinate := range pathPointCoordinates(point) {
				buffer = property.AppendSquishedFloat(buffer, previous, coordinate)
				previous = coordinate
			}
		}
		return buffer
	case ShapeKindRectangle, ShapeKindEllipse:
		return appendBounds(nil, geometry.min, geometry.max)
	case ShapeKindPolygon:
		buffer := appendBounds(nil, geometry.min, geometry.max)
		return binary.BigEndian.AppendUint64(buffer, uint64(geometry.sides))
	case ShapeKindGroup:
		return []byte{}
	default:
		return nil
	}
}

// DecodeGeometry parses a payload produced by EncodeGeometry for the given
// shape kind and encoding revision.
func DecodeGeometry(kind ShapeKind, dataKind int64, payload []byte) (Geometry, error) {
	if dataKind != GeometryDataKind {
		return Geometry{}, fmt.Errorf("%w: unknown geometry encoding %d", property.ErrUnknownTag, dataKind)
	}
	switch kind {
	case ShapeKindPath:
		if len(payload) < 4 {
			return Geometry{}, fmt.Errorf("%w: path header", property.ErrTruncated)
		}
		count := binary.BigEndian.Uint32(payload[:4])
		rest := payload[4:]
		points := make([]PathPoint, 0, count)
		previous := 0.0
		for i := uint32(0); i < count; i++ {
			var coordinates [6]float64
			for c := range coordinates {
				value, remaining, err := property.ReadSquishedFloat(rest, previous)
				if err != nil {
					return Geometry{}, err
				}
				coordinates[c] = value
				previous = value
				rest = remaining
			}
			points = append(points, PathPoint{
				Ctrl1: Point{X: coordinates[0], Y: coordinates[1]},
				Ctrl2: Point{X: coordinates[2], Y: coordinates[3]},
				End:   Point{X: coordinates[4], Y: coordinates[5]},
			})
		}
		if len(rest) != 0 {
			return Geometry{}, fmt.Errorf("%w: %d bytes", property.ErrTrailingData, len(rest))
		}
		return Geometry{kind: ShapeKindPath, points: points}, nil
	case ShapeKindRectangle, ShapeKindEllipse:
		min, max, rest, err := readBounds(payload)
		if err != nil {
			return Geometry{}, err
		}
		if len(rest) != 0 {
			return Geometry{}, fmt.Errorf("%w: %d bytes", property.ErrTrailingData, len(rest))
		}
		return Geometry{kind: kind, min: min, max: max}, nil
	case ShapeKindPolygon:
		min, max, rest, err := readBounds(payload)
		if err != nil {
			return Geometry{}, err
		}
		if len(rest) < 8 {
			return Geometry{}, fmt.Errorf("%w: polygon sides", property.ErrTruncated)
		}
		sides := int64(binary.BigEndian.Uint64(rest[:8]))
		if len(rest) > 8 {
			return Geometry{}, fmt.Errorf("%w: %d bytes", property.ErrTrailingData, len(rest)-8)
		}
		return Geometry{kind: ShapeKindPolygon, min: min, max: max, sides: sides}, nil
	case ShapeKindGroup:
		if len(payload) != 0 {
			return Geometry{}, fmt.Errorf("%w: %d bytes", property.ErrTrailingData, len(payload))
		}
		return GroupGeometry(), nil
	default:
		return Geometry{}, fmt.Errorf("%w: %q", ErrInvalidShapeKind, kind)
	}
}

func pathPointCoordinates(point PathPoint) [6]float64 {
	return [6]float64{
		point.Ctrl1.X, point.Ctrl1.Y,
		point.Ctrl2.X, point.Ctrl2.Y,
		point.End.X, point.End.Y,
	}
}

func appendBounds(destination []byte, min Point, max Point) []byte {
	destination = property.AppendSquishedFloat(destination, 0.0, min.X)
	destination = property.AppendSquishedFloat(destination, min.X, min.Y)
	destination = property.AppendSquishedFloat(destination, min.Y, max.X)
	destination = property.AppendSquishedFloat(destination, max.X, max.Y)
	return destination
}

func readBounds(payload []byte) (Point, Point, []byte, error) {
	values := [4]float64{}
	previous := 0.0
	rest := payload
	for i := range values {
		value, remaining, err := property.ReadSquishedFloat(rest, previous)
		if err != nil {
			return Point{}, Point{}, nil, err
		}
		values[i] = value
		previous = value
		rest = remaining
	}
	return Point{X: values[0], Y: values[1]}, Point{X: values[2], Y: values[3]}, rest, nil
}
