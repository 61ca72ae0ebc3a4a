package document

import (
	"encoding/json"
	"fmt"

	"github.com/inkstone-studio/inkstone/storage/internal/property"
)

// EditKind enumerates the supported document edits.
type EditKind string

const (
	// EditAddLayer creates a layer, optionally before a sibling.
	EditAddLayer EditKind = "add_layer"
	// EditRemoveLayer deletes a layer and cascades to its contents.
	EditRemoveLayer EditKind = "remove_layer"
	// EditReorderLayer moves a layer within the stacking order.
	EditReorderLayer EditKind = "reorder_layer"
	// EditAddKeyframe marks a keyframe on a layer.
	EditAddKeyframe EditKind = "add_keyframe"
	// EditRemoveKeyframe clears a keyframe marker.
	EditRemoveKeyframe EditKind = "remove_keyframe"
	// EditAddElement creates a shape and attaches it to a layer.
	EditAddElement EditKind = "add_element"
	// EditRemoveElement deletes a shape and its descendants everywhere.
	EditRemoveElement EditKind = "remove_element"
	// EditAttachElement attaches an existing shape to an additional layer.
	EditAttachElement EditKind = "attach_element"
	// EditDetachElement removes one layer attachment of a shape.
	EditDetachElement EditKind = "detach_element"
	// EditGroupElements gathers shapes under a new or existing group.
	EditGroupElements EditKind = "group_elements"
	// EditSetElementParent moves a shape under a group or back to a layer.
	EditSetElementParent EditKind = "set_element_parent"
	// EditReorderElement moves a shape within its draw order.
	EditReorderElement EditKind = "reorder_element"
	// EditSetProperty writes one typed property on an owner.
	EditSetProperty EditKind = "set_property"
	// EditDeleteProperty clears one property on an owner.
	EditDeleteProperty EditKind = "delete_property"
	// EditAddBrush creates a brush definition.
	EditAddBrush EditKind = "add_brush"
	// EditRemoveBrush deletes a brush and its attachments.
	EditRemoveBrush EditKind = "remove_brush"
	// EditAttachBrush attaches a brush to a shape at an order slot.
	EditAttachBrush EditKind = "attach_brush"
	// EditDetachBrush removes a brush attachment from a shape.
	EditDetachBrush EditKind = "detach_brush"
)

// OwnerKind enumerates the property owner variants.
type OwnerKind string

const (
	// OwnerDocument targets document-wide properties.
	OwnerDocument OwnerKind = "document"
	// OwnerLayer targets one layer's properties.
	OwnerLayer OwnerKind = "layer"
	// OwnerShape targets one shape's properties.
	OwnerShape OwnerKind = "shape"
	// OwnerBrush targets one brush's properties.
	OwnerBrush OwnerKind = "brush"
)

// OwnerRef names the owner of a property operation.
type OwnerRef struct {
	Kind  OwnerKind `json:"kind"`
	Layer LayerGUID `json:"layer,omitempty"`
	Shape ShapeGUID `json:"shape,omitempty"`
	Brush BrushGUID `json:"brush,omitempty"`
}

// DocumentOwner targets the document itself.
func DocumentOwner() OwnerRef {
	return OwnerRef{Kind: OwnerDocument}
}

// LayerOwner targets a layer by GUID.
func LayerOwner(layer LayerGUID) OwnerRef {
	return OwnerRef{Kind: OwnerLayer, Layer: layer}
}

// ShapeOwner targets a shape by GUID.
func ShapeOwner(shape ShapeGUID) OwnerRef {
	return OwnerRef{Kind: OwnerShape, Shape: shape}
}

// BrushOwner targets a brush by GUID.
func BrushOwner(brush BrushGUID) OwnerRef {
	return OwnerRef{Kind: OwnerBrush, Brush: brush}
}

// ParentKind enumerates the parent variants for set_element_parent.
type ParentKind string

const (
	// ParentLayer places the shape directly on a layer.
	ParentLayer ParentKind = "layer"
	// ParentShape places the shape under a group.
	ParentShape ParentKind = "shape"
)

// ParentRef names the new parent of a shape.
type ParentRef struct {
	Kind      ParentKind `json:"kind"`
	Layer     LayerGUID  `json:"layer,omitempty"`
	TimeNanos int64      `json:"time_ns,omitempty"`
	Shape     ShapeGUID  `json:"shape,omitempty"`
}

// LayerParent places a shape directly on the layer at the given time.
func LayerParent(layer LayerGUID, time FrameTime) ParentRef {
	return ParentRef{Kind: ParentLayer, Layer: layer, TimeNanos: time.Nanos()}
}

// ShapeParent places a shape under the given group.
func ShapeParent(group ShapeGUID) ParentRef {
	return ParentRef{Kind: ParentShape, Shape: group}
}

// Edit is one user-originated mutation of the document. The populated fields
// depend on Kind; Validate checks the combination before the edit enters the
// log.
type Edit struct {
	Kind        EditKind        `json:"kind"`
	Layer       LayerGUID       `json:"layer,omitempty"`
	BeforeLayer *LayerGUID      `json:"before_layer,omitempty"`
	Shape       ShapeGUID       `json:"shape,omitempty"`
	BeforeShape *ShapeGUID      `json:"before_shape,omitempty"`
	Members     []ShapeGUID     `json:"members,omitempty"`
	Brush       BrushGUID       `json:"brush,omitempty"`
	TimeNanos   int64           `json:"time_ns,omitempty"`
	Geometry    *Geometry       `json:"geometry,omitempty"`
	Owner       *OwnerRef       `json:"owner,omitempty"`
	Property    string          `json:"property,omitempty"`
	Value       *property.Value `json:"value,omitempty"`
	OrderIndex  *int64          `json:"order_index,omitempty"`
	Parent      *ParentRef      `json:"parent,omitempty"`
}

// NewAddLayerEdit creates a layer, optionally before an existing sibling.
func NewAddLayerEdit(layer LayerGUID, beforeLayer *LayerGUID) Edit {
	return Edit{Kind: EditAddLayer, Layer: layer, BeforeLayer: beforeLayer}
}

// NewRemoveLayerEdit deletes a layer.
func NewRemoveLayerEdit(layer LayerGUID) Edit {
	return Edit{Kind: EditRemoveLayer, Layer: layer}
}

// NewReorderLayerEdit moves a layer before a sibling, or to the top when nil.
func NewReorderLayerEdit(layer LayerGUID, beforeLayer *LayerGUID) Edit {
	return Edit{Kind: EditReorderLayer, Layer: layer, BeforeLayer: beforeLayer}
}

// NewAddKeyframeEdit marks a keyframe on a layer.
func NewAddKeyframeEdit(layer LayerGUID, time FrameTime) Edit {
	return Edit{Kind: EditAddKeyframe, Layer: layer, TimeNanos: time.Nanos()}
}

// NewRemoveKeyframeEdit clears a keyframe marker.
func NewRemoveKeyframeEdit(layer LayerGUID, time FrameTime) Edit {
	return Edit{Kind: EditRemoveKeyframe, Layer: layer, TimeNanos: time.Nanos()}
}

// NewAddElementEdit creates a shape on a layer at a time.
func NewAddElementEdit(shape ShapeGUID, layer LayerGUID, time FrameTime, geometry Geometry) Edit {
	return Edit{Kind: EditAddElement, Shape: shape, Layer: layer, TimeNanos: time.Nanos(), Geometry: &geometry}
}

// NewRemoveElementEdit deletes a shape everywhere.
func NewRemoveElementEdit(shape ShapeGUID) Edit {
	return Edit{Kind: EditRemoveElement, Shape: shape}
}

// NewAttachElementEdit attaches a shape to an additional layer.
func NewAttachElementEdit(shape ShapeGUID, layer LayerGUID, time FrameTime) Edit {
	return Edit{Kind: EditAttachElement, Shape: shape, Layer: layer, TimeNanos: time.Nanos()}
}

// NewDetachElementEdit removes a shape's attachment to one layer.
func NewDetachElementEdit(shape ShapeGUID, layer LayerGUID) Edit {
	return Edit{Kind: EditDetachElement, Shape: shape, Layer: layer}
}

// NewGroupElementsEdit gathers shapes on a layer under a group.
func NewGroupElementsEdit(group ShapeGUID, layer LayerGUID, members []ShapeGUID) Edit {
	copied := make([]ShapeGUID, len(members))
	copy(copied, members)
	return Edit{Kind: EditGroupElements, Shape: group, Layer: layer, Members: copied}
}

// NewSetElementParentEdit moves a shape under a new parent.
func NewSetElementParentEdit(shape ShapeGUID, parent ParentRef) Edit {
	return Edit{Kind: EditSetElementParent, Shape: shape, Parent: &parent}
}

// NewReorderElementEdit moves a shape before a sibling, or to the end when nil.
func NewReorderElementEdit(shape ShapeGUID, beforeShape *ShapeGUID) Edit {
	return Edit{Kind: EditReorderElement, Shape: shape, BeforeShape: beforeShape}
}

// NewSetPropertyEdit writes one property on an owner.
func NewSetPropertyEdit(owner OwnerRef, name PropertyName, value property.Value) Edit {
	return Edit{Kind: EditSetProperty, Owner: &owner, Property: name.String(), Value: &value}
}

// NewDeletePropertyEdit clears one property on an owner.
func NewDeletePropertyEdit(owner OwnerRef, name PropertyName) Edit {
	return Edit{Kind: EditDeleteProperty, Owner: &owner, Property: name.String()}
}

// NewAddBrushEdit creates a brush definition.
func NewAddBrushEdit(brush BrushGUID) Edit {
	return Edit{Kind: EditAddBrush, Brush: brush}
}

// NewRemoveBrushEdit deletes a brush definition.
func NewRemoveBrushEdit(brush BrushGUID) Edit {
	return Edit{Kind: EditRemoveBrush, Brush: brush}
}

// NewAttachBrushEdit attaches a brush to a shape; a nil order appends.
func NewAttachBrushEdit(shape ShapeGUID, brush BrushGUID, orderIndex *int64) Edit {
	return Edit{Kind: EditAttachBrush, Shape: shape, Brush: brush, OrderIndex: orderIndex}
}

// NewDetachBrushEdit removes a brush attachment from a shape.
func NewDetachBrushEdit(shape ShapeGUID, brush BrushGUID) Edit {
	return Edit{Kind: EditDetachBrush, Shape: shape, Brush: brush}
}

// Validate checks that the edit is well formed: the fields its kind requires
// are present and every identifier parses. Malformed edits never reach the
// edit log.
func (edit Edit) Validate() error {
	switch edit.Kind {
	case EditAddLayer, EditReorderLayer:
		if err := requireLayer(edit.Layer); err != nil {
			return err
		}
		if edit.BeforeLayer != nil {
			if err := requireLayer(*edit.BeforeLayer); err != nil {
				return err
			}
			if *edit.BeforeLayer == edit.Layer {
				return fmt.Errorf("%w: layer ordered before itself", ErrInvalidEdit)
			}
		}
		return nil
	case EditRemoveLayer:
		return requireLayer(edit.Layer)
	case EditAddKeyframe, EditRemoveKeyframe:
		if err := requireLayer(edit.Layer); err != nil {
			return err
		}
		return requireTime(edit.TimeNanos)
	case EditAddElement:
		if err := requireShape(edit.Shape); err != nil {
			return err
		}
		if err := requireLayer(edit.Layer); err != nil {
			return err
		}
		if err := requireTime(edit.TimeNanos); err != nil {
			return err
		}
		if edit.Geometry == nil {
			return fmt.Errorf("%w: geometry is required", ErrInvalidEdit)
		}
		if _, err := NewShapeKind(edit.Geometry.Kind().String()); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEdit, err)
		}
		if edit.Geometry.Kind() == ShapeKindPolygon && edit.Geometry.Sides() < 3 {
			return fmt.Errorf("%w: polygon needs at least 3 sides", ErrInvalidEdit)
		}
		return nil
	case EditRemoveElement:
		return requireShape(edit.Shape)
	case EditAttachElement:
		if err := requireShape(edit.Shape); err != nil {
			return err
		}
		if err := requireLayer(edit.Layer); err != nil {
			return err
		}
		return requireTime(edit.TimeNanos)
	case EditDetachElement:
		if err := requireShape(edit.Shape); err != nil {
			return err
		}
		return requireLayer(edit.Layer)
	case EditGroupElements:
		if err := requireShape(edit.Shape); err != nil {
			return err
		}
		if err := requireLayer(edit.Layer); err != nil {
			return err
		}
		if len(edit.Members) == 0 {
			return fmt.Errorf("%w: group has no members", ErrInvalidEdit)
		}
		seen := make(map[ShapeGUID]struct{}, len(edit.Members))
		for _, member := range edit.Members {
			if err := requireShape(member); err != nil {
				return err
			}
			if member == edit.Shape {
				return fmt.Errorf("%w: group cannot contain itself", ErrInvalidEdit)
			}
			if _, duplicate := seen[member]; duplicate {
				return fmt.Errorf("%w: duplicate member %s", ErrInvalidEdit, member)
			}
			seen[member] = struct{}{}
		}
		return nil
	case EditSetElementParent:
		if err := requireShape(edit.Shape); err != nil {
			return err
		}
		if edit.Parent == nil {
			return fmt.Errorf("%w: parent is required", ErrInvalidEdit)
		}
		switch edit.Parent.Kind {
		case ParentLayer:
			if err := requireLayer(edit.Parent.Layer); err != nil {
				return err
			}
			return requireTime(edit.Parent.TimeNanos)
		case ParentShape:
			if err := requireShape(edit.Parent.Shape); err != nil {
				return err
			}
			if edit.Parent.Shape == edit.Shape {
				return fmt.Errorf("%w: shape parented to itself", ErrInvalidEdit)
			}
			return nil
		default:
			return fmt.Errorf("%w: unknown parent kind %q", ErrInvalidEdit, edit.Parent.Kind)
		}
	case EditReorderElement:
		if err := requireShape(edit.Shape); err != nil {
			return err
		}
		if edit.BeforeShape != nil {
			if err := requireShape(*edit.BeforeShape); err != nil {
				return err
			}
			if *edit.BeforeShape == edit.Shape {
				return fmt.Errorf("%w: shape ordered before itself", ErrInvalidEdit)
			}
		}
		return nil
	case EditSetProperty:
		if err := requireOwner(edit.Owner); err != nil {
			return err
		}
		if _, err := NewPropertyName(edit.Property); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEdit, err)
		}
		if edit.Value == nil {
			return fmt.Errorf("%w: value is required", ErrInvalidEdit)
		}
		return nil
	case EditDeleteProperty:
		if err := requireOwner(edit.Owner); err != nil {
			return err
		}
		if _, err := NewPropertyName(edit.Property); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEdit, err)
		}
		return nil
	case EditAddBrush, EditRemoveBrush:
		return requireBrush(edit.Brush)
	case EditAttachBrush:
		if err := requireShape(edit.Shape); err != nil {
			return err
		}
		if err := requireBrush(edit.Brush); err != nil {
			return err
		}
		if edit.OrderIndex != nil && *edit.OrderIndex < 0 {
			return fmt.Errorf("%w: negative brush order %d", ErrInvalidEdit, *edit.OrderIndex)
		}
		return nil
	case EditDetachBrush:
		if err := requireShape(edit.Shape); err != nil {
			return err
		}
		return requireBrush(edit.Brush)
	default:
		return fmt.Errorf("%w: unknown edit kind %q", ErrInvalidEdit, edit.Kind)
	}
}

func requireLayer(layer LayerGUID) error {
	if _, err := NewLayerGUID(layer.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEdit, err)
	}
	return nil
}

func requireShape(shape ShapeGUID) error {
	if _, err := NewShapeGUID(shape.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEdit, err)
	}
	return nil
}

func requireBrush(brush BrushGUID) error {
	if _, err := NewBrushGUID(brush.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEdit, err)
	}
	return nil
}

func requireTime(nanos int64) error {
	if _, err := NewFrameTime(nanos); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEdit, err)
	}
	return nil
}

func requireOwner(owner *OwnerRef) error {
	if owner == nil {
		return fmt.Errorf("%w: owner is required", ErrInvalidEdit)
	}
	switch owner.Kind {
	case OwnerDocument:
		return nil
	case OwnerLayer:
		return requireLayer(owner.Layer)
	case OwnerShape:
		return requireShape(owner.Shape)
	case OwnerBrush:
		return requireBrush(owner.Brush)
	default:
		return fmt.Errorf("%w: unknown owner kind %q", ErrInvalidEdit, owner.Kind)
	}
}

type geometryJSON struct {
	Kind   string      `json:"kind"`
	Points []PathPoint `json:"points,omitempty"`
	Min    *Point      `json:"min,omitempty"`
	Max    *Point      `json:"max,omitempty"`
	Sides  int64       `json:"sides,omitempty"`
}

// MarshalJSON renders geometry in its tagged wire form.
func (g Geometry) MarshalJSON() ([]byte, error) {
	wire := geometryJSON{Kind: g.kind.String()}
	switch g.kind {
	case ShapeKindPath:
		wire.Points = g.points
	case ShapeKindRectangle, ShapeKindEllipse:
		minPoint, maxPoint := g.min, g.max
		wire.Min = &minPoint
		wire.Max = &maxPoint
	case ShapeKindPolygon:
		minPoint, maxPoint := g.min, g.max
		wire.Min = &minPoint
		wire.Max = &maxPoint
		wire.Sides = g.sides
	case ShapeKindGroup:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidShapeKind, g.kind)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON parses the tagged wire form produced by MarshalJSON.
func (g *Geometry) UnmarshalJSON(data []byte) error {
	var wire geometryJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	kind, err := NewShapeKind(wire.Kind)
	if err != nil {
		return err
	}
	switch kind {
	case ShapeKindPath:
		*g = PathGeometry(wire.Points)
		return nil
	case ShapeKindRectangle, ShapeKindEllipse, ShapeKindPolygon:
		if wire.Min == nil || wire.Max == nil {
			return fmt.Errorf("%w: bounds are required for %s", ErrInvalidGeometry, kind)
		}
		if kind == ShapeKindPolygon {
			if wire.Sides < 3 {
				return fmt.Errorf("%w: polygon needs at least 3 sides", ErrInvalidGeometry)
			}
			*g = PolygonGeometry(*wire.Min, *wire.Max, wire.Sides)
			return nil
		}
		if kind == ShapeKindRectangle {
			*g = RectangleGeometry(*wire.Min, *wire.Max)
			return nil
		}
		*g = EllipseGeometry(*wire.Min, *wire.Max)
		return nil
	case ShapeKindGroup:
		*g = GroupGeometry()
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidShapeKind, kind)
	}
}
