package document

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/inkstone-studio/inkstone/storage/internal/property"
)

const (
	queryLayerByGUID = "layer_guid = ?"
	queryShapeByGUID = "shape_guid = ?"
	queryBrushByGUID = "brush_guid = ?"

	queryAttachment      = "shape_id = ? AND layer_id = ?"
	queryLayerScope      = "layer_id = ?"
	queryShapeScope      = "shape_id = ?"
	queryBrushScope      = "brush_id = ?"
	queryGroupParent     = "parent_shape_id = ?"
	queryOrderedChildren = "order_idx ASC, shape_id ASC"

	queryLayerRoots = `
SELECT sl.shape_id
FROM shape_layers sl
LEFT JOIN shape_groups sg ON sg.shape_id = sl.shape_id
WHERE sl.layer_id = ? AND sg.shape_id IS NULL
ORDER BY sl.order_idx ASC, sl.shape_id ASC`
)

// applyEdit projects one validated edit onto the cache tables. Errors that
// satisfy isApplyRejection mark the edit rejected; anything else aborts the
// enclosing transaction.
func applyEdit(tx *gorm.DB, edit Edit) error {
	switch edit.Kind {
	case EditAddLayer:
		return applyAddLayer(tx, edit)
	case EditRemoveLayer:
		return applyRemoveLayer(tx, edit)
	case EditReorderLayer:
		return applyReorderLayer(tx, edit)
	case EditAddKeyframe:
		return applyAddKeyframe(tx, edit)
	case EditRemoveKeyframe:
		return applyRemoveKeyframe(tx, edit)
	case EditAddElement:
		return applyAddElement(tx, edit)
	case EditRemoveElement:
		return applyRemoveElement(tx, edit)
	case EditAttachElement:
		return applyAttachElement(tx, edit)
	case EditDetachElement:
		return applyDetachElement(tx, edit)
	case EditGroupElements:
		return applyGroupElements(tx, edit)
	case EditSetElementParent:
		return applySetElementParent(tx, edit)
	case EditReorderElement:
		return applyReorderElement(tx, edit)
	case EditSetProperty:
		return applySetProperty(tx, edit)
	case EditDeleteProperty:
		return applyDeleteProperty(tx, edit)
	case EditAddBrush:
		return applyAddBrush(tx, edit)
	case EditRemoveBrush:
		return applyRemoveBrush(tx, edit)
	case EditAttachBrush:
		return applyAttachBrush(tx, edit)
	case EditDetachBrush:
		return applyDetachBrush(tx, edit)
	default:
		return fmt.Errorf("%w: unknown edit kind %q", ErrInvalidEdit, edit.Kind)
	}
}

func findLayerByGUID(tx *gorm.DB, guid LayerGUID) (Layer, error) {
	var layer Layer
	err := tx.Where(queryLayerByGUID, guid.String()).Take(&layer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Layer{}, fmt.Errorf("%w: %s", ErrLayerNotFound, guid)
	}
	if err != nil {
		return Layer{}, err
	}
	return layer, nil
}

func findShapeByGUID(tx *gorm.DB, guid ShapeGUID) (Shape, error) {
	var shape Shape
	err := tx.Where(queryShapeByGUID, guid.String()).Take(&shape).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Shape{}, fmt.Errorf("%w: %s", ErrShapeNotFound, guid)
	}
	if err != nil {
		return Shape{}, err
	}
	return shape, nil
}

func findBrushByGUID(tx *gorm.DB, guid BrushGUID) (Brush, error) {
	var brush Brush
	err := tx.Where(queryBrushByGUID, guid.String()).Take(&brush).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Brush{}, fmt.Errorf("%w: %s", ErrBrushNotFound, guid)
	}
	if err != nil {
		return Brush{}, err
	}
	return brush, nil
}

// internPropertyName maps a property name to its stable integer id, creating
// the interning row on first use.
func internPropertyName(tx *gorm.DB, name string) (int64, error) {
	var interned InternedProperty
	err := tx.Where("name = ?", name).Take(&interned).Error
	if err == nil {
		return interned.PropertyID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	id, err := nextIdentifier(tx, "properties", "property_id")
	if err != nil {
		return 0, err
	}
	if err := tx.Create(&InternedProperty{PropertyID: id, Name: name}).Error; err != nil {
		return 0, err
	}
	return id, nil
}

func internShapeType(tx *gorm.DB, name string) (int64, error) {
	var interned InternedShapeType
	err := tx.Where("name = ?", name).Take(&interned).Error
	if err == nil {
		return interned.ShapeTypeID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	id, err := nextIdentifier(tx, "shape_types", "shape_type_id")
	if err != nil {
		return 0, err
	}
	if err := tx.Create(&InternedShapeType{ShapeTypeID: id, Name: name}).Error; err != nil {
		return 0, err
	}
	return id, nil
}

func lookupShapeKind(tx *gorm.DB, shapeTypeID int64) (ShapeKind, error) {
	var interned InternedShapeType
	if err := tx.Where("shape_type_id = ?", shapeTypeID).Take(&interned).Error; err != nil {
		return "", fmt.Errorf("shape type %d: %w", shapeTypeID, err)
	}
	return ShapeKind(interned.Name), nil
}

// parentEdge returns the group edge of a shape, or nil for top-level shapes.
func parentEdge(tx *gorm.DB, shapeID int64) (*ShapeGroup, error) {
	var edge ShapeGroup
	err := tx.Where(queryShapeScope, shapeID).Take(&edge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &edge, nil
}

func groupChildren(tx *gorm.DB, parentShapeID int64) ([]int64, error) {
	var edges []ShapeGroup
	err := tx.Where(queryGroupParent, parentShapeID).
		Order(queryOrderedChildren).
		Find(&edges).Error
	if err != nil {
		return nil, err
	}
	children := make([]int64, 0, len(edges))
	for _, edge := range edges {
		children = append(children, edge.ShapeID)
	}
	return children, nil
}

// collectSubtree returns a shape and every descendant reachable through group
// edges, in depth-first draw order.
func collectSubtree(tx *gorm.DB, rootShapeID int64) ([]int64, error) {
	var (
		ordered []int64
		walk    func(shapeID int64) error
	)
	seen := make(map[int64]struct{})
	walk = func(shapeID int64) error {
		if _, visited := seen[shapeID]; visited {
			return nil
		}
		seen[shapeID] = struct{}{}
		ordered = append(ordered, shapeID)

		children, err := groupChildren(tx, shapeID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(rootShapeID); err != nil {
		return nil, err
	}
	return ordered, nil
}

// ancestorSet returns every shape id on the group chain above a shape.
func ancestorSet(tx *gorm.DB, shapeID int64) (map[int64]struct{}, error) {
	ancestors := make(map[int64]struct{})
	current := shapeID
	for {
		edge, err := parentEdge(tx, current)
		if err != nil {
			return nil, err
		}
		if edge == nil {
			return ancestors, nil
		}
		if _, looped := ancestors[edge.ParentShapeID]; looped {
			return ancestors, nil
		}
		ancestors[edge.ParentShapeID] = struct{}{}
		current = edge.ParentShapeID
	}
}

func attachmentLayers(tx *gorm.DB, shapeID int64) ([]int64, error) {
	var layerIDs []int64
	err := tx.Model(&ShapeLayer{}).
		Where(queryShapeScope, shapeID).
		Order("layer_id ASC").
		Pluck("layer_id", &layerIDs).Error
	return layerIDs, err
}

func nextOrderIndex(tx *gorm.DB, table, scopeColumn string, scopeID int64) (int64, error) {
	var highest int64
	query := fmt.Sprintf("SELECT COALESCE(MAX(order_idx), -1) FROM %s WHERE %s = ?", table, scopeColumn)
	if err := tx.Raw(query, scopeID).Scan(&highest).Error; err != nil {
		return 0, err
	}
	return highest + 1, nil
}

func appendAttachment(tx *gorm.DB, shapeID, layerID, timeNanos int64) error {
	order, err := nextOrderIndex(tx, "shape_layers", "layer_id", layerID)
	if err != nil {
		return err
	}
	attachment := ShapeLayer{
		ShapeID:   shapeID,
		LayerID:   layerID,
		OrderIdx:  order,
		TimeNanos: timeNanos,
	}
	return tx.Create(&attachment).Error
}

// ensureAttachment attaches a shape to a layer at the end of the draw order
// unless an attachment already exists; the existing row keeps its time.
func ensureAttachment(tx *gorm.DB, shapeID, layerID, timeNanos int64) error {
	var existing ShapeLayer
	err := tx.Where(queryAttachment, shapeID, layerID).Take(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return appendAttachment(tx, shapeID, layerID, timeNanos)
}

func layerRootOrder(tx *gorm.DB, layerID int64) ([]int64, error) {
	var roots []int64
	err := tx.Raw(queryLayerRoots, layerID).Scan(&roots).Error
	return roots, err
}

// renumberLayer rewrites a layer's draw order to the depth-first walk of the
// given roots: each group is immediately followed by its descendants, so the
// flattened attachment order always matches the logical tree.
func renumberLayer(tx *gorm.DB, layerID int64, roots []int64) error {
	var attachments []ShapeLayer
	err := tx.Where(queryLayerScope, layerID).
		Order(queryOrderedChildren).
		Find(&attachments).Error
	if err != nil {
		return err
	}

	currentOrder := make(map[int64]int64, len(attachments))
	for _, attachment := range attachments {
		currentOrder[attachment.ShapeID] = attachment.OrderIdx
	}

	sequence := make([]int64, 0, len(attachments))
	placed := make(map[int64]struct{}, len(attachments))
	var walk func(shapeID int64) error
	walk = func(shapeID int64) error {
		if _, done := placed[shapeID]; done {
			return nil
		}
		if _, attached := currentOrder[shapeID]; attached {
			placed[shapeID] = struct{}{}
			sequence = append(sequence, shapeID)
		}

		children, err := groupChildren(tx, shapeID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, root := range roots {
		if err := walk(root); err != nil {
			return err
		}
	}
	for _, attachment := range attachments {
		if _, done := placed[attachment.ShapeID]; !done {
			placed[attachment.ShapeID] = struct{}{}
			sequence = append(sequence, attachment.ShapeID)
		}
	}

	for position, shapeID := range sequence {
		if currentOrder[shapeID] == int64(position) {
			continue
		}
		err := tx.Model(&ShapeLayer{}).
			Where(queryAttachment, shapeID, layerID).
			Update("order_idx", int64(position)).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func canonicalizeLayer(tx *gorm.DB, layerID int64) error {
	roots, err := layerRootOrder(tx, layerID)
	if err != nil {
		return err
	}
	return renumberLayer(tx, layerID, roots)
}

func renumberGroupChildren(tx *gorm.DB, parentShapeID int64) error {
	children, err := groupChildren(tx, parentShapeID)
	if err != nil {
		return err
	}
	return writeGroupOrder(tx, parentShapeID, children)
}

func writeGroupOrder(tx *gorm.DB, parentShapeID int64, children []int64) error {
	for position, childID := range children {
		err := tx.Model(&ShapeGroup{}).
			Where("shape_id = ? AND parent_shape_id = ?", childID, parentShapeID).
			Update("order_idx", int64(position)).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// deleteShapeRows removes a shape and every row that hangs off it. Attachments
// are the caller's business: they decide which layers are affected.
func deleteShapeRows(tx *gorm.DB, shapeID int64) error {
	steps := []*gorm.DB{
		tx.Where(queryShapeScope, shapeID).Delete(&ShapeBrush{}),
		tx.Where(queryShapeScope, shapeID).Delete(&ShapeIntProperty{}),
		tx.Where(queryShapeScope, shapeID).Delete(&ShapeFloatProperty{}),
		tx.Where(queryShapeScope, shapeID).Delete(&ShapeBlobProperty{}),
		tx.Where("shape_id = ? OR parent_shape_id = ?", shapeID, shapeID).Delete(&ShapeGroup{}),
		tx.Where(queryShapeScope, shapeID).Delete(&Shape{}),
	}
	for _, step := range steps {
		if step.Error != nil {
			return step.Error
		}
	}
	return nil
}

// garbageCollectShape deletes a shape once its last layer attachment is gone.
func garbageCollectShape(tx *gorm.DB, shapeID int64) (bool, error) {
	var remaining int64
	err := tx.Model(&ShapeLayer{}).Where(queryShapeScope, shapeID).Count(&remaining).Error
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}
	if err := deleteShapeRows(tx, shapeID); err != nil {
		return false, err
	}
	return true, nil
}

func applyAddLayer(tx *gorm.DB, edit Edit) error {
	_, err := findLayerByGUID(tx, edit.Layer)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrLayerNotFound) {
		return err
	}

	var order int64
	if edit.BeforeLayer != nil {
		before, err := findLayerByGUID(tx, *edit.BeforeLayer)
		if err != nil {
			return err
		}
		order = before.OrderIdx
		err = tx.Model(&Layer{}).
			Where("order_idx >= ?", order).
			Update("order_idx", gorm.Expr("order_idx + 1")).Error
		if err != nil {
			return err
		}
	} else {
		count, err := countRows(tx, &Layer{})
		if err != nil {
			return err
		}
		order = count
	}

	layerID, err := nextIdentifier(tx, "layers", "layer_id")
	if err != nil {
		return err
	}
	layer := Layer{
		LayerID:   layerID,
		LayerGUID: edit.Layer.String(),
		OrderIdx:  order,
	}
	return tx.Create(&layer).Error
}

func applyRemoveLayer(tx *gorm.DB, edit Edit) error {
	layer, err := findLayerByGUID(tx, edit.Layer)
	if errors.Is(err, ErrLayerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var attachments []ShapeLayer
	if err := tx.Where(queryLayerScope, layer.LayerID).Find(&attachments).Error; err != nil {
		return err
	}

	steps := []*gorm.DB{
		tx.Where(queryLayerScope, layer.LayerID).Delete(&ShapeLayer{}),
		tx.Where(queryLayerScope, layer.LayerID).Delete(&LayerFrame{}),
		tx.Where(queryLayerScope, layer.LayerID).Delete(&LayerIntProperty{}),
		tx.Where(queryLayerScope, layer.LayerID).Delete(&LayerFloatProperty{}),
		tx.Where(queryLayerScope, layer.LayerID).Delete(&LayerBlobProperty{}),
		tx.Where(queryLayerScope, layer.LayerID).Delete(&LayerCacheEntry{}),
		tx.Where(queryLayerScope, layer.LayerID).Delete(&Layer{}),
	}
	for _, step := range steps {
		if step.Error != nil {
			return step.Error
		}
	}

	err = tx.Model(&Layer{}).
		Where("order_idx > ?", layer.OrderIdx).
		Update("order_idx", gorm.Expr("order_idx - 1")).Error
	if err != nil {
		return err
	}

	for _, attachment := range attachments {
		if _, err := garbageCollectShape(tx, attachment.ShapeID); err != nil {
			return err
		}
	}
	return nil
}

func applyReorderLayer(tx *gorm.DB, edit Edit) error {
	layer, err := findLayerByGUID(tx, edit.Layer)
	if err != nil {
		return err
	}

	var layers []Layer
	if err := tx.Order("order_idx ASC").Find(&layers).Error; err != nil {
		return err
	}

	remaining := make([]Layer, 0, len(layers))
	for _, candidate := range layers {
		if candidate.LayerID != layer.LayerID {
			remaining = append(remaining, candidate)
		}
	}

	insertAt := len(remaining)
	if edit.BeforeLayer != nil {
		before, err := findLayerByGUID(tx, *edit.BeforeLayer)
		if err != nil {
			return err
		}
		for index, candidate := range remaining {
			if candidate.LayerID == before.LayerID {
				insertAt = index
				break
			}
		}
	}

	reordered := make([]Layer, 0, len(layers))
	reordered = append(reordered, remaining[:insertAt]...)
	reordered = append(reordered, layer)
	reordered = append(reordered, remaining[insertAt:]...)

	for position, candidate := range reordered {
		if candidate.OrderIdx == int64(position) {
			continue
		}
		err := tx.Model(&Layer{}).
			Where("layer_id = ?", candidate.LayerID).
			Update("order_idx", int64(position)).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func applyAddKeyframe(tx *gorm.DB, edit Edit) error {
	layer, err := findLayerByGUID(tx, edit.Layer)
	if err != nil {
		return err
	}
	frame := LayerFrame{LayerID: layer.LayerID, TimeNanos: edit.TimeNanos}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&frame).Error
}

func applyRemoveKeyframe(tx *gorm.DB, edit Edit) error {
	layer, err := findLayerByGUID(tx, edit.Layer)
	if err != nil {
		return err
	}
	return tx.Where("layer_id = ? AND time_ns = ?", layer.LayerID, edit.TimeNanos).
		Delete(&LayerFrame{}).Error
}

func applyAddElement(tx *gorm.DB, edit Edit) error {
	layer, err := findLayerByGUID(tx, edit.Layer)
	if err != nil {
		return err
	}

	geometry := *edit.Geometry
	typeID, err := internShapeType(tx, geometry.Kind().String())
	if err != nil {
		return err
	}
	data := EncodeGeometry(geometry)

	existing, err := findShapeByGUID(tx, edit.Shape)
	switch {
	case err == nil:
		edge, err := parentEdge(tx, existing.ShapeID)
		if err != nil {
			return err
		}
		if edge != nil {
			layers, err := attachmentLayers(tx, existing.ShapeID)
			if err != nil {
				return err
			}
			if !containsID(layers, layer.LayerID) {
				return fmt.Errorf("%w: grouped shape %s cannot attach to another layer", ErrInvalidEdit, edit.Shape)
			}
		}
		err = tx.Model(&Shape{}).
			Where(queryShapeScope, existing.ShapeID).
			Updates(map[string]any{
				"shape_type_id": typeID,
				"data_kind":     GeometryDataKind,
				"data":          data,
			}).Error
		if err != nil {
			return err
		}
		return ensureAttachment(tx, existing.ShapeID, layer.LayerID, edit.TimeNanos)
	case errors.Is(err, ErrShapeNotFound):
		shapeID, err := nextIdentifier(tx, "shapes", "shape_id")
		if err != nil {
			return err
		}
		shape := Shape{
			ShapeID:     shapeID,
			ShapeGUID:   edit.Shape.String(),
			ShapeTypeID: typeID,
			DataKind:    GeometryDataKind,
			Data:        data,
		}
		if err := tx.Create(&shape).Error; err != nil {
			return err
		}
		return appendAttachment(tx, shapeID, layer.LayerID, edit.TimeNanos)
	default:
		return err
	}
}

func applyRemoveElement(tx *gorm.DB, edit Edit) error {
	shape, err := findShapeByGUID(tx, edit.Shape)
	if errors.Is(err, ErrShapeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	subtree, err := collectSubtree(tx, shape.ShapeID)
	if err != nil {
		return err
	}

	var affectedLayers []int64
	err = tx.Model(&ShapeLayer{}).
		Where("shape_id IN ?", subtree).
		Distinct().
		Order("layer_id ASC").
		Pluck("layer_id", &affectedLayers).Error
	if err != nil {
		return err
	}

	edge, err := parentEdge(tx, shape.ShapeID)
	if err != nil {
		return err
	}

	if err := tx.Where("shape_id IN ?", subtree).Delete(&ShapeLayer{}).Error; err != nil {
		return err
	}
	for _, shapeID := range subtree {
		if err := deleteShapeRows(tx, shapeID); err != nil {
			return err
		}
	}

	if edge != nil {
		if err := renumberGroupChildren(tx, edge.ParentShapeID); err != nil {
			return err
		}
	}
	for _, layerID := range affectedLayers {
		if err := canonicalizeLayer(tx, layerID); err != nil {
			return err
		}
	}
	return nil
}

func applyAttachElement(tx *gorm.DB, edit Edit) error {
	shape, err := findShapeByGUID(tx, edit.Shape)
	if err != nil {
		return err
	}
	layer, err := findLayerByGUID(tx, edit.Layer)
	if err != nil {
		return err
	}

	kind, err := lookupShapeKind(tx, shape.ShapeTypeID)
	if err != nil {
		return err
	}
	layers, err := attachmentLayers(tx, shape.ShapeID)
	if err != nil {
		return err
	}
	if kind == ShapeKindGroup && len(layers) > 0 && !containsID(layers, layer.LayerID) {
		return fmt.Errorf("%w: group %s cannot attach to a second layer", ErrInvalidEdit, edit.Shape)
	}

	edge, err := parentEdge(tx, shape.ShapeID)
	if err != nil {
		return err
	}
	if edge != nil && !containsID(layers, layer.LayerID) {
		return fmt.Errorf("%w: grouped shape %s cannot attach to another layer", ErrInvalidEdit, edit.Shape)
	}

	return ensureAttachment(tx, shape.ShapeID, layer.LayerID, edit.TimeNanos)
}

func applyDetachElement(tx *gorm.DB, edit Edit) error {
	shape, err := findShapeByGUID(tx, edit.Shape)
	if errors.Is(err, ErrShapeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	layer, err := findLayerByGUID(tx, edit.Layer)
	if errors.Is(err, ErrLayerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	edge, err := parentEdge(tx, shape.ShapeID)
	if err != nil {
		return err
	}
	if edge != nil {
		return fmt.Errorf("%w: grouped shape %s detaches with its group", ErrInvalidEdit, edit.Shape)
	}

	subtree, err := collectSubtree(tx, shape.ShapeID)
	if err != nil {
		return err
	}
	err = tx.Where("layer_id = ? AND shape_id IN ?", layer.LayerID, subtree).
		Delete(&ShapeLayer{}).Error
	if err != nil {
		return err
	}

	if err := canonicalizeLayer(tx, layer.LayerID); err != nil {
		return err
	}
	for _, shapeID := range subtree {
		if _, err := garbageCollectShape(tx, shapeID); err != nil {
			return err
		}
	}
	return nil
}

func applyGroupElements(tx *gorm.DB, edit Edit) error {
	layer, err := findLayerByGUID(tx, edit.Layer)
	if err != nil {
		return err
	}

	groupID := int64(0)
	groupShape, err := findShapeByGUID(tx, edit.Shape)
	switch {
	case err == nil:
		kind, err := lookupShapeKind(tx, groupShape.ShapeTypeID)
		if err != nil {
			return err
		}
		if kind != ShapeKindGroup {
			return fmt.Errorf("%w: %s is not a group", ErrInvalidEdit, edit.Shape)
		}
		layers, err := attachmentLayers(tx, groupShape.ShapeID)
		if err != nil {
			return err
		}
		if len(layers) > 0 && !containsID(layers, layer.LayerID) {
			return fmt.Errorf("%w: group %s lives on another layer", ErrInvalidEdit, edit.Shape)
		}
		groupID = groupShape.ShapeID
	case errors.Is(err, ErrShapeNotFound):
	default:
		return err
	}

	type memberRow struct {
		shapeID   int64
		orderIdx  int64
		timeNanos int64
	}
	members := make([]memberRow, 0, len(edit.Members))
	for _, memberGUID := range edit.Members {
		member, err := findShapeByGUID(tx, memberGUID)
		if err != nil {
			return err
		}

		var attachment ShapeLayer
		err = tx.Where(queryAttachment, member.ShapeID, layer.LayerID).Take(&attachment).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: member %s is not on layer %s", ErrInvalidEdit, memberGUID, edit.Layer)
		}
		if err != nil {
			return err
		}

		edge, err := parentEdge(tx, member.ShapeID)
		if err != nil {
			return err
		}
		if edge != nil && (groupID == 0 || edge.ParentShapeID != groupID) {
			return fmt.Errorf("%w: member %s is already grouped", ErrInvalidEdit, memberGUID)
		}

		members = append(members, memberRow{
			shapeID:   member.ShapeID,
			orderIdx:  attachment.OrderIdx,
			timeNanos: attachment.TimeNanos,
		})
	}

	if groupID != 0 {
		ancestors, err := ancestorSet(tx, groupID)
		if err != nil {
			return err
		}
		for _, member := range members {
			if _, cyclic := ancestors[member.shapeID]; cyclic {
				return fmt.Errorf("%w: %s contains its own group", ErrCyclicGroup, edit.Shape)
			}
		}
	}

	if groupID == 0 {
		typeID, err := internShapeType(tx, ShapeKindGroup.String())
		if err != nil {
			return err
		}
		groupID, err = nextIdentifier(tx, "shapes", "shape_id")
		if err != nil {
			return err
		}
		group := Shape{
			ShapeID:     groupID,
			ShapeGUID:   edit.Shape.String(),
			ShapeTypeID: typeID,
			DataKind:    GeometryDataKind,
			Data:        EncodeGeometry(GroupGeometry()),
		}
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
	}

	// The group takes over the first member's slot and the earliest attach
	// time, so the grouped block stays where its contents were drawn.
	var groupAttachment ShapeLayer
	err = tx.Where(queryAttachment, groupID, layer.LayerID).Take(&groupAttachment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		slot, earliest := members[0].orderIdx, members[0].timeNanos
		for _, member := range members[1:] {
			if member.orderIdx < slot {
				slot = member.orderIdx
			}
			if member.timeNanos < earliest {
				earliest = member.timeNanos
			}
		}
		attachment := ShapeLayer{
			ShapeID:   groupID,
			LayerID:   layer.LayerID,
			OrderIdx:  slot,
			TimeNanos: earliest,
		}
		if err := tx.Create(&attachment).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	for position, member := range members {
		edge, err := parentEdge(tx, member.shapeID)
		if err != nil {
			return err
		}
		if edge != nil {
			err = tx.Model(&ShapeGroup{}).
				Where("shape_id = ? AND parent_shape_id = ?", member.shapeID, groupID).
				Update("order_idx", int64(position)).Error
			if err != nil {
				return err
			}
			continue
		}
		child := ShapeGroup{
			ShapeID:       member.shapeID,
			ParentShapeID: groupID,
			OrderIdx:      int64(position),
		}
		if err := tx.Create(&child).Error; err != nil {
			return err
		}
	}

	return canonicalizeLayer(tx, layer.LayerID)
}

func applySetElementParent(tx *gorm.DB, edit Edit) error {
	shape, err := findShapeByGUID(tx, edit.Shape)
	if err != nil {
		return err
	}

	switch edit.Parent.Kind {
	case ParentShape:
		parent, err := findShapeByGUID(tx, edit.Parent.Shape)
		if err != nil {
			return err
		}
		kind, err := lookupShapeKind(tx, parent.ShapeTypeID)
		if err != nil {
			return err
		}
		if kind != ShapeKindGroup {
			return fmt.Errorf("%w: %s is not a group", ErrInvalidEdit, edit.Parent.Shape)
		}

		ancestors, err := ancestorSet(tx, parent.ShapeID)
		if err != nil {
			return err
		}
		if _, cyclic := ancestors[shape.ShapeID]; cyclic {
			return fmt.Errorf("%w: %s is a descendant of %s", ErrCyclicGroup, edit.Parent.Shape, edit.Shape)
		}

		shapeLayers, err := attachmentLayers(tx, shape.ShapeID)
		if err != nil {
			return err
		}
		parentLayers, err := attachmentLayers(tx, parent.ShapeID)
		if err != nil {
			return err
		}
		shared := int64(0)
		for _, layerID := range parentLayers {
			if containsID(shapeLayers, layerID) {
				shared = layerID
				break
			}
		}
		if shared == 0 {
			return fmt.Errorf("%w: %s and %s are on different layers", ErrInvalidEdit, edit.Shape, edit.Parent.Shape)
		}

		old, err := parentEdge(tx, shape.ShapeID)
		if err != nil {
			return err
		}
		if old != nil && old.ParentShapeID == parent.ShapeID {
			return nil
		}
		if old != nil {
			err := tx.Where("shape_id = ?", shape.ShapeID).Delete(&ShapeGroup{}).Error
			if err != nil {
				return err
			}
			if err := renumberGroupChildren(tx, old.ParentShapeID); err != nil {
				return err
			}
		}

		order, err := nextOrderIndex(tx, "shape_groups", "parent_shape_id", parent.ShapeID)
		if err != nil {
			return err
		}
		child := ShapeGroup{
			ShapeID:       shape.ShapeID,
			ParentShapeID: parent.ShapeID,
			OrderIdx:      order,
		}
		if err := tx.Create(&child).Error; err != nil {
			return err
		}
		return canonicalizeLayer(tx, shared)
	case ParentLayer:
		layer, err := findLayerByGUID(tx, edit.Parent.Layer)
		if err != nil {
			return err
		}
		layers, err := attachmentLayers(tx, shape.ShapeID)
		if err != nil {
			return err
		}
		if !containsID(layers, layer.LayerID) {
			return fmt.Errorf("%w: %s is not on layer %s", ErrInvalidEdit, edit.Shape, edit.Parent.Layer)
		}

		old, err := parentEdge(tx, shape.ShapeID)
		if err != nil {
			return err
		}
		if old == nil {
			return nil
		}
		if err := tx.Where("shape_id = ?", shape.ShapeID).Delete(&ShapeGroup{}).Error; err != nil {
			return err
		}
		if err := renumberGroupChildren(tx, old.ParentShapeID); err != nil {
			return err
		}
		return canonicalizeLayer(tx, layer.LayerID)
	default:
		return fmt.Errorf("%w: unknown parent kind %q", ErrInvalidEdit, edit.Parent.Kind)
	}
}

func applyReorderElement(tx *gorm.DB, edit Edit) error {
	shape, err := findShapeByGUID(tx, edit.Shape)
	if err != nil {
		return err
	}

	var before *Shape
	if edit.BeforeShape != nil {
		found, err := findShapeByGUID(tx, *edit.BeforeShape)
		if err != nil {
			return err
		}
		before = &found
	}

	edge, err := parentEdge(tx, shape.ShapeID)
	if err != nil {
		return err
	}

	if edge != nil {
		if before != nil {
			beforeEdge, err := parentEdge(tx, before.ShapeID)
			if err != nil {
				return err
			}
			if beforeEdge == nil || beforeEdge.ParentShapeID != edge.ParentShapeID {
				return fmt.Errorf("%w: %s and %s are not siblings", ErrInvalidEdit, edit.Shape, *edit.BeforeShape)
			}
		}

		children, err := groupChildren(tx, edge.ParentShapeID)
		if err != nil {
			return err
		}
		reordered := moveBefore(children, shape.ShapeID, beforeID(before))
		if err := writeGroupOrder(tx, edge.ParentShapeID, reordered); err != nil {
			return err
		}

		layers, err := attachmentLayers(tx, shape.ShapeID)
		if err != nil {
			return err
		}
		for _, layerID := range layers {
			if err := canonicalizeLayer(tx, layerID); err != nil {
				return err
			}
		}
		return nil
	}

	if before != nil {
		beforeEdge, err := parentEdge(tx, before.ShapeID)
		if err != nil {
			return err
		}
		if beforeEdge != nil {
			return fmt.Errorf("%w: %s and %s are not siblings", ErrInvalidEdit, edit.Shape, *edit.BeforeShape)
		}
	}

	layers, err := attachmentLayers(tx, shape.ShapeID)
	if err != nil {
		return err
	}
	for _, layerID := range layers {
		roots, err := layerRootOrder(tx, layerID)
		if err != nil {
			return err
		}
		reordered := moveBefore(roots, shape.ShapeID, beforeID(before))
		if err := renumberLayer(tx, layerID, reordered); err != nil {
			return err
		}
	}
	return nil
}

func beforeID(before *Shape) int64 {
	if before == nil {
		return 0
	}
	return before.ShapeID
}

// moveBefore moves one id in front of another; a zero target moves it to the
// end. Ids absent from the slice leave it unchanged apart from the move.
func moveBefore(ids []int64, moving, target int64) []int64 {
	remaining := make([]int64, 0, len(ids))
	found := false
	for _, id := range ids {
		if id == moving {
			found = true
			continue
		}
		remaining = append(remaining, id)
	}
	if !found {
		return ids
	}

	insertAt := len(remaining)
	if target != 0 {
		for index, id := range remaining {
			if id == target {
				insertAt = index
				break
			}
		}
	}

	reordered := make([]int64, 0, len(ids))
	reordered = append(reordered, remaining[:insertAt]...)
	reordered = append(reordered, moving)
	reordered = append(reordered, remaining[insertAt:]...)
	return reordered
}

func containsID(ids []int64, wanted int64) bool {
	for _, id := range ids {
		if id == wanted {
			return true
		}
	}
	return false
}

// propertyScope names the typed property tables of one owner row.
type propertyScope struct {
	table       string
	ownerColumn string
	ownerID     int64
}

func resolveOwner(tx *gorm.DB, owner OwnerRef) (propertyScope, error) {
	switch owner.Kind {
	case OwnerDocument:
		return propertyScope{table: "document"}, nil
	case OwnerLayer:
		layer, err := findLayerByGUID(tx, owner.Layer)
		if err != nil {
			return propertyScope{}, err
		}
		return propertyScope{table: "layer", ownerColumn: "layer_id", ownerID: layer.LayerID}, nil
	case OwnerShape:
		shape, err := findShapeByGUID(tx, owner.Shape)
		if err != nil {
			return propertyScope{}, err
		}
		return propertyScope{table: "shape", ownerColumn: "shape_id", ownerID: shape.ShapeID}, nil
	case OwnerBrush:
		brush, err := findBrushByGUID(tx, owner.Brush)
		if err != nil {
			return propertyScope{}, err
		}
		return propertyScope{table: "brush", ownerColumn: "brush_id", ownerID: brush.BrushID}, nil
	default:
		return propertyScope{}, fmt.Errorf("%w: unknown owner kind %q", ErrInvalidEdit, owner.Kind)
	}
}

var propertyTableSuffixes = []string{"int", "float", "blob"}

func deletePropertyRows(tx *gorm.DB, scope propertyScope, propertyID int64) error {
	for _, suffix := range propertyTableSuffixes {
		query := fmt.Sprintf("DELETE FROM %s_%s_properties WHERE property_id = ?", scope.table, suffix)
		arguments := []any{propertyID}
		if scope.ownerColumn != "" {
			query += fmt.Sprintf(" AND %s = ?", scope.ownerColumn)
			arguments = append(arguments, scope.ownerID)
		}
		if err := tx.Exec(query, arguments...).Error; err != nil {
			return err
		}
	}
	return nil
}

func insertPropertyRow(tx *gorm.DB, scope propertyScope, suffix string, propertyID int64, value any) error {
	if scope.ownerColumn == "" {
		query := fmt.Sprintf("INSERT INTO %s_%s_properties (property_id, value) VALUES (?, ?)", scope.table, suffix)
		return tx.Exec(query, propertyID, value).Error
	}
	query := fmt.Sprintf(
		"INSERT INTO %s_%s_properties (%s, property_id, value) VALUES (?, ?, ?)",
		scope.table, suffix, scope.ownerColumn,
	)
	return tx.Exec(query, scope.ownerID, propertyID, value).Error
}

// applySetProperty writes the value into the typed table matching its kind
// and clears the name from the other two, so a name is never ambiguous within
// one owner.
func applySetProperty(tx *gorm.DB, edit Edit) error {
	scope, err := resolveOwner(tx, *edit.Owner)
	if err != nil {
		return err
	}
	propertyID, err := internPropertyName(tx, edit.Property)
	if err != nil {
		return err
	}
	if err := deletePropertyRows(tx, scope, propertyID); err != nil {
		return err
	}

	value := *edit.Value
	switch value.Kind() {
	case property.KindInt:
		return insertPropertyRow(tx, scope, "int", propertyID, value.Int())
	case property.KindFloat:
		return insertPropertyRow(tx, scope, "float", propertyID, value.Float())
	default:
		return insertPropertyRow(tx, scope, "blob", propertyID, property.Encode(value))
	}
}

func applyDeleteProperty(tx *gorm.DB, edit Edit) error {
	scope, err := resolveOwner(tx, *edit.Owner)
	if err != nil {
		return err
	}

	var interned InternedProperty
	err = tx.Where("name = ?", edit.Property).Take(&interned).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return deletePropertyRows(tx, scope, interned.PropertyID)
}

func applyAddBrush(tx *gorm.DB, edit Edit) error {
	_, err := findBrushByGUID(tx, edit.Brush)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrBrushNotFound) {
		return err
	}

	brushID, err := nextIdentifier(tx, "brushes", "brush_id")
	if err != nil {
		return err
	}
	brush := Brush{BrushID: brushID, BrushGUID: edit.Brush.String()}
	return tx.Create(&brush).Error
}

func applyRemoveBrush(tx *gorm.DB, edit Edit) error {
	brush, err := findBrushByGUID(tx, edit.Brush)
	if errors.Is(err, ErrBrushNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var shapeIDs []int64
	err = tx.Model(&ShapeBrush{}).
		Where(queryBrushScope, brush.BrushID).
		Distinct().
		Order("shape_id ASC").
		Pluck("shape_id", &shapeIDs).Error
	if err != nil {
		return err
	}

	steps := []*gorm.DB{
		tx.Where(queryBrushScope, brush.BrushID).Delete(&ShapeBrush{}),
		tx.Where(queryBrushScope, brush.BrushID).Delete(&BrushIntProperty{}),
		tx.Where(queryBrushScope, brush.BrushID).Delete(&BrushFloatProperty{}),
		tx.Where(queryBrushScope, brush.BrushID).Delete(&BrushBlobProperty{}),
		tx.Where(queryBrushScope, brush.BrushID).Delete(&Brush{}),
	}
	for _, step := range steps {
		if step.Error != nil {
			return step.Error
		}
	}

	for _, shapeID := range shapeIDs {
		if err := renumberShapeBrushes(tx, shapeID); err != nil {
			return err
		}
	}
	return nil
}

func renumberShapeBrushes(tx *gorm.DB, shapeID int64) error {
	var attachments []ShapeBrush
	err := tx.Where(queryShapeScope, shapeID).
		Order("order_idx ASC, brush_id ASC").
		Find(&attachments).Error
	if err != nil {
		return err
	}
	for position, attachment := range attachments {
		if attachment.OrderIdx == int64(position) {
			continue
		}
		err := tx.Model(&ShapeBrush{}).
			Where("shape_id = ? AND brush_id = ?", shapeID, attachment.BrushID).
			Update("order_idx", int64(position)).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func applyAttachBrush(tx *gorm.DB, edit Edit) error {
	shape, err := findShapeByGUID(tx, edit.Shape)
	if err != nil {
		return err
	}
	brush, err := findBrushByGUID(tx, edit.Brush)
	if err != nil {
		return err
	}

	var existing ShapeBrush
	err = tx.Where("shape_id = ? AND brush_id = ?", shape.ShapeID, brush.BrushID).
		Take(&existing).Error
	switch {
	case err == nil:
		if edit.OrderIndex == nil || *edit.OrderIndex == existing.OrderIdx {
			return nil
		}
		if err := shiftBrushOrders(tx, shape.ShapeID, brush.BrushID, *edit.OrderIndex); err != nil {
			return err
		}
		return tx.Model(&ShapeBrush{}).
			Where("shape_id = ? AND brush_id = ?", shape.ShapeID, brush.BrushID).
			Update("order_idx", *edit.OrderIndex).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		order := int64(0)
		if edit.OrderIndex != nil {
			order = *edit.OrderIndex
			if err := shiftBrushOrders(tx, shape.ShapeID, brush.BrushID, order); err != nil {
				return err
			}
		} else {
			next, err := nextOrderIndex(tx, "shape_brushes", "shape_id", shape.ShapeID)
			if err != nil {
				return err
			}
			order = next
		}
		attachment := ShapeBrush{
			ShapeID:  shape.ShapeID,
			BrushID:  brush.BrushID,
			OrderIdx: order,
		}
		return tx.Create(&attachment).Error
	default:
		return err
	}
}

// shiftBrushOrders opens the requested order slot on a shape by pushing every
// other attachment at or above it one place up.
func shiftBrushOrders(tx *gorm.DB, shapeID, excludeBrushID, fromOrder int64) error {
	return tx.Model(&ShapeBrush{}).
		Where("shape_id = ? AND brush_id <> ? AND order_idx >= ?", shapeID, excludeBrushID, fromOrder).
		Update("order_idx", gorm.Expr("order_idx + 1")).Error
}

func applyDetachBrush(tx *gorm.DB, edit Edit) error {
	shape, err := findShapeByGUID(tx, edit.Shape)
	if errors.Is(err, ErrShapeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	brush, err := findBrushByGUID(tx, edit.Brush)
	if errors.Is(err, ErrBrushNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	err = tx.Where("shape_id = ? AND brush_id = ?", shape.ShapeID, brush.BrushID).
		Delete(&ShapeBrush{}).Error
	if err != nil {
		return err
	}
	return renumberShapeBrushes(tx, shape.ShapeID)
}
