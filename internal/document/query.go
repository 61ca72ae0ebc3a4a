package document

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/inkstone-studio/inkstone/storage/internal/property"
)

const (
	opElementsAt   = "document.elements_at"
	opPropertiesOf = "document.properties_of"
	opShapeStyle   = "document.shape_style"
	opKeyframesIn  = "document.keyframes_in"
	opLayers       = "document.layers"
	opOutline      = "document.outline"

	queryKeyframeAt = `
SELECT COALESCE(MAX(time_ns), 0)
FROM layer_frames
WHERE layer_id = ? AND time_ns <= ?`

	queryVisibleElements = `
SELECT s.shape_guid,
       st.name AS kind_name,
       s.data_kind,
       s.data,
       sl.time_ns,
       sl.order_idx,
       pg.shape_guid AS parent_guid
FROM shape_layers sl
INNER JOIN shapes s ON s.shape_id = sl.shape_id
INNER JOIN shape_types st ON st.shape_type_id = s.shape_type_id
LEFT JOIN shape_groups sg ON sg.shape_id = s.shape_id
LEFT JOIN shapes pg ON pg.shape_id = sg.parent_shape_id
WHERE sl.layer_id = ? AND sl.time_ns >= ? AND sl.time_ns <= ?
ORDER BY sl.order_idx ASC, s.shape_id ASC`

	queryOrderedBrushes = `
SELECT sb.brush_id
FROM shape_brushes sb
WHERE sb.shape_id = ?
ORDER BY sb.order_idx ASC, sb.brush_id ASC`

	queryLayerSummaries = `
SELECT l.layer_guid,
       l.order_idx,
       (SELECT COUNT(*) FROM layer_frames f WHERE f.layer_id = l.layer_id) AS keyframe_count,
       (SELECT COUNT(*) FROM shape_layers sl WHERE sl.layer_id = l.layer_id) AS element_count
FROM layers l
ORDER BY l.order_idx ASC`
)

// VisibleElement is one shape visible on a layer at a queried time, in draw
// order.
type VisibleElement struct {
	shapeGUID   ShapeGUID
	kind        ShapeKind
	geometry    Geometry
	attachTime  FrameTime
	orderIndex  int64
	parentGroup *ShapeGUID
}

// ShapeGUID returns the element's stable identifier.
func (element VisibleElement) ShapeGUID() ShapeGUID {
	return element.shapeGUID
}

// Kind returns the element's shape kind.
func (element VisibleElement) Kind() ShapeKind {
	return element.kind
}

// Geometry returns the element's decoded geometry.
func (element VisibleElement) Geometry() Geometry {
	return element.geometry
}

// AttachTime returns the time the element was attached to the layer.
func (element VisibleElement) AttachTime() FrameTime {
	return element.attachTime
}

// OrderIndex returns the element's position in the layer draw order.
func (element VisibleElement) OrderIndex() int64 {
	return element.orderIndex
}

// ParentGroup returns the enclosing group's GUID, if the element is grouped.
func (element VisibleElement) ParentGroup() (ShapeGUID, bool) {
	if element.parentGroup == nil {
		return "", false
	}
	return *element.parentGroup, true
}

type visibleElementRow struct {
	ShapeGUID  string
	KindName   string
	DataKind   int64
	Data       []byte
	TimeNs     int64
	OrderIdx   int64
	ParentGUID *string
}

// ElementsAt returns the elements visible on a layer at a time: those whose
// attach time falls between the governing keyframe (the latest keyframe at or
// before the queried time, or zero when none exists) and the queried time,
// inclusive, in draw order.
func (service *Service) ElementsAt(ctx context.Context, layerGUID LayerGUID, when FrameTime) ([]VisibleElement, error) {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opElementsAt, reasonMissingDatabase, err)
		return nil, newDocumentError(opElementsAt, reasonMissingDatabase, err)
	}

	service.mu.RLock()
	defer service.mu.RUnlock()

	db := service.db.WithContext(ctx)
	layer, err := findLayerByGUID(db, layerGUID)
	if err != nil {
		reason := rejectionReason(err)
		service.logError(opElementsAt, reason, err, zap.String("layerGuid", layerGUID.String()))
		return nil, newDocumentError(opElementsAt, reason, err)
	}

	var keyframe int64
	if err := db.Raw(queryKeyframeAt, layer.LayerID, when.Nanos()).Scan(&keyframe).Error; err != nil {
		service.logError(opElementsAt, reasonQueryFailed, err, zap.String("layerGuid", layerGUID.String()))
		return nil, newDocumentError(opElementsAt, reasonQueryFailed, err)
	}

	var rows []visibleElementRow
	err = db.Raw(queryVisibleElements, layer.LayerID, keyframe, when.Nanos()).Scan(&rows).Error
	if err != nil {
		service.logError(opElementsAt, reasonQueryFailed, err, zap.String("layerGuid", layerGUID.String()))
		return nil, newDocumentError(opElementsAt, reasonQueryFailed, err)
	}

	elements := make([]VisibleElement, 0, len(rows))
	for _, row := range rows {
		kind, err := NewShapeKind(row.KindName)
		if err != nil {
			service.logger.Warn(opElementsAt,
				zap.String("reason", reasonDecodeFailed),
				zap.String("shapeGuid", row.ShapeGUID),
				zap.Error(err))
			continue
		}
		geometry, err := DecodeGeometry(kind, row.DataKind, row.Data)
		if err != nil {
			service.logger.Warn(opElementsAt,
				zap.String("reason", reasonDecodeFailed),
				zap.String("shapeGuid", row.ShapeGUID),
				zap.Error(err))
			continue
		}

		element := VisibleElement{
			shapeGUID:  ShapeGUID(row.ShapeGUID),
			kind:       kind,
			geometry:   geometry,
			attachTime: FrameTime(row.TimeNs),
			orderIndex: row.OrderIdx,
		}
		if row.ParentGUID != nil {
			parent := ShapeGUID(*row.ParentGUID)
			element.parentGroup = &parent
		}
		elements = append(elements, element)
	}
	return elements, nil
}

type namedIntRow struct {
	Name  string
	Value int64
}

type namedFloatRow struct {
	Name  string
	Value float64
}

type namedBlobRow struct {
	Name  string
	Value []byte
}

// ownerProperties reads one owner's properties from its three typed tables.
// A name present in more than one table is ambiguous and fails the read.
func ownerProperties(db *gorm.DB, scope propertyScope) (map[string]property.Value, error) {
	selectQuery := func(suffix string) (string, []any) {
		query := fmt.Sprintf(
			"SELECT p.name AS name, t.value AS value FROM %s_%s_properties t INNER JOIN properties p ON p.property_id = t.property_id",
			scope.table, suffix,
		)
		if scope.ownerColumn == "" {
			return query, nil
		}
		return query + fmt.Sprintf(" WHERE t.%s = ?", scope.ownerColumn), []any{scope.ownerID}
	}

	values := make(map[string]property.Value)
	record := func(name string, value property.Value) error {
		if _, duplicate := values[name]; duplicate {
			return fmt.Errorf("%w: %q on %s", ErrAmbiguousProperty, name, scope.table)
		}
		values[name] = value
		return nil
	}

	query, arguments := selectQuery("int")
	var ints []namedIntRow
	if err := db.Raw(query, arguments...).Scan(&ints).Error; err != nil {
		return nil, err
	}
	for _, row := range ints {
		if err := record(row.Name, property.IntValue(row.Value)); err != nil {
			return nil, err
		}
	}

	query, arguments = selectQuery("float")
	var floats []namedFloatRow
	if err := db.Raw(query, arguments...).Scan(&floats).Error; err != nil {
		return nil, err
	}
	for _, row := range floats {
		if err := record(row.Name, property.FloatValue(row.Value)); err != nil {
			return nil, err
		}
	}

	query, arguments = selectQuery("blob")
	var blobs []namedBlobRow
	if err := db.Raw(query, arguments...).Scan(&blobs).Error; err != nil {
		return nil, err
	}
	for _, row := range blobs {
		decoded, err := property.Decode(row.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: property %q: %v", ErrCorruptPayload, row.Name, err)
		}
		if err := record(row.Name, decoded); err != nil {
			return nil, err
		}
	}

	return values, nil
}

// PropertiesOf returns the properties stored directly on an owner.
func (service *Service) PropertiesOf(ctx context.Context, owner OwnerRef) (map[string]property.Value, error) {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opPropertiesOf, reasonMissingDatabase, err)
		return nil, newDocumentError(opPropertiesOf, reasonMissingDatabase, err)
	}

	service.mu.RLock()
	defer service.mu.RUnlock()

	db := service.db.WithContext(ctx)
	scope, err := resolveOwner(db, owner)
	if err != nil {
		reason := rejectionReason(err)
		service.logError(opPropertiesOf, reason, err, zap.String("ownerKind", string(owner.Kind)))
		return nil, newDocumentError(opPropertiesOf, reason, err)
	}

	values, err := ownerProperties(db, scope)
	if err != nil {
		reason := reasonQueryFailed
		if isApplyRejection(err) {
			reason = rejectionReason(err)
		}
		service.logError(opPropertiesOf, reason, err, zap.String("ownerKind", string(owner.Kind)))
		return nil, newDocumentError(opPropertiesOf, reason, err)
	}
	return values, nil
}

// ShapeStyle returns a shape's effective style: its brushes' properties merged
// in attachment order, later brushes overriding earlier ones, with the shape's
// own properties overriding everything.
func (service *Service) ShapeStyle(ctx context.Context, shapeGUID ShapeGUID) (map[string]property.Value, error) {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opShapeStyle, reasonMissingDatabase, err)
		return nil, newDocumentError(opShapeStyle, reasonMissingDatabase, err)
	}

	service.mu.RLock()
	defer service.mu.RUnlock()

	db := service.db.WithContext(ctx)
	shape, err := findShapeByGUID(db, shapeGUID)
	if err != nil {
		reason := rejectionReason(err)
		service.logError(opShapeStyle, reason, err, zap.String("shapeGuid", shapeGUID.String()))
		return nil, newDocumentError(opShapeStyle, reason, err)
	}

	var brushIDs []int64
	if err := db.Raw(queryOrderedBrushes, shape.ShapeID).Scan(&brushIDs).Error; err != nil {
		service.logError(opShapeStyle, reasonQueryFailed, err, zap.String("shapeGuid", shapeGUID.String()))
		return nil, newDocumentError(opShapeStyle, reasonQueryFailed, err)
	}

	effective := make(map[string]property.Value)
	for _, brushID := range brushIDs {
		scope := propertyScope{table: "brush", ownerColumn: "brush_id", ownerID: brushID}
		brushValues, err := ownerProperties(db, scope)
		if err != nil {
			reason := reasonQueryFailed
			if isApplyRejection(err) {
				reason = rejectionReason(err)
			}
			service.logError(opShapeStyle, reason, err, zap.String("shapeGuid", shapeGUID.String()))
			return nil, newDocumentError(opShapeStyle, reason, err)
		}
		for name, value := range brushValues {
			effective[name] = value
		}
	}

	scope := propertyScope{table: "shape", ownerColumn: "shape_id", ownerID: shape.ShapeID}
	shapeValues, err := ownerProperties(db, scope)
	if err != nil {
		reason := reasonQueryFailed
		if isApplyRejection(err) {
			reason = rejectionReason(err)
		}
		service.logError(opShapeStyle, reason, err, zap.String("shapeGuid", shapeGUID.String()))
		return nil, newDocumentError(opShapeStyle, reason, err)
	}
	for name, value := range shapeValues {
		effective[name] = value
	}
	return effective, nil
}

// KeyframesIn returns the keyframe times of a layer within [from, to),
// oldest first.
func (service *Service) KeyframesIn(ctx context.Context, layerGUID LayerGUID, from, to FrameTime) ([]FrameTime, error) {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opKeyframesIn, reasonMissingDatabase, err)
		return nil, newDocumentError(opKeyframesIn, reasonMissingDatabase, err)
	}

	service.mu.RLock()
	defer service.mu.RUnlock()

	db := service.db.WithContext(ctx)
	layer, err := findLayerByGUID(db, layerGUID)
	if err != nil {
		reason := rejectionReason(err)
		service.logError(opKeyframesIn, reason, err, zap.String("layerGuid", layerGUID.String()))
		return nil, newDocumentError(opKeyframesIn, reason, err)
	}

	var times []int64
	err = db.Model(&LayerFrame{}).
		Where("layer_id = ? AND time_ns >= ? AND time_ns < ?", layer.LayerID, from.Nanos(), to.Nanos()).
		Order("time_ns ASC").
		Pluck("time_ns", &times).Error
	if err != nil {
		service.logError(opKeyframesIn, reasonQueryFailed, err, zap.String("layerGuid", layerGUID.String()))
		return nil, newDocumentError(opKeyframesIn, reasonQueryFailed, err)
	}

	keyframes := make([]FrameTime, 0, len(times))
	for _, nanos := range times {
		keyframes = append(keyframes, FrameTime(nanos))
	}
	return keyframes, nil
}

// LayerInfo summarises one layer for listings.
type LayerInfo struct {
	layerGUID     LayerGUID
	orderIndex    int64
	keyframeCount int64
	elementCount  int64
}

// LayerGUID returns the layer's stable identifier.
func (info LayerInfo) LayerGUID() LayerGUID {
	return info.layerGUID
}

// OrderIndex returns the layer's position in the stacking order.
func (info LayerInfo) OrderIndex() int64 {
	return info.orderIndex
}

// KeyframeCount returns the number of keyframes on the layer.
func (info LayerInfo) KeyframeCount() int64 {
	return info.keyframeCount
}

// ElementCount returns the number of shape attachments on the layer.
func (info LayerInfo) ElementCount() int64 {
	return info.elementCount
}

type layerSummaryRow struct {
	LayerGUID     string
	OrderIdx      int64
	KeyframeCount int64
	ElementCount  int64
}

func layerSummaries(db *gorm.DB) ([]LayerInfo, error) {
	var rows []layerSummaryRow
	if err := db.Raw(queryLayerSummaries).Scan(&rows).Error; err != nil {
		return nil, err
	}
	summaries := make([]LayerInfo, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, LayerInfo{
			layerGUID:     LayerGUID(row.LayerGUID),
			orderIndex:    row.OrderIdx,
			keyframeCount: row.KeyframeCount,
			elementCount:  row.ElementCount,
		})
	}
	return summaries, nil
}

// Layers lists the document's layers in stacking order.
func (service *Service) Layers(ctx context.Context) ([]LayerInfo, error) {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opLayers, reasonMissingDatabase, err)
		return nil, newDocumentError(opLayers, reasonMissingDatabase, err)
	}

	service.mu.RLock()
	defer service.mu.RUnlock()

	summaries, err := layerSummaries(service.db.WithContext(ctx))
	if err != nil {
		service.logError(opLayers, reasonQueryFailed, err)
		return nil, newDocumentError(opLayers, reasonQueryFailed, err)
	}
	return summaries, nil
}

// DocumentOutline is the top-level summary of a document file.
type DocumentOutline struct {
	documentGUID   string
	formatVersion  int64
	editCount      int64
	appliedEditID  int64
	rejectionCount int64
	layers         []LayerInfo
}

// DocumentGUID returns the document's stable identifier.
func (outline DocumentOutline) DocumentGUID() string {
	return outline.documentGUID
}

// FormatVersion returns the file's schema version.
func (outline DocumentOutline) FormatVersion() int64 {
	return outline.formatVersion
}

// EditCount returns the number of entries in the edit log.
func (outline DocumentOutline) EditCount() int64 {
	return outline.editCount
}

// AppliedEditID returns the log position the cache has processed through.
func (outline DocumentOutline) AppliedEditID() int64 {
	return outline.appliedEditID
}

// RejectionCount returns the number of logged-but-rejected edits.
func (outline DocumentOutline) RejectionCount() int64 {
	return outline.rejectionCount
}

// Layers returns the per-layer summaries in stacking order.
func (outline DocumentOutline) Layers() []LayerInfo {
	copied := make([]LayerInfo, len(outline.layers))
	copy(copied, outline.layers)
	return copied
}

// Outline summarises the whole document for inspection tooling.
func (service *Service) Outline(ctx context.Context) (DocumentOutline, error) {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opOutline, reasonMissingDatabase, err)
		return DocumentOutline{}, newDocumentError(opOutline, reasonMissingDatabase, err)
	}

	service.mu.RLock()
	defer service.mu.RUnlock()

	db := service.db.WithContext(ctx)

	var info DocumentInfo
	if err := db.Where("id = ?", documentInfoRowID).Take(&info).Error; err != nil {
		service.logError(opOutline, reasonQueryFailed, err)
		return DocumentOutline{}, newDocumentError(opOutline, reasonQueryFailed, err)
	}

	editCount, err := countRows(db, &EditLogEntry{})
	if err != nil {
		service.logError(opOutline, reasonQueryFailed, err)
		return DocumentOutline{}, newDocumentError(opOutline, reasonQueryFailed, err)
	}
	rejectionCount, err := countRows(db, &EditRejection{})
	if err != nil {
		service.logError(opOutline, reasonQueryFailed, err)
		return DocumentOutline{}, newDocumentError(opOutline, reasonQueryFailed, err)
	}

	layers, err := layerSummaries(db)
	if err != nil {
		service.logError(opOutline, reasonQueryFailed, err)
		return DocumentOutline{}, newDocumentError(opOutline, reasonQueryFailed, err)
	}

	return DocumentOutline{
		documentGUID:   info.DocumentGUID,
		formatVersion:  info.FormatVersion,
		editCount:      editCount,
		appliedEditID:  info.AppliedEditID,
		rejectionCount: rejectionCount,
		layers:         layers,
	}, nil
}
