package document

// The cache tables are a relational projection of the edit log. Internal
// integer ids are allocated explicitly inside apply transactions so a rebuild
// that replays the log lands on identical rows; they never leave this package.

// InternedProperty interns property names to integer ids.
type InternedProperty struct {
	PropertyID int64  `gorm:"column:property_id;primaryKey;autoIncrement:false"`
	Name       string `gorm:"column:name;size:190;not null;uniqueIndex:idx_properties_name"`
}

// TableName provides the explicit table binding for GORM.
func (InternedProperty) TableName() string {
	return "properties"
}

// InternedShapeType interns shape kind names to integer ids.
type InternedShapeType struct {
	ShapeTypeID int64  `gorm:"column:shape_type_id;primaryKey;autoIncrement:false"`
	Name        string `gorm:"column:name;size:64;not null;uniqueIndex:idx_shape_types_name"`
}

// TableName provides the explicit table binding for GORM.
func (InternedShapeType) TableName() string {
	return "shape_types"
}

// Layer is one ordered layer of the document.
type Layer struct {
	LayerID   int64  `gorm:"column:layer_id;primaryKey;autoIncrement:false"`
	LayerGUID string `gorm:"column:layer_guid;size:36;not null;uniqueIndex:idx_layers_guid"`
	OrderIdx  int64  `gorm:"column:order_idx;not null;index:idx_layers_order"`
}

// TableName provides the explicit table binding for GORM.
func (Layer) TableName() string {
	return "layers"
}

// LayerFrame marks a keyframe on a layer. The composite key doubles as the
// (layer, time) lookup index for keyframe resolution.
type LayerFrame struct {
	LayerID   int64 `gorm:"column:layer_id;primaryKey;autoIncrement:false"`
	TimeNanos int64 `gorm:"column:time_ns;primaryKey;autoIncrement:false"`
}

// TableName provides the explicit table binding for GORM.
func (LayerFrame) TableName() string {
	return "layer_frames"
}

// Shape is one drawable element; its geometry is stored as an encoded blob.
type Shape struct {
	ShapeID     int64  `gorm:"column:shape_id;primaryKey;autoIncrement:false"`
	ShapeGUID   string `gorm:"column:shape_guid;size:36;not null;uniqueIndex:idx_shapes_guid"`
	ShapeTypeID int64  `gorm:"column:shape_type_id;not null"`
	DataKind    int64  `gorm:"column:data_kind;not null"`
	Data        []byte `gorm:"column:data"`
}

// TableName provides the explicit table binding for GORM.
func (Shape) TableName() string {
	return "shapes"
}

// ShapeLayer attaches a shape to a layer at a draw order and attach time.
// The covering index serves the time-window element queries.
type ShapeLayer struct {
	ShapeID   int64 `gorm:"column:shape_id;primaryKey;autoIncrement:false;index:idx_shape_layers_cover,priority:4"`
	LayerID   int64 `gorm:"column:layer_id;primaryKey;autoIncrement:false;index:idx_shape_layers_cover,priority:1"`
	OrderIdx  int64 `gorm:"column:order_idx;not null;index:idx_shape_layers_cover,priority:3"`
	TimeNanos int64 `gorm:"column:time_ns;not null;index:idx_shape_layers_cover,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ShapeLayer) TableName() string {
	return "shape_layers"
}

// ShapeGroup is the logical parent edge of a grouped shape.
type ShapeGroup struct {
	ShapeID       int64 `gorm:"column:shape_id;primaryKey;autoIncrement:false"`
	ParentShapeID int64 `gorm:"column:parent_shape_id;not null;index:idx_shape_groups_parent"`
	OrderIdx      int64 `gorm:"column:order_idx;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ShapeGroup) TableName() string {
	return "shape_groups"
}

// Brush is a reusable style definition shapes inherit properties from.
type Brush struct {
	BrushID   int64  `gorm:"column:brush_id;primaryKey;autoIncrement:false"`
	BrushGUID string `gorm:"column:brush_guid;size:36;not null;uniqueIndex:idx_brushes_guid"`
}

// TableName provides the explicit table binding for GORM.
func (Brush) TableName() string {
	return "brushes"
}

// ShapeBrush attaches a brush to a shape; higher order wins on conflicts.
type ShapeBrush struct {
	ShapeID  int64 `gorm:"column:shape_id;primaryKey;autoIncrement:false"`
	BrushID  int64 `gorm:"column:brush_id;primaryKey;autoIncrement:false;index:idx_shape_brushes_brush"`
	OrderIdx int64 `gorm:"column:order_idx;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ShapeBrush) TableName() string {
	return "shape_brushes"
}

// DocumentIntProperty stores one integer property of the document.
type DocumentIntProperty struct {
	PropertyID int64 `gorm:"column:property_id;primaryKey;autoIncrement:false;index:idx_document_int_cover,priority:1"`
	Value      int64 `gorm:"column:value;not null;index:idx_document_int_cover,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentIntProperty) TableName() string {
	return "document_int_properties"
}

// DocumentFloatProperty stores one float property of the document.
type DocumentFloatProperty struct {
	PropertyID int64   `gorm:"column:property_id;primaryKey;autoIncrement:false;index:idx_document_float_cover,priority:1"`
	Value      float64 `gorm:"column:value;not null;index:idx_document_float_cover,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentFloatProperty) TableName() string {
	return "document_float_properties"
}

// DocumentBlobProperty stores one encoded structured property of the document.
type DocumentBlobProperty struct {
	PropertyID int64  `gorm:"column:property_id;primaryKey;autoIncrement:false;index:idx_document_blob_cover,priority:1"`
	Value      []byte `gorm:"column:value;not null;index:idx_document_blob_cover,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentBlobProperty) TableName() string {
	return "document_blob_properties"
}

// LayerIntProperty stores one integer property of a layer.
type LayerIntProperty struct {
	LayerID    int64 `gorm:"column:layer_id;primaryKey;autoIncrement:false;index:idx_layer_int_cover,priority:1"`
	PropertyID int64 `gorm:"column:property_id;primaryKey;autoIncrement:false;index:idx_layer_int_cover,priority:2"`
	Value      int64 `gorm:"column:value;not null;index:idx_layer_int_cover,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (LayerIntProperty) TableName() string {
	return "layer_int_properties"
}

// LayerFloatProperty stores one float property of a layer.
type LayerFloatProperty struct {
	LayerID    int64   `gorm:"column:layer_id;primaryKey;autoIncrement:false;index:idx_layer_float_cover,priority:1"`
	PropertyID int64   `gorm:"column:property_id;primaryKey;autoIncrement:false;index:idx_layer_float_cover,priority:2"`
	Value      float64 `gorm:"column:value;not null;index:idx_layer_float_cover,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (LayerFloatProperty) TableName() string {
	return "layer_float_properties"
}

// LayerBlobProperty stores one encoded structured property of a layer.
type LayerBlobProperty struct {
	LayerID    int64  `gorm:"column:layer_id;primaryKey;autoIncrement:false;index:idx_layer_blob_cover,priority:1"`
	PropertyID int64  `gorm:"column:property_id;primaryKey;autoIncrement:false;index:idx_layer_blob_cover,priority:2"`
	Value      []byte `gorm:"column:value;not null;index:idx_layer_blob_cover,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (LayerBlobProperty) TableName() string {
	return "layer_blob_properties"
}

// ShapeIntProperty stores one integer property of a shape.
type ShapeIntProperty struct {
	ShapeID    int64 `gorm:"column:shape_id;primaryKey;autoIncrement:false;index:idx_shape_int_cover,priority:1"`
	PropertyID int64 `gorm:"column:property_id;primaryKey;autoIncrement:false;index:idx_shape_int_cover,priority:2"`
	Value      int64 `gorm:"column:value;not null;index:idx_shape_int_cover,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (ShapeIntProperty) TableName() string {
	return "shape_int_properties"
}

// ShapeFloatProperty stores one float property of a shape.
type ShapeFloatProperty struct {
	ShapeID    int64   `gorm:"column:shape_id;primaryKey;autoIncrement:false;index:idx_shape_float_cover,priority:1"`
	PropertyID int64   `gorm:"column:property_id;primaryKey;autoIncrement:false;index:idx_shape_float_cover,priority:2"`
	Value      float64 `gorm:"column:value;not null;index:idx_shape_float_cover,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (ShapeFloatProperty) TableName() string {
	return "shape_float_properties"
}

// ShapeBlobProperty stores one encoded structured property of a shape.
type ShapeBlobProperty struct {
	ShapeID    int64  `gorm:"column:shape_id;primaryKey;autoIncrement:false;index:idx_shape_blob_cover,priority:1"`
	PropertyID int64  `gorm:"column:property_id;primaryKey;autoIncrement:false;index:idx_shape_blob_cover,priority:2"`
	Value      []byte `gorm:"column:value;not null;index:idx_shape_blob_cover,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (ShapeBlobProperty) TableName() string {
	return "shape_blob_properties"
}

// BrushIntProperty stores one integer property of a brush.
type BrushIntProperty struct {
	BrushID    int64 `gorm:"column:brush_id;primaryKey;autoIncrement:false;index:idx_brush_int_cover,priority:1"`
	PropertyID int64 `gorm:"column:property_id;primaryKey;autoIncrement:false;index:idx_brush_int_cover,priority:2"`
	Value      int64 `gorm:"column:value;not null;index:idx_brush_int_cover,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (BrushIntProperty) TableName() string {
	return "brush_int_properties"
}

// BrushFloatProperty stores one float property of a brush.
type BrushFloatProperty struct {
	BrushID    int64   `gorm:"column:brush_id;primaryKey;autoIncrement:false;index:idx_brush_float_cover,priority:1"`
	PropertyID int64   `gorm:"column:property_id;primaryKey;autoIncrement:false;index:idx_brush_float_cover,priority:2"`
	Value      float64 `gorm:"column:value;not null;index:idx_brush_float_cover,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (BrushFloatProperty) TableName() string {
	return "brush_float_properties"
}

// BrushBlobProperty stores one encoded structured property of a brush.
type BrushBlobProperty struct {
	BrushID    int64  `gorm:"column:brush_id;primaryKey;autoIncrement:false;index:idx_brush_blob_cover,priority:1"`
	PropertyID int64  `gorm:"column:property_id;primaryKey;autoIncrement:false;index:idx_brush_blob_cover,priority:2"`
	Value      []byte `gorm:"column:value;not null;index:idx_brush_blob_cover,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (BrushBlobProperty) TableName() string {
	return "brush_blob_properties"
}

// EditLogEntry is one committed entry of the append-only edit log. Entries
// are never updated or deleted; the checksum guards against payload
// corruption on read.
type EditLogEntry struct {
	EditID           int64  `gorm:"column:edit_id;primaryKey;autoIncrement:false"`
	Kind             string `gorm:"column:kind;size:64;not null"`
	Payload          []byte `gorm:"column:payload;not null"`
	Checksum         []byte `gorm:"column:checksum;size:32;not null"`
	CommittedAtNanos int64  `gorm:"column:committed_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EditLogEntry) TableName() string {
	return "edit_log"
}

// EditRejection records a logged edit that violated a model invariant and was
// therefore never applied to the cache.
type EditRejection struct {
	EditID          int64  `gorm:"column:edit_id;primaryKey;autoIncrement:false"`
	Reason          string `gorm:"column:reason;size:190;not null"`
	Detail          string `gorm:"column:detail;type:text;not null"`
	RejectedAtNanos int64  `gorm:"column:rejected_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EditRejection) TableName() string {
	return "edit_rejections"
}

// documentInfoRowID is the key of the single document_info row.
const documentInfoRowID = int64(1)

// DocumentInfo is the single-row format marker and replay cursor of the file.
type DocumentInfo struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	FormatVersion  int64  `gorm:"column:format_version;not null"`
	DocumentGUID   string `gorm:"column:document_guid;size:36;not null"`
	CreatedAtNanos int64  `gorm:"column:created_at_ns;not null"`
	AppliedEditID  int64  `gorm:"column:applied_edit_id;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentInfo) TableName() string {
	return "document_info"
}

// DocumentViewState persists one editor-state entry as an encoded view value.
type DocumentViewState struct {
	StateKey string `gorm:"column:state_key;primaryKey;size:190"`
	Value    []byte `gorm:"column:value;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentViewState) TableName() string {
	return "document_view_states"
}

// LayerCacheEntry stores opaque cached render instructions for a layer time,
// compressed with zstd.
type LayerCacheEntry struct {
	LayerID   int64  `gorm:"column:layer_id;primaryKey;autoIncrement:false"`
	TimeNanos int64  `gorm:"column:time_ns;primaryKey;autoIncrement:false"`
	CacheKey  string `gorm:"column:cache_key;primaryKey;size:190"`
	Value     []byte `gorm:"column:value;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LayerCacheEntry) TableName() string {
	return "layer_caches"
}

// CacheModels lists the rebuildable projection tables in drop order.
func CacheModels() []any {
	return []any{
		&InternedProperty{},
		&InternedShapeType{},
		&Layer{},
		&LayerFrame{},
		&Shape{},
		&ShapeLayer{},
		&ShapeGroup{},
		&Brush{},
		&ShapeBrush{},
		&DocumentIntProperty{},
		&DocumentFloatProperty{},
		&DocumentBlobProperty{},
		&LayerIntProperty{},
		&LayerFloatProperty{},
		&LayerBlobProperty{},
		&ShapeIntProperty{},
		&ShapeFloatProperty{},
		&ShapeBlobProperty{},
		&BrushIntProperty{},
		&BrushFloatProperty{},
		&BrushBlobProperty{},
		&EditRejection{},
		&LayerCacheEntry{},
	}
}

// AllModels lists every table of the current format for schema migration.
func AllModels() []any {
	return append(CacheModels(),
		&EditLogEntry{},
		&DocumentInfo{},
		&DocumentViewState{},
	)
}
