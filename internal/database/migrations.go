package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"github.com/inkstone-studio/inkstone/storage/internal/document"
)

const migrationBackfillEditChecksums = "2026-06-18_backfill_edit_checksums"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// applyMigrations runs the content fixups that sit outside the format version
// chain. Each runs once per file and records itself in db_migrations.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillEditChecksums, apply: backfillEditChecksums},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillEditChecksums computes the blake3 checksum for log entries written
// before checksums existed.
func backfillEditChecksums(db *gorm.DB) error {
	var entries []document.EditLogEntry
	err := db.Where("checksum IS NULL OR length(checksum) = 0").Find(&entries).Error
	if err != nil {
		return err
	}
	for _, entry := range entries {
		sum := blake3.Sum256(entry.Payload)
		err := db.Model(&document.EditLogEntry{}).
			Where("edit_id = ?", entry.EditID).
			Update("checksum", sum[:]).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// upgradeFormat walks the version chain one step at a time. Each step is one
// transaction: it either commits together with its version bump or leaves the
// file at the prior version.
func upgradeFormat(db *gorm.DB, fromVersion int64, logger *zap.Logger) error {
	steps := map[int64]func(*gorm.DB) error{
		4: upgradeV4ToV5,
	}

	for version := fromVersion; version < CurrentFormatVersion; version++ {
		step, known := steps[version]
		if !known {
			return fmt.Errorf("%w: no upgrade path from version %d", ErrUnsupportedVersion, version)
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := step(tx); err != nil {
				return err
			}
			return tx.Exec("UPDATE document_info SET format_version = ?", version+1).Error
		})
		if err != nil {
			return fmt.Errorf("upgrade v%d to v%d: %w", version, version+1, err)
		}
		if logger != nil {
			logger.Info("format upgraded",
				zap.Int64("from", version),
				zap.Int64("to", version+1))
		}
	}
	return nil
}

type v4ShapeRow struct {
	ShapeID   int64
	ShapeGUID string
	ShapeType string
	Sides     int64
}

type v4PointRow struct {
	ShapeID     int64
	ControlOneX float64
	ControlOneY float64
	ControlTwoX float64
	ControlTwoY float64
	EndX        float64
	EndY        float64
}

// upgradeV4ToV5 converts the per-point geometry rows of v4 files into the v5
// layout: interned shape types, one encoded geometry blob per shape, and the
// brush tables that v5 introduced.
func upgradeV4ToV5(tx *gorm.DB) error {
	createStatements := []string{
		`CREATE TABLE IF NOT EXISTS shape_types (shape_type_id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_shape_types_name ON shape_types(name)`,
		`CREATE TABLE IF NOT EXISTS brushes (brush_id INTEGER PRIMARY KEY, brush_guid TEXT NOT NULL)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_brushes_guid ON brushes(brush_guid)`,
		`CREATE TABLE IF NOT EXISTS shape_brushes (shape_id INTEGER NOT NULL, brush_id INTEGER NOT NULL, order_idx INTEGER NOT NULL, PRIMARY KEY (shape_id, brush_id))`,
		`CREATE TABLE IF NOT EXISTS brush_int_properties (brush_id INTEGER NOT NULL, property_id INTEGER NOT NULL, value INTEGER NOT NULL, PRIMARY KEY (brush_id, property_id))`,
		`CREATE TABLE IF NOT EXISTS brush_float_properties (brush_id INTEGER NOT NULL, property_id INTEGER NOT NULL, value REAL NOT NULL, PRIMARY KEY (brush_id, property_id))`,
		`CREATE TABLE IF NOT EXISTS brush_blob_properties (brush_id INTEGER NOT NULL, property_id INTEGER NOT NULL, value BLOB NOT NULL, PRIMARY KEY (brush_id, property_id))`,
	}
	for _, statement := range createStatements {
		if err := tx.Exec(statement).Error; err != nil {
			return err
		}
	}

	var typeNames []string
	err := tx.Raw("SELECT DISTINCT shape_type FROM shapes ORDER BY shape_type").Scan(&typeNames).Error
	if err != nil {
		return err
	}
	typeIDs := make(map[string]int64, len(typeNames))
	for index, name := range typeNames {
		id := int64(index + 1)
		err := tx.Exec("INSERT INTO shape_types (shape_type_id, name) VALUES (?, ?)", id, name).Error
		if err != nil {
			return err
		}
		typeIDs[name] = id
	}

	err = tx.Exec(`CREATE TABLE shapes_v5 (
		shape_id INTEGER PRIMARY KEY,
		shape_guid TEXT NOT NULL,
		shape_type_id INTEGER NOT NULL,
		data_kind INTEGER NOT NULL,
		data BLOB
	)`).Error
	if err != nil {
		return err
	}

	var shapes []v4ShapeRow
	err = tx.Raw("SELECT shape_id, shape_guid, shape_type, COALESCE(sides, 0) AS sides FROM shapes ORDER BY shape_id").
		Scan(&shapes).Error
	if err != nil {
		return err
	}

	for _, shape := range shapes {
		var points []v4PointRow
		err := tx.Raw(`SELECT shape_id,
			c1x AS control_one_x, c1y AS control_one_y,
			c2x AS control_two_x, c2y AS control_two_y,
			x AS end_x, y AS end_y
			FROM shape_points WHERE shape_id = ? ORDER BY point_idx ASC`, shape.ShapeID).
			Scan(&points).Error
		if err != nil {
			return err
		}

		geometry := v4Geometry(shape, points)
		err = tx.Exec(
			"INSERT INTO shapes_v5 (shape_id, shape_guid, shape_type_id, data_kind, data) VALUES (?, ?, ?, ?, ?)",
			shape.ShapeID, shape.ShapeGUID, typeIDs[shape.ShapeType],
			document.GeometryDataKind, document.EncodeGeometry(geometry),
		).Error
		if err != nil {
			return err
		}
	}

	dropStatements := []string{
		"DROP TABLE shape_points",
		"DROP TABLE shapes",
		"ALTER TABLE shapes_v5 RENAME TO shapes",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_shapes_guid ON shapes(shape_guid)",
	}
	for _, statement := range dropStatements {
		if err := tx.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

func v4Geometry(shape v4ShapeRow, points []v4PointRow) document.Geometry {
	boundsOf := func() (document.Point, document.Point) {
		var min, max document.Point
		if len(points) > 0 {
			min = document.Point{X: points[0].EndX, Y: points[0].EndY}
		}
		if len(points) > 1 {
			max = document.Point{X: points[1].EndX, Y: points[1].EndY}
		}
		return min, max
	}

	switch document.ShapeKind(shape.ShapeType) {
	case document.ShapeKindRectangle:
		min, max := boundsOf()
		return document.RectangleGeometry(min, max)
	case document.ShapeKindEllipse:
		min, max := boundsOf()
		return document.EllipseGeometry(min, max)
	case document.ShapeKindPolygon:
		min, max := boundsOf()
		return document.PolygonGeometry(min, max, shape.Sides)
	case document.ShapeKindGroup:
		return document.GroupGeometry()
	default:
		pathPoints := make([]document.PathPoint, 0, len(points))
		for _, point := range points {
			pathPoints = append(pathPoints, document.PathPoint{
				Ctrl1: document.Point{X: point.ControlOneX, Y: point.ControlOneY},
				Ctrl2: document.Point{X: point.ControlTwoX, Y: point.ControlTwoY},
				End:   document.Point{X: point.EndX, Y: point.EndY},
			})
		}
		return document.PathGeometry(pathPoints)
	}
}
