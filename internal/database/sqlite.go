package database

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/inkstone-studio/inkstone/storage/internal/document"
)

// CurrentFormatVersion is the schema version this build reads and writes.
const CurrentFormatVersion = int64(5)

var (
	// ErrAlreadyOpen indicates the document file is locked by another handle.
	ErrAlreadyOpen = errors.New("database: document already open")
	// ErrNotAnimationDocument indicates the file is a database but not an
	// animation document.
	ErrNotAnimationDocument = errors.New("database: not an animation document")
	// ErrUnsupportedVersion indicates a format version this build cannot
	// migrate; the file is left untouched.
	ErrUnsupportedVersion = errors.New("database: unsupported format version")
)

// Handle owns one open document file: the connection and its lockfile.
type Handle struct {
	db       *gorm.DB
	lockPath string
}

// DB returns the underlying connection.
func (handle *Handle) DB() *gorm.DB {
	return handle.db
}

// Close releases the connection and removes the lockfile.
func (handle *Handle) Close() error {
	var firstErr error
	if handle.db != nil {
		if sqlDB, err := handle.db.DB(); err == nil {
			firstErr = sqlDB.Close()
		} else {
			firstErr = err
		}
	}
	if handle.lockPath != "" {
		if err := os.Remove(handle.lockPath); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Open opens or creates an animation document at path, migrating older
// formats forward. A second handle on the same path fails immediately with
// ErrAlreadyOpen; files newer than this build are refused untouched.
func Open(path string, logger *zap.Logger) (*Handle, error) {
	if path == "" {
		return nil, fmt.Errorf("database: document path is required")
	}

	lockPath := ""
	if !isMemoryPath(path) {
		acquired, err := acquireLock(path + ".lock")
		if err != nil {
			return nil, err
		}
		lockPath = acquired
	}

	handle := &Handle{lockPath: lockPath}
	db, err := openConnection(path)
	if err != nil {
		_ = handle.Close()
		return nil, err
	}
	handle.db = db

	if err := prepareSchema(db, logger); err != nil {
		_ = handle.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("document opened",
			zap.String("path", path),
			zap.Int64("formatVersion", CurrentFormatVersion))
	}
	return handle, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

func acquireLock(lockPath string) (string, error) {
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return "", fmt.Errorf("%w: %s", ErrAlreadyOpen, lockPath)
	}
	if err != nil {
		return "", err
	}
	fmt.Fprintf(file, "%d\n", os.Getpid())
	if err := file.Close(); err != nil {
		_ = os.Remove(lockPath)
		return "", err
	}
	return lockPath, nil
}

func openConnection(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if !isMemoryPath(path) {
		if err := db.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
			return nil, err
		}
	}
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}
	return db, nil
}

type formatState struct {
	fresh   bool
	version int64
}

func inspectFormat(db *gorm.DB) (formatState, error) {
	var tableCount int64
	err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'").
		Scan(&tableCount).Error
	if err != nil {
		return formatState{}, err
	}
	if tableCount == 0 {
		return formatState{fresh: true}, nil
	}

	var infoTables int64
	err = db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'document_info'").
		Scan(&infoTables).Error
	if err != nil {
		return formatState{}, err
	}
	if infoTables == 0 {
		return formatState{}, fmt.Errorf("%w: no document_info table", ErrNotAnimationDocument)
	}

	var version int64
	result := db.Raw("SELECT format_version FROM document_info WHERE id = ?", 1).Scan(&version)
	if result.Error != nil {
		return formatState{}, result.Error
	}
	if result.RowsAffected == 0 {
		return formatState{}, fmt.Errorf("%w: no document_info row", ErrNotAnimationDocument)
	}
	return formatState{version: version}, nil
}

func prepareSchema(db *gorm.DB, logger *zap.Logger) error {
	state, err := inspectFormat(db)
	if err != nil {
		return err
	}

	switch {
	case state.fresh:
		if err := initializeDocument(db); err != nil {
			return err
		}
	case state.version > CurrentFormatVersion:
		return fmt.Errorf("%w: file is version %d, this build supports up to %d",
			ErrUnsupportedVersion, state.version, CurrentFormatVersion)
	case state.version < CurrentFormatVersion:
		if err := upgradeFormat(db, state.version, logger); err != nil {
			return err
		}
		if err := autoMigrate(db); err != nil {
			return err
		}
	default:
		if err := autoMigrate(db); err != nil {
			return err
		}
	}

	return applyMigrations(db, logger)
}

func autoMigrate(db *gorm.DB) error {
	models := append(document.AllModels(), &migrationRecord{})
	return db.AutoMigrate(models...)
}

func initializeDocument(db *gorm.DB) error {
	if err := autoMigrate(db); err != nil {
		return err
	}
	info := document.DocumentInfo{
		ID:             1,
		FormatVersion:  CurrentFormatVersion,
		DocumentGUID:   uuid.NewString(),
		CreatedAtNanos: time.Now().UTC().UnixNano(),
		AppliedEditID:  0,
	}
	return db.Create(&info).Error
}
