package database

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/inkstone-studio/inkstone/storage/internal/document"
)

func newDocumentPath(testContext *testing.T) string {
	testContext.Helper()
	return filepath.Join(testContext.TempDir(), "animation.fdoc")
}

func mustOpen(testContext *testing.T, path string) *Handle {
	testContext.Helper()
	handle, err := Open(path, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open document: %v", err)
	}
	return handle
}

func mustClose(testContext *testing.T, handle *Handle) {
	testContext.Helper()
	if err := handle.Close(); err != nil {
		testContext.Fatalf("failed to close document: %v", err)
	}
}

func TestOpenInitializesFreshDocument(testContext *testing.T) {
	path := newDocumentPath(testContext)

	handle := mustOpen(testContext, path)
	defer mustClose(testContext, handle)

	var info document.DocumentInfo
	if err := handle.DB().Where("id = ?", 1).Take(&info).Error; err != nil {
		testContext.Fatalf("document_info row missing: %v", err)
	}
	if info.FormatVersion != CurrentFormatVersion {
		testContext.Fatalf("fresh file should be version %d, got %d", CurrentFormatVersion, info.FormatVersion)
	}
	if _, err := uuid.Parse(info.DocumentGUID); err != nil {
		testContext.Fatalf("document guid is not a uuid: %q", info.DocumentGUID)
	}
	if info.AppliedEditID != 0 {
		testContext.Fatalf("fresh file should start with cursor 0, got %d", info.AppliedEditID)
	}
	if info.CreatedAtNanos == 0 {
		testContext.Fatalf("creation timestamp missing")
	}
}

func TestOpenRefusesSecondHandle(testContext *testing.T) {
	path := newDocumentPath(testContext)

	first := mustOpen(testContext, path)

	_, err := Open(path, zap.NewNop())
	if !errors.Is(err, ErrAlreadyOpen) {
		testContext.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}

	mustClose(testContext, first)

	// Closing releases the lock for the next opener.
	second := mustOpen(testContext, path)
	mustClose(testContext, second)
}

func TestCloseRemovesLockfile(testContext *testing.T) {
	path := newDocumentPath(testContext)

	handle := mustOpen(testContext, path)
	lockPath := path + ".lock"
	if _, err := os.Stat(lockPath); err != nil {
		testContext.Fatalf("lockfile should exist while open: %v", err)
	}

	mustClose(testContext, handle)
	if _, err := os.Stat(lockPath); !errors.Is(err, os.ErrNotExist) {
		testContext.Fatalf("lockfile should be removed on close, stat: %v", err)
	}
}

func TestOpenRefusesForeignDatabase(testContext *testing.T) {
	path := newDocumentPath(testContext)

	foreign, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to create foreign database: %v", err)
	}
	if err := foreign.Exec("CREATE TABLE sticky_notes (id INTEGER PRIMARY KEY, body TEXT)").Error; err != nil {
		testContext.Fatalf("failed to create foreign table: %v", err)
	}
	if sqlDB, err := foreign.DB(); err == nil {
		_ = sqlDB.Close()
	}

	_, err = Open(path, zap.NewNop())
	if !errors.Is(err, ErrNotAnimationDocument) {
		testContext.Fatalf("expected ErrNotAnimationDocument, got %v", err)
	}

	// The refused open must not leave its lock behind.
	if _, err := os.Stat(path + ".lock"); !errors.Is(err, os.ErrNotExist) {
		testContext.Fatalf("failed open should release the lock, stat: %v", err)
	}
}

func TestOpenRefusesFutureVersionUntouched(testContext *testing.T) {
	path := newDocumentPath(testContext)

	handle := mustOpen(testContext, path)
	mustClose(testContext, handle)

	raw, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to reopen raw: %v", err)
	}
	err = raw.Exec("UPDATE document_info SET format_version = ?", CurrentFormatVersion+1).Error
	if err != nil {
		testContext.Fatalf("failed to bump version: %v", err)
	}
	if sqlDB, err := raw.DB(); err == nil {
		_ = sqlDB.Close()
	}

	before, err := os.ReadFile(path)
	if err != nil {
		testContext.Fatalf("failed to snapshot file: %v", err)
	}

	_, err = Open(path, zap.NewNop())
	if !errors.Is(err, ErrUnsupportedVersion) {
		testContext.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		testContext.Fatalf("failed to re-read file: %v", err)
	}
	if !bytes.Equal(before, after) {
		testContext.Fatalf("refused open modified the file: %d vs %d bytes", len(before), len(after))
	}
}

func TestOpenRequiresPath(testContext *testing.T) {
	if _, err := Open("", zap.NewNop()); err == nil {
		testContext.Fatalf("empty path should be refused")
	}
}

func TestOpenedDocumentAcceptsEdits(testContext *testing.T) {
	path := newDocumentPath(testContext)

	handle := mustOpen(testContext, path)
	defer mustClose(testContext, handle)

	service := document.NewService(document.ServiceConfig{Database: handle.DB()})
	layer, err := document.NewLayerGUID("aaaa4444-0000-0000-0000-000000000001")
	if err != nil {
		testContext.Fatalf("bad layer guid: %v", err)
	}

	receipt, err := service.SubmitEdit(context.Background(), document.NewAddLayerEdit(layer, nil))
	if err != nil {
		testContext.Fatalf("edit submission failed: %v", err)
	}
	if !receipt.Applied() || receipt.EditID() != 1 {
		testContext.Fatalf("unexpected receipt: id %d applied %v", receipt.EditID(), receipt.Applied())
	}
}
