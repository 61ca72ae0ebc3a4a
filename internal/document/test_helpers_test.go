package document

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:inkstone_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	info := DocumentInfo{
		ID:             documentInfoRowID,
		FormatVersion:  5,
		DocumentGUID:   "0be41a33-23cd-4ada-aa70-1506f7a4b339",
		CreatedAtNanos: time.Unix(1700000000, 0).UTC().UnixNano(),
	}
	if err := db.Create(&info).Error; err != nil {
		t.Fatalf("failed to seed document info: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	service := NewService(ServiceConfig{Database: db, Clock: clock})
	return service, db
}

func mustLayerGUID(t *testing.T, value string) LayerGUID {
	t.Helper()
	id, err := NewLayerGUID(value)
	if err != nil {
		t.Fatalf("unexpected layer guid error: %v", err)
	}
	return id
}

func mustShapeGUID(t *testing.T, value string) ShapeGUID {
	t.Helper()
	id, err := NewShapeGUID(value)
	if err != nil {
		t.Fatalf("unexpected shape guid error: %v", err)
	}
	return id
}

func mustBrushGUID(t *testing.T, value string) BrushGUID {
	t.Helper()
	id, err := NewBrushGUID(value)
	if err != nil {
		t.Fatalf("unexpected brush guid error: %v", err)
	}
	return id
}

func mustFrameTime(t *testing.T, nanos int64) FrameTime {
	t.Helper()
	frameTime, err := NewFrameTime(nanos)
	if err != nil {
		t.Fatalf("unexpected frame time error: %v", err)
	}
	return frameTime
}

func mustSubmit(t *testing.T, service *Service, edit Edit) EditReceipt {
	t.Helper()
	receipt, err := service.SubmitEdit(context.Background(), edit)
	if err != nil {
		t.Fatalf("unexpected submit error for %s: %v", edit.Kind, err)
	}
	if !receipt.Applied() {
		t.Fatalf("edit %s unexpectedly rejected: %s", edit.Kind, receipt.RejectReason())
	}
	return receipt
}

func submitRejected(t *testing.T, service *Service, edit Edit, want error) EditReceipt {
	t.Helper()
	receipt, err := service.SubmitEdit(context.Background(), edit)
	if err == nil {
		t.Fatalf("expected %s to be rejected", edit.Kind)
	}
	if !errors.Is(err, want) {
		t.Fatalf("unexpected rejection error for %s: %v", edit.Kind, err)
	}
	if receipt.EditID() == 0 {
		t.Fatalf("rejected edit %s was not logged", edit.Kind)
	}
	if receipt.Applied() {
		t.Fatalf("rejected edit %s reported as applied", edit.Kind)
	}
	return receipt
}

func countTableRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}
