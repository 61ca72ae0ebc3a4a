package document

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/inkstone-studio/inkstone/storage/internal/property"
)

func TestLayerCacheRoundTripsThroughCompression(t *testing.T) {
	service, db := newTestService(t)
	layer := mustLayerGUID(t, "aaaa2222-0000-0000-0000-000000000001")
	mustSubmit(t, service, NewAddLayerEdit(layer, nil))

	payload := bytes.Repeat([]byte("onion skin frame "), 512)
	err := service.WriteLayerCache(context.Background(), layer, mustFrameTime(t, 0), "onion_skin", payload)
	if err != nil {
		t.Fatalf("cache write failed: %v", err)
	}

	value, found, err := service.ReadLayerCache(context.Background(), layer, mustFrameTime(t, 0), "onion_skin")
	if err != nil {
		t.Fatalf("cache read failed: %v", err)
	}
	if !found || !bytes.Equal(value, payload) {
		t.Fatalf("cache round trip lost data: found=%v, %d bytes", found, len(value))
	}

	// Repetitive payloads must actually shrink on disk.
	var entry LayerCacheEntry
	if err := db.Take(&entry).Error; err != nil {
		t.Fatalf("failed to load cache row: %v", err)
	}
	if len(entry.Value) >= len(payload) {
		t.Fatalf("stored value is not compressed: %d >= %d", len(entry.Value), len(payload))
	}
}

func TestLayerCacheOverwritesExistingEntry(t *testing.T) {
	service, _ := newTestService(t)
	layer := mustLayerGUID(t, "aaaa2222-0000-0000-0000-000000000002")
	mustSubmit(t, service, NewAddLayerEdit(layer, nil))

	when := mustFrameTime(t, 100)
	if err := service.WriteLayerCache(context.Background(), layer, when, "thumb", []byte("old")); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := service.WriteLayerCache(context.Background(), layer, when, "thumb", []byte("new")); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	value, found, err := service.ReadLayerCache(context.Background(), layer, when, "thumb")
	if err != nil || !found {
		t.Fatalf("cache read failed: found=%v err=%v", found, err)
	}
	if string(value) != "new" {
		t.Fatalf("entry was not replaced: %q", value)
	}
}

func TestLayerCacheMissingKeyReportsNotFound(t *testing.T) {
	service, _ := newTestService(t)
	layer := mustLayerGUID(t, "aaaa2222-0000-0000-0000-000000000003")
	mustSubmit(t, service, NewAddLayerEdit(layer, nil))

	value, found, err := service.ReadLayerCache(context.Background(), layer, mustFrameTime(t, 0), "never_written")
	if err != nil {
		t.Fatalf("missing key must not error: %v", err)
	}
	if found || value != nil {
		t.Fatalf("expected a miss, got found=%v value=%q", found, value)
	}
}

func TestLayerCacheKeysAreScopedByTime(t *testing.T) {
	service, _ := newTestService(t)
	layer := mustLayerGUID(t, "aaaa2222-0000-0000-0000-000000000004")
	mustSubmit(t, service, NewAddLayerEdit(layer, nil))

	if err := service.WriteLayerCache(context.Background(), layer, mustFrameTime(t, 0), "thumb", []byte("frame0")); err != nil {
		t.Fatalf("cache write failed: %v", err)
	}

	_, found, err := service.ReadLayerCache(context.Background(), layer, mustFrameTime(t, 1000), "thumb")
	if err != nil {
		t.Fatalf("cache read failed: %v", err)
	}
	if found {
		t.Fatalf("entry leaked across layer times")
	}
}

func TestDeleteLayerCacheDropsAllEntriesOfLayer(t *testing.T) {
	service, db := newTestService(t)
	layerOne := mustLayerGUID(t, "aaaa2222-0000-0000-0000-000000000005")
	layerTwo := mustLayerGUID(t, "aaaa2222-0000-0000-0000-000000000006")
	mustSubmit(t, service, NewAddLayerEdit(layerOne, nil))
	mustSubmit(t, service, NewAddLayerEdit(layerTwo, nil))

	for _, nanos := range []int64{0, 100} {
		err := service.WriteLayerCache(context.Background(), layerOne, mustFrameTime(t, nanos), "thumb", []byte("x"))
		if err != nil {
			t.Fatalf("cache write failed: %v", err)
		}
	}
	if err := service.WriteLayerCache(context.Background(), layerTwo, mustFrameTime(t, 0), "thumb", []byte("y")); err != nil {
		t.Fatalf("cache write failed: %v", err)
	}

	if err := service.DeleteLayerCache(context.Background(), layerOne); err != nil {
		t.Fatalf("cache delete failed: %v", err)
	}

	if count := countTableRows(t, db, &LayerCacheEntry{}); count != 1 {
		t.Fatalf("only the other layer's entry should remain, got %d", count)
	}

	// Deleting the cache of an unknown layer is not an error.
	if err := service.DeleteLayerCache(context.Background(), mustLayerGUID(t, "aaaa2222-0000-0000-0000-00000000dead")); err != nil {
		t.Fatalf("deleting an unknown layer's cache must be a no-op: %v", err)
	}
}

func TestLayerCacheRejectsUnknownLayer(t *testing.T) {
	service, _ := newTestService(t)

	err := service.WriteLayerCache(context.Background(),
		mustLayerGUID(t, "aaaa2222-0000-0000-0000-00000000dead"), mustFrameTime(t, 0), "thumb", []byte("x"))
	if !errors.Is(err, ErrLayerNotFound) {
		t.Fatalf("expected ErrLayerNotFound on write, got %v", err)
	}

	_, _, err = service.ReadLayerCache(context.Background(),
		mustLayerGUID(t, "aaaa2222-0000-0000-0000-00000000dead"), mustFrameTime(t, 0), "thumb")
	if !errors.Is(err, ErrLayerNotFound) {
		t.Fatalf("expected ErrLayerNotFound on read, got %v", err)
	}
}

func TestCacheKeysAreValidated(t *testing.T) {
	service, _ := newTestService(t)
	layer := mustLayerGUID(t, "aaaa2222-0000-0000-0000-000000000007")
	mustSubmit(t, service, NewAddLayerEdit(layer, nil))

	err := service.WriteLayerCache(context.Background(), layer, mustFrameTime(t, 0), "", []byte("x"))
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("empty key should be rejected, got %v", err)
	}

	oversized := strings.Repeat("k", maxCacheKeyLength+1)
	err = service.WriteLayerCache(context.Background(), layer, mustFrameTime(t, 0), oversized, []byte("x"))
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("oversized key should be rejected, got %v", err)
	}

	if err := service.SetViewState(context.Background(), "", property.IntViewValue(1)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("empty view-state key should be rejected, got %v", err)
	}
	if _, _, err := service.ViewState(context.Background(), oversized); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("oversized view-state key should be rejected, got %v", err)
	}
}

func TestViewStateRoundTripsAllKinds(t *testing.T) {
	service, _ := newTestService(t)

	entries := map[string]property.ViewValue{
		"timeline_visible": property.BoolViewValue(true),
		"selected_frame":   property.IntViewValue(42),
		"zoom":             property.FloatViewValue(1.75),
		"active_tool":      property.StringViewValue("ink"),
	}
	for key, value := range entries {
		if err := service.SetViewState(context.Background(), key, value); err != nil {
			t.Fatalf("view-state write %q failed: %v", key, err)
		}
	}

	for key, want := range entries {
		got, found, err := service.ViewState(context.Background(), key)
		if err != nil || !found {
			t.Fatalf("view-state read %q failed: found=%v err=%v", key, found, err)
		}
		if !got.Equal(want) {
			t.Fatalf("view-state %q changed across the round trip", key)
		}
	}
}

func TestViewStateOverwriteAndMiss(t *testing.T) {
	service, db := newTestService(t)

	if err := service.SetViewState(context.Background(), "zoom", property.FloatViewValue(1.0)); err != nil {
		t.Fatalf("view-state write failed: %v", err)
	}
	if err := service.SetViewState(context.Background(), "zoom", property.FloatViewValue(2.5)); err != nil {
		t.Fatalf("view-state overwrite failed: %v", err)
	}

	got, found, err := service.ViewState(context.Background(), "zoom")
	if err != nil || !found {
		t.Fatalf("view-state read failed: found=%v err=%v", found, err)
	}
	if got.Float() != 2.5 {
		t.Fatalf("overwrite did not stick: %v", got.Float())
	}
	if count := countTableRows(t, db, &DocumentViewState{}); count != 1 {
		t.Fatalf("overwrite should reuse the row, got %d rows", count)
	}

	_, found, err = service.ViewState(context.Background(), "never_set")
	if err != nil {
		t.Fatalf("missing key must not error: %v", err)
	}
	if found {
		t.Fatalf("expected a miss for an unset key")
	}
}

func TestViewStateSurvivesRebuild(t *testing.T) {
	service, _ := newTestService(t)
	layer := mustLayerGUID(t, "aaaa2222-0000-0000-0000-000000000008")
	mustSubmit(t, service, NewAddLayerEdit(layer, nil))

	if err := service.SetViewState(context.Background(), "active_tool", property.StringViewValue("eraser")); err != nil {
		t.Fatalf("view-state write failed: %v", err)
	}
	if err := service.WriteLayerCache(context.Background(), layer, mustFrameTime(t, 0), "thumb", []byte("x")); err != nil {
		t.Fatalf("cache write failed: %v", err)
	}

	if _, err := service.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	// Derived renderings go, editor state stays.
	_, found, err := service.ReadLayerCache(context.Background(), layer, mustFrameTime(t, 0), "thumb")
	if err != nil {
		t.Fatalf("cache read failed: %v", err)
	}
	if found {
		t.Fatalf("layer cache should be dropped by a rebuild")
	}

	got, found, err := service.ViewState(context.Background(), "active_tool")
	if err != nil || !found {
		t.Fatalf("view state lost in rebuild: found=%v err=%v", found, err)
	}
	if got.Str() != "eraser" {
		t.Fatalf("view state changed in rebuild: %q", got.Str())
	}
}
