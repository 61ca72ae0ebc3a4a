package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/inkstone-studio/inkstone/storage/internal/property"
)

const (
	opWriteLayerCache  = "document.write_layer_cache"
	opReadLayerCache   = "document.read_layer_cache"
	opDeleteLayerCache = "document.delete_layer_cache"
	opSetViewState     = "document.set_view_state"
	opViewState        = "document.view_state"

	reasonInvalidKey       = "invalid_key"
	reasonCompressFailed   = "compress_failed"
	reasonDecompressFailed = "decompress_failed"

	maxCacheKeyLength = 190
)

// ErrInvalidKey indicates an empty or oversized cache or view-state key.
var ErrInvalidKey = errors.New("document: invalid key")

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > maxCacheKeyLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidKey, len(key), maxCacheKeyLength)
	}
	return nil
}

func compressCacheValue(value []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(value, nil), nil
}

func decompressCacheValue(compressed []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(compressed, nil)
}

// WriteLayerCache stores an opaque cached rendering for a layer time under a
// key, compressed with zstd. Existing entries are replaced. Cache entries are
// derived data: a rebuild drops them.
func (service *Service) WriteLayerCache(ctx context.Context, layerGUID LayerGUID, when FrameTime, key string, value []byte) error {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opWriteLayerCache, reasonMissingDatabase, err)
		return newDocumentError(opWriteLayerCache, reasonMissingDatabase, err)
	}
	if err := validateKey(key); err != nil {
		service.logError(opWriteLayerCache, reasonInvalidKey, err)
		return newDocumentError(opWriteLayerCache, reasonInvalidKey, err)
	}

	service.mu.Lock()
	defer service.mu.Unlock()

	db := service.db.WithContext(ctx)
	layer, err := findLayerByGUID(db, layerGUID)
	if err != nil {
		reason := rejectionReason(err)
		service.logError(opWriteLayerCache, reason, err, zap.String("layerGuid", layerGUID.String()))
		return newDocumentError(opWriteLayerCache, reason, err)
	}

	compressed, err := compressCacheValue(value)
	if err != nil {
		service.logError(opWriteLayerCache, reasonCompressFailed, err, zap.String("cacheKey", key))
		return newDocumentError(opWriteLayerCache, reasonCompressFailed, err)
	}

	entry := LayerCacheEntry{
		LayerID:   layer.LayerID,
		TimeNanos: when.Nanos(),
		CacheKey:  key,
		Value:     compressed,
	}
	err = db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error
	if err != nil {
		service.logError(opWriteLayerCache, reasonQueryFailed, err, zap.String("cacheKey", key))
		return newDocumentError(opWriteLayerCache, reasonQueryFailed, err)
	}
	return nil
}

// ReadLayerCache returns a cached rendering, or found=false when no entry
// exists for the key at that layer time.
func (service *Service) ReadLayerCache(ctx context.Context, layerGUID LayerGUID, when FrameTime, key string) (value []byte, found bool, err error) {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opReadLayerCache, reasonMissingDatabase, err)
		return nil, false, newDocumentError(opReadLayerCache, reasonMissingDatabase, err)
	}
	if err := validateKey(key); err != nil {
		service.logError(opReadLayerCache, reasonInvalidKey, err)
		return nil, false, newDocumentError(opReadLayerCache, reasonInvalidKey, err)
	}

	service.mu.RLock()
	defer service.mu.RUnlock()

	db := service.db.WithContext(ctx)
	layer, err := findLayerByGUID(db, layerGUID)
	if err != nil {
		reason := rejectionReason(err)
		service.logError(opReadLayerCache, reason, err, zap.String("layerGuid", layerGUID.String()))
		return nil, false, newDocumentError(opReadLayerCache, reason, err)
	}

	var entry LayerCacheEntry
	err = db.Where("layer_id = ? AND time_ns = ? AND cache_key = ?", layer.LayerID, when.Nanos(), key).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		service.logError(opReadLayerCache, reasonQueryFailed, err, zap.String("cacheKey", key))
		return nil, false, newDocumentError(opReadLayerCache, reasonQueryFailed, err)
	}

	raw, err := decompressCacheValue(entry.Value)
	if err != nil {
		service.logError(opReadLayerCache, reasonDecompressFailed, err, zap.String("cacheKey", key))
		return nil, false, newDocumentError(opReadLayerCache, reasonDecompressFailed, err)
	}
	return raw, true, nil
}

// DeleteLayerCache drops every cached rendering of a layer. Callers invalidate
// a layer after editing its contents.
func (service *Service) DeleteLayerCache(ctx context.Context, layerGUID LayerGUID) error {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opDeleteLayerCache, reasonMissingDatabase, err)
		return newDocumentError(opDeleteLayerCache, reasonMissingDatabase, err)
	}

	service.mu.Lock()
	defer service.mu.Unlock()

	db := service.db.WithContext(ctx)
	layer, err := findLayerByGUID(db, layerGUID)
	if errors.Is(err, ErrLayerNotFound) {
		return nil
	}
	if err != nil {
		service.logError(opDeleteLayerCache, reasonQueryFailed, err, zap.String("layerGuid", layerGUID.String()))
		return newDocumentError(opDeleteLayerCache, reasonQueryFailed, err)
	}

	err = db.Where(queryLayerScope, layer.LayerID).Delete(&LayerCacheEntry{}).Error
	if err != nil {
		service.logError(opDeleteLayerCache, reasonQueryFailed, err, zap.String("layerGuid", layerGUID.String()))
		return newDocumentError(opDeleteLayerCache, reasonQueryFailed, err)
	}
	return nil
}

// SetViewState persists one editor-state entry. View state is not part of the
// document history: it survives reopening the file but no edit log entry is
// written for it.
func (service *Service) SetViewState(ctx context.Context, key string, value property.ViewValue) error {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opSetViewState, reasonMissingDatabase, err)
		return newDocumentError(opSetViewState, reasonMissingDatabase, err)
	}
	if err := validateKey(key); err != nil {
		service.logError(opSetViewState, reasonInvalidKey, err)
		return newDocumentError(opSetViewState, reasonInvalidKey, err)
	}

	service.mu.Lock()
	defer service.mu.Unlock()

	entry := DocumentViewState{
		StateKey: key,
		Value:    property.EncodeView(value),
	}
	err := service.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&entry).Error
	if err != nil {
		service.logError(opSetViewState, reasonQueryFailed, err, zap.String("stateKey", key))
		return newDocumentError(opSetViewState, reasonQueryFailed, err)
	}
	return nil
}

// ViewState returns one editor-state entry, or found=false when the key has
// never been set.
func (service *Service) ViewState(ctx context.Context, key string) (value property.ViewValue, found bool, err error) {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opViewState, reasonMissingDatabase, err)
		return property.ViewValue{}, false, newDocumentError(opViewState, reasonMissingDatabase, err)
	}
	if err := validateKey(key); err != nil {
		service.logError(opViewState, reasonInvalidKey, err)
		return property.ViewValue{}, false, newDocumentError(opViewState, reasonInvalidKey, err)
	}

	service.mu.RLock()
	defer service.mu.RUnlock()

	var entry DocumentViewState
	err = service.db.WithContext(ctx).
		Where("state_key = ?", key).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return property.ViewValue{}, false, nil
	}
	if err != nil {
		service.logError(opViewState, reasonQueryFailed, err, zap.String("stateKey", key))
		return property.ViewValue{}, false, newDocumentError(opViewState, reasonQueryFailed, err)
	}

	decoded, err := property.DecodeView(entry.Value)
	if err != nil {
		service.logError(opViewState, reasonDecodeFailed, err, zap.String("stateKey", key))
		return property.ViewValue{}, false, newDocumentError(opViewState, reasonDecodeFailed, err)
	}
	return decoded, true, nil
}
