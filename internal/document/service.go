package document

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"lukechampine.com/blake3"
)

const (
	opSubmitEdit = "document.submit_edit"
	opEditRange  = "document.edit_range"
	opReplayAll  = "document.replay_all"
	opRecover    = "document.recover"
	opRebuild    = "document.rebuild"

	reasonMissingDatabase = "missing_database"
	reasonInvalidEdit     = "invalid_edit"
	reasonEncodeFailed    = "encode_failed"
	reasonDecodeFailed    = "decode_failed"
	reasonAppendFailed    = "append_failed"
	reasonApplyFailed     = "apply_failed"
	reasonReplayFailed    = "replay_failed"
	reasonQueryFailed     = "query_failed"
	reasonCorruptPayload  = "corrupt_payload"

	savepointApply = "sp_apply"

	replayBatchSize = 256
)

// ServiceConfig wires the dependencies for a document Service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Clock    func() time.Time
}

func (config ServiceConfig) withDefaults() ServiceConfig {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return config
}

// Service owns a single animation document: every mutation goes through the
// edit log under one writer lock, and every read sees a committed cache.
type Service struct {
	mu     sync.RWMutex
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
}

// NewService builds a document Service from its configuration.
func NewService(config ServiceConfig) *Service {
	config = config.withDefaults()

	return &Service{
		db:     config.Database,
		logger: config.Logger,
		clock:  config.Clock,
	}
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("reason", reason), zap.Error(err))
	service.logger.Error(operation, fields...)
}

// EditReceipt reports the outcome of a submitted edit. Rejected edits still
// receive an edit id: they are part of the document history even though they
// changed nothing.
type EditReceipt struct {
	editID       int64
	applied      bool
	rejectReason string
}

// EditID returns the log position assigned to the edit.
func (receipt EditReceipt) EditID() int64 {
	return receipt.editID
}

// Applied reports whether the edit mutated the document cache.
func (receipt EditReceipt) Applied() bool {
	return receipt.applied
}

// RejectReason returns the rejection code for edits that were logged but not
// applied, or the empty string.
func (receipt EditReceipt) RejectReason() string {
	return receipt.rejectReason
}

// SubmitEdit validates an edit, appends it to the log and applies it to the
// cache in one transaction. Model-rule violations reject the edit: the log
// entry and a rejection record are committed, the cache stays untouched, and
// the rejection is returned as an error alongside the receipt.
func (service *Service) SubmitEdit(ctx context.Context, edit Edit) (EditReceipt, error) {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opSubmitEdit, reasonMissingDatabase, err)
		return EditReceipt{}, newDocumentError(opSubmitEdit, reasonMissingDatabase, err)
	}

	if err := edit.Validate(); err != nil {
		service.logError(opSubmitEdit, reasonInvalidEdit, err, zap.String("kind", string(edit.Kind)))
		return EditReceipt{}, newDocumentError(opSubmitEdit, reasonInvalidEdit, err)
	}

	payload, err := json.Marshal(edit)
	if err != nil {
		service.logError(opSubmitEdit, reasonEncodeFailed, err, zap.String("kind", string(edit.Kind)))
		return EditReceipt{}, newDocumentError(opSubmitEdit, reasonEncodeFailed, err)
	}

	service.mu.Lock()
	defer service.mu.Unlock()

	var (
		receipt   EditReceipt
		rejection error
	)

	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		editID, err := nextIdentifier(tx, "edit_log", "edit_id")
		if err != nil {
			return fmt.Errorf("allocate edit id: %w", err)
		}

		entry := EditLogEntry{
			EditID:           editID,
			Kind:             string(edit.Kind),
			Payload:          payload,
			Checksum:         editChecksum(payload),
			CommittedAtNanos: service.clock().UTC().UnixNano(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("%w: append entry %d: %v", ErrWriteFailed, editID, err)
		}

		applied, reason, err := applyLoggedEdit(tx, entry, edit)
		if err != nil {
			return err
		}
		if !applied {
			rejection = reason
		}

		if err := advanceAppliedEdit(tx, editID); err != nil {
			return err
		}

		receipt = EditReceipt{
			editID:  editID,
			applied: applied,
		}
		if !applied {
			receipt.rejectReason = rejectionReason(reason)
		}
		return nil
	})
	if txErr != nil {
		service.logError(opSubmitEdit, reasonApplyFailed, txErr, zap.String("kind", string(edit.Kind)))
		return EditReceipt{}, newDocumentError(opSubmitEdit, reasonApplyFailed, txErr)
	}

	if rejection != nil {
		service.logger.Warn(opSubmitEdit,
			zap.String("reason", receipt.rejectReason),
			zap.Int64("editId", receipt.editID),
			zap.String("kind", string(edit.Kind)),
			zap.Error(rejection))
		return receipt, newDocumentError(opSubmitEdit, receipt.rejectReason, rejection)
	}

	return receipt, nil
}

// applyLoggedEdit applies one committed log entry inside tx. Rejections roll
// the cache back to the pre-apply savepoint and record an EditRejection row;
// the returned reason is nil only when the edit was applied.
func applyLoggedEdit(tx *gorm.DB, entry EditLogEntry, edit Edit) (applied bool, reason error, err error) {
	if err := tx.SavePoint(savepointApply).Error; err != nil {
		return false, nil, fmt.Errorf("savepoint: %w", err)
	}

	applyErr := applyEdit(tx, edit)
	if applyErr == nil {
		if err := tx.Exec("RELEASE SAVEPOINT " + savepointApply).Error; err != nil {
			return false, nil, fmt.Errorf("release savepoint: %w", err)
		}
		return true, nil, nil
	}
	if !isApplyRejection(applyErr) {
		return false, nil, fmt.Errorf("apply edit %d: %w", entry.EditID, applyErr)
	}

	if err := tx.RollbackTo(savepointApply).Error; err != nil {
		return false, nil, fmt.Errorf("rollback to savepoint: %w", err)
	}
	if err := tx.Exec("RELEASE SAVEPOINT " + savepointApply).Error; err != nil {
		return false, nil, fmt.Errorf("release savepoint: %w", err)
	}

	// The rejection timestamp repeats the entry's commit time so that a log
	// replay reproduces the row exactly.
	record := EditRejection{
		EditID:          entry.EditID,
		Reason:          rejectionReason(applyErr),
		Detail:          applyErr.Error(),
		RejectedAtNanos: entry.CommittedAtNanos,
	}
	if err := tx.Create(&record).Error; err != nil {
		return false, nil, fmt.Errorf("%w: record rejection %d: %v", ErrWriteFailed, entry.EditID, err)
	}

	return false, applyErr, nil
}

func advanceAppliedEdit(tx *gorm.DB, editID int64) error {
	result := tx.Model(&DocumentInfo{}).
		Where("id = ?", documentInfoRowID).
		Update("applied_edit_id", editID)
	if result.Error != nil {
		return fmt.Errorf("advance applied edit id: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("advance applied edit id: document info row missing")
	}
	return nil
}

func nextIdentifier(tx *gorm.DB, table, column string) (int64, error) {
	var current int64
	query := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", column, table)
	if err := tx.Raw(query).Scan(&current).Error; err != nil {
		return 0, err
	}
	return current + 1, nil
}

func editChecksum(payload []byte) []byte {
	sum := blake3.Sum256(payload)
	return sum[:]
}

func verifyEntryChecksum(entry EditLogEntry) error {
	sum := blake3.Sum256(entry.Payload)
	if len(entry.Checksum) != len(sum) {
		return fmt.Errorf("%w: entry %d checksum length %d", ErrCorruptPayload, entry.EditID, len(entry.Checksum))
	}
	for index := range sum {
		if entry.Checksum[index] != sum[index] {
			return fmt.Errorf("%w: entry %d", ErrCorruptPayload, entry.EditID)
		}
	}
	return nil
}

// RecoveryReport summarises a crash-recovery replay.
type RecoveryReport struct {
	// Resumed is the edit id the cache had fully processed before recovery.
	Resumed int64
	// Reapplied counts the log entries applied during recovery.
	Reapplied int
	// Rejected counts the log entries rejected during recovery.
	Rejected int
}

// Recover replays any log entries past the cache's applied-edit cursor. A
// clean document replays nothing; a document whose last run appended log
// entries without finishing the cache update catches the cache up.
func (service *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opRecover, reasonMissingDatabase, err)
		return RecoveryReport{}, newDocumentError(opRecover, reasonMissingDatabase, err)
	}

	service.mu.Lock()
	defer service.mu.Unlock()

	var report RecoveryReport
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var info DocumentInfo
		if err := tx.Where("id = ?", documentInfoRowID).Take(&info).Error; err != nil {
			return fmt.Errorf("read document info: %w", err)
		}
		report.Resumed = info.AppliedEditID

		replayed, rejected, err := replayEntries(tx, info.AppliedEditID)
		if err != nil {
			return err
		}
		report.Reapplied = replayed
		report.Rejected = rejected
		return nil
	})
	if txErr != nil {
		service.logError(opRecover, reasonReplayFailed, txErr)
		return RecoveryReport{}, newDocumentError(opRecover, reasonReplayFailed, txErr)
	}

	if report.Reapplied > 0 || report.Rejected > 0 {
		service.logger.Info(opRecover,
			zap.Int64("resumedAfter", report.Resumed),
			zap.Int("reapplied", report.Reapplied),
			zap.Int("rejected", report.Rejected))
	}
	return report, nil
}

// RebuildReport summarises a full cache rebuild.
type RebuildReport struct {
	Replayed int
	Rejected int
}

// Rebuild discards every derived table and replays the whole edit log. The
// log is the source of truth: the rebuilt cache is identical to the one the
// original submissions produced.
func (service *Service) Rebuild(ctx context.Context) (RebuildReport, error) {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opRebuild, reasonMissingDatabase, err)
		return RebuildReport{}, newDocumentError(opRebuild, reasonMissingDatabase, err)
	}

	service.mu.Lock()
	defer service.mu.Unlock()

	var report RebuildReport
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range CacheModels() {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return fmt.Errorf("clear cache table: %w", err)
			}
		}
		if err := tx.Model(&DocumentInfo{}).
			Where("id = ?", documentInfoRowID).
			Update("applied_edit_id", 0).Error; err != nil {
			return fmt.Errorf("reset applied edit id: %w", err)
		}

		replayed, rejected, err := replayEntries(tx, 0)
		if err != nil {
			return err
		}
		report.Replayed = replayed
		report.Rejected = rejected
		return nil
	})
	if txErr != nil {
		service.logError(opRebuild, reasonReplayFailed, txErr)
		return RebuildReport{}, newDocumentError(opRebuild, reasonReplayFailed, txErr)
	}

	service.logger.Info(opRebuild,
		zap.Int("replayed", report.Replayed),
		zap.Int("rejected", report.Rejected))
	return report, nil
}

// replayEntries applies every log entry after fromEditID in order, verifying
// checksums and recording rejections exactly as the original submissions did.
func replayEntries(tx *gorm.DB, fromEditID int64) (replayed, rejected int, err error) {
	cursor := fromEditID
	for {
		var batch []EditLogEntry
		err := tx.Where("edit_id > ?", cursor).
			Order("edit_id ASC").
			Limit(replayBatchSize).
			Find(&batch).Error
		if err != nil {
			return replayed, rejected, fmt.Errorf("read log batch after %d: %w", cursor, err)
		}
		if len(batch) == 0 {
			return replayed, rejected, nil
		}

		for _, entry := range batch {
			if err := verifyEntryChecksum(entry); err != nil {
				return replayed, rejected, err
			}

			var edit Edit
			if err := json.Unmarshal(entry.Payload, &edit); err != nil {
				return replayed, rejected, fmt.Errorf("%w: entry %d: %v", ErrCorruptPayload, entry.EditID, err)
			}

			applied, _, err := applyLoggedEdit(tx, entry, edit)
			if err != nil {
				return replayed, rejected, err
			}
			if applied {
				replayed++
			} else {
				rejected++
			}

			if err := advanceAppliedEdit(tx, entry.EditID); err != nil {
				return replayed, rejected, err
			}
		}

		cursor = batch[len(batch)-1].EditID
	}
}
