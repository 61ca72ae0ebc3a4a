package document

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const queryEditRange = `
SELECT e.edit_id,
       e.kind,
       e.payload,
       e.checksum,
       e.committed_at_ns,
       r.reason AS reject_reason
FROM edit_log e
LEFT JOIN edit_rejections r ON r.edit_id = e.edit_id
WHERE e.edit_id >= ? AND e.edit_id < ?
ORDER BY e.edit_id ASC`

const queryEditBatch = `
SELECT e.edit_id,
       e.kind,
       e.payload,
       e.checksum,
       e.committed_at_ns,
       r.reason AS reject_reason
FROM edit_log e
LEFT JOIN edit_rejections r ON r.edit_id = e.edit_id
WHERE e.edit_id > ?
ORDER BY e.edit_id ASC
LIMIT ?`

// LoggedEdit is one entry of the document history: the decoded edit plus the
// outcome it had when it was applied.
type LoggedEdit struct {
	editID       int64
	edit         Edit
	committedAt  time.Time
	applied      bool
	rejectReason string
}

// EditID returns the entry's log position.
func (logged LoggedEdit) EditID() int64 {
	return logged.editID
}

// Edit returns the decoded edit.
func (logged LoggedEdit) Edit() Edit {
	return logged.edit
}

// CommittedAt returns the instant the entry was appended.
func (logged LoggedEdit) CommittedAt() time.Time {
	return logged.committedAt
}

// Applied reports whether the entry mutated the cache when it was processed.
func (logged LoggedEdit) Applied() bool {
	return logged.applied
}

// RejectReason returns the rejection code for entries that were logged but
// not applied, or the empty string.
func (logged LoggedEdit) RejectReason() string {
	return logged.rejectReason
}

type editRangeRow struct {
	EditID        int64
	Kind          string
	Payload       []byte
	Checksum      []byte
	CommittedAtNs int64
	RejectReason  *string
}

// ReadEditRange returns the log entries with ids in [fromEditID, toEditID),
// oldest first. Every payload is checked against its stored checksum before
// it is decoded.
func (service *Service) ReadEditRange(ctx context.Context, fromEditID, toEditID int64) ([]LoggedEdit, error) {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opEditRange, reasonMissingDatabase, err)
		return nil, newDocumentError(opEditRange, reasonMissingDatabase, err)
	}

	service.mu.RLock()
	defer service.mu.RUnlock()

	var rows []editRangeRow
	err := service.db.WithContext(ctx).
		Raw(queryEditRange, fromEditID, toEditID).
		Scan(&rows).Error
	if err != nil {
		service.logError(opEditRange, reasonQueryFailed, err,
			zap.Int64("fromEditId", fromEditID), zap.Int64("toEditId", toEditID))
		return nil, newDocumentError(opEditRange, reasonQueryFailed, err)
	}

	logged := make([]LoggedEdit, 0, len(rows))
	for _, row := range rows {
		item, err := service.decodeLoggedEdit(opEditRange, row)
		if err != nil {
			return nil, err
		}
		logged = append(logged, item)
	}

	return logged, nil
}

// ReplayAll streams the whole edit log to fn, oldest entry first, reading in
// fixed-size batches so long histories never load at once. An error from fn
// stops the walk and is returned unchanged. fn runs under the service's read
// lock and must not call back into the service.
func (service *Service) ReplayAll(ctx context.Context, fn func(LoggedEdit) error) error {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opReplayAll, reasonMissingDatabase, err)
		return newDocumentError(opReplayAll, reasonMissingDatabase, err)
	}

	service.mu.RLock()
	defer service.mu.RUnlock()

	cursor := int64(0)
	for {
		var rows []editRangeRow
		err := service.db.WithContext(ctx).
			Raw(queryEditBatch, cursor, replayBatchSize).
			Scan(&rows).Error
		if err != nil {
			service.logError(opReplayAll, reasonQueryFailed, err, zap.Int64("afterEditId", cursor))
			return newDocumentError(opReplayAll, reasonQueryFailed, err)
		}
		if len(rows) == 0 {
			return nil
		}

		for _, row := range rows {
			logged, err := service.decodeLoggedEdit(opReplayAll, row)
			if err != nil {
				return err
			}
			if err := fn(logged); err != nil {
				return err
			}
		}

		cursor = rows[len(rows)-1].EditID
	}
}

func (service *Service) decodeLoggedEdit(operation string, row editRangeRow) (LoggedEdit, error) {
	entry := EditLogEntry{
		EditID:           row.EditID,
		Kind:             row.Kind,
		Payload:          row.Payload,
		Checksum:         row.Checksum,
		CommittedAtNanos: row.CommittedAtNs,
	}
	if err := verifyEntryChecksum(entry); err != nil {
		service.logError(operation, reasonCorruptPayload, err, zap.Int64("editId", row.EditID))
		return LoggedEdit{}, newDocumentError(operation, reasonCorruptPayload, err)
	}

	var edit Edit
	if err := json.Unmarshal(row.Payload, &edit); err != nil {
		wrapped := fmt.Errorf("%w: entry %d: %v", ErrCorruptPayload, row.EditID, err)
		service.logError(operation, reasonDecodeFailed, wrapped, zap.Int64("editId", row.EditID))
		return LoggedEdit{}, newDocumentError(operation, reasonDecodeFailed, wrapped)
	}

	logged := LoggedEdit{
		editID:      row.EditID,
		edit:        edit,
		committedAt: time.Unix(0, row.CommittedAtNs).UTC(),
		applied:     row.RejectReason == nil,
	}
	if row.RejectReason != nil {
		logged.rejectReason = *row.RejectReason
	}
	return logged, nil
}

// EditCount returns the number of entries in the edit log.
func (service *Service) EditCount(ctx context.Context) (int64, error) {
	if service.db == nil {
		err := fmt.Errorf("document: service has no database")
		service.logError(opEditRange, reasonMissingDatabase, err)
		return 0, newDocumentError(opEditRange, reasonMissingDatabase, err)
	}

	service.mu.RLock()
	defer service.mu.RUnlock()

	var count int64
	err := service.db.WithContext(ctx).Model(&EditLogEntry{}).Count(&count).Error
	if err != nil {
		service.logError(opEditRange, reasonQueryFailed, err)
		return 0, newDocumentError(opEditRange, reasonQueryFailed, err)
	}
	return count, nil
}

func countRows(tx *gorm.DB, model interface{}) (int64, error) {
	var count int64
	err := tx.Model(model).Count(&count).Error
	return count, err
}
