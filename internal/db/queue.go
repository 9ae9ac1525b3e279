// Package db provides the durable mutation and photo-upload queues.
package db

import (
	"database/sql"
	stderrors "errors"

	"github.com/google/uuid"

	apperrors "github.com/toole-brendan/handreceipt-sync/internal/errors"
	"github.com/toole-brendan/handreceipt-sync/internal/logging"
	"github.com/toole-brendan/handreceipt-sync/internal/models"
)

// activeStatuses are the queue states that count against the depth bound.
const activeStatuses = "('PENDING', 'IN_PROGRESS', 'FAILED')"

// =====================================================
// Mutation Queue Operations
// =====================================================

// EnqueueMutation appends a SyncQueueItem with a generated identifier and
// PENDING status. The write is durable before the call returns. Enqueues
// beyond the depth bound fail with QUEUE_FULL.
func (s *Store) EnqueueMutation(item *models.SyncQueueItem) error {
	var depth int
	if err := s.db.Get(&depth, "SELECT COUNT(*) FROM sync_queue WHERE status IN "+activeStatuses); err != nil {
		return err
	}
	if depth >= s.maxQueueDepth {
		return apperrors.Newf(apperrors.ErrQueueFull, "mutation queue is full (max depth %d)", s.maxQueueDepth)
	}

	now := nowUnix()
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.Status = models.QueueStatusPending
	item.RetryCount = 0
	item.CreatedAt = now
	item.NextRetryAt = now

	res, err := s.db.NamedExec(`
	INSERT INTO sync_queue (id, operation, entity_type, entity_id, payload,
		retry_count, next_retry_at, status, last_error, created_at, last_attempt_at)
	VALUES (:id, :operation, :entity_type, :entity_id, :payload,
		:retry_count, :next_retry_at, :status, :last_error, :created_at, :last_attempt_at)
	`, item)
	if err != nil {
		return err
	}
	item.Seq, _ = res.LastInsertId()

	logging.Debug("Enqueued mutation", map[string]interface{}{
		"item_id":   item.ID,
		"operation": item.Operation,
		"entity":    item.EntityType,
	})
	return nil
}

// NextPendingMutations returns up to limit due queue items in FIFO order.
// The selection enforces the concurrency invariants in SQL:
//   - an entity id with an IN_PROGRESS item is skipped entirely, and
//   - only the oldest pending item per entity id is eligible,
//
// so a batch never contains two mutations for the same entity.
func (s *Store) NextPendingMutations(limit int, now int64) ([]*models.SyncQueueItem, error) {
	items := []*models.SyncQueueItem{}
	err := s.db.Select(&items, `
	SELECT q.* FROM sync_queue q
	WHERE q.status = 'PENDING'
	  AND q.next_retry_at <= ?
	  AND NOT EXISTS (
		SELECT 1 FROM sync_queue b
		WHERE b.entity_type = q.entity_type
		  AND b.entity_id IS q.entity_id
		  AND b.status = 'IN_PROGRESS'
	  )
	  AND NOT EXISTS (
		SELECT 1 FROM sync_queue e
		WHERE e.entity_type = q.entity_type
		  AND e.entity_id IS q.entity_id
		  AND e.status = 'PENDING'
		  AND e.seq < q.seq
	  )
	ORDER BY q.seq ASC
	LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ClaimMutation transitions an item PENDING -> IN_PROGRESS. Returns false
// when the item was already claimed, completed or cancelled by another
// worker; the single-writer connection makes the check-and-set atomic.
func (s *Store) ClaimMutation(id string, now int64) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE sync_queue SET status = 'IN_PROGRESS', last_attempt_at = ? WHERE id = ? AND status = 'PENDING'",
		now, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteMutation marks an IN_PROGRESS item COMPLETED.
func (s *Store) CompleteMutation(id string) error {
	res, err := s.db.Exec(
		"UPDATE sync_queue SET status = 'COMPLETED', last_error = NULL WHERE id = ? AND status = 'IN_PROGRESS'",
		id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, apperrors.Newf(apperrors.ErrQueueConflict, "queue item %s is not in progress", id))
}

// RescheduleMutation returns an IN_PROGRESS item to PENDING after a
// transient failure, recording the retry count, backoff deadline and error.
func (s *Store) RescheduleMutation(id string, retryCount int, nextRetryAt int64, errMsg string) error {
	res, err := s.db.Exec(`
	UPDATE sync_queue SET status = 'PENDING', retry_count = ?, next_retry_at = ?, last_error = ?
	WHERE id = ? AND status = 'IN_PROGRESS'
	`, retryCount, nextRetryAt, errMsg, id)
	if err != nil {
		return err
	}
	return requireRow(res, apperrors.Newf(apperrors.ErrQueueConflict, "queue item %s is not in progress", id))
}

// FailMutation marks an item FAILED, keeping the error message for
// user-facing diagnostics. Failed items are terminal until the user retries
// or discards them.
func (s *Store) FailMutation(id string, errMsg string) error {
	res, err := s.db.Exec(
		"UPDATE sync_queue SET status = 'FAILED', last_error = ? WHERE id = ? AND status IN ('PENDING', 'IN_PROGRESS')",
		errMsg, id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, apperrors.Newf(apperrors.ErrQueueConflict, "queue item %s is not pending or in progress", id))
}

// RetryFailedMutation resets a FAILED item to PENDING with a fresh retry
// budget. Used when the user explicitly retries a surfaced failure.
func (s *Store) RetryFailedMutation(id string, now int64) error {
	res, err := s.db.Exec(`
	UPDATE sync_queue SET status = 'PENDING', retry_count = 0, next_retry_at = ?, last_error = NULL
	WHERE id = ? AND status = 'FAILED'
	`, now, id)
	if err != nil {
		return err
	}
	return requireRow(res, apperrors.Newf(apperrors.ErrQueueConflict, "queue item %s is not failed", id))
}

// DeleteMutation removes a queued-but-not-dispatched item (cancellation) or
// a terminal item (discard). An IN_PROGRESS item cannot be cancelled
// mid-flight; it always runs to completion or failure.
func (s *Store) DeleteMutation(id string) error {
	res, err := s.db.Exec(
		"DELETE FROM sync_queue WHERE id = ? AND status != 'IN_PROGRESS'", id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, apperrors.Newf(apperrors.ErrQueueConflict, "queue item %s is in progress or does not exist", id))
}

// GetMutation retrieves a queue item by id.
func (s *Store) GetMutation(id string) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	err := s.db.Get(&item, "SELECT * FROM sync_queue WHERE id = ?", id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queue item %s does not exist", id)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListMutations returns queue items in FIFO order, optionally restricted to
// one status ("" lists everything).
func (s *Store) ListMutations(status models.QueueStatus) ([]*models.SyncQueueItem, error) {
	items := []*models.SyncQueueItem{}
	var err error
	if status == "" {
		err = s.db.Select(&items, "SELECT * FROM sync_queue ORDER BY seq ASC")
	} else {
		err = s.db.Select(&items, "SELECT * FROM sync_queue WHERE status = ? ORDER BY seq ASC", string(status))
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListActiveMutations returns the unresolved (PENDING or IN_PROGRESS) items
// targeting one entity, in FIFO order. The merge resolver uses these to
// compute the fields a server refresh must not clobber.
func (s *Store) ListActiveMutations(entity models.EntityType, entityID int64) ([]*models.SyncQueueItem, error) {
	items := []*models.SyncQueueItem{}
	err := s.db.Select(&items, `
	SELECT * FROM sync_queue
	WHERE entity_type = ? AND entity_id = ? AND status IN ('PENDING', 'IN_PROGRESS')
	ORDER BY seq ASC
	`, string(entity), entityID)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// PurgeCompletedMutations garbage-collects COMPLETED items whose last
// activity predates the retention cutoff. Returns the number removed.
func (s *Store) PurgeCompletedMutations(cutoff int64) (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM sync_queue WHERE status = 'COMPLETED' AND COALESCE(last_attempt_at, created_at) <= ?",
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =====================================================
// Photo Upload Queue Operations
// =====================================================

// EnqueuePhotoUpload appends a PendingPhotoUpload with a generated
// identifier and PENDING status, subject to the same depth bound as the
// mutation queue.
func (s *Store) EnqueuePhotoUpload(up *models.PendingPhotoUpload) error {
	var depth int
	if err := s.db.Get(&depth, "SELECT COUNT(*) FROM pending_photo_uploads WHERE status IN "+activeStatuses); err != nil {
		return err
	}
	if depth >= s.maxQueueDepth {
		return apperrors.Newf(apperrors.ErrQueueFull, "photo upload queue is full (max depth %d)", s.maxQueueDepth)
	}

	now := nowUnix()
	if up.ID == "" {
		up.ID = uuid.New().String()
	}
	up.Status = models.QueueStatusPending
	up.RetryCount = 0
	up.CreatedAt = now
	up.NextRetryAt = now

	res, err := s.db.NamedExec(`
	INSERT INTO pending_photo_uploads (id, property_id, local_path, content_hash,
		retry_count, next_retry_at, status, last_error, created_at, last_attempt_at)
	VALUES (:id, :property_id, :local_path, :content_hash,
		:retry_count, :next_retry_at, :status, :last_error, :created_at, :last_attempt_at)
	`, up)
	if err != nil {
		return err
	}
	up.Seq, _ = res.LastInsertId()

	logging.Debug("Enqueued photo upload", map[string]interface{}{
		"upload_id":    up.ID,
		"content_hash": up.ContentHash,
	})
	return nil
}

// NextPendingPhotoUploads returns up to limit due uploads in FIFO order.
// Uploads whose property still carries a placeholder id (negative, assigned
// to offline creates) are held back until the CREATE mutation lands and the
// property is re-keyed.
func (s *Store) NextPendingPhotoUploads(limit int, now int64) ([]*models.PendingPhotoUpload, error) {
	uploads := []*models.PendingPhotoUpload{}
	err := s.db.Select(&uploads, `
	SELECT * FROM pending_photo_uploads
	WHERE status = 'PENDING'
	  AND next_retry_at <= ?
	  AND property_id IS NOT NULL
	  AND property_id > 0
	ORDER BY seq ASC
	LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return uploads, nil
}

// ClaimPhotoUpload transitions an upload PENDING -> IN_PROGRESS.
func (s *Store) ClaimPhotoUpload(id string, now int64) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE pending_photo_uploads SET status = 'IN_PROGRESS', last_attempt_at = ? WHERE id = ? AND status = 'PENDING'",
		now, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompletePhotoUpload marks an IN_PROGRESS upload COMPLETED.
func (s *Store) CompletePhotoUpload(id string) error {
	res, err := s.db.Exec(
		"UPDATE pending_photo_uploads SET status = 'COMPLETED', last_error = NULL WHERE id = ? AND status = 'IN_PROGRESS'",
		id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, apperrors.Newf(apperrors.ErrQueueConflict, "photo upload %s is not in progress", id))
}

// ReschedulePhotoUpload returns an IN_PROGRESS upload to PENDING after a
// transient failure.
func (s *Store) ReschedulePhotoUpload(id string, retryCount int, nextRetryAt int64, errMsg string) error {
	res, err := s.db.Exec(`
	UPDATE pending_photo_uploads SET status = 'PENDING', retry_count = ?, next_retry_at = ?, last_error = ?
	WHERE id = ? AND status = 'IN_PROGRESS'
	`, retryCount, nextRetryAt, errMsg, id)
	if err != nil {
		return err
	}
	return requireRow(res, apperrors.Newf(apperrors.ErrQueueConflict, "photo upload %s is not in progress", id))
}

// FailPhotoUpload marks an upload FAILED with the error message retained.
func (s *Store) FailPhotoUpload(id string, errMsg string) error {
	res, err := s.db.Exec(
		"UPDATE pending_photo_uploads SET status = 'FAILED', last_error = ? WHERE id = ? AND status IN ('PENDING', 'IN_PROGRESS')",
		errMsg, id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, apperrors.Newf(apperrors.ErrQueueConflict, "photo upload %s is not pending or in progress", id))
}

// RetryFailedPhotoUpload resets a FAILED upload to PENDING with a fresh
// retry budget.
func (s *Store) RetryFailedPhotoUpload(id string, now int64) error {
	res, err := s.db.Exec(`
	UPDATE pending_photo_uploads SET status = 'PENDING', retry_count = 0, next_retry_at = ?, last_error = NULL
	WHERE id = ? AND status = 'FAILED'
	`, now, id)
	if err != nil {
		return err
	}
	return requireRow(res, apperrors.Newf(apperrors.ErrQueueConflict, "photo upload %s is not failed", id))
}

// DeletePhotoUpload removes a not-in-flight upload.
func (s *Store) DeletePhotoUpload(id string) error {
	res, err := s.db.Exec(
		"DELETE FROM pending_photo_uploads WHERE id = ? AND status != 'IN_PROGRESS'", id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, apperrors.Newf(apperrors.ErrQueueConflict, "photo upload %s is in progress or does not exist", id))
}

// GetPhotoUpload retrieves an upload by id.
func (s *Store) GetPhotoUpload(id string) (*models.PendingPhotoUpload, error) {
	var up models.PendingPhotoUpload
	err := s.db.Get(&up, "SELECT * FROM pending_photo_uploads WHERE id = ?", id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "photo upload %s does not exist", id)
	}
	if err != nil {
		return nil, err
	}
	return &up, nil
}

// ListPhotoUploads returns uploads in FIFO order, optionally restricted to
// one status ("" lists everything).
func (s *Store) ListPhotoUploads(status models.QueueStatus) ([]*models.PendingPhotoUpload, error) {
	uploads := []*models.PendingPhotoUpload{}
	var err error
	if status == "" {
		err = s.db.Select(&uploads, "SELECT * FROM pending_photo_uploads ORDER BY seq ASC")
	} else {
		err = s.db.Select(&uploads, "SELECT * FROM pending_photo_uploads WHERE status = ? ORDER BY seq ASC", string(status))
	}
	if err != nil {
		return nil, err
	}
	return uploads, nil
}

// PurgeCompletedPhotoUploads garbage-collects COMPLETED uploads past the
// retention cutoff.
func (s *Store) PurgeCompletedPhotoUploads(cutoff int64) (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM pending_photo_uploads WHERE status = 'COMPLETED' AND COALESCE(last_attempt_at, created_at) <= ?",
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =====================================================
// Crash Recovery
// =====================================================

// RecoverInFlight returns IN_PROGRESS items in both queues to PENDING. Run
// once at startup, before any processing: the processor always settles the
// items it claims, so an IN_PROGRESS row at open time can only have survived
// a crash mid-dispatch, and nothing would ever select or claim it again.
// Retry counts are kept; the dispatch is simply re-attempted.
func (s *Store) RecoverInFlight() (int64, error) {
	var recovered int64
	for _, table := range []string{"sync_queue", "pending_photo_uploads"} {
		res, err := s.db.Exec(
			"UPDATE " + table + " SET status = 'PENDING' WHERE status = 'IN_PROGRESS'",
		)
		if err != nil {
			return recovered, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return recovered, err
		}
		recovered += n
	}

	if recovered > 0 {
		logging.Warn("Recovered in-flight queue items from a previous run", map[string]interface{}{
			"count": recovered,
		})
	}
	return recovered, nil
}

// =====================================================
// Queue Statistics
// =====================================================

// QueueStats counts unresolved work across both operational logs.
func (s *Store) QueueStats() (*models.QueueStats, error) {
	stats := &models.QueueStats{}

	for _, table := range []string{"sync_queue", "pending_photo_uploads"} {
		rows, err := s.db.Query(
			"SELECT status, COUNT(*) FROM " + table + " WHERE status IN " + activeStatuses + " GROUP BY status",
		)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				rows.Close()
				return nil, err
			}
			switch models.QueueStatus(status) {
			case models.QueueStatusPending:
				stats.Pending += count
			case models.QueueStatusInProgress:
				stats.InProgress += count
			case models.QueueStatusFailed:
				stats.Failed += count
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	return stats, nil
}
