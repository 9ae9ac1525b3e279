// Package models provides data model definitions for the HandReceipt sync core.
package models

// PendingPhotoUpload is a durable description of a queued binary upload.
// The content hash is computed once at enqueue time and used both for
// idempotent re-upload detection and for integrity verification after the
// upload completes.
type PendingPhotoUpload struct {
	Seq           int64       `db:"seq" json:"seq"`
	ID            string      `db:"id" json:"id"`
	PropertyID    *int64      `db:"property_id" json:"property_id,omitempty"`
	LocalPath     string      `db:"local_path" json:"local_path"`
	ContentHash   string      `db:"content_hash" json:"content_hash"`
	RetryCount    int         `db:"retry_count" json:"retry_count"`
	NextRetryAt   int64       `db:"next_retry_at" json:"next_retry_at"`
	Status        QueueStatus `db:"status" json:"status"`
	LastError     *string     `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     int64       `db:"created_at" json:"created_at"`
	LastAttemptAt *int64      `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
}

// TableName returns the table name for PendingPhotoUpload.
func (PendingPhotoUpload) TableName() string {
	return "pending_photo_uploads"
}
