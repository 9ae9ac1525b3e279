// Package models provides data model definitions for the HandReceipt sync core.
package models

import (
	"encoding/json"
	"time"
)

// OperationType identifies the kind of remote write a queue item performs.
type OperationType string

const (
	OperationCreate          OperationType = "CREATE"
	OperationUpdate          OperationType = "UPDATE"
	OperationDelete          OperationType = "DELETE"
	OperationTransferRequest OperationType = "TRANSFER_REQUEST"
	OperationTransferApprove OperationType = "TRANSFER_APPROVE"
	OperationTransferReject  OperationType = "TRANSFER_REJECT"
)

// EntityType identifies the cached entity a queue item targets.
type EntityType string

const (
	EntityProperty EntityType = "PROPERTY"
	EntityTransfer EntityType = "TRANSFER"
)

// QueueStatus represents the lifecycle state of a queued operation.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "PENDING"
	QueueStatusInProgress QueueStatus = "IN_PROGRESS"
	QueueStatusFailed     QueueStatus = "FAILED"
	QueueStatusCompleted  QueueStatus = "COMPLETED"
)

// SyncQueueItem is a durable description of one pending write operation.
// Items transition PENDING -> IN_PROGRESS -> {COMPLETED | FAILED}; a FAILED
// item may be re-queued with an incremented retry count up to the processor's
// cap. Seq is assigned by the store and orders items FIFO.
type SyncQueueItem struct {
	Seq           int64           `db:"seq" json:"seq"`
	ID            string          `db:"id" json:"id"`
	Operation     OperationType   `db:"operation" json:"operation"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type"`
	EntityID      *int64          `db:"entity_id" json:"entity_id,omitempty"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	NextRetryAt   int64           `db:"next_retry_at" json:"next_retry_at"`
	Status        QueueStatus     `db:"status" json:"status"`
	LastError     *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	LastAttemptAt *int64          `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (i *SyncQueueItem) CreatedAtTime() time.Time {
	return time.Unix(i.CreatedAt, 0)
}

// Terminal reports whether the item has reached a final state.
func (i *SyncQueueItem) Terminal() bool {
	return i.Status == QueueStatusCompleted || i.Status == QueueStatusFailed
}

// QueueStats summarizes the state of the mutation and photo-upload queues.
type QueueStats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
}
