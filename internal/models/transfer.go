// Package models provides data model definitions for the HandReceipt sync core.
package models

import "time"

// TransferStatus represents the state of a transfer request.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusApproved  TransferStatus = "approved"
	TransferStatusRejected  TransferStatus = "rejected"
	TransferStatusCompleted TransferStatus = "completed"
)

// Valid reports whether the status is one of the known transfer states.
func (s TransferStatus) Valid() bool {
	switch s {
	case TransferStatusPending, TransferStatusApproved, TransferStatusRejected, TransferStatusCompleted:
		return true
	}
	return false
}

// CachedTransfer is the local mirror of a transfer request/approval record.
// ResolvedAt is set only when the status leaves "pending". Dirty transfers
// are re-submitted for server reconciliation before being considered
// authoritative.
type CachedTransfer struct {
	ID           int64          `db:"id" json:"id"`
	PropertyID   int64          `db:"property_id" json:"property_id"`
	FromUserID   int64          `db:"from_user_id" json:"from_user_id"`
	ToUserID     int64          `db:"to_user_id" json:"to_user_id"`
	Status       TransferStatus `db:"status" json:"status"`
	Notes        *string        `db:"notes" json:"notes,omitempty"`
	RequestedAt  int64          `db:"requested_at" json:"requested_at"`
	ResolvedAt   *int64         `db:"resolved_at" json:"resolved_at,omitempty"`
	LastSyncedAt *int64         `db:"last_synced_at" json:"last_synced_at,omitempty"`
	IsDirty      bool           `db:"is_dirty" json:"is_dirty"`
}

// TableName returns the table name for CachedTransfer.
func (CachedTransfer) TableName() string {
	return "cached_transfers"
}

// Resolved reports whether the transfer has left the pending state.
func (t *CachedTransfer) Resolved() bool {
	return t.Status != TransferStatusPending
}

// RequestedAtTime returns the RequestedAt as time.Time.
func (t *CachedTransfer) RequestedAtTime() time.Time {
	return time.Unix(t.RequestedAt, 0)
}

// Clone returns a deep copy of the record.
func (t *CachedTransfer) Clone() *CachedTransfer {
	c := *t
	c.Notes = clonePtr(t.Notes)
	c.ResolvedAt = clonePtr(t.ResolvedAt)
	c.LastSyncedAt = clonePtr(t.LastSyncedAt)
	return &c
}
