// Package models provides data model definitions for the HandReceipt sync core.
package models

import "time"

// CachedProperty is the local mirror of a server-side property record.
// Local edits set IsDirty; a successful sync clears it and records
// LastSyncedAt. LastSyncedAt == nil means the record was never synced.
type CachedProperty struct {
	ID              int64   `db:"id" json:"id"`
	Name            string  `db:"name" json:"name"`
	SerialNumber    string  `db:"serial_number" json:"serial_number"`
	Description     *string `db:"description" json:"description,omitempty"`
	NSN             *string `db:"nsn" json:"nsn,omitempty"`
	LIN             *string `db:"lin" json:"lin,omitempty"`
	Location        *string `db:"location" json:"location,omitempty"`
	CurrentHolderID int64   `db:"current_holder_id" json:"current_holder_id"`
	PhotoURL        *string `db:"photo_url" json:"photo_url,omitempty"`
	CreatedAt       int64   `db:"created_at" json:"created_at"`
	UpdatedAt       int64   `db:"updated_at" json:"updated_at"`
	LastSyncedAt    *int64  `db:"last_synced_at" json:"last_synced_at,omitempty"`
	IsDirty         bool    `db:"is_dirty" json:"is_dirty"`
}

// TableName returns the table name for CachedProperty.
func (CachedProperty) TableName() string {
	return "cached_properties"
}

// Synced reports whether the record has ever been confirmed by the server.
func (p *CachedProperty) Synced() bool {
	return p.LastSyncedAt != nil
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (p *CachedProperty) UpdatedAtTime() time.Time {
	return time.Unix(p.UpdatedAt, 0)
}

// Clone returns a deep copy of the record.
func (p *CachedProperty) Clone() *CachedProperty {
	c := *p
	c.Description = clonePtr(p.Description)
	c.NSN = clonePtr(p.NSN)
	c.LIN = clonePtr(p.LIN)
	c.Location = clonePtr(p.Location)
	c.PhotoURL = clonePtr(p.PhotoURL)
	c.LastSyncedAt = clonePtr(p.LastSyncedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
