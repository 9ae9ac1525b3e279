// Package conflict merges server-state refreshes into the local cache
// without clobbering unsynced local edits.
package conflict

import (
	"github.com/toole-brendan/handreceipt-sync/internal/logging"
	"github.com/toole-brendan/handreceipt-sync/internal/models"
	"github.com/toole-brendan/handreceipt-sync/internal/sync/payload"
)

// Resolver applies the field-group merge policy: a clean record takes the
// server representation wholesale, while a dirty record only absorbs server
// values for fields not covered by an unresolved mutation.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// MergeProperty merges a server property representation into the cached one.
// local may be nil (record not cached yet). lockedFields names the fields
// held by unresolved mutations; syncedAt records when the server state was
// observed. The returned record is what the cache should persist.
func (r *Resolver) MergeProperty(local, remote *models.CachedProperty, lockedFields map[string]bool, syncedAt int64) *models.CachedProperty {
	if local == nil || !local.IsDirty || len(lockedFields) == 0 {
		// No unresolved mutation holds any field. A dirty flag without a
		// backing mutation means the queued edit was discarded; the refresh
		// returns the record to server state.
		merged := remote.Clone()
		merged.IsDirty = false
		merged.LastSyncedAt = &syncedAt
		return merged
	}

	// Dirty record: absorb server values only where no local edit is pending.
	// The record stays dirty and keeps its sync timestamp until the queue
	// processor confirms the edits.
	merged := local.Clone()
	skipped := make([]string, 0, len(lockedFields))

	for _, field := range []string{
		payload.FieldName, payload.FieldSerialNumber, payload.FieldDescription,
		payload.FieldNSN, payload.FieldLIN, payload.FieldLocation,
		payload.FieldCurrentHolderID, payload.FieldPhotoURL,
	} {
		if lockedFields[field] {
			skipped = append(skipped, field)
			continue
		}
		copyPropertyField(merged, remote, field)
	}
	merged.UpdatedAt = maxInt64(local.UpdatedAt, remote.UpdatedAt)

	if len(skipped) > 0 {
		logging.Info("Merged server refresh around pending edits", map[string]interface{}{
			"property_id":    local.ID,
			"skipped_fields": skipped,
		})
	}
	return merged
}

// MergeTransfer merges a server transfer representation into the cached one,
// with the same dirty-record policy as MergeProperty.
func (r *Resolver) MergeTransfer(local, remote *models.CachedTransfer, lockedFields map[string]bool, syncedAt int64) *models.CachedTransfer {
	if local == nil || !local.IsDirty || len(lockedFields) == 0 {
		merged := remote.Clone()
		merged.IsDirty = false
		merged.LastSyncedAt = &syncedAt
		return merged
	}

	merged := local.Clone()
	if !lockedFields[payload.FieldTransferStatus] {
		merged.Status = remote.Status
	}
	if !lockedFields[payload.FieldTransferNotes] {
		merged.Notes = cloneStringPtr(remote.Notes)
	}
	if !lockedFields[payload.FieldTransferResolvedAt] {
		merged.ResolvedAt = cloneInt64Ptr(remote.ResolvedAt)
	}

	if len(lockedFields) > 0 {
		logging.Info("Merged transfer refresh around pending resolution", map[string]interface{}{
			"transfer_id": local.ID,
		})
	}
	return merged
}

// copyPropertyField copies one named field from src into dst.
func copyPropertyField(dst, src *models.CachedProperty, field string) {
	switch field {
	case payload.FieldName:
		dst.Name = src.Name
	case payload.FieldSerialNumber:
		dst.SerialNumber = src.SerialNumber
	case payload.FieldDescription:
		dst.Description = cloneStringPtr(src.Description)
	case payload.FieldNSN:
		dst.NSN = cloneStringPtr(src.NSN)
	case payload.FieldLIN:
		dst.LIN = cloneStringPtr(src.LIN)
	case payload.FieldLocation:
		dst.Location = cloneStringPtr(src.Location)
	case payload.FieldCurrentHolderID:
		dst.CurrentHolderID = src.CurrentHolderID
	case payload.FieldPhotoURL:
		dst.PhotoURL = cloneStringPtr(src.PhotoURL)
	}
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt64Ptr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
