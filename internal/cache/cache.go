// Package cache is the offline-first façade the app talks to: reads are
// served from the local store, writes land locally first and are queued for
// the sync processor, and server refreshes merge in around unsynced edits.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/toole-brendan/handreceipt-sync/internal/db"
	apperrors "github.com/toole-brendan/handreceipt-sync/internal/errors"
	"github.com/toole-brendan/handreceipt-sync/internal/logging"
	"github.com/toole-brendan/handreceipt-sync/internal/models"
	"github.com/toole-brendan/handreceipt-sync/internal/sync/conflict"
	"github.com/toole-brendan/handreceipt-sync/internal/sync/payload"
	"github.com/toole-brendan/handreceipt-sync/internal/sync/storage"
)

// Cache coordinates the local store, the photo staging area and the mutation
// queue behind one API. It implements remote.RefreshSink for server-pushed
// refreshes and sync.Notifier for processor writebacks.
type Cache struct {
	store    *db.Store
	photos   *storage.PhotoStore
	resolver *conflict.Resolver
	hub      *observerHub

	userID int64

	// Placeholder ids for offline creates count down from the smallest
	// cached id (or -1), so they never collide with server-assigned ids.
	propertyIDSeq int64
	transferIDSeq int64

	onEnqueue func()
	nowFunc   func() int64
}

// PropertyDraft is the caller-supplied portion of a new property.
type PropertyDraft struct {
	Name         string
	SerialNumber string
	Description  *string
	NSN          *string
	LIN          *string
	Location     *string
}

// New creates a Cache for the given authenticated user, seeding the
// placeholder id counters from whatever survived the last run.
func New(store *db.Store, photos *storage.PhotoStore, userID int64) (*Cache, error) {
	c := &Cache{
		store:    store,
		photos:   photos,
		resolver: conflict.NewResolver(),
		hub:      newObserverHub(),
		userID:   userID,
		nowFunc:  func() int64 { return time.Now().Unix() },
	}

	minProperty, err := store.MinPropertyID()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to seed property id counter", err)
	}
	minTransfer, err := store.MinTransferID()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to seed transfer id counter", err)
	}
	c.propertyIDSeq = minInt64(minProperty, 0)
	c.transferIDSeq = minInt64(minTransfer, 0)

	return c, nil
}

// SetSyncTrigger registers a callback fired after every successful enqueue,
// typically the scheduler's TriggerSync.
func (c *Cache) SetSyncTrigger(fn func()) {
	c.onEnqueue = fn
}

// UserID returns the authenticated user the cache was opened for.
func (c *Cache) UserID() int64 {
	return c.userID
}

// =====================================================
// Reads
// =====================================================

// GetProperty returns one cached property.
func (c *Cache) GetProperty(id int64) (*models.CachedProperty, error) {
	return c.store.GetProperty(id)
}

// ListProperties returns cached properties matching the filters.
func (c *Cache) ListProperties(filters ...db.Filter) ([]*models.CachedProperty, error) {
	return c.store.ListProperties(filters...)
}

// GetTransfer returns one cached transfer.
func (c *Cache) GetTransfer(id int64) (*models.CachedTransfer, error) {
	return c.store.GetTransfer(id)
}

// ListTransfers returns cached transfers matching the filters.
func (c *Cache) ListTransfers(filters ...db.Filter) ([]*models.CachedTransfer, error) {
	return c.store.ListTransfers(filters...)
}

// =====================================================
// Property writes
// =====================================================

// CreateProperty records a new property locally under a placeholder id and
// queues its creation. The returned record carries the placeholder id until
// the queue processor swaps in the server-assigned one.
func (c *Cache) CreateProperty(draft *PropertyDraft) (*models.CachedProperty, error) {
	if draft.Name == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "property name is required")
	}
	if draft.SerialNumber == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "property serial number is required")
	}

	now := c.nowFunc()
	id := atomic.AddInt64(&c.propertyIDSeq, -1)

	p := &models.CachedProperty{
		ID:              id,
		Name:            draft.Name,
		SerialNumber:    draft.SerialNumber,
		Description:     draft.Description,
		NSN:             draft.NSN,
		LIN:             draft.LIN,
		Location:        draft.Location,
		CurrentHolderID: c.userID,
		CreatedAt:       now,
		UpdatedAt:       now,
		IsDirty:         true,
	}
	if err := c.store.ReplaceProperty(p); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to cache new property", err)
	}

	raw, err := payload.EncodePayload(&payload.PropertyCreatePayload{LocalID: id, Property: *p})
	if err != nil {
		c.store.DeleteProperty(id)
		return nil, err
	}
	if err := c.enqueue(&models.SyncQueueItem{
		Operation:  models.OperationCreate,
		EntityType: models.EntityProperty,
		EntityID:   &id,
		Payload:    raw,
	}); err != nil {
		c.store.DeleteProperty(id)
		return nil, err
	}

	c.hub.broadcastProperty(p)
	return p, nil
}

// UpdateProperty applies a partial edit locally and queues it. fields is
// keyed by the payload field constants; unknown keys are rejected before
// anything is written.
func (c *Cache) UpdateProperty(id int64, fields map[string]interface{}) (*models.CachedProperty, error) {
	if len(fields) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "no fields to update")
	}
	for key := range fields {
		if !payload.ValidPropertyField(key) {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown property field %q", key)
		}
	}

	local, err := c.store.GetProperty(id)
	if err != nil {
		return nil, err
	}

	updated := local.Clone()
	if err := payload.ApplyPropertyFields(updated, fields); err != nil {
		return nil, err
	}
	updated.UpdatedAt = c.nowFunc()
	updated.IsDirty = true

	if err := c.store.ReplaceProperty(updated); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to apply property edit", err)
	}

	raw, err := payload.EncodePayload(&payload.PropertyUpdatePayload{PropertyID: id, Fields: fields})
	if err != nil {
		c.store.ReplaceProperty(local)
		return nil, err
	}
	if err := c.enqueue(&models.SyncQueueItem{
		Operation:  models.OperationUpdate,
		EntityType: models.EntityProperty,
		EntityID:   &id,
		Payload:    raw,
	}); err != nil {
		c.store.ReplaceProperty(local)
		return nil, err
	}

	c.hub.broadcastProperty(updated)
	return updated, nil
}

// DeleteProperty removes a property locally and queues the server deletion.
func (c *Cache) DeleteProperty(id int64) error {
	local, err := c.store.GetProperty(id)
	if err != nil {
		return err
	}

	if err := c.store.DeleteProperty(id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove cached property", err)
	}

	raw, err := payload.EncodePayload(&payload.PropertyDeletePayload{PropertyID: id})
	if err != nil {
		c.store.ReplaceProperty(local)
		return err
	}
	if err := c.enqueue(&models.SyncQueueItem{
		Operation:  models.OperationDelete,
		EntityType: models.EntityProperty,
		EntityID:   &id,
		Payload:    raw,
	}); err != nil {
		c.store.ReplaceProperty(local)
		return err
	}

	c.hub.broadcastPropertyDeletion(id)
	return nil
}

// AttachPhoto stages photo bytes for a property and queues the upload. The
// property's photo URL is only set after the server confirms receipt of
// matching bytes.
func (c *Cache) AttachPhoto(propertyID int64, photo []byte) (string, error) {
	if len(photo) == 0 {
		return "", apperrors.New(apperrors.ErrInvalid, "photo is empty")
	}
	if _, err := c.store.GetProperty(propertyID); err != nil {
		return "", err
	}

	hash, path, err := c.photos.Store(photo)
	if err != nil {
		return "", err
	}

	up := &models.PendingPhotoUpload{
		PropertyID:  &propertyID,
		LocalPath:   path,
		ContentHash: hash,
	}
	if err := c.store.EnqueuePhotoUpload(up); err != nil {
		return "", err
	}

	c.triggerSync()
	logging.Debug("Photo staged for upload", map[string]interface{}{
		"property_id":  propertyID,
		"content_hash": hash,
	})
	return up.ID, nil
}

// =====================================================
// Transfer writes
// =====================================================

// RequestTransfer records a transfer request locally under a placeholder id
// and queues it. The requesting user is the current holder side of the
// transfer.
func (c *Cache) RequestTransfer(propertyID, toUserID int64, notes *string) (*models.CachedTransfer, error) {
	if toUserID == c.userID {
		return nil, apperrors.New(apperrors.ErrInvalid, "cannot transfer property to yourself")
	}
	if _, err := c.store.GetProperty(propertyID); err != nil {
		return nil, err
	}

	now := c.nowFunc()
	id := atomic.AddInt64(&c.transferIDSeq, -1)

	t := &models.CachedTransfer{
		ID:          id,
		PropertyID:  propertyID,
		FromUserID:  c.userID,
		ToUserID:    toUserID,
		Status:      models.TransferStatusPending,
		Notes:       notes,
		RequestedAt: now,
		IsDirty:     true,
	}
	if err := c.store.ReplaceTransfer(t); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to cache transfer request", err)
	}

	raw, err := payload.EncodePayload(&payload.TransferRequestPayload{LocalID: id, Transfer: *t})
	if err != nil {
		c.store.DeleteTransfer(id)
		return nil, err
	}
	if err := c.enqueue(&models.SyncQueueItem{
		Operation:  models.OperationTransferRequest,
		EntityType: models.EntityTransfer,
		EntityID:   &id,
		Payload:    raw,
	}); err != nil {
		c.store.DeleteTransfer(id)
		return nil, err
	}

	c.hub.broadcastTransfer(t)
	return t, nil
}

// ApproveTransfer resolves a pending transfer locally as approved and queues
// the approval.
func (c *Cache) ApproveTransfer(id int64, notes string) (*models.CachedTransfer, error) {
	return c.resolveTransfer(id, models.TransferStatusApproved, models.OperationTransferApprove, notes)
}

// RejectTransfer resolves a pending transfer locally as rejected and queues
// the rejection.
func (c *Cache) RejectTransfer(id int64, notes string) (*models.CachedTransfer, error) {
	return c.resolveTransfer(id, models.TransferStatusRejected, models.OperationTransferReject, notes)
}

func (c *Cache) resolveTransfer(id int64, status models.TransferStatus, op models.OperationType, notes string) (*models.CachedTransfer, error) {
	local, err := c.store.GetTransfer(id)
	if err != nil {
		return nil, err
	}
	if local.Resolved() {
		return nil, apperrors.Newf(apperrors.ErrQueueConflict, "transfer %d is already %s", id, local.Status)
	}

	now := c.nowFunc()
	updated := local.Clone()
	updated.Status = status
	updated.ResolvedAt = &now
	if notes != "" {
		updated.Notes = &notes
	}
	updated.IsDirty = true

	if err := c.store.ReplaceTransfer(updated); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to resolve cached transfer", err)
	}

	raw, err := payload.EncodePayload(&payload.TransferActionPayload{TransferID: id, Notes: notes})
	if err != nil {
		c.store.ReplaceTransfer(local)
		return nil, err
	}
	if err := c.enqueue(&models.SyncQueueItem{
		Operation:  op,
		EntityType: models.EntityTransfer,
		EntityID:   &id,
		Payload:    raw,
	}); err != nil {
		c.store.ReplaceTransfer(local)
		return nil, err
	}

	c.hub.broadcastTransfer(updated)
	return updated, nil
}

// =====================================================
// Queue management
// =====================================================

// QueueStatus reports how much queued work remains.
func (c *Cache) QueueStatus() (*models.QueueStats, error) {
	return c.store.QueueStats()
}

// FailedMutations lists mutations that exhausted their retries or failed
// permanently, for surfacing in the app's sync status screen.
func (c *Cache) FailedMutations() ([]*models.SyncQueueItem, error) {
	return c.store.ListMutations(models.QueueStatusFailed)
}

// FailedPhotoUploads lists photo uploads in the FAILED state.
func (c *Cache) FailedPhotoUploads() ([]*models.PendingPhotoUpload, error) {
	return c.store.ListPhotoUploads(models.QueueStatusFailed)
}

// RetryFailedMutation re-queues a FAILED mutation with a fresh retry budget.
func (c *Cache) RetryFailedMutation(id string) error {
	if err := c.store.RetryFailedMutation(id, c.nowFunc()); err != nil {
		return err
	}
	c.triggerSync()
	return nil
}

// RetryFailedPhotoUpload re-queues a FAILED photo upload.
func (c *Cache) RetryFailedPhotoUpload(id string) error {
	if err := c.store.RetryFailedPhotoUpload(id, c.nowFunc()); err != nil {
		return err
	}
	c.triggerSync()
	return nil
}

// DiscardMutation drops a mutation that is not in flight. The local record
// keeps its optimistic value until the next server refresh, which reverts it
// to server state once no queued edit holds its fields.
func (c *Cache) DiscardMutation(id string) error {
	return c.store.DeleteMutation(id)
}

// DiscardPhotoUpload drops a queued photo upload and its staged bytes.
func (c *Cache) DiscardPhotoUpload(id string) error {
	up, err := c.store.GetPhotoUpload(id)
	if err != nil {
		return err
	}
	if err := c.store.DeletePhotoUpload(id); err != nil {
		return err
	}
	if err := c.photos.Delete(up.ContentHash); err != nil {
		logging.Warn("Failed to remove staged photo", map[string]interface{}{
			"content_hash": up.ContentHash,
			"error":        err.Error(),
		})
	}
	return nil
}

// =====================================================
// Internals
// =====================================================

func (c *Cache) enqueue(item *models.SyncQueueItem) error {
	if err := c.store.EnqueueMutation(item); err != nil {
		return err
	}
	c.triggerSync()
	return nil
}

func (c *Cache) triggerSync() {
	if c.onEnqueue != nil {
		c.onEnqueue()
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
