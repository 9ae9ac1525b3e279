// Package sync drains the durable mutation and photo-upload queues against
// the remote API, applying canonical server state back into the cache.
package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/toole-brendan/handreceipt-sync/internal/db"
	apperrors "github.com/toole-brendan/handreceipt-sync/internal/errors"
	"github.com/toole-brendan/handreceipt-sync/internal/logging"
	"github.com/toole-brendan/handreceipt-sync/internal/models"
	"github.com/toole-brendan/handreceipt-sync/internal/remote"
	"github.com/toole-brendan/handreceipt-sync/internal/sync/conflict"
	"github.com/toole-brendan/handreceipt-sync/internal/sync/payload"
	"github.com/toole-brendan/handreceipt-sync/internal/sync/storage"
)

// Notifier receives change notifications after the processor writes canonical
// server state into the cache. The cache implements this to wake observers.
type Notifier interface {
	EntityChanged(entity models.EntityType, id int64)
}

// ProcessorConfig holds queue processor configuration.
type ProcessorConfig struct {
	// BatchSize bounds how many due items one drain pass picks up per queue.
	BatchSize int

	// Concurrency bounds in-flight remote calls. Per-entity ordering is
	// enforced by the queue selection, not here.
	Concurrency int

	// BaseRetryDelay seeds the exponential backoff: retry n waits
	// base * 2^n, capped at MaxRetryDelay.
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration

	// MaxRetries bounds transient-failure retries before an item is marked
	// FAILED for good.
	MaxRetries int

	// DispatchTimeout bounds each remote call.
	DispatchTimeout time.Duration
}

// DefaultProcessorConfig returns default processor configuration.
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		BatchSize:       25,
		Concurrency:     4,
		BaseRetryDelay:  2 * time.Second,
		MaxRetryDelay:   5 * time.Minute,
		MaxRetries:      5,
		DispatchTimeout: 30 * time.Second,
	}
}

// ProcessReport summarizes one drain pass. Counters are updated atomically
// while dispatch workers run.
type ProcessReport struct {
	Dispatched  int64
	Completed   int64
	Rescheduled int64
	Failed      int64
}

// Processor drains both queues. It owns no schedule of its own; the scheduler
// (or an explicit trigger) calls ProcessOnce.
type Processor struct {
	store    *db.Store
	client   remote.Client
	photos   *storage.PhotoStore
	resolver *conflict.Resolver
	notifier Notifier
	config   *ProcessorConfig

	nowFunc func() int64
}

// NewProcessor creates a Processor. notifier may be nil.
func NewProcessor(store *db.Store, client remote.Client, photos *storage.PhotoStore, notifier Notifier, config *ProcessorConfig) *Processor {
	if config == nil {
		config = DefaultProcessorConfig()
	}
	return &Processor{
		store:    store,
		client:   client,
		photos:   photos,
		resolver: conflict.NewResolver(),
		notifier: notifier,
		config:   config,
		nowFunc:  func() int64 { return time.Now().Unix() },
	}
}

// ProcessOnce runs one drain pass over the mutation queue and then the
// photo-upload queue. It returns once every claimed item has reached a
// COMPLETED, FAILED or rescheduled PENDING state.
func (p *Processor) ProcessOnce(ctx context.Context) (*ProcessReport, error) {
	report := &ProcessReport{}

	if err := p.drainMutations(ctx, report); err != nil {
		return report, err
	}
	if err := p.drainPhotoUploads(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

func (p *Processor) drainMutations(ctx context.Context, report *ProcessReport) error {
	items, err := p.store.NextPendingMutations(p.config.BatchSize, p.nowFunc())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to select due mutations", err)
	}

	p.forEach(ctx, len(items), func(i int) {
		p.runMutation(ctx, items[i], report)
	})
	return nil
}

func (p *Processor) drainPhotoUploads(ctx context.Context, report *ProcessReport) error {
	uploads, err := p.store.NextPendingPhotoUploads(p.config.BatchSize, p.nowFunc())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to select due photo uploads", err)
	}

	p.forEach(ctx, len(uploads), func(i int) {
		p.runPhotoUpload(ctx, uploads[i], report)
	})
	return nil
}

// forEach runs fn for each index with bounded concurrency.
func (p *Processor) forEach(ctx context.Context, n int, fn func(i int)) {
	sem := make(chan struct{}, p.config.Concurrency)
	done := make(chan struct{})

	go func() {
		defer close(done)
		// Filling the semaphore waits out every in-flight worker. This must
		// happen on the cancellation path too: a worker still holds a slot
		// until its store write lands, and returning before then would let
		// the caller close the database under it.
		defer func() {
			for j := 0; j < cap(sem); j++ {
				sem <- struct{}{}
			}
		}()
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				return
			}
			sem <- struct{}{}
			go func(i int) {
				defer func() { <-sem }()
				fn(i)
			}(i)
		}
	}()
	<-done
}

// runMutation claims one queue item, dispatches it and records the outcome.
func (p *Processor) runMutation(ctx context.Context, item *models.SyncQueueItem, report *ProcessReport) {
	claimed, err := p.store.ClaimMutation(item.ID, p.nowFunc())
	if err != nil {
		logging.Error("Failed to claim mutation", err, map[string]interface{}{"item_id": item.ID})
		return
	}
	if !claimed {
		return
	}
	atomic.AddInt64(&report.Dispatched, 1)

	dispatchCtx, cancel := context.WithTimeout(ctx, p.config.DispatchTimeout)
	err = p.dispatchMutation(dispatchCtx, item)
	cancel()

	if err == nil {
		if err := p.store.CompleteMutation(item.ID); err != nil {
			logging.Error("Failed to mark mutation completed", err, map[string]interface{}{"item_id": item.ID})
			return
		}
		atomic.AddInt64(&report.Completed, 1)
		logging.Info("Mutation synced", map[string]interface{}{
			"item_id":   item.ID,
			"operation": item.Operation,
		})
		return
	}

	p.settleFailure(item, err, report)
}

// settleFailure applies the retry policy to a failed dispatch.
func (p *Processor) settleFailure(item *models.SyncQueueItem, dispatchErr error, report *ProcessReport) {
	msg := dispatchErr.Error()

	if remote.IsPermanent(dispatchErr) {
		if err := p.store.FailMutation(item.ID, msg); err != nil {
			logging.Error("Failed to mark mutation failed", err, map[string]interface{}{"item_id": item.ID})
			return
		}
		atomic.AddInt64(&report.Failed, 1)
		logging.ErrorWithCode("Mutation failed permanently", string(apperrors.ErrSyncPermanent), dispatchErr, map[string]interface{}{
			"item_id":   item.ID,
			"operation": item.Operation,
		})
		return
	}

	retry := item.RetryCount + 1
	if retry > p.config.MaxRetries {
		exhausted := fmt.Sprintf("retries exhausted after %d attempts: %s", retry, msg)
		if err := p.store.FailMutation(item.ID, exhausted); err != nil {
			logging.Error("Failed to mark mutation failed", err, map[string]interface{}{"item_id": item.ID})
			return
		}
		atomic.AddInt64(&report.Failed, 1)
		logging.ErrorWithCode("Mutation retries exhausted", string(apperrors.ErrRetryExhausted), dispatchErr, map[string]interface{}{
			"item_id":     item.ID,
			"operation":   item.Operation,
			"retry_count": retry,
		})
		return
	}

	nextAt := p.nowFunc() + int64(p.backoffDelay(retry).Seconds())
	if err := p.store.RescheduleMutation(item.ID, retry, nextAt, msg); err != nil {
		logging.Error("Failed to reschedule mutation", err, map[string]interface{}{"item_id": item.ID})
		return
	}
	atomic.AddInt64(&report.Rescheduled, 1)
	logging.Warn("Mutation rescheduled", map[string]interface{}{
		"item_id":       item.ID,
		"operation":     item.Operation,
		"retry_count":   retry,
		"next_retry_at": nextAt,
	})
}

// backoffDelay returns base * 2^retry, capped at MaxRetryDelay. retry is the
// already-incremented retry count, so the first retry waits twice the base.
func (p *Processor) backoffDelay(retry int) time.Duration {
	delay := p.config.BaseRetryDelay << uint(retry)
	if delay > p.config.MaxRetryDelay || delay <= 0 {
		delay = p.config.MaxRetryDelay
	}
	return delay
}

// dispatchMutation performs the remote call for one queue item and applies
// the canonical server state locally.
func (p *Processor) dispatchMutation(ctx context.Context, item *models.SyncQueueItem) error {
	decoded, err := payload.DecodePayload(item.Operation, item.Payload)
	if err != nil {
		return remote.Permanent(err.Error())
	}

	switch pl := decoded.(type) {
	case *payload.PropertyCreatePayload:
		return p.dispatchPropertyCreate(ctx, item, pl)
	case *payload.PropertyUpdatePayload:
		return p.dispatchPropertyUpdate(ctx, item, pl)
	case *payload.PropertyDeletePayload:
		return p.dispatchPropertyDelete(ctx, item, pl)
	case *payload.TransferRequestPayload:
		return p.dispatchTransferRequest(ctx, item, pl)
	case *payload.TransferActionPayload:
		return p.dispatchTransferAction(ctx, item, pl)
	default:
		return remote.Permanent(fmt.Sprintf("no dispatcher for operation %s", item.Operation))
	}
}

func (p *Processor) dispatchPropertyCreate(ctx context.Context, item *models.SyncQueueItem, pl *payload.PropertyCreatePayload) error {
	created, err := p.client.CreateProperty(ctx, &pl.Property)
	if err != nil {
		return err
	}

	// Swap the placeholder id for the server id everywhere: cached record,
	// dependent transfers, later queue items and held-back photo uploads.
	if err := p.store.RekeyProperty(pl.LocalID, created.ID); err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return remote.Transient(fmt.Sprintf("failed to rekey property %d -> %d: %v", pl.LocalID, created.ID, err))
		}
	}

	if err := p.applyCanonicalProperty(item.ID, created); err != nil {
		return remote.Transient(err.Error())
	}
	p.notify(models.EntityProperty, created.ID)
	return nil
}

func (p *Processor) dispatchPropertyUpdate(ctx context.Context, item *models.SyncQueueItem, pl *payload.PropertyUpdatePayload) error {
	// The queue's entity_id is rekeyed when an offline CREATE completes;
	// the payload's embedded id is not. Trust the column.
	id := entityID(item, pl.PropertyID)
	updated, err := p.client.UpdateProperty(ctx, id, pl.Fields)
	if err != nil {
		return err
	}
	if err := p.applyCanonicalProperty(item.ID, updated); err != nil {
		return remote.Transient(err.Error())
	}
	p.notify(models.EntityProperty, updated.ID)
	return nil
}

func (p *Processor) dispatchPropertyDelete(ctx context.Context, item *models.SyncQueueItem, pl *payload.PropertyDeletePayload) error {
	id := entityID(item, pl.PropertyID)
	if err := p.client.DeleteProperty(ctx, id); err != nil {
		// A 404 means the server already forgot the record; the local goal
		// state is reached either way.
		if !isGone(err) {
			return err
		}
	}

	if err := p.store.DeleteProperty(id); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return remote.Transient(err.Error())
	}
	p.notify(models.EntityProperty, id)
	return nil
}

func (p *Processor) dispatchTransferRequest(ctx context.Context, item *models.SyncQueueItem, pl *payload.TransferRequestPayload) error {
	created, err := p.client.RequestTransfer(ctx, &pl.Transfer)
	if err != nil {
		return err
	}

	if err := p.store.RekeyTransfer(pl.LocalID, created.ID); err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return remote.Transient(fmt.Sprintf("failed to rekey transfer %d -> %d: %v", pl.LocalID, created.ID, err))
		}
	}

	if err := p.applyCanonicalTransfer(item.ID, created); err != nil {
		return remote.Transient(err.Error())
	}
	p.notify(models.EntityTransfer, created.ID)
	return nil
}

func (p *Processor) dispatchTransferAction(ctx context.Context, item *models.SyncQueueItem, pl *payload.TransferActionPayload) error {
	id := entityID(item, pl.TransferID)

	var (
		resolved *models.CachedTransfer
		err      error
	)
	if item.Operation == models.OperationTransferApprove {
		resolved, err = p.client.ApproveTransfer(ctx, id, pl.Notes)
	} else {
		resolved, err = p.client.RejectTransfer(ctx, id, pl.Notes)
	}
	if err != nil {
		return err
	}

	if err := p.applyCanonicalTransfer(item.ID, resolved); err != nil {
		return remote.Transient(err.Error())
	}
	p.notify(models.EntityTransfer, resolved.ID)
	return nil
}

// applyCanonicalProperty writes the server's canonical record into the cache,
// merging around any queue items for the entity other than the one being
// completed. The record only goes clean once no other unresolved mutation
// targets it.
func (p *Processor) applyCanonicalProperty(completingID string, canonical *models.CachedProperty) error {
	now := p.nowFunc()

	remaining, err := p.remainingMutations(models.EntityProperty, canonical.ID, completingID)
	if err != nil {
		return err
	}

	local, err := p.store.GetProperty(canonical.ID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	locked := payload.LockedPropertyFields(remaining)
	merged := p.resolver.MergeProperty(local, canonical, locked, now)
	if len(remaining) == 0 {
		merged.IsDirty = false
		merged.LastSyncedAt = &now
	}
	return p.store.ReplaceProperty(merged)
}

// applyCanonicalTransfer is the transfer counterpart of applyCanonicalProperty.
func (p *Processor) applyCanonicalTransfer(completingID string, canonical *models.CachedTransfer) error {
	now := p.nowFunc()

	remaining, err := p.remainingMutations(models.EntityTransfer, canonical.ID, completingID)
	if err != nil {
		return err
	}

	local, err := p.store.GetTransfer(canonical.ID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	locked := payload.LockedTransferFields(remaining)
	merged := p.resolver.MergeTransfer(local, canonical, locked, now)
	if len(remaining) == 0 {
		merged.IsDirty = false
		merged.LastSyncedAt = &now
	}
	return p.store.ReplaceTransfer(merged)
}

// remainingMutations lists unresolved queue items for an entity, excluding
// the item currently being completed.
func (p *Processor) remainingMutations(entity models.EntityType, entityID int64, completingID string) ([]*models.SyncQueueItem, error) {
	active, err := p.store.ListActiveMutations(entity, entityID)
	if err != nil {
		return nil, err
	}
	remaining := active[:0]
	for _, item := range active {
		if item.ID != completingID && item.Status != models.QueueStatusFailed {
			remaining = append(remaining, item)
		}
	}
	return remaining, nil
}

// runPhotoUpload claims one pending upload, ships the staged bytes and
// records the outcome.
func (p *Processor) runPhotoUpload(ctx context.Context, up *models.PendingPhotoUpload, report *ProcessReport) {
	claimed, err := p.store.ClaimPhotoUpload(up.ID, p.nowFunc())
	if err != nil {
		logging.Error("Failed to claim photo upload", err, map[string]interface{}{"upload_id": up.ID})
		return
	}
	if !claimed {
		return
	}
	atomic.AddInt64(&report.Dispatched, 1)

	dispatchCtx, cancel := context.WithTimeout(ctx, p.config.DispatchTimeout)
	err = p.dispatchPhotoUpload(dispatchCtx, up)
	cancel()

	if err == nil {
		if err := p.store.CompletePhotoUpload(up.ID); err != nil {
			logging.Error("Failed to mark photo upload completed", err, map[string]interface{}{"upload_id": up.ID})
			return
		}
		atomic.AddInt64(&report.Completed, 1)
		if err := p.photos.Delete(up.ContentHash); err != nil {
			logging.Warn("Failed to remove staged photo", map[string]interface{}{
				"content_hash": up.ContentHash,
				"error":        err.Error(),
			})
		}
		logging.Info("Photo upload synced", map[string]interface{}{"upload_id": up.ID})
		return
	}

	p.settlePhotoFailure(up, err, report)
}

func (p *Processor) settlePhotoFailure(up *models.PendingPhotoUpload, dispatchErr error, report *ProcessReport) {
	msg := dispatchErr.Error()

	if remote.IsPermanent(dispatchErr) {
		if err := p.store.FailPhotoUpload(up.ID, msg); err != nil {
			logging.Error("Failed to mark photo upload failed", err, map[string]interface{}{"upload_id": up.ID})
			return
		}
		atomic.AddInt64(&report.Failed, 1)
		logging.ErrorWithCode("Photo upload failed permanently", string(apperrors.ErrSyncPermanent), dispatchErr, map[string]interface{}{
			"upload_id": up.ID,
		})
		return
	}

	retry := up.RetryCount + 1
	if retry > p.config.MaxRetries {
		exhausted := fmt.Sprintf("retries exhausted after %d attempts: %s", retry, msg)
		if err := p.store.FailPhotoUpload(up.ID, exhausted); err != nil {
			logging.Error("Failed to mark photo upload failed", err, map[string]interface{}{"upload_id": up.ID})
			return
		}
		atomic.AddInt64(&report.Failed, 1)
		logging.ErrorWithCode("Photo upload retries exhausted", string(apperrors.ErrRetryExhausted), dispatchErr, map[string]interface{}{
			"upload_id":   up.ID,
			"retry_count": retry,
		})
		return
	}

	nextAt := p.nowFunc() + int64(p.backoffDelay(retry).Seconds())
	if err := p.store.ReschedulePhotoUpload(up.ID, retry, nextAt, msg); err != nil {
		logging.Error("Failed to reschedule photo upload", err, map[string]interface{}{"upload_id": up.ID})
		return
	}
	atomic.AddInt64(&report.Rescheduled, 1)
	logging.Warn("Photo upload rescheduled", map[string]interface{}{
		"upload_id":     up.ID,
		"retry_count":   retry,
		"next_retry_at": nextAt,
	})
}

// dispatchPhotoUpload streams one staged photo and verifies the server's
// receipt hash against the enqueue-time hash. A mismatch means the bytes were
// corrupted somewhere in transit or at rest; the photo URL is never applied
// from an unverified receipt.
func (p *Processor) dispatchPhotoUpload(ctx context.Context, up *models.PendingPhotoUpload) error {
	if up.PropertyID == nil || *up.PropertyID <= 0 {
		// Queue selection holds these back; hitting one here is a bug.
		return remote.Transient(fmt.Sprintf("photo upload %s has no server property id yet", up.ID))
	}
	propertyID := *up.PropertyID

	f, err := p.photos.Open(up.ContentHash)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return remote.Permanent(fmt.Sprintf("staged content %s is missing", up.ContentHash))
		}
		return remote.Transient(err.Error())
	}
	defer f.Close()

	receipt, err := p.client.UploadPhoto(ctx, propertyID, f, up.ContentHash)
	if err != nil {
		return err
	}

	if receipt.ContentHash != up.ContentHash {
		logging.ErrorWithCode("Photo receipt hash mismatch", string(apperrors.ErrIntegrity), nil, map[string]interface{}{
			"upload_id":     up.ID,
			"expected_hash": up.ContentHash,
			"receipt_hash":  receipt.ContentHash,
		})
		return remote.Permanent(fmt.Sprintf(
			"content hash mismatch: staged %s, server received %s", up.ContentHash, receipt.ContentHash))
	}

	if err := p.store.SetPropertyPhotoURL(propertyID, receipt.PhotoURL, p.nowFunc()); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// Property deleted while the upload was in flight; nothing to update.
			return nil
		}
		return remote.Transient(err.Error())
	}
	p.notify(models.EntityProperty, propertyID)
	return nil
}

// entityID resolves the target id for a queue item, preferring the rekeyed
// entity_id column over the id frozen in the payload.
func entityID(item *models.SyncQueueItem, fallback int64) int64 {
	if item.EntityID != nil {
		return *item.EntityID
	}
	return fallback
}

// isGone reports whether err is a permanent not-found response.
func isGone(err error) bool {
	var remoteErr *remote.Error
	if stderrors.As(err, &remoteErr) {
		return remoteErr.StatusCode == 404 || remoteErr.StatusCode == 410
	}
	return false
}

func (p *Processor) notify(entity models.EntityType, id int64) {
	if p.notifier != nil {
		p.notifier.EntityChanged(entity, id)
	}
}
