// Package sync provides unit tests for the queue processor.
package sync

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toole-brendan/handreceipt-sync/internal/db"
	apperrors "github.com/toole-brendan/handreceipt-sync/internal/errors"
	"github.com/toole-brendan/handreceipt-sync/internal/models"
	"github.com/toole-brendan/handreceipt-sync/internal/remote"
	"github.com/toole-brendan/handreceipt-sync/internal/sync/payload"
	"github.com/toole-brendan/handreceipt-sync/internal/sync/storage"
)

// fakeClient scripts the remote API per test.
type fakeClient struct {
	createProperty  func(p *models.CachedProperty) (*models.CachedProperty, error)
	updateProperty  func(id int64, fields map[string]interface{}) (*models.CachedProperty, error)
	deleteProperty  func(id int64) error
	requestTransfer func(t *models.CachedTransfer) (*models.CachedTransfer, error)
	approveTransfer func(id int64, notes string) (*models.CachedTransfer, error)
	rejectTransfer  func(id int64, notes string) (*models.CachedTransfer, error)
	uploadPhoto     func(propertyID int64, r io.Reader, contentHash string) (*remote.PhotoReceipt, error)
}

func (c *fakeClient) CreateProperty(ctx context.Context, p *models.CachedProperty) (*models.CachedProperty, error) {
	if c.createProperty == nil {
		return nil, remote.Permanent("unexpected CreateProperty call")
	}
	return c.createProperty(p)
}

func (c *fakeClient) UpdateProperty(ctx context.Context, id int64, fields map[string]interface{}) (*models.CachedProperty, error) {
	if c.updateProperty == nil {
		return nil, remote.Permanent("unexpected UpdateProperty call")
	}
	return c.updateProperty(id, fields)
}

func (c *fakeClient) DeleteProperty(ctx context.Context, id int64) error {
	if c.deleteProperty == nil {
		return remote.Permanent("unexpected DeleteProperty call")
	}
	return c.deleteProperty(id)
}

func (c *fakeClient) RequestTransfer(ctx context.Context, t *models.CachedTransfer) (*models.CachedTransfer, error) {
	if c.requestTransfer == nil {
		return nil, remote.Permanent("unexpected RequestTransfer call")
	}
	return c.requestTransfer(t)
}

func (c *fakeClient) ApproveTransfer(ctx context.Context, id int64, notes string) (*models.CachedTransfer, error) {
	if c.approveTransfer == nil {
		return nil, remote.Permanent("unexpected ApproveTransfer call")
	}
	return c.approveTransfer(id, notes)
}

func (c *fakeClient) RejectTransfer(ctx context.Context, id int64, notes string) (*models.CachedTransfer, error) {
	if c.rejectTransfer == nil {
		return nil, remote.Permanent("unexpected RejectTransfer call")
	}
	return c.rejectTransfer(id, notes)
}

func (c *fakeClient) UploadPhoto(ctx context.Context, propertyID int64, r io.Reader, contentHash string) (*remote.PhotoReceipt, error) {
	if c.uploadPhoto == nil {
		return nil, remote.Permanent("unexpected UploadPhoto call")
	}
	return c.uploadPhoto(propertyID, r, contentHash)
}

func newTestProcessor(t *testing.T, client *fakeClient) (*db.Store, *storage.PhotoStore, *Processor) {
	t.Helper()

	dir := t.TempDir()
	database, err := db.Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.NewMigrator(database).Up(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	store := db.NewStore(database, 0)
	photos, err := storage.NewPhotoStore(dir + "/photos")
	if err != nil {
		t.Fatalf("NewPhotoStore failed: %v", err)
	}

	proc := NewProcessor(store, client, photos, nil, nil)
	return store, photos, proc
}

func strPtr(s string) *string { return &s }

func i64Ptr(v int64) *int64 { return &v }

func enqueue(t *testing.T, store *db.Store, op models.OperationType, entity models.EntityType, entityID int64, v interface{}) *models.SyncQueueItem {
	t.Helper()
	raw, err := payload.EncodePayload(v)
	if err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}
	item := &models.SyncQueueItem{
		Operation:  op,
		EntityType: entity,
		EntityID:   i64Ptr(entityID),
		Payload:    raw,
	}
	if err := store.EnqueueMutation(item); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}
	return item
}

func TestCreateCompletesAndRekeys(t *testing.T) {
	client := &fakeClient{}
	store, _, proc := newTestProcessor(t, client)

	local := &models.CachedProperty{
		ID: -1, Name: "Radio", SerialNumber: "R77",
		CurrentHolderID: 7, CreatedAt: 1000, UpdatedAt: 1000, IsDirty: true,
	}
	if err := store.ReplaceProperty(local); err != nil {
		t.Fatalf("ReplaceProperty failed: %v", err)
	}
	item := enqueue(t, store, models.OperationCreate, models.EntityProperty, -1,
		&payload.PropertyCreatePayload{LocalID: -1, Property: *local})

	client.createProperty = func(p *models.CachedProperty) (*models.CachedProperty, error) {
		created := p.Clone()
		created.ID = 100
		return created, nil
	}

	report, err := proc.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}
	if report.Completed != 1 {
		t.Errorf("Expected 1 completed, got %d", report.Completed)
	}

	got, err := store.GetMutation(item.ID)
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if got.Status != models.QueueStatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", got.Status)
	}

	if _, err := store.GetProperty(-1); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Error("Expected placeholder record to be gone")
	}
	synced, err := store.GetProperty(100)
	if err != nil {
		t.Fatalf("GetProperty failed: %v", err)
	}
	if synced.IsDirty {
		t.Error("Expected record clean after the only mutation completed")
	}
	if synced.LastSyncedAt == nil {
		t.Error("Expected last_synced_at recorded")
	}
}

func TestTransientFailureReschedulesWithBackoff(t *testing.T) {
	client := &fakeClient{}
	store, _, proc := newTestProcessor(t, client)
	proc.nowFunc = func() int64 { return 10000 }

	if err := store.ReplaceProperty(&models.CachedProperty{
		ID: 1, Name: "Radio", SerialNumber: "R77", CurrentHolderID: 7, IsDirty: true,
	}); err != nil {
		t.Fatalf("ReplaceProperty failed: %v", err)
	}
	item := enqueue(t, store, models.OperationUpdate, models.EntityProperty, 1,
		&payload.PropertyUpdatePayload{PropertyID: 1, Fields: map[string]interface{}{payload.FieldName: "PRC-152"}})

	client.updateProperty = func(id int64, fields map[string]interface{}) (*models.CachedProperty, error) {
		return nil, remote.Transient("connection reset")
	}

	if _, err := proc.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}

	got, _ := store.GetMutation(item.ID)
	if got.Status != models.QueueStatusPending {
		t.Fatalf("Expected PENDING after a transient failure, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("Expected retry_count 1, got %d", got.RetryCount)
	}
	// First retry backs off by base * 2^1 = 4s.
	if got.NextRetryAt != 10004 {
		t.Errorf("Expected next_retry_at 10004, got %d", got.NextRetryAt)
	}
	if got.LastError == nil {
		t.Error("Expected the failure recorded")
	}
}

func TestRetriesExhaustedMarksFailed(t *testing.T) {
	client := &fakeClient{}
	store, _, proc := newTestProcessor(t, client)

	now := int64(10000)
	proc.nowFunc = func() int64 { return now }

	if err := store.ReplaceProperty(&models.CachedProperty{
		ID: 1, Name: "Radio", SerialNumber: "R77", CurrentHolderID: 7, IsDirty: true,
	}); err != nil {
		t.Fatalf("ReplaceProperty failed: %v", err)
	}
	item := enqueue(t, store, models.OperationUpdate, models.EntityProperty, 1,
		&payload.PropertyUpdatePayload{PropertyID: 1, Fields: map[string]interface{}{payload.FieldName: "x"}})

	attempts := 0
	client.updateProperty = func(id int64, fields map[string]interface{}) (*models.CachedProperty, error) {
		attempts++
		return nil, remote.Transient("still down")
	}

	lastRetryCount := -1
	for i := 0; i < 10; i++ {
		if _, err := proc.ProcessOnce(context.Background()); err != nil {
			t.Fatalf("ProcessOnce failed: %v", err)
		}
		got, _ := store.GetMutation(item.ID)
		if got.Status == models.QueueStatusFailed {
			break
		}
		if got.RetryCount <= lastRetryCount {
			t.Fatalf("Expected retry_count to grow monotonically, got %d after %d", got.RetryCount, lastRetryCount)
		}
		lastRetryCount = got.RetryCount
		now = got.NextRetryAt
	}

	got, _ := store.GetMutation(item.ID)
	if got.Status != models.QueueStatusFailed {
		t.Fatalf("Expected FAILED after exhausting retries, got %s after %d attempts", got.Status, attempts)
	}
	if attempts != 6 {
		t.Errorf("Expected 1 initial + 5 retries = 6 attempts, got %d", attempts)
	}
	if got.LastError == nil {
		t.Error("Expected last_error to describe the exhaustion")
	}
}

func TestPermanentFailureFailsImmediately(t *testing.T) {
	client := &fakeClient{}
	store, _, proc := newTestProcessor(t, client)

	if err := store.ReplaceProperty(&models.CachedProperty{
		ID: 1, Name: "Radio", SerialNumber: "R77", CurrentHolderID: 7, IsDirty: true,
	}); err != nil {
		t.Fatalf("ReplaceProperty failed: %v", err)
	}
	item := enqueue(t, store, models.OperationUpdate, models.EntityProperty, 1,
		&payload.PropertyUpdatePayload{PropertyID: 1, Fields: map[string]interface{}{payload.FieldName: "x"}})

	attempts := 0
	client.updateProperty = func(id int64, fields map[string]interface{}) (*models.CachedProperty, error) {
		attempts++
		return nil, remote.FromStatus(422, "serial number already registered")
	}

	if _, err := proc.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}

	got, _ := store.GetMutation(item.ID)
	if got.Status != models.QueueStatusFailed {
		t.Errorf("Expected FAILED, got %s", got.Status)
	}
	if attempts != 1 {
		t.Errorf("Expected no retries for a permanent failure, got %d attempts", attempts)
	}
}

func TestUpdateMergesCanonicalAroundLaterEdits(t *testing.T) {
	client := &fakeClient{}
	store, _, proc := newTestProcessor(t, client)

	local := &models.CachedProperty{
		ID: 1, Name: "PRC-152", SerialNumber: "R77",
		Location: strPtr("Arms Room B"), CurrentHolderID: 7,
		UpdatedAt: 3000, IsDirty: true,
	}
	if err := store.ReplaceProperty(local); err != nil {
		t.Fatalf("ReplaceProperty failed: %v", err)
	}

	// Two edits queued back to back; the batch only dispatches the first.
	first := enqueue(t, store, models.OperationUpdate, models.EntityProperty, 1,
		&payload.PropertyUpdatePayload{PropertyID: 1, Fields: map[string]interface{}{payload.FieldName: "PRC-152"}})
	enqueue(t, store, models.OperationUpdate, models.EntityProperty, 1,
		&payload.PropertyUpdatePayload{PropertyID: 1, Fields: map[string]interface{}{payload.FieldLocation: "Arms Room B"}})

	client.updateProperty = func(id int64, fields map[string]interface{}) (*models.CachedProperty, error) {
		return &models.CachedProperty{
			ID: 1, Name: "PRC-152", SerialNumber: "R77",
			Location: strPtr("Warehouse"), CurrentHolderID: 7, UpdatedAt: 4000,
		}, nil
	}

	if _, err := proc.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}

	gotFirst, _ := store.GetMutation(first.ID)
	if gotFirst.Status != models.QueueStatusCompleted {
		t.Fatalf("Expected first edit COMPLETED, got %s", gotFirst.Status)
	}

	got, err := store.GetProperty(1)
	if err != nil {
		t.Fatalf("GetProperty failed: %v", err)
	}
	if !got.IsDirty {
		t.Error("Expected record dirty while the second edit is queued")
	}
	if got.Location == nil || *got.Location != "Arms Room B" {
		t.Errorf("Expected the queued location edit preserved, got %v", got.Location)
	}
}

func TestDeleteTreatsGoneAsSuccess(t *testing.T) {
	client := &fakeClient{}
	store, _, proc := newTestProcessor(t, client)

	if err := store.ReplaceProperty(&models.CachedProperty{
		ID: 5, Name: "Compass", SerialNumber: "C1", CurrentHolderID: 7,
	}); err != nil {
		t.Fatalf("ReplaceProperty failed: %v", err)
	}
	item := enqueue(t, store, models.OperationDelete, models.EntityProperty, 5,
		&payload.PropertyDeletePayload{PropertyID: 5})

	client.deleteProperty = func(id int64) error {
		return remote.FromStatus(404, "no such property")
	}

	if _, err := proc.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}

	got, _ := store.GetMutation(item.ID)
	if got.Status != models.QueueStatusCompleted {
		t.Errorf("Expected COMPLETED when the server already deleted, got %s", got.Status)
	}
	if _, err := store.GetProperty(5); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Error("Expected local record removed")
	}
}

func TestTransferActionUsesRekeyedID(t *testing.T) {
	client := &fakeClient{}
	store, _, proc := newTestProcessor(t, client)

	// The approval was queued against a placeholder transfer id; by dispatch
	// time the request completed and the queue row was rekeyed to 50.
	if err := store.ReplaceTransfer(&models.CachedTransfer{
		ID: 50, PropertyID: 10, FromUserID: 7, ToUserID: 8,
		Status: models.TransferStatusApproved, RequestedAt: 1000, IsDirty: true,
	}); err != nil {
		t.Fatalf("ReplaceTransfer failed: %v", err)
	}
	enqueue(t, store, models.OperationTransferApprove, models.EntityTransfer, 50,
		&payload.TransferActionPayload{TransferID: -2, Notes: "ok"})

	var calledWith int64
	client.approveTransfer = func(id int64, notes string) (*models.CachedTransfer, error) {
		calledWith = id
		resolvedAt := int64(5000)
		return &models.CachedTransfer{
			ID: 50, PropertyID: 10, FromUserID: 7, ToUserID: 8,
			Status: models.TransferStatusApproved, RequestedAt: 1000,
			ResolvedAt: &resolvedAt,
		}, nil
	}

	if _, err := proc.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}

	if calledWith != 50 {
		t.Errorf("Expected the rekeyed id 50, got %d", calledWith)
	}
	got, _ := store.GetTransfer(50)
	if got.IsDirty {
		t.Error("Expected transfer clean after approval synced")
	}
}

func TestPhotoUploadSuccess(t *testing.T) {
	client := &fakeClient{}
	store, photos, proc := newTestProcessor(t, client)

	if err := store.ReplaceProperty(&models.CachedProperty{
		ID: 10, Name: "Radio", SerialNumber: "R77", CurrentHolderID: 7,
	}); err != nil {
		t.Fatalf("ReplaceProperty failed: %v", err)
	}

	data := []byte("photo bytes")
	hash, path, err := photos.Store(data)
	if err != nil {
		t.Fatalf("photo Store failed: %v", err)
	}
	up := &models.PendingPhotoUpload{PropertyID: i64Ptr(10), LocalPath: path, ContentHash: hash}
	if err := store.EnqueuePhotoUpload(up); err != nil {
		t.Fatalf("EnqueuePhotoUpload failed: %v", err)
	}

	client.uploadPhoto = func(propertyID int64, r io.Reader, contentHash string) (*remote.PhotoReceipt, error) {
		return &remote.PhotoReceipt{
			PhotoURL:    "https://cdn.example/photos/" + contentHash,
			ContentHash: contentHash,
		}, nil
	}

	if _, err := proc.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}

	gotUp, _ := store.GetPhotoUpload(up.ID)
	if gotUp.Status != models.QueueStatusCompleted {
		t.Fatalf("Expected COMPLETED, got %s", gotUp.Status)
	}

	p, _ := store.GetProperty(10)
	if p.PhotoURL == nil || *p.PhotoURL != "https://cdn.example/photos/"+hash {
		t.Errorf("Expected photo URL applied, got %v", p.PhotoURL)
	}

	if _, err := photos.Open(hash); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Error("Expected staged bytes removed after a confirmed upload")
	}
}

func TestPhotoUploadHashMismatchFailsWithoutURL(t *testing.T) {
	client := &fakeClient{}
	store, photos, proc := newTestProcessor(t, client)

	if err := store.ReplaceProperty(&models.CachedProperty{
		ID: 10, Name: "Radio", SerialNumber: "R77", CurrentHolderID: 7,
	}); err != nil {
		t.Fatalf("ReplaceProperty failed: %v", err)
	}

	hash, path, err := photos.Store([]byte("photo bytes"))
	if err != nil {
		t.Fatalf("photo Store failed: %v", err)
	}
	up := &models.PendingPhotoUpload{PropertyID: i64Ptr(10), LocalPath: path, ContentHash: hash}
	if err := store.EnqueuePhotoUpload(up); err != nil {
		t.Fatalf("EnqueuePhotoUpload failed: %v", err)
	}

	client.uploadPhoto = func(propertyID int64, r io.Reader, contentHash string) (*remote.PhotoReceipt, error) {
		return &remote.PhotoReceipt{PhotoURL: "https://cdn.example/x", ContentHash: "0000"}, nil
	}

	if _, err := proc.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}

	gotUp, _ := store.GetPhotoUpload(up.ID)
	if gotUp.Status != models.QueueStatusFailed {
		t.Errorf("Expected FAILED on hash mismatch, got %s", gotUp.Status)
	}

	p, _ := store.GetProperty(10)
	if p.PhotoURL != nil {
		t.Errorf("Expected no photo URL from an unverified receipt, got %q", *p.PhotoURL)
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	proc := &Processor{config: DefaultProcessorConfig()}

	if d := proc.backoffDelay(1); d != 2*proc.config.BaseRetryDelay {
		t.Errorf("Expected base * 2 on first retry, got %v", d)
	}
	if d := proc.backoffDelay(2); d != 4*proc.config.BaseRetryDelay {
		t.Errorf("Expected base * 4 on second retry, got %v", d)
	}
	if d := proc.backoffDelay(30); d != proc.config.MaxRetryDelay {
		t.Errorf("Expected capped delay, got %v", d)
	}
}

func TestProcessOnceWaitsForInFlightDispatchOnCancel(t *testing.T) {
	client := &fakeClient{}
	store, _, proc := newTestProcessor(t, client)

	proc.config.Concurrency = 1

	for id := int64(1); id <= 2; id++ {
		if err := store.ReplaceProperty(&models.CachedProperty{
			ID: id, Name: "Radio", SerialNumber: fmt.Sprintf("R%d", id),
			CurrentHolderID: 7, IsDirty: true,
		}); err != nil {
			t.Fatalf("ReplaceProperty failed: %v", err)
		}
		enqueue(t, store, models.OperationUpdate, models.EntityProperty, id,
			&payload.PropertyUpdatePayload{PropertyID: id, Fields: map[string]interface{}{payload.FieldName: "x"}})
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	client.updateProperty = func(id int64, fields map[string]interface{}) (*models.CachedProperty, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
		}
		return nil, remote.Transient("connection reset")
	}

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		proc.ProcessOnce(ctx)
		close(returned)
	}()

	<-started
	cancel()

	// The first dispatch worker still holds its slot; ProcessOnce must not
	// return until the worker has settled its item in the store, even though
	// the context is already cancelled.
	select {
	case <-returned:
		t.Fatal("ProcessOnce returned while a dispatch was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessOnce did not return after the dispatch finished")
	}

	for _, item := range mustListMutations(t, store) {
		if item.Status == models.QueueStatusInProgress {
			t.Errorf("Expected every claimed item settled, %s is still IN_PROGRESS", item.ID)
		}
	}
}

func mustListMutations(t *testing.T, store *db.Store) []*models.SyncQueueItem {
	t.Helper()
	items, err := store.ListMutations("")
	if err != nil {
		t.Fatalf("ListMutations failed: %v", err)
	}
	return items
}
