// Package payload provides unit tests for mutation payload handling.
package payload

import (
	"encoding/json"
	"testing"

	apperrors "github.com/toole-brendan/handreceipt-sync/internal/errors"
	"github.com/toole-brendan/handreceipt-sync/internal/models"
)

func TestPayloadRoundTrip(t *testing.T) {
	original := &PropertyUpdatePayload{
		PropertyID: 42,
		Fields: map[string]interface{}{
			FieldName:     "M4A1 Carbine",
			FieldLocation: "Arms Room B",
		},
	}

	raw, err := EncodePayload(original)
	if err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}

	decoded, err := DecodePayload(models.OperationUpdate, raw)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	update, ok := decoded.(*PropertyUpdatePayload)
	if !ok {
		t.Fatalf("Expected *PropertyUpdatePayload, got %T", decoded)
	}
	if update.PropertyID != 42 {
		t.Errorf("Expected property id 42, got %d", update.PropertyID)
	}
	if update.Fields[FieldName] != "M4A1 Carbine" {
		t.Errorf("Expected name field to round-trip, got %v", update.Fields[FieldName])
	}
}

func TestDecodePayloadDispatchesOnOperation(t *testing.T) {
	cases := []struct {
		op  models.OperationType
		raw string
	}{
		{models.OperationCreate, `{"local_id":-1,"property":{"id":-1,"name":"Radio"}}`},
		{models.OperationUpdate, `{"property_id":1,"fields":{"name":"Radio"}}`},
		{models.OperationDelete, `{"property_id":1}`},
		{models.OperationTransferRequest, `{"local_id":-1,"transfer":{"id":-1}}`},
		{models.OperationTransferApprove, `{"transfer_id":1,"notes":"ok"}`},
		{models.OperationTransferReject, `{"transfer_id":1,"notes":"no"}`},
	}

	for _, tc := range cases {
		if _, err := DecodePayload(tc.op, json.RawMessage(tc.raw)); err != nil {
			t.Errorf("DecodePayload(%s) failed: %v", tc.op, err)
		}
	}
}

func TestDecodePayloadUnknownOperation(t *testing.T) {
	_, err := DecodePayload("BULK_IMPORT", json.RawMessage(`{}`))
	if !apperrors.Is(err, apperrors.ErrSyncPermanent) {
		t.Errorf("Expected SYNC_PERMANENT for unknown operation, got %v", err)
	}
}

func TestDecodePayloadMalformedJSON(t *testing.T) {
	_, err := DecodePayload(models.OperationUpdate, json.RawMessage(`{not json`))
	if !apperrors.Is(err, apperrors.ErrSyncPermanent) {
		t.Errorf("Expected SYNC_PERMANENT for malformed payload, got %v", err)
	}
}

func TestApplyPropertyFields(t *testing.T) {
	desc := "night vision"
	p := &models.CachedProperty{ID: 1, Name: "Old", Description: &desc, CurrentHolderID: 7}

	// current_holder_id arrives as float64 after a JSON round-trip.
	err := ApplyPropertyFields(p, map[string]interface{}{
		FieldName:            "PVS-14",
		FieldDescription:     nil,
		FieldLocation:        "Supply Cage",
		FieldCurrentHolderID: float64(9),
	})
	if err != nil {
		t.Fatalf("ApplyPropertyFields failed: %v", err)
	}

	if p.Name != "PVS-14" {
		t.Errorf("Expected name to change, got %q", p.Name)
	}
	if p.Description != nil {
		t.Error("Expected null to clear the description")
	}
	if p.Location == nil || *p.Location != "Supply Cage" {
		t.Errorf("Expected location set, got %v", p.Location)
	}
	if p.CurrentHolderID != 9 {
		t.Errorf("Expected holder 9, got %d", p.CurrentHolderID)
	}
}

func TestApplyPropertyFieldsRejectsBadInput(t *testing.T) {
	p := &models.CachedProperty{ID: 1}

	if err := ApplyPropertyFields(p, map[string]interface{}{"color": "green"}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected INVALID_INPUT for unknown field, got %v", err)
	}
	if err := ApplyPropertyFields(p, map[string]interface{}{FieldName: 5}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected INVALID_INPUT for wrong type, got %v", err)
	}
	if err := ApplyPropertyFields(p, map[string]interface{}{FieldCurrentHolderID: "seven"}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected INVALID_INPUT for non-numeric holder, got %v", err)
	}
}

func TestValidPropertyField(t *testing.T) {
	for _, f := range propertyFields {
		if !ValidPropertyField(f) {
			t.Errorf("Expected %q to be valid", f)
		}
	}
	if ValidPropertyField("id") {
		t.Error("Expected id to be rejected; it is not editable")
	}
}

func lockedItem(t *testing.T, op models.OperationType, v interface{}) *models.SyncQueueItem {
	t.Helper()
	raw, err := EncodePayload(v)
	if err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}
	return &models.SyncQueueItem{Operation: op, Payload: raw, Status: models.QueueStatusPending}
}

func TestLockedPropertyFieldsFromUpdates(t *testing.T) {
	items := []*models.SyncQueueItem{
		lockedItem(t, models.OperationUpdate, &PropertyUpdatePayload{
			PropertyID: 1,
			Fields:     map[string]interface{}{FieldName: "x"},
		}),
		lockedItem(t, models.OperationUpdate, &PropertyUpdatePayload{
			PropertyID: 1,
			Fields:     map[string]interface{}{FieldLocation: "y"},
		}),
	}

	locked := LockedPropertyFields(items)
	if !locked[FieldName] || !locked[FieldLocation] {
		t.Errorf("Expected name and location locked, got %v", locked)
	}
	if locked[FieldSerialNumber] {
		t.Error("Expected untouched fields to stay unlocked")
	}
}

func TestLockedPropertyFieldsCreateLocksEverything(t *testing.T) {
	items := []*models.SyncQueueItem{
		lockedItem(t, models.OperationCreate, &PropertyCreatePayload{LocalID: -1}),
	}

	locked := LockedPropertyFields(items)
	for _, f := range propertyFields {
		if !locked[f] {
			t.Errorf("Expected %q locked under a pending create", f)
		}
	}
}

func TestLockedPropertyFieldsUndecodablePayload(t *testing.T) {
	items := []*models.SyncQueueItem{
		{Operation: models.OperationUpdate, Payload: []byte(`{broken`)},
	}

	locked := LockedPropertyFields(items)
	if len(locked) != len(propertyFields) {
		t.Errorf("Expected all fields locked for an undecodable payload, got %d", len(locked))
	}
}

func TestLockedTransferFields(t *testing.T) {
	approve := []*models.SyncQueueItem{
		lockedItem(t, models.OperationTransferApprove, &TransferActionPayload{TransferID: 1}),
	}
	locked := LockedTransferFields(approve)
	if !locked[FieldTransferStatus] || !locked[FieldTransferNotes] || !locked[FieldTransferResolvedAt] {
		t.Errorf("Expected resolution fields locked, got %v", locked)
	}

	request := []*models.SyncQueueItem{
		lockedItem(t, models.OperationTransferRequest, &TransferRequestPayload{LocalID: -1}),
	}
	locked = LockedTransferFields(request)
	if len(locked) != len(transferFields) {
		t.Errorf("Expected all transfer fields locked under a pending request, got %d", len(locked))
	}

	if len(LockedTransferFields(nil)) != 0 {
		t.Error("Expected no locks without queue items")
	}
}
