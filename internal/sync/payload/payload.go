// Package payload defines the serialized mutation payload variants stored
// in the sync queue, plus the field-mask helpers built on them.
package payload

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/toole-brendan/handreceipt-sync/internal/errors"
	"github.com/toole-brendan/handreceipt-sync/internal/models"
)

// Property field keys, as they appear in UPDATE payload field maps and in
// the server's partial-update API. The keys double as the merge resolver's
// lock granularity: a server refresh never overwrites a field named by an
// unresolved mutation.
const (
	FieldName            = "name"
	FieldSerialNumber    = "serial_number"
	FieldDescription     = "description"
	FieldNSN             = "nsn"
	FieldLIN             = "lin"
	FieldLocation        = "location"
	FieldCurrentHolderID = "current_holder_id"
	FieldPhotoURL        = "photo_url"
)

// Transfer field keys for merge locking.
const (
	FieldTransferStatus     = "status"
	FieldTransferNotes      = "notes"
	FieldTransferResolvedAt = "resolved_at"
)

// propertyFields lists every editable property field.
var propertyFields = []string{
	FieldName, FieldSerialNumber, FieldDescription, FieldNSN,
	FieldLIN, FieldLocation, FieldCurrentHolderID, FieldPhotoURL,
}

// transferFields lists every transfer field a mutation can touch.
var transferFields = []string{
	FieldTransferStatus, FieldTransferNotes, FieldTransferResolvedAt,
}

// ValidPropertyField reports whether key names an editable property field.
func ValidPropertyField(key string) bool {
	for _, f := range propertyFields {
		if f == key {
			return true
		}
	}
	return false
}

// PropertyCreatePayload carries an offline property creation. LocalID is the
// negative placeholder id the cache assigned; the processor re-keys the
// cached record to the server-assigned id on completion.
type PropertyCreatePayload struct {
	LocalID  int64                 `json:"local_id"`
	Property models.CachedProperty `json:"property"`
}

// PropertyUpdatePayload carries a partial property edit. Fields holds only
// the edited values, keyed by the Field* constants.
type PropertyUpdatePayload struct {
	PropertyID int64                  `json:"property_id"`
	Fields     map[string]interface{} `json:"fields"`
}

// PropertyDeletePayload carries a property deletion.
type PropertyDeletePayload struct {
	PropertyID int64 `json:"property_id"`
}

// TransferRequestPayload carries an offline transfer request, with the
// cache-assigned placeholder id.
type TransferRequestPayload struct {
	LocalID  int64                 `json:"local_id"`
	Transfer models.CachedTransfer `json:"transfer"`
}

// TransferActionPayload carries a transfer approval or rejection.
type TransferActionPayload struct {
	TransferID int64  `json:"transfer_id"`
	Notes      string `json:"notes"`
}

// EncodePayload serializes a payload variant for queue storage.
func EncodePayload(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode mutation payload", err)
	}
	return data, nil
}

// DecodePayload deserializes a queue payload, dispatching on the operation
// type. An unknown operation is a permanent failure: retrying cannot fix a
// payload this build does not understand.
func DecodePayload(op models.OperationType, raw json.RawMessage) (interface{}, error) {
	var (
		v   interface{}
		err error
	)

	switch op {
	case models.OperationCreate:
		p := &PropertyCreatePayload{}
		err = json.Unmarshal(raw, p)
		v = p
	case models.OperationUpdate:
		p := &PropertyUpdatePayload{}
		err = json.Unmarshal(raw, p)
		v = p
	case models.OperationDelete:
		p := &PropertyDeletePayload{}
		err = json.Unmarshal(raw, p)
		v = p
	case models.OperationTransferRequest:
		p := &TransferRequestPayload{}
		err = json.Unmarshal(raw, p)
		v = p
	case models.OperationTransferApprove, models.OperationTransferReject:
		p := &TransferActionPayload{}
		err = json.Unmarshal(raw, p)
		v = p
	default:
		return nil, apperrors.Newf(apperrors.ErrSyncPermanent, "unknown operation type %q", op)
	}

	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncPermanent,
			fmt.Sprintf("failed to decode %s payload", op), err)
	}
	return v, nil
}

// ApplyPropertyFields applies an UPDATE field map to a cached record.
// Unknown keys are rejected at enqueue time, so a failure here on the
// processor path indicates a corrupted payload.
func ApplyPropertyFields(p *models.CachedProperty, fields map[string]interface{}) error {
	for key, value := range fields {
		switch key {
		case FieldName:
			s, err := asString(key, value)
			if err != nil {
				return err
			}
			p.Name = s
		case FieldSerialNumber:
			s, err := asString(key, value)
			if err != nil {
				return err
			}
			p.SerialNumber = s
		case FieldDescription:
			ptr, err := asStringPtr(key, value)
			if err != nil {
				return err
			}
			p.Description = ptr
		case FieldNSN:
			ptr, err := asStringPtr(key, value)
			if err != nil {
				return err
			}
			p.NSN = ptr
		case FieldLIN:
			ptr, err := asStringPtr(key, value)
			if err != nil {
				return err
			}
			p.LIN = ptr
		case FieldLocation:
			ptr, err := asStringPtr(key, value)
			if err != nil {
				return err
			}
			p.Location = ptr
		case FieldPhotoURL:
			ptr, err := asStringPtr(key, value)
			if err != nil {
				return err
			}
			p.PhotoURL = ptr
		case FieldCurrentHolderID:
			id, err := asInt64(key, value)
			if err != nil {
				return err
			}
			p.CurrentHolderID = id
		default:
			return apperrors.Newf(apperrors.ErrInvalid, "unknown property field %q", key)
		}
	}
	return nil
}

// LockedPropertyFields computes the set of property fields covered by
// unresolved mutations. A pending CREATE or DELETE locks the whole record.
func LockedPropertyFields(items []*models.SyncQueueItem) map[string]bool {
	locked := make(map[string]bool)

	for _, item := range items {
		switch item.Operation {
		case models.OperationUpdate:
			var p PropertyUpdatePayload
			if err := json.Unmarshal(item.Payload, &p); err != nil {
				// Undecodable payloads lock everything rather than risk a clobber.
				return lockAll(propertyFields)
			}
			for key := range p.Fields {
				locked[key] = true
			}
		case models.OperationCreate, models.OperationDelete:
			return lockAll(propertyFields)
		}
	}

	return locked
}

// LockedTransferFields computes the set of transfer fields covered by
// unresolved mutations. A pending request locks the whole record; a pending
// approve/reject locks the resolution field group.
func LockedTransferFields(items []*models.SyncQueueItem) map[string]bool {
	locked := make(map[string]bool)

	for _, item := range items {
		switch item.Operation {
		case models.OperationTransferRequest:
			return lockAll(transferFields)
		case models.OperationTransferApprove, models.OperationTransferReject:
			locked[FieldTransferStatus] = true
			locked[FieldTransferNotes] = true
			locked[FieldTransferResolvedAt] = true
		}
	}

	return locked
}

func lockAll(fields []string) map[string]bool {
	locked := make(map[string]bool, len(fields))
	for _, f := range fields {
		locked[f] = true
	}
	return locked
}

func asString(key string, value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", apperrors.Newf(apperrors.ErrInvalid, "field %q expects a string", key)
	}
	return s, nil
}

func asStringPtr(key string, value interface{}) (*string, error) {
	if value == nil {
		return nil, nil
	}
	s, ok := value.(string)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "field %q expects a string or null", key)
	}
	return &s, nil
}

func asInt64(key string, value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		// JSON round-trip turns integers into float64.
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, apperrors.Newf(apperrors.ErrInvalid, "field %q expects an integer", key)
	}
}
