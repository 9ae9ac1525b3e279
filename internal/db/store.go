// Package db provides the Local Store operations for cached entities.
package db

import (
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/toole-brendan/handreceipt-sync/internal/errors"
	"github.com/toole-brendan/handreceipt-sync/internal/models"
)

// DefaultMaxQueueDepth bounds each operational log; enqueues beyond it are
// rejected rather than accepted and starved.
const DefaultMaxQueueDepth = 1000

// Store is the single source of truth for offline reads and the exclusive
// owner of the four record collections. All access is serialized by the
// single database connection, which is what keeps queue claims atomic
// between concurrent processor workers and foreground cache writes.
type Store struct {
	db            *sqlx.DB
	maxQueueDepth int
}

// NewStore creates a Store over an opened database. maxQueueDepth <= 0
// selects DefaultMaxQueueDepth.
func NewStore(database *DB, maxQueueDepth int) *Store {
	if maxQueueDepth <= 0 {
		maxQueueDepth = DefaultMaxQueueDepth
	}
	return &Store{db: database.DB, maxQueueDepth: maxQueueDepth}
}

// tableFor maps an entity type to its table name.
func tableFor(entity models.EntityType) (string, error) {
	switch entity {
	case models.EntityProperty:
		return models.CachedProperty{}.TableName(), nil
	case models.EntityTransfer:
		return models.CachedTransfer{}.TableName(), nil
	default:
		return "", apperrors.Newf(apperrors.ErrInvalid, "unknown entity type %q", entity)
	}
}

// =====================================================
// CachedProperty Operations
// =====================================================

// UpsertProperty inserts or updates a property record by id. On update the
// dirty flag, created_at and last_synced_at of the existing row are
// preserved; use ReplaceProperty when applying a confirmed server response.
func (s *Store) UpsertProperty(p *models.CachedProperty) error {
	query := `
	INSERT INTO cached_properties (id, name, serial_number, description, nsn, lin, location,
		current_holder_id, photo_url, created_at, updated_at, last_synced_at, is_dirty)
	VALUES (:id, :name, :serial_number, :description, :nsn, :lin, :location,
		:current_holder_id, :photo_url, :created_at, :updated_at, :last_synced_at, :is_dirty)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		serial_number = excluded.serial_number,
		description = excluded.description,
		nsn = excluded.nsn,
		lin = excluded.lin,
		location = excluded.location,
		current_holder_id = excluded.current_holder_id,
		photo_url = excluded.photo_url,
		updated_at = excluded.updated_at
	`
	_, err := s.db.NamedExec(query, p)
	return err
}

// ReplaceProperty writes every column of a property record, including the
// dirty flag and last_synced_at. Callers are expected to have decided those
// flags already (merge resolver, mutation completion).
func (s *Store) ReplaceProperty(p *models.CachedProperty) error {
	query := `
	INSERT INTO cached_properties (id, name, serial_number, description, nsn, lin, location,
		current_holder_id, photo_url, created_at, updated_at, last_synced_at, is_dirty)
	VALUES (:id, :name, :serial_number, :description, :nsn, :lin, :location,
		:current_holder_id, :photo_url, :created_at, :updated_at, :last_synced_at, :is_dirty)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		serial_number = excluded.serial_number,
		description = excluded.description,
		nsn = excluded.nsn,
		lin = excluded.lin,
		location = excluded.location,
		current_holder_id = excluded.current_holder_id,
		photo_url = excluded.photo_url,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		last_synced_at = excluded.last_synced_at,
		is_dirty = excluded.is_dirty
	`
	_, err := s.db.NamedExec(query, p)
	return err
}

// GetProperty retrieves a property by id. A miss is a NOT_FOUND error.
func (s *Store) GetProperty(id int64) (*models.CachedProperty, error) {
	var p models.CachedProperty
	err := s.db.Get(&p, "SELECT * FROM cached_properties WHERE id = ?", id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "property %d not cached", id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProperties returns cached properties matching the given filters.
// A query matching nothing returns an empty slice, never an error.
func (s *Store) ListProperties(filters ...Filter) ([]*models.CachedProperty, error) {
	where, args := buildWhere(filters)
	query := "SELECT * FROM cached_properties" + where + " ORDER BY name ASC, id ASC"

	properties := []*models.CachedProperty{}
	if err := s.db.Select(&properties, query, args...); err != nil {
		return nil, err
	}
	return properties, nil
}

// DeleteProperty removes a property record, used on explicit local purge or
// confirmed server deletion.
func (s *Store) DeleteProperty(id int64) error {
	_, err := s.db.Exec("DELETE FROM cached_properties WHERE id = ?", id)
	return err
}

// SetPropertyPhotoURL updates only the photo URL of a cached property,
// leaving the dirty flag alone. Used when a queued photo upload completes.
func (s *Store) SetPropertyPhotoURL(id int64, photoURL string, now int64) error {
	res, err := s.db.Exec(
		"UPDATE cached_properties SET photo_url = ?, updated_at = ? WHERE id = ?",
		photoURL, now, id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, apperrors.Newf(apperrors.ErrNotFound, "property %d not cached", id))
}

// RekeyProperty swaps a locally assigned placeholder id for the
// server-assigned one, carrying every reference in the operational logs
// along with it.
func (s *Store) RekeyProperty(oldID, newID int64) error {
	if oldID == newID {
		return nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	steps := []struct {
		query string
		args  []interface{}
	}{
		{"UPDATE cached_properties SET id = ? WHERE id = ?", []interface{}{newID, oldID}},
		{"UPDATE cached_transfers SET property_id = ? WHERE property_id = ?", []interface{}{newID, oldID}},
		{"UPDATE sync_queue SET entity_id = ? WHERE entity_type = ? AND entity_id = ?",
			[]interface{}{newID, string(models.EntityProperty), oldID}},
		{"UPDATE pending_photo_uploads SET property_id = ? WHERE property_id = ?", []interface{}{newID, oldID}},
	}
	for _, step := range steps {
		if _, err := tx.Exec(step.query, step.args...); err != nil {
			return fmt.Errorf("failed to rekey property %d -> %d: %w", oldID, newID, err)
		}
	}

	return tx.Commit()
}

// MinPropertyID returns the smallest cached property id, or 0 when the
// cache is empty. Used to seed the placeholder id counter for offline
// creates across restarts.
func (s *Store) MinPropertyID() (int64, error) {
	var min int64
	err := s.db.Get(&min, "SELECT COALESCE(MIN(id), 0) FROM cached_properties")
	return min, err
}

// =====================================================
// CachedTransfer Operations
// =====================================================

// UpsertTransfer inserts or updates a transfer record by id, preserving the
// dirty flag and last_synced_at of an existing row.
func (s *Store) UpsertTransfer(t *models.CachedTransfer) error {
	query := `
	INSERT INTO cached_transfers (id, property_id, from_user_id, to_user_id, status, notes,
		requested_at, resolved_at, last_synced_at, is_dirty)
	VALUES (:id, :property_id, :from_user_id, :to_user_id, :status, :notes,
		:requested_at, :resolved_at, :last_synced_at, :is_dirty)
	ON CONFLICT(id) DO UPDATE SET
		property_id = excluded.property_id,
		from_user_id = excluded.from_user_id,
		to_user_id = excluded.to_user_id,
		status = excluded.status,
		notes = excluded.notes,
		resolved_at = excluded.resolved_at
	`
	_, err := s.db.NamedExec(query, t)
	return err
}

// ReplaceTransfer writes every column of a transfer record, flags included.
func (s *Store) ReplaceTransfer(t *models.CachedTransfer) error {
	query := `
	INSERT INTO cached_transfers (id, property_id, from_user_id, to_user_id, status, notes,
		requested_at, resolved_at, last_synced_at, is_dirty)
	VALUES (:id, :property_id, :from_user_id, :to_user_id, :status, :notes,
		:requested_at, :resolved_at, :last_synced_at, :is_dirty)
	ON CONFLICT(id) DO UPDATE SET
		property_id = excluded.property_id,
		from_user_id = excluded.from_user_id,
		to_user_id = excluded.to_user_id,
		status = excluded.status,
		notes = excluded.notes,
		requested_at = excluded.requested_at,
		resolved_at = excluded.resolved_at,
		last_synced_at = excluded.last_synced_at,
		is_dirty = excluded.is_dirty
	`
	_, err := s.db.NamedExec(query, t)
	return err
}

// GetTransfer retrieves a transfer by id. A miss is a NOT_FOUND error.
func (s *Store) GetTransfer(id int64) (*models.CachedTransfer, error) {
	var t models.CachedTransfer
	err := s.db.Get(&t, "SELECT * FROM cached_transfers WHERE id = ?", id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "transfer %d not cached", id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransfers returns cached transfers matching the given filters, most
// recently requested first.
func (s *Store) ListTransfers(filters ...Filter) ([]*models.CachedTransfer, error) {
	where, args := buildWhere(filters)
	query := "SELECT * FROM cached_transfers" + where + " ORDER BY requested_at DESC, id DESC"

	transfers := []*models.CachedTransfer{}
	if err := s.db.Select(&transfers, query, args...); err != nil {
		return nil, err
	}
	return transfers, nil
}

// DeleteTransfer removes a transfer record.
func (s *Store) DeleteTransfer(id int64) error {
	_, err := s.db.Exec("DELETE FROM cached_transfers WHERE id = ?", id)
	return err
}

// RekeyTransfer swaps a locally assigned placeholder transfer id for the
// server-assigned one, updating queued mutations that reference it.
func (s *Store) RekeyTransfer(oldID, newID int64) error {
	if oldID == newID {
		return nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE cached_transfers SET id = ? WHERE id = ?", newID, oldID); err != nil {
		return fmt.Errorf("failed to rekey transfer %d -> %d: %w", oldID, newID, err)
	}
	if _, err := tx.Exec(
		"UPDATE sync_queue SET entity_id = ? WHERE entity_type = ? AND entity_id = ?",
		newID, string(models.EntityTransfer), oldID,
	); err != nil {
		return fmt.Errorf("failed to rekey transfer %d -> %d: %w", oldID, newID, err)
	}

	return tx.Commit()
}

// MinTransferID returns the smallest cached transfer id, or 0 when empty.
func (s *Store) MinTransferID() (int64, error) {
	var min int64
	err := s.db.Get(&min, "SELECT COALESCE(MIN(id), 0) FROM cached_transfers")
	return min, err
}

// =====================================================
// Dirty Flag Operations
// =====================================================

// MarkDirty flags an entity as locally modified pending server confirmation.
func (s *Store) MarkDirty(entity models.EntityType, id int64) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(
		"UPDATE "+table+" SET is_dirty = 1 WHERE id = ?", id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, apperrors.Newf(apperrors.ErrNotFound, "%s %d not cached", entity, id))
}

// ClearDirty clears the dirty flag and records the sync time.
func (s *Store) ClearDirty(entity models.EntityType, id int64, syncedAt int64) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(
		"UPDATE "+table+" SET is_dirty = 0, last_synced_at = ? WHERE id = ?", syncedAt, id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, apperrors.Newf(apperrors.ErrNotFound, "%s %d not cached", entity, id))
}

// requireRow converts a zero-rows-affected result into notFound.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// nowUnix is the store's clock, overridable in tests.
var nowUnix = func() int64 {
	return time.Now().Unix()
}
