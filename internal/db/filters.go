// Package db provides list filter building for cached entities.
package db

import (
	"strings"

	"github.com/toole-brendan/handreceipt-sync/internal/models"
)

// Filter represents a single list filter condition.
type Filter interface {
	// SQL returns the SQL fragment for this filter
	SQL() string

	// Args returns the arguments for this filter
	Args() []interface{}

	// Valid checks if the filter is valid
	Valid() bool
}

// HolderFilter filters properties by current holder.
type HolderFilter struct {
	UserID int64
}

// Valid checks if the holder id is set.
func (f *HolderFilter) Valid() bool {
	return f.UserID != 0
}

// SQL returns the SQL fragment for holder filtering.
func (f *HolderFilter) SQL() string {
	return "current_holder_id = ?"
}

// Args returns the arguments for holder filtering.
func (f *HolderFilter) Args() []interface{} {
	return []interface{}{f.UserID}
}

// DirtyFilter restricts results to records with unsynced local changes.
type DirtyFilter struct{}

// Valid always returns true; the filter carries no parameters.
func (f *DirtyFilter) Valid() bool {
	return true
}

// SQL returns the SQL fragment for dirty filtering.
func (f *DirtyFilter) SQL() string {
	return "is_dirty = 1"
}

// Args returns the arguments for dirty filtering.
func (f *DirtyFilter) Args() []interface{} {
	return nil
}

// SerialPrefixFilter filters properties by serial number prefix, used by
// scan-to-search screens.
type SerialPrefixFilter struct {
	Prefix string
}

// Valid checks if the prefix is non-empty and free of LIKE wildcards.
func (f *SerialPrefixFilter) Valid() bool {
	return f.Prefix != "" && !strings.ContainsAny(f.Prefix, "%_")
}

// SQL returns the SQL fragment for serial prefix filtering.
func (f *SerialPrefixFilter) SQL() string {
	return "serial_number LIKE ?"
}

// Args returns the arguments for serial prefix filtering.
func (f *SerialPrefixFilter) Args() []interface{} {
	return []interface{}{f.Prefix + "%"}
}

// TransferStatusFilter filters transfers by status.
type TransferStatusFilter struct {
	Status models.TransferStatus
}

// Valid checks if the status is a known transfer state.
func (f *TransferStatusFilter) Valid() bool {
	return f.Status.Valid()
}

// SQL returns the SQL fragment for status filtering.
func (f *TransferStatusFilter) SQL() string {
	return "status = ?"
}

// Args returns the arguments for status filtering.
func (f *TransferStatusFilter) Args() []interface{} {
	return []interface{}{string(f.Status)}
}

// PropertyIDFilter filters transfers by the property they move.
type PropertyIDFilter struct {
	PropertyID int64
}

// Valid checks if the property id is set.
func (f *PropertyIDFilter) Valid() bool {
	return f.PropertyID != 0
}

// SQL returns the SQL fragment for property filtering.
func (f *PropertyIDFilter) SQL() string {
	return "property_id = ?"
}

// Args returns the arguments for property filtering.
func (f *PropertyIDFilter) Args() []interface{} {
	return []interface{}{f.PropertyID}
}

// ParticipantFilter filters transfers involving a user on either side.
type ParticipantFilter struct {
	UserID int64
}

// Valid checks if the user id is set.
func (f *ParticipantFilter) Valid() bool {
	return f.UserID != 0
}

// SQL returns the SQL fragment for participant filtering.
func (f *ParticipantFilter) SQL() string {
	return "(from_user_id = ? OR to_user_id = ?)"
}

// Args returns the arguments for participant filtering.
func (f *ParticipantFilter) Args() []interface{} {
	return []interface{}{f.UserID, f.UserID}
}

// buildWhere combines valid filters into a WHERE clause and argument list.
// Invalid filters are skipped rather than failing the query; an empty filter
// set yields an empty clause.
func buildWhere(filters []Filter) (string, []interface{}) {
	var parts []string
	var args []interface{}

	for _, f := range filters {
		if f == nil || !f.Valid() {
			continue
		}
		parts = append(parts, f.SQL())
		args = append(args, f.Args()...)
	}

	if len(parts) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(parts, " AND "), args
}
