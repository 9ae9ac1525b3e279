// Package remote defines the narrow interfaces the sync core consumes from
// the HandReceipt server, plus the transient/permanent error classification
// the queue processor's retry policy is built on.
package remote

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/toole-brendan/handreceipt-sync/internal/models"
)

// ErrorKind classifies a remote failure for the retry policy.
type ErrorKind string

const (
	// ErrorKindTransient covers network timeouts, 5xx responses and rate
	// limits; the processor retries these with exponential backoff.
	ErrorKindTransient ErrorKind = "transient"

	// ErrorKindPermanent covers validation errors, conflicts and not-found
	// responses; these are terminal and surfaced to the user.
	ErrorKindPermanent ErrorKind = "permanent"
)

// Error is a classified remote API failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote %s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote %s error: %s", e.Kind, e.Message)
}

// Transient creates a transient remote error.
func Transient(message string) *Error {
	return &Error{Kind: ErrorKindTransient, Message: message}
}

// Permanent creates a permanent remote error.
func Permanent(message string) *Error {
	return &Error{Kind: ErrorKindPermanent, Message: message}
}

// FromStatus classifies an HTTP status code into a remote error.
func FromStatus(statusCode int, message string) *Error {
	kind := ErrorKindPermanent
	if statusCode >= 500 || statusCode == http.StatusTooManyRequests {
		kind = ErrorKindTransient
	}
	return &Error{Kind: kind, StatusCode: statusCode, Message: message}
}

// IsTransient reports whether err is a retryable remote failure. Errors that
// carry no classification (plain network errors, cancelled contexts) are
// treated as transient: the safe default is to retry up to the cap.
func IsTransient(err error) bool {
	var remoteErr *Error
	if stderrors.As(err, &remoteErr) {
		return remoteErr.Kind == ErrorKindTransient
	}
	return true
}

// IsPermanent reports whether err is a terminal remote failure.
func IsPermanent(err error) bool {
	return !IsTransient(err)
}

// PhotoReceipt is the server's confirmation of a completed photo upload.
// ContentHash is the digest the server computed over the received bytes;
// the processor verifies it against the enqueue-time hash.
type PhotoReceipt struct {
	PhotoURL    string `json:"photo_url"`
	ContentHash string `json:"content_hash"`
}

// Client is the remote API surface the queue processor dispatches against.
// Every call returns either the canonical server representation or a
// classified error.
type Client interface {
	// CreateProperty registers a new property and returns the canonical
	// record with the server-assigned id.
	CreateProperty(ctx context.Context, p *models.CachedProperty) (*models.CachedProperty, error)

	// UpdateProperty applies a partial update and returns the canonical record.
	UpdateProperty(ctx context.Context, id int64, fields map[string]interface{}) (*models.CachedProperty, error)

	// DeleteProperty removes a property.
	DeleteProperty(ctx context.Context, id int64) error

	// RequestTransfer submits a transfer request and returns the canonical
	// record with the server-assigned id.
	RequestTransfer(ctx context.Context, t *models.CachedTransfer) (*models.CachedTransfer, error)

	// ApproveTransfer approves a pending transfer.
	ApproveTransfer(ctx context.Context, id int64, notes string) (*models.CachedTransfer, error)

	// RejectTransfer rejects a pending transfer.
	RejectTransfer(ctx context.Context, id int64, notes string) (*models.CachedTransfer, error)

	// UploadPhoto streams photo bytes for a property. The server dedupes by
	// content hash, so re-uploading after a crash is idempotent.
	UploadPhoto(ctx context.Context, propertyID int64, r io.Reader, contentHash string) (*PhotoReceipt, error)
}

// CredentialSource supplies the current user identity and a valid credential
// for remote calls. Credential lifecycle is owned by the app's auth layer,
// not by the sync core.
type CredentialSource interface {
	// Token returns a credential valid for the next request.
	Token(ctx context.Context) (string, error)

	// UserID returns the authenticated user's id.
	UserID() int64
}
