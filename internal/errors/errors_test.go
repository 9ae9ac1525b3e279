// Package errors provides unit tests for error codes and wrapping.
package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	plain := New(ErrNotFound, "property 42 not cached")
	if plain.Error() != "[NOT_FOUND] property 42 not cached" {
		t.Errorf("unexpected format: %q", plain.Error())
	}

	wrapped := Wrap(ErrDatabase, "failed to load property", stderrors.New("disk I/O error"))
	if wrapped.Error() != "[DATABASE_ERROR] failed to load property: disk I/O error" {
		t.Errorf("unexpected format: %q", wrapped.Error())
	}
}

func TestNewfFormatsMessage(t *testing.T) {
	err := Newf(ErrInvalid, "unknown property field %q", "color")
	if err.Message != `unknown property field "color"` {
		t.Errorf("unexpected message: %q", err.Message)
	}
	if err.Code != ErrInvalid {
		t.Errorf("unexpected code: %s", err.Code)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := stderrors.New("unique constraint violated")
	err := Wrap(ErrDatabase, "insert failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("Expected errors.Is to find the cause through Unwrap")
	}
	if New(ErrInternal, "no cause").Unwrap() != nil {
		t.Error("Expected nil Unwrap without a cause")
	}
}

func TestIsMatchesCodeThroughWrapping(t *testing.T) {
	inner := New(ErrQueueFull, "queue at capacity")
	outer := fmt.Errorf("enqueue: %w", inner)

	if !Is(outer, ErrQueueFull) {
		t.Error("Expected Is to match through fmt wrapping")
	}
	if Is(outer, ErrQueueConflict) {
		t.Error("Expected Is to reject a different code")
	}
	if Is(stderrors.New("plain"), ErrInternal) {
		t.Error("Expected Is to reject an unclassified error")
	}
	if Is(nil, ErrInternal) {
		t.Error("Expected Is to reject nil")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(ErrIntegrity, "hash mismatch")); got != ErrIntegrity {
		t.Errorf("Expected INTEGRITY_ERROR, got %s", got)
	}
	if got := CodeOf(fmt.Errorf("outer: %w", New(ErrRetryExhausted, "gave up"))); got != ErrRetryExhausted {
		t.Errorf("Expected RETRY_EXHAUSTED through wrapping, got %s", got)
	}
	if got := CodeOf(stderrors.New("plain")); got != ErrInternal {
		t.Errorf("Expected INTERNAL_ERROR fallback, got %s", got)
	}
}
