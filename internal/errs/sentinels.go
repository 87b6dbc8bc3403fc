// Package errs contains the error taxonomy shared by the client sync layer and the server.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinels for classification. Wrap them with fmt.Errorf("...: %w") and test with errors.Is.
var (
	// ErrTransient covers network failures, timeouts and 5xx responses. Retried by the outbox.
	ErrTransient = errors.New("transient network error")

	// ErrValidation means the server rejected the payload. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrConflict means the target no longer exists or was changed concurrently.
	ErrConflict = errors.New("conflict")

	// ErrAuth means the session is missing or expired. The caller must re-authenticate.
	ErrAuth = errors.New("authentication required")

	// ErrForbidden means the session is valid but the operation is not allowed.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRetriesExhausted is attached when a transient failure outlived the retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrCancelled marks queued operations dropped because an earlier operation on the same target failed.
	ErrCancelled = errors.New("cancelled by failed predecessor")
)

// Kind is a coarse error class used in logs and notifications.
type Kind string

const (
	KindNone       Kind = ""
	KindTransient  Kind = "transient"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindAuth       Kind = "auth"
	KindForbidden  Kind = "forbidden"
	KindCancelled  Kind = "cancelled"
	KindUnknown    Kind = "unknown"
)

// Classify maps err onto a Kind. Context deadline counts as transient.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
		return KindConflict
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindUnknown
	}
}

// Retryable reports whether the outbox may try the operation again.
func Retryable(err error) bool {
	if errors.Is(err, ErrRetriesExhausted) {
		return false
	}
	return Classify(err) == KindTransient
}

// Transient wraps err as a transient failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
