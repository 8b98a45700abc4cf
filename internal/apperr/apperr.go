// Package apperr defines the error taxonomy shared across the orchestration
// core. Callers branch on Kind; everything else about an error is context for
// logs.
package apperr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies an error for propagation policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindForbidden
	KindConflict
	KindValidation
	KindTransient
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	}
	return "unknown"
}

// Error carries a kind plus, for conflicts, the authoritative current version
// so the caller can re-read and resubmit.
type Error struct {
	Kind           Kind
	Msg            string
	CurrentVersion int
	cause          error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// NotFound builds a not-found error.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Forbidden builds an ownership-mismatch error.
func Forbidden(format string, args ...any) error {
	return &Error{Kind: KindForbidden, Msg: fmt.Sprintf(format, args...)}
}

// Conflict builds a version-mismatch error carrying the stored version.
func Conflict(currentVersion int, format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...), CurrentVersion: currentVersion}
}

// Validation builds a malformed-input error.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps err as retryable.
func Transient(err error, msg string) error {
	return &Error{Kind: KindTransient, Msg: msg, cause: err}
}

// Permanent wraps err as not retryable.
func Permanent(err error, msg string) error {
	return &Error{Kind: KindPermanent, Msg: msg, cause: err}
}

// KindOf returns the kind of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ConflictVersion extracts the current version from a conflict error.
// Returns 0, false for anything else.
func ConflictVersion(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindConflict {
		return e.CurrentVersion, true
	}
	return 0, false
}

// Retryable reports whether err may be retried. Conflict and Validation
// require a caller decision; NotFound, Forbidden and Permanent are final.
// Unclassified errors (raw driver errors, timeouts) are treated as transient.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindValidation, KindNotFound, KindForbidden, KindPermanent:
		return false
	}
	return true
}
