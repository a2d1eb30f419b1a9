// Package corerr classifies storage-core errors into the retry/propagation
// policy spec'd for the transaction engine and scheduled-jobs executor.
package corerr

import (
	"errors"
	"fmt"
)

// Kind tags an Error with the policy callers should apply to it.
type Kind int

const (
	// KindOCC means a write conflict was detected at commit. Retryable up
	// to a bounded number of attempts.
	KindOCC Kind = iota
	// KindUser means the error was caused by invalid input, a schema
	// violation, or an oversized payload. Deterministic; never retried.
	KindUser
	// KindRetention means the transaction's snapshot fell behind
	// min_snapshot_ts. Retried by reopening a fresh snapshot.
	KindRetention
	// KindSystem means a transient, non-deterministic failure (timeout,
	// connectivity). Retried with exponential backoff.
	KindSystem
	// KindFatal means data corruption or an invariant violation. Never
	// retried; bubbles to the caller.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOCC:
		return "OCC"
	case KindUser:
		return "User"
	case KindRetention:
		return "Retention"
	case KindSystem:
		return "System"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind and a short machine-readable
// code, mirroring the classifier envelope spec.md §7/§9 describes in place
// of the original's inheritance-based error types.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with no underlying cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies an existing error, attaching a code for callers that key
// off short machine-readable strings.
func Wrap(kind Kind, code string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Cause: cause}
}

// OCC builds the conflict error C6's commit validation returns.
func OCC(code, message string) *Error {
	return New(KindOCC, code, message)
}

// RetentionExpired builds the error C7's snapshot guards return.
func RetentionExpired(message string) *Error {
	return New(KindRetention, "RetentionExpired", message)
}

// IsKind reports whether err (or any error it wraps) classifies as kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// IsOCC reports whether err is (or wraps) an OCC conflict.
func IsOCC(err error) bool { return IsKind(err, KindOCC) }

// IsRetentionExpired reports whether err is (or wraps) a retention failure.
func IsRetentionExpired(err error) bool { return IsKind(err, KindRetention) }

// IsUser reports whether err is a deterministic, non-retryable user error.
func IsUser(err error) bool { return IsKind(err, KindUser) }

// IsFatal reports whether err is unrecoverable.
func IsFatal(err error) bool { return IsKind(err, KindFatal) }
