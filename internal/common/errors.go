// Package common defines shared constants and sentinel errors used across
// client and server layers of Cadenza. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrInternal = errors.New("internal error")

	// Upload error taxonomy. The coordinator's retry policy keys off these:
	// transient and expired-credential failures are retried, the rest are
	// surfaced immediately.
	ErrTransient         = errors.New("transient network error")
	ErrCredentialExpired = errors.New("upload credential expired")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrQuotaOrValidation = errors.New("rejected by server")
	ErrLocalStorage      = errors.New("local storage error")

	// State machine errors.
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrTransferInFlight  = errors.New("transfer already in flight")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
)

// Retryable reports whether err may be resolved by retrying the attempt.
// Expired upload credentials count as retryable because a fresh negotiate
// call issues a new URL without creating a duplicate server record.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrCredentialExpired)
}
