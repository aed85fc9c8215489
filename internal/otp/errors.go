package otp

import "errors"

// Failure classes surfaced to the caller. Retry policy belongs to the
// caller entirely: the service never retries on its own, as retrying
// rate-limit or delivery failures would defeat the limiter.
var (
	// ErrRateLimited is returned when the fixed window for the
	// operation is exhausted. Transient; retry after the window rolls.
	ErrRateLimited = errors.New("too many requests")

	// ErrAlreadyActive is returned by Issue while the identifier has an
	// unexpired, unused code. The existing code is still usable.
	ErrAlreadyActive = errors.New("an active verification code already exists")

	// ErrDeliveryFailed is returned by Issue when the SMS channel fails
	// and the delivery policy is fatal. The record stays persisted.
	ErrDeliveryFailed = errors.New("could not deliver the verification code")

	// ErrInvalidOrExpired is returned by Verify when no live record
	// matches the submitted code.
	ErrInvalidOrExpired = errors.New("invalid or expired verification code")

	// ErrTooManyAttempts is returned by Verify when the matching record
	// has exhausted its attempts. The flow must be restarted.
	ErrTooManyAttempts = errors.New("too many attempts for this code")
)
