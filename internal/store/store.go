package store

import (
	"context"
	"errors"
	"time"

	"github.com/adaokul/phoneauth/internal/models"
)

var (
	// ErrNotExist is returned when a requested OTP or user record
	// does not exist.
	ErrNotExist = errors.New("the record does not exist")

	// ErrActiveExists is returned by CreateOTP when the identifier
	// already has an unexpired, unused code inside the issue window.
	ErrActiveExists = errors.New("an active OTP already exists")

	// ErrAlreadyUsed is returned by MarkUsed when the record has
	// already been verified. The used flag transitions exactly once.
	ErrAlreadyUsed = errors.New("the OTP has already been used")
)

// Store is a storage backend for OTP records, users and rate-limit
// counters. The store's own atomic primitives are the only concurrency
// control in the system; callers never hold in-process locks.
type Store interface {
	// CreateOTP persists a new OTP record and returns it with the row ID
	// assigned. The active-code check and the insert happen inside one
	// atomic unit: if the identifier has a record created at or after
	// activeSince that is unused and unexpired, ErrActiveExists is
	// returned and nothing is written.
	CreateOTP(ctx context.Context, rec models.OTPRecord, activeSince int64) (models.OTPRecord, error)

	// FindValidOTP returns the most recently created record matching
	// (phone, code) that is unused and expires after now, or ErrNotExist.
	FindValidOTP(ctx context.Context, phone, code string, now int64) (models.OTPRecord, error)

	// IncrementAttempts atomically increments the attempts counter on
	// every record matching (phone, code), regardless of expiry or
	// used state.
	IncrementAttempts(ctx context.Context, phone, code string) error

	// MarkUsed closes the record: used=true, verifiedAt=now. A record
	// that is already used returns ErrAlreadyUsed; the transition is
	// never reversed.
	MarkUsed(ctx context.Context, id, now int64) error

	// UpsertUser inserts or replaces the user keyed on the phone number.
	UpsertUser(ctx context.Context, user models.User) error

	// User returns the user for the given phone number, or ErrNotExist.
	User(ctx context.Context, phone string) (models.User, error)

	// IncrRateLimit atomically inserts-at-1 or increments the counter
	// for (phone, op, windowStart) and returns the new count. The
	// counter is retained for at least the given duration and purged
	// by the store afterwards.
	IncrRateLimit(ctx context.Context, phone, op string, windowStart int64, retention time.Duration) (int64, error)

	// SweepOTPs deletes records whose expiry is in the past and returns
	// the number removed. Live records are never touched.
	SweepOTPs(ctx context.Context, now int64) (int, error)

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
