package models

import "context"

// OTPRecord is a single issued verification code. All instants are
// Unix milliseconds.
type OTPRecord struct {
	ID         int64  `json:"id"`
	Phone      string `json:"phone_number"`
	Name       string `json:"name"`
	Code       string `json:"code"`
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  int64  `json:"expires_at"`
	VerifiedAt int64  `json:"verified_at"`
	Attempts   int    `json:"attempts"`
	Used       bool   `json:"used"`
}

// User is an account keyed on the canonical phone number. It is created
// or refreshed only by a successful OTP verification.
type User struct {
	Phone       string `json:"phone_number"`
	Name        string `json:"name"`
	CreatedAt   int64  `json:"created_at"`
	LastLoginAt int64  `json:"last_login_at"`
	Active      bool   `json:"active"`
}

// Provider is a delivery channel for OTP messages, for instance,
// an SMS gateway.
type Provider interface {
	// ID returns the name of the Provider.
	ID() string

	// ValidateAddress validates the 'to' address the Provider is
	// supposed to deliver the OTP to, eg: a phone number.
	ValidateAddress(to string) error

	// Push delivers a rendered message to the given address. The call
	// is bounded by the given context.
	Push(ctx context.Context, to string, body []byte) error

	// MaxBodyLen returns the maximum permitted length of the text
	// that can be sent by the Provider.
	MaxBodyLen() int
}
