// Package otp issues and verifies one-time SMS login codes. All state
// lives in the store; every check re-reads it, so correctness survives
// process restarts.
package otp

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand"
	"strings"
	"text/template"
	"time"

	"github.com/adaokul/phoneauth/internal/models"
	"github.com/adaokul/phoneauth/internal/phone"
	"github.com/adaokul/phoneauth/internal/ratelimit"
	"github.com/adaokul/phoneauth/internal/store"
	"github.com/zerodha/logf"
)

// Delivery failure policies.
const (
	DeliveryFatal    = "fatal"
	DeliveryAdvisory = "advisory"
)

const defaultTemplate = "Sevgili {{ .Name }}, doğrulama kodunuz: {{ .Code }}"

// Opt contains the service configuration.
type Opt struct {
	// TTL is the lifetime of an issued code.
	TTL time.Duration

	// IssueWindow is how far back Issue looks for an active code
	// before refusing to create a new one.
	IssueWindow time.Duration

	// MaxAttempts is the per-record verification attempt cap.
	MaxAttempts int

	// DeliveryPolicy decides whether a failed SMS push fails the whole
	// issuance (fatal) or is merely logged (advisory).
	DeliveryPolicy string

	// SweepProbability is the fraction of Issue calls that trigger an
	// opportunistic cleanup of expired records.
	SweepProbability float64

	// MessageTemplate renders the SMS body. Fields: Name, Code, TTL.
	MessageTemplate string
}

// IssueResult is the success output of Issue.
type IssueResult struct {
	Identifier string `json:"identifier"`
	ExpiresAt  int64  `json:"expires_at"`
}

// VerifyResult is the success output of Verify. UserID is the row id of
// the verified OTP record; the caller mints session credentials from it.
type VerifyResult struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	UserID     int64  `json:"user_id"`
}

type msgData struct {
	Name string
	Code string
	TTL  time.Duration
}

// Service implements OTP issuance and verification.
type Service struct {
	store    store.Store
	limiter  *ratelimit.Limiter
	provider models.Provider
	tpl      *template.Template
	lo       logf.Logger
	opt      Opt

	// Injectable clock and random source.
	now      func() int64
	readRand func(b []byte) (int, error)
}

// New returns an OTP service.
func New(opt Opt, st store.Store, lim *ratelimit.Limiter, prov models.Provider, lo logf.Logger) (*Service, error) {
	if opt.TTL <= 0 {
		opt.TTL = 10 * time.Minute
	}
	if opt.IssueWindow <= 0 {
		opt.IssueWindow = 5 * time.Minute
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 3
	}
	if opt.DeliveryPolicy == "" {
		opt.DeliveryPolicy = DeliveryAdvisory
	}
	if opt.DeliveryPolicy != DeliveryFatal && opt.DeliveryPolicy != DeliveryAdvisory {
		return nil, fmt.Errorf("unknown delivery policy: %s", opt.DeliveryPolicy)
	}
	if opt.MessageTemplate == "" {
		opt.MessageTemplate = defaultTemplate
	}

	tpl, err := template.New("sms").Parse(opt.MessageTemplate)
	if err != nil {
		return nil, fmt.Errorf("error parsing message template: %w", err)
	}

	return &Service{
		store:    st,
		limiter:  lim,
		provider: prov,
		tpl:      tpl,
		lo:       lo,
		opt:      opt,
		now:      func() int64 { return time.Now().UnixMilli() },
		readRand: rand.Read,
	}, nil
}

// Issue creates a code for the given name and phone number and hands it
// to the delivery channel. Exactly one valid code may be active per
// identifier at a time.
func (s *Service) Issue(ctx context.Context, name, rawPhone string) (IssueResult, error) {
	num, err := phone.Normalize(rawPhone)
	if err != nil {
		return IssueResult{}, err
	}

	// Opportunistic cleanup of expired records. A missed sweep only
	// grows storage, it never affects correctness.
	if s.opt.SweepProbability > 0 && mrand.Float64() < s.opt.SweepProbability {
		if n, err := s.store.SweepOTPs(ctx, s.now()); err != nil {
			s.lo.Error("error sweeping expired codes", "error", err)
		} else if n > 0 {
			s.lo.Debug("swept expired codes", "count", n)
		}
	}

	ok, err := s.limiter.Allow(ctx, num, ratelimit.OpSend, s.now())
	if err != nil {
		return IssueResult{}, fmt.Errorf("error checking rate limit: %w", err)
	}
	if !ok {
		return IssueResult{}, ErrRateLimited
	}

	code, err := s.generateCode()
	if err != nil {
		return IssueResult{}, fmt.Errorf("error generating code: %w", err)
	}

	now := s.now()
	rec := models.OTPRecord{
		Phone:     num,
		Name:      strings.TrimSpace(name),
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now + s.opt.TTL.Milliseconds(),
	}

	rec, err = s.store.CreateOTP(ctx, rec, now-s.opt.IssueWindow.Milliseconds())
	if err != nil {
		if errors.Is(err, store.ErrActiveExists) {
			return IssueResult{}, ErrAlreadyActive
		}
		return IssueResult{}, fmt.Errorf("error storing code: %w", err)
	}

	if err := s.deliver(ctx, rec); err != nil {
		return IssueResult{}, err
	}

	return IssueResult{Identifier: num, ExpiresAt: rec.ExpiresAt}, nil
}

// Verify checks a submitted code. On success the record is closed for
// good and the user is created or refreshed.
func (s *Service) Verify(ctx context.Context, rawPhone, code string) (VerifyResult, error) {
	num, err := phone.Normalize(rawPhone)
	if err != nil {
		return VerifyResult{}, err
	}

	ok, err := s.limiter.Allow(ctx, num, ratelimit.OpVerify, s.now())
	if err != nil {
		return VerifyResult{}, fmt.Errorf("error checking rate limit: %w", err)
	}
	if !ok {
		return VerifyResult{}, ErrRateLimited
	}

	now := s.now()
	rec, err := s.store.FindValidOTP(ctx, num, code, now)
	if err != nil {
		if !errors.Is(err, store.ErrNotExist) {
			return VerifyResult{}, fmt.Errorf("error looking up code: %w", err)
		}

		// Count the miss against whatever records match the submitted
		// code, live or not. Supports brute-force telemetry.
		if err := s.store.IncrementAttempts(ctx, num, code); err != nil {
			return VerifyResult{}, fmt.Errorf("error counting attempt: %w", err)
		}
		return VerifyResult{}, ErrInvalidOrExpired
	}

	if rec.Attempts >= s.opt.MaxAttempts {
		return VerifyResult{}, ErrTooManyAttempts
	}

	if err := s.store.MarkUsed(ctx, rec.ID, now); err != nil {
		if errors.Is(err, store.ErrAlreadyUsed) {
			return VerifyResult{}, ErrInvalidOrExpired
		}
		return VerifyResult{}, fmt.Errorf("error closing code: %w", err)
	}

	user := models.User{
		Phone:       num,
		Name:        rec.Name,
		CreatedAt:   rec.CreatedAt,
		LastLoginAt: now,
		Active:      true,
	}
	if err := s.store.UpsertUser(ctx, user); err != nil {
		return VerifyResult{}, fmt.Errorf("error upserting user: %w", err)
	}

	return VerifyResult{Identifier: num, Name: rec.Name, UserID: rec.ID}, nil
}

// Sweep removes expired records. Invoked at process startup and
// opportunistically from Issue.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.store.SweepOTPs(ctx, s.now())
}

// generateCode draws 3 bytes from the random source and reduces the
// 24-bit value modulo 1e6, zero-padded to 6 digits. The modulo leaves a
// slight bias towards low codes; accepted for this threat model.
func (s *Service) generateCode() (string, error) {
	var b [3]byte
	if _, err := s.readRand(b[:]); err != nil {
		return "", err
	}

	n := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return fmt.Sprintf("%06d", n%1000000), nil
}

// deliver renders the SMS body and pushes it out. Under the advisory
// policy a failed push logs the code and succeeds.
func (s *Service) deliver(ctx context.Context, rec models.OTPRecord) error {
	if err := s.provider.ValidateAddress(rec.Phone); err != nil {
		return fmt.Errorf("error validating address: %w", err)
	}

	var body bytes.Buffer
	if err := s.tpl.Execute(&body, msgData{Name: rec.Name, Code: rec.Code, TTL: s.opt.TTL}); err != nil {
		return fmt.Errorf("error rendering message: %w", err)
	}
	if max := s.provider.MaxBodyLen(); max > 0 && body.Len() > max {
		return fmt.Errorf("message body exceeds %d bytes", max)
	}

	if err := s.provider.Push(ctx, rec.Phone, body.Bytes()); err != nil {
		if s.opt.DeliveryPolicy == DeliveryFatal {
			s.lo.Error("error delivering code", "error", err, "provider", s.provider.ID(), "phone", rec.Phone)
			return ErrDeliveryFailed
		}
		s.lo.Warn("delivery failed, policy is advisory", "error", err, "provider", s.provider.ID(), "phone", rec.Phone, "code", rec.Code)
	}

	return nil
}
