// Package logsms is a development delivery channel: it logs the message
// instead of sending it. Pairs with the advisory delivery policy.
package logsms

import (
	"context"
	"errors"
	"regexp"

	"github.com/zerodha/logf"
)

const providerID = "logsms"

var reNum = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

// LogSMS writes outgoing messages to the process log.
type LogSMS struct {
	lo logf.Logger
}

// New returns a log-only SMS provider.
func New(lo logf.Logger) *LogSMS {
	return &LogSMS{lo: lo}
}

// ID returns the Provider's ID.
func (l *LogSMS) ID() string {
	return providerID
}

// ValidateAddress "validates" a phone number.
func (l *LogSMS) ValidateAddress(to string) error {
	if !reNum.MatchString(to) {
		return errors.New("invalid mobile number")
	}
	return nil
}

// Push logs the message.
func (l *LogSMS) Push(ctx context.Context, to string, body []byte) error {
	l.lo.Info("sms (not sent)", "to", to, "body", string(body))
	return nil
}

// MaxBodyLen returns the max permitted body size.
func (l *LogSMS) MaxBodyLen() int {
	return 917
}
