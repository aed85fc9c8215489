package ratelimit

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/adaokul/phoneauth/internal/store/redis"
	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPhone = "905321234567"

var baseNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

func newLimiter(t *testing.T) *Limiter {
	rd, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(rd.Close)

	port, _ := strconv.Atoi(rd.Port())
	st := redis.New(redis.Conf{Host: rd.Host(), Port: port, KeyPrefix: "TEST"})
	t.Cleanup(func() { st.Close() })

	return New(st)
}

func TestAllowSendWindow(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	// 3 per 5 minutes; the 4th is counted and rejected.
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, testPhone, OpSend, baseNow)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, err := l.Allow(ctx, testPhone, OpSend, baseNow)
	require.NoError(t, err)
	assert.False(t, ok, "4th request in the window should be rejected")

	// Other identifiers are unaffected.
	ok, err = l.Allow(ctx, "905329999999", OpSend, baseNow)
	require.NoError(t, err)
	assert.True(t, ok)

	// Verify has its own counter.
	ok, err = l.Allow(ctx, testPhone, OpVerify, baseNow)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowWindowRollover(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.Allow(ctx, testPhone, OpSend, baseNow)
	}
	ok, err := l.Allow(ctx, testPhone, OpSend, baseNow)
	require.NoError(t, err)
	assert.False(t, ok, "exhausted window should reject")

	// One window later everything resets.
	ok, err = l.Allow(ctx, testPhone, OpSend, baseNow+5*time.Minute.Milliseconds())
	require.NoError(t, err)
	assert.True(t, ok, "fresh window should allow")
}

func TestAllowVerifyWindow(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	// 5 per 15 minutes.
	for i := 0; i < 5; i++ {
		ok, err := l.Allow(ctx, testPhone, OpVerify, baseNow)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, err := l.Allow(ctx, testPhone, OpVerify, baseNow)
	require.NoError(t, err)
	assert.False(t, ok, "6th verify in the window should be rejected")
}

func TestAllowUnknownOp(t *testing.T) {
	l := newLimiter(t)

	ok, err := l.Allow(context.Background(), testPhone, "unknown_op", baseNow)
	require.NoError(t, err)
	assert.True(t, ok, "unknown operations are not gated")
}
