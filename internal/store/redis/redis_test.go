package redis

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adaokul/phoneauth/internal/models"
	"github.com/adaokul/phoneauth/internal/store"
	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rStore *Redis
	rdis   *miniredis.Miniredis
	ctx    = context.Background()

	baseNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	mockRec = models.OTPRecord{
		Phone:     "905321234567",
		Name:      "Ayşe",
		Code:      "123456",
		CreatedAt: baseNow,
		ExpiresAt: baseNow + 10*time.Minute.Milliseconds(),
	}
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	rStore = New(Conf{
		Host:      rd.Host(),
		Port:      port,
		KeyPrefix: "TEST",
	})
}

func setup(t *testing.T) models.OTPRecord {
	rdis.FlushDB()
	rec, err := rStore.CreateOTP(ctx, mockRec, baseNow-5*time.Minute.Milliseconds())
	require.NoError(t, err, "Failed to set up test OTP")
	require.NotZero(t, rec.ID, "CreateOTP didn't assign an ID")

	t.Cleanup(func() {
		rdis.FlushDB()
	})

	return rec
}

func TestCreateOTPRefusesActive(t *testing.T) {
	setup(t)

	// Same identifier, still inside the issue window.
	_, err := rStore.CreateOTP(ctx, mockRec, baseNow-5*time.Minute.Milliseconds())
	assert.ErrorIs(t, err, store.ErrActiveExists, "second create should be refused")

	// A different identifier is independent.
	other := mockRec
	other.Phone = "905329999999"
	rec, err := rStore.CreateOTP(ctx, other, baseNow-5*time.Minute.Milliseconds())
	assert.NoError(t, err, "create for a different identifier failed")
	assert.NotZero(t, rec.ID)
}

func TestCreateOTPAfterUse(t *testing.T) {
	rec := setup(t)

	// Once the active record is used, a new one may be issued.
	require.NoError(t, rStore.MarkUsed(ctx, rec.ID, baseNow+1000))

	next, err := rStore.CreateOTP(ctx, mockRec, baseNow-5*time.Minute.Milliseconds())
	assert.NoError(t, err, "create after use failed")
	assert.Greater(t, next.ID, rec.ID, "row ids should be monotonic")
}

func TestCreateOTPConcurrent(t *testing.T) {
	rdis.FlushDB()
	t.Cleanup(func() { rdis.FlushDB() })

	// Many simultaneous creates for one identifier: exactly one wins,
	// the rest are refused by the script.
	var (
		wg      sync.WaitGroup
		created int64
		refused int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rStore.CreateOTP(ctx, mockRec, baseNow-5*time.Minute.Milliseconds())
			switch {
			case err == nil:
				atomic.AddInt64(&created, 1)
			case errors.Is(err, store.ErrActiveExists):
				atomic.AddInt64(&refused, 1)
			default:
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), created, "exactly one create should win")
	assert.Equal(t, int64(19), refused)

	ids, err := rdis.ZMembers("TEST:phone:" + mockRec.Phone)
	require.NoError(t, err)
	assert.Len(t, ids, 1, "phone index should hold a single row")
}

func TestFindValidOTP(t *testing.T) {
	rec := setup(t)

	out, err := rStore.FindValidOTP(ctx, rec.Phone, rec.Code, baseNow+1000)
	assert.NoError(t, err, "valid record not found")
	assert.Equal(t, rec.ID, out.ID)
	assert.Equal(t, rec.Name, out.Name)
	assert.Equal(t, rec.ExpiresAt, out.ExpiresAt)
	assert.False(t, out.Used)

	// Wrong code.
	_, err = rStore.FindValidOTP(ctx, rec.Phone, "000000", baseNow+1000)
	assert.ErrorIs(t, err, store.ErrNotExist)

	// Expired.
	_, err = rStore.FindValidOTP(ctx, rec.Phone, rec.Code, rec.ExpiresAt)
	assert.ErrorIs(t, err, store.ErrNotExist, "expired record should not match")

	// Used.
	require.NoError(t, rStore.MarkUsed(ctx, rec.ID, baseNow+1000))
	_, err = rStore.FindValidOTP(ctx, rec.Phone, rec.Code, baseNow+2000)
	assert.ErrorIs(t, err, store.ErrNotExist, "used record should not match")
}

func TestIncrementAttempts(t *testing.T) {
	rec := setup(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, rStore.IncrementAttempts(ctx, rec.Phone, rec.Code))
		out, err := rStore.FindValidOTP(ctx, rec.Phone, rec.Code, baseNow+1000)
		require.NoError(t, err)
		assert.Equal(t, i, out.Attempts, "attempts not incremented")
	}

	// A non-matching code touches nothing.
	require.NoError(t, rStore.IncrementAttempts(ctx, rec.Phone, "999999"))
	out, err := rStore.FindValidOTP(ctx, rec.Phone, rec.Code, baseNow+1000)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
}

func TestMarkUsedOnce(t *testing.T) {
	rec := setup(t)

	assert.NoError(t, rStore.MarkUsed(ctx, rec.ID, baseNow+1000))

	err := rStore.MarkUsed(ctx, rec.ID, baseNow+2000)
	assert.ErrorIs(t, err, store.ErrAlreadyUsed, "used flag should transition exactly once")

	err = rStore.MarkUsed(ctx, 9999, baseNow+1000)
	assert.ErrorIs(t, err, store.ErrNotExist)
}

func TestUpsertUser(t *testing.T) {
	rdis.FlushDB()

	u := models.User{
		Phone:       "905321234567",
		Name:        "Ayşe",
		CreatedAt:   baseNow,
		LastLoginAt: baseNow,
		Active:      true,
	}
	require.NoError(t, rStore.UpsertUser(ctx, u))

	got, err := rStore.User(ctx, u.Phone)
	require.NoError(t, err)
	assert.Equal(t, u, got)

	// Upsert refreshes name and last login, not an error.
	u.Name = "Ayşe Y."
	u.LastLoginAt = baseNow + 1000
	require.NoError(t, rStore.UpsertUser(ctx, u))

	got, err = rStore.User(ctx, u.Phone)
	require.NoError(t, err)
	assert.Equal(t, "Ayşe Y.", got.Name)
	assert.Equal(t, baseNow+1000, got.LastLoginAt)

	assert.Equal(t, "Ayşe Y.", rdis.HGet("TEST:user:"+u.Phone, "name"),
		"user hash not stored under the user key")

	_, err = rStore.User(ctx, "905320000000")
	assert.ErrorIs(t, err, store.ErrNotExist)
}

func TestIncrRateLimit(t *testing.T) {
	rdis.FlushDB()

	windowStart := baseNow / 300000 * 300000
	for i := int64(1); i <= 4; i++ {
		n, err := rStore.IncrRateLimit(ctx, "905321234567", "send_otp", windowStart, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, i, n, "counter should increment by one per call")
	}

	// A new window starts a fresh row.
	n, err := rStore.IncrRateLimit(ctx, "905321234567", "send_otp", windowStart+300000, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Operations are counted separately.
	n, err = rStore.IncrRateLimit(ctx, "905321234567", "verify_otp", windowStart, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSweepOTPs(t *testing.T) {
	rec := setup(t)

	// Nothing expired yet.
	n, err := rStore.SweepOTPs(ctx, rec.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "live record swept")

	out, err := rStore.FindValidOTP(ctx, rec.Phone, rec.Code, baseNow+1000)
	require.NoError(t, err, "record should survive the sweep")
	assert.Equal(t, rec.ID, out.ID)

	// Past expiry, the record goes.
	n, err = rStore.SweepOTPs(ctx, rec.ExpiresAt+1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = rStore.FindValidOTP(ctx, rec.Phone, rec.Code, baseNow+1000)
	assert.ErrorIs(t, err, store.ErrNotExist)
}
