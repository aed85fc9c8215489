package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adaokul/phoneauth/internal/models"
	"github.com/adaokul/phoneauth/internal/store"
	"github.com/redis/go-redis/v9"
)

// Redis implements a Redis Store.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
}

// createOTP refuses to insert while the identifier has an active record
// created inside the issue window, then assigns a row id from the
// sequence and writes the record and its indexes in the same script.
// KEYS[1] = phone index zset, KEYS[2] = id sequence, KEYS[3] = expiry zset.
// ARGV = phone, name, code, createdAt, expiresAt, activeSince, key prefix.
// Returns the new id, or -1 when an active record exists.
var createOTP = redis.NewScript(`
local ids = redis.call('ZREVRANGEBYSCORE', KEYS[1], '+inf', ARGV[6])
for _, id in ipairs(ids) do
	local k = ARGV[7] .. ':otp:' .. id
	local used = redis.call('HGET', k, 'used')
	local exp = redis.call('HGET', k, 'expires_at')
	if used == '0' and exp and tonumber(exp) > tonumber(ARGV[4]) then
		return -1
	end
end
local id = redis.call('INCR', KEYS[2])
local k = ARGV[7] .. ':otp:' .. id
redis.call('HMSET', k,
	'phone', ARGV[1], 'name', ARGV[2], 'code', ARGV[3],
	'created_at', ARGV[4], 'expires_at', ARGV[5],
	'verified_at', '0', 'attempts', '0', 'used', '0')
redis.call('ZADD', KEYS[1], tonumber(ARGV[4]), id)
redis.call('ZADD', KEYS[3], tonumber(ARGV[5]), id)
return id
`)

// markUsed transitions used 0 -> 1 exactly once.
// KEYS[1] = record hash. ARGV[1] = verifiedAt.
// Returns 1 on success, -1 when already used, -2 when missing.
var markUsed = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -2
end
if redis.call('HGET', KEYS[1], 'used') == '1' then
	return -1
end
redis.call('HMSET', KEYS[1], 'used', '1', 'verified_at', ARGV[1])
return 1
`)

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "PHONEAUTH"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if the Redis server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// CreateOTP atomically checks for an active record and inserts the new one.
func (r *Redis) CreateOTP(ctx context.Context, rec models.OTPRecord, activeSince int64) (models.OTPRecord, error) {
	id, err := createOTP.Run(ctx, r.client,
		[]string{r.phoneKey(rec.Phone), r.seqKey(), r.expKey()},
		rec.Phone, rec.Name, rec.Code,
		rec.CreatedAt, rec.ExpiresAt, activeSince, r.conf.KeyPrefix).Int64()
	if err != nil {
		return rec, err
	}
	if id == -1 {
		return rec, store.ErrActiveExists
	}

	rec.ID = id
	return rec, nil
}

// FindValidOTP returns the newest unused, unexpired record matching
// (phone, code).
func (r *Redis) FindValidOTP(ctx context.Context, phone, code string, now int64) (models.OTPRecord, error) {
	ids, err := r.client.ZRevRange(ctx, r.phoneKey(phone), 0, -1).Result()
	if err != nil {
		return models.OTPRecord{}, err
	}

	for _, id := range ids {
		rec, err := r.record(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotExist) {
				continue
			}
			return models.OTPRecord{}, err
		}
		if rec.Code == code && !rec.Used && rec.ExpiresAt > now {
			return rec, nil
		}
	}

	return models.OTPRecord{}, store.ErrNotExist
}

// IncrementAttempts increments the attempts counter on every record
// matching (phone, code). Each increment is an atomic HINCRBY.
func (r *Redis) IncrementAttempts(ctx context.Context, phone, code string) error {
	ids, err := r.client.ZRange(ctx, r.phoneKey(phone), 0, -1).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		c, err := r.client.HGet(ctx, r.otpKey(id), "code").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return err
		}
		if c != code {
			continue
		}
		if err := r.client.HIncrBy(ctx, r.otpKey(id), "attempts", 1).Err(); err != nil {
			return err
		}
	}

	return nil
}

// MarkUsed closes the record for good.
func (r *Redis) MarkUsed(ctx context.Context, id, now int64) error {
	res, err := markUsed.Run(ctx, r.client,
		[]string{r.otpKey(strconv.FormatInt(id, 10))}, now).Int64()
	if err != nil {
		return err
	}

	switch res {
	case -1:
		return store.ErrAlreadyUsed
	case -2:
		return store.ErrNotExist
	}
	return nil
}

// UpsertUser inserts or replaces the user keyed on the phone number.
func (r *Redis) UpsertUser(ctx context.Context, u models.User) error {
	active := "0"
	if u.Active {
		active = "1"
	}
	return r.client.HMSet(ctx, r.userKey(u.Phone),
		"phone", u.Phone,
		"name", u.Name,
		"created_at", u.CreatedAt,
		"last_login_at", u.LastLoginAt,
		"active", active).Err()
}

// User returns the user for the given phone number.
func (r *Redis) User(ctx context.Context, phone string) (models.User, error) {
	m, err := r.client.HGetAll(ctx, r.userKey(phone)).Result()
	if err != nil {
		return models.User{}, err
	}
	if len(m) == 0 {
		return models.User{}, store.ErrNotExist
	}

	created, _ := strconv.ParseInt(m["created_at"], 10, 64)
	lastLogin, _ := strconv.ParseInt(m["last_login_at"], 10, 64)
	return models.User{
		Phone:       m["phone"],
		Name:        m["name"],
		CreatedAt:   created,
		LastLoginAt: lastLogin,
		Active:      m["active"] == "1",
	}, nil
}

// IncrRateLimit inserts-at-1 or increments the fixed-window counter.
// INCR is atomic, so concurrent requests for the same window never lose
// updates. The key carries a TTL so old windows purge themselves.
func (r *Redis) IncrRateLimit(ctx context.Context, phone, op string, windowStart int64, retention time.Duration) (int64, error) {
	key := r.rateKey(phone, op, windowStart)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := r.client.PExpire(ctx, key, retention).Err(); err != nil {
			return 0, err
		}
	}

	return count, nil
}

// SweepOTPs removes records whose expiry is strictly in the past.
func (r *Redis) SweepOTPs(ctx context.Context, now int64) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.expKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		phone, err := r.client.HGet(ctx, r.otpKey(id), "phone").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return removed, err
		}

		pipe := r.client.TxPipeline()
		pipe.Del(ctx, r.otpKey(id))
		pipe.ZRem(ctx, r.expKey(), id)
		if phone != "" {
			pipe.ZRem(ctx, r.phoneKey(phone), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}
		removed++
	}

	return removed, nil
}

// record reads and parses an OTP record hash.
func (r *Redis) record(ctx context.Context, id string) (models.OTPRecord, error) {
	m, err := r.client.HGetAll(ctx, r.otpKey(id)).Result()
	if err != nil {
		return models.OTPRecord{}, err
	}
	if len(m) == 0 {
		return models.OTPRecord{}, store.ErrNotExist
	}

	rid, _ := strconv.ParseInt(id, 10, 64)
	created, _ := strconv.ParseInt(m["created_at"], 10, 64)
	expires, _ := strconv.ParseInt(m["expires_at"], 10, 64)
	verified, _ := strconv.ParseInt(m["verified_at"], 10, 64)
	attempts, _ := strconv.Atoi(m["attempts"])

	return models.OTPRecord{
		ID:         rid,
		Phone:      m["phone"],
		Name:       m["name"],
		Code:       m["code"],
		CreatedAt:  created,
		ExpiresAt:  expires,
		VerifiedAt: verified,
		Attempts:   attempts,
		Used:       m["used"] == "1",
	}, nil
}

func (r *Redis) seqKey() string {
	return r.conf.KeyPrefix + ":seq"
}

func (r *Redis) otpKey(id string) string {
	return r.conf.KeyPrefix + ":otp:" + id
}

func (r *Redis) phoneKey(phone string) string {
	return r.conf.KeyPrefix + ":phone:" + phone
}

func (r *Redis) userKey(phone string) string {
	return r.conf.KeyPrefix + ":user:" + phone
}

func (r *Redis) expKey() string {
	return r.conf.KeyPrefix + ":exp"
}

func (r *Redis) rateKey(phone, op string, windowStart int64) string {
	return fmt.Sprintf("%s:rl:%s:%s:%d", r.conf.KeyPrefix, phone, op, windowStart)
}
