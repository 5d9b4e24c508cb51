package ratelimit

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devopscentral/gateway/internal/cache"
	"github.com/devopscentral/gateway/internal/logging"
)

// slidingWindowScript implements a sliding window over a Redis sorted set.
// Returns: [allowed (0/1), remaining, resetTimestampMs]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
else
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local reset = now + window
    if #oldest >= 2 then
        reset = tonumber(oldest[2]) + window
    end
    return {0, 0, reset}
end
`)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is when the oldest counted request leaves the window.
	Reset time.Time
	// FailedOpen marks a decision made without the backing store: the
	// request is allowed and the remaining count is unknown.
	FailedOpen bool
}

// Limiter is a distributed sliding-window rate limiter. A Redis outage
// fails open: requests pass and the outage is logged, never surfaced.
type Limiter struct {
	cache  *cache.Cache
	prefix string
	seq    uint64
}

// New creates a limiter over the shared cache client.
func New(c *cache.Cache) *Limiter {
	return &Limiter{cache: c, prefix: "rate_limit:"}
}

// Allow records one request against the window identified by key and
// reports whether it is within the limit. The timeout keeps the hot path
// bounded when Redis is slow.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Limit: 0, Remaining: -1}
	}

	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	now := time.Now().UnixMilli()
	result, err := l.cache.Eval(ctx, slidingWindowScript,
		[]string{l.prefix + key},
		now,
		window.Milliseconds(),
		limit,
		l.member(now),
	)
	if err != nil {
		logging.Warn("rate limiter unavailable, failing open",
			zap.String("key", key), zap.Error(err))
		return Decision{Allowed: true, Limit: limit, Remaining: -1, FailedOpen: true}
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 3 {
		logging.Warn("rate limiter returned malformed result, failing open",
			zap.String("key", key))
		return Decision{Allowed: true, Limit: limit, Remaining: -1, FailedOpen: true}
	}

	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	resetMs, _ := vals[2].(int64)

	return Decision{
		Allowed:   allowed == 1,
		Limit:     limit,
		Remaining: int(remaining),
		Reset:     time.UnixMilli(resetMs),
	}
}

// member builds a unique sorted-set member for one request. The monotonic
// sequence disambiguates requests landing on the same millisecond across
// this process; the uuid disambiguates across gateway processes.
func (l *Limiter) member(nowMs int64) string {
	seq := atomic.AddUint64(&l.seq, 1)
	return strconv.FormatInt(nowMs, 10) + "-" + strconv.FormatUint(seq, 10) + "-" + uuid.NewString()
}

// Key builds the window identity for a caller and endpoint. Authenticated
// callers are counted per user; anonymous callers per client address.
func Key(identifier, endpoint string) string {
	return identifier + ":" + endpoint
}
