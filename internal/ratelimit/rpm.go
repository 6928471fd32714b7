// Package ratelimit implements a per-user requests-per-minute limit using a
// Redis sliding window kept in a sorted set and updated by an atomic Lua
// script.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript records one request if the window has room.
// KEYS[1] = window key
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = limit, ARGV[4] = member
// Returns {allowed, count, oldest score}.
var slidingWindowScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)
if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, count, tonumber(oldest[2])}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, now}
`)

const (
	keyPrefix = "mindroute:ratelimit:user:"
	window    = time.Minute
)

// Decision is the outcome of one check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is set when the request was rejected.
	RetryAfter time.Duration
}

// RPMLimiter limits each user to a fixed number of requests per minute.
type RPMLimiter struct {
	rdb   *redis.Client
	limit int
	now   func() time.Time
}

// NewRPMLimiter returns a limiter allowing limit requests per user per
// minute. limit must be positive.
func NewRPMLimiter(rdb *redis.Client, limit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, limit: limit, now: time.Now}
}

// Allow records a request for userID when there is room. When Redis fails
// the request is allowed and the error is returned for logging.
func (r *RPMLimiter) Allow(ctx context.Context, userID string) (Decision, error) {
	now := r.now().UnixMilli()
	ms := window.Milliseconds()

	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + userID},
		now, ms, r.limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{Allowed: true, Limit: r.limit, Remaining: r.limit},
			fmt.Errorf("ratelimit: %w", err)
	}
	if len(res) != 3 {
		return Decision{Allowed: true, Limit: r.limit, Remaining: r.limit},
			fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	d := Decision{
		Allowed:   res[0] == 1,
		Limit:     r.limit,
		Remaining: max(r.limit-int(res[1]), 0),
	}
	if !d.Allowed {
		retry := time.Duration(res[2]+ms-now) * time.Millisecond
		d.RetryAfter = max(retry, time.Second)
	}
	return d, nil
}
