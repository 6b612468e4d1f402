package redis

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"admission-service/internal/admission"
	"admission-service/internal/client"
	"admission-service/internal/util"
)

// slidingWindowScript prunes, counts and conditionally inserts in one step.
// Entries with score >= now - window are current; older ones are removed.
//
// KEYS[1] window key
// ARGV[1] window in ms, ARGV[2] limit, ARGV[3] entry token, ARGV[4] ttl seconds,
// ARGV[5] now in ms or "" to use the server clock.
//
// Returns {blocked, count, remaining, oldest_ms, now_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[4])

local now
if ARGV[5] ~= nil and ARGV[5] ~= '' then
	now = tonumber(ARGV[5])
else
	local t = redis.call('TIME')
	now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
end

local window_start = now - window
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. window_start)

local count = redis.call('ZCARD', key)
local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] ~= nil then
	oldest = tonumber(first[2])
end

if count >= limit then
	return {1, count, 0, oldest, now}
end

redis.call('ZADD', key, now, now .. '-' .. ARGV[3])
redis.call('EXPIRE', key, ttl)
return {0, count + 1, limit - count - 1, oldest, now}
`)

// LimiterOption configures a SlidingWindowLimiter.
type LimiterOption func(*SlidingWindowLimiter)

// WithClock makes the limiter send its own notion of now instead of using Redis TIME.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *SlidingWindowLimiter) {
		l.now = now
	}
}

// SlidingWindowLimiter is an exact sliding window log over a Redis sorted set.
type SlidingWindowLimiter struct {
	client *client.RedisClient
	now    func() time.Time
}

func NewSlidingWindowLimiter(client *client.RedisClient, opts ...LimiterOption) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{client: client}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow runs one sliding window check for key. When Redis cannot answer the
// request is admitted: the returned decision is FailOpen(p) and the error wraps
// admission.ErrStoreUnavailable so callers can account for the degradation.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string, p admission.Policy) (admission.Decision, error) {
	if err := p.Validate(); err != nil {
		return admission.Decision{}, fmt.Errorf("%w: %v", admission.ErrInvalidInput, err)
	}

	ctx, cancel := l.client.OpContext(ctx)
	defer cancel()

	nowArg := ""
	if l.now != nil {
		nowArg = strconv.FormatInt(l.now().UnixMilli(), 10)
	}

	raw, err := l.client.RunScript(ctx, slidingWindowScript, []string{key},
		p.Window.Milliseconds(), p.MaxRequests, uuid.NewString(), windowTTLSeconds(p.Window), nowArg)
	if err != nil {
		util.Error("Sliding window check failed, admitting request",
			zap.String("key", key),
			zap.Int("limit", p.MaxRequests),
			zap.Duration("window", p.Window),
			zap.Error(err))
		return admission.FailOpen(p), fmt.Errorf("%w: sliding window: %v", admission.ErrStoreUnavailable, err)
	}

	res, err := parseWindowResult(raw)
	if err != nil {
		util.Error("Malformed sliding window result, admitting request",
			zap.String("key", key),
			zap.Any("result", raw),
			zap.Error(err))
		return admission.FailOpen(p), fmt.Errorf("%w: sliding window: %v", admission.ErrStoreUnavailable, err)
	}

	d := admission.Decision{
		Allowed:   !res.blocked,
		Limit:     p.MaxRequests,
		Count:     int(res.count),
		Remaining: int(max(res.remaining, 0)),
		Window:    p.Window,
	}
	if res.blocked {
		retry := time.Duration(res.oldestMs+p.Window.Milliseconds()-res.nowMs) * time.Millisecond
		d.RetryAfter = max(retry, 0)
	}

	util.Debug("Sliding window rate limit check",
		zap.String("key", key),
		zap.Bool("allowed", d.Allowed),
		zap.Int("count", d.Count),
		zap.Int("limit", d.Limit))

	return d, nil
}

// Reset drops the window stored under key.
func (l *SlidingWindowLimiter) Reset(ctx context.Context, key string) (bool, error) {
	ctx, cancel := l.client.OpContext(ctx)
	defer cancel()

	n, err := l.client.Del(ctx, key)
	if err != nil {
		util.Error("Failed to reset rate limit window", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("%w: reset window: %v", admission.ErrStoreUnavailable, err)
	}

	util.Info("Rate limit window reset", zap.String("key", key), zap.Bool("existed", n > 0))
	return n > 0, nil
}

// windowTTLSeconds is twice the window, rounded up and never below one second,
// so idle windows expire without a sweep.
func windowTTLSeconds(window time.Duration) int64 {
	return max(int64(math.Ceil(2*window.Seconds())), 1)
}

type windowResult struct {
	blocked   bool
	count     int64
	remaining int64
	oldestMs  int64
	nowMs     int64
}

func parseWindowResult(raw interface{}) (windowResult, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 5 {
		return windowResult{}, fmt.Errorf("unexpected result format %T", raw)
	}
	ints := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return windowResult{}, fmt.Errorf("unexpected element %d of type %T", i, v)
		}
		ints[i] = n
	}
	return windowResult{
		blocked:   ints[0] == 1,
		count:     ints[1],
		remaining: ints[2],
		oldestMs:  ints[3],
		nowMs:     ints[4],
	}, nil
}
