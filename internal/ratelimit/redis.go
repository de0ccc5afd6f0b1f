// internal/ratelimit/redis.go
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fieldlog/voice-pipeline/internal/common/metrics"
)

// tryConsumeScript performs the sliding-window check-and-increment over all
// three budgets in one atomic step. Sets are ZSETs keyed by timestamp score;
// a consumption is recorded only when every budget allows it.
//
// KEYS[1] tenant day zset, KEYS[2] minute zset, KEYS[3] day zset
// ARGV[1] now (ms), ARGV[2] tenant ceiling, ARGV[3] minute cap,
// ARGV[4] day cap, ARGV[5] minute window (ms), ARGV[6] day window (ms),
// ARGV[7] unique member
//
// Returns {allowed, scope, retry_after_ms} where scope is 0 none,
// 1 provider, 2 tenant.
var tryConsumeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local minuteWindow = tonumber(ARGV[5])
local dayWindow = tonumber(ARGV[6])

local function check(key, window, cap)
  if cap <= 0 then return -1 end
  redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
  local count = redis.call('ZCARD', key)
  if count < cap then return -1 end
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return (tonumber(oldest[2]) + window) - now
end

local wait = check(KEYS[1], dayWindow, tonumber(ARGV[2]))
if wait >= 0 then return {0, 2, wait} end
wait = check(KEYS[2], minuteWindow, tonumber(ARGV[3]))
if wait >= 0 then return {0, 1, wait} end
wait = check(KEYS[3], dayWindow, tonumber(ARGV[4]))
if wait >= 0 then return {0, 1, wait} end

redis.call('ZADD', KEYS[1], now, ARGV[7])
redis.call('ZADD', KEYS[2], now, ARGV[7])
redis.call('ZADD', KEYS[3], now, ARGV[7])
redis.call('PEXPIRE', KEYS[1], dayWindow)
redis.call('PEXPIRE', KEYS[2], minuteWindow)
redis.call('PEXPIRE', KEYS[3], dayWindow)
return {1, 0, 0}
`)

// RedisLimiter shares budgets across process instances. Atomicity comes from
// the script running single-threaded on the server.
type RedisLimiter struct {
	client *redis.Client
	caps   Caps
	now    func() time.Time
}

// NewRedisLimiter creates a limiter backed by a shared redis store.
func NewRedisLimiter(client *redis.Client, caps Caps) *RedisLimiter {
	return &RedisLimiter{client: client, caps: caps, now: time.Now}
}

func (l *RedisLimiter) TryConsume(ctx context.Context, tenant, provider, service string) (Decision, error) {
	keys := []string{
		fmt.Sprintf("rl:tenant:{%s}", tenant),
		fmt.Sprintf("rl:minute:{%s}:%s:%s", tenant, provider, service),
		fmt.Sprintf("rl:day:{%s}:%s:%s", tenant, provider, service),
	}

	res, err := tryConsumeScript.Run(ctx, l.client, keys,
		l.now().UnixMilli(),
		l.caps.TenantDailyCeiling,
		l.caps.MinuteCap,
		l.caps.DayCap,
		minuteWindow.Milliseconds(),
		dayWindow.Milliseconds(),
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}

	scope := ScopeProvider
	if res[1] == 2 {
		scope = ScopeTenant
	}
	metrics.RateLimitDenials.WithLabelValues(string(scope)).Inc()

	return Decision{
		Allowed:    false,
		Scope:      scope,
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
