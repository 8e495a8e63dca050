// Package ratelimit throttles the HTTP trigger endpoints. The Redis token
// bucket is shared by every replica; the local limiter is for single-process
// and test setups.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

-- Fractional tokens are returned in thousandths; Lua numbers become integers.
return {allowed, math.floor(tokens * 1000)}
`

// Redis is a token bucket kept in Redis.
type Redis struct {
	client redis.Scripter
	script *redis.Script
	prefix string
	rate   float64
	burst  int
}

// NewRedis creates a shared token bucket refilling rate tokens per second up to burst.
func NewRedis(client redis.Scripter, prefix string, ratePerSec float64, burst int) (*Redis, error) {
	if client == nil {
		return nil, errors.New("rate limiter: redis client is required")
	}
	if ratePerSec <= 0 || burst <= 0 {
		return nil, errors.New("rate limiter: rate and burst must be positive")
	}
	return &Redis{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		prefix: prefix,
		rate:   ratePerSec,
		burst:  burst,
	}, nil
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{}, errors.New("rate limiter key is empty")
	}
	ttl := bucketTTL(r.rate, r.burst)
	res, err := r.script.Run(ctx, r.client, []string{r.prefix + key}, r.rate, r.burst, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) < 2 {
		return Decision{}, errors.New("invalid rate limit script response")
	}
	return decide(res[0] == 1, float64(res[1])/1000, r.rate), nil
}

func decide(allowed bool, tokens, ratePerSec float64) Decision {
	d := Decision{Allowed: allowed, Remaining: int(tokens)}
	if !allowed {
		need := 1 - tokens
		if need > 0 {
			d.RetryAfter = time.Duration(need / ratePerSec * float64(time.Second))
		}
	}
	return d
}

func bucketTTL(ratePerSec float64, burst int) time.Duration {
	seconds := math.Ceil(float64(burst) / ratePerSec * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

// Local keeps one in-process token bucket per key.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewLocal creates an in-process limiter.
func NewLocal(ratePerSec float64, burst int) *Local {
	if burst <= 0 {
		burst = 1
	}
	return &Local{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(ratePerSec),
		burst:    burst,
	}
}

func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	now := time.Now()
	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(lim.TokensAt(now))}, nil
}
