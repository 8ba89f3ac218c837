package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript runs the bucket arithmetic inside Redis. Scripts execute
// atomically, so Redis is the single writer for every key no matter how many
// processes call it, and TIME gives all callers one clock.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local interval_ms = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local rate = capacity / interval_ms
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
local allowed = 0
local retry = 0
if tokens == nil or ts == nil then
  tokens = capacity - 1
  ts = now
  allowed = 1
else
  if now > ts then
    tokens = math.min(capacity, tokens + (now - ts) * rate)
    ts = now
  end
  if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
  else
    retry = math.ceil((1 - tokens) / rate)
    if retry < 1 then retry = 1 end
  end
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', ts)
redis.call('PEXPIRE', KEYS[1], ttl_ms)
return {allowed, retry}
`)

type evalFunc func(ctx context.Context, keys []string, args ...any) (any, error)

// RedisStore keeps buckets in Redis hashes that expire once a bucket has been
// idle long enough to be full again.
type RedisStore struct {
	prefix string
	eval   evalFunc
}

// NewRedisStore wraps any go-redis client (single node, cluster or ring).
func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "callbridge:rl:"
	}
	return &RedisStore{
		prefix: prefix,
		eval: func(ctx context.Context, keys []string, args ...any) (any, error) {
			return takeScript.Run(ctx, client, keys, args...).Result()
		},
	}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Take(ctx context.Context, key string, p Policy) (Decision, error) {
	intervalMs := p.Interval.Milliseconds()
	res, err := s.eval(ctx, []string{s.prefix + key}, p.Capacity, intervalMs, 2*intervalMs)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis take: %w", err)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: redis take: unexpected reply %T", res)
	}
	allowed, ok1 := vals[0].(int64)
	retryMs, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return Decision{}, fmt.Errorf("ratelimit: redis take: unexpected reply %v", vals)
	}
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(retryMs) * time.Millisecond}, nil
}
