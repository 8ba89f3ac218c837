package ratelimit

import (
	"fmt"
	"math"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for HTTP headers.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed || d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// Bucket is the persisted state of one token bucket. Tokens is fractional:
// refill is continuous, not discretized.
type Bucket struct {
	Tokens         float64
	LastRefillAtMs int64
}

// Policy is a capacity replenished in full over Interval.
type Policy struct {
	Capacity int           `mapstructure:"capacity"`
	Interval time.Duration `mapstructure:"interval"`
}

// Intervals are counted in whole milliseconds.
func (p Policy) valid() bool {
	return p.Capacity > 0 && p.Interval >= time.Millisecond
}

// Validate accepts the zero policy (limiting disabled) and any usable one.
func (p Policy) Validate() error {
	if p == (Policy{}) || p.valid() {
		return nil
	}
	return fmt.Errorf("ratelimit: policy needs capacity > 0 and interval >= 1ms, got %d per %s", p.Capacity, p.Interval)
}

// RefillPerMs is the continuous refill rate.
func (p Policy) RefillPerMs() float64 {
	return float64(p.Capacity) / float64(p.Interval.Milliseconds())
}

// NewBucket creates the state for a key's first request, charging that request.
func NewBucket(p Policy, nowMs int64) Bucket {
	return Bucket{Tokens: float64(p.Capacity) - 1, LastRefillAtMs: nowMs}
}

// Take refills b up to nowMs and tries to charge one token. It returns the
// updated bucket; retryAfterMs is positive only on rejection.
func Take(b Bucket, p Policy, nowMs int64) (next Bucket, allowed bool, retryAfterMs int64) {
	capacity := float64(p.Capacity)
	rate := p.RefillPerMs()
	if elapsed := nowMs - b.LastRefillAtMs; elapsed > 0 {
		b.Tokens = math.Min(capacity, b.Tokens+float64(elapsed)*rate)
		b.LastRefillAtMs = nowMs
	}
	if b.Tokens > capacity {
		b.Tokens = capacity
	}
	if b.Tokens < 0 {
		b.Tokens = 0
	}
	if b.Tokens >= 1 {
		b.Tokens--
		return b, true, 0
	}
	retry := int64(math.Ceil((1 - b.Tokens) / rate))
	if retry < 1 {
		retry = 1
	}
	return b, false, retry
}

// Full reports whether b would be at capacity at nowMs.
func (b Bucket) Full(p Policy, nowMs int64) bool {
	elapsed := nowMs - b.LastRefillAtMs
	if elapsed < 0 {
		elapsed = 0
	}
	return b.Tokens+float64(elapsed)*p.RefillPerMs() >= float64(p.Capacity)
}
