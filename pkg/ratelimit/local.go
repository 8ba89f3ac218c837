package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// LocalConfig bounds the in-memory map.
type LocalConfig struct {
	// PruneProbability is the chance that a Take call sweeps idle buckets.
	PruneProbability float64 `mapstructure:"prune_probability"`
	// IdleGrace is how long a full bucket must be untouched before it is pruned.
	IdleGrace time.Duration `mapstructure:"idle_grace"`
}

// LocalStore keeps buckets in process memory. Accounting is exact for a single
// process and approximate when several processes share a logical key.
type LocalStore struct {
	cfg  LocalConfig
	now  func() time.Time
	rand func() float64

	mu      sync.Mutex
	buckets map[string]*localEntry
}

type localEntry struct {
	bucket Bucket
	policy Policy
}

func NewLocalStore(cfg LocalConfig) *LocalStore {
	if cfg.PruneProbability <= 0 {
		cfg.PruneProbability = 0.01
	}
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = 10 * time.Minute
	}
	return &LocalStore{
		cfg:     cfg,
		now:     time.Now,
		rand:    rand.Float64,
		buckets: make(map[string]*localEntry),
	}
}

// WithClock overrides the time source; used by tests.
func (s *LocalStore) WithClock(now func() time.Time) *LocalStore {
	s.now = now
	return s
}

func (s *LocalStore) Name() string { return "local" }

func (s *LocalStore) Take(_ context.Context, key string, p Policy) (Decision, error) {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rand() < s.cfg.PruneProbability {
		s.pruneLocked(nowMs)
	}

	e, ok := s.buckets[key]
	if !ok {
		s.buckets[key] = &localEntry{bucket: NewBucket(p, nowMs), policy: p}
		return Decision{Allowed: true}, nil
	}
	e.policy = p
	next, allowed, retryMs := Take(e.bucket, p, nowMs)
	e.bucket = next
	return Decision{Allowed: allowed, RetryAfter: time.Duration(retryMs) * time.Millisecond}, nil
}

// Len returns the number of tracked keys.
func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Prune drops every bucket that is full and idle beyond the grace window.
func (s *LocalStore) Prune() {
	nowMs := s.now().UnixMilli()
	s.mu.Lock()
	s.pruneLocked(nowMs)
	s.mu.Unlock()
}

func (s *LocalStore) pruneLocked(nowMs int64) {
	grace := s.cfg.IdleGrace.Milliseconds()
	for k, e := range s.buckets {
		if nowMs-e.bucket.LastRefillAtMs > grace && e.bucket.Full(e.policy, nowMs) {
			delete(s.buckets, k)
		}
	}
}
