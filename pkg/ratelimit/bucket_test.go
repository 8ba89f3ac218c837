package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time           { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestLocalConservation(t *testing.T) {
	for _, tc := range []struct {
		capacity int
		interval time.Duration
	}{
		{1, time.Second},
		{5, time.Second},
		{10, time.Minute},
		{3, 7 * time.Second},
	} {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		s := NewLocalStore(LocalConfig{}).WithClock(clock.now)
		p := Policy{Capacity: tc.capacity, Interval: tc.interval}

		for i := 0; i < tc.capacity; i++ {
			d, err := s.Take(context.Background(), "ip:1", p)
			require.NoError(t, err)
			require.True(t, d.Allowed, "call %d of %d must be admitted", i+1, tc.capacity)
		}
		d, err := s.Take(context.Background(), "ip:1", p)
		require.NoError(t, err)
		require.False(t, d.Allowed, "call %d must be rejected", tc.capacity+1)
		require.Greater(t, d.RetryAfter, time.Duration(0))

		clock.advance(tc.interval)
		d, err = s.Take(context.Background(), "ip:1", p)
		require.NoError(t, err)
		require.True(t, d.Allowed, "admitted again after a full interval")
	}
}

func TestRetryAfterIsHonest(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := NewLocalStore(LocalConfig{}).WithClock(clock.now)
	p := Policy{Capacity: 3, Interval: time.Second}

	for i := 0; i < 3; i++ {
		_, _ = s.Take(context.Background(), "k", p)
	}
	first, _ := s.Take(context.Background(), "k", p)
	require.False(t, first.Allowed)
	require.Equal(t, 334*time.Millisecond, first.RetryAfter)

	clock.advance(100 * time.Millisecond)
	second, _ := s.Take(context.Background(), "k", p)
	require.False(t, second.Allowed)
	require.Less(t, second.RetryAfter, first.RetryAfter)

	clock.advance(second.RetryAfter)
	third, _ := s.Take(context.Background(), "k", p)
	require.True(t, third.Allowed, "waiting the advertised retry-after must succeed")
}

func TestKeysAreIndependent(t *testing.T) {
	s := NewLocalStore(LocalConfig{})
	p := Policy{Capacity: 1, Interval: time.Hour}
	a, _ := s.Take(context.Background(), "a", p)
	b, _ := s.Take(context.Background(), "b", p)
	a2, _ := s.Take(context.Background(), "a", p)
	require.True(t, a.Allowed)
	require.True(t, b.Allowed)
	require.False(t, a2.Allowed)
}

func TestTakeClampsTokens(t *testing.T) {
	p := Policy{Capacity: 2, Interval: time.Second}
	b := Bucket{Tokens: 0, LastRefillAtMs: 0}
	next, ok, _ := Take(b, p, 1_000_000)
	require.True(t, ok)
	require.InDelta(t, 1.0, next.Tokens, 1e-9, "refill clamps to capacity before charging")

	// A clock that goes backwards must not mint tokens.
	p = Policy{Capacity: 4, Interval: 1024 * time.Millisecond}
	next, ok, retry := Take(Bucket{Tokens: 0.5, LastRefillAtMs: 5000}, p, 4000)
	require.False(t, ok)
	require.Equal(t, int64(128), retry)
	require.InDelta(t, 0.5, next.Tokens, 1e-9)
}

func TestLocalPrune(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := NewLocalStore(LocalConfig{IdleGrace: time.Minute}).WithClock(clock.now)
	s.rand = func() float64 { return 1 }
	p := Policy{Capacity: 2, Interval: 10 * time.Second}

	_, _ = s.Take(context.Background(), "idle", p)
	clock.advance(30 * time.Second)
	_, _ = s.Take(context.Background(), "busy", p)
	_, _ = s.Take(context.Background(), "busy", p)
	require.Equal(t, 2, s.Len())

	clock.advance(31 * time.Second)
	s.Prune()
	require.Equal(t, 1, s.Len(), "idle full bucket pruned, recently touched one kept")

	s.rand = func() float64 { return 0 }
	clock.advance(2 * time.Minute)
	_, _ = s.Take(context.Background(), "new", p)
	require.Equal(t, 1, s.Len(), "opportunistic sweep runs inside Take")
}

func TestRetryAfterSeconds(t *testing.T) {
	require.Equal(t, 0, Decision{Allowed: true, RetryAfter: time.Second}.RetryAfterSeconds())
	require.Equal(t, 1, Decision{RetryAfter: 10 * time.Millisecond}.RetryAfterSeconds())
	require.Equal(t, 3, Decision{RetryAfter: 2001 * time.Millisecond}.RetryAfterSeconds())
}
