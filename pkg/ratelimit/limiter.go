// Package ratelimit implements token-bucket admission control keyed by client
// identity, with a pluggable backing store.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

// Limiter fronts a Store. Store failures admit the request.
type Limiter struct {
	store   Store
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Limiter)

// WithBreaker skips the store for a cooldown after repeated failures.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(l *Limiter) { l.breaker = cb }
}

// WithTimeout bounds each store round trip.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		timeout: 250 * time.Millisecond,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// StoreName reports which backing store is in use.
func (l *Limiter) StoreName() string {
	if l == nil || l.store == nil {
		return "none"
	}
	return l.store.Name()
}

// Consume charges one token from key's bucket under policy p. A nil limiter or
// a zero policy admits everything.
func (l *Limiter) Consume(ctx context.Context, name, key string, p Policy) Decision {
	if l == nil || l.store == nil || !p.valid() {
		return Decision{Allowed: true}
	}
	store := l.store.Name()
	if l.breaker != nil && !l.breaker.Allow() {
		l.metrics.RateLimit(name, store, "fail_open")
		return Decision{Allowed: true}
	}

	tctx, cancel := context.WithTimeout(ctx, l.timeout)
	d, err := l.store.Take(tctx, name+":"+key, p)
	cancel()
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonRateLimitBackend)
		if l.breaker != nil {
			l.breaker.OnError(err)
		}
		l.logger.Warn("ratelimit_backend_error",
			"policy", name,
			"store", store,
			"reason_code", string(errorsx.Reason(err)),
			"error", err.Error(),
		)
		l.metrics.RateLimit(name, store, "fail_open")
		return Decision{Allowed: true}
	}
	if l.breaker != nil {
		l.breaker.OnSuccess()
	}
	if d.Allowed {
		l.metrics.RateLimit(name, store, "allowed")
	} else {
		l.metrics.RateLimit(name, store, "rejected")
	}
	return d
}
