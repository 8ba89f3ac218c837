package ratelimit

import "context"

// Store performs the read-refill-charge-write cycle for a key atomically.
// Local stores are per process; distributed stores route each key to a single
// writer so that all processes agree.
type Store interface {
	Take(ctx context.Context, key string, p Policy) (Decision, error)
	Name() string
}
