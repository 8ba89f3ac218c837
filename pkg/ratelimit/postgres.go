package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const createBucketsTable = `
CREATE TABLE IF NOT EXISTS rate_limit_buckets (
	key            text PRIMARY KEY,
	tokens         double precision NOT NULL,
	last_refill_ms bigint NOT NULL
)`

// PostgresDB is the subset of *pgxpool.Pool the store needs.
type PostgresDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore linearizes every key on its row lock and reads time from the
// database, so processes with skewed clocks still agree.
type PostgresStore struct {
	db        PostgresDB
	idleGrace time.Duration
	pruneProb float64
}

func NewPostgresStore(db PostgresDB, idleGrace time.Duration) *PostgresStore {
	if idleGrace <= 0 {
		idleGrace = 10 * time.Minute
	}
	return &PostgresStore{db: db, idleGrace: idleGrace, pruneProb: 0.01}
}

// Migrate creates the bucket table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createBucketsTable); err != nil {
		return fmt.Errorf("ratelimit: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Take(ctx context.Context, key string, p Policy) (Decision, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: postgres begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var nowMs int64
	if err := tx.QueryRow(ctx, `SELECT (extract(epoch FROM clock_timestamp()) * 1000)::bigint`).Scan(&nowMs); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: postgres clock: %w", err)
	}

	fresh := NewBucket(p, nowMs)
	tag, err := tx.Exec(ctx,
		`INSERT INTO rate_limit_buckets (key, tokens, last_refill_ms) VALUES ($1, $2, $3) ON CONFLICT (key) DO NOTHING`,
		key, fresh.Tokens, fresh.LastRefillAtMs)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: postgres insert: %w", err)
	}
	if tag.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return Decision{}, fmt.Errorf("ratelimit: postgres commit: %w", err)
		}
		s.maybePrune(ctx, nowMs)
		return Decision{Allowed: true}, nil
	}

	var b Bucket
	err = tx.QueryRow(ctx,
		`SELECT tokens, last_refill_ms FROM rate_limit_buckets WHERE key = $1 FOR UPDATE`, key).
		Scan(&b.Tokens, &b.LastRefillAtMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return Decision{}, fmt.Errorf("ratelimit: postgres bucket %q vanished", key)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: postgres select: %w", err)
	}

	next, allowed, retryMs := Take(b, p, nowMs)
	if _, err := tx.Exec(ctx,
		`UPDATE rate_limit_buckets SET tokens = $2, last_refill_ms = $3 WHERE key = $1`,
		key, next.Tokens, next.LastRefillAtMs); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: postgres update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: postgres commit: %w", err)
	}
	return Decision{Allowed: allowed, RetryAfter: time.Duration(retryMs) * time.Millisecond}, nil
}

// maybePrune deletes long-idle rows. Idle beyond the grace window implies full
// as long as the grace exceeds the longest policy interval.
func (s *PostgresStore) maybePrune(ctx context.Context, nowMs int64) {
	if rand.Float64() >= s.pruneProb {
		return
	}
	cutoff := nowMs - s.idleGrace.Milliseconds()
	_, _ = s.db.Exec(ctx, `DELETE FROM rate_limit_buckets WHERE last_refill_ms < $1`, cutoff)
}
