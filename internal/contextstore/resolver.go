package contextstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conneczen/voice-worker/internal/resilience"
)

// ErrNotFound is returned when no call context exists for an identifier.
// Absence is an expected outcome at the store level; the bridge that
// depends on the lookup treats it as fatal to its own attempt only.
var ErrNotFound = errors.New("call context not found")

// CallContext is the minimal stored record needed to bootstrap a bridge
// session. It is created by the call-initiation collaborator before the
// call is placed and read exactly once per inbound connection.
type CallContext struct {
	ID           string
	Instructions string
	UserID       string
}

// Resolver looks up stored conversational instructions for a call
type Resolver interface {
	Resolve(ctx context.Context, contextID string) (*CallContext, error)
}

// PostgresResolver implements Resolver against the shared Postgres pool.
// The pool is constructed once at process start and shared read-only
// across concurrent bridges; nothing here writes.
type PostgresResolver struct {
	pool *pgxpool.Pool
}

// NewPostgresResolver creates a resolver over an established pool
func NewPostgresResolver(pool *pgxpool.Pool) *PostgresResolver {
	return &PostgresResolver{pool: pool}
}

// Resolve fetches the instructions for one call context id.
// Unknown or malformed identifiers yield ErrNotFound.
func (r *PostgresResolver) Resolve(ctx context.Context, contextID string) (*CallContext, error) {
	if contextID == "" {
		return nil, ErrNotFound
	}

	row := r.pool.QueryRow(ctx,
		`SELECT id, instructions, user_id FROM call_context WHERE id = $1`,
		contextID,
	)

	var cc CallContext
	if err := row.Scan(&cc.ID, &cc.Instructions, &cc.UserID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve call context: %w", err)
	}

	return &cc, nil
}

// Ping reports whether the store is reachable. Used by the readiness probe.
func (r *PostgresResolver) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Connect establishes the shared Postgres pool, retrying with backoff so a
// store that is still coming up during deployment does not kill the worker.
// Retry happens only here at boot, never within a call attempt.
func Connect(ctx context.Context, databaseURL string, maxAttempts int, initialBackoff time.Duration) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}

	var pool *pgxpool.Pool
	err = resilience.Retry(func() error {
		p, dialErr := pgxpool.NewWithConfig(ctx, poolCfg)
		if dialErr != nil {
			return dialErr
		}
		if pingErr := p.Ping(ctx); pingErr != nil {
			p.Close()
			return pingErr
		}
		pool = p
		return nil
	}, &resilience.RetryConfig{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    initialBackoff,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}, resilience.IsRetryableNetworkError)

	if err != nil {
		return nil, fmt.Errorf("failed to connect to context store: %w", err)
	}

	return pool, nil
}
