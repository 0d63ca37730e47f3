package contextstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Integration tests run only when TEST_DATABASE_URL points at a disposable
// Postgres instance.
func testPool(t *testing.T) *PostgresResolver {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping store integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := Connect(ctx, url, 1, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := Migrate(url); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	return NewPostgresResolver(pool)
}

func TestResolve_Found(t *testing.T) {
	r := testPool(t)
	ctx := context.Background()

	id := "ctx-" + uuid.New().String()
	instructions := "You are Kai, an addiction recovery voice coach."

	_, err := r.pool.Exec(ctx,
		`INSERT INTO call_context (id, user_id, instructions) VALUES ($1, $2, $3)`,
		id, "user-1", instructions,
	)
	if err != nil {
		t.Fatalf("Failed to seed call context: %v", err)
	}
	t.Cleanup(func() {
		r.pool.Exec(ctx, `DELETE FROM call_context WHERE id = $1`, id)
	})

	cc, err := r.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// Stored instructions come back byte-identical
	if cc.Instructions != instructions {
		t.Errorf("Expected instructions %q, got %q", instructions, cc.Instructions)
	}
	if cc.UserID != "user-1" {
		t.Errorf("Expected user id 'user-1', got %q", cc.UserID)
	}
}

func TestResolve_NotFound(t *testing.T) {
	r := testPool(t)

	_, err := r.Resolve(context.Background(), "ctx-missing-"+uuid.New().String())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestResolve_EmptyID(t *testing.T) {
	// An empty identifier never reaches the store
	r := &PostgresResolver{}

	_, err := r.Resolve(context.Background(), "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for empty id, got %v", err)
	}
}
