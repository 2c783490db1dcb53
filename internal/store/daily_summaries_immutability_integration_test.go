package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// TestDailySummariesImmutabilityBlocksUpdate verifies that UPDATE operations
// on daily_summaries are blocked by the database trigger with a hard failure.
func TestDailySummariesImmutabilityBlocksUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		SELECT 1 FROM information_schema.triggers
		WHERE trigger_name = 'trg_daily_summaries_block_update'
	`)
	if err != nil {
		t.Fatalf("immutability trigger not found; migration 0004 may not be applied: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO daily_summaries (date, content, entry_count, contributing_pseudonyms, created_at)
		VALUES ('1999-12-31', 'Test digest', 3, '[]'::jsonb, $1)
		ON CONFLICT (date) DO NOTHING
	`, time.Now())
	if err != nil {
		t.Fatalf("insert test daily summary: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		UPDATE daily_summaries
		SET content = 'Modified digest'
		WHERE date = '1999-12-31'
	`)

	if err == nil {
		t.Fatal("expected UPDATE to be blocked, but it succeeded")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}

	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000 (object_not_in_prerequisite_state), got: %s", pgErr.SQLState())
	}

	if pgErr.Message != "daily_summaries is immutable; UPDATE is not allowed" {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}
}

// TestDailySummariesImmutabilityBlocksDelete verifies that DELETE operations
// on daily_summaries are blocked by the database trigger with a hard failure.
func TestDailySummariesImmutabilityBlocksDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO daily_summaries (date, content, entry_count, contributing_pseudonyms, created_at)
		VALUES ('1999-12-30', 'Test digest', 1, '["quiet-heron-12"]'::jsonb, $1)
		ON CONFLICT (date) DO NOTHING
	`, time.Now())
	if err != nil {
		t.Fatalf("insert test daily summary: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		DELETE FROM daily_summaries
		WHERE date = '1999-12-30'
	`)

	if err == nil {
		t.Fatal("expected DELETE to be blocked, but it succeeded")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}

	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000 (object_not_in_prerequisite_state), got: %s", pgErr.SQLState())
	}

	if pgErr.Message != "daily_summaries is immutable; DELETE is not allowed" {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}
}

// TestDailySummariesInsertIsIdempotent verifies that a second INSERT for the
// same date is a no-op rather than an error or a rewrite.
func TestDailySummariesInsertIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	st := NewPostgresStore(db)
	first := DailySummary{
		Date:       "1999-12-29",
		Content:    "First digest",
		EntryCount: 2,
		CreatedAt:  time.Now(),
	}
	if err := st.InsertDailySummary(ctx, first); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	second := first
	second.Content = "Second digest"
	if err := st.InsertDailySummary(ctx, second); err != nil {
		t.Fatalf("second insert should be a no-op: %v", err)
	}

	got, err := st.GetDailySummary(ctx, first.Date)
	if err != nil {
		t.Fatalf("get daily summary: %v", err)
	}
	if got.Content != "First digest" {
		t.Fatalf("content = %q, want the original digest", got.Content)
	}
}

// getTestDatabaseURL returns the database URL for integration tests,
// preferring TEST_DATABASE_URL and falling back to the standard Postgres
// environment variables.
func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := testGetenv("TEST_DATABASE_URL", ""); url != "" {
		return url
	}

	host := testGetenv("POSTGRES_HOST", "localhost")
	port := testGetenv("POSTGRES_PORT", "5432")
	user := testGetenv("POSTGRES_USER", "commonplace")
	pass := testGetenv("POSTGRES_PASSWORD", "commonplace")
	dbname := testGetenv("POSTGRES_DB", "commonplace_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func testGetenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
