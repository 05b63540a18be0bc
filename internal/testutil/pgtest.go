// Package testutil provides shared infrastructure for Postgres-backed tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

var (
	migrateOnce sync.Once
	migrateErr  error
)

// PGTest opens the database named by POSTGRES_URL, migrates it with the
// project migrations/ directory and returns the connection with a cleanup
// function that empties the journal tables.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// The test is skipped when POSTGRES_URL is not set.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if err := applyUp(ctx, db, findMigrationsDir(t)); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	return db, func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
}

// findMigrationsDir walks up from the working directory to migrations/.
func findMigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("pgtest: could not find migrations/ directory walking up from cwd")
		}
		dir = parent
	}
}

// applyUp runs the goose migrations once per test binary. goose keeps its
// own version table, so a database reused across runs is only migrated
// forward.
func applyUp(ctx context.Context, db *sql.DB, dir string) error {
	migrateOnce.Do(func() {
		goose.SetLogger(goose.NopLogger())
		if err := goose.SetDialect("postgres"); err != nil {
			migrateErr = err
			return
		}
		migrateErr = goose.UpContext(ctx, db, dir)
	})
	return migrateErr
}

// truncateAll empties every public table except goose's version table.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, pq.QuoteIdentifier(name))
		}
	}
	if len(tables) > 0 {
		_, _ = db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE") // #nosec G202 -- quoted names from pg_tables
	}
}
