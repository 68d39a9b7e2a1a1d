// Package testutil provides helpers shared by integration tests: a gated
// Postgres connection and a mock Helix server.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/chatterboard/db"
)

// SetupTestDB creates a test database connection and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	// Tests assume an empty score store.
	for _, table := range []string{"score_events", "scores", "channels", "chatters"} {
		if _, err := database.Exec("DELETE FROM " + table); err != nil {
			database.Close()
			t.Fatalf("failed to reset table %s: %v", table, err)
		}
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
