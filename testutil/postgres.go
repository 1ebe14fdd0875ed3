package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/admiral/db"
)

// SetupTestDB opens TEST_PG_DSN and applies migrations.
// It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
