package db

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), ""); !errors.Is(err, ErrNoDSN) {
		t.Errorf("Open(\"\") error = %v, want ErrNoDSN", err)
	}
}

func TestEmbeddedMigrationsPaired(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Errorf("migrations: %d up, %d down; want matching non-zero counts", ups, downs)
	}
}

func TestMigrateUpDown(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres migration test")
	}
	database, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer database.Close()

	if err := Migrate(database); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// second run is a no-op
	if err := Migrate(database); err != nil {
		t.Fatalf("Migrate() second run error = %v", err)
	}
	v, dirty, err := Version(database)
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if dirty || v < 2 {
		t.Errorf("Version() = %d dirty=%v, want >= 2 clean", v, dirty)
	}

	var exists bool
	if err := database.QueryRow(`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'chat_messages')`).Scan(&exists); err != nil {
		t.Fatalf("query: %v", err)
	}
	if !exists {
		t.Error("chat_messages missing after migration")
	}

	if err := MigrateDown(database); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if err := Migrate(database); err != nil {
		t.Fatalf("Migrate() after rollback error = %v", err)
	}
}
