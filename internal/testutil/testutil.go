package testutil

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jbweber/homelab/director/internal/clock"
	"github.com/jbweber/homelab/director/internal/datastore"
	"github.com/jbweber/homelab/director/internal/migrations"
	_ "modernc.org/sqlite"
)

// Epoch is the start time used by fake clocks in tests.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// CleanupTestDB removes the test database file. In-memory databases
// vanish with their last connection and need no cleanup.
func CleanupTestDB(dsn string) error {
	// Extract file path from DSN
	if len(dsn) < 5 || dsn[:5] != "file:" {
		return fmt.Errorf("invalid DSN format")
	}
	if strings.Contains(dsn, "mode=memory") {
		return nil
	}

	path := dsn[5:]
	if idx := strings.Index(path, "?"); idx != -1 {
		path = path[:idx]
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SetupTestDB creates and returns a test database connection. The pool
// is limited to a single connection, matching production.
func SetupTestDB(t *testing.T, testName string) (*sql.DB, func()) {
	t.Helper()
	dsn := NewTestDSN(testName)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: failed to close test database: %v", err)
		}
		if err := CleanupTestDB(dsn); err != nil {
			t.Logf("Warning: failed to clean up test database: %v", err)
		}
	}

	return db, cleanup
}

// SetupTestDBWithMigrations creates a test database with the full schema.
func SetupTestDBWithMigrations(t *testing.T, testName string) (*sql.DB, func()) {
	t.Helper()
	db, cleanup := SetupTestDB(t, testName)

	migrator := migrations.NewMigrator(db)
	for _, migration := range migrations.GetAllMigrations() {
		migrator.AddMigration(migration)
	}
	if err := migrator.RunMigrations(); err != nil {
		cleanup()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return db, cleanup
}

// SetupTestDatastore returns a migrated datastore that is closed when the
// test finishes.
func SetupTestDatastore(t *testing.T) *datastore.Datastore {
	t.Helper()
	db, cleanup := SetupTestDBWithMigrations(t, t.Name())
	t.Cleanup(cleanup)
	return datastore.New(db)
}

// NewFakeClock returns a fake clock positioned at Epoch.
func NewFakeClock() *clock.Fake {
	return clock.NewFake(Epoch)
}
