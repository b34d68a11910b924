package testing

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ontoplane/ontos/db"
)

// CreateTestDB creates an in-memory SQLite test database with the full
// ontos schema applied. Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Create in-memory SQLite database
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	// Every pooled connection to :memory: is a separate database; pin to
	// one so concurrent test goroutines see the same schema
	conn.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	// Apply migrations so stores see the real schema
	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	// Register cleanup
	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
