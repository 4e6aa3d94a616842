//go:build integration

package db

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pgostovic/platform/pkg/commsutil"
)

const dbIntegrationPrefix = "db:integration_test"

// testDBEnv returns the database URL for integration tests; skips the test if not set.
func testDBEnv(t *testing.T) string {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip(dbIntegrationPrefix + " - DATABASE_URL not set, skipping")
	}
	return url
}

func setupIntegrationDB(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()

	pool, err := NewPool(ctx, testDBEnv(t))
	if err != nil {
		t.Fatalf("%s - NewPool failed: %v", dbIntegrationPrefix, err)
	}
	t.Cleanup(pool.Close)

	migrations, err := LoadMigrationFiles(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("%s - LoadMigrationFiles failed: %v", dbIntegrationPrefix, err)
	}
	if err := RunMigrations(ctx, pool, migrations); err != nil {
		t.Fatalf("%s - RunMigrations failed: %v", dbIntegrationPrefix, err)
	}

	pending, err := PendingMigrations(ctx, pool, migrations)
	if err != nil {
		t.Fatalf("%s - PendingMigrations failed: %v", dbIntegrationPrefix, err)
	}
	if len(pending) != 0 {
		t.Fatalf("%s - migrations still pending after run: %v", dbIntegrationPrefix, pending)
	}

	// a second run must be a no-op
	if err := RunMigrations(ctx, pool, migrations); err != nil {
		t.Fatalf("%s - repeated RunMigrations failed: %v", dbIntegrationPrefix, err)
	}
	return NewRepository(pool)
}

func TestRepository_Integration(t *testing.T) {
	repo := setupIntegrationDB(t)
	suffix := strings.ToLower(commsutil.NewID())
	runStoreSuite(t, repo, "it"+suffix, suffix+"@example.com")
}
