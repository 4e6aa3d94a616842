// Package main is the entrypoint for platform processes.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/pgostovic/platform/internal/config"
	"github.com/pgostovic/platform/internal/server"
	"github.com/pgostovic/platform/pkg/db"
	"github.com/pgostovic/platform/pkg/domains/auth"
	"github.com/pgostovic/platform/pkg/service"
)

const usage = `Usage: platform [command]
       platform auth                Start the auth domain service.
       platform gateway             Start a WebSocket API gateway.
       platform migrate up          Run database migrations.
       platform migrate status      Show pending migrations.

Commands:
  auth            Serve the auth domain (accounts, sessions, connection identity).
  gateway         Accept client connections on GATEWAY_PORT and forward them to the bus.
  migrate up      Run database migrations only.
  migrate status  List migrations not yet applied.
  help            Show this message.

Environment: COMMS_URL, DATABASE_URL (auth, migrate), MIGRATION_PATH, HTTP_PORT, GATEWAY_PORT,
SIGNING_SALT, BROADCAST_PREFIX, AUTH_COOKIE_NAME, DEPENDENCY_DOMAINS, LOG_LEVEL.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "auth":
		if err := server.RunService(auth.Domain, registerAuth); err != nil {
			log.Fatalf("platform auth: %v", err)
		}
	case "gateway":
		if err := server.RunGateway(); err != nil {
			log.Fatalf("platform gateway: %v", err)
		}
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("platform migrate: require subcommand (up, status)")
		}
		switch sub := args[1]; sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("platform migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("platform migrate status: %v", err)
			}
		default:
			log.Fatalf("platform migrate: unknown subcommand %q (use up, status)", sub)
		}
	case "help", "-h", "--help", "":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}
}

func registerAuth(svc *service.Service, repo *db.Repository) error {
	auth.NewHandlers(repo).Register(svc)
	return nil
}

func runMigrateUp() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return server.Migrate(ctx, pool, cfg.MigrationPath)
}

func runMigrateStatus() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	pending, err := db.PendingMigrations(ctx, pool, migrations)
	if err != nil {
		return fmt.Errorf("read migration status: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("All migrations applied.")
		return nil
	}
	for _, name := range pending {
		fmt.Printf("pending  %s\n", name)
	}
	return nil
}
