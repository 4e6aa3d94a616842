// Package server bootstraps one platform process: a domain service or a gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/pgostovic/platform/internal/config"
	"github.com/pgostovic/platform/internal/gateway"
	"github.com/pgostovic/platform/pkg/client"
	"github.com/pgostovic/platform/pkg/commsutil"
	"github.com/pgostovic/platform/pkg/db"
	"github.com/pgostovic/platform/pkg/service"
	"github.com/pgostovic/platform/pkg/signing"
)

const logPrefix = "server:server"

// Setup registers a domain's handlers and listeners on svc before it starts.
type Setup func(svc *service.Service, repo *db.Repository) error

// setupLogging installs the process-wide text logger at LOG_LEVEL.
func setupLogging(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)})))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RunService starts the domain service, blocks until a shutdown signal, then cleans up.
func RunService(domain string, setup Setup) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	setupLogging(cfg.LogLevel)
	if err := cfg.ValidateForService(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting %s service %s", logPrefix, domain, cfg.ServiceVersion))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Connect to NATS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	defer nc.Drain()
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	// Step 2: Connect to database, migrating first if enabled
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	defer pool.Close()
	if cfg.RunMigrations {
		if err := Migrate(ctx, pool, cfg.MigrationPath); err != nil {
			return err
		}
	}
	repo := db.NewRepository(pool)

	// Step 3: Build and start the service
	opts, err := serviceOptions(cfg)
	if err != nil {
		return err
	}
	svc, err := service.New(domain, append(opts, service.WithJobStore(repo))...)
	if err != nil {
		return fmt.Errorf("%s - failed to create service: %w", logPrefix, err)
	}
	if err := setup(svc, repo); err != nil {
		return fmt.Errorf("%s - failed to set up %s: %w", logPrefix, domain, err)
	}
	if err := svc.Start(nc); err != nil {
		return fmt.Errorf("%s - failed to start %s: %w", logPrefix, domain, err)
	}
	defer svc.Stop()
	slog.Info(fmt.Sprintf("%s - Serving %s with handlers %v", logPrefix, domain, svc.Handlers()))

	// Step 4: Start HTTP health server
	health := newHealthServer(cfg.HTTPPort, cfg.HealthCheckTimeout, map[string]Check{
		"comms":    commsCheck(nc),
		"database": pool.Ping,
	})
	health.start()
	health.markReady()
	defer health.shutdown(ctx)

	waitForSignal()
	return nil
}

// RunGateway starts a gateway, blocks until a shutdown signal, then cleans up.
func RunGateway() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	setupLogging(cfg.LogLevel)
	if err := cfg.ValidateForGateway(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	defer nc.Drain()
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	g, err := gateway.New(cfg, nc)
	if err != nil {
		return fmt.Errorf("%s - failed to create gateway: %w", logPrefix, err)
	}
	defer g.Close()
	if err := g.Start(); err != nil {
		return err
	}

	health := newHealthServer(cfg.HTTPPort, cfg.HealthCheckTimeout, map[string]Check{
		"comms": commsCheck(nc),
	})
	health.start()
	health.markReady()
	defer health.shutdown(ctx)

	slog.Info(fmt.Sprintf("%s - Gateway %s is ready", logPrefix, g.ID()))
	waitForSignal()
	return nil
}

// Migrate applies the pending migrations found in dir.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	migrations, err := db.LoadMigrationFiles(dir)
	if err != nil {
		return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
	}
	return nil
}

func serviceOptions(cfg *config.Config) ([]service.Option, error) {
	deps, err := cfg.Dependencies()
	if err != nil {
		return nil, err
	}
	opts := []service.Option{
		service.WithVersion(cfg.ServiceVersion),
		service.WithBroadcastPrefix(cfg.BroadcastPrefix),
		service.WithResponseTimeout(cfg.ResponseTimeout),
		service.WithDependencies(deps...),
		service.WithClientOptions(
			client.WithDiscoveryTimeout(cfg.DiscoveryTimeout),
			client.WithQuickRetries(cfg.DiscoveryQuickRetries),
			client.WithRetryWait(cfg.DiscoveryRetryWait),
		),
	}
	if cfg.SigningSalt != "" {
		signer, err := signing.NewHMAC(cfg.SigningSalt)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to create signer: %w", logPrefix, err)
		}
		opts = append(opts, service.WithSigner(signer))
	}
	return opts, nil
}

func commsCheck(nc *comms.Conn) Check {
	return func(context.Context) error {
		if status := nc.Status(); status != comms.CONNECTED {
			return fmt.Errorf("nats connection is %s", status)
		}
		return nil
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))
}
