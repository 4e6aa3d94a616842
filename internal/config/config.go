// Package config provides process configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/pgostovic/platform/pkg/semver"
)

const logPrefix = "config:LoadConfig"

// Config holds the configuration shared by domain services and gateways.
type Config struct {
	// COMMS: connect to NATS at COMMSURL (comma-separated for a cluster).
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"platform"`

	ServiceVersion string `envconfig:"SERVICE_VERSION" default:"1.0.0"`

	// Database
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP health/metrics endpoint and the gateway's WebSocket listener
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	GatewayPort        int           `envconfig:"GATEWAY_PORT" default:"8081"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Request/response behaviour
	ResponseTimeout       time.Duration `envconfig:"RESPONSE_TIMEOUT" default:"5s"`
	DiscoveryTimeout      time.Duration `envconfig:"DISCOVERY_TIMEOUT" default:"1s"`
	DiscoveryQuickRetries int           `envconfig:"DISCOVERY_QUICK_RETRIES" default:"5"`
	DiscoveryRetryWait    time.Duration `envconfig:"DISCOVERY_RETRY_WAIT" default:"10s"`

	// Envelope signing; empty disables it
	SigningSalt string `envconfig:"SIGNING_SALT"`

	BroadcastPrefix string `envconfig:"BROADCAST_PREFIX" default:"broadcast"`
	AuthCookieName  string `envconfig:"AUTH_COOKIE_NAME" default:"authToken"`

	// Domains handlers may call, e.g. "billing@^1.2.0,search@2"
	DependencyDomains []string `envconfig:"DEPENDENCY_DOMAINS"`

	// Gateway identity; generated when empty
	GatewayID string `envconfig:"GATEWAY_ID"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Dependencies parses DEPENDENCY_DOMAINS.
func (c *Config) Dependencies() ([]semver.DomainRef, error) {
	refs, err := semver.ParseDomainRefs(c.DependencyDomains)
	if err != nil {
		return nil, fmt.Errorf("%s - DEPENDENCY_DOMAINS: %w", logPrefix, err)
	}
	return refs, nil
}

func (c *Config) validateComms() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required", logPrefix)
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("%s - RESPONSE_TIMEOUT must be positive", logPrefix)
	}
	if c.DiscoveryTimeout <= 0 {
		return fmt.Errorf("%s - DISCOVERY_TIMEOUT must be positive", logPrefix)
	}
	if c.DiscoveryQuickRetries < 0 {
		return fmt.Errorf("%s - DISCOVERY_QUICK_RETRIES must not be negative", logPrefix)
	}
	if c.DiscoveryRetryWait <= 0 {
		return fmt.Errorf("%s - DISCOVERY_RETRY_WAIT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.BroadcastPrefix == "" {
		return fmt.Errorf("%s - BROADCAST_PREFIX must not be empty", logPrefix)
	}
	return nil
}

// ValidateForService checks required config when running a domain service.
func (c *Config) ValidateForService() error {
	if err := c.validateComms(); err != nil {
		return err
	}
	if err := c.ValidateForDB(); err != nil {
		return err
	}
	if _, err := c.Dependencies(); err != nil {
		return err
	}
	return nil
}

// ValidateForGateway checks required config when running a gateway.
func (c *Config) ValidateForGateway() error {
	if err := c.validateComms(); err != nil {
		return err
	}
	if c.GatewayPort <= 0 {
		return fmt.Errorf("%s - GATEWAY_PORT must be positive", logPrefix)
	}
	if c.AuthCookieName == "" {
		return fmt.Errorf("%s - AUTH_COOKIE_NAME must not be empty", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
