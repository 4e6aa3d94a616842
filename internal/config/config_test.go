package config

import (
	"os"
	"testing"
	"time"
)

var allEnvVars = []string{
	"COMMS_URL", "SERVICE_NAME", "SERVICE_VERSION",
	"DATABASE_URL", "RUN_MIGRATIONS", "MIGRATION_PATH",
	"HTTP_PORT", "GATEWAY_PORT", "HEALTH_CHECK_TIMEOUT",
	"RESPONSE_TIMEOUT", "DISCOVERY_TIMEOUT", "DISCOVERY_QUICK_RETRIES", "DISCOVERY_RETRY_WAIT",
	"SIGNING_SALT", "BROADCAST_PREFIX", "AUTH_COOKIE_NAME", "DEPENDENCY_DOMAINS",
	"GATEWAY_ID", "LOG_LEVEL",
}

func clearEnv() {
	for _, env := range allEnvVars {
		os.Unsetenv(env)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.COMMSURL != "nats://127.0.0.1:4222" {
		t.Errorf("config:config_test - COMMSURL = %q, want %q", cfg.COMMSURL, "nats://127.0.0.1:4222")
	}
	if cfg.COMMSName != "platform" {
		t.Errorf("config:config_test - COMMSName = %q, want %q", cfg.COMMSName, "platform")
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("config:config_test - DatabaseURL = %q, want empty", cfg.DatabaseURL)
	}
	if cfg.RunMigrations {
		t.Error("config:config_test - expected RunMigrations=false by default")
	}
	if cfg.MigrationPath != "migrations" {
		t.Errorf("config:config_test - MigrationPath = %q, want %q", cfg.MigrationPath, "migrations")
	}
	if cfg.HTTPPort != 8080 || cfg.GatewayPort != 8081 {
		t.Errorf("config:config_test - ports = %d/%d, want 8080/8081", cfg.HTTPPort, cfg.GatewayPort)
	}
	if cfg.ResponseTimeout != 5*time.Second {
		t.Errorf("config:config_test - ResponseTimeout = %v, want 5s", cfg.ResponseTimeout)
	}
	if cfg.DiscoveryTimeout != time.Second || cfg.DiscoveryQuickRetries != 5 || cfg.DiscoveryRetryWait != 10*time.Second {
		t.Errorf("config:config_test - discovery = %v/%d/%v, want 1s/5/10s",
			cfg.DiscoveryTimeout, cfg.DiscoveryQuickRetries, cfg.DiscoveryRetryWait)
	}
	if cfg.BroadcastPrefix != "broadcast" {
		t.Errorf("config:config_test - BroadcastPrefix = %q, want %q", cfg.BroadcastPrefix, "broadcast")
	}
	if cfg.AuthCookieName != "authToken" {
		t.Errorf("config:config_test - AuthCookieName = %q, want %q", cfg.AuthCookieName, "authToken")
	}
	if cfg.SigningSalt != "" || len(cfg.DependencyDomains) != 0 {
		t.Errorf("config:config_test - unexpected signing salt or dependencies")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("config:config_test - LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	clearEnv()
	overrides := map[string]string{
		"COMMS_URL":               "nats://custom:4222",
		"SERVICE_NAME":            "billing",
		"SERVICE_VERSION":         "2.3.4",
		"DATABASE_URL":            "postgres://test@localhost/test",
		"RUN_MIGRATIONS":          "true",
		"HTTP_PORT":               "9090",
		"RESPONSE_TIMEOUT":        "10s",
		"DISCOVERY_QUICK_RETRIES": "2",
		"SIGNING_SALT":            "pepper",
		"BROADCAST_PREFIX":        "fanout",
		"DEPENDENCY_DOMAINS":      "auth,search@^1.2.0",
		"LOG_LEVEL":               "debug",
	}
	for key, val := range overrides {
		os.Setenv(key, val)
	}
	defer clearEnv()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.COMMSURL != "nats://custom:4222" || cfg.COMMSName != "billing" || cfg.ServiceVersion != "2.3.4" {
		t.Errorf("config:config_test - comms overrides not applied: %+v", cfg)
	}
	if !cfg.RunMigrations || cfg.HTTPPort != 9090 || cfg.ResponseTimeout != 10*time.Second {
		t.Errorf("config:config_test - overrides not applied: %+v", cfg)
	}
	if cfg.DiscoveryQuickRetries != 2 || cfg.SigningSalt != "pepper" || cfg.BroadcastPrefix != "fanout" {
		t.Errorf("config:config_test - overrides not applied: %+v", cfg)
	}

	deps, err := cfg.Dependencies()
	if err != nil {
		t.Fatalf("config:config_test - Dependencies failed: %v", err)
	}
	if len(deps) != 2 || deps[0].Domain != "auth" || deps[1].Domain != "search" || deps[1].Range != "^1.2.0" {
		t.Errorf("config:config_test - dependencies = %+v", deps)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			COMMSURL:              "nats://127.0.0.1:4222",
			DatabaseURL:           "postgres://x",
			GatewayPort:           8081,
			HealthCheckTimeout:    5 * time.Second,
			ResponseTimeout:       5 * time.Second,
			DiscoveryTimeout:      time.Second,
			DiscoveryQuickRetries: 5,
			DiscoveryRetryWait:    10 * time.Second,
			BroadcastPrefix:       "broadcast",
			AuthCookieName:        "authToken",
		}
	}

	tests := []struct {
		name     string
		mutate   func(*Config)
		service  bool
		gateway  bool
		database bool
	}{
		{"valid", func(*Config) {}, true, true, true},
		{"no broker", func(c *Config) { c.COMMSURL = "" }, false, false, true},
		{"no store", func(c *Config) { c.DatabaseURL = "" }, false, true, false},
		{"zero response timeout", func(c *Config) { c.ResponseTimeout = 0 }, false, false, true},
		{"bad dependency", func(c *Config) { c.DependencyDomains = []string{"Not Valid"} }, false, true, true},
		{"no cookie name", func(c *Config) { c.AuthCookieName = "" }, true, false, true},
		{"no gateway port", func(c *Config) { c.GatewayPort = 0 }, true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.ValidateForService(); (err == nil) != tt.service {
				t.Errorf("config:config_test - ValidateForService() = %v, want ok=%v", err, tt.service)
			}
			if err := c.ValidateForGateway(); (err == nil) != tt.gateway {
				t.Errorf("config:config_test - ValidateForGateway() = %v, want ok=%v", err, tt.gateway)
			}
			if err := c.ValidateForDB(); (err == nil) != tt.database {
				t.Errorf("config:config_test - ValidateForDB() = %v, want ok=%v", err, tt.database)
			}
		})
	}
}
