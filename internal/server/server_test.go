package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pgostovic/platform/internal/config"
	"github.com/pgostovic/platform/internal/natstest"
)

const serverTestPrefix = "server:server_test"

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("%s - parseLevel(%q) = %v, want %v", serverTestPrefix, tt.in, got, tt.want)
		}
	}
}

func serve(h *healthServer, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.mux().ServeHTTP(rec, req)
	return rec
}

func TestHealthHandler_Healthy(t *testing.T) {
	h := newHealthServer(0, time.Second, map[string]Check{
		"comms":    func(context.Context) error { return nil },
		"database": func(context.Context) error { return nil },
	})
	rec := serve(h, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("%s - health (healthy) got status %d, want 200", serverTestPrefix, rec.Code)
	}
	var out HealthOutput
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("%s - decode health: %v", serverTestPrefix, err)
	}
	if out.Status != "healthy" || out.Checks["comms"] != "ok" || out.Checks["database"] != "ok" {
		t.Errorf("%s - health = %+v", serverTestPrefix, out)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	h := newHealthServer(0, time.Second, map[string]Check{
		"comms":    func(context.Context) error { return nil },
		"database": func(context.Context) error { return errors.New("connection refused") },
	})
	rec := serve(h, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("%s - health (unhealthy) got status %d, want 503", serverTestPrefix, rec.Code)
	}
	var out HealthOutput
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("%s - decode health: %v", serverTestPrefix, err)
	}
	if out.Status != "unhealthy" || out.Checks["database"] != "connection refused" {
		t.Errorf("%s - health = %+v", serverTestPrefix, out)
	}
}

func TestHealthChecksShareDeadline(t *testing.T) {
	h := newHealthServer(0, 50*time.Millisecond, map[string]Check{
		"slow": func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	start := time.Now()
	rec := serve(h, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("%s - slow check got status %d, want 503", serverTestPrefix, rec.Code)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("%s - health took %v", serverTestPrefix, elapsed)
	}
}

func TestReadyHandler(t *testing.T) {
	h := newHealthServer(0, time.Second, nil)
	if rec := serve(h, "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("%s - ready before start got status %d, want 503", serverTestPrefix, rec.Code)
	}

	h.markReady()
	rec := serve(h, "/ready")
	if rec.Code != http.StatusOK {
		t.Errorf("%s - ready got status %d, want 200", serverTestPrefix, rec.Code)
	}
	var out map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("%s - decode ready: %v", serverTestPrefix, err)
	}
	if out["status"] != "ready" {
		t.Errorf("%s - status = %q, want ready", serverTestPrefix, out["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHealthServer(0, time.Second, nil)
	rec := serve(h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - metrics got status %d, want 200", serverTestPrefix, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("%s - metrics output missing runtime collector", serverTestPrefix)
	}
}

func TestCommsCheck(t *testing.T) {
	srv := natstest.Start(t)
	nc := srv.Connect(t)
	check := commsCheck(nc)
	if err := check(context.Background()); err != nil {
		t.Errorf("%s - connected check failed: %v", serverTestPrefix, err)
	}
	nc.Close()
	if err := check(context.Background()); err == nil {
		t.Errorf("%s - closed connection should fail the check", serverTestPrefix)
	}
}

func TestServiceOptions(t *testing.T) {
	cfg := &config.Config{
		ServiceVersion:    "1.2.3",
		BroadcastPrefix:   "broadcast",
		ResponseTimeout:   time.Second,
		DependencyDomains: []string{"billing@^1.0.0"},
	}
	opts, err := serviceOptions(cfg)
	if err != nil {
		t.Fatalf("%s - serviceOptions failed: %v", serverTestPrefix, err)
	}
	cfg.SigningSalt = "pepper"
	signed, err := serviceOptions(cfg)
	if err != nil {
		t.Fatalf("%s - serviceOptions with salt failed: %v", serverTestPrefix, err)
	}
	if len(signed) != len(opts)+1 {
		t.Errorf("%s - salt should add a signer option: %d vs %d", serverTestPrefix, len(signed), len(opts))
	}

	cfg.DependencyDomains = []string{"Bad Domain"}
	if _, err := serviceOptions(cfg); err == nil {
		t.Errorf("%s - expected error for invalid dependency", serverTestPrefix)
	}
}
