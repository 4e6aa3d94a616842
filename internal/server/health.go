package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthLogPrefix = "server:health"

// Check probes one dependency of the process.
type Check func(ctx context.Context) error

// HealthOutput is the body of /health.
type HealthOutput struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

type healthServer struct {
	timeout    time.Duration
	checks     map[string]Check
	ready      atomic.Bool
	httpServer *http.Server
}

func newHealthServer(port int, timeout time.Duration, checks map[string]Check) *healthServer {
	h := &healthServer{timeout: timeout, checks: checks}
	h.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: h.mux()}
	return h
}

func (h *healthServer) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (h *healthServer) start() {
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", healthLogPrefix, h.httpServer.Addr))
		if err := h.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", healthLogPrefix, err))
		}
	}()
}

func (h *healthServer) markReady() { h.ready.Store(true) }

func (h *healthServer) shutdown(ctx context.Context) {
	h.ready.Store(false)
	if err := h.httpServer.Shutdown(ctx); err != nil {
		slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", healthLogPrefix, err))
	}
}

// health runs every check under one deadline.
func (h *healthServer) health(ctx context.Context) *HealthOutput {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	out := &HealthOutput{
		Status:    "healthy",
		Checks:    make(map[string]string, len(h.checks)),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - %s check failed: %v", healthLogPrefix, name, err))
			out.Checks[name] = err.Error()
			out.Status = "unhealthy"
			continue
		}
		out.Checks[name] = "ok"
	}
	return out
}

func (h *healthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := h.health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if out.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(out)
}

func (h *healthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	if !h.ready.Load() {
		status = "starting"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
