// Package ops serves the operator endpoints on a dedicated listener:
// prometheus metrics, the liveness probe, and a venue status snapshot.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Gainium/paper-trading-sh/internal/core"
	"github.com/Gainium/paper-trading-sh/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc returns the snapshot rendered at /status. It is polled per
// request, so it must be safe for concurrent use.
type StatusFunc func() map[string]interface{}

// Server is the ops listener. Health reflects the registered component
// checks; 503 tells the orchestrator to stop routing here.
type Server struct {
	logger core.ILogger
	hm     core.IHealthMonitor
	status StatusFunc

	mu  sync.Mutex
	srv *http.Server
}

func NewServer(hm core.IHealthMonitor, status StatusFunc, logger core.ILogger) *Server {
	return &Server{
		logger: logger.WithField("component", "ops_server"),
		hm:     hm,
		status: status,
	}
}

// Start serves until the context ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.mu.Lock()
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.mu.Unlock()

	s.logger.Info("Starting ops server", "addr", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping ops server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics := telemetry.GetGlobalMetrics()

	health := map[string]interface{}{
		"status":         "ok",
		"time":           time.Now().UnixMilli(),
		"open_orders":    metrics.GetOpenOrders(),
		"open_positions": metrics.GetOpenPositions(),
	}

	code := http.StatusOK
	if s.hm != nil {
		health["components"] = s.hm.GetStatus()
		if !s.hm.IsHealthy() {
			health["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]interface{}{}
	if s.status != nil {
		snapshot = s.status()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
