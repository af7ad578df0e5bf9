package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

// Server hosts /healthz (this package's Manager) and /metrics (the
// process-wide Prometheus registry) on one HTTP listener, following the
// teacher's internal/infrastructure/metrics/server.go Start/Stop shape.
type Server struct {
	port    int
	manager *Manager
	logger  core.ILogger
	srv     *http.Server
}

// NewServer builds a Server bound to port, backed by manager's checks.
func NewServer(port int, manager *Manager, logger core.ILogger) *Server {
	return &Server{port: port, manager: manager, logger: logger.WithField("component", "health_server")}
}

type statusResponse struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"`
}

// Start opens the listener in a background goroutine; call Stop to shut it
// down. Errors other than a clean shutdown are logged, not returned, since
// the caller runs this alongside other long-lived goroutines under an
// errgroup that doesn't need the listener's own return value.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{Addr: fmt.Sprintf(":%d", s.port), Handler: mux}

	go func() {
		s.logger.Info("health: starting server", core.F("port", s.port))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health: server failed", core.F("error", err.Error()))
		}
	}()
}

// Stop gracefully drains the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("health: stopping server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{Healthy: s.manager.IsHealthy(ctx), Checks: s.manager.Status(ctx)}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
