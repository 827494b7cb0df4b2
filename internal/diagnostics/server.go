// Package diagnostics provides the minimal /healthz + /metrics HTTP surface
// an operator needs even though the full REST/WS trading API is out of
// scope here. Router setup and graceful start/stop follow a gorilla/mux +
// rs/cors + http.Server pattern.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// HealthReporter supplies the engine's own view of its liveness. The
// engineHealth type in cmd/engine implements this; diagnostics never
// reaches into component internals directly.
type HealthReporter interface {
	Healthy() bool
}

// Config carries the diagnostics server's listen address.
type Config struct {
	Host string
	Port int
}

// Server is the /healthz + /metrics HTTP surface.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	reporter   HealthReporter
	registry   *prometheus.Registry
	startedAt  time.Time
}

// New constructs a diagnostics Server. registry is the engine's own
// prometheus registry (internal/metrics.Registry).
func New(cfg Config, logger *zap.Logger, reporter HealthReporter, registry *prometheus.Registry) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger.Named("diagnostics"),
		router:    mux.NewRouter(),
		reporter:  reporter,
		registry:  registry,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := s.reporter == nil || s.reporter.Healthy()
	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"uptime": time.Since(s.startedAt).Seconds(),
		"time":   time.Now().Unix(),
	})
}

// Start serves until the process is killed or Stop is called; it returns
// http.ErrServerClosed on a graceful Stop, never nil.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	s.logger.Info("starting diagnostics server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
