package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/metrics"
)

// Server is the operator-facing HTTP endpoint: aggregate status, health
// probes, and Prometheus metrics.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates an admin server. status produces the aggregate control-plane
// state served at /status.
func New(addr string, status func() interface{}) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status())
	})
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log.WithComponent("admin"),
	}
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("admin endpoint listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("admin endpoint failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the route table.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
