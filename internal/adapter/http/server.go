package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/forecast-raster-etl/internal/domain"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProvider exposes the outcome of the most recent ingestion batch.
type StatusProvider interface {
	LastReport() (domain.BatchReport, bool)
}

// Server exposes health, readiness, batch status, and metrics HTTP endpoints.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /status, and /metrics routes.
func NewServer(addr string, ready sharedobs.ReadinessChecker, status StatusProvider, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.HandleFunc("GET /status", handleStatus(status))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

type statusResponse struct {
	Status string              `json:"status"`
	Stored int                 `json:"stored"`
	Failed int                 `json:"failed"`
	Last   *domain.BatchReport `json:"last_batch,omitempty"`
}

func handleStatus(provider StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report, ok := provider.LastReport()
		if !ok {
			sharedobs.WriteJSON(w, http.StatusOK, statusResponse{Status: "no batch completed"})
			return
		}

		resp := statusResponse{
			Status: "ok",
			Stored: report.Count(domain.OutcomeStored),
			Failed: report.Count(domain.OutcomeFailed),
			Last:   &report,
		}
		if report.Error != "" {
			resp.Status = "batch failed"
		} else if resp.Failed > 0 {
			resp.Status = "degraded"
		}
		sharedobs.WriteJSON(w, http.StatusOK, resp)
	}
}
