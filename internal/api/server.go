// Package api exposes the engine over HTTP: JSON envelopes for
// listings, hierarchy walks, and extractions, plus streamed CSV
// exports. Every response body carries a success flag; errors map the
// engine's kinds onto status codes.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/h5lab/h5serve/internal/config"
	"github.com/h5lab/h5serve/internal/engine"
	"github.com/h5lab/h5serve/internal/metrics"
)

// Server routes HTTP requests to the engine.
type Server struct {
	engine  *engine.Engine
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	handler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics attaches Prometheus instrumentation and serves the
// registry at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New builds the router. The container key segment may itself contain
// slashes, so key routes match greedily up to their fixed suffix.
func New(e *engine.Engine, cfg config.Config, opts ...Option) *Server {
	s := &Server{engine: e, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
	r.Use(s.observe)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/files", s.handleListing).Methods(http.MethodGet)
	r.HandleFunc("/files/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/files/{key:.+}/children", s.handleChildren).Methods(http.MethodGet)
	r.HandleFunc("/files/{key:.+}/meta", s.handleMeta).Methods(http.MethodGet)
	r.HandleFunc("/files/{key:.+}/preview", s.handlePreview).Methods(http.MethodGet)
	r.HandleFunc("/files/{key:.+}/data", s.handleData).Methods(http.MethodGet)
	r.HandleFunc("/files/{key:.+}/export/csv", s.handleCSV).Methods(http.MethodGet)

	s.handler = s.withCORS(s.withLogging(r))
	return s
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.New(slog.DiscardHandler)
}
