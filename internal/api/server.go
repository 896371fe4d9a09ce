package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"bug-ghost-sandbox/internal/config"
	"bug-ghost-sandbox/internal/monitor"
	"bug-ghost-sandbox/internal/storage"
)

// Server is the main HTTP server for the sandbox API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
}

// NewServer creates and configures the HTTP server with all routes and
// middleware. db and writer may be nil when run history is disabled.
func NewServer(cfg *config.Config, runner Executor, images ImageManager, engine EngineChecker, db *storage.DB, writer *storage.RunWriter, metrics *monitor.Metrics) *Server {
	var runs RunReader
	if db != nil {
		runs = db
	}
	handlers := NewHandlers(runner, images, engine, runs, writer, metrics)

	s := &Server{
		handlers: handlers,
		cfg:      cfg,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      Routes(cfg, handlers, metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Routes builds the routed handler with the full middleware chain.
func Routes(cfg *config.Config, h *Handlers, metrics *monitor.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/runs", h.HandleCreateRun)
	mux.HandleFunc("POST /api/runs/stream", h.HandleStreamRun)
	mux.HandleFunc("GET /api/runs", h.HandleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", h.HandleGetRun)
	mux.HandleFunc("GET /api/sandbox/images", h.HandleImageStatus)
	mux.HandleFunc("POST /api/sandbox/images/build", h.HandleBuildImages)
	mux.HandleFunc("GET /health", h.HandleHealth)
	if cfg.Metrics.Enabled && metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Middleware chain, innermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
