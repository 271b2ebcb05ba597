package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"sandboxd/internal/config"
	"sandboxd/internal/monitor"
	"sandboxd/internal/sandbox"
)

// Server is the HTTP front door: GET /api/v1/health, GET /api/v1/config,
// POST /api/v1/execute, GET /api/v1/stats, plus Prometheus /metrics.
type Server struct {
	httpServer *http.Server
	cfg        *config.Config
}

func NewServer(cfg *config.Config, driver *sandbox.Driver, engine sandbox.Engine, pool *sandbox.Pool, stats *sandbox.Stats, limits sandbox.LimitsPolicy, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(driver, engine, pool, stats, limits, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/v1/config", handlers.HandleConfig)
	mux.HandleFunc("POST /api/v1/execute", handlers.HandleExecute)
	mux.HandleFunc("GET /api/v1/stats", handlers.HandleStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = AuthMiddleware(cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:         cfg.Address(),
			Handler:      handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled — running plain HTTP (not recommended for production)")
	log.Info().Str("addr", s.httpServer.Addr).Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
