package api

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/config"
	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/quota"
	"sandbox-governor/internal/sandbox"
	"sandbox-governor/internal/scheduler"
	"sandbox-governor/internal/storage"
)

// Deps are the services the HTTP adapter fronts. DB may be nil.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Policy    *quota.Policy
	Monitor   *monitor.Monitor
	Manager   *sandbox.Manager
	DB        *storage.DB
	Metrics   *monitor.Metrics
}

// Server is the caller-facing HTTP server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	deps       Deps
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	handlers := NewHandlers(deps.Scheduler, deps.Policy, deps.Monitor, deps.DB, cfg.Monitor.Interval)

	s := &Server{
		handlers:  handlers,
		deps:      deps,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all requests will be rejected")
		}
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /batches", handlers.HandleSubmitBatch)
	apiMux.HandleFunc("GET /batches", handlers.HandleListBatches)
	apiMux.HandleFunc("GET /batches/{id}", handlers.HandleGetBatch)
	apiMux.HandleFunc("POST /batches/{id}/cancel", handlers.HandleCancelBatch)
	apiMux.HandleFunc("POST /batches/{id}/retry", handlers.HandleRetryBatch)
	apiMux.HandleFunc("GET /jobs/{id}/metrics", handlers.HandleJobMetrics)
	apiMux.HandleFunc("GET /jobs/{id}/events", handlers.HandleJobEvents)
	apiMux.HandleFunc("GET /callers/{id}/stats", handlers.HandleCallerStats)
	apiMux.HandleFunc("GET /executions", handlers.HandleListExecutions)

	sec := cfg.Security
	authedAPI := AuthMiddleware(sec.APIKeyHeader, sec.AllowedKeys, sec.AllowUnauthenticated)(apiMux)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Outermost last.
	var handler http.Handler = mux
	handler = MetricsMiddleware(deps.Metrics)(handler)
	handler = RateLimitMiddleware(sec.RateLimitRPS, sec.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: job event streams stay open for the whole run.
	}

	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Serve accepts connections on l. Uses TLS if configured.
func (s *Server) Serve(l net.Listener) error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", l.Addr().String()).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ServeTLS(l, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().Str("addr", l.Addr().String()).Msg("starting HTTP server")
	return s.httpServer.Serve(l)
}

// Start listens on the configured address and serves.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.deps.DB == nil || s.deps.DB.Healthy(r.Context())

	resp := HealthResponse{
		Status:        "ok",
		Database:      dbOK,
		ActiveBatches: s.deps.Scheduler.Active(),
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Manager != nil {
		resp.Backends = s.deps.Manager.Load()
		resp.Leaks = len(s.deps.Manager.Leaked())
	}

	status := http.StatusOK
	switch {
	case !dbOK:
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	case resp.Leaks > 0:
		resp.Status = "leaking"
	}
	writeJSON(w, status, resp)
}
