// Package api provides the HTTP surface of the acquisition server.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaoshenming/bilibili-server/internal/auth"
	"github.com/xiaoshenming/bilibili-server/internal/config"
	"github.com/xiaoshenming/bilibili-server/internal/health"
)

// Server configuration constants
const (
	ReadTimeout       = 30 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 600 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB
)

// Server represents the HTTP server for the API.
type Server struct {
	httpServer  *http.Server
	cfg         *config.Config
	log         *slog.Logger
	rateLimiter *auth.RateLimiter
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	Handlers      *Handlers
	Verifier      *auth.Verifier
	RateLimiter   *auth.RateLimiter
	HealthChecker *health.Checker
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(CORSMiddleware(cfg.Config.CORS.AllowedOrigins))
	r.Use(MetricsMiddleware)

	h := cfg.Handlers

	// Public endpoints
	r.Get("/health", cfg.HealthChecker.Handler())
	r.Get("/health/deep", cfg.HealthChecker.DeepHandler())
	r.Get("/api/video/list", h.ListHandler)
	// Delivery authenticates with its own signed token, not a session.
	r.Get("/api/video/play/{fileName}", h.PlayHandler)
	r.Head("/api/video/play/{fileName}", h.PlayHandler)

	// Session-protected endpoints
	r.Group(func(r chi.Router) {
		r.Use(cfg.Verifier.Middleware)
		r.Post("/api/video/process", h.ProcessHandler)
		r.Post("/api/video/batch", h.BatchHandler)
		r.Get("/api/video/mine", h.MineHandler)
		r.Post("/api/video/download-link", h.DownloadLinkHandler)
		r.Delete("/api/video/{id}", h.DeleteHandler)
		r.Get("/api/video/daily-limit", h.DailyLimitHandler)
		r.Get("/api/video/job/{id}", h.JobStatusHandler)
	})

	// Metrics endpoint (internal only)
	r.Method(http.MethodGet, "/metrics", internalOnlyMiddleware(promhttp.Handler()))

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Config.Server.Host, cfg.Config.Server.Port),
		Handler:           r,
		ReadTimeout:       ReadTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer:  httpServer,
		cfg:         cfg.Config,
		log:         cfg.Logger,
		rateLimiter: cfg.RateLimiter,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// Private networks for internal-only middleware
var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Deny if X-Forwarded-For is present (came through load balancer)
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

// isInternalRequest checks if the request is from an internal network.
func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
