// Package server assembles the HTTP API, the metrics endpoint and the client
// gateway behind one listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/optionsengine/internal/domain"
	"github.com/alanyoungcy/optionsengine/internal/server/handler"
	"github.com/alanyoungcy/optionsengine/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Orders, Wallets
// and Gateway may be nil in modes that do not serve them.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Orders  *handler.OrderHandler
	Wallets *handler.WalletHandler
	Metrics http.Handler
	Gateway http.HandlerFunc
}

// Server is the HTTP + WebSocket listener.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
// verifier guards the owner-scoped routes; limiter may be nil to disable
// per-client rate limiting.
func NewServer(cfg Config, handlers Handlers, verifier middleware.TokenVerifier, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	authed := middleware.Auth(verifier)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	if handlers.Orders != nil {
		mux.Handle("GET /api/orders", authed(http.HandlerFunc(handlers.Orders.ListOrders)))
		mux.Handle("GET /api/orders/{id}", authed(http.HandlerFunc(handlers.Orders.GetOrder)))
		mux.Handle("POST /api/orders", authed(http.HandlerFunc(handlers.Orders.PlaceOrder)))
	}
	if handlers.Wallets != nil {
		mux.Handle("GET /api/wallets", authed(http.HandlerFunc(handlers.Wallets.ListWallets)))
	}

	// The gateway authenticates inside the protocol, not at upgrade time.
	if handlers.Gateway != nil {
		mux.HandleFunc("GET /ws", handlers.Gateway)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "http_server")),
	}
}

// Handler returns the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
