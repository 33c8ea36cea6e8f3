package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/bondoracle/internal/domain"
	"github.com/alanyoungcy/bondoracle/internal/server/handler"
	"github.com/alanyoungcy/bondoracle/internal/server/middleware"
	"github.com/alanyoungcy/bondoracle/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimiter throttles mutating requests per client when set.
	RateLimiter  domain.RateLimiter
	RateLimit    int
	RateInterval time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Archive may be nil when object storage is disabled.
type Handlers struct {
	Health        *handler.HealthHandler
	Instruments   *handler.InstrumentHandler
	Settlements   *handler.SettlementHandler
	Notifications *handler.NotificationHandler
	Archive       *handler.ArchiveHandler
}

// Server is the HTTP + WebSocket API of the oracle.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain applied. wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      Routes(cfg, handlers, wsHub, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Routes builds the routed, middleware-wrapped handler.
func Routes(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Instruments.
	mux.HandleFunc("POST /api/instruments", handlers.Instruments.Create)
	mux.HandleFunc("GET /api/instruments", handlers.Instruments.List)
	mux.HandleFunc("GET /api/instruments/{address}", handlers.Instruments.Get)
	mux.HandleFunc("GET /api/instruments/{address}/details", handlers.Instruments.Details)
	mux.HandleFunc("GET /api/instruments/{address}/positions", handlers.Instruments.Positions)

	// Settlements.
	mux.HandleFunc("POST /api/instruments/{address}/subscriptions", handlers.Settlements.Subscribe)
	mux.HandleFunc("POST /api/instruments/{address}/trades", handlers.Settlements.Trade)
	mux.HandleFunc("POST /api/instruments/{address}/redemptions", handlers.Settlements.Redeem)
	mux.HandleFunc("GET /api/instruments/{address}/settlements", handlers.Settlements.List)
	mux.HandleFunc("GET /api/settlements/{id}", handlers.Settlements.Get)
	mux.HandleFunc("POST /api/settlements/{id}/events", handlers.Settlements.Event)

	// Notifications.
	mux.HandleFunc("GET /api/notifications", handlers.Notifications.List)
	mux.HandleFunc("GET /api/notifications/pending", handlers.Notifications.Pending)
	mux.HandleFunc("POST /api/notifications/drain", handlers.Notifications.Drain)

	// Archive.
	if handlers.Archive != nil {
		mux.HandleFunc("GET /api/archive", handlers.Archive.List)
		mux.HandleFunc("GET /api/instruments/{address}/archive", handlers.Archive.Get)
		mux.HandleFunc("POST /api/instruments/{address}/archive", handlers.Archive.Create)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.RateInterval, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
