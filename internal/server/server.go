package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/auctionbot/internal/domain"
	"github.com/alanyoungcy/auctionbot/internal/server/handler"
	"github.com/alanyoungcy/auctionbot/internal/server/middleware"
	"github.com/alanyoungcy/auctionbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port           int
	CORSOrigins    []string
	APIKey         string // if empty, authentication is disabled
	RateLimit      int
	RateWindow     time.Duration
	RequestTimeout time.Duration
}

// Handlers aggregates the HTTP handlers. Events, Archive and History are
// nil when Redis, S3 or Postgres is not wired, and their routes are not
// registered.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Auctions    *handler.AuctionHandler
	Credentials *handler.CredentialHandler
	Events      *handler.EventHandler
	Archive     *handler.ArchiveHandler
	History     *handler.HistoryHandler
}

// Server is the HTTP + WebSocket API consumed by the dashboard and the
// browser extension.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain. A nil
// limiter disables rate limiting.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http_server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Auctions.
	mux.HandleFunc("GET /api/auctions", handlers.Auctions.ListAuctions)
	mux.HandleFunc("POST /api/auctions", handlers.Auctions.CreateAuction)
	mux.HandleFunc("GET /api/auctions/{id}", handlers.Auctions.GetAuction)
	mux.HandleFunc("PATCH /api/auctions/{id}", handlers.Auctions.UpdateAuction)
	mux.HandleFunc("DELETE /api/auctions/{id}", handlers.Auctions.DeleteAuction)
	mux.HandleFunc("POST /api/auctions/{id}/resume", handlers.Auctions.ResumeAuction)
	mux.HandleFunc("POST /api/auctions/{id}/confirm-bid", handlers.Auctions.ConfirmBid)

	mux.HandleFunc("POST /api/credentials", handlers.Credentials.PushCredentials)

	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.ListRecent)
	}
	if handlers.History != nil {
		mux.HandleFunc("GET /api/history", handlers.History.ListHistory)
		mux.HandleFunc("GET /api/audit", handlers.History.ListAudit)
	}
	if handlers.Archive != nil {
		mux.HandleFunc("GET /api/archive", handlers.Archive.ListArchives)
		mux.HandleFunc("GET /api/archive/{name}", handlers.Archive.GetArchive)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	// Outermost first: Logging -> CORS -> Auth -> RateLimit -> mux.
	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.Logging(logger)(h)

	writeTimeout := 30 * time.Second
	if cfg.RequestTimeout > 0 {
		writeTimeout = cfg.RequestTimeout
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       60 * time.Second,
		},
		hub:    hub,
		logger: logger,
	}
}

// Handler exposes the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down within grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown closes websocket subscriptions, then waits for in-flight
// requests within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if s.hub != nil {
		s.hub.CloseAll()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
