package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/auctionbot/internal/blob/s3"
	"github.com/alanyoungcy/auctionbot/internal/crypto"
	"github.com/alanyoungcy/auctionbot/internal/domain"
	"github.com/alanyoungcy/auctionbot/internal/feed"
	"github.com/alanyoungcy/auctionbot/internal/pipeline"
	"github.com/alanyoungcy/auctionbot/internal/platform/auctionsite"
	"github.com/alanyoungcy/auctionbot/internal/server"
	"github.com/alanyoungcy/auctionbot/internal/server/handler"
	"github.com/alanyoungcy/auctionbot/internal/service"
)

// HeadlessMode runs the monitor, feeds and background jobs without the
// HTTP API. Auctions are restored from the state store on start.
func (a *App) HeadlessMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting headless mode")
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startCore(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// FullMode is HeadlessMode plus the HTTP and websocket API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startCore(ctx, g, deps); err != nil {
		return err
	}

	srv := a.buildServer(deps)
	g.Go(func() error {
		return srv.Run(ctx, a.cfg.Monitor.ShutdownGrace.Duration)
	})
	return g.Wait()
}

// startCore restores tracked auctions and launches every background loop
// shared by both modes.
func (a *App) startCore(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	// Reconcile first so a backend that was down at shutdown is flushed
	// before we read it back.
	deps.State.Reconcile(ctx)
	restored, err := deps.Monitor.Restore(ctx)
	if err != nil {
		return fmt.Errorf("app: restore auctions: %w", err)
	}
	a.logger.InfoContext(ctx, "restored tracked auctions", slog.Int("count", restored))

	g.Go(func() error { return deps.Relay.Run(ctx) })
	g.Go(func() error { return deps.State.Run(ctx) })
	g.Go(func() error { return deps.Monitor.Run(ctx) })

	dedup := feed.NewDedup(a.cfg.Feed.DedupWindow.Duration)

	if a.cfg.Feed.PushEnabled {
		wsClient := auctionsite.NewWSClient(a.cfg.AuctionSite.WSURL, func() domain.SessionCredentials {
			creds, err := deps.State.Credentials(ctx)
			if err != nil {
				return domain.SessionCredentials{}
			}
			return creds
		}, a.logger)
		push := feed.NewPushFeed(wsClient, deps.Monitor, dedup, a.logger)
		g.Go(func() error { return push.Run(ctx) })
	}

	if a.cfg.Feed.BusEnabled {
		if deps.SignalBus == nil {
			a.logger.WarnContext(ctx, "feed.bus_enabled is set but redis is disabled; bus feed not started")
		} else {
			bus := feed.NewBusFeed(deps.SignalBus, service.PushChannel, deps.Monitor, dedup, a.logger)
			g.Go(func() error { return bus.Run(ctx) })
		}
	}

	if deps.Archiver != nil {
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error { return archiver.RunCron(ctx, a.cfg.Archive.Cron) })
	} else if a.cfg.S3.Enabled {
		a.logger.InfoContext(ctx, "archiver disabled: auction history requires database.enabled")
	}
	return nil
}

// buildServer assembles the handlers for the configured dependencies.
func (a *App) buildServer(deps *Dependencies) *server.Server {
	checks := map[string]handler.Pinger{"state": deps.State}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis
	}
	if deps.Postgres != nil {
		checks["postgres"] = deps.Postgres
	}

	// A nil *crypto.WebhookSigner must not become a non-nil interface.
	var verifier handler.SignatureVerifier
	if a.cfg.Security.WebhookSecret != "" {
		verifier = &crypto.WebhookSigner{
			Secret:  []byte(a.cfg.Security.WebhookSecret),
			MaxSkew: webhookMaxSkew,
		}
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(checks, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, handler.StatusSources{
			Stats:       deps.Monitor.Stats,
			Breaker:     deps.Breaker.State,
			Credentials: deps.Credentials.Valid,
			StoreHealth: deps.State.Healthy,
			Dropped:     deps.Relay.Dropped,
		}),
		Auctions:    handler.NewAuctionHandler(deps.Monitor, a.logger),
		Credentials: handler.NewCredentialHandler(deps.Credentials, verifier, a.logger),
	}
	if deps.SignalBus != nil {
		bus := deps.SignalBus
		handlers.Events = handler.NewEventHandler(func(ctx context.Context, count int) ([]domain.Event, error) {
			return service.RecentEvents(ctx, bus, count)
		}, a.logger)
	}
	if deps.History != nil && deps.AuditStore != nil {
		handlers.History = handler.NewHistoryHandler(deps.History, deps.AuditStore, a.logger)
	}
	if deps.BlobReader != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.BlobReader, s3blob.ArchivePrefix, a.logger)
	}

	return server.NewServer(server.Config{
		Port:           a.cfg.Server.Port,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		APIKey:         a.cfg.Security.APIKey,
		RateLimit:      a.cfg.Server.RateLimit,
		RateWindow:     a.cfg.Server.RateWindow.Duration,
		RequestTimeout: a.cfg.Server.RequestTimeout.Duration,
	}, handlers, deps.Hub, deps.RateLimiter, a.logger)
}
