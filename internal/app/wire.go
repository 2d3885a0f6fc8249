package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/auctionbot/internal/blob/s3"
	"github.com/alanyoungcy/auctionbot/internal/cache/redis"
	"github.com/alanyoungcy/auctionbot/internal/config"
	"github.com/alanyoungcy/auctionbot/internal/crypto"
	"github.com/alanyoungcy/auctionbot/internal/domain"
	"github.com/alanyoungcy/auctionbot/internal/monitor"
	"github.com/alanyoungcy/auctionbot/internal/notify"
	"github.com/alanyoungcy/auctionbot/internal/platform/auctionsite"
	"github.com/alanyoungcy/auctionbot/internal/resilience"
	"github.com/alanyoungcy/auctionbot/internal/server/ws"
	"github.com/alanyoungcy/auctionbot/internal/service"
	"github.com/alanyoungcy/auctionbot/internal/statestore"
	"github.com/alanyoungcy/auctionbot/internal/store/postgres"
	"github.com/alanyoungcy/auctionbot/internal/strategy"
	"github.com/alanyoungcy/auctionbot/internal/upstream"
)

// Dependencies bundles everything the run modes start or serve. Optional
// services (Redis, Postgres, S3) leave their fields nil when disabled.
type Dependencies struct {
	// Optional infrastructure.
	Redis       *redis.Client
	Postgres    *postgres.Client
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	AuditStore  domain.AuditStore
	History     domain.HistoryStore
	BlobReader  domain.BlobReader
	Archiver    domain.Archiver

	// Core.
	State       *statestore.Store
	Breaker     *resilience.Breaker
	Upstream    *upstream.Client
	Site        *auctionsite.Client
	Hub         *ws.Hub
	Relay       *service.EventRelay
	Notifier    *notify.Notifier
	Monitor     *monitor.Monitor
	Credentials *service.CredentialService
}

// Wire constructs the concrete dependencies from cfg and returns them with
// a cleanup function that releases connections in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.Redis = rc
		deps.SignalBus = redis.NewSignalBus(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
	}

	// --- PostgreSQL ---
	var pgAuctions *postgres.AuctionStore
	if cfg.Database.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)

		if cfg.Database.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pg.Pool()
		deps.Postgres = pg
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.History = postgres.NewHistoryStore(pool)
		pgAuctions = postgres.NewAuctionStore(pool)
	}

	// --- S3 ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			KeyPrefix:      cfg.S3.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		closers = append(closers, func() { _ = sc.Close() })

		reader := s3blob.NewReader(sc)
		deps.BlobReader = reader
		// Archival needs the settled history, which lives in Postgres.
		if deps.History != nil {
			deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(sc), reader, deps.History, deps.AuditStore)
		}
	}

	// --- State store ---
	var backend statestore.Backend
	switch strings.ToLower(cfg.State.Backend) {
	case "redis":
		backend = redis.NewAuctionStateCache(deps.Redis)
	case "postgres":
		backend = pgAuctions
	default:
		backend = statestore.NewMemoryBackend()
	}

	// A nil *crypto.Sealer must not become a non-nil interface.
	var sealer statestore.Sealer
	if cfg.Security.CredentialSecret != "" {
		s, err := crypto.NewSealer(cfg.Security.CredentialSecret, cfg.Security.CredentialIterations)
		if err != nil {
			return fail(fmt.Errorf("wire: credential sealer: %w", err))
		}
		sealer = s
	}
	deps.State = statestore.New(backend, sealer, statestore.Config{
		ReconcileInterval: cfg.State.ReconcileInterval.Duration,
	}, logger)

	// --- Auction site ---
	var siteOpts []auctionsite.Option
	if cfg.AuctionSite.SessionCookie != "" {
		siteOpts = append(siteOpts, auctionsite.WithCookieName(cfg.AuctionSite.SessionCookie))
	}
	deps.Site = auctionsite.NewClient(cfg.AuctionSite.BaseURL, cfg.AuctionSite.RequestTimeout.Duration, siteOpts...)
	deps.Breaker = resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		Window:            cfg.Breaker.Window.Duration,
		CoolDown:          cfg.Breaker.CoolDown.Duration,
		MaxCoolDown:       cfg.Breaker.MaxCoolDown.Duration,
		BackoffMultiplier: cfg.Breaker.BackoffMultiplier,
	})
	deps.Upstream = upstream.New(deps.Site, deps.State, deps.Breaker, upstream.Config{
		RequestsPerSecond: cfg.AuctionSite.RateLimitRPS,
		Burst:             cfg.AuctionSite.RateLimitBurst,
		Retry: resilience.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.Duration,
			MaxDelay:    cfg.Retry.MaxDelay.Duration,
		},
	}, logger)

	// --- Events ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// The hub snapshots the monitor, and the monitor publishes through the
	// relay into the hub; the closure breaks the construction cycle.
	var mon *monitor.Monitor
	deps.Hub = ws.NewHub(func() []domain.Auction {
		if mon == nil {
			return nil
		}
		return mon.ListAll()
	}, ws.Config{BufferSize: cfg.Server.WSBufferSize}, logger)

	var notifier service.EventNotifier
	if deps.Notifier.Enabled() {
		notifier = deps.Notifier
	}
	deps.Relay = service.NewEventRelay(deps.Hub, deps.SignalBus, notifier, logger)

	deps.Breaker.OnStateChange(func(from, to resilience.Mode) {
		logger.Warn("auction site circuit changed",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		deps.Relay.Publish(context.Background(), domain.Event{
			Type:    domain.EventCircuit,
			Payload: deps.Breaker.State(),
		})
	})

	// --- Monitor ---
	mon = monitor.New(monitor.Config{
		PollingInterval:        cfg.Monitor.PollingInterval.Duration,
		RapidPollingInterval:   cfg.Monitor.RapidPollingInterval.Duration,
		RapidPollingThreshold:  cfg.Monitor.RapidPollingThreshold.Duration,
		MaxConcurrentCalls:     cfg.Monitor.MaxConcurrentCalls,
		MaxConsecutiveFailures: cfg.Monitor.MaxConsecutiveFailures,
		HaltStatus:             domain.AuctionStatus(cfg.Monitor.HaltStatus),
		StateTTL:               cfg.Monitor.StateTTL.Duration,
		CallTimeout:            cfg.Monitor.CallTimeout.Duration,
		ShutdownGrace:          cfg.Monitor.ShutdownGrace.Duration,
		BidLockTTL:             cfg.Monitor.BidLockTTL.Duration,
	}, monitor.Deps{
		Source:      deps.Upstream,
		Bidder:      deps.Upstream,
		Store:       deps.State,
		Publisher:   deps.Relay,
		Strategy:    strategy.NewEngine(strategy.DefaultRegistry(), logger),
		Locker:      deps.LockManager,
		Auditor:     deps.AuditStore,
		History:     deps.History,
		Credentials: deps.Upstream,
	}, logger)
	deps.Monitor = mon

	deps.Credentials = service.NewCredentialService(deps.State, deps.Upstream, deps.Relay, deps.AuditStore, logger)

	return deps, cleanup, nil
}
