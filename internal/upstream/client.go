// Package upstream wraps the auction-site transport with rate limiting,
// retries, the shared circuit breaker and session refresh.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/auctionbot/internal/domain"
	"github.com/alanyoungcy/auctionbot/internal/resilience"
)

// Transport is the raw auction-site API.
type Transport interface {
	FetchAuction(ctx context.Context, creds domain.SessionCredentials, id string) (domain.AuctionState, error)
	SubmitBid(ctx context.Context, creds domain.SessionCredentials, id string, amount decimal.Decimal) (domain.BidResult, error)
	Refresh(ctx context.Context, creds domain.SessionCredentials) (domain.SessionCredentials, error)
}

// Credentials is where the client reads the active session and stores a
// refreshed one.
type Credentials interface {
	domain.CredentialProvider
	SaveCredentials(ctx context.Context, creds domain.SessionCredentials) error
}

// Config tunes the client.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	Retry             resilience.Policy
}

// Client is the guarded auction-site client shared by every monitored
// auction. It implements domain.AuctionSource and domain.BidSubmitter.
type Client struct {
	transport Transport
	creds     Credentials
	breaker   *resilience.Breaker
	retry     resilience.Policy
	logger    *slog.Logger

	refreshGroup singleflight.Group
	expired      atomic.Bool
}

// New creates a guarded client around transport.
func New(transport Transport, creds Credentials, breaker *resilience.Breaker, cfg Config, logger *slog.Logger) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultPolicy
	}
	limiter := rate.NewLimiter(limit, burst)
	// Local throttling happens before breaker admission so it can never
	// settle a half-open trial.
	retry.Throttle = limiter.Wait
	return &Client{
		transport: transport,
		creds:     creds,
		breaker:   breaker,
		retry:     retry,
		logger:    logger.With(slog.String("component", "upstream")),
	}
}

// Breaker exposes the shared breaker for status reporting.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// CredentialsValid reports whether the last refresh attempt succeeded.
func (c *Client) CredentialsValid() bool { return !c.expired.Load() }

// CredentialsUpdated clears the expired mark after new credentials were
// pushed.
func (c *Client) CredentialsUpdated() { c.expired.Store(false) }

// FetchAuction returns the auction's current state.
func (c *Client) FetchAuction(ctx context.Context, id string) (domain.AuctionState, error) {
	var st domain.AuctionState
	err := c.withSession(ctx, func(ctx context.Context, creds domain.SessionCredentials) error {
		var err error
		st, err = c.transport.FetchAuction(ctx, creds, id)
		return err
	})
	if err != nil {
		return domain.AuctionState{}, fmt.Errorf("upstream: fetch %s: %w", id, err)
	}
	return st, nil
}

// SubmitBid places a bid.
func (c *Client) SubmitBid(ctx context.Context, id string, amount decimal.Decimal) (domain.BidResult, error) {
	var res domain.BidResult
	err := c.withSession(ctx, func(ctx context.Context, creds domain.SessionCredentials) error {
		var err error
		res, err = c.transport.SubmitBid(ctx, creds, id, amount)
		return err
	})
	if err != nil {
		return domain.BidResult{}, fmt.Errorf("upstream: bid %s: %w", id, err)
	}
	return res, nil
}

// withSession runs call with the current credentials and, when the site
// rejects them, refreshes once and runs it again.
func (c *Client) withSession(ctx context.Context, call func(ctx context.Context, creds domain.SessionCredentials) error) error {
	creds, err := c.creds.Credentials(ctx)
	if err != nil && !errors.Is(err, domain.ErrNoCredentials) {
		return err
	}

	err = c.guarded(ctx, func(ctx context.Context) error { return call(ctx, creds) })
	var authErr *domain.AuthExpiredError
	if !errors.As(err, &authErr) {
		return err
	}
	if c.expired.Load() {
		return err
	}

	fresh, rerr := c.refresh(ctx, creds)
	if rerr != nil {
		c.expired.Store(true)
		c.logger.Warn("session refresh failed", slog.String("error", rerr.Error()))
		return &domain.AuthExpiredError{Err: rerr}
	}

	err = c.guarded(ctx, func(ctx context.Context) error { return call(ctx, fresh) })
	if errors.As(err, &authErr) {
		c.expired.Store(true)
	}
	return err
}

// refresh is single-flighted so concurrent 401s trigger one renewal.
func (c *Client) refresh(ctx context.Context, stale domain.SessionCredentials) (domain.SessionCredentials, error) {
	v, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		// The extension may already have pushed a newer session.
		if cur, err := c.creds.Credentials(ctx); err == nil && cur.Token != "" && cur.Token != stale.Token {
			return cur, nil
		}
		if stale.Token == "" {
			return nil, domain.ErrNoCredentials
		}

		var fresh domain.SessionCredentials
		err := c.guarded(ctx, func(ctx context.Context) error {
			var err error
			fresh, err = c.transport.Refresh(ctx, stale)
			return err
		})
		if err != nil {
			return nil, err
		}
		if err := c.creds.SaveCredentials(ctx, fresh); err != nil {
			c.logger.Warn("could not persist refreshed session", slog.String("error", err.Error()))
		}
		c.logger.Info("session refreshed", slog.Time("expires_at", fresh.ExpiresAt))
		return fresh, nil
	})
	if err != nil {
		return domain.SessionCredentials{}, err
	}
	return v.(domain.SessionCredentials), nil
}

func (c *Client) guarded(ctx context.Context, fn func(ctx context.Context) error) error {
	return resilience.Do(ctx, c.retry, c.breaker, fn)
}
