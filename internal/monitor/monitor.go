// Package monitor tracks auctions. Each auction runs in its own goroutine
// that polls the auction site, asks the strategy engine what to do and
// places bids, sharing one concurrency ceiling for upstream calls.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/auctionbot/internal/domain"
	"github.com/alanyoungcy/auctionbot/internal/strategy"
)

// StateStore is the persistence the monitor needs.
type StateStore interface {
	Upsert(ctx context.Context, a domain.Auction, ttl time.Duration) error
	GetAll(ctx context.Context) ([]domain.Auction, error)
	Delete(ctx context.Context, id string) error
}

// Decider picks the next action for an auction.
type Decider interface {
	Decide(in strategy.Input) strategy.Decision
}

// CredentialChecker reports whether the upstream session is usable.
type CredentialChecker interface {
	CredentialsValid() bool
}

// Deps are the monitor's collaborators. Locker, Auditor, History and
// Credentials are optional.
type Deps struct {
	Source      domain.AuctionSource
	Bidder      domain.BidSubmitter
	Store       StateStore
	Publisher   domain.EventPublisher
	Strategy    Decider
	Locker      domain.LockManager
	Auditor     domain.AuditStore
	History     domain.HistoryStore
	Credentials CredentialChecker
	Clock       func() time.Time
}

// Config tunes scheduling and failure handling.
type Config struct {
	PollingInterval        time.Duration
	RapidPollingInterval   time.Duration
	RapidPollingThreshold  time.Duration
	MaxConcurrentCalls     int
	MaxConsecutiveFailures int
	HaltStatus             domain.AuctionStatus
	StateTTL               time.Duration
	CallTimeout            time.Duration
	ShutdownGrace          time.Duration
	BidLockTTL             time.Duration
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		PollingInterval:        30 * time.Second,
		RapidPollingInterval:   2 * time.Second,
		RapidPollingThreshold:  300 * time.Second,
		MaxConcurrentCalls:     10,
		MaxConsecutiveFailures: 5,
		HaltStatus:             domain.StatusError,
		StateTTL:               7 * 24 * time.Hour,
		CallTimeout:            15 * time.Second,
		ShutdownGrace:          10 * time.Second,
		BidLockTTL:             30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollingInterval <= 0 {
		c.PollingInterval = d.PollingInterval
	}
	if c.RapidPollingInterval <= 0 {
		c.RapidPollingInterval = d.RapidPollingInterval
	}
	if c.RapidPollingThreshold <= 0 {
		c.RapidPollingThreshold = d.RapidPollingThreshold
	}
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = d.MaxConcurrentCalls
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if c.HaltStatus != domain.StatusPaused {
		c.HaltStatus = domain.StatusError
	}
	if c.StateTTL < 0 {
		c.StateTTL = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.BidLockTTL <= 0 {
		c.BidLockTTL = d.BidLockTTL
	}
	return c
}

// Monitor owns every tracked auction.
type Monitor struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
	sem    *semaphore.Weighted

	root       context.Context
	cancelRoot context.CancelFunc

	mu     sync.RWMutex
	tasks  map[string]*task
	closed bool
}

// New creates a Monitor. Nothing runs until an auction is added or
// restored.
func New(cfg Config, deps Deps, logger *slog.Logger) *Monitor {
	cfg = cfg.withDefaults()
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	root, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:        cfg,
		deps:       deps,
		logger:     logger.With(slog.String("component", "monitor")),
		now:        now,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentCalls)),
		root:       root,
		cancelRoot: cancel,
		tasks:      make(map[string]*task),
	}
}

// Handle refers to one tracked auction.
type Handle struct {
	ID string
	m  *Monitor
}

// Status returns the auction's current status.
func (h Handle) Status() (domain.AuctionStatus, error) {
	a, err := h.m.GetStatus(h.ID)
	if err != nil {
		return "", err
	}
	return a.Status, nil
}

// Stop stops monitoring the auction.
func (h Handle) Stop(ctx context.Context) error {
	return h.m.RemoveAuction(ctx, h.ID)
}

// AddAuction starts tracking id. A second add for the same id returns
// *domain.IdempotencyError and leaves the first untouched.
func (m *Monitor) AddAuction(ctx context.Context, id string, cfg domain.AuctionConfig, metadata map[string]string) (Handle, error) {
	if id == "" {
		verr := &domain.ValidationError{}
		verr.Add("id", "is required")
		return Handle{}, verr
	}
	if err := cfg.Validate(); err != nil {
		return Handle{}, err
	}

	now := m.now()
	a := domain.Auction{
		ID:                id,
		Config:            cfg,
		Status:            domain.StatusActive,
		PollingIntervalMs: m.cfg.PollingInterval.Milliseconds(),
		Metadata:          metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	t := newTask(a)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, errors.New("monitor: shutting down")
	}
	if _, exists := m.tasks[id]; exists {
		m.mu.Unlock()
		return Handle{}, &domain.IdempotencyError{ID: id}
	}
	m.tasks[id] = t
	m.mu.Unlock()

	m.persist(ctx, a)
	m.publish(ctx, id, domain.EventAdded, a)
	m.audit(ctx, "auction.added", map[string]any{
		"auction_id": id,
		"max_bid":    cfg.MaxBid.String(),
		"strategy":   string(cfg.Strategy),
	})
	m.logger.Info("auction added",
		slog.String("auction_id", id),
		slog.String("strategy", string(cfg.Strategy)),
		slog.String("max_bid", cfg.MaxBid.String()),
	)

	m.start(t)
	return Handle{ID: id, m: m}, nil
}

// RemoveAuction stops the auction's loop, waits for it to exit and deletes
// it from the store. Unknown ids are a no-op.
func (m *Monitor) RemoveAuction(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	if err := t.stop(waitCtx); err != nil {
		m.logger.Warn("auction loop did not exit in time", slog.String("auction_id", id))
	}

	if err := m.deps.Store.Delete(context.WithoutCancel(ctx), id); err != nil {
		m.logger.Error("delete auction state failed",
			slog.String("auction_id", id),
			slog.String("error", err.Error()),
		)
	}
	m.publish(ctx, id, domain.EventStopped, nil)
	m.logger.Info("auction removed", slog.String("auction_id", id))
	return nil
}

// UpdateConfig merges patch into the auction's configuration. The merged
// result is validated before it replaces the old one; scheduling is not
// touched.
func (m *Monitor) UpdateConfig(ctx context.Context, id string, patch domain.AuctionConfigPatch) (domain.Auction, error) {
	t, err := m.task(id)
	if err != nil {
		return domain.Auction{}, err
	}

	t.mu.Lock()
	next := patch.Apply(t.auction.Config)
	if err := next.Validate(); err != nil {
		t.mu.Unlock()
		return domain.Auction{}, err
	}
	t.auction.Config = next
	if t.auction.SuggestedBid != nil && t.auction.SuggestedBid.GreaterThan(next.MaxBid) {
		t.auction.SuggestedBid = nil
	}
	t.auction.UpdatedAt = m.now()
	snap := t.auction.Clone()
	t.mu.Unlock()

	m.persist(ctx, snap)
	m.publish(ctx, id, domain.EventConfigUpdated, snap)
	m.logger.Info("auction config updated", slog.String("auction_id", id))
	return snap, nil
}

// GetStatus returns a snapshot of one auction.
func (m *Monitor) GetStatus(id string) (domain.Auction, error) {
	t, err := m.task(id)
	if err != nil {
		return domain.Auction{}, err
	}
	return t.snapshot(), nil
}

// ListAll returns a snapshot of every tracked auction sorted by id.
func (m *Monitor) ListAll() []domain.Auction {
	m.mu.RLock()
	out := make([]domain.Auction, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resume brings a halted or paused auction back to Active and restarts its
// loop. Finished auctions cannot be resumed.
func (m *Monitor) Resume(ctx context.Context, id string) (domain.Auction, error) {
	t, err := m.task(id)
	if err != nil {
		return domain.Auction{}, err
	}

	t.mu.Lock()
	if t.auction.Status.IsTerminal() {
		status := t.auction.Status
		t.mu.Unlock()
		return domain.Auction{}, fmt.Errorf("monitor: resume %s: auction is %s: %w", id, status, domain.ErrConflict)
	}
	t.auction.Status = domain.StatusActive
	t.auction.ConsecutiveFailures = 0
	t.auction.LastError = ""
	t.auction.UpdatedAt = m.now()
	snap := t.auction.Clone()
	t.mu.Unlock()

	m.persist(ctx, snap)
	m.publish(ctx, id, domain.EventResumed, snap)
	m.logger.Info("auction resumed", slog.String("auction_id", id))

	if !t.running() {
		m.start(t)
	} else {
		t.poke()
	}
	return snap, nil
}

// ConfirmBid places the pending suggested bid of a manual-mode auction
// after re-checking it against the latest observation and configuration.
// It waits for any poll of the same auction in flight to finish first.
func (m *Monitor) ConfirmBid(ctx context.Context, id string) (domain.BidResult, error) {
	t, err := m.task(id)
	if err != nil {
		return domain.BidResult{}, err
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return domain.BidResult{}, err
	}
	defer m.sem.Release(1)
	t.callMu.Lock()
	defer t.callMu.Unlock()

	t.mu.Lock()
	a := &t.auction
	switch {
	case a.SuggestedBid == nil:
		t.mu.Unlock()
		return domain.BidResult{}, fmt.Errorf("monitor: confirm %s: no pending suggestion: %w", id, domain.ErrConflict)
	case a.Status.IsTerminal() || a.Observed.IsClosed:
		t.mu.Unlock()
		return domain.BidResult{}, fmt.Errorf("monitor: confirm %s: auction closed: %w", id, domain.ErrConflict)
	case a.SuggestedBid.GreaterThan(a.Config.MaxBid) || a.SuggestedBid.LessThan(a.Observed.NextBid):
		a.SuggestedBid = nil
		t.mu.Unlock()
		return domain.BidResult{}, fmt.Errorf("monitor: confirm %s: suggestion is stale: %w", id, domain.ErrConflict)
	}
	amount := *a.SuggestedBid
	arm := a.SnipeArmed
	a.SuggestedBid = nil
	t.mu.Unlock()

	out := m.placeBid(ctx, t, amount, arm)
	return out.result, out.err
}

// Nudge asks the auction's loop to poll now. Nudges coalesce, and the poll
// still goes through the strategy.
func (m *Monitor) Nudge(id string) {
	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if ok {
		t.poke()
	}
}

// Restore re-tracks every non-terminal auction found in the store and
// restarts the loops of those that were running. It returns the number of
// auctions restored.
func (m *Monitor) Restore(ctx context.Context) (int, error) {
	all, err := m.deps.Store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("monitor: restore: %w", err)
	}

	restored := 0
	for _, a := range all {
		if a.Status.IsTerminal() {
			continue
		}
		if a.Status == domain.StatusBidding {
			// A bid was in flight when the process stopped; the next poll
			// shows whether it landed.
			a.Status = domain.StatusActive
		}

		t := newTask(a)
		m.mu.Lock()
		if _, exists := m.tasks[a.ID]; exists || m.closed {
			m.mu.Unlock()
			continue
		}
		m.tasks[a.ID] = t
		m.mu.Unlock()
		restored++

		if m.loopShouldRun(a) {
			m.start(t)
		}
		m.logger.Info("auction restored",
			slog.String("auction_id", a.ID),
			slog.String("status", string(a.Status)),
		)
	}
	return restored, nil
}

// Run blocks until ctx is done and then shuts every loop down within the
// configured grace period.
func (m *Monitor) Run(ctx context.Context) error {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownGrace)
	defer cancel()
	return m.Shutdown(shutdownCtx)
}

// Shutdown cancels every loop and waits for them until ctx expires.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	m.cancelRoot()
	for _, t := range tasks {
		if err := t.wait(ctx); err != nil {
			m.logger.Warn("shutdown grace expired with loops still running")
			return err
		}
	}
	m.logger.Info("monitor stopped", slog.Int("auctions", len(tasks)))
	return nil
}

// Stats counts tracked auctions by status.
func (m *Monitor) Stats() map[domain.AuctionStatus]int {
	stats := make(map[domain.AuctionStatus]int)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks {
		t.mu.Lock()
		stats[t.auction.Status]++
		t.mu.Unlock()
	}
	return stats
}

func (m *Monitor) task(id string) (*task, error) {
	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("monitor: auction %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (m *Monitor) loopShouldRun(a domain.Auction) bool {
	switch a.Status {
	case domain.StatusActive, domain.StatusBidding:
		return true
	case domain.StatusPaused:
		return a.LastError == reasonAuthExpired
	default:
		return false
	}
}

func (m *Monitor) persist(ctx context.Context, a domain.Auction) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CallTimeout)
	defer cancel()
	if err := m.deps.Store.Upsert(ctx, a, m.cfg.StateTTL); err != nil {
		m.logger.Error("persist auction failed",
			slog.String("auction_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Monitor) publish(ctx context.Context, id string, t domain.EventType, payload any) {
	if m.deps.Publisher == nil {
		return
	}
	m.deps.Publisher.Publish(context.WithoutCancel(ctx), domain.Event{
		AuctionID: id,
		Type:      t,
		Payload:   payload,
		Timestamp: m.now(),
	})
}

func (m *Monitor) audit(ctx context.Context, event string, detail map[string]any) {
	if m.deps.Auditor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CallTimeout)
	defer cancel()
	if err := m.deps.Auditor.Log(ctx, event, detail); err != nil {
		m.logger.Warn("audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
