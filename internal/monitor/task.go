package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionbot/internal/domain"
	"github.com/alanyoungcy/auctionbot/internal/strategy"
)

// reasonAuthExpired marks an auction paused because the session expired.
// Such auctions keep polling read-only and resume on their own once
// credentials are valid again.
const reasonAuthExpired = "auth_expired"

// task is one auction's record plus its loop bookkeeping. mu guards
// auction. callMu is held for a whole loop tick and for a confirmed bid, so
// at most one upstream call for the auction is ever in flight.
type task struct {
	mu      sync.Mutex
	auction domain.Auction

	callMu sync.Mutex

	nudge chan struct{}

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newTask(a domain.Auction) *task {
	return &task{auction: a, nudge: make(chan struct{}, 1)}
}

func (t *task) snapshot() domain.Auction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.auction.Clone()
}

func (t *task) poke() {
	select {
	case t.nudge <- struct{}{}:
	default:
	}
}

func (t *task) running() bool {
	t.loopMu.Lock()
	defer t.loopMu.Unlock()
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *task) stop(ctx context.Context) error {
	t.loopMu.Lock()
	cancel := t.cancel
	t.loopMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return t.wait(ctx)
}

func (t *task) wait(ctx context.Context) error {
	t.loopMu.Lock()
	done := t.done
	t.loopMu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ----------------------------------------------------------------------------
// Loop
// ----------------------------------------------------------------------------

func (m *Monitor) start(t *task) {
	t.loopMu.Lock()
	defer t.loopMu.Unlock()
	if t.done != nil {
		select {
		case <-t.done:
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(m.root)
	t.cancel = cancel
	t.done = make(chan struct{})
	go m.loop(ctx, t, t.done)
}

// loop polls immediately, then at whatever interval each tick asks for,
// until the auction finishes, halts or is removed.
func (m *Monitor) loop(ctx context.Context, t *task, done chan struct{}) {
	defer close(done)

	var delay time.Duration
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-t.nudge:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		next, stop := m.tick(ctx, t)
		if stop || ctx.Err() != nil {
			return
		}
		delay = next
		t.mu.Lock()
		t.auction.PollingIntervalMs = delay.Milliseconds()
		t.mu.Unlock()
		timer.Reset(delay)
	}
}

// tick runs one poll-decide-act cycle and returns the delay before the next
// one. stop is true when the loop should exit.
func (m *Monitor) tick(ctx context.Context, t *task) (next time.Duration, stop bool) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return 0, true
	}
	defer m.sem.Release(1)
	t.callMu.Lock()
	defer t.callMu.Unlock()

	id := t.snapshot().ID
	logger := m.logger.With(slog.String("auction_id", id))

	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	state, err := m.deps.Source.FetchAuction(fetchCtx, id)
	cancel()
	if err != nil {
		return m.pollFailed(ctx, t, err)
	}

	dec, prevStatus, changed, finished := m.observe(t, state)
	if finished {
		m.finish(ctx, t)
		return 0, true
	}

	snap := t.snapshot()
	if prevStatus == domain.StatusPaused && snap.Status == domain.StatusActive {
		m.persist(ctx, snap)
		m.publish(ctx, id, domain.EventResumed, snap)
		logger.Info("credentials valid again, auction resumed")
	}

	switch dec.Action {
	case strategy.ActionPlaceBid:
		logger.Info("placing bid",
			slog.String("amount", dec.Amount.String()),
			slog.String("reason", dec.Reason),
		)
		out := m.placeBid(ctx, t, dec.Amount, dec.SnipeArmed)
		if out.stop {
			return 0, true
		}
		if out.retryAt.After(m.now()) {
			return m.nextInterval(t.snapshot(), out.retryAt.Sub(m.now())), false
		}
		return m.nextInterval(t.snapshot(), 0), false

	case strategy.ActionSuggest:
		if m.suggest(t, dec.Amount) {
			snap = t.snapshot()
			m.persist(ctx, snap)
			m.publish(ctx, id, domain.EventBidSuggested, map[string]any{
				"amount":     dec.Amount.String(),
				"currentBid": snap.Observed.CurrentBid.String(),
				"reason":     dec.Reason,
			})
		}
		return m.nextInterval(snap, 0), false
	}

	if changed {
		m.persist(ctx, snap)
		m.publish(ctx, id, domain.EventUpdated, snap)
	}
	return m.nextInterval(snap, 0), false
}

// observe applies a successful poll to the record and, when the auction
// may bid, runs the strategy.
func (m *Monitor) observe(t *task, state domain.AuctionState) (dec strategy.Decision, prevStatus domain.AuctionStatus, changed, finished bool) {
	now := m.now()
	if state.ObservedAt.IsZero() {
		state.ObservedAt = now
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	a := &t.auction
	prevStatus = a.Status

	changed = !sameObservation(a.Observed, state) || a.ConsecutiveFailures > 0
	a.Observed = state
	a.LastPolledAt = now
	a.ConsecutiveFailures = 0
	if a.LastError != reasonAuthExpired {
		a.LastError = ""
	}

	if state.IsClosed {
		if state.IsWinning {
			a.Status = domain.StatusWon
		} else {
			a.Status = domain.StatusLost
		}
		a.SuggestedBid = nil
		a.UpdatedAt = now
		return strategy.None(a.SnipeArmed, strategy.ReasonClosed), prevStatus, true, true
	}

	if a.Status == domain.StatusPaused && a.LastError == reasonAuthExpired && m.credentialsValid() {
		a.Status = domain.StatusActive
		a.LastError = ""
		changed = true
	}
	if a.SuggestedBid != nil && a.SuggestedBid.LessThan(state.NextBid) {
		a.SuggestedBid = nil
		changed = true
	}

	if a.Status != domain.StatusActive {
		dec = strategy.None(a.SnipeArmed, "status_"+string(a.Status))
	} else {
		dec = m.deps.Strategy.Decide(strategy.Input{
			State:      state,
			Config:     a.Config,
			SnipeArmed: a.SnipeArmed,
			LastBid:    a.LastBidAmount,
			Now:        now,
		})
		// A bid arms the snipe only once it reaches the site; see placeBid.
		if dec.Action != strategy.ActionPlaceBid && dec.SnipeArmed != a.SnipeArmed {
			a.SnipeArmed = dec.SnipeArmed
			changed = true
		}
	}
	if changed {
		a.UpdatedAt = now
	}
	return dec, prevStatus, changed, false
}

func (m *Monitor) suggest(t *task, amount decimal.Decimal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.auction.SuggestedBid != nil && t.auction.SuggestedBid.Equal(amount) {
		return false
	}
	v := amount
	t.auction.SuggestedBid = &v
	t.auction.UpdatedAt = m.now()
	return true
}

// finish settles a closed auction.
func (m *Monitor) finish(ctx context.Context, t *task) {
	a := t.snapshot()
	ev := domain.EventLost
	if a.Status == domain.StatusWon {
		ev = domain.EventWon
	}

	m.persist(ctx, a)
	m.publish(ctx, a.ID, ev, a)
	m.audit(ctx, "auction."+string(a.Status), map[string]any{
		"auction_id": a.ID,
		"final_bid":  a.Observed.CurrentBid.String(),
		"max_bid":    a.Config.MaxBid.String(),
	})
	if m.deps.History != nil {
		h := domain.AuctionHistory{
			AuctionID:  a.ID,
			Status:     a.Status,
			FinalBid:   a.Observed.CurrentBid,
			MaxBid:     a.Config.MaxBid,
			Strategy:   a.Config.Strategy,
			BidCount:   a.Observed.BidCount,
			Title:      a.Metadata["title"],
			FinishedAt: m.now(),
		}
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CallTimeout)
		if err := m.deps.History.Record(hctx, h); err != nil {
			m.logger.Warn("record auction history failed",
				slog.String("auction_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
	m.logger.Info("auction finished",
		slog.String("auction_id", a.ID),
		slog.String("status", string(a.Status)),
		slog.String("final_bid", a.Observed.CurrentBid.String()),
	)
}

// ----------------------------------------------------------------------------
// Bidding
// ----------------------------------------------------------------------------

type bidOutcome struct {
	result  domain.BidResult
	err     error
	stop    bool
	retryAt time.Time
}

// placeBid submits amount and records the outcome. The caller holds a
// semaphore slot and t.callMu. arm becomes the snipe flag when the site
// accepts or rejects the bid; any other outcome leaves the flag as it was
// so the next tick can try again.
func (m *Monitor) placeBid(ctx context.Context, t *task, amount decimal.Decimal, arm bool) bidOutcome {
	id := t.snapshot().ID
	logger := m.logger.With(slog.String("auction_id", id))

	if m.deps.Locker != nil {
		unlock, err := m.deps.Locker.Acquire(ctx, "bid:"+id, m.cfg.BidLockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			logger.Warn("bid lock held elsewhere, skipping bid")
			return bidOutcome{err: err}
		case err != nil:
			logger.Warn("bid lock unavailable, bidding unlocked", slog.String("error", err.Error()))
		default:
			defer unlock()
		}
	}

	t.mu.Lock()
	t.auction.Status = domain.StatusBidding
	t.mu.Unlock()

	bidCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	res, err := m.deps.Bidder.SubmitBid(bidCtx, id, amount)
	cancel()
	if err != nil {
		return m.bidFailed(ctx, t, amount, arm, err)
	}

	now := m.now()
	t.mu.Lock()
	v := amount
	t.auction.LastBidAmount = &v
	t.auction.SnipeArmed = arm
	t.auction.Status = domain.StatusActive
	t.auction.SuggestedBid = nil
	t.auction.Observed.CurrentBid = res.CurrentBid
	t.auction.Observed.IsWinning = res.IsWinning
	t.auction.UpdatedAt = now
	snap := t.auction.Clone()
	t.mu.Unlock()

	m.persist(ctx, snap)
	m.publish(ctx, id, domain.EventBidPlaced, map[string]any{
		"amount":     amount.String(),
		"currentBid": res.CurrentBid.String(),
		"isWinning":  res.IsWinning,
	})
	m.audit(ctx, "bid.placed", map[string]any{
		"auction_id": id,
		"amount":     amount.String(),
		"is_winning": res.IsWinning,
	})
	logger.Info("bid placed",
		slog.String("amount", amount.String()),
		slog.Bool("is_winning", res.IsWinning),
	)

	// Refresh right away so the record reflects the post-bid state.
	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	state, ferr := m.deps.Source.FetchAuction(fetchCtx, id)
	cancel()
	if ferr == nil {
		if state.ObservedAt.IsZero() {
			state.ObservedAt = m.now()
		}
		t.mu.Lock()
		t.auction.Observed = state
		t.auction.LastPolledAt = state.ObservedAt
		snap = t.auction.Clone()
		t.mu.Unlock()
		m.persist(ctx, snap)
		m.publish(ctx, id, domain.EventUpdated, snap)
	} else {
		logger.Debug("post-bid refresh failed", slog.String("error", ferr.Error()))
	}

	return bidOutcome{result: res}
}

func (m *Monitor) bidFailed(ctx context.Context, t *task, amount decimal.Decimal, arm bool, err error) bidOutcome {
	var (
		rej  *domain.BusinessRejectionError
		auth *domain.AuthExpiredError
		open *domain.CircuitOpenError
	)
	id := t.snapshot().ID

	switch {
	case errors.As(err, &rej):
		t.mu.Lock()
		t.auction.SnipeArmed = arm
		t.mu.Unlock()
		snap := m.setStatus(t, domain.StatusActive, "")
		m.persist(ctx, snap)
		m.publish(ctx, id, domain.EventBidRejected, map[string]any{
			"amount":  amount.String(),
			"code":    rej.Code,
			"message": rej.Message,
		})
		m.audit(ctx, "bid.rejected", map[string]any{
			"auction_id": id,
			"amount":     amount.String(),
			"code":       rej.Code,
		})
		m.logger.Warn("bid rejected",
			slog.String("auction_id", id),
			slog.String("code", rej.Code),
			slog.String("message", rej.Message),
		)
		return bidOutcome{err: err}

	case errors.As(err, &auth):
		m.pauseForAuth(ctx, t)
		return bidOutcome{err: err}

	case errors.As(err, &open):
		m.setStatus(t, domain.StatusActive, "")
		return bidOutcome{err: err, retryAt: open.RetryAt}

	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		m.setStatus(t, domain.StatusActive, "")
		return bidOutcome{err: err, stop: true}
	}

	m.setStatus(t, domain.StatusActive, "")
	_, stop := m.countFailure(ctx, t, err)
	return bidOutcome{err: err, stop: stop}
}

// ----------------------------------------------------------------------------
// Failure handling
// ----------------------------------------------------------------------------

func (m *Monitor) pollFailed(ctx context.Context, t *task, err error) (time.Duration, bool) {
	var (
		auth *domain.AuthExpiredError
		open *domain.CircuitOpenError
	)
	snap := t.snapshot()

	switch {
	case ctx.Err() != nil:
		return 0, true

	case errors.As(err, &open):
		wait := open.RetryAt.Sub(m.now())
		m.logger.Debug("circuit open, deferring poll",
			slog.String("auction_id", snap.ID),
			slog.Time("retry_at", open.RetryAt),
		)
		return m.nextInterval(snap, wait), false

	case errors.As(err, &auth):
		m.pauseForAuth(ctx, t)
		return m.nextInterval(snap, 0), false
	}

	return m.countFailure(ctx, t, err)
}

// countFailure records a failure and halts the auction once the limit is
// reached.
func (m *Monitor) countFailure(ctx context.Context, t *task, err error) (time.Duration, bool) {
	t.mu.Lock()
	a := &t.auction
	a.ConsecutiveFailures++
	a.LastError = err.Error()
	halted := a.ConsecutiveFailures >= m.cfg.MaxConsecutiveFailures
	if halted {
		a.Status = m.cfg.HaltStatus
	}
	a.UpdatedAt = m.now()
	snap := a.Clone()
	t.mu.Unlock()

	m.persist(ctx, snap)
	if !halted {
		m.logger.Warn("auction poll failed",
			slog.String("auction_id", snap.ID),
			slog.Int("consecutive_failures", snap.ConsecutiveFailures),
			slog.String("error", err.Error()),
		)
		m.publish(ctx, snap.ID, domain.EventUpdated, snap)
		return m.nextInterval(snap, 0), false
	}

	ev := domain.EventError
	if snap.Status == domain.StatusPaused {
		ev = domain.EventPaused
	}
	m.publish(ctx, snap.ID, ev, snap)
	m.audit(ctx, "auction.halted", map[string]any{
		"auction_id": snap.ID,
		"failures":   snap.ConsecutiveFailures,
		"error":      snap.LastError,
	})
	m.logger.Error("auction halted after repeated failures",
		slog.String("auction_id", snap.ID),
		slog.Int("consecutive_failures", snap.ConsecutiveFailures),
		slog.String("status", string(snap.Status)),
		slog.String("error", err.Error()),
	)
	return 0, true
}

func (m *Monitor) pauseForAuth(ctx context.Context, t *task) {
	t.mu.Lock()
	already := t.auction.Status == domain.StatusPaused && t.auction.LastError == reasonAuthExpired
	if !already {
		t.auction.Status = domain.StatusPaused
		t.auction.LastError = reasonAuthExpired
		t.auction.UpdatedAt = m.now()
	}
	snap := t.auction.Clone()
	t.mu.Unlock()
	if already {
		return
	}

	m.persist(ctx, snap)
	m.publish(ctx, snap.ID, domain.EventPaused, snap)
	m.logger.Warn("session expired, bidding paused", slog.String("auction_id", snap.ID))
}

func (m *Monitor) setStatus(t *task, status domain.AuctionStatus, lastErr string) domain.Auction {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.auction.Status = status
	t.auction.LastError = lastErr
	t.auction.UpdatedAt = m.now()
	return t.auction.Clone()
}

func (m *Monitor) credentialsValid() bool {
	if m.deps.Credentials == nil {
		return true
	}
	return m.deps.Credentials.CredentialsValid()
}

// ----------------------------------------------------------------------------
// Internal helpers
// ----------------------------------------------------------------------------

// nextInterval picks the polling interval for a. A sniping auction outside
// its window is woken just as the window opens. floor, when positive, is a
// lower bound such as a circuit retry time.
func (m *Monitor) nextInterval(a domain.Auction, floor time.Duration) time.Duration {
	interval := m.cfg.PollingInterval
	remaining := time.Duration(a.Observed.TimeRemainingSeconds) * time.Second
	if !a.Observed.ObservedAt.IsZero() && remaining <= m.cfg.RapidPollingThreshold {
		interval = m.cfg.RapidPollingInterval
	}
	if a.Config.Strategy == domain.StrategySniping && !a.Observed.ObservedAt.IsZero() {
		window := time.Duration(a.Config.SnipeWindow()) * time.Second
		if untilWindow := remaining - window; untilWindow > 0 && untilWindow < interval {
			interval = untilWindow
		}
	}
	if floor > interval {
		interval = floor
	}
	return interval
}

func sameObservation(a, b domain.AuctionState) bool {
	return a.CurrentBid.Equal(b.CurrentBid) &&
		a.NextBid.Equal(b.NextBid) &&
		a.TimeRemainingSeconds == b.TimeRemainingSeconds &&
		a.IsWinning == b.IsWinning &&
		a.IsClosed == b.IsClosed &&
		a.BidCount == b.BidCount
}
