package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/auctionbot/internal/domain"
	"github.com/alanyoungcy/auctionbot/internal/statestore"
	"github.com/alanyoungcy/auctionbot/internal/strategy"
)

// fakeSite serves scripted auction states and records bids.
type fakeSite struct {
	mu       sync.Mutex
	states   map[string]domain.AuctionState
	fetchErr map[string]error
	bidErr   error
	bids     map[string][]decimal.Decimal
	fetches  map[string]int

	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		states:   make(map[string]domain.AuctionState),
		fetchErr: make(map[string]error),
		bids:     make(map[string][]decimal.Decimal),
		fetches:  make(map[string]int),
	}
}

func (f *fakeSite) set(id string, st domain.AuctionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = st
}

// call tracks one upstream call and applies the configured delay. The
// returned func must be called when the call ends.
func (f *fakeSite) call(ctx context.Context) (func(), error) {
	n := f.inFlight.Add(1)
	done := func() { f.inFlight.Add(-1) }
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			done()
			return nil, ctx.Err()
		}
	}
	return done, nil
}

func (f *fakeSite) FetchAuction(ctx context.Context, id string) (domain.AuctionState, error) {
	done, err := f.call(ctx)
	if err != nil {
		return domain.AuctionState{}, err
	}
	defer done()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[id]++
	if err := f.fetchErr[id]; err != nil {
		return domain.AuctionState{}, err
	}
	st, ok := f.states[id]
	if !ok {
		return domain.AuctionState{}, domain.ErrNotFound
	}
	return st, nil
}

func (f *fakeSite) SubmitBid(ctx context.Context, id string, amount decimal.Decimal) (domain.BidResult, error) {
	done, err := f.call(ctx)
	if err != nil {
		return domain.BidResult{}, err
	}
	defer done()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bidErr != nil {
		return domain.BidResult{}, f.bidErr
	}
	f.bids[id] = append(f.bids[id], amount)
	st := f.states[id]
	st.CurrentBid = amount
	st.NextBid = amount.Add(decimal.NewFromInt(1))
	st.IsWinning = true
	st.BidCount++
	f.states[id] = st
	return domain.BidResult{Accepted: true, Amount: amount, CurrentBid: amount, IsWinning: true}, nil
}

func (f *fakeSite) setBidErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bidErr = err
}

func (f *fakeSite) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

func (f *fakeSite) bidsFor(id string) []decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]decimal.Decimal(nil), f.bids[id]...)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) has(id string, t domain.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.AuctionID == id && ev.Type == t {
			return true
		}
	}
	return false
}

func (r *recorder) count(id string, t domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.AuctionID == id && ev.Type == t {
			n++
		}
	}
	return n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	m      *Monitor
	site   *fakeSite
	events *recorder
	store  *statestore.Store
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	site := newFakeSite()
	events := &recorder{}
	store := statestore.New(statestore.NewMemoryBackend(), nil, statestore.Config{ReconcileInterval: time.Hour}, quietLogger())
	if cfg.PollingInterval == 0 {
		cfg.PollingInterval = 20 * time.Millisecond
	}
	if cfg.RapidPollingInterval == 0 {
		cfg.RapidPollingInterval = 10 * time.Millisecond
	}
	if cfg.RapidPollingThreshold == 0 {
		cfg.RapidPollingThreshold = time.Second
	}
	m := New(cfg, Deps{
		Source:    site,
		Bidder:    site,
		Store:     store,
		Publisher: events,
		Strategy:  strategy.NewEngine(strategy.DefaultRegistry(), quietLogger()),
	}, quietLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &harness{m: m, site: site, events: events, store: store}
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func intPtr(v int) *int { return &v }

func autoConfig(maxBid int64) domain.AuctionConfig {
	return domain.AuctionConfig{MaxBid: d(maxBid), Strategy: domain.StrategyAuto, AutoBid: true}
}

func open(current, next int64) domain.AuctionState {
	return domain.AuctionState{CurrentBid: d(current), NextBid: d(next), TimeRemainingSeconds: 3600}
}

func TestAddAuctionValidates(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.m.AddAuction(context.Background(), "", autoConfig(10), nil)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = h.m.AddAuction(context.Background(), "A1", domain.AuctionConfig{Strategy: "yolo"}, nil)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "maxBid")
	assert.Contains(t, verr.Fields, "strategy")
	assert.Empty(t, h.m.ListAll())
}

func TestDuplicateAddIsRejected(t *testing.T) {
	h := newHarness(t, Config{PollingInterval: time.Hour})
	h.site.set("A1", open(10, 11))

	_, err := h.m.AddAuction(context.Background(), "A1", autoConfig(5), nil)
	require.NoError(t, err)

	_, err = h.m.AddAuction(context.Background(), "A1", autoConfig(500), nil)
	var dup *domain.IdempotencyError
	require.ErrorAs(t, err, &dup)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	got, err := h.m.GetStatus("A1")
	require.NoError(t, err)
	assert.True(t, got.Config.MaxBid.Equal(d(5)), "first registration wins")
	assert.Len(t, h.m.ListAll(), 1)
}

func TestAutoBidsUntilMax(t *testing.T) {
	h := newHarness(t, Config{})
	h.site.set("A1", open(10, 11))

	_, err := h.m.AddAuction(context.Background(), "A1", autoConfig(50), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.site.bidsFor("A1")) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.site.bidsFor("A1")[0].Equal(d(11)))
	assert.True(t, h.events.has("A1", domain.EventBidPlaced))

	// While winning nothing more is placed.
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, h.site.bidsFor("A1"), 1)

	got, err := h.m.GetStatus("A1")
	require.NoError(t, err)
	require.NotNil(t, got.LastBidAmount)
	assert.True(t, got.LastBidAmount.Equal(d(11)))
	assert.True(t, got.Observed.IsWinning)
}

func TestClosedAuctionStopsPolling(t *testing.T) {
	for _, tc := range []struct {
		name    string
		winning bool
		status  domain.AuctionStatus
		event   domain.EventType
	}{
		{"won", true, domain.StatusWon, domain.EventWon},
		{"lost", false, domain.StatusLost, domain.EventLost},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.site.set("A1", domain.AuctionState{CurrentBid: d(40), NextBid: d(41), IsClosed: true, IsWinning: tc.winning})

			_, err := h.m.AddAuction(context.Background(), "A1", autoConfig(50), nil)
			require.NoError(t, err)

			require.Eventually(t, func() bool { return h.events.has("A1", tc.event) }, time.Second, 5*time.Millisecond)
			got, err := h.m.GetStatus("A1")
			require.NoError(t, err)
			assert.Equal(t, tc.status, got.Status)

			polls := h.site.fetchCount("A1")
			time.Sleep(80 * time.Millisecond)
			assert.Equal(t, polls, h.site.fetchCount("A1"), "finished auctions are not polled")
			assert.Empty(t, h.site.bidsFor("A1"))
		})
	}
}

func TestFailuresAreIsolatedAndHalt(t *testing.T) {
	h := newHarness(t, Config{MaxConsecutiveFailures: 3})
	h.site.set("good", open(10, 11))
	h.site.fetchErr["bad"] = &domain.NetworkError{Op: "fetch", Status: 502, Err: errors.New("bad gateway")}

	_, err := h.m.AddAuction(context.Background(), "bad", autoConfig(5), nil)
	require.NoError(t, err)
	_, err = h.m.AddAuction(context.Background(), "good", domain.AuctionConfig{MaxBid: d(5), Strategy: domain.StrategyAuto}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.events.has("bad", domain.EventError) }, time.Second, 5*time.Millisecond)
	bad, err := h.m.GetStatus("bad")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, bad.Status)
	assert.Equal(t, 3, bad.ConsecutiveFailures)
	assert.NotEmpty(t, bad.LastError)

	halted := h.site.fetchCount("bad")
	goodBefore := h.site.fetchCount("good")
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, halted, h.site.fetchCount("bad"), "halted auction is not polled")
	assert.Greater(t, h.site.fetchCount("good"), goodBefore, "other auctions keep polling")

	good, err := h.m.GetStatus("good")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, good.Status)

	// Resume after the site recovers.
	h.site.mu.Lock()
	delete(h.site.fetchErr, "bad")
	h.site.states["bad"] = open(1, 2)
	h.site.mu.Unlock()

	resumed, err := h.m.Resume(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, resumed.Status)
	assert.Zero(t, resumed.ConsecutiveFailures)
	require.Eventually(t, func() bool { return h.site.fetchCount("bad") > halted }, time.Second, 5*time.Millisecond)
}

func TestConcurrencyCeiling(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentCalls: 2})
	h.site.delay = 15 * time.Millisecond

	for _, id := range []string{"A", "B", "C", "D", "E", "F"} {
		h.site.set(id, open(10, 11))
		_, err := h.m.AddAuction(context.Background(), id, domain.AuctionConfig{MaxBid: d(5), Strategy: domain.StrategyAuto}, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for _, id := range []string{"A", "B", "C", "D", "E", "F"} {
			if h.site.fetchCount(id) < 2 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, h.site.maxSeen.Load(), int32(2))
}

func TestBusinessRejectionDoesNotCount(t *testing.T) {
	h := newHarness(t, Config{MaxConsecutiveFailures: 2})
	h.site.set("A1", open(10, 11))
	h.site.bidErr = &domain.BusinessRejectionError{Code: "BID_TOO_LOW", Message: "raise it"}

	_, err := h.m.AddAuction(context.Background(), "A1", autoConfig(50), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.events.count("A1", domain.EventBidRejected) >= 3 }, time.Second, 5*time.Millisecond)
	got, err := h.m.GetStatus("A1")
	require.NoError(t, err)
	assert.NotEqual(t, domain.StatusError, got.Status)
	assert.Zero(t, got.ConsecutiveFailures)
}

func TestAuthExpiryPausesBidding(t *testing.T) {
	h := newHarness(t, Config{})
	h.site.set("A1", open(10, 11))
	h.site.bidErr = &domain.AuthExpiredError{}

	_, err := h.m.AddAuction(context.Background(), "A1", autoConfig(50), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.events.has("A1", domain.EventPaused) }, time.Second, 5*time.Millisecond)

	// Read-only polling continues while paused. The fake reports success
	// on fetch, so the auction comes back and bids once the error clears.
	h.site.mu.Lock()
	h.site.bidErr = nil
	h.site.mu.Unlock()
	require.Eventually(t, func() bool { return len(h.site.bidsFor("A1")) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.events.has("A1", domain.EventResumed))
}

func TestManualModeSuggestsAndConfirms(t *testing.T) {
	h := newHarness(t, Config{PollingInterval: time.Hour})
	h.site.set("A1", open(10, 11))

	cfg := autoConfig(50)
	cfg.AutoBid = false
	_, err := h.m.AddAuction(context.Background(), "A1", cfg, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.events.has("A1", domain.EventBidSuggested) }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.site.bidsFor("A1"), "manual mode never bids on its own")

	got, err := h.m.GetStatus("A1")
	require.NoError(t, err)
	require.NotNil(t, got.SuggestedBid)

	res, err := h.m.ConfirmBid(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	require.Len(t, h.site.bidsFor("A1"), 1)

	_, err = h.m.ConfirmBid(context.Background(), "A1")
	assert.ErrorIs(t, err, domain.ErrConflict, "the suggestion is consumed")
}

func TestConfirmBidWaitsForPoll(t *testing.T) {
	h := newHarness(t, Config{PollingInterval: 5 * time.Millisecond, RapidPollingInterval: 5 * time.Millisecond})
	h.site.delay = 50 * time.Millisecond
	h.site.set("A1", open(10, 11))

	cfg := autoConfig(50)
	cfg.AutoBid = false
	_, err := h.m.AddAuction(context.Background(), "A1", cfg, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.events.has("A1", domain.EventBidSuggested) }, 2*time.Second, 5*time.Millisecond)

	res, err := h.m.ConfirmBid(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	// Let the loop keep polling after the bid.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(1), h.site.maxSeen.Load(), "one upstream call per auction at a time")
	assert.Len(t, h.site.bidsFor("A1"), 1)
}

func TestSnipeRetriesAfterFailedAttempt(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"circuit open", &domain.CircuitOpenError{RetryAt: time.Now().Add(30 * time.Millisecond)}},
		{"transient failure", &domain.NetworkError{Op: "bid", Status: 503, Err: errors.New("unavailable")}},
		{"auth expired", &domain.AuthExpiredError{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{MaxConsecutiveFailures: 50})
			h.site.set("A1", domain.AuctionState{CurrentBid: d(10), NextBid: d(11), TimeRemainingSeconds: 4})
			h.site.setBidErr(tc.err)

			cfg := domain.AuctionConfig{MaxBid: d(50), Strategy: domain.StrategySniping, AutoBid: true, SnipeSeconds: intPtr(5)}
			_, err := h.m.AddAuction(context.Background(), "A1", cfg, nil)
			require.NoError(t, err)

			require.Eventually(t, func() bool { return h.site.fetchCount("A1") >= 2 }, time.Second, 5*time.Millisecond)
			got, err := h.m.GetStatus("A1")
			require.NoError(t, err)
			assert.False(t, got.SnipeArmed, "a failed attempt does not use up the window")

			h.site.setBidErr(nil)
			require.Eventually(t, func() bool { return len(h.site.bidsFor("A1")) == 1 }, time.Second, 5*time.Millisecond)

			got, err = h.m.GetStatus("A1")
			require.NoError(t, err)
			assert.True(t, got.SnipeArmed)
			time.Sleep(60 * time.Millisecond)
			assert.Len(t, h.site.bidsFor("A1"), 1, "winning after the snipe holds")
		})
	}
}

func TestUpdateConfigValidatesMerge(t *testing.T) {
	h := newHarness(t, Config{PollingInterval: time.Hour})
	h.site.set("A1", open(10, 11))
	_, err := h.m.AddAuction(context.Background(), "A1", autoConfig(5), nil)
	require.NoError(t, err)

	bad := d(-1)
	_, err = h.m.UpdateConfig(context.Background(), "A1", domain.AuctionConfigPatch{MaxBid: &bad})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	snipe := domain.StrategySniping
	got, err := h.m.UpdateConfig(context.Background(), "A1", domain.AuctionConfigPatch{Strategy: &snipe})
	require.NoError(t, err)
	assert.Equal(t, domain.StrategySniping, got.Config.Strategy)
	assert.True(t, got.Config.MaxBid.Equal(d(5)), "unpatched fields are kept")
	assert.True(t, h.events.has("A1", domain.EventConfigUpdated))

	_, err = h.m.UpdateConfig(context.Background(), "missing", domain.AuctionConfigPatch{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRemoveStopsLoopAndDeletesState(t *testing.T) {
	h := newHarness(t, Config{})
	h.site.set("A1", open(10, 11))
	_, err := h.m.AddAuction(context.Background(), "A1", domain.AuctionConfig{MaxBid: d(5), Strategy: domain.StrategyAuto}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.site.fetchCount("A1") > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.m.RemoveAuction(context.Background(), "A1"))
	polls := h.site.fetchCount("A1")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, polls, h.site.fetchCount("A1"))

	_, err = h.store.Get(context.Background(), "A1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, h.events.has("A1", domain.EventStopped))

	require.NoError(t, h.m.RemoveAuction(context.Background(), "A1"), "second remove is a no-op")
}

func TestRestoreResumesTrackedAuctions(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	now := time.Now()
	for _, a := range []domain.Auction{
		{ID: "running", Status: domain.StatusActive, Config: domain.AuctionConfig{MaxBid: d(5), Strategy: domain.StrategyAuto}, CreatedAt: now},
		{ID: "halted", Status: domain.StatusError, Config: domain.AuctionConfig{MaxBid: d(5), Strategy: domain.StrategyAuto}, CreatedAt: now},
		{ID: "done", Status: domain.StatusWon, Config: domain.AuctionConfig{MaxBid: d(5), Strategy: domain.StrategyAuto}, CreatedAt: now},
	} {
		require.NoError(t, h.store.Upsert(ctx, a, 0))
	}
	h.site.set("running", open(10, 11))
	h.site.set("halted", open(10, 11))

	n, err := h.m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool { return h.site.fetchCount("running") > 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.site.fetchCount("halted"), "halted auctions wait for Resume")

	_, err = h.m.GetStatus("done")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	stats := h.m.Stats()
	assert.Equal(t, 1, stats[domain.StatusError])
}

func TestNextIntervalSwitchesToRapid(t *testing.T) {
	m := New(Config{}, Deps{}, quietLogger())
	observed := time.Now()

	far := domain.Auction{Config: autoConfig(5), Observed: domain.AuctionState{TimeRemainingSeconds: 3600, ObservedAt: observed}}
	assert.Equal(t, 30*time.Second, m.nextInterval(far, 0))

	near := domain.Auction{Config: autoConfig(5), Observed: domain.AuctionState{TimeRemainingSeconds: 120, ObservedAt: observed}}
	assert.Equal(t, 2*time.Second, m.nextInterval(near, 0))

	snipe := domain.AuctionConfig{MaxBid: d(5), Strategy: domain.StrategySniping}
	approaching := domain.Auction{Config: snipe, Observed: domain.AuctionState{TimeRemainingSeconds: 20, ObservedAt: observed}}
	assert.Equal(t, 2*time.Second, m.nextInterval(approaching, 0))

	justBefore := domain.Auction{Config: snipe, Observed: domain.AuctionState{TimeRemainingSeconds: 6, ObservedAt: observed}}
	assert.Equal(t, time.Second, m.nextInterval(justBefore, 0), "wake as the snipe window opens")

	assert.Equal(t, time.Minute, m.nextInterval(far, time.Minute), "circuit retry is a floor")
}
