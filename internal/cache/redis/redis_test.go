package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func testAuction(id string) domain.Auction {
	return domain.Auction{
		ID:     id,
		Status: domain.StatusActive,
		Config: domain.AuctionConfig{MaxBid: decimal.NewFromInt(100), Strategy: domain.StrategyAuto, AutoBid: true},
		Observed: domain.AuctionState{
			CurrentBid: decimal.NewFromInt(10),
			NextBid:    decimal.NewFromInt(11),
		},
		PollingIntervalMs: 2000,
	}
}

func TestAuctionStateCacheRoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	s := NewAuctionStateCache(c)
	ctx := context.Background()

	_, err := s.Get(ctx, "A1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.Upsert(ctx, testAuction("A1"), time.Hour))
	require.NoError(t, s.Upsert(ctx, testAuction("A2"), 0))
	assert.True(t, mr.Exists("test:auction:A1"))
	assert.Equal(t, time.Hour, mr.TTL("test:auction:A1"))
	assert.Equal(t, time.Duration(0), mr.TTL("test:auction:A2"))

	got, err := s.Get(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "A1", got.ID)
	assert.True(t, got.Config.MaxBid.Equal(decimal.NewFromInt(100)))
	assert.True(t, got.Observed.NextBid.Equal(decimal.NewFromInt(11)))

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, "A1"))
	all, err = s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetAllPrunesExpired(t *testing.T) {
	c, mr := newTestClient(t)
	s := NewAuctionStateCache(c)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testAuction("A1"), time.Minute))
	require.NoError(t, s.Upsert(ctx, testAuction("A2"), 0))
	mr.FastForward(2 * time.Minute)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "A2", all[0].ID)

	members, err := mr.Members("test:auctions")
	require.NoError(t, err)
	assert.Equal(t, []string{"A2"}, members)
}

func TestSealedCredentials(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewAuctionStateCache(c)
	ctx := context.Background()

	_, err := s.LoadSealedCredentials(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.SaveSealedCredentials(ctx, []byte(`{"version":1}`)))
	got, err := s.LoadSealedCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, string(got))
}

func TestUnavailableBackend(t *testing.T) {
	c, mr := newTestClient(t)
	s := NewAuctionStateCache(c)
	mr.Close()

	err := s.Upsert(context.Background(), testAuction("A1"), 0)
	var sue *domain.StoreUnavailableError
	require.ErrorAs(t, err, &sue)
}

func TestLockManager(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "bid:A1", time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "bid:A1", time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	assert.False(t, mr.Exists("test:lock:bid:A1"))

	unlock2, err := lm.Acquire(ctx, "bid:A1", time.Second)
	require.NoError(t, err)
	unlock2()
}

func TestRateLimiter(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "client", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "client", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "other", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBus(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "ch:auction:*")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "ch:auction:A1", []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, bus.StreamAppend(ctx, "stream:auction_events", []byte(p)))
	}
	msgs, err := bus.StreamRevRange(ctx, "stream:auction_events", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", string(msgs[0].Payload))
	assert.Equal(t, "two", string(msgs[1].Payload))

	empty, err := bus.StreamRevRange(ctx, "stream:none", 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
