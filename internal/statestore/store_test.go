package statestore

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/auctionbot/internal/crypto"
	"github.com/alanyoungcy/auctionbot/internal/domain"
)

func newTestStore(t *testing.T, sealer Sealer) (*Store, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	s := New(backend, sealer, Config{ReconcileInterval: time.Hour}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s, backend
}

func auction(id string, bid int64) domain.Auction {
	return domain.Auction{
		ID:     id,
		Status: domain.StatusActive,
		Config: domain.AuctionConfig{MaxBid: decimal.NewFromInt(100), Strategy: domain.StrategyAuto},
		Observed: domain.AuctionState{
			CurrentBid: decimal.NewFromInt(bid),
		},
	}
}

func TestWriteThrough(t *testing.T) {
	s, backend := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, auction("A1", 10), 0))
	got, err := backend.Get(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, got.Observed.CurrentBid.Equal(decimal.NewFromInt(10)))

	require.NoError(t, s.Delete(ctx, "A1"))
	_, err = backend.Get(ctx, "A1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, s.Healthy())
}

func TestOutageQueuesAndReplays(t *testing.T) {
	s, backend := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, auction("A1", 10), 0))
	require.NoError(t, s.Upsert(ctx, auction("A2", 20), 0))

	backend.SetUnavailable(true)
	require.NoError(t, s.Upsert(ctx, auction("A1", 15), 0), "mirror writes succeed during an outage")
	require.NoError(t, s.Delete(ctx, "A2"))
	require.NoError(t, s.Upsert(ctx, auction("A3", 30), 0))
	assert.False(t, s.Healthy())
	assert.Equal(t, 3, s.DirtyCount())

	got, err := s.Get(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, got.Observed.CurrentBid.Equal(decimal.NewFromInt(15)))
	_, err = s.Get(ctx, "A2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.False(t, s.Reconcile(ctx), "still down")

	backend.SetUnavailable(false)
	require.True(t, s.Reconcile(ctx))
	assert.True(t, s.Healthy())
	assert.Equal(t, 0, s.DirtyCount())

	all, err := backend.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "A1", all[0].ID)
	assert.True(t, all[0].Observed.CurrentBid.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, "A3", all[1].ID)
}

func TestGetAllMergesBackend(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	require.NoError(t, backend.Upsert(ctx, auction("persisted", 5), 0))

	s := New(backend, nil, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, s.Upsert(ctx, auction("fresh", 7), 0))

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "fresh", all[0].ID)
	assert.Equal(t, "persisted", all[1].ID)

	backend.SetUnavailable(true)
	all, err = s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2, "mirror serves reads during an outage")
}

func TestMirrorHonoursTTL(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	require.NoError(t, s.Upsert(ctx, auction("A1", 1), time.Minute))
	_, err := s.Get(ctx, "A1")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	_, err = s.Get(ctx, "A1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCredentialsSealedAtRest(t *testing.T) {
	sealer, err := crypto.NewSealer("secret", 1000)
	require.NoError(t, err)
	s, backend := newTestStore(t, sealer)
	ctx := context.Background()

	_, err = s.LoadCredentials(ctx)
	require.ErrorIs(t, err, domain.ErrNoCredentials)

	require.NoError(t, s.SaveCredentials(ctx, domain.SessionCredentials{Token: "plain-token-value"}))

	sealed, err := backend.LoadSealedCredentials(ctx)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(sealed), "plain-token-value"))

	// A fresh process opens the sealed copy.
	restarted := New(backend, sealer, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	creds, err := restarted.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "plain-token-value", creds.Token)
	assert.False(t, creds.RefreshedAt.IsZero())
}

func TestCredentialsReplayedAfterOutage(t *testing.T) {
	sealer, _ := crypto.NewSealer("secret", 1000)
	s, backend := newTestStore(t, sealer)
	ctx := context.Background()

	backend.SetUnavailable(true)
	require.NoError(t, s.SaveCredentials(ctx, domain.SessionCredentials{Token: "tok"}))
	backend.SetUnavailable(false)

	require.True(t, s.Reconcile(ctx))
	_, err := backend.LoadSealedCredentials(ctx)
	require.NoError(t, err)
}

func TestConcurrentWritesSameKey(t *testing.T) {
	s, backend := newTestStore(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Upsert(ctx, auction("A1", int64(i)), 0)
		}(i)
	}
	wg.Wait()

	fromMirror, err := s.Get(ctx, "A1")
	require.NoError(t, err)
	fromBackend, err := backend.Get(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, fromMirror.Observed.CurrentBid.Equal(fromBackend.Observed.CurrentBid),
		"per-key serialization keeps mirror and backend in the same order")
}
