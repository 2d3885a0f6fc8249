package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/auctionbot/internal/domain"
	"github.com/alanyoungcy/auctionbot/internal/resilience"
)

type fakeTransport struct {
	mu         sync.Mutex
	fetchCalls int
	bidCalls   int
	refreshes  int
	validToken string
	fetchErr   error
	bidErr     error
	refreshErr error
}

func (f *fakeTransport) FetchAuction(_ context.Context, creds domain.SessionCredentials, _ string) (domain.AuctionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return domain.AuctionState{}, f.fetchErr
	}
	if f.validToken != "" && creds.Token != f.validToken {
		return domain.AuctionState{}, &domain.AuthExpiredError{}
	}
	return domain.AuctionState{CurrentBid: decimal.NewFromInt(10), NextBid: decimal.NewFromInt(11)}, nil
}

func (f *fakeTransport) SubmitBid(_ context.Context, _ domain.SessionCredentials, _ string, amount decimal.Decimal) (domain.BidResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bidCalls++
	if f.bidErr != nil {
		return domain.BidResult{}, f.bidErr
	}
	return domain.BidResult{Accepted: true, Amount: amount, CurrentBid: amount, IsWinning: true}, nil
}

func (f *fakeTransport) Refresh(_ context.Context, _ domain.SessionCredentials) (domain.SessionCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return domain.SessionCredentials{}, f.refreshErr
	}
	return domain.SessionCredentials{Token: f.validToken}, nil
}

type memCreds struct {
	mu    sync.Mutex
	creds domain.SessionCredentials
}

func (m *memCreds) Credentials(context.Context) (domain.SessionCredentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds.Token == "" {
		return domain.SessionCredentials{}, domain.ErrNoCredentials
	}
	return m.creds, nil
}

func (m *memCreds) SaveCredentials(_ context.Context, c domain.SessionCredentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = c
	return nil
}

func newTestClient(tr Transport, creds Credentials, attempts int) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := resilience.NewBreaker(resilience.BreakerConfig{FailureThreshold: 5, CoolDown: time.Minute})
	return New(tr, creds, b, Config{
		Retry: resilience.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, logger)
}

func TestOpenCircuitSkipsTransport(t *testing.T) {
	tr := &fakeTransport{fetchErr: &domain.NetworkError{Op: "fetch", Status: 502, Err: errors.New("bad gateway")}}
	c := newTestClient(tr, &memCreds{creds: domain.SessionCredentials{Token: "a"}}, 1)

	for i := 0; i < 5; i++ {
		_, err := c.FetchAuction(context.Background(), "A1")
		require.Error(t, err)
	}
	require.Equal(t, 5, tr.fetchCalls)

	_, err := c.FetchAuction(context.Background(), "A1")
	var open *domain.CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, 5, tr.fetchCalls)
	assert.Equal(t, resilience.ModeOpen, c.Breaker().State().Mode)
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	tr := &fakeTransport{}
	flaky := &flakyTransport{fakeTransport: tr, failures: 2}
	c := newTestClient(flaky, &memCreds{creds: domain.SessionCredentials{Token: "a"}}, 3)

	st, err := c.FetchAuction(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, st.NextBid.Equal(decimal.NewFromInt(11)))
	assert.Equal(t, 3, flaky.calls)
}

type flakyTransport struct {
	*fakeTransport
	failures int
	calls    int
}

func (f *flakyTransport) FetchAuction(ctx context.Context, creds domain.SessionCredentials, id string) (domain.AuctionState, error) {
	f.calls++
	if f.calls <= f.failures {
		return domain.AuctionState{}, &domain.TimeoutError{Op: "fetch", Err: context.DeadlineExceeded}
	}
	return f.fakeTransport.FetchAuction(ctx, creds, id)
}

func TestBusinessRejectionNotRetried(t *testing.T) {
	tr := &fakeTransport{bidErr: &domain.BusinessRejectionError{Code: "BID_TOO_LOW"}}
	c := newTestClient(tr, &memCreds{creds: domain.SessionCredentials{Token: "a"}}, 3)

	_, err := c.SubmitBid(context.Background(), "A1", decimal.NewFromInt(5))
	var rej *domain.BusinessRejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 1, tr.bidCalls)
	assert.Equal(t, resilience.ModeClosed, c.Breaker().State().Mode)
}

func TestRefreshOnAuthExpiry(t *testing.T) {
	tr := &fakeTransport{validToken: "fresh"}
	store := &memCreds{creds: domain.SessionCredentials{Token: "stale"}}
	c := newTestClient(tr, store, 1)

	_, err := c.FetchAuction(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 1, tr.refreshes)
	assert.Equal(t, "fresh", store.creds.Token)
	assert.True(t, c.CredentialsValid())
}

func TestFailedRefreshMarksExpired(t *testing.T) {
	tr := &fakeTransport{validToken: "fresh", refreshErr: &domain.AuthExpiredError{}}
	store := &memCreds{creds: domain.SessionCredentials{Token: "stale"}}
	c := newTestClient(tr, store, 1)

	_, err := c.FetchAuction(context.Background(), "A1")
	var ae *domain.AuthExpiredError
	require.ErrorAs(t, err, &ae)
	assert.False(t, c.CredentialsValid())

	// No refresh storm while expired.
	_, _ = c.FetchAuction(context.Background(), "A1")
	assert.Equal(t, 1, tr.refreshes)

	// New credentials pushed by the extension.
	require.NoError(t, store.SaveCredentials(context.Background(), domain.SessionCredentials{Token: "fresh"}))
	c.CredentialsUpdated()
	_, err = c.FetchAuction(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, c.CredentialsValid())
}
