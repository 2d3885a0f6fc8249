package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/auctionbot/internal/domain"
	"github.com/alanyoungcy/auctionbot/internal/monitor"
	"github.com/alanyoungcy/auctionbot/internal/server/handler"
	"github.com/alanyoungcy/auctionbot/internal/server/ws"
)

type stubMonitor struct{ auctions []domain.Auction }

func (s *stubMonitor) AddAuction(context.Context, string, domain.AuctionConfig, map[string]string) (monitor.Handle, error) {
	return monitor.Handle{}, domain.ErrConflict
}

func (s *stubMonitor) RemoveAuction(context.Context, string) error { return nil }

func (s *stubMonitor) UpdateConfig(context.Context, string, domain.AuctionConfigPatch) (domain.Auction, error) {
	return domain.Auction{}, domain.ErrNotFound
}

func (s *stubMonitor) GetStatus(string) (domain.Auction, error) { return domain.Auction{}, domain.ErrNotFound }

func (s *stubMonitor) ListAll() []domain.Auction { return s.auctions }

func (s *stubMonitor) Resume(context.Context, string) (domain.Auction, error) {
	return domain.Auction{}, domain.ErrNotFound
}

func (s *stubMonitor) ConfirmBid(context.Context, string) (domain.BidResult, error) {
	return domain.BidResult{}, domain.ErrNotFound
}

type nopCreds struct{}

func (nopCreds) Update(context.Context, domain.SessionCredentials) error { return nil }

func newTestServer(t *testing.T, apiKey string) (*httptest.Server, *ws.Hub) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := &stubMonitor{auctions: []domain.Auction{{ID: "A1", Status: domain.StatusActive}}}
	hub := ws.NewHub(m.ListAll, ws.Config{}, logger)

	srv := NewServer(Config{APIKey: apiKey}, Handlers{
		Health:      handler.NewHealthHandler(nil, logger),
		Status:      handler.NewStatusHandler("full", handler.StatusSources{}),
		Auctions:    handler.NewAuctionHandler(m, logger),
		Credentials: handler.NewCredentialHandler(nopCreds{}, nil, logger),
	}, hub, nil, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, hub
}

func get(t *testing.T, url, key string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestRoutesAndAuth(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/api/health", ""))
	assert.Equal(t, http.StatusUnauthorized, get(t, ts.URL+"/api/auctions", ""))
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/api/auctions", "secret"))
	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/api/auctions/nope", "secret"))
	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/api/events", "secret"), "events route needs redis")
}

func TestWebsocketThroughMiddleware(t *testing.T) {
	ts, hub := newTestServer(t, "secret")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?api_key=secret"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first ws.Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, ws.MessageSnapshot, first.Type)
	require.Len(t, first.Auctions, 1)

	hub.Publish(domain.Event{AuctionID: "A1", Type: domain.EventBidPlaced})
	var next ws.Message
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, domain.EventBidPlaced, next.EventType)
}
