package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/auctionbot/internal/config"
	"github.com/alanyoungcy/auctionbot/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.AuctionSite.BaseURL = "http://127.0.0.1:1/api"
	require.NoError(t, cfg.Validate())
	return &cfg
}

func TestWireMemoryOnly(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	deps, cleanup, err := Wire(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.AuditStore)
	assert.Nil(t, deps.Archiver)
	require.NotNil(t, deps.Monitor)
	assert.Equal(t, 0, deps.Hub.Count())
	assert.False(t, deps.Notifier.Enabled())
}

func TestWireRedisBackendAndServer(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	cfg.State.Backend = "redis"
	cfg.Security.CredentialSecret = "test-secret"
	cfg.Security.CredentialIterations = 1000
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps, cleanup, err := Wire(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, deps.SignalBus)
	require.NotNil(t, deps.LockManager)

	a := New(cfg, logger)
	srv := a.buildServer(deps)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "full", status["mode"])
	assert.Contains(t, status, "credentialsValid")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "events route is registered with redis")
}

func TestWireBackendNameIgnoresCase(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	cfg.State.Backend = "Redis"
	require.NoError(t, cfg.Validate())

	deps, cleanup, err := Wire(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, deps.State.Upsert(context.Background(), domain.Auction{ID: "A1", Status: domain.StatusActive}, 0))
	stored := false
	for _, k := range mr.Keys() {
		if strings.Contains(k, "A1") {
			stored = true
		}
	}
	assert.True(t, stored, "auction state is written to redis, got keys %v", mr.Keys())
}
