package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	h := Auth("k3y", "/api/health")(ok)

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing", "/api/auctions", nil, http.StatusUnauthorized},
		{"wrong", "/api/auctions", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"header", "/api/auctions", map[string]string{"X-API-Key": "k3y"}, http.StatusOK},
		{"bearer", "/api/auctions", map[string]string{"Authorization": "Bearer k3y"}, http.StatusOK},
		{"exempt", "/api/health", nil, http.StatusOK},
		{"ws query", "/ws?api_key=k3y", nil, http.StatusOK},
		{"query elsewhere", "/api/auctions?api_key=k3y", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, serve(h, req).Code)
		})
	}

	open := Auth("")(ok)
	assert.Equal(t, http.StatusOK, serve(open, httptest.NewRequest(http.MethodGet, "/api/auctions", nil)).Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"chrome-extension://abc"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/api/credentials", nil)
	req.Header.Set("Origin", "chrome-extension://abc")
	rec := serve(h, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "chrome-extension://abc", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Signature")

	req = httptest.NewRequest(http.MethodGet, "/api/auctions", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type countingLimiter struct {
	n   int
	err error
}

func (c *countingLimiter) Allow(_ context.Context, _ string, limit int, _ time.Duration) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	c.n++
	return c.n <= limit, nil
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{}
	h := RateLimit(lim, 2, time.Minute, discard())(ok)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/auctions", nil)).Code)
	}
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/auctions", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/ws", nil)).Code, "ws is not counted")

	failing := RateLimit(&countingLimiter{err: errors.New("redis down")}, 1, time.Second, discard())(ok)
	assert.Equal(t, http.StatusOK, serve(failing, httptest.NewRequest(http.MethodGet, "/api/auctions", nil)).Code)
}

func TestLoggingKeepsRequestID(t *testing.T) {
	h := Logging(discard())(ok)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	assert.Equal(t, "abc-123", serve(h, req).Header().Get(RequestIDHeader))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", extractClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", extractClientIP(req))
}
