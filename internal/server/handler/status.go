package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/auctionbot/internal/domain"
	"github.com/alanyoungcy/auctionbot/internal/resilience"
)

// StatusSources are the live readings reported by GET /api/status. Any of
// them may be nil.
type StatusSources struct {
	Stats       func() map[domain.AuctionStatus]int
	Breaker     func() resilience.State
	Credentials func() bool
	StoreHealth func() bool
	Dropped     func() int64
}

// StatusHandler serves the backend status for the dashboard.
type StatusHandler struct {
	mode    string
	started time.Time
	src     StatusSources
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, src StatusSources) *StatusHandler {
	return &StatusHandler{mode: mode, started: time.Now(), src: src}
}

// GetStatus responds with monitor counts, breaker state and credential
// validity.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"mode":          h.mode,
		"uptimeSeconds": int64(time.Since(h.started).Seconds()),
	}
	if h.src.Stats != nil {
		stats := h.src.Stats()
		total := 0
		for _, n := range stats {
			total += n
		}
		body["auctions"] = stats
		body["total"] = total
	}
	if h.src.Breaker != nil {
		body["breaker"] = h.src.Breaker()
	}
	if h.src.Credentials != nil {
		body["credentialsValid"] = h.src.Credentials()
	}
	if h.src.StoreHealth != nil {
		body["stateStoreHealthy"] = h.src.StoreHealth()
	}
	if h.src.Dropped != nil {
		body["droppedEvents"] = h.src.Dropped()
	}
	writeJSON(w, http.StatusOK, body)
}
