package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// EventLog reads the durable event stream.
type EventLog func(ctx context.Context, count int) ([]domain.Event, error)

// EventHandler serves recent monitor events.
type EventHandler struct {
	events EventLog
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events EventLog, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logger.With(slog.String("handler", "events"))}
}

// ListRecent returns the newest events, newest first.
// GET /api/events?limit=100
func (h *EventHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	events, err := h.events(r.Context(), parseLimit(r, 100, 1000))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
