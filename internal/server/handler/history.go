package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// HistoryHandler serves settled auctions and the audit log from Postgres.
type HistoryHandler struct {
	history domain.HistoryStore
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(history domain.HistoryStore, audit domain.AuditStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{history: history, audit: audit, logger: logger.With(slog.String("handler", "history"))}
}

// ListHistory returns finished auctions, newest first.
// GET /api/history?limit=50&offset=0&since=2026-01-01T00:00:00Z
func (h *HistoryHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.history.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list history failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if rows == nil {
		rows = []domain.AuctionHistory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": rows})
}

// ListAudit returns audit log entries, newest first.
// GET /api/audit?limit=50&offset=0
func (h *HistoryHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if rows == nil {
		rows = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": rows})
}

// parseListOpts extracts pagination and an optional RFC 3339 time range.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()
	opts := domain.ListOpts{Limit: parseLimit(r, 50, 500)}

	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return domain.ListOpts{}, &queryError{param: p.name}
		}
		*p.dst = &t
	}
	return opts, nil
}

type queryError struct{ param string }

func (e *queryError) Error() string { return e.param + " must be an RFC 3339 timestamp" }
