package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/auctionbot/internal/domain"
	"github.com/alanyoungcy/auctionbot/internal/monitor"
)

// AuctionMonitor is the slice of the monitor the HTTP API drives.
type AuctionMonitor interface {
	AddAuction(ctx context.Context, id string, cfg domain.AuctionConfig, metadata map[string]string) (monitor.Handle, error)
	RemoveAuction(ctx context.Context, id string) error
	UpdateConfig(ctx context.Context, id string, patch domain.AuctionConfigPatch) (domain.Auction, error)
	GetStatus(id string) (domain.Auction, error)
	ListAll() []domain.Auction
	Resume(ctx context.Context, id string) (domain.Auction, error)
	ConfirmBid(ctx context.Context, id string) (domain.BidResult, error)
}

// AuctionHandler serves the auction monitoring endpoints.
type AuctionHandler struct {
	monitor AuctionMonitor
	logger  *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler.
func NewAuctionHandler(m AuctionMonitor, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{
		monitor: m,
		logger:  logger.With(slog.String("handler", "auctions")),
	}
}

type listAuctionsResponse struct {
	Auctions []domain.Auction `json:"auctions"`
}

// ListAuctions returns every tracked auction. ?status= filters.
// GET /api/auctions
func (h *AuctionHandler) ListAuctions(w http.ResponseWriter, r *http.Request) {
	status := domain.AuctionStatus(r.URL.Query().Get("status"))
	all := h.monitor.ListAll()
	out := make([]domain.Auction, 0, len(all))
	for _, a := range all {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	writeJSON(w, http.StatusOK, listAuctionsResponse{Auctions: out})
}

type createAuctionRequest struct {
	ID       string               `json:"id"`
	Config   domain.AuctionConfig `json:"config"`
	Metadata map[string]string    `json:"metadata,omitempty"`
}

// CreateAuction starts monitoring an auction.
// POST /api/auctions
func (h *AuctionHandler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	handle, err := h.monitor.AddAuction(r.Context(), req.ID, req.Config, req.Metadata)
	if err != nil {
		writeDomainError(w, r, h.logger, "add auction", err)
		return
	}

	a, err := h.monitor.GetStatus(handle.ID)
	if err != nil {
		// Removed between add and read; report what was accepted.
		writeJSON(w, http.StatusCreated, map[string]string{"id": handle.ID})
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAuction returns one auction.
// GET /api/auctions/{id}
func (h *AuctionHandler) GetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := h.monitor.GetStatus(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get auction", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// UpdateAuction merges a partial config.
// PATCH /api/auctions/{id}
func (h *AuctionHandler) UpdateAuction(w http.ResponseWriter, r *http.Request) {
	var patch domain.AuctionConfigPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	a, err := h.monitor.UpdateConfig(r.Context(), pathParam(r, "id"), patch)
	if err != nil {
		writeDomainError(w, r, h.logger, "update auction", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DeleteAuction stops monitoring. Unknown ids succeed too.
// DELETE /api/auctions/{id}
func (h *AuctionHandler) DeleteAuction(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.RemoveAuction(r.Context(), pathParam(r, "id")); err != nil {
		writeDomainError(w, r, h.logger, "remove auction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeAuction restarts a paused or errored auction.
// POST /api/auctions/{id}/resume
func (h *AuctionHandler) ResumeAuction(w http.ResponseWriter, r *http.Request) {
	a, err := h.monitor.Resume(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "resume auction", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ConfirmBid places the pending manual-mode suggestion.
// POST /api/auctions/{id}/confirm-bid
func (h *AuctionHandler) ConfirmBid(w http.ResponseWriter, r *http.Request) {
	res, err := h.monitor.ConfirmBid(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "confirm bid", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
