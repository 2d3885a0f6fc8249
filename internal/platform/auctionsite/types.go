package auctionsite

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// --------------------------------------------------------------------------
// Auction site API DTOs
// --------------------------------------------------------------------------

// AuctionResponse is the body of GET /auctions/{id}.
type AuctionResponse struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Status        string          `json:"status"` // "open", "closed"
	CurrentBid    decimal.Decimal `json:"currentBid"`
	NextBid       decimal.Decimal `json:"nextBid"`
	TimeRemaining int             `json:"timeRemaining"` // seconds
	IsWinning     bool            `json:"isWinning"`
	BidCount      int             `json:"bidCount"`
	EndsAt        *time.Time      `json:"endsAt,omitempty"`
}

// ToState converts the wire form to the observed auction state.
func (r AuctionResponse) ToState(observedAt time.Time) domain.AuctionState {
	remaining := r.TimeRemaining
	if remaining < 0 {
		remaining = 0
	}
	closed := r.Status == "closed" || r.Status == "ended"
	if !closed && r.EndsAt != nil && !observedAt.Before(*r.EndsAt) {
		closed = true
	}
	return domain.AuctionState{
		CurrentBid:           r.CurrentBid,
		NextBid:              r.NextBid,
		TimeRemainingSeconds: remaining,
		IsWinning:            r.IsWinning,
		IsClosed:             closed,
		BidCount:             r.BidCount,
		ObservedAt:           observedAt,
	}
}

// BidRequest is the body of POST /auctions/{id}/bids.
type BidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// BidResponse is the site's answer to an accepted bid.
type BidResponse struct {
	Accepted   bool            `json:"accepted"`
	Amount     decimal.Decimal `json:"amount"`
	CurrentBid decimal.Decimal `json:"currentBid"`
	IsWinning  bool            `json:"isWinning"`
}

// ToResult converts the wire form to a domain bid result.
func (r BidResponse) ToResult() domain.BidResult {
	return domain.BidResult{
		Accepted:   r.Accepted,
		Amount:     r.Amount,
		CurrentBid: r.CurrentBid,
		IsWinning:  r.IsWinning,
	}
}

// RefreshResponse is the body of POST /session/refresh.
type RefreshResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ErrorResponse is the JSON error body the site returns on 4xx.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Push feed messages
// --------------------------------------------------------------------------

// WSSubscribeCmd subscribes the socket to a set of auctions.
type WSSubscribeCmd struct {
	ID       int64    `json:"id"`
	Cmd      string   `json:"cmd"`
	Auctions []string `json:"auctions"`
}

// WSMessage is the envelope of every push message.
type WSMessage struct {
	Type      string `json:"type"` // "auction_update", "auction_closed", "ack"
	AuctionID string `json:"auctionId"`
}
