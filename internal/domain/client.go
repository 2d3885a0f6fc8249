package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// AuctionSource fetches the current state of an auction from the auction
// site.
type AuctionSource interface {
	FetchAuction(ctx context.Context, id string) (AuctionState, error)
}

// BidSubmitter places bids on the auction site.
type BidSubmitter interface {
	SubmitBid(ctx context.Context, id string, amount decimal.Decimal) (BidResult, error)
}

// BidResult is the auction site's answer to an accepted bid.
type BidResult struct {
	Accepted   bool            `json:"accepted"`
	Amount     decimal.Decimal `json:"amount"`
	CurrentBid decimal.Decimal `json:"currentBid"`
	IsWinning  bool            `json:"isWinning"`
}

// CredentialProvider exposes the active session credentials to the upstream
// client.
type CredentialProvider interface {
	Credentials(ctx context.Context) (SessionCredentials, error)
}
