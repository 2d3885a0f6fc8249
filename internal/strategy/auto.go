package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// Auto bids whenever the user is not the high bidder and the next required
// bid is within the cap.
type Auto struct{}

// Name returns the strategy identifier.
func (Auto) Name() domain.BidStrategy { return domain.StrategyAuto }

// Decide bids max(nextBid, minBidAmount), bumped by incrementAmount when one
// is configured, clamped to maxBid. With autoBid off the same amount is
// returned as a suggestion.
func (Auto) Decide(in Input) Decision {
	st, cfg := in.State, in.Config

	switch {
	case st.IsClosed:
		return None(in.SnipeArmed, ReasonClosed)
	case st.IsWinning:
		return None(in.SnipeArmed, ReasonWinning)
	case st.NextBid.GreaterThan(cfg.MaxBid):
		return None(in.SnipeArmed, ReasonAboveMax)
	}

	amount := baseAmount(st, cfg)
	if cfg.IncrementAmount != nil {
		amount = amount.Add(*cfg.IncrementAmount)
	}
	amount = decimal.Min(amount, cfg.MaxBid)
	if !amount.IsPositive() {
		return None(in.SnipeArmed, ReasonNoAmount)
	}

	action := ActionPlaceBid
	if !cfg.AutoBid {
		action = ActionSuggest
	}
	return Decision{Action: action, Amount: amount, SnipeArmed: in.SnipeArmed, Reason: ReasonBid}
}

// baseAmount is the smallest bid the user is willing to make right now.
func baseAmount(st domain.AuctionState, cfg domain.AuctionConfig) decimal.Decimal {
	amount := st.NextBid
	if cfg.MinBidAmount != nil {
		amount = decimal.Max(amount, *cfg.MinBidAmount)
	}
	return amount
}
