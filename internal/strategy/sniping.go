package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// Sniping holds fire until the final snipeSeconds of an auction, then bids
// once. It bids again in the same window only after being outbid.
type Sniping struct{}

// Name returns the strategy identifier.
func (Sniping) Name() domain.BidStrategy { return domain.StrategySniping }

// Decide implements the snipe window state machine. The arm flag is cleared
// whenever the auction is outside the window.
func (Sniping) Decide(in Input) Decision {
	st, cfg := in.State, in.Config

	if st.IsClosed {
		return None(false, ReasonClosed)
	}
	if st.TimeRemainingSeconds > cfg.SnipeWindow() {
		return None(false, ReasonOutsideWindow)
	}
	if st.IsWinning {
		return None(in.SnipeArmed, ReasonWinning)
	}
	if st.NextBid.GreaterThan(cfg.MaxBid) {
		return None(in.SnipeArmed, ReasonAboveMax)
	}

	reason := ReasonSnipe
	if in.SnipeArmed {
		if !Outbid(st, in.LastBid) {
			return None(true, ReasonAlreadyArmed)
		}
		reason = ReasonResnipe
	}

	amount := decimal.Min(baseAmount(st, cfg), cfg.MaxBid)
	if !amount.IsPositive() {
		return None(in.SnipeArmed, ReasonNoAmount)
	}

	action := ActionPlaceBid
	if !cfg.AutoBid {
		action = ActionSuggest
	}
	return Decision{Action: action, Amount: amount, SnipeArmed: true, Reason: reason}
}

// Outbid reports whether someone has matched or passed our last bid while we
// are not the high bidder.
func Outbid(st domain.AuctionState, lastBid *decimal.Decimal) bool {
	if st.IsWinning || lastBid == nil {
		return false
	}
	return st.CurrentBid.GreaterThanOrEqual(*lastBid)
}
