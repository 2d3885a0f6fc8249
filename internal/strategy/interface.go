// Package strategy decides whether, and how much, to bid on an auction.
// Every strategy is a pure function of its Input: no timers, no randomness,
// no hidden state.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// Action is the outcome of a decision.
type Action string

const (
	ActionNone     Action = "none"
	ActionPlaceBid Action = "place_bid"
	// ActionSuggest proposes a bid for manual confirmation; it is never
	// submitted automatically.
	ActionSuggest Action = "suggest"
)

// Reasons attached to decisions, surfaced in logs and events.
const (
	ReasonClosed        = "closed"
	ReasonWinning       = "winning"
	ReasonAboveMax      = "above_max"
	ReasonOutsideWindow = "outside_window"
	ReasonAlreadyArmed  = "snipe_already_attempted"
	ReasonNoAmount      = "no_valid_amount"
	ReasonBid           = "bid"
	ReasonSnipe         = "snipe"
	ReasonResnipe       = "outbid_in_window"
)

// Input is everything a strategy may look at.
type Input struct {
	State  domain.AuctionState
	Config domain.AuctionConfig
	// SnipeArmed is true when a snipe was already attempted in the current
	// window.
	SnipeArmed bool
	// LastBid is the amount of our most recent bid on this auction, if any.
	LastBid *decimal.Decimal
	Now     time.Time
}

// Decision is what a strategy returns. SnipeArmed is the arm flag the caller
// should carry into the next Input.
type Decision struct {
	Action     Action
	Amount     decimal.Decimal
	SnipeArmed bool
	Reason     string
}

// None returns a no-op decision that preserves the arm flag.
func None(armed bool, reason string) Decision {
	return Decision{Action: ActionNone, SnipeArmed: armed, Reason: reason}
}

// Strategy is a named bidding policy.
type Strategy interface {
	Name() domain.BidStrategy
	Decide(in Input) Decision
}
