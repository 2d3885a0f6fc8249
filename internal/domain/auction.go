package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bounds enforced on every auction configuration.
var (
	MaxBidCeiling       = decimal.NewFromInt(999_999)
	MaxIncrementAmount  = decimal.NewFromInt(1_000)
	MinSnipeSeconds     = 1
	MaxSnipeSeconds     = 60
	DefaultSnipeSeconds = 5
)

// BidStrategy selects the decision policy applied to an auction.
type BidStrategy string

const (
	StrategyAuto    BidStrategy = "auto"
	StrategySniping BidStrategy = "sniping"
)

// Valid reports whether s names a known strategy.
func (s BidStrategy) Valid() bool {
	return s == StrategyAuto || s == StrategySniping
}

// AuctionStatus tracks the monitoring lifecycle of an auction.
type AuctionStatus string

const (
	StatusActive  AuctionStatus = "active"
	StatusBidding AuctionStatus = "bidding"
	StatusPaused  AuctionStatus = "paused"
	StatusWon     AuctionStatus = "won"
	StatusLost    AuctionStatus = "lost"
	StatusError   AuctionStatus = "error"
)

// IsTerminal is true once the auction has closed and been settled.
func (s AuctionStatus) IsTerminal() bool {
	return s == StatusWon || s == StatusLost
}

// IsHalted is true when scheduling has stopped pending operator action.
func (s AuctionStatus) IsHalted() bool {
	return s == StatusPaused || s == StatusError
}

// AuctionConfig is the user-supplied bidding policy for one auction.
type AuctionConfig struct {
	MaxBid          decimal.Decimal  `json:"maxBid"`
	Strategy        BidStrategy      `json:"strategy"`
	AutoBid         bool             `json:"autoBid"`
	IncrementAmount *decimal.Decimal `json:"incrementAmount,omitempty"`
	MinBidAmount    *decimal.Decimal `json:"minBidAmount,omitempty"`
	SnipeSeconds    *int             `json:"snipeSeconds,omitempty"`
}

// Validate checks every field range and reports all violations at once.
func (c AuctionConfig) Validate() error {
	var v ValidationError

	if !c.MaxBid.IsPositive() || c.MaxBid.GreaterThan(MaxBidCeiling) {
		v.Add("maxBid", fmt.Sprintf("must be in (0, %s]", MaxBidCeiling))
	}
	if !c.Strategy.Valid() {
		v.Add("strategy", fmt.Sprintf("unknown strategy %q (valid: auto, sniping)", c.Strategy))
	}
	if c.IncrementAmount != nil {
		if !c.IncrementAmount.IsPositive() || c.IncrementAmount.GreaterThan(MaxIncrementAmount) {
			v.Add("incrementAmount", fmt.Sprintf("must be in (0, %s]", MaxIncrementAmount))
		}
	}
	if c.MinBidAmount != nil && !c.MinBidAmount.IsPositive() {
		v.Add("minBidAmount", "must be greater than 0")
	}
	if c.SnipeSeconds != nil {
		if *c.SnipeSeconds < MinSnipeSeconds || *c.SnipeSeconds > MaxSnipeSeconds {
			v.Add("snipeSeconds", fmt.Sprintf("must be an integer in [%d, %d]", MinSnipeSeconds, MaxSnipeSeconds))
		}
	}

	if len(v.Fields) > 0 {
		return &v
	}
	return nil
}

// SnipeWindow returns the configured snipe window, falling back to the
// default when none was provided.
func (c AuctionConfig) SnipeWindow() int {
	if c.SnipeSeconds != nil {
		return *c.SnipeSeconds
	}
	return DefaultSnipeSeconds
}

// AuctionConfigPatch carries a partial configuration update. Nil fields are
// left unchanged.
type AuctionConfigPatch struct {
	MaxBid          *decimal.Decimal `json:"maxBid,omitempty"`
	Strategy        *BidStrategy     `json:"strategy,omitempty"`
	AutoBid         *bool            `json:"autoBid,omitempty"`
	IncrementAmount *decimal.Decimal `json:"incrementAmount,omitempty"`
	MinBidAmount    *decimal.Decimal `json:"minBidAmount,omitempty"`
	SnipeSeconds    *int             `json:"snipeSeconds,omitempty"`
}

// Apply merges the patch onto base and returns the result. The caller is
// expected to Validate the merged config.
func (p AuctionConfigPatch) Apply(base AuctionConfig) AuctionConfig {
	out := base
	if p.MaxBid != nil {
		out.MaxBid = *p.MaxBid
	}
	if p.Strategy != nil {
		out.Strategy = *p.Strategy
	}
	if p.AutoBid != nil {
		out.AutoBid = *p.AutoBid
	}
	if p.IncrementAmount != nil {
		v := *p.IncrementAmount
		out.IncrementAmount = &v
	}
	if p.MinBidAmount != nil {
		v := *p.MinBidAmount
		out.MinBidAmount = &v
	}
	if p.SnipeSeconds != nil {
		v := *p.SnipeSeconds
		out.SnipeSeconds = &v
	}
	return out
}

// AuctionState is what the auction site last reported for an auction.
type AuctionState struct {
	CurrentBid           decimal.Decimal `json:"currentBid"`
	NextBid              decimal.Decimal `json:"nextBid"`
	TimeRemainingSeconds int             `json:"timeRemainingSeconds"`
	IsWinning            bool            `json:"isWinning"`
	IsClosed             bool            `json:"isClosed"`
	BidCount             int             `json:"bidCount"`
	ObservedAt           time.Time       `json:"observedAt"`
}

// Auction is a monitored auction: configuration, last observation,
// scheduling bookkeeping and status.
type Auction struct {
	ID                  string            `json:"id"`
	Config              AuctionConfig     `json:"config"`
	Observed            AuctionState      `json:"observed"`
	Status              AuctionStatus     `json:"status"`
	PollingIntervalMs   int64             `json:"pollingIntervalMs"`
	LastPolledAt        time.Time         `json:"lastPolledAt"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	LastError           string            `json:"lastError,omitempty"`
	SnipeArmed          bool              `json:"snipeArmed"`
	SuggestedBid        *decimal.Decimal  `json:"suggestedBid,omitempty"`
	LastBidAmount       *decimal.Decimal  `json:"lastBidAmount,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (a Auction) Clone() Auction {
	out := a
	out.Config = a.Config.clone()
	if a.SuggestedBid != nil {
		v := *a.SuggestedBid
		out.SuggestedBid = &v
	}
	if a.LastBidAmount != nil {
		v := *a.LastBidAmount
		out.LastBidAmount = &v
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (c AuctionConfig) clone() AuctionConfig {
	out := c
	if c.IncrementAmount != nil {
		v := *c.IncrementAmount
		out.IncrementAmount = &v
	}
	if c.MinBidAmount != nil {
		v := *c.MinBidAmount
		out.MinBidAmount = &v
	}
	if c.SnipeSeconds != nil {
		v := *c.SnipeSeconds
		out.SnipeSeconds = &v
	}
	return out
}

// AuctionHistory is the settled record of a finished auction, kept for
// audit and cold-storage archival.
type AuctionHistory struct {
	AuctionID  string          `json:"auctionId"`
	Status     AuctionStatus   `json:"status"`
	FinalBid   decimal.Decimal `json:"finalBid"`
	MaxBid     decimal.Decimal `json:"maxBid"`
	Strategy   BidStrategy     `json:"strategy"`
	BidCount   int             `json:"bidCount"`
	Title      string          `json:"title,omitempty"`
	FinishedAt time.Time       `json:"finishedAt"`
}
