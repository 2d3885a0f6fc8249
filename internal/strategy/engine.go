package strategy

import (
	"log/slog"
)

// Engine dispatches decisions to the strategy named in each auction's
// configuration and enforces the invariants shared by all strategies.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
}

// NewEngine creates an Engine over the given registry.
func NewEngine(registry *Registry, logger *slog.Logger) *Engine {
	return &Engine{
		registry: registry,
		logger:   logger.With(slog.String("component", "strategy_engine")),
	}
}

// ListNames returns the names of all registered strategies in sorted order.
func (e *Engine) ListNames() []string {
	return e.registry.List()
}

// Decide runs the configured strategy. Whatever the strategy returns, the
// engine never emits an amount above maxBid and never bids on a closed
// auction.
func (e *Engine) Decide(in Input) Decision {
	s, err := e.registry.Get(in.Config.Strategy)
	if err != nil {
		e.logger.Warn("no strategy for auction", slog.String("error", err.Error()))
		return None(in.SnipeArmed, "unknown_strategy")
	}

	d := s.Decide(in)
	if d.Action == ActionNone {
		return d
	}
	if in.State.IsClosed {
		return None(d.SnipeArmed, ReasonClosed)
	}
	if d.Amount.GreaterThan(in.Config.MaxBid) {
		e.logger.Error("strategy exceeded max bid; clamping",
			slog.String("strategy", string(s.Name())),
			slog.String("amount", d.Amount.String()),
			slog.String("max_bid", in.Config.MaxBid.String()),
		)
		d.Amount = in.Config.MaxBid
	}
	if !d.Amount.IsPositive() {
		return None(d.SnipeArmed, ReasonNoAmount)
	}
	return d
}
