package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// pushMessage is the JSON shape accepted on the push channel. A bare id is
// accepted too.
type pushMessage struct {
	AuctionID  string   `json:"auctionId"`
	AuctionIDs []string `json:"auctionIds"`
}

// BusFeed nudges auctions named on a SignalBus channel, so the extension
// or another process can ask for an early poll.
type BusFeed struct {
	bus     Subscriber
	channel string
	monitor Nudger
	dedup   *Dedup
	logger  *slog.Logger
}

// Subscriber is the SignalBus subset BusFeed needs.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// NewBusFeed creates a BusFeed reading channel.
func NewBusFeed(bus Subscriber, channel string, monitor Nudger, dedup *Dedup, logger *slog.Logger) *BusFeed {
	return &BusFeed{
		bus:     bus,
		channel: channel,
		monitor: monitor,
		dedup:   dedup,
		logger:  logger.With(slog.String("component", "bus_feed")),
	}
}

// Run subscribes and nudges until ctx is done or the subscription closes.
func (f *BusFeed) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return err
	}
	f.logger.Info("bus feed started", slog.String("channel", f.channel))
	defer f.logger.Info("bus feed stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			for _, id := range parsePush(data) {
				if f.dedup != nil && f.dedup.IsDuplicate(id) {
					continue
				}
				f.monitor.Nudge(id)
			}
		}
	}
}

func parsePush(data []byte) []string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if data[0] != '{' {
		return []string{string(data)}
	}

	var msg pushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}
	ids := msg.AuctionIDs
	if msg.AuctionID != "" {
		ids = append(ids, msg.AuctionID)
	}
	out := ids[:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
