// Package feed turns out-of-band change signals into monitor nudges. A
// nudge only triggers an early poll; the monitor re-reads state over REST
// and still runs the strategy before anything is bid.
package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/auctionbot/internal/domain"
	"github.com/alanyoungcy/auctionbot/internal/platform/auctionsite"
)

const subscriptionSyncInterval = 10 * time.Second

// Nudger is the monitor surface the feeds drive.
type Nudger interface {
	Nudge(id string)
	ListAll() []domain.Auction
}

// PushSource is the auction site's live-update socket.
type PushSource interface {
	Connect(ctx context.Context) error
	Subscribe(ids ...string) error
	Unsubscribe(ids ...string) error
	OnChange(h auctionsite.ChangeHandler)
	Close() error
}

// PushFeed keeps the socket subscribed to the tracked auctions and nudges
// the monitor on every change notification.
type PushFeed struct {
	source  PushSource
	monitor Nudger
	dedup   *Dedup
	logger  *slog.Logger

	subscribed map[string]struct{}
}

// NewPushFeed creates a PushFeed.
func NewPushFeed(source PushSource, monitor Nudger, dedup *Dedup, logger *slog.Logger) *PushFeed {
	return &PushFeed{
		source:     source,
		monitor:    monitor,
		dedup:      dedup,
		logger:     logger.With(slog.String("component", "push_feed")),
		subscribed: make(map[string]struct{}),
	}
}

// Run connects and keeps subscriptions in line with the monitor until ctx
// is done. A failed first connect is logged; the client keeps its
// subscription list and the next sync retries.
func (f *PushFeed) Run(ctx context.Context) error {
	f.source.OnChange(f.handleChange)
	connected := f.connect(ctx)
	f.logger.Info("push feed started")
	defer f.logger.Info("push feed stopped")
	defer f.source.Close()

	f.sync()
	ticker := time.NewTicker(subscriptionSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !connected {
				connected = f.connect(ctx)
			}
			f.sync()
			if f.dedup != nil {
				f.dedup.Cleanup()
			}
		}
	}
}

func (f *PushFeed) connect(ctx context.Context) bool {
	if err := f.source.Connect(ctx); err != nil {
		f.logger.Warn("push feed connect failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

func (f *PushFeed) handleChange(id string) {
	if f.dedup != nil && f.dedup.IsDuplicate(id) {
		return
	}
	f.logger.Debug("push change", slog.String("auction_id", id))
	f.monitor.Nudge(id)
}

// sync subscribes to newly tracked auctions and drops finished or removed
// ones.
func (f *PushFeed) sync() {
	want := make(map[string]struct{})
	for _, a := range f.monitor.ListAll() {
		if !a.Status.IsTerminal() {
			want[a.ID] = struct{}{}
		}
	}

	var add, drop []string
	for id := range want {
		if _, ok := f.subscribed[id]; !ok {
			add = append(add, id)
		}
	}
	for id := range f.subscribed {
		if _, ok := want[id]; !ok {
			drop = append(drop, id)
		}
	}

	if len(add) > 0 {
		if err := f.source.Subscribe(add...); err != nil {
			f.logger.Warn("push subscribe failed", slog.String("error", err.Error()))
		}
	}
	if len(drop) > 0 {
		if err := f.source.Unsubscribe(drop...); err != nil {
			f.logger.Warn("push unsubscribe failed", slog.String("error", err.Error()))
		}
	}
	f.subscribed = want
}
