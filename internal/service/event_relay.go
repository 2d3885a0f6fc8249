package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// Channel and stream names used on the SignalBus.
const (
	AuctionChannelPrefix = "ch:auction:"
	PushChannel          = "ch:auction:push"
	EventStream          = "stream:auction_events"
)

const (
	defaultRelayQueue   = 512
	defaultRelayTimeout = 5 * time.Second
)

// Fanout delivers events to in-process subscribers.
type Fanout interface {
	Publish(ev domain.Event)
}

// EventNotifier forwards selected events to operators.
type EventNotifier interface {
	Wants(t domain.EventType) bool
	NotifyEvent(ctx context.Context, ev domain.Event) error
}

// EventRelay implements domain.EventPublisher. The hub is fed inline; the
// SignalBus and notifier are fed from a bounded queue drained by Run, so a
// slow Redis or chat webhook never stalls the monitor.
type EventRelay struct {
	hub      Fanout
	bus      domain.SignalBus
	notifier EventNotifier
	logger   *slog.Logger

	queue   chan domain.Event
	dropped atomic.Int64
	timeout time.Duration
}

// NewEventRelay creates a relay. bus and notifier may be nil.
func NewEventRelay(hub Fanout, bus domain.SignalBus, notifier EventNotifier, logger *slog.Logger) *EventRelay {
	return &EventRelay{
		hub:      hub,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "event_relay")),
		queue:    make(chan domain.Event, defaultRelayQueue),
		timeout:  defaultRelayTimeout,
	}
}

// Publish implements domain.EventPublisher.
func (r *EventRelay) Publish(ctx context.Context, ev domain.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if r.hub != nil {
		r.hub.Publish(ev)
	}
	if r.bus == nil && r.notifier == nil {
		return
	}
	select {
	case r.queue <- ev:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.WarnContext(ctx, "relay queue full, dropping event",
				slog.String("auction_id", ev.AuctionID),
				slog.String("event", string(ev.Type)),
				slog.Int64("dropped_total", n),
			)
		}
	}
}

// Dropped returns how many events were not relayed because the queue was
// full.
func (r *EventRelay) Dropped() int64 { return r.dropped.Load() }

// Run drains the queue until ctx is done, then flushes what is left.
func (r *EventRelay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case ev := <-r.queue:
			r.relay(ctx, ev)
		}
	}
}

func (r *EventRelay) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	for {
		select {
		case ev := <-r.queue:
			r.relay(ctx, ev)
		default:
			return
		}
	}
}

func (r *EventRelay) relay(ctx context.Context, ev domain.Event) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			r.logger.ErrorContext(ctx, "marshal event failed", slog.String("error", err.Error()))
			return
		}
		if ev.AuctionID != "" {
			if err := r.bus.Publish(ctx, AuctionChannelPrefix+ev.AuctionID, payload); err != nil {
				r.logger.WarnContext(ctx, "publish event failed",
					slog.String("auction_id", ev.AuctionID),
					slog.String("error", err.Error()),
				)
			}
		}
		if err := r.bus.StreamAppend(ctx, EventStream, payload); err != nil {
			r.logger.WarnContext(ctx, "append event stream failed",
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	if r.notifier != nil && r.notifier.Wants(ev.Type) {
		if err := r.notifier.NotifyEvent(ctx, ev); err != nil {
			r.logger.WarnContext(ctx, "notify event failed",
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RecentEvents reads the newest count events from the durable stream.
func RecentEvents(ctx context.Context, bus domain.SignalBus, count int) ([]domain.Event, error) {
	msgs, err := bus.StreamRevRange(ctx, EventStream, count)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(msgs))
	for _, m := range msgs {
		var ev domain.Event
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

var _ domain.EventPublisher = (*EventRelay)(nil)
