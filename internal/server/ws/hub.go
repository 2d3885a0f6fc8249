// Package ws fans monitor events out to dashboard clients. Every
// subscription starts with a snapshot of the tracked auctions, and a client
// that falls too far behind gets a fresh snapshot instead of the backlog.
package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// DefaultBufferSize is the per-subscriber queue bound.
const DefaultBufferSize = 256

// MessageType discriminates wire messages.
type MessageType string

const (
	MessageSnapshot MessageType = "snapshot"
	MessageResync   MessageType = "resync"
	MessageEvent    MessageType = "event"
)

// Message is one frame delivered to a subscriber.
type Message struct {
	Type      MessageType      `json:"type"`
	Auctions  []domain.Auction `json:"auctions,omitempty"`
	AuctionID string           `json:"auctionId,omitempty"`
	EventType domain.EventType `json:"eventType,omitempty"`
	Payload   any              `json:"payload,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// SnapshotProvider returns the current view of every tracked auction. It
// is called with the hub lock held and must not publish to the hub.
type SnapshotProvider func() []domain.Auction

// Config tunes the hub.
type Config struct {
	BufferSize int
}

// Hub is the realtime fan-out point. Publish never blocks on a slow
// subscriber.
type Hub struct {
	snapshot   SnapshotProvider
	bufferSize int
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewHub creates a hub that seeds subscriptions from snapshot.
func NewHub(snapshot SnapshotProvider, cfg Config, logger *slog.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Hub{
		snapshot:   snapshot,
		bufferSize: cfg.BufferSize,
		logger:     logger.With(slog.String("component", "ws_hub")),
		now:        time.Now,
		subs:       make(map[*Subscription]struct{}),
	}
}

// Subscription is one subscriber's queue.
type Subscription struct {
	hub *Hub

	// Guarded by hub.mu.
	scope  map[string]struct{}
	queue  []Message
	closed bool

	wake chan struct{}
}

// Subscribe registers a subscriber for the given auction ids. An empty
// scope, or one containing "*", means every auction. The first queued
// message is always a snapshot; snapshot and registration happen under the
// same lock as Publish, so no event can precede it.
func (h *Hub) Subscribe(scope []string) *Subscription {
	s := &Subscription{hub: h, scope: toScope(scope), wake: make(chan struct{}, 1)}

	h.mu.Lock()
	s.queue = append(s.queue, h.snapshotMessage(MessageSnapshot, s.scope))
	h.subs[s] = struct{}{}
	s.signal()
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Info("ws: subscriber added", slog.Int("total_subscribers", count))
	return s
}

// Publish enqueues ev to every subscriber whose scope covers it.
func (h *Hub) Publish(ev domain.Event) {
	msg := Message{
		Type:      MessageEvent,
		AuctionID: ev.AuctionID,
		EventType: ev.Type,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		if !s.covers(ev.AuctionID) {
			continue
		}
		if len(s.queue) >= h.bufferSize {
			// The snapshot already reflects ev.
			s.queue = append(s.queue[:0], h.snapshotMessage(MessageResync, s.scope))
			h.logger.Warn("ws: subscriber overflowed, sending resync")
		} else {
			s.queue = append(s.queue, msg)
		}
		s.signal()
	}
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// CloseAll closes every subscription.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// snapshotMessage must be called with mu held.
func (h *Hub) snapshotMessage(t MessageType, scope map[string]struct{}) Message {
	var all []domain.Auction
	if h.snapshot != nil {
		all = h.snapshot()
	}
	auctions := make([]domain.Auction, 0, len(all))
	for _, a := range all {
		if scope == nil {
			auctions = append(auctions, a)
			continue
		}
		if _, ok := scope[a.ID]; ok {
			auctions = append(auctions, a)
		}
	}
	return Message{Type: t, Auctions: auctions, Timestamp: h.now()}
}

// C is signalled whenever messages are waiting. It is closed when the
// subscription is closed.
func (s *Subscription) C() <-chan struct{} { return s.wake }

// Drain returns and clears the queued messages.
func (s *Subscription) Drain() []Message {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Rescope replaces the subscription's scope and queues a fresh snapshot in
// place of anything pending.
func (s *Subscription) Rescope(ids []string) {
	h := s.hub
	h.mu.Lock()
	if s.closed {
		h.mu.Unlock()
		return
	}
	s.scope = toScope(ids)
	s.queue = append(s.queue[:0], h.snapshotMessage(MessageSnapshot, s.scope))
	s.signal()
	h.mu.Unlock()
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	if s.closed {
		h.mu.Unlock()
		return
	}
	s.closed = true
	delete(h.subs, s)
	s.queue = nil
	close(s.wake)
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Info("ws: subscriber removed", slog.Int("total_subscribers", count))
}

// signal must be called with hub.mu held.
func (s *Subscription) signal() {
	if s.closed {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) covers(id string) bool {
	if s.scope == nil {
		return true
	}
	_, ok := s.scope[id]
	return ok
}

func toScope(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	scope := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "*" {
			return nil
		}
		if id != "" {
			scope[id] = struct{}{}
		}
	}
	if len(scope) == 0 {
		return nil
	}
	return scope
}
