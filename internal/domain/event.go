package domain

import (
	"context"
	"time"
)

// EventType classifies a monitor state transition.
type EventType string

const (
	EventAdded         EventType = "added"
	EventUpdated       EventType = "updated"
	EventConfigUpdated EventType = "config_updated"
	EventStopped       EventType = "stopped"
	EventBidPlaced     EventType = "bid_placed"
	EventBidRejected   EventType = "bid_rejected"
	EventBidSuggested  EventType = "bid_suggested"
	EventWon           EventType = "won"
	EventLost          EventType = "lost"
	EventPaused        EventType = "paused"
	EventError         EventType = "error"
	EventResumed       EventType = "resumed"
	EventCircuit       EventType = "circuit"
	EventCredentials   EventType = "credentials"
)

// Event is a single state change fanned out to subscribers.
type Event struct {
	AuctionID string    `json:"auctionId"`
	Type      EventType `json:"eventType"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher receives every monitor state transition. Implementations
// must not block the caller for long.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}
