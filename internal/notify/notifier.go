// Package notify sends operator alerts about auction events to chat
// channels. Each channel is a Sender; the Notifier filters events by type
// and fans out to every sender.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// DefaultEvents are the event types forwarded when none are configured.
var DefaultEvents = []domain.EventType{
	domain.EventWon,
	domain.EventLost,
	domain.EventError,
	domain.EventPaused,
	domain.EventBidPlaced,
	domain.EventCredentials,
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches auction events to its senders.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list selects
// DefaultEvents; "*" selects every event type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool)
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "*" {
			allowed = nil
			break
		}
		if e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	if allowed != nil && len(allowed) == 0 {
		for _, e := range DefaultEvents {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Wants reports whether events of type t are forwarded.
func (n *Notifier) Wants(t domain.EventType) bool {
	return n.events == nil || n.events[t]
}

// NotifyEvent formats ev and sends it if its type passes the filter.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	if !n.Wants(ev.Type) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", string(ev.Type)))
		return nil
	}
	title, message := Format(ev)
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a message to every sender regardless of the filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch delivers to every sender; one failing sender does not stop the
// others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

// Format renders ev as a short title and body.
func Format(ev domain.Event) (title, message string) {
	id := ev.AuctionID
	switch ev.Type {
	case domain.EventWon:
		title = "Auction won"
	case domain.EventLost:
		title = "Auction lost"
	case domain.EventBidPlaced:
		title = "Bid placed"
	case domain.EventError:
		title = "Auction halted"
	case domain.EventPaused:
		title = "Auction paused"
	case domain.EventCredentials:
		title = "Session credentials"
	case domain.EventCircuit:
		title = "Auction site circuit"
	default:
		title = "Auction " + strings.ReplaceAll(string(ev.Type), "_", " ")
	}

	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "Auction: %s\n", id)
	}
	switch p := ev.Payload.(type) {
	case domain.Auction:
		if !p.Observed.CurrentBid.IsZero() {
			fmt.Fprintf(&b, "Current bid: %s\n", p.Observed.CurrentBid)
		}
		fmt.Fprintf(&b, "Max bid: %s\n", p.Config.MaxBid)
		fmt.Fprintf(&b, "Status: %s", p.Status)
		if p.LastError != "" {
			fmt.Fprintf(&b, "\nLast error: %s", p.LastError)
		}
	case map[string]any:
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s: %v", k, p[k])
		}
	case nil:
	default:
		fmt.Fprintf(&b, "%v", p)
	}
	return title, strings.TrimRight(b.String(), "\n")
}
