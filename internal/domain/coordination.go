package domain

import (
	"context"
	"time"
)

// RateLimiter counts requests per key in a sliding window shared by every
// process. Allow reports whether the request fits and records it if so.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager hands out short-lived exclusive locks, such as the per-auction
// bid lock. Acquire returns ErrLockHeld when another holder owns key; the
// lock lapses after ttl if unlock is never called.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one entry of the durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries monitor events between processes: fire-and-forget
// pub/sub for live consumers and an append-only stream for replay.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	// StreamRevRange returns up to count entries, newest first.
	StreamRevRange(ctx context.Context, stream string, count int) ([]StreamMessage, error)
}
