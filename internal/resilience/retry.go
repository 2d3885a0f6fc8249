package resilience

import (
	"context"
	"time"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Throttle, when set, runs before each attempt asks the breaker. An
	// error from it ends the loop and is never reported to the breaker.
	Throttle func(ctx context.Context) error
}

// DefaultPolicy is three attempts with 200ms, 400ms back-off.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	return d
}

// Do runs fn through the breaker, retrying transient failures with
// exponential back-off. Every attempt asks the breaker first, so an attempt
// that would land on an open circuit returns *domain.CircuitOpenError without
// calling fn. Non-transient errors are returned immediately.
func Do(ctx context.Context, p Policy, b *Breaker, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if p.Throttle != nil {
			if err := p.Throttle(ctx); err != nil {
				return err
			}
		}
		if b != nil {
			done, allowErr := b.Allow()
			if allowErr != nil {
				return allowErr
			}
			err = fn(ctx)
			done(err)
		} else {
			err = fn(ctx)
		}

		if err == nil || !domain.IsTransient(err) || attempt == attempts {
			return err
		}

		t := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
