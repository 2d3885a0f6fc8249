// Package resilience guards calls to the shared auction-site upstream with a
// circuit breaker and a bounded exponential retry.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// Mode is the breaker state.
type Mode string

const (
	ModeClosed   Mode = "closed"
	ModeOpen     Mode = "open"
	ModeHalfOpen Mode = "half_open"
)

// BreakerConfig tunes the breaker. Zero values take the defaults.
type BreakerConfig struct {
	FailureThreshold  int
	Window            time.Duration
	CoolDown          time.Duration
	MaxCoolDown       time.Duration
	BackoffMultiplier float64
	Now               func() time.Time
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 30 * time.Second
	}
	if c.MaxCoolDown < c.CoolDown {
		c.MaxCoolDown = 5 * time.Minute
		if c.MaxCoolDown < c.CoolDown {
			c.MaxCoolDown = c.CoolDown
		}
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// State is a point-in-time snapshot of the breaker.
type State struct {
	Mode                Mode          `json:"mode"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastFailureAt       time.Time     `json:"lastFailureAt,omitempty"`
	NextRetryAt         time.Time     `json:"nextRetryAt,omitempty"`
	CoolDown            time.Duration `json:"coolDown"`
}

// Breaker is a three-state circuit breaker shared by every caller of one
// upstream. All transitions happen under a single mutex.
type Breaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	mode          Mode
	failures      []time.Time // failure times inside the window, oldest first
	lastFailureAt time.Time
	nextRetryAt   time.Time
	coolDown      time.Duration
	trialInFlight bool
	generation    uint64

	listeners []func(from, to Mode)
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:      cfg,
		mode:     ModeClosed,
		coolDown: cfg.CoolDown,
	}
}

// OnStateChange registers fn to be called after every transition. Callbacks
// run outside the breaker lock.
func (b *Breaker) OnStateChange(fn func(from, to Mode)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Allow asks permission for one call. When permitted, the caller must invoke
// done exactly once with the call's outcome. When the breaker is open, or a
// half-open trial is already running, Allow returns *domain.CircuitOpenError
// and the caller must not touch the network.
func (b *Breaker) Allow() (done func(error), err error) {
	b.mu.Lock()
	now := b.cfg.Now()
	var transitions [][2]Mode

	switch b.mode {
	case ModeOpen:
		if now.Before(b.nextRetryAt) {
			retryAt := b.nextRetryAt
			b.mu.Unlock()
			return nil, &domain.CircuitOpenError{RetryAt: retryAt}
		}
		transitions = append(transitions, b.setMode(ModeHalfOpen))
		b.trialInFlight = true
	case ModeHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return nil, &domain.CircuitOpenError{RetryAt: now.Add(time.Second)}
		}
		b.trialInFlight = true
	}

	gen := b.generation
	b.mu.Unlock()
	b.notify(transitions)

	var once sync.Once
	return func(callErr error) {
		once.Do(func() { b.record(gen, callErr) })
	}, nil
}

func (b *Breaker) record(gen uint64, err error) {
	b.mu.Lock()
	if gen != b.generation {
		// The outcome belongs to a state the breaker has already left.
		b.mu.Unlock()
		return
	}

	now := b.cfg.Now()
	var transitions [][2]Mode

	switch {
	case errors.Is(err, context.Canceled):
		b.trialInFlight = false
	case domain.IsUpstreamFault(err):
		b.lastFailureAt = now
		switch b.mode {
		case ModeHalfOpen:
			b.coolDown = time.Duration(float64(b.coolDown) * b.cfg.BackoffMultiplier)
			if b.coolDown > b.cfg.MaxCoolDown {
				b.coolDown = b.cfg.MaxCoolDown
			}
			transitions = append(transitions, b.open(now))
		case ModeClosed:
			b.failures = append(pruneBefore(b.failures, now.Add(-b.cfg.Window)), now)
			if len(b.failures) >= b.cfg.FailureThreshold {
				transitions = append(transitions, b.open(now))
			}
		}
	default:
		if b.mode == ModeHalfOpen {
			b.coolDown = b.cfg.CoolDown
			transitions = append(transitions, b.setMode(ModeClosed))
		}
		b.failures = b.failures[:0]
	}

	b.mu.Unlock()
	b.notify(transitions)
}

// open must be called with mu held.
func (b *Breaker) open(now time.Time) [2]Mode {
	b.nextRetryAt = now.Add(b.coolDown)
	b.failures = b.failures[:0]
	return b.setMode(ModeOpen)
}

// setMode must be called with mu held.
func (b *Breaker) setMode(to Mode) [2]Mode {
	from := b.mode
	b.mode = to
	b.trialInFlight = false
	b.generation++
	return [2]Mode{from, to}
}

func (b *Breaker) notify(transitions [][2]Mode) {
	if len(transitions) == 0 {
		return
	}
	b.mu.Lock()
	listeners := append([]func(from, to Mode){}, b.listeners...)
	b.mu.Unlock()
	for _, t := range transitions {
		for _, fn := range listeners {
			fn(t[0], t[1])
		}
	}
}

// State returns a snapshot of the breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	failures := len(pruneBefore(b.failures, b.cfg.Now().Add(-b.cfg.Window)))
	return State{
		Mode:                b.mode,
		ConsecutiveFailures: failures,
		LastFailureAt:       b.lastFailureAt,
		NextRetryAt:         b.nextRetryAt,
		CoolDown:            b.coolDown,
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
