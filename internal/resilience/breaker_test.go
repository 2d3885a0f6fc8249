package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 5,
		Window:           time.Minute,
		CoolDown:         30 * time.Second,
		MaxCoolDown:      5 * time.Minute,
		Now:              clock.Now,
	})
	return b, clock
}

var errUpstream = &domain.NetworkError{Op: "fetch", Status: 503, Err: errors.New("unavailable")}

func call(b *Breaker, calls *int, result error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	*calls++
	done(result)
	return result
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker()
	calls := 0

	for i := 0; i < 5; i++ {
		err := call(b, &calls, errUpstream)
		require.ErrorIs(t, err, errUpstream)
	}
	require.Equal(t, 5, calls)
	assert.Equal(t, ModeOpen, b.State().Mode)

	err := call(b, &calls, nil)
	var open *domain.CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, 5, calls, "open breaker must not reach the transport")
}

func TestBusinessRejectionDoesNotCount(t *testing.T) {
	b, _ := newTestBreaker()
	calls := 0
	reject := &domain.BusinessRejectionError{Code: "BID_TOO_LOW", Message: "bid below minimum"}

	for i := 0; i < 10; i++ {
		_ = call(b, &calls, reject)
	}
	assert.Equal(t, ModeClosed, b.State().Mode)
	assert.Equal(t, 0, b.State().ConsecutiveFailures)

	for i := 0; i < 4; i++ {
		_ = call(b, &calls, errUpstream)
	}
	_ = call(b, &calls, &domain.AuthExpiredError{})
	assert.Equal(t, ModeClosed, b.State().Mode)
}

func TestFailuresOutsideWindowExpire(t *testing.T) {
	b, clock := newTestBreaker()
	calls := 0

	for i := 0; i < 4; i++ {
		_ = call(b, &calls, errUpstream)
	}
	clock.Advance(61 * time.Second)
	_ = call(b, &calls, errUpstream)
	assert.Equal(t, ModeClosed, b.State().Mode)
	assert.Equal(t, 1, b.State().ConsecutiveFailures)
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	b, clock := newTestBreaker()
	calls := 0
	for i := 0; i < 5; i++ {
		_ = call(b, &calls, errUpstream)
	}
	clock.Advance(30 * time.Second)

	done, err := b.Allow()
	require.NoError(t, err)
	assert.Equal(t, ModeHalfOpen, b.State().Mode)

	_, err = b.Allow()
	var open *domain.CircuitOpenError
	require.ErrorAs(t, err, &open, "second caller must fail fast while the trial runs")

	done(nil)
	assert.Equal(t, ModeClosed, b.State().Mode)
	assert.Equal(t, 30*time.Second, b.State().CoolDown)
}

func TestFailedTrialBacksOff(t *testing.T) {
	b, clock := newTestBreaker()
	calls := 0
	for i := 0; i < 5; i++ {
		_ = call(b, &calls, errUpstream)
	}

	expected := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second, 300 * time.Second, 300 * time.Second}
	cool := 30 * time.Second
	for _, want := range expected {
		clock.Advance(cool)
		require.ErrorIs(t, call(b, &calls, errUpstream), errUpstream)
		st := b.State()
		require.Equal(t, ModeOpen, st.Mode)
		require.Equal(t, want, st.CoolDown)
		cool = want
	}
}

func TestStateChangeCallbacks(t *testing.T) {
	b, clock := newTestBreaker()
	var seen []Mode
	b.OnStateChange(func(_, to Mode) { seen = append(seen, to) })

	calls := 0
	for i := 0; i < 5; i++ {
		_ = call(b, &calls, errUpstream)
	}
	clock.Advance(30 * time.Second)
	_ = call(b, &calls, nil)

	assert.Equal(t, []Mode{ModeOpen, ModeHalfOpen, ModeClosed}, seen)
}

func TestCanceledCallIsNeutral(t *testing.T) {
	b, clock := newTestBreaker()
	calls := 0
	for i := 0; i < 5; i++ {
		_ = call(b, &calls, errUpstream)
	}
	clock.Advance(30 * time.Second)

	_ = call(b, &calls, context.Canceled)
	assert.Equal(t, ModeHalfOpen, b.State().Mode)

	done, err := b.Allow()
	require.NoError(t, err, "a canceled trial must release the half-open slot")
	done(nil)
	assert.Equal(t, ModeClosed, b.State().Mode)
}

func TestConcurrentCallersNeverExceedThreshold(t *testing.T) {
	b, _ := newTestBreaker()
	var (
		mu    sync.Mutex
		calls int
		wg    sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done, err := b.Allow()
			if err != nil {
				return
			}
			mu.Lock()
			calls++
			mu.Unlock()
			done(errUpstream)
		}()
	}
	wg.Wait()
	assert.Equal(t, ModeOpen, b.State().Mode)
	assert.GreaterOrEqual(t, calls, 5)
}

func TestDoRetriesTransientOnly(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("transient retried", func(t *testing.T) {
		b, _ := newTestBreaker()
		n := 0
		err := Do(context.Background(), p, b, func(context.Context) error {
			n++
			if n < 3 {
				return errUpstream
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("rejection not retried", func(t *testing.T) {
		b, _ := newTestBreaker()
		n := 0
		err := Do(context.Background(), p, b, func(context.Context) error {
			n++
			return &domain.BusinessRejectionError{Code: "CLOSED"}
		})
		var rej *domain.BusinessRejectionError
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, 1, n)
	})

	t.Run("stops at open circuit", func(t *testing.T) {
		b, _ := newTestBreaker()
		for i := 0; i < 4; i++ {
			done, err := b.Allow()
			require.NoError(t, err)
			done(errUpstream)
		}
		n := 0
		err := Do(context.Background(), p, b, func(context.Context) error {
			n++
			return errUpstream
		})
		var open *domain.CircuitOpenError
		require.ErrorAs(t, err, &open)
		assert.Equal(t, 1, n)
	})

	t.Run("throttle error never settles the breaker", func(t *testing.T) {
		b, clock := newTestBreaker()
		for i := 0; i < 5; i++ {
			done, err := b.Allow()
			require.NoError(t, err)
			done(errUpstream)
		}
		clock.Advance(30 * time.Second)

		throttled := p
		throttled.Throttle = func(context.Context) error {
			return errors.New("rate: Wait(n=1) would exceed context deadline")
		}
		n := 0
		err := Do(context.Background(), throttled, b, func(context.Context) error {
			n++
			return nil
		})
		require.Error(t, err)
		assert.Zero(t, n)
		assert.Equal(t, ModeOpen, b.State().Mode, "no trial was admitted")

		err = Do(context.Background(), p, b, func(context.Context) error {
			n++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, ModeClosed, b.State().Mode)
	})

	t.Run("context canceled during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
		err := Do(ctx, slow, nil, func(context.Context) error {
			cancel()
			return errUpstream
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}
