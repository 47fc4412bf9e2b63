// Package clock provides a time abstraction so that components depending on
// wall-clock time (token validation, key rotation, cache expiry) can be tested
// deterministically with a fixture clock.
package clock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTickerStarted is returned when Start is called on a running ticker.
var ErrTickerStarted = errors.New("ticker already started")

// Clock provides the current time and time-based primitives.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep blocks for the given duration.
	Sleep(d time.Duration)

	// Ticker creates a ticker that fires at the given interval.
	// The ticker does nothing until Start is called.
	Ticker(interval time.Duration) Ticker
}

// Ticker invokes a callback at a fixed interval until stopped.
type Ticker interface {
	// Start begins invoking fn at the ticker's interval.
	// Returns an error if the ticker was already started.
	Start(fn func(ctx context.Context)) error

	// Stop halts the ticker. Safe to call multiple times.
	Stop()
}

// SystemClock is a Clock backed by the real system time.
type SystemClock struct{}

// NewSystemClock returns a Clock backed by the real system time.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Now() time.Time {
	return time.Now()
}

func (c *SystemClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

func (c *SystemClock) Ticker(interval time.Duration) Ticker {
	return &systemTicker{interval: interval}
}

type systemTicker struct {
	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func (t *systemTicker) Start(fn func(ctx context.Context)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return ErrTickerStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})

	ticker := time.NewTicker(t.interval)
	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()

	return nil
}

func (t *systemTicker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// FixtureClock is a Clock whose time only moves when Advance is called.
// Tickers fire synchronously from within Advance, once per elapsed interval,
// which makes time-driven behavior (rotation, cache expiry) fully
// deterministic in tests.
type FixtureClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fixtureTicker
}

// NewFixtureClock creates a FixtureClock set to the given time.
func NewFixtureClock(now time.Time) *FixtureClock {
	return &FixtureClock{now: now}
}

func (c *FixtureClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the clock by d instead of blocking.
func (c *FixtureClock) Sleep(d time.Duration) {
	c.Advance(d)
}

func (c *FixtureClock) Ticker(interval time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fixtureTicker{clock: c, interval: interval}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the clock forward by d and synchronously fires any started
// tickers whose deadlines fall within the advanced window. A ticker fires
// once per elapsed interval.
func (c *FixtureClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tickers := make([]*fixtureTicker, len(c.tickers))
	copy(tickers, c.tickers)
	c.mu.Unlock()

	for _, t := range tickers {
		t.fireUpTo(now)
	}
}

// Set jumps the clock to t without firing tickers. Tests use it to place the
// clock at an absolute instant; tickers only fire through Advance.
func (c *FixtureClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Rewind moves the clock backward by d without firing tickers.
func (c *FixtureClock) Rewind(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(-d)
}

type fixtureTicker struct {
	mu       sync.Mutex
	clock    *FixtureClock
	interval time.Duration
	fn       func(ctx context.Context)
	next     time.Time
	started  bool
}

func (t *fixtureTicker) Start(fn func(ctx context.Context)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return ErrTickerStarted
	}

	t.started = true
	t.fn = fn
	t.next = t.clock.Now().Add(t.interval)
	return nil
}

func (t *fixtureTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	t.fn = nil
}

func (t *fixtureTicker) fireUpTo(now time.Time) {
	for {
		t.mu.Lock()
		if !t.started || t.next.After(now) {
			t.mu.Unlock()
			return
		}
		fn := t.fn
		t.next = t.next.Add(t.interval)
		t.mu.Unlock()

		fn(context.Background())
	}
}
