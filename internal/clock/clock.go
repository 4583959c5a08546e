// Package clock abstracts time for components whose retry budgets and
// backoff schedules need to be tested without real delays.
package clock

import (
	"sync"
	"time"
)

// Clock provides the time operations used by the daemon's loops.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
	NewTimer(d time.Duration) Timer
}

// Ticker mirrors time.Ticker behind an interface.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Timer mirrors time.Timer behind an interface. Long waits (reconnect
// backoff, credential refresh) must go through a Timer so disposing the
// owning loop releases them immediately.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (Real) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time { return r.t.C }
func (r *realTimer) Stop() bool          { return r.t.Stop() }

// Manual is a test clock advanced explicitly. After-waiters fire when
// Advance moves the clock past their deadline; tickers fire at most
// once per Advance call once their period has elapsed.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
	tickers []*manualTicker
	timers  []*manualTimer
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewManual creates a manual clock starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan time.Time, 1)
	m.waiters = append(m.waiters, waiter{at: m.now.Add(d), ch: ch})
	return ch
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{period: d, last: m.now, ch: make(chan time.Time, 1)}
	m.tickers = append(m.tickers, t)
	return t
}

func (m *Manual) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{clk: m, at: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward and fires due waiters and tickers.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)

	var remaining []waiter
	for _, w := range m.waiters {
		if !w.at.After(m.now) {
			w.ch <- m.now
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining

	for _, t := range m.tickers {
		if t.stopped {
			continue
		}
		if m.now.Sub(t.last) >= t.period {
			t.last = m.now
			select {
			case t.ch <- m.now:
			default:
			}
		}
	}

	var pending []*manualTimer
	for _, t := range m.timers {
		if t.stopped {
			continue
		}
		if !t.at.After(m.now) {
			t.ch <- m.now
		} else {
			pending = append(pending, t)
		}
	}
	m.timers = pending
}

type manualTicker struct {
	period  time.Duration
	last    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               { t.stopped = true }

type manualTimer struct {
	clk     *Manual
	at      time.Time
	ch      chan time.Time
	stopped bool
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

// Stop reports whether the timer was still pending, matching
// time.Timer semantics.
func (t *manualTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return len(t.ch) == 0
}
