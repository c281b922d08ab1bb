package clock

import (
	"sync"
	"time"
)

// Fake returns a Clock whose Now is controlled by Advance, for
// deterministic tests of the Session Table and its reaper.
func Fake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// FakeClock is a Clock implementation driven entirely by calls to
// Advance. Waiters registered via After or NewTicker fire only when
// Advance moves "now" past their deadline.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	tickers []*fakeTicker
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

type fakeTicker struct {
	interval time.Time
	period   time.Duration
	ch       chan time.Time
	stopped  bool
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := c.now.Add(d)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, &fakeWaiter{deadline: deadline, ch: ch})
	return ch
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker requires d > 0")
	}
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	ft := &fakeTicker{interval: c.now.Add(d), period: d, ch: ch}
	c.tickers = append(c.tickers, ft)
	c.mu.Unlock()
	return &Ticker{C: ch, stopFunc: func() {
		c.mu.Lock()
		ft.stopped = true
		c.mu.Unlock()
	}}
}

// Advance moves the fake clock forward by d, firing any After waiters
// and Ticker ticks whose deadline has passed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)

	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !c.now.Before(w.deadline) {
			select {
			case w.ch <- c.now:
			default:
			}
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining

	for _, t := range c.tickers {
		if t.stopped {
			continue
		}
		for !c.now.Before(t.interval) {
			select {
			case t.ch <- c.now:
			default:
			}
			t.interval = t.interval.Add(t.period)
		}
	}
}
