// Package clock abstracts time so the Session Table's TTL checks and its
// reaper can be driven deterministically in tests instead of waiting on
// the real clock. The auth handshake timeouts and the dispatcher's
// watchdog use the time package directly and do not go through Clock.
package clock

import "time"

// Clock is the time source injected into the Session Table in place of
// direct time.Now, time.After, or time.NewTicker calls.
// Production code uses Real(); tests use Fake() for deterministic control.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. Equivalent to time.After.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker that delivers ticks on its C channel at
	// the given interval. Used by the session reaper's ~60s cadence.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. The C channel has capacity 1; a slow
// consumer drops ticks rather than queuing them.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop releases the ticker's resources. No more ticks are sent after Stop
// returns.
func (t *Ticker) Stop() { t.stopFunc() }
