// Package session implements the Session Table: persistent per-client
// state keyed by a client-supplied session ID, reaped on TTL.
package session

import (
	"sync"
	"time"

	"github.com/SemperSupra/WinInspect/internal/clock"
)

// Record is a copy of a session's persisted state, returned by
// TouchOrCreate so callers never hold a reference into the table.
type Record struct {
	ID               string
	LastSnapshotID   string
	Subscribed       bool
	LastActivityTime time.Time
}

type entry struct {
	lastSnapshotID   string
	subscribed       bool
	lastActivityTime time.Time
}

// Table is the Session Table. All operations are atomic under a single
// lock; none perform I/O or call the Backend while holding it.
type Table struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	entries map[string]*entry
}

// New creates a Table that reaps entries idle for longer than ttl.
func New(c clock.Clock, ttl time.Duration) *Table {
	return &Table{
		clock:   c,
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// TouchOrCreate returns a copy of the session named id, creating it
// with empty state if absent. In both cases LastActivityTime is
// refreshed to now.
func (t *Table) TouchOrCreate(id string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{lastActivityTime: now}
		t.entries[id] = e
	} else {
		e.lastActivityTime = now
	}

	return Record{
		ID:               id,
		LastSnapshotID:   e.lastSnapshotID,
		Subscribed:       e.subscribed,
		LastActivityTime: e.lastActivityTime,
	}
}

// UpdateLastSnapshot sets the session's last-observed snapshot ID. A
// no-op if id does not exist (the session may have been reaped between
// TouchOrCreate and this call).
func (t *Table) UpdateLastSnapshot(id, snapshotID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok {
		e.lastSnapshotID = snapshotID
	}
}

// SetSubscribed sets the session's event-subscription flag.
func (t *Table) SetSubscribed(id string, subscribed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok {
		e.subscribed = subscribed
	}
}

// Terminate removes the session named id. A no-op if it does not exist.
func (t *Table) Terminate(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Reap removes every session whose last activity is older than the
// table's TTL, measured against the current clock time.
func (t *Table) Reap() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	for id, e := range t.entries {
		if now.Sub(e.lastActivityTime) > t.ttl {
			delete(t.entries, id)
		}
	}
}

// Len reports the current number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// reapInterval is the cooperative timer cadence for the session
// reaper, matching the ~60s cadence of the original daemon's cleanup
// thread.
const reapInterval = 60 * time.Second

// RunReaper blocks, calling Reap roughly every reapInterval, until
// stop is closed.
func (t *Table) RunReaper(stop <-chan struct{}) {
	ticker := t.clock.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Reap()
		}
	}
}
