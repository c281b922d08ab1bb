// Package snapshot implements the Snapshot Registry: a thread-safe,
// pinned, LRU-bounded map of snapshot IDs to captured Backend world
// states.
//
// The registry is a hash map (by ID) plus an intrusive doubly-linked
// list (container/list) ordering entries by recency, giving O(1)
// amortized insert/pin/unpin/peek and O(K) eviction where K is the
// number of consecutive pinned entries skipped.
package snapshot

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
)

// ErrBadSnapshot is returned by Pin and Peek when the requested ID was
// never issued or has since been evicted.
var ErrBadSnapshot = errors.New("unknown or evicted snapshot")

// Snapshot is an immutable value captured from the Backend. The core
// never inspects Blob beyond storing and returning it; Top is the
// ordered list of top-level window handles the Backend observed, used
// by the dispatcher without needing to unmarshal Blob.
type Snapshot struct {
	Blob []byte
	Top  []uint64
}

// entry stores the snapshot's blob compressed at rest; Top is kept
// uncompressed since the dispatcher reads it on every snapshot-scoped
// request and it is already small (a list of handles).
type entry struct {
	id          string
	blob        []byte
	blobTag     compressionTag
	blobOrigLen int
	top         []uint64
	pinCount    int
}

func (e *entry) toSnapshot() (Snapshot, error) {
	blob, err := decompressBlob(e.blob, e.blobTag, e.blobOrigLen)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", e.id, err)
	}
	return Snapshot{Blob: blob, Top: e.top}, nil
}

// Registry is the Snapshot Registry described above. The zero value is
// not usable; construct with New.
type Registry struct {
	mu       sync.Mutex
	capacity int
	counter  uint64
	byID     map[string]*list.Element // list.Element.Value is *entry
	order    *list.List               // front = least-recently-used, back = most-recently-used
}

// New creates a Registry bounded to capacity entries. capacity must be
// at least 1.
func New(capacity int) *Registry {
	if capacity < 1 {
		panic("snapshot: capacity must be at least 1")
	}
	return &Registry{
		capacity: capacity,
		counter:  0,
		byID:     make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Insert stores snap under a freshly minted, monotonically increasing
// ID of the form "s-<N>" and marks it most-recently-used. If the
// registry now exceeds capacity, the oldest unpinned entry is evicted;
// pinned entries encountered during eviction are rotated to
// most-recently-used and eviction continues with the next-oldest,
// bounded to one pass over the current entry count so an all-pinned
// registry never loops forever. The entry being inserted is never
// evicted by its own Insert, so when every older entry is pinned the
// registry is simply allowed to transiently exceed capacity.
func (r *Registry) Insert(snap Snapshot) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counter++
	id := fmt.Sprintf("s-%d", r.counter)

	blob, tag, origLen := compressBlob(snap.Blob)
	elem := r.order.PushBack(&entry{
		id:          id,
		blob:        blob,
		blobTag:     tag,
		blobOrigLen: origLen,
		top:         snap.Top,
	})
	r.byID[id] = elem

	r.evictLocked()
	return id
}

// evictLocked removes unpinned entries from the front of the order
// list until the registry is at or below capacity, rotating any pinned
// entry it encounters to the back instead of removing it. The entry at
// the back when the scan starts (the one Insert just added) is never
// removed: reaching it at the front means every older entry is pinned,
// and the scan stops. The scan is also bounded to len(r.byID)
// rotations so it terminates even if every entry is currently pinned.
func (r *Registry) evictLocked() {
	rotations := 0
	maxRotations := r.order.Len()
	newest := r.order.Back()

	for r.order.Len() > r.capacity && rotations <= maxRotations {
		oldest := r.order.Front()
		if oldest == newest {
			break
		}
		oldestEntry := oldest.Value.(*entry)

		if oldestEntry.pinCount > 0 {
			r.order.MoveToBack(oldest)
			rotations++
			continue
		}

		r.order.Remove(oldest)
		delete(r.byID, oldestEntry.id)
		rotations++
	}
}

// Pin returns the snapshot stored under id, incrementing its pin count
// and marking it most-recently-used. Every successful Pin must be
// matched by exactly one Unpin. Returns ErrBadSnapshot if id is unknown
// or has been evicted.
func (r *Registry) Pin(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.byID[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("pin %s: %w", id, ErrBadSnapshot)
	}

	e := elem.Value.(*entry)
	e.pinCount++
	r.order.MoveToBack(elem)
	return e.toSnapshot()
}

// Unpin decrements the pin count for id. A no-op, never an error, if
// id does not exist (it may have been evicted or never existed).
func (r *Registry) Unpin(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.byID[id]
	if !ok {
		return
	}
	e := elem.Value.(*entry)
	if e.pinCount > 0 {
		e.pinCount--
	}
}

// Peek returns the snapshot stored under id without pinning it or
// affecting recency. Used by the Session Table's last-snapshot lookup.
// Returns ErrBadSnapshot if id is unknown or evicted.
func (r *Registry) Peek(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.byID[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("peek %s: %w", id, ErrBadSnapshot)
	}
	return elem.Value.(*entry).toSnapshot()
}

// Len returns the current number of entries, which may transiently
// exceed capacity under heavy pinning.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
