// Package pending tracks in-flight operations until their response arrives.
package pending

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrAlreadyPending is returned by Open for an identifier that is in flight.
	ErrAlreadyPending = errors.New("operation already pending")

	// ErrUnmatchedResponse is returned by Resolve for an identifier that was never opened.
	ErrUnmatchedResponse = errors.New("unmatched response")

	// ErrDuplicateResolution is returned by Resolve for an identifier that was already resolved.
	ErrDuplicateResolution = errors.New("duplicate resolution")

	// ErrEvicted completes futures removed by Evict.
	ErrEvicted = errors.New("pending operation evicted")

	// ErrClosed completes futures still pending when the table closes.
	ErrClosed = errors.New("pending table closed")
)

// Config holds optional Table settings. Zero values select defaults.
type Config struct {
	TombstoneTTL  time.Duration    // TombstoneTTL is how long resolved identifiers are remembered
	SweepInterval time.Duration    // SweepInterval is the tombstone expiry period; negative disables the sweeper
	Now           func() time.Time // Now is the clock, time.Now by default
	OnChange      func(n int)      // OnChange observes the entry count after each change, under the table lock
}

// Entry describes one in-flight operation.
type Entry struct {
	ID     string    `json:"id"`     // ID is the operation identifier
	Opened time.Time `json:"opened"` // Opened is when the entry was installed
}

// entry is the table's private record for one identifier.
type entry[T any] struct {
	future *Future[T] // future is completed on resolution
	opened time.Time  // opened is the installation time
}

// Table maps operation identifiers to their unresolved futures.
// All methods are safe for concurrent use; Open and Resolve are atomic with
// respect to each other.
type Table[T any] struct {
	entries map[string]*entry[T] // entries holds in-flight operations
	mu      sync.Mutex           // mu protects entries and closed
	closed  bool                 // closed rejects further Opens
	graves  *tombstones          // graves remembers resolved identifiers
	now     func() time.Time     // now is the clock
	watch   func(n int)          // watch is Config.OnChange, may be nil
}

// NewTable creates an empty table.
func NewTable[T any](cfg Config) *Table[T] {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	ttl := cfg.TombstoneTTL
	if ttl <= 0 {
		ttl = defaultTombstoneTTL
	}

	sweep := cfg.SweepInterval
	if sweep == 0 {
		sweep = defaultSweepInterval
	}

	return &Table[T]{
		entries: make(map[string]*entry[T]),
		graves:  newTombstones(ttl, sweep, now),
		now:     now,
		watch:   cfg.OnChange,
	}
}

// changed reports the entry count to the watcher. Caller holds mu.
func (t *Table[T]) changed() {
	if t.watch != nil {
		t.watch(len(t.entries))
	}
}

// Open installs an entry for id and returns its future.
// It must be called before the request leaves the process.
func (t *Table[T]) Open(id string) (*Future[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	if _, ok := t.entries[id]; ok {
		return nil, fmt.Errorf("open %q: %w", id, ErrAlreadyPending)
	}

	f := newFuture[T](id)
	t.entries[id] = &entry[T]{future: f, opened: t.now()}
	t.graves.exhume(id)
	t.changed()

	return f, nil
}

// Resolve completes the future for id with value and removes the entry.
// It fails with ErrDuplicateResolution if id was resolved recently and with
// ErrUnmatchedResponse otherwise when no entry exists.
func (t *Table[T]) Resolve(id string, value T) error {
	t.mu.Lock()

	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()

		if t.graves.contains(id) {
			return fmt.Errorf("resolve %q: %w", id, ErrDuplicateResolution)
		}

		return fmt.Errorf("resolve %q: %w", id, ErrUnmatchedResponse)
	}

	delete(t.entries, id)
	t.graves.bury(id)
	t.changed()
	t.mu.Unlock()

	e.future.complete(value, nil)

	return nil
}

// Abandon removes id without remembering it as resolved and fails its
// future with cause. It is the rollback path for a request that never left
// the process. It reports whether an entry was removed.
func (t *Table[T]) Abandon(id string, cause error) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
		t.changed()
	}
	t.mu.Unlock()

	if ok {
		var zero T
		e.future.complete(zero, cause)
	}

	return ok
}

// Evict removes id and fails its future with ErrEvicted.
// A response arriving afterwards is reported as unmatched.
func (t *Table[T]) Evict(id string) bool {
	return t.Abandon(id, fmt.Errorf("evict %q: %w", id, ErrEvicted))
}

// Stale returns the entries opened more than age ago, oldest first.
func (t *Table[T]) Stale(age time.Duration) []Entry {
	cutoff := t.now().Add(-age)

	t.mu.Lock()
	var stale []Entry

	for id, e := range t.entries {
		if e.opened.Before(cutoff) {
			stale = append(stale, Entry{ID: id, Opened: e.opened})
		}
	}
	t.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool {
		if stale[i].Opened.Equal(stale[j].Opened) {
			return stale[i].ID < stale[j].ID
		}

		return stale[i].Opened.Before(stale[j].Opened)
	})

	return stale
}

// Contains reports whether id is in flight.
func (t *Table[T]) Contains(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.entries[id]

	return ok
}

// Len returns the number of in-flight entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// Closed reports whether Close has been called.
func (t *Table[T]) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

// Close fails every pending future with ErrClosed, rejects further Opens and
// stops the tombstone sweeper. It is safe to call more than once.
func (t *Table[T]) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	t.closed = true
	entries := t.entries
	t.entries = make(map[string]*entry[T])
	t.changed()
	t.mu.Unlock()

	var zero T
	for _, e := range entries {
		e.future.complete(zero, ErrClosed)
	}

	t.graves.close()
}
