package pending

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultTombstoneTTL is how long a resolved identifier is remembered.
	defaultTombstoneTTL = 10 * time.Minute

	// defaultSweepInterval is the interval between expiry sweeps.
	defaultSweepInterval = 30 * time.Second
)

// tombstones remembers recently resolved identifiers so that a late second
// response can be told apart from one that was never requested.
// Identifiers are stored as blake3 digests to bound per-entry memory.
type tombstones struct {
	resolved map[[32]byte]int64 // resolved maps identifier digest to resolution time (unix nano)
	mu       sync.Mutex         // mu protects resolved
	ttl      int64              // ttl in nanoseconds
	now      func() time.Time   // now is the clock
	stop     chan struct{}      // stop signals the sweep goroutine to exit
	wg       sync.WaitGroup     // wg waits for the sweep goroutine
}

// newTombstones creates a tracker and starts its sweeper when sweep > 0.
func newTombstones(ttl, sweep time.Duration, now func() time.Time) *tombstones {
	ts := &tombstones{
		resolved: make(map[[32]byte]int64),
		ttl:      int64(ttl),
		now:      now,
		stop:     make(chan struct{}),
	}

	if sweep > 0 {
		ts.startSweep(sweep)
	}

	return ts
}

// bury records id as resolved.
func (ts *tombstones) bury(id string) {
	digest := blake3.Sum256([]byte(id))

	ts.mu.Lock()
	ts.resolved[digest] = ts.now().UnixNano()
	ts.mu.Unlock()
}

// contains reports whether id was resolved within the TTL.
func (ts *tombstones) contains(id string) bool {
	digest := blake3.Sum256([]byte(id))

	ts.mu.Lock()
	at, ok := ts.resolved[digest]
	ts.mu.Unlock()

	return ok && ts.now().UnixNano()-at < ts.ttl
}

// exhume forgets id. Used when an identifier is legitimately reopened.
func (ts *tombstones) exhume(id string) {
	digest := blake3.Sum256([]byte(id))

	ts.mu.Lock()
	delete(ts.resolved, digest)
	ts.mu.Unlock()
}

// len returns the number of remembered identifiers, expired or not.
func (ts *tombstones) len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return len(ts.resolved)
}

// close stops the sweeper.
func (ts *tombstones) close() {
	close(ts.stop)
	ts.wg.Wait()
}

// startSweep runs sweep on every tick until close.
func (ts *tombstones) startSweep(interval time.Duration) {
	ts.wg.Add(1)

	go func() {
		defer ts.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ts.sweep()
			case <-ts.stop:
				return
			}
		}
	}()
}

// sweep removes expired entries.
func (ts *tombstones) sweep() {
	now := ts.now().UnixNano()

	ts.mu.Lock()

	for digest, at := range ts.resolved {
		if now-at >= ts.ttl {
			delete(ts.resolved, digest)
		}
	}

	ts.mu.Unlock()
}
