// Package journal keeps a durable record of provider requests and their outcomes.
//
// Every request a party sends is written under "req/<op_id>" and updated
// when its outcome is known. Responses that match nothing (unmatched,
// duplicate, forged or malformed) are appended under "anomaly/". Operators
// use Unresolved to find requests the provider never answered.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"ShareLink/internal/wire"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond

	requestPrefix = "req/"
	anomalyPrefix = "anomaly/"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("journal closed")

// Outcomes recorded for requests.
const (
	OutcomeResolved  = "resolved"
	OutcomeAbandoned = "abandoned"
	OutcomeEvicted   = "evicted"
)

// Record is the journal entry of one request.
type Record struct {
	Request  wire.Request `json:"request"`            // Request is the record as sent
	SentAt   time.Time    `json:"sent_at"`            // SentAt is when the request was handed to the transport
	Outcome  string       `json:"outcome,omitempty"`  // Outcome is empty while unresolved
	ClosedAt time.Time    `json:"closed_at,omitzero"` // ClosedAt is when the outcome was recorded
}

// Anomaly is an inbound response that did not resolve anything.
type Anomaly struct {
	OpID string    `json:"op_id"` // OpID is the identifier carried by the response
	Kind string    `json:"kind"`  // Kind classifies the anomaly
	At   time.Time `json:"at"`    // At is when it was observed
}

// Journal is a Pebble-backed request journal.
// Writes are NoSync; a background goroutine syncs the WAL periodically.
type Journal struct {
	db       *pebble.DB       // db is the underlying Pebble database
	now      func() time.Time // now is the clock
	seq      uint64           // seq disambiguates anomalies observed in the same nanosecond
	mu       sync.Mutex       // mu serializes read-modify-write of records and seq
	closed   bool             // closed is set by Close under mu
	stopSync chan struct{}    // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// Open opens or creates a journal at path.
func Open(path string) (*Journal, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(8 << 20), // 8 MB cache
		MemTableSize:                4 << 20,                  // 4 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s:\n%w", path, err)
	}

	j := &Journal{
		db:       db,
		now:      time.Now,
		stopSync: make(chan struct{}),
	}

	j.startSyncLoop()

	return j, nil
}

// RecordSent writes the request as unresolved.
func (j *Journal) RecordSent(req *wire.Request) error {
	rec := Record{Request: *req, SentAt: j.now()}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.put(requestKey(req.OpID), &rec)
}

// RecordOutcome marks the request opID with outcome.
// An unknown opID is an error: anomalies go through RecordAnomaly.
func (j *Journal) RecordOutcome(opID, outcome string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, err := j.get(opID)
	if err != nil {
		return err
	}

	if rec == nil {
		return fmt.Errorf("no journal record for %q", opID)
	}

	rec.Outcome = outcome
	rec.ClosedAt = j.now()

	return j.put(requestKey(opID), rec)
}

// RecordAnomaly appends an anomaly for opID.
func (j *Journal) RecordAnomaly(opID, kind string) error {
	a := Anomaly{OpID: opID, Kind: kind, At: j.now()}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	key := make([]byte, 0, len(anomalyPrefix)+16)
	key = append(key, anomalyPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(a.At.UnixNano()))
	key = binary.BigEndian.AppendUint64(key, j.seq)

	return j.put(key, &a)
}

// Get returns the record of opID, or nil if none exists.
func (j *Journal) Get(opID string) (*Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.get(opID)
}

// Unresolved returns records without an outcome, in key order.
func (j *Journal) Unresolved() ([]Record, error) {
	var out []Record

	err := j.iteratePrefix([]byte(requestPrefix), func(_, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode record:\n%w", err)
		}

		if rec.Outcome == "" {
			out = append(out, rec)
		}

		return nil
	})

	return out, err
}

// Anomalies returns recorded anomalies, oldest first.
func (j *Journal) Anomalies() ([]Anomaly, error) {
	var out []Anomaly

	err := j.iteratePrefix([]byte(anomalyPrefix), func(_, value []byte) error {
		var a Anomaly
		if err := json.Unmarshal(value, &a); err != nil {
			return fmt.Errorf("decode anomaly:\n%w", err)
		}

		out = append(out, a)

		return nil
	})

	return out, err
}

// Close stops the sync goroutine, syncs and closes the database.
// Writes racing with Close fail with ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}

	j.closed = true
	close(j.stopSync)
	j.wg.Wait()

	if err := j.sync(); err != nil {
		j.db.Close()
		return err
	}

	return j.db.Close()
}

// get loads a record. Caller holds mu.
func (j *Journal) get(opID string) (*Record, error) {
	if j.closed {
		return nil, ErrClosed
	}

	value, closer, err := j.db.Get(requestKey(opID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("decode record %q:\n%w", opID, err)
	}

	return &rec, nil
}

// put stores v as JSON under key. Caller holds mu.
func (j *Journal) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode journal entry:\n%w", err)
	}

	if j.closed {
		return ErrClosed
	}

	return j.db.Set(key, data, pebble.NoSync)
}

// iteratePrefix calls fn for each pair whose key starts with prefix.
func (j *Journal) iteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// requestKey returns "req/<op_id>".
func requestKey(opID string) []byte {
	return []byte(requestPrefix + opID)
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Returns nil if prefix is all 0xFF (unbounded).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}

	return nil
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (j *Journal) startSyncLoop() {
	j.wg.Add(1)

	go func() {
		defer j.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = j.sync()
			case <-j.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (j *Journal) sync() error {
	return j.db.LogData(nil, pebble.Sync)
}
