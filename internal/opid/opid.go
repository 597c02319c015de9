// Package opid derives operation identifiers that independent parties agree on
// without coordinating.
//
// An identifier has the form "label:signature:counter", where signature is the
// comma-joined ascending list of receiver ids and counter is the number of
// identifiers previously derived for the same (label, signature) pair by the
// same Registry. Parties that execute the same instruction stream therefore
// derive the same sequence of identifiers.
package opid

import (
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// ErrEmptyReceivers is returned when an identifier is requested for no receivers.
var ErrEmptyReceivers = errors.New("receiver list is empty")

// Canonicalize sorts ids ascending in place and returns the same slice.
func Canonicalize(ids []int) []int {
	slices.Sort(ids)
	return ids
}

// Signature returns the comma-joined form of ids. The caller must pass a
// canonicalized slice.
func Signature(ids []int) string {
	var b strings.Builder

	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}

		b.WriteString(strconv.Itoa(id))
	}

	return b.String()
}

// Registry holds the per-key counters of one protocol session.
// The zero value is not usable; call NewRegistry.
type Registry struct {
	counters map[string]uint64 // counters maps "label:signature" to the next value
	mu       sync.Mutex        // mu protects counters
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]uint64)}
}

// Next canonicalizes receivers in place and returns the next identifier for
// (label, receivers), advancing the counter for that key.
func (r *Registry) Next(label string, receivers []int) (string, error) {
	key, err := counterKey(label, receivers)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	value := r.counters[key]
	r.counters[key] = value + 1
	r.mu.Unlock()

	return key + ":" + strconv.FormatUint(value, 10), nil
}

// Peek returns the identifier Next would return, without advancing.
func (r *Registry) Peek(label string, receivers []int) (string, error) {
	key, err := counterKey(label, receivers)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	value := r.counters[key]
	r.mu.Unlock()

	return key + ":" + strconv.FormatUint(value, 10), nil
}

// Forget drops the counter for (label, receivers) and reports whether it existed.
// A forgotten key restarts at zero, so every party of the session must forget
// it at the same point in its instruction stream.
func (r *Registry) Forget(label string, receivers []int) bool {
	key, err := counterKey(label, receivers)
	if err != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.counters[key]
	delete(r.counters, key)

	return ok
}

// Len returns the number of counter keys held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.counters)
}

// counterKey canonicalizes receivers and builds "label:signature".
func counterKey(label string, receivers []int) (string, error) {
	if len(receivers) == 0 {
		return "", ErrEmptyReceivers
	}

	return label + ":" + Signature(Canonicalize(receivers)), nil
}
