// Package provider correlates a party's requests to the crypto provider with
// the provider's asynchronous responses.
//
// A Client issues requests (Request) and consumes inbound provider envelopes
// (HandleEnvelope). Each request is keyed by an operation identifier that
// every party derives identically from its own execution order, so the
// provider can group the parties' requests for one logical operation.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ShareLink/internal/hooks"
	"ShareLink/internal/journal"
	"ShareLink/internal/logger"
	"ShareLink/internal/metrics"
	"ShareLink/internal/opid"
	"ShareLink/internal/pending"
	"ShareLink/internal/wire"
)

// Transport delivers envelopes to the provider.
type Transport interface {
	Send(ctx context.Context, env *wire.Envelope) error
}

// Verifier authenticates inbound provider envelopes.
type Verifier interface {
	Verify(env *wire.Envelope) error
}

// Recorder persists request lifecycle events. Failures are logged only.
type Recorder interface {
	RecordSent(req *wire.Request) error
	RecordOutcome(opID, outcome string) error
	RecordAnomaly(opID, kind string) error
}

// Config holds the dependencies and defaults of a Client.
type Config struct {
	PartyCount int              // PartyCount is the size of the roster; default receivers are 1..PartyCount
	Modulus    int64            // Modulus is the ambient field modulus
	Transport  Transport        // Transport carries requests to the provider (required)
	Registry   *opid.Registry   // Registry holds identifier counters; a fresh one if nil
	Hooks      *hooks.Pipeline  // Hooks is the outgoing pipeline; empty if nil
	Verifier   Verifier         // Verifier checks response signatures; unchecked if nil
	Journal    Recorder         // Journal records lifecycle events; none if nil
	Metrics    *metrics.Metrics // Metrics receives counters; unregistered instruments if nil
	Pending    pending.Config   // Pending configures the pending table
}

// Client is one party's session with the crypto provider.
type Client struct {
	session    string                      // session tags this client's log lines
	partyCount int                         // partyCount is the roster size
	modulus    int64                       // modulus is the ambient Zp
	transport  Transport                   // transport sends envelopes
	registry   *opid.Registry              // registry derives identifiers
	table      *pending.Table[wire.Result] // table holds in-flight requests
	hooks      *hooks.Pipeline             // hooks rewrite outgoing requests
	verifier   Verifier                    // verifier checks inbound signatures, may be nil
	journal    Recorder                    // journal records lifecycle events
	metrics    *metrics.Metrics            // metrics counts outcomes
	log        *slog.Logger                // log carries the session attribute
}

// NewClient creates a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	if cfg.PartyCount < 1 {
		return nil, fmt.Errorf("party count must be positive, got %d", cfg.PartyCount)
	}

	if cfg.Modulus < 2 {
		return nil, fmt.Errorf("modulus must be at least 2, got %d", cfg.Modulus)
	}

	c := &Client{
		session:    uuid.NewString(),
		partyCount: cfg.PartyCount,
		modulus:    cfg.Modulus,
		transport:  cfg.Transport,
		registry:   cfg.Registry,
		hooks:      cfg.Hooks,
		verifier:   cfg.Verifier,
		journal:    cfg.Journal,
		metrics:    cfg.Metrics,
	}

	if c.registry == nil {
		c.registry = opid.NewRegistry()
	}

	if c.hooks == nil {
		c.hooks = hooks.New()
	}

	if c.journal == nil {
		c.journal = nopRecorder{}
	}

	if c.metrics == nil {
		m, err := metrics.New(nil, "")
		if err != nil {
			return nil, err
		}

		c.metrics = m
	}

	pcfg := cfg.Pending
	pcfg.OnChange = func(n int) {
		c.metrics.Pending.Set(float64(n))

		if cfg.Pending.OnChange != nil {
			cfg.Pending.OnChange(n)
		}
	}

	c.table = pending.NewTable[wire.Result](pcfg)

	c.log = logger.With("session", c.session)

	return c, nil
}

// Session returns the client's session id.
func (c *Client) Session() string {
	return c.session
}

// Registry returns the identifier registry of this session.
func (c *Client) Registry() *opid.Registry {
	return c.registry
}

// Status is a point-in-time view of the client.
type Status struct {
	Session     string          `json:"session"`      // Session is the client's session id
	Pending     int             `json:"pending"`      // Pending is the number of in-flight requests
	CounterKeys int             `json:"counter_keys"` // CounterKeys is the number of identifier counters
	Stale       []pending.Entry `json:"stale"`        // Stale lists requests older than the queried age
}

// Status reports the client's state, listing requests older than staleAfter.
func (c *Client) Status(staleAfter time.Duration) Status {
	return Status{
		Session:     c.session,
		Pending:     c.table.Len(),
		CounterKeys: c.registry.Len(),
		Stale:       c.table.Stale(staleAfter),
	}
}

// Stale lists requests pending for longer than age.
func (c *Client) Stale(age time.Duration) []pending.Entry {
	return c.table.Stale(age)
}

// Evict drops a pending request; its future fails with pending.ErrEvicted.
// The provider is not told; a later response for id is reported as unmatched.
func (c *Client) Evict(id string) bool {
	if !c.table.Evict(id) {
		return false
	}

	c.record(c.journal.RecordOutcome(id, journal.OutcomeEvicted), id)
	c.log.Warn("evicted pending request", "op_id", id)

	return true
}

// Close fails all pending futures with pending.ErrClosed.
func (c *Client) Close() {
	c.table.Close()
}

// record logs a journal failure.
func (c *Client) record(err error, opID string) {
	if err != nil {
		c.log.Warn("journal write failed", "op_id", opID, "error", err)
	}
}

// nopRecorder discards lifecycle events.
type nopRecorder struct{}

func (nopRecorder) RecordSent(*wire.Request) error     { return nil }
func (nopRecorder) RecordOutcome(string, string) error { return nil }
func (nopRecorder) RecordAnomaly(string, string) error { return nil }
