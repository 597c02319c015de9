package provider

import (
	"errors"
	"fmt"

	"ShareLink/internal/journal"
	"ShareLink/internal/metrics"
	"ShareLink/internal/pending"
	"ShareLink/internal/wire"
)

// HandleEnvelope resolves the pending request an inbound provider envelope
// answers. It is safe to call from any goroutine.
//
// Every failure means the envelope was discarded: it is logged at WARN,
// counted, and journaled as an anomaly before being returned. Nothing is
// retried and a pending entry is only removed by a successful resolution.
func (c *Client) HandleEnvelope(env *wire.Envelope) error {
	if env.Channel != wire.ChannelCryptoProvider {
		return c.drop(env.OpID, metrics.ReasonMalformed,
			fmt.Errorf("%w: channel %q", ErrMalformedResponse, env.Channel))
	}

	if c.verifier != nil {
		if err := c.verifier.Verify(env); err != nil {
			if !errors.Is(err, ErrBadSignature) {
				err = fmt.Errorf("%w: %v", ErrBadSignature, err)
			}

			return c.drop(env.OpID, metrics.ReasonBadSignature, err)
		}
	}

	resp, err := wire.DecodeResponse(env.Payload)
	if err != nil {
		return c.drop(env.OpID, metrics.ReasonMalformed, fmt.Errorf("%w: %w", ErrMalformedResponse, err))
	}

	if env.OpID != "" && resp.OpID != env.OpID {
		return c.drop(env.OpID, metrics.ReasonMalformed,
			fmt.Errorf("%w: payload op_id %q under envelope %q", ErrMalformedResponse, resp.OpID, env.OpID))
	}

	if err := c.table.Resolve(resp.OpID, resp.Result); err != nil {
		reason := metrics.ReasonUnmatched
		if errors.Is(err, pending.ErrDuplicateResolution) {
			reason = metrics.ReasonDuplicate
		}

		return c.drop(resp.OpID, reason, err)
	}

	c.metrics.ResponsesResolved.Inc()
	c.record(c.journal.RecordOutcome(resp.OpID, journal.OutcomeResolved), resp.OpID)
	c.log.Debug("response resolved", "op_id", resp.OpID, "shares", len(resp.Shares))

	return nil
}

// Handler adapts HandleEnvelope to an inbound channel callback that
// reports failures through logs and metrics only.
func (c *Client) Handler() func(*wire.Envelope) {
	return func(env *wire.Envelope) {
		_ = c.HandleEnvelope(env)
	}
}

// drop records a discarded envelope and returns err.
func (c *Client) drop(opID, reason string, err error) error {
	c.metrics.ResponsesDropped.WithLabelValues(reason).Inc()
	c.record(c.journal.RecordAnomaly(opID, reason), opID)
	c.log.Warn("provider response discarded", "op_id", opID, "reason", reason, "error", err)

	return err
}
