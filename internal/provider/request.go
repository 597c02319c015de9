package provider

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"ShareLink/internal/hooks"
	"ShareLink/internal/journal"
	"ShareLink/internal/metrics"
	"ShareLink/internal/opid"
	"ShareLink/internal/pending"
	"ShareLink/internal/wire"
)

// RequestOption overrides one default of Request.
type RequestOption func(*requestOptions)

// requestOptions collects caller overrides. Nil pointers mean "use default".
type requestOptions struct {
	receivers []int          // receivers is the caller's receiver list, sorted in place
	threshold *int           // threshold overrides |receivers|
	modulus   *int64         // modulus overrides the ambient Zp
	opID      string         // opID overrides the derived identifier
	params    map[string]any // params is passed to the provider verbatim
}

// WithReceivers sets the receiving parties. The slice is sorted ascending in
// place; callers must not rely on its original order afterwards.
func WithReceivers(ids []int) RequestOption {
	return func(o *requestOptions) { o.receivers = ids }
}

// WithThreshold sets the reconstruction threshold.
func WithThreshold(n int) RequestOption {
	return func(o *requestOptions) { o.threshold = &n }
}

// WithModulus sets the field modulus for this request.
func WithModulus(zp int64) RequestOption {
	return func(o *requestOptions) { o.modulus = &zp }
}

// WithIdentifier sets the operation identifier instead of deriving one.
// No counter is advanced.
func WithIdentifier(id string) RequestOption {
	return func(o *requestOptions) { o.opID = id }
}

// WithParams sets the label-specific parameters.
func WithParams(params map[string]any) RequestOption {
	return func(o *requestOptions) { o.params = params }
}

// Request asks the provider for material of the given label and returns the
// future its response will complete.
//
// Defaults are applied first, then the request is validated, then the
// identifier is derived, so a rejected request never advances a counter.
// The pending entry is installed before the envelope is sent.
//
// A transport error normally abandons the entry and fails with
// ErrSendFailed. If the entry was already settled by then, usually because
// the response won the race, the error is only logged and the future is
// returned.
func (c *Client) Request(ctx context.Context, label string, opts ...RequestOption) (*pending.Future[wire.Result], error) {
	if c.table.Closed() {
		c.metrics.RequestsRejected.WithLabelValues(metrics.ReasonClosed).Inc()
		return nil, pending.ErrClosed
	}

	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	req, err := c.build(label, &o)
	if err != nil {
		c.metrics.RequestsRejected.WithLabelValues(metrics.ReasonInvalidArgument).Inc()
		return nil, err
	}

	// Hooks get their own receivers and params so in-place edits stay off the caller's values.
	hooked := *req
	hooked.Receivers = slices.Clone(req.Receivers)
	hooked.Params = maps.Clone(req.Params)

	out, err := c.hooks.Apply(ctx, hooks.BeforeOperation, wire.ChannelCryptoProvider, hooked)
	if err != nil {
		c.metrics.RequestsRejected.WithLabelValues(metrics.ReasonHookRejected).Inc()
		c.log.Warn("request rejected by hook", "op_id", req.OpID, "error", err)
		return nil, err
	}

	if err := validate(&out); err != nil {
		c.metrics.RequestsRejected.WithLabelValues(metrics.ReasonHookRejected).Inc()
		return nil, fmt.Errorf("%w: hook produced %w", ErrHookRejected, err)
	}

	payload, err := wire.EncodeRequest(&out)
	if err != nil {
		c.metrics.RequestsRejected.WithLabelValues(metrics.ReasonInvalidArgument).Inc()
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	future, err := c.table.Open(out.OpID)
	if err != nil {
		reason := metrics.ReasonAlreadyPending
		if errors.Is(err, pending.ErrClosed) {
			reason = metrics.ReasonClosed
		}

		c.metrics.RequestsRejected.WithLabelValues(reason).Inc()
		return nil, err
	}

	c.record(c.journal.RecordSent(&out), out.OpID)

	env := &wire.Envelope{
		Channel: wire.ChannelCryptoProvider,
		OpID:    out.OpID,
		Payload: payload,
	}

	start := time.Now()

	if err := c.transport.Send(ctx, env); err != nil {
		cause := fmt.Errorf("%w: %w", ErrSendFailed, err)
		if !c.table.Abandon(out.OpID, cause) {
			c.metrics.RequestsSent.Inc()
			c.log.Warn("send error after response arrived", "op_id", out.OpID, "error", err)

			return future, nil
		}

		c.metrics.RequestsRejected.WithLabelValues(metrics.ReasonSendFailed).Inc()
		c.record(c.journal.RecordOutcome(out.OpID, journal.OutcomeAbandoned), out.OpID)
		c.log.Warn("send to provider failed", "op_id", out.OpID, "error", err)

		return nil, cause
	}

	c.metrics.RequestsSent.Inc()
	c.log.Debug("request sent", "op_id", out.OpID, "label", out.Label, "bytes", len(payload), "elapsed", time.Since(start))

	return future, nil
}

// build applies defaults, validates, and derives the identifier.
func (c *Client) build(label string, o *requestOptions) (*wire.Request, error) {
	req := &wire.Request{
		Label:     label,
		Zp:        c.modulus,
		Receivers: o.receivers,
		Params:    o.params,
	}

	if o.modulus != nil {
		req.Zp = *o.modulus
	}

	if req.Receivers == nil {
		req.Receivers = c.roster()
	} else {
		opid.Canonicalize(req.Receivers)
	}

	req.Threshold = len(req.Receivers)
	if o.threshold != nil {
		req.Threshold = *o.threshold
	}

	if req.Params == nil {
		req.Params = map[string]any{}
	}

	if err := validateShape(req); err != nil {
		return nil, err
	}

	if o.opID != "" {
		req.OpID = o.opID
		return req, nil
	}

	id, err := c.registry.Next(label, req.Receivers)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	req.OpID = id

	return req, nil
}

// roster returns the ids 1..partyCount.
func (c *Client) roster() []int {
	ids := make([]int, c.partyCount)
	for i := range ids {
		ids[i] = i + 1
	}

	return ids
}

// validate checks a complete request, identifier included.
func validate(req *wire.Request) error {
	if req.OpID == "" {
		return fmt.Errorf("%w: op_id is empty", ErrInvalidArgument)
	}

	return validateShape(req)
}

// validateShape checks everything but the identifier. Receivers must already
// be sorted.
func validateShape(req *wire.Request) error {
	if req.Label == "" {
		return fmt.Errorf("%w: label is empty", ErrInvalidArgument)
	}

	if len(req.Receivers) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, opid.ErrEmptyReceivers)
	}

	for i, id := range req.Receivers {
		if id < 1 {
			return fmt.Errorf("%w: receiver id %d is not positive", ErrInvalidArgument, id)
		}

		if i > 0 && req.Receivers[i-1] >= id {
			if req.Receivers[i-1] == id {
				return fmt.Errorf("%w: receiver %d listed twice", ErrInvalidArgument, id)
			}

			return fmt.Errorf("%w: receivers not sorted", ErrInvalidArgument)
		}
	}

	if req.Threshold < 1 || req.Threshold > len(req.Receivers) {
		return fmt.Errorf("%w: threshold %d outside [1, %d]", ErrInvalidArgument, req.Threshold, len(req.Receivers))
	}

	if req.Zp < 2 {
		return fmt.Errorf("%w: modulus %d is below 2", ErrInvalidArgument, req.Zp)
	}

	return nil
}
