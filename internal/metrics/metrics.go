// Package metrics exposes Prometheus instruments for the provider client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sharelink"

// Drop reasons for responses that resolve nothing.
const (
	ReasonUnmatched    = "unmatched"
	ReasonDuplicate    = "duplicate"
	ReasonBadSignature = "bad_signature"
	ReasonMalformed    = "malformed"
)

// Rejection reasons for requests that were never sent.
const (
	ReasonInvalidArgument = "invalid_argument"
	ReasonHookRejected    = "hook_rejected"
	ReasonAlreadyPending  = "already_pending"
	ReasonSendFailed      = "send_failed"
	ReasonClosed          = "closed"
)

// Metrics groups the client's instruments.
type Metrics struct {
	RequestsSent      prometheus.Counter     // RequestsSent counts requests handed to the transport
	RequestsRejected  *prometheus.CounterVec // RequestsRejected counts requests refused before sending, by reason
	ResponsesResolved prometheus.Counter     // ResponsesResolved counts responses that completed a future
	ResponsesDropped  *prometheus.CounterVec // ResponsesDropped counts discarded responses, by reason
	Pending           prometheus.Gauge       // Pending is the number of in-flight requests
}

// New creates the instruments and registers them with reg.
// A nil reg leaves them unregistered, which is what tests want.
func New(reg prometheus.Registerer, partyID string) (*Metrics, error) {
	labels := prometheus.Labels{"party_id": partyID}

	m := &Metrics{
		RequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "requests_sent_total",
			Help:        "The number of provider requests handed to the transport.",
			ConstLabels: labels,
		}),
		RequestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "requests_rejected_total",
			Help:        "The number of provider requests refused before sending.",
			ConstLabels: labels,
		}, []string{"reason"}),
		ResponsesResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "responses_resolved_total",
			Help:        "The number of provider responses that completed a pending request.",
			ConstLabels: labels,
		}),
		ResponsesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "responses_dropped_total",
			Help:        "The number of provider responses discarded without resolving anything.",
			ConstLabels: labels,
		}, []string{"reason"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pending_requests",
			Help:        "The number of provider requests awaiting a response.",
			ConstLabels: labels,
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.RequestsSent, m.RequestsRejected, m.ResponsesResolved, m.ResponsesDropped, m.Pending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}
