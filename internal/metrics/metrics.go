// Package metrics – operational counters for the bridge plugin.
//
// # Overview
//
// Metrics tracks counters and gauges for both bridge directions. All
// fields are updated atomically so they can be read concurrently from an
// HTTP handler without holding any additional lock.
//
// # Prometheus text format
//
// Handler returns an [net/http.Handler] that serves the registered metrics
// in the standard Prometheus text exposition format on every GET request.
// Wire it into your HTTP mux at /metrics (or any other path you prefer):
//
//	m := metrics.New()
//	http.Handle("/metrics", m.Handler())
//
// # Metric catalogue
//
//	bridge_inbound_requests_total      – counter: messages the hook forwarded to the engine
//	bridge_inbound_replies_total       – counter: engine replies delivered back to the host
//	bridge_inbound_timeouts_total      – counter: rendezvous pops that timed out
//	bridge_inbound_errors_total        – counter: inbound requests that ended in an error reply
//	bridge_rate_limited_total          – counter: requests denied by the rate limiter
//	bridge_breaker_rejections_total    – counter: requests short-circuited by an open breaker
//	bridge_heartbeats_total            – counter: heartbeats answered locally
//	bridge_outbound_entries_total      – counter: outbound entries read from the stream
//	bridge_outbound_chunks_total       – counter: chunks delivered through the CLI
//	bridge_outbound_errors_total       – counter: outbound deliveries that failed
//	bridge_outbound_malformed_total    – counter: malformed entries dropped with a warning
//	bridge_outbound_dead_letters_total – counter: entries dropped after exceeding the delivery cap
//	bridge_outbound_acks_total         – counter: entries acknowledged
//	bridge_publishes_total             – counter: oversize messages published externally
//	bridge_publish_fallbacks_total     – counter: publish failures that fell back to chunking
//	bridge_broker_ready                – gauge:   1 when both broker clients answer pings, 0 otherwise
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds all counters and gauges for the bridge. The zero value is
// ready to use; all counters start at zero.
type Metrics struct {
	// Inbound path
	InboundRequests   atomic.Int64
	InboundReplies    atomic.Int64
	InboundTimeouts   atomic.Int64
	InboundErrors     atomic.Int64
	RateLimited       atomic.Int64
	BreakerRejections atomic.Int64
	Heartbeats        atomic.Int64

	// Outbound path
	OutboundEntries     atomic.Int64
	OutboundChunks      atomic.Int64
	OutboundErrors      atomic.Int64
	OutboundMalformed   atomic.Int64
	OutboundDeadLetters atomic.Int64
	OutboundAcks        atomic.Int64
	Publishes           atomic.Int64
	PublishFallbacks    atomic.Int64

	// Gauge (0 or 1)
	BrokerReady atomic.Int64
}

// New allocates a Metrics value with all counters at zero.
func New() *Metrics {
	return &Metrics{}
}

// metricLine is a single Prometheus metric family descriptor plus its
// current value.
type metricLine struct {
	help  string
	kind  string // "counter" or "gauge"
	name  string
	value int64
}

// snapshot captures the current values of all metrics in a consistent order.
func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{
			help:  "Total number of messages the inbound hook forwarded to the engine.",
			kind:  "counter",
			name:  "bridge_inbound_requests_total",
			value: m.InboundRequests.Load(),
		},
		{
			help:  "Total number of engine replies delivered back to the host.",
			kind:  "counter",
			name:  "bridge_inbound_replies_total",
			value: m.InboundReplies.Load(),
		},
		{
			help:  "Total number of rendezvous pops that timed out waiting for the engine.",
			kind:  "counter",
			name:  "bridge_inbound_timeouts_total",
			value: m.InboundTimeouts.Load(),
		},
		{
			help:  "Total number of inbound requests that ended in an error reply.",
			kind:  "counter",
			name:  "bridge_inbound_errors_total",
			value: m.InboundErrors.Load(),
		},
		{
			help:  "Total number of requests denied by the rate limiter.",
			kind:  "counter",
			name:  "bridge_rate_limited_total",
			value: m.RateLimited.Load(),
		},
		{
			help:  "Total number of requests short-circuited by an open circuit breaker.",
			kind:  "counter",
			name:  "bridge_breaker_rejections_total",
			value: m.BreakerRejections.Load(),
		},
		{
			help:  "Total number of gateway heartbeats answered locally.",
			kind:  "counter",
			name:  "bridge_heartbeats_total",
			value: m.Heartbeats.Load(),
		},
		{
			help:  "Total number of outbound entries read from the stream.",
			kind:  "counter",
			name:  "bridge_outbound_entries_total",
			value: m.OutboundEntries.Load(),
		},
		{
			help:  "Total number of chunks delivered through the gateway CLI.",
			kind:  "counter",
			name:  "bridge_outbound_chunks_total",
			value: m.OutboundChunks.Load(),
		},
		{
			help:  "Total number of outbound deliveries that failed.",
			kind:  "counter",
			name:  "bridge_outbound_errors_total",
			value: m.OutboundErrors.Load(),
		},
		{
			help:  "Total number of malformed outbound entries dropped with a warning.",
			kind:  "counter",
			name:  "bridge_outbound_malformed_total",
			value: m.OutboundMalformed.Load(),
		},
		{
			help:  "Total number of outbound entries dropped after exceeding the delivery cap.",
			kind:  "counter",
			name:  "bridge_outbound_dead_letters_total",
			value: m.OutboundDeadLetters.Load(),
		},
		{
			help:  "Total number of outbound entries acknowledged.",
			kind:  "counter",
			name:  "bridge_outbound_acks_total",
			value: m.OutboundAcks.Load(),
		},
		{
			help:  "Total number of oversize messages published externally.",
			kind:  "counter",
			name:  "bridge_publishes_total",
			value: m.Publishes.Load(),
		},
		{
			help:  "Total number of publish failures that fell back to chunked delivery.",
			kind:  "counter",
			name:  "bridge_publish_fallbacks_total",
			value: m.PublishFallbacks.Load(),
		},
		{
			help:  "1 when both broker clients answer pings, 0 otherwise.",
			kind:  "gauge",
			name:  "bridge_broker_ready",
			value: m.BrokerReady.Load(),
		},
	}
}

// Handler returns an [http.Handler] that writes all bridge metrics in the
// Prometheus text exposition format on every GET request.
//
// The content type is set to "text/plain; version=0.0.4" as required by
// the Prometheus specification so that a vanilla Prometheus scraper will
// parse the output correctly.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

// writeMetrics serialises lines into Prometheus text exposition format.
func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
