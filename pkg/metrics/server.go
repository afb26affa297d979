package metrics

import "time"

// ServerMetrics bundles the RPC-facing instruments both protocol adapters
// record into.
type ServerMetrics struct {
	registry *Registry

	// RPCsTotal counts finished calls by protocol, full method, and status
	// code name.
	RPCsTotal *Counter

	// RPCDuration tracks call latency in seconds by protocol and full method.
	RPCDuration *Histogram

	// ActiveStreams gauges in-flight streaming calls by protocol.
	ActiveStreams *Gauge

	// RulesLoaded gauges the rule documents in the active index.
	RulesLoaded *Gauge
}

// NewServerMetrics registers the server instruments in a fresh registry.
func NewServerMetrics() *ServerMetrics {
	reg := NewRegistry()
	return &ServerMetrics{
		registry: reg,
		RPCsTotal: reg.NewCounter("mockrpc_rpcs_total",
			"Finished RPCs by protocol, method, and status code.",
			"protocol", "method", "code"),
		RPCDuration: reg.NewHistogram("mockrpc_rpc_duration_seconds",
			"RPC latency in seconds.", DefaultBuckets,
			"protocol", "method"),
		ActiveStreams: reg.NewGauge("mockrpc_active_streams",
			"In-flight streaming RPCs.", "protocol"),
		RulesLoaded: reg.NewGauge("mockrpc_rules_loaded",
			"Rule documents in the active index."),
	}
}

// Registry exposes the underlying registry for the exposition handler.
func (m *ServerMetrics) Registry() *Registry {
	return m.registry
}

// ObserveRPC records one finished call.
func (m *ServerMetrics) ObserveRPC(protocol, method, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RPCsTotal.Inc(protocol, method, code)
	m.RPCDuration.Observe(elapsed.Seconds(), protocol, method)
}

// StreamStarted marks a streaming call in flight; the returned func marks it
// finished.
func (m *ServerMetrics) StreamStarted(protocol string) func() {
	if m == nil {
		return func() {}
	}
	m.ActiveStreams.Inc(protocol)
	return func() { m.ActiveStreams.Dec(protocol) }
}
