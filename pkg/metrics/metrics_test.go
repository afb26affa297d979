package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	reg := NewRegistry()
	c := reg.NewCounter("requests_total", "Total requests.", "code")

	c.Inc("ok")
	c.Inc("ok")
	c.Add(3, "error")
	c.Add(-1, "error") // negative deltas are dropped
	c.Inc("ok", "extra") // label mismatch is dropped

	samples := c.Collect()
	require.Len(t, samples, 2)
	values := map[string]float64{}
	for _, s := range samples {
		values[s.Labels["code"]] = s.Value
	}
	assert.Equal(t, 2.0, values["ok"])
	assert.Equal(t, 3.0, values["error"])
}

func TestGauge(t *testing.T) {
	reg := NewRegistry()
	g := reg.NewGauge("active", "Active calls.")

	g.Inc()
	g.Inc()
	g.Dec()
	require.Len(t, g.Collect(), 1)
	assert.Equal(t, 1.0, g.Collect()[0].Value)

	g.Set(10)
	assert.Equal(t, 10.0, g.Collect()[0].Value)
}

func TestHistogram(t *testing.T) {
	reg := NewRegistry()
	h := reg.NewHistogram("latency", "Latency.", []float64{0.1, 1})

	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5) // lands in +Inf

	samples := h.Collect()
	byName := map[string]float64{}
	for _, s := range samples {
		key := s.Name
		if le, ok := s.Labels["le"]; ok {
			key += ":" + le
		}
		byName[key] = s.Value
	}
	assert.Equal(t, 1.0, byName["latency_bucket:0.1"])
	assert.Equal(t, 2.0, byName["latency_bucket:1"])
	assert.Equal(t, 3.0, byName["latency_bucket:+Inf"])
	assert.Equal(t, 3.0, byName["latency_count"])
	assert.InDelta(t, 5.55, byName["latency_sum"], 0.001)
}

func TestDuplicateNamePanics(t *testing.T) {
	reg := NewRegistry()
	reg.NewCounter("dup", "")
	assert.Panics(t, func() { reg.NewGauge("dup", "") })
}

func TestHandlerExposition(t *testing.T) {
	reg := NewRegistry()
	c := reg.NewCounter("rpcs_total", "Total RPCs.", "method")
	c.Inc("SayHello")

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "# TYPE rpcs_total counter")
	assert.Contains(t, body, `rpcs_total{method="SayHello"} 1`)
}

func TestServerMetrics(t *testing.T) {
	m := NewServerMetrics()
	m.ObserveRPC("grpc", "/helloworld.Greeter/SayHello", "OK", 5*time.Millisecond)

	done := m.StreamStarted("grpc")
	assert.Equal(t, 1.0, m.ActiveStreams.Collect()[0].Value)
	done()
	assert.Equal(t, 0.0, m.ActiveStreams.Collect()[0].Value)

	require.Len(t, m.RPCsTotal.Collect(), 1)
	assert.Equal(t, "OK", m.RPCsTotal.Collect()[0].Labels["code"])

	var nilMetrics *ServerMetrics
	nilMetrics.ObserveRPC("grpc", "x", "OK", 0) // must not panic
	nilMetrics.StreamStarted("grpc")()
}
