// Package metrics is a small dependency-free metrics registry with
// Prometheus text exposition. It covers the three types the server needs:
// counters, gauges, and duration histograms, all label-aware and safe for
// concurrent use.
package metrics

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registration and usage errors.
var (
	ErrLabelCount      = errors.New("metrics: label count mismatch")
	ErrDuplicateMetric = errors.New("metrics: duplicate metric name")
)

// atomicFloat stores float64 bits in a uint64 for lock-free updates.
type atomicFloat struct {
	bits atomic.Uint64
}

func (a *atomicFloat) Load() float64 {
	return math.Float64frombits(a.bits.Load())
}

func (a *atomicFloat) Store(v float64) {
	a.bits.Store(math.Float64bits(v))
}

func (a *atomicFloat) Add(delta float64) {
	for {
		old := a.bits.Load()
		next := math.Float64frombits(old) + delta
		if a.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// Sample is one exposition line: name, labels, value.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// Metric is implemented by all metric types.
type Metric interface {
	Name() string
	Help() string
	Type() string
	Collect() []Sample
}

// series is the shared label-keyed cell store behind every metric type.
type series[T any] struct {
	labelNames []string
	mu         sync.RWMutex
	cells      map[string]*cell[T]
}

type cell[T any] struct {
	labels map[string]string
	value  T
}

func newSeries[T any](labelNames []string) *series[T] {
	return &series[T]{labelNames: labelNames, cells: make(map[string]*cell[T])}
}

// get returns the cell for a label combination, creating it on first use.
func (s *series[T]) get(name string, values []string, init func(*cell[T])) (*cell[T], error) {
	if len(values) != len(s.labelNames) {
		return nil, fmt.Errorf("%w: %s expects %d labels, got %d", ErrLabelCount, name, len(s.labelNames), len(values))
	}
	key := strings.Join(values, "\x00")

	s.mu.RLock()
	c, ok := s.cells[key]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.cells[key]; ok {
		return c, nil
	}
	labels := make(map[string]string, len(s.labelNames))
	for i, ln := range s.labelNames {
		labels[ln] = values[i]
	}
	c = &cell[T]{labels: labels}
	if init != nil {
		init(c)
	}
	s.cells[key] = c
	return c, nil
}

func (s *series[T]) snapshot() []*cell[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*cell[T], 0, len(s.cells))
	for _, c := range s.cells {
		out = append(out, c)
	}
	return out
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name string
	help string
	s    *series[*atomicFloat]
}

func (c *Counter) Name() string { return c.name }
func (c *Counter) Help() string { return c.help }
func (c *Counter) Type() string { return "counter" }

// Inc increments the counter for a label combination by 1. Label mismatches
// are dropped rather than surfaced on the request path.
func (c *Counter) Inc(labelValues ...string) {
	c.Add(1, labelValues...)
}

// Add adds a non-negative delta for a label combination.
func (c *Counter) Add(delta float64, labelValues ...string) {
	if delta < 0 {
		return
	}
	cell, err := c.s.get(c.name, labelValues, func(cl *cell[*atomicFloat]) { cl.value = &atomicFloat{} })
	if err != nil {
		return
	}
	cell.value.Add(delta)
}

// Collect returns one sample per label combination.
func (c *Counter) Collect() []Sample {
	cells := c.s.snapshot()
	samples := make([]Sample, 0, len(cells))
	for _, cl := range cells {
		samples = append(samples, Sample{Name: c.name, Labels: cl.labels, Value: cl.value.Load()})
	}
	return samples
}

// Gauge is a metric that moves in both directions.
type Gauge struct {
	name string
	help string
	s    *series[*atomicFloat]
}

func (g *Gauge) Name() string { return g.name }
func (g *Gauge) Help() string { return g.help }
func (g *Gauge) Type() string { return "gauge" }

// Set stores an absolute value for a label combination.
func (g *Gauge) Set(v float64, labelValues ...string) {
	if cell, err := g.s.get(g.name, labelValues, func(cl *cell[*atomicFloat]) { cl.value = &atomicFloat{} }); err == nil {
		cell.value.Store(v)
	}
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc(labelValues ...string) { g.Add(1, labelValues...) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec(labelValues ...string) { g.Add(-1, labelValues...) }

// Add adds a signed delta.
func (g *Gauge) Add(delta float64, labelValues ...string) {
	if cell, err := g.s.get(g.name, labelValues, func(cl *cell[*atomicFloat]) { cl.value = &atomicFloat{} }); err == nil {
		cell.value.Add(delta)
	}
}

// Collect returns one sample per label combination.
func (g *Gauge) Collect() []Sample {
	cells := g.s.snapshot()
	samples := make([]Sample, 0, len(cells))
	for _, cl := range cells {
		samples = append(samples, Sample{Name: g.name, Labels: cl.labels, Value: cl.value.Load()})
	}
	return samples
}

// histogramCell holds per-bucket counts plus sum and count.
type histogramCell struct {
	counts []atomic.Uint64
	sum    atomicFloat
	count  atomic.Uint64
}

// Histogram tracks a value distribution over fixed buckets.
type Histogram struct {
	name    string
	help    string
	buckets []float64
	s       *series[*histogramCell]
}

func (h *Histogram) Name() string { return h.name }
func (h *Histogram) Help() string { return h.help }
func (h *Histogram) Type() string { return "histogram" }

// Observe records one value for a label combination.
func (h *Histogram) Observe(v float64, labelValues ...string) {
	cell, err := h.s.get(h.name, labelValues, func(cl *cell[*histogramCell]) {
		cl.value = &histogramCell{counts: make([]atomic.Uint64, len(h.buckets))}
	})
	if err != nil {
		return
	}
	for i, bound := range h.buckets {
		if v <= bound {
			cell.value.counts[i].Add(1)
			break
		}
	}
	cell.value.sum.Add(v)
	cell.value.count.Add(1)
}

// Collect emits cumulative bucket samples plus _sum and _count.
func (h *Histogram) Collect() []Sample {
	cells := h.s.snapshot()
	samples := make([]Sample, 0, len(cells)*(len(h.buckets)+2))
	for _, cl := range cells {
		cumulative := uint64(0)
		for i, bound := range h.buckets {
			cumulative += cl.value.counts[i].Load()
			labels := make(map[string]string, len(cl.labels)+1)
			for k, v := range cl.labels {
				labels[k] = v
			}
			if math.IsInf(bound, 1) {
				labels["le"] = "+Inf"
			} else {
				labels["le"] = formatFloat(bound)
			}
			samples = append(samples, Sample{Name: h.name + "_bucket", Labels: labels, Value: float64(cumulative)})
		}
		samples = append(samples, Sample{Name: h.name + "_sum", Labels: cl.labels, Value: cl.value.sum.Load()})
		samples = append(samples, Sample{Name: h.name + "_count", Labels: cl.labels, Value: float64(cl.value.count.Load())})
	}
	return samples
}

// Registry holds registered metrics and serves the exposition endpoint.
type Registry struct {
	mu      sync.RWMutex
	metrics []Metric
	names   map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// NewCounter creates and registers a counter. Duplicate names panic, since
// they would produce invalid exposition output.
func (r *Registry) NewCounter(name, help string, labelNames ...string) *Counter {
	c := &Counter{name: name, help: help, s: newSeries[*atomicFloat](labelNames)}
	r.register(c)
	return c
}

// NewGauge creates and registers a gauge.
func (r *Registry) NewGauge(name, help string, labelNames ...string) *Gauge {
	g := &Gauge{name: name, help: help, s: newSeries[*atomicFloat](labelNames)}
	r.register(g)
	return g
}

// NewHistogram creates and registers a histogram. Buckets are sorted and get
// a +Inf terminal bucket when missing.
func (r *Registry) NewHistogram(name, help string, buckets []float64, labelNames ...string) *Histogram {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	if len(sorted) == 0 || !math.IsInf(sorted[len(sorted)-1], 1) {
		sorted = append(sorted, math.Inf(1))
	}
	h := &Histogram{name: name, help: help, buckets: sorted, s: newSeries[*histogramCell](labelNames)}
	r.register(h)
	return h
}

func (r *Registry) register(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[m.Name()]; exists {
		panic(fmt.Sprintf("%s: %s", ErrDuplicateMetric, m.Name()))
	}
	r.names[m.Name()] = struct{}{}
	r.metrics = append(r.metrics, m)
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		r.mu.RLock()
		metrics := append([]Metric(nil), r.metrics...)
		r.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		for _, m := range metrics {
			samples := m.Collect()
			if len(samples) == 0 {
				continue
			}
			fmt.Fprintf(w, "# HELP %s %s\n", m.Name(), escapeHelp(m.Help()))
			fmt.Fprintf(w, "# TYPE %s %s\n", m.Name(), m.Type())
			for _, s := range samples {
				if len(s.Labels) == 0 {
					fmt.Fprintf(w, "%s %s\n", s.Name, formatFloat(s.Value))
				} else {
					fmt.Fprintf(w, "%s{%s} %s\n", s.Name, formatLabels(s.Labels), formatFloat(s.Value))
				}
			}
		}
	})
}

func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, escapeLabelValue(labels[k]))
	}
	return strings.Join(parts, ",")
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	s := fmt.Sprintf("%g", v)
	if v == float64(int64(v)) && !strings.ContainsAny(s, ".e") {
		return fmt.Sprintf("%.0f", v)
	}
	return s
}

func escapeHelp(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, "\n", "\\n")
}

func escapeLabelValue(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return strings.ReplaceAll(s, "\n", "\\n")
}

// DefaultBuckets are the request-duration buckets, in seconds.
var DefaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
