// Package metrics provides a small Prometheus-compatible registry and the
// keylab capture and upload metrics built on it.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels are constant labels attached to a metric.
type Labels map[string]string

// String formats l as {k="v",...} with sorted keys, or "" when empty.
func (l Labels) String() string {
	return l.render("")
}

// render formats l with extra appended as a final, preformatted pair.
func (l Labels) render(extra string) string {
	if len(l) == 0 && extra == "" {
		return ""
	}
	parts := make([]string, 0, len(l)+1)
	for _, k := range slices.Sorted(maps.Keys(l)) {
		parts = append(parts, fmt.Sprintf("%s=%q", k, l[k]))
	}
	if extra != "" {
		parts = append(parts, extra)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// metric is anything the registry can expose.
type metric interface {
	kind() string
	writeText(w io.Writer, name string, labels Labels)
	snapshot() any
}

// Counter only goes up.
type Counter struct {
	v atomic.Uint64
}

// Inc adds one.
func (c *Counter) Inc() { c.v.Add(1) }

// Add adds n.
func (c *Counter) Add(n uint64) { c.v.Add(n) }

// Value returns the current count.
func (c *Counter) Value() uint64 { return c.v.Load() }

func (c *Counter) kind() string  { return "counter" }
func (c *Counter) snapshot() any { return c.Value() }
func (c *Counter) writeText(w io.Writer, name string, labels Labels) {
	fmt.Fprintf(w, "%s%s %d\n", name, labels, c.Value())
}

// Gauge moves both ways.
type Gauge struct {
	v atomic.Int64
}

// Set replaces the value.
func (g *Gauge) Set(n int64) { g.v.Store(n) }

// Inc adds one.
func (g *Gauge) Inc() { g.v.Add(1) }

// Dec subtracts one.
func (g *Gauge) Dec() { g.v.Add(-1) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.v.Load() }

func (g *Gauge) kind() string  { return "gauge" }
func (g *Gauge) snapshot() any { return g.Value() }
func (g *Gauge) writeText(w io.Writer, name string, labels Labels) {
	fmt.Fprintf(w, "%s%s %d\n", name, labels, g.Value())
}

// Bucket layouts.
var (
	// DurationBuckets are request latencies in seconds.
	DurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// SizeBuckets are artifact sizes in bytes.
	SizeBuckets = []float64{100, 1000, 10000, 100000, 1000000, 10000000, 100000000}
)

// Histogram counts observations into upper-bounded buckets.
type Histogram struct {
	bounds []float64

	mu    sync.Mutex
	hits  []uint64 // hits[i] counts (bounds[i-1], bounds[i]]; the last slot is +Inf
	sum   float64
	count uint64
}

func newHistogram(bounds []float64) *Histogram {
	b := slices.Clone(bounds)
	sort.Float64s(b)
	return &Histogram{bounds: b, hits: make([]uint64, len(b)+1)}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.hits[sort.SearchFloat64s(h.bounds, v)]++
	h.sum += v
	h.count++
	h.mu.Unlock()
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Mean returns the average observation, or 0 before the first.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// cumulative returns the running bucket totals, +Inf last.
func (h *Histogram) cumulative() []uint64 {
	out := make([]uint64, len(h.hits))
	var n uint64
	for i, c := range h.hits {
		n += c
		out[i] = n
	}
	return out
}

func (h *Histogram) kind() string { return "histogram" }

func (h *Histogram) snapshot() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make(map[string]uint64, len(h.hits))
	cum := h.cumulative()
	for i, b := range h.bounds {
		buckets[fmt.Sprintf("%g", b)] = cum[i]
	}
	buckets["+Inf"] = cum[len(h.bounds)]
	return map[string]any{"buckets": buckets, "sum": h.sum, "count": h.count}
}

func (h *Histogram) writeText(w io.Writer, name string, labels Labels) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := h.cumulative()
	for i, b := range h.bounds {
		fmt.Fprintf(w, "%s_bucket%s %d\n", name, labels.render(fmt.Sprintf(`le="%g"`, b)), cum[i])
	}
	fmt.Fprintf(w, "%s_bucket%s %d\n", name, labels.render(`le="+Inf"`), cum[len(h.bounds)])
	fmt.Fprintf(w, "%s_sum%s %g\n", name, labels, h.sum)
	fmt.Fprintf(w, "%s_count%s %d\n", name, labels, h.count)
}

type entry struct {
	help   string
	labels Labels
	m      metric
}

// Registry holds metrics under a common name prefix.
type Registry struct {
	prefix string

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates a registry whose metric names are prefixed with
// namespace and subsystem, when set.
func NewRegistry(namespace, subsystem string) *Registry {
	var prefix string
	for _, p := range []string{namespace, subsystem} {
		if p != "" {
			prefix += p + "_"
		}
	}
	return &Registry{prefix: prefix, entries: make(map[string]*entry)}
}

// register returns the metric already registered under name, or the one
// built by mk.
func register[M metric](r *Registry, name, help string, labels Labels, mk func() M) M {
	r.mu.Lock()
	defer r.mu.Unlock()
	full := r.prefix + name
	if e, ok := r.entries[full]; ok {
		if m, ok := e.m.(M); ok {
			return m
		}
		panic(fmt.Sprintf("metrics: %s registered as %s", full, e.m.kind()))
	}
	m := mk()
	r.entries[full] = &entry{help: help, labels: labels, m: m}
	return m
}

// RegisterCounter returns the counter name, creating it on first use.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	return register(r, name, help, labels, func() *Counter { return &Counter{} })
}

// RegisterGauge returns the gauge name, creating it on first use.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	return register(r, name, help, labels, func() *Gauge { return &Gauge{} })
}

// RegisterHistogram returns the histogram name, creating it with bounds
// on first use.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, bounds []float64) *Histogram {
	return register(r, name, help, labels, func() *Histogram { return newHistogram(bounds) })
}

// GetCounter returns the counter name, or nil.
func (r *Registry) GetCounter(name string) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[r.prefix+name]; ok {
		c, _ := e.m.(*Counter)
		return c
	}
	return nil
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WritePrometheus writes every metric in Prometheus text format, sorted
// by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.names() {
		e := r.entries[name]
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, e.help, name, e.m.kind())
		e.m.writeText(w, name, e.labels)
	}
	return nil
}

// WriteJSON writes every metric as one JSON object keyed by name.
func (r *Registry) WriteJSON(w io.Writer) error {
	r.mu.RLock()
	out := make(map[string]any, len(r.entries))
	for name, e := range r.entries {
		out[name] = map[string]any{
			"type":   e.m.kind(),
			"help":   e.help,
			"labels": e.labels,
			"value":  e.m.snapshot(),
		}
	}
	r.mu.RUnlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// HTTPHandler serves the registry as Prometheus text, or as JSON when the
// client accepts application/json.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}

var defaultRegistry = NewRegistry("keylab", "")

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}
