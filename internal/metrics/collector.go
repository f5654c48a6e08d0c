// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for tgsync. It outputs text/plain in Prometheus exposition format
// without requiring the heavy prometheus/client_golang dependency.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide metrics collector.
var Collector = NewMetricsCollector()

// series is one labelled time series of a metric family.
type series interface {
	meta() *desc
	kind() string
	write(w io.Writer)
}

type desc struct {
	name   string
	help   string
	labels string
}

func (d *desc) meta() *desc { return d }

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	mu        sync.RWMutex
	series    map[string]series // name{labels}
	startTime time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{series: make(map[string]series), startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// register returns the series stored under name{labels}, creating it with
// mk on first use. A name reused with another metric type panics.
func (c *MetricsCollector) register(name, labels, kind string, mk func() series) series {
	key := name + "{" + labels + "}"
	c.mu.RLock()
	s, ok := c.series[key]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if s, ok = c.series[key]; !ok {
			s = mk()
			c.series[key] = s
		}
		c.mu.Unlock()
	}
	if s.kind() != kind {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, s.kind(), kind))
	}
	return s
}

// Counter is a monotonically increasing counter.
type Counter struct {
	desc
	value atomic.Int64
}

func (c *Counter) Inc()              { c.value.Add(1) }
func (c *Counter) Add(n int64)       { c.value.Add(n) }
func (c *Counter) Value() int64      { return c.value.Load() }
func (c *Counter) kind() string      { return "counter" }
func (c *Counter) write(w io.Writer) { writeSample(w, c.name, c.labels, c.Value()) }

// Gauge is a value that can go up and down.
type Gauge struct {
	desc
	value atomic.Int64
}

func (g *Gauge) Set(v int64)       { g.value.Store(v) }
func (g *Gauge) Inc()              { g.value.Add(1) }
func (g *Gauge) Dec()              { g.value.Add(-1) }
func (g *Gauge) Value() int64      { return g.value.Load() }
func (g *Gauge) kind() string      { return "gauge" }
func (g *Gauge) write(w io.Writer) { writeSample(w, g.name, g.labels, g.Value()) }

// Histogram tracks the distribution of observed values. Bucket counts are
// cumulative; the last bound is always +Inf.
type Histogram struct {
	desc
	mu     sync.Mutex
	bounds []float64
	counts []int64
	sum    float64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Count returns how many values were observed.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[len(h.counts)-1]
}

func (h *Histogram) kind() string { return "histogram" }

func (h *Histogram) write(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sep := ""
	if h.labels != "" {
		sep = ","
	}
	for i, le := range h.bounds {
		bound := "+Inf"
		if !math.IsInf(le, 1) {
			bound = fmt.Sprintf("%g", le)
		}
		fmt.Fprintf(w, "%s_bucket{%s%sle=%q} %d\n", h.name, h.labels, sep, bound, h.counts[i])
	}
	writeSample(w, h.name+"_count", h.labels, h.counts[len(h.counts)-1])
	if h.labels != "" {
		fmt.Fprintf(w, "%s_sum{%s} %g\n", h.name, h.labels, h.sum)
	} else {
		fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
	}
}

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return c.register(name, labels, "counter", func() series {
		return &Counter{desc: desc{name, help, labels}}
	}).(*Counter)
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	return c.register(name, labels, "gauge", func() series {
		return &Gauge{desc: desc{name, help, labels}}
	}).(*Gauge)
}

// Histogram returns or creates a histogram with the given upper bounds.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return c.register(name, labels, "histogram", func() series {
		bounds := append([]float64(nil), buckets...)
		sort.Float64s(bounds)
		if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
			bounds = append(bounds, math.Inf(1))
		}
		return &Histogram{desc: desc{name, help, labels}, bounds: bounds, counts: make([]int64, len(bounds))}
	}).(*Histogram)
}

// Render writes all metrics in Prometheus text format, one family at a time
// with series ordered by label set.
func (c *MetricsCollector) Render() string {
	var sb strings.Builder
	c.Expose(&sb)
	return sb.String()
}

// Expose renders the exposition into w.
func (c *MetricsCollector) Expose(w io.Writer) {
	c.mu.RLock()
	all := make([]series, 0, len(c.series))
	for _, s := range c.series {
		all = append(all, s)
	}
	c.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].meta(), all[j].meta()
		if a.name != b.name {
			return a.name < b.name
		}
		return a.labels < b.labels
	})

	fmt.Fprintf(w, "# HELP tgsync_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(w, "# TYPE tgsync_uptime_seconds gauge\n")
	fmt.Fprintf(w, "tgsync_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	family := ""
	for _, s := range all {
		d := s.meta()
		if d.name != family {
			family = d.name
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, s.kind())
		}
		s.write(w)
	}
}

func writeSample(w io.Writer, name, labels string, v int64) {
	if labels != "" {
		fmt.Fprintf(w, "%s{%s} %d\n", name, labels, v)
	} else {
		fmt.Fprintf(w, "%s %d\n", name, v)
	}
}

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.Expose(w)
	}
}
