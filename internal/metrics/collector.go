// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for the relay. It renders text/plain in Prometheus exposition format.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewRegistry()

// Registry holds counters, gauges and histograms keyed by name and labels.
type Registry struct {
	mu        sync.RWMutex
	series    map[string]series
	startTime time.Time
}

type series interface {
	family() (name, help, kind string)
	render(sb *strings.Builder)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{series: make(map[string]series), startTime: time.Now()}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Counter is a monotonically increasing value.
type Counter struct {
	name, help, labels string
	value              atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }
func (c *Counter) family() (string, string, string) { return c.name, c.help, "counter" }
func (c *Counter) render(sb *strings.Builder) {
	fmt.Fprintf(sb, "%s %d\n", seriesName(c.name, c.labels), c.Value())
}

// Gauge is a value that can go up and down.
type Gauge struct {
	name, help, labels string
	value              atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }
func (g *Gauge) family() (string, string, string) { return g.name, g.help, "gauge" }
func (g *Gauge) render(sb *strings.Builder) {
	fmt.Fprintf(sb, "%s %d\n", seriesName(g.name, g.labels), g.Value())
}

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name, help, labels string

	mu     sync.Mutex
	count  int64
	sum    float64
	bounds []float64
	counts []int64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *Histogram) family() (string, string, string) { return h.name, h.help, "histogram" }

func (h *Histogram) render(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, le := range h.bounds {
		if math.IsInf(le, 1) {
			continue
		}
		labels := fmt.Sprintf(`le="%g"`, le)
		if h.labels != "" {
			labels = h.labels + "," + labels
		}
		fmt.Fprintf(sb, "%s %d\n", seriesName(h.name+"_bucket", labels), h.counts[i])
	}
	inf := `le="+Inf"`
	if h.labels != "" {
		inf = h.labels + "," + inf
	}
	fmt.Fprintf(sb, "%s %d\n", seriesName(h.name+"_bucket", inf), h.count)
	fmt.Fprintf(sb, "%s %d\n", seriesName(h.name+"_count", h.labels), h.count)
	fmt.Fprintf(sb, "%s %f\n", seriesName(h.name+"_sum", h.labels), h.sum)
}

// Counter returns or creates a counter.
func (r *Registry) Counter(name, help, labels string) *Counter {
	return getOrCreate(r, name, labels, func() *Counter {
		return &Counter{name: name, help: help, labels: labels}
	})
}

// Gauge returns or creates a gauge.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	return getOrCreate(r, name, labels, func() *Gauge {
		return &Gauge{name: name, help: help, labels: labels}
	})
}

// Histogram returns or creates a histogram with the given upper bounds.
func (r *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return getOrCreate(r, name, labels, func() *Histogram {
		bounds := append([]float64(nil), buckets...)
		sort.Float64s(bounds)
		return &Histogram{name: name, help: help, labels: labels, bounds: bounds, counts: make([]int64, len(bounds))}
	})
}

func getOrCreate[S series](r *Registry, name, labels string, create func() S) S {
	key := name + "{" + labels + "}"
	r.mu.RLock()
	existing, ok := r.series[key]
	r.mu.RUnlock()
	if ok {
		return existing.(S)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.series[key]; ok {
		return existing.(S)
	}
	s := create()
	r.series[key] = s
	return s
}

// Render writes every series in exposition format, sorted by key.
func (r *Registry) Render() string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.series))
	for k := range r.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	all := make([]series, len(keys))
	for i, k := range keys {
		all[i] = r.series[k]
	}
	r.mu.RUnlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP dmrelay_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE dmrelay_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "dmrelay_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	described := make(map[string]bool)
	for _, s := range all {
		name, help, kind := s.family()
		if !described[name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
			described[name] = true
		}
		s.render(&sb)
	}
	return sb.String()
}

// Handler serves Render over HTTP.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, r.Render())
	}
}

func seriesName(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// --- Pre-defined metrics used across the application ---

var (
	WebhookRequests    = Collector.Counter("dmrelay_webhook_requests_total", "Inbound webhook requests", "")
	WebhookRejected    = Collector.Counter("dmrelay_webhook_rejected_total", "Webhook requests rejected by signature or token checks", "")
	MessagesRecorded   = Collector.Counter("dmrelay_messages_recorded_total", "Canonical messages appended to the chat log", "")
	PollTicks          = Collector.Counter("dmrelay_poll_ticks_total", "Completed poll ticks", "")
	PollTicksSkipped   = Collector.Counter("dmrelay_poll_ticks_skipped_total", "Poll ticks skipped because the previous tick was still in flight", "")
	PollErrors         = Collector.Counter("dmrelay_poll_errors_total", "Poll ticks that failed to fetch the contact roster", "")
	SendFailures       = Collector.Counter("dmrelay_send_failures_total", "Outbound sends that failed", "")
	HubHandlerFailures = Collector.Counter("dmrelay_hub_handler_failures_total", "Event hub handlers that returned an error or panicked", "")
	ViewerConnections  = Collector.Gauge("dmrelay_viewer_connections", "Currently connected dashboard viewers", "")

	UpstreamLatency = Collector.Histogram("dmrelay_upstream_latency_seconds", "Upstream API request latency in seconds", "",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10})
)
