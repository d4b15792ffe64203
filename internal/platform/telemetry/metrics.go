// Package telemetry records HTTP and case-event metrics and serves them in
// the Prometheus text exposition format.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/triage/internal/platform/events"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits for atomic add
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// Larger than every boundary: only the +Inf bucket counts it.
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

type gauge struct {
	name, help string
	fn         func() float64
}

// Metrics holds request histograms, case event counters and gauges read on
// each scrape. It implements events.Publisher to count case events.
type Metrics struct {
	mu             sync.RWMutex
	durations      map[string]*histogram // method|route|status
	eventCounts    map[string]int64      // type|priority
	gauges         []gauge
	activeRequests int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		durations:   make(map[string]*histogram),
		eventCounts: make(map[string]int64),
	}
}

// LabelsKey joins request labels into a map key.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

// RegisterGauge adds a gauge whose value is read from fn at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges = append(m.gauges, gauge{name: name, help: help, fn: fn})
}

// ObserveRequest records one request duration.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	key := LabelsKey(method, route, strconv.Itoa(status))

	m.mu.RLock()
	h, ok := m.durations[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if h, ok = m.durations[key]; !ok {
			h = newHistogram(defaultDurationBuckets)
			m.durations[key] = h
		}
		m.mu.Unlock()
	}
	h.Observe(d.Seconds())
}

// RequestCount returns the number of requests recorded for the labels.
func (m *Metrics) RequestCount(method, route string, status int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.durations[LabelsKey(method, route, strconv.Itoa(status))]; ok {
		return h.Count()
	}
	return 0
}

// ActiveRequests returns the number of requests in flight.
func (m *Metrics) ActiveRequests() int64 {
	return atomic.LoadInt64(&m.activeRequests)
}

func (m *Metrics) Publish(_ context.Context, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventCounts[e.Type+"|"+e.Priority]++
	return nil
}

// EventCount returns how many events of the type and priority were seen.
func (m *Metrics) EventCount(eventType, priority string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventCounts[eventType+"|"+priority]
}

// ---------------------------------------------------------------------------
// Middleware and handler
// ---------------------------------------------------------------------------

// Middleware records the duration of every request against its route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.activeRequests, 1)
			defer atomic.AddInt64(&m.activeRequests, -1)

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m.ObserveRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}

// Handler serves the metrics in Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, m.Render())
	}
}

// Render writes every metric in Prometheus text format with sorted labels.
func (m *Metrics) Render() string {
	var b strings.Builder

	m.mu.RLock()
	durations := make(map[string]*histogram, len(m.durations))
	for k, h := range m.durations {
		durations[k] = h
	}
	eventCounts := make(map[string]int64, len(m.eventCounts))
	for k, v := range m.eventCounts {
		eventCounts[k] = v
	}
	gauges := append([]gauge(nil), m.gauges...)
	m.mu.RUnlock()

	const durationName = "http_server_request_duration_seconds"
	fmt.Fprintf(&b, "# HELP %s Duration of HTTP requests in seconds.\n", durationName)
	fmt.Fprintf(&b, "# TYPE %s histogram\n", durationName)
	for _, key := range sortedKeys(durations) {
		parts := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(&b, durationName, labels, durations[key])
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n\n", m.ActiveRequests())

	b.WriteString("# HELP triage_case_events_total Case events by type and priority.\n")
	b.WriteString("# TYPE triage_case_events_total counter\n")
	for _, key := range sortedKeys(eventCounts) {
		parts := strings.SplitN(key, "|", 2)
		fmt.Fprintf(&b, "triage_case_events_total{type=%q,priority=%q} %d\n", parts[0], parts[1], eventCounts[key])
	}
	b.WriteByte('\n')

	for _, g := range gauges {
		fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", g.name)
		fmt.Fprintf(&b, "%s %g\n\n", g.name, g.fn())
	}
	return b.String()
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count())
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.Count())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
