// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for dutybot. It outputs text/plain in Prometheus exposition
// format without requiring the heavy prometheus/client_golang dependency.
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// Duty metrics recorded by the session engine.
var (
	SessionsStarted  = Collector.Counter("dutybot_sessions_started_total", "Reminder sessions started")
	RemindersSent    = Collector.Counter("dutybot_reminders_sent_total", "Reminder messages sent")
	Acknowledgements = Collector.Counter("dutybot_acknowledgements_total", "Take confirmations from duty contacts")
	StopOverrides    = Collector.Counter("dutybot_stop_overrides_total", "Sessions force-acknowledged by a stop command")
	WebhookEvents    = Collector.Counter("dutybot_webhook_events_total", "Chat events received via webhook")
	SessionActive    = Collector.Gauge("dutybot_session_active", "1 while a reminder session is running")
)

// MetricsCollector aggregates counters and gauges.
type MetricsCollector struct {
	mu        sync.Mutex
	counters  []*Counter
	gauges    []*Gauge
	startTime time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ctr := range c.counters {
		if ctr.name == name {
			return ctr
		}
	}
	ctr := &Counter{name: name, help: help}
	c.counters = append(c.counters, ctr)
	return ctr
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help string) *Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.gauges {
		if g.name == name {
			return g
		}
	}
	g := &Gauge{name: name, help: help}
	c.gauges = append(c.gauges, g)
	return g
}

// Handler returns an http.HandlerFunc that renders metrics in Prometheus
// text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		fmt.Fprintf(&sb, "# HELP dutybot_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE dutybot_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "dutybot_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

		c.mu.Lock()
		counters := append([]*Counter(nil), c.counters...)
		gauges := append([]*Gauge(nil), c.gauges...)
		c.mu.Unlock()

		for _, ctr := range counters {
			fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
			fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
			fmt.Fprintf(&sb, "%s %d\n", ctr.name, ctr.Value())
		}
		for _, g := range gauges {
			fmt.Fprintf(&sb, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(&sb, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(&sb, "%s %d\n", g.name, g.Value())
		}

		w.Write([]byte(sb.String()))
	}
}
