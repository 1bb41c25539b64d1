package monitor

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Counter names emitted by the transport core.
const (
	CounterMessageSent    = "message_sent"
	CounterMessageDropped = "message_dropped"
	CounterMessageError   = "message_error"
	CounterTaskTimeout    = "task_timeout"
)

// MetricsCollector is the sink the core emits counters and timings to.
// The core only needs "increment counter with labels" and "record a
// duration"; exporters (Prometheus, etc.) can wrap this interface.
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string)
	RecordProcessingTime(name string, duration time.Duration)
}

// NopCollector discards all metrics.
type NopCollector struct{}

// IncrementCounter implements MetricsCollector.
func (NopCollector) IncrementCounter(string, map[string]string) {}

// RecordProcessingTime implements MetricsCollector.
func (NopCollector) RecordProcessingTime(string, time.Duration) {}

// TimeStats tracks timing statistics for one metric.
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
}

// AvgMs returns the mean duration in milliseconds.
func (s TimeStats) AvgMs() int64 {
	if s.Count == 0 {
		return 0
	}
	return s.TotalMs / s.Count
}

// SimpleMetricsCollector is a basic in-memory metrics collector.
type SimpleMetricsCollector struct {
	mu       sync.RWMutex
	counters map[string]int64
	timings  map[string]*TimeStats
}

// NewSimpleMetricsCollector creates a new in-memory metrics collector.
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	return &SimpleMetricsCollector{
		counters: make(map[string]int64),
		timings:  make(map[string]*TimeStats),
	}
}

// IncrementCounter implements MetricsCollector.
func (c *SimpleMetricsCollector) IncrementCounter(name string, labels map[string]string) {
	key := counterKey(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
}

// RecordProcessingTime implements MetricsCollector.
func (c *SimpleMetricsCollector) RecordProcessingTime(name string, duration time.Duration) {
	ms := duration.Milliseconds()
	c.mu.Lock()
	defer c.mu.Unlock()
	stats, ok := c.timings[name]
	if !ok {
		stats = &TimeStats{MinMs: ms, MaxMs: ms}
		c.timings[name] = stats
	}
	stats.Count++
	stats.TotalMs += ms
	if ms < stats.MinMs {
		stats.MinMs = ms
	}
	if ms > stats.MaxMs {
		stats.MaxMs = ms
	}
}

// Counter returns the current value of a counter with the given labels.
func (c *SimpleMetricsCollector) Counter(name string, labels map[string]string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[counterKey(name, labels)]
}

// Summary is a point-in-time snapshot of all collected metrics.
type Summary struct {
	Counters map[string]int64
	Timings  map[string]TimeStats
}

// GetSummary returns a snapshot of all collected metrics.
func (c *SimpleMetricsCollector) GetSummary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Summary{
		Counters: make(map[string]int64, len(c.counters)),
		Timings:  make(map[string]TimeStats, len(c.timings)),
	}
	for k, v := range c.counters {
		s.Counters[k] = v
	}
	for k, v := range c.timings {
		s.Timings[k] = *v
	}
	return s
}

// counterKey flattens name+labels into a stable map key, labels sorted
// so the same label set always produces the same key.
func counterKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('{')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte('}')
	}
	return b.String()
}
