// Package metrics collects scheduler counters and task duration
// distributions for the API's metrics endpoint.
package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Collector accumulates scheduler metrics. All methods are safe for
// concurrent use.
type Collector struct {
	dispatched int64
	succeeded  int64
	failed     int64
	retried    int64
	orphaned   int64
	cancelled  int64

	// durations tracks task wall time in milliseconds from 1ms to 24h.
	durations *hdrhistogram.Histogram

	mu sync.Mutex
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		durations: hdrhistogram.New(1, int64(24*time.Hour/time.Millisecond), 3),
	}
}

// TaskDispatched records a successful dispatch to an executor.
func (c *Collector) TaskDispatched() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatched++
}

// TaskSucceeded records a successful completion with its duration.
func (c *Collector) TaskSucceeded(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.succeeded++
	c.recordDuration(duration)
}

// TaskFailed records a terminal failure with its duration.
func (c *Collector) TaskFailed(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
	c.recordDuration(duration)
}

// TaskRetried records an attempt that ended in retrying.
func (c *Collector) TaskRetried() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retried++
}

// TaskOrphaned records an instance marked failed-for-retry by orphan
// detection.
func (c *Collector) TaskOrphaned() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orphaned++
}

// TaskCancelled records a cancellation.
func (c *Collector) TaskCancelled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled++
}

func (c *Collector) recordDuration(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	_ = c.durations.RecordValue(ms)
}

// Snapshot is a point-in-time view of collected metrics.
type Snapshot struct {
	Dispatched int64 `json:"dispatched"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Orphaned   int64 `json:"orphaned"`
	Cancelled  int64 `json:"cancelled"`

	DurationP50Ms int64 `json:"duration_p50_ms"`
	DurationP95Ms int64 `json:"duration_p95_ms"`
	DurationP99Ms int64 `json:"duration_p99_ms"`
	DurationMaxMs int64 `json:"duration_max_ms"`
}

// Snapshot returns the current counters and duration percentiles.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Dispatched: c.dispatched,
		Succeeded:  c.succeeded,
		Failed:     c.failed,
		Retried:    c.retried,
		Orphaned:   c.orphaned,
		Cancelled:  c.cancelled,
	}
	if c.durations.TotalCount() > 0 {
		s.DurationP50Ms = c.durations.ValueAtQuantile(50)
		s.DurationP95Ms = c.durations.ValueAtQuantile(95)
		s.DurationP99Ms = c.durations.ValueAtQuantile(99)
		s.DurationMaxMs = c.durations.Max()
	}
	return s
}
