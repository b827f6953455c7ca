// Package telemetry collects in-process query metrics. No transport:
// numbers are surfaced through the index_stats tool and logs only.
package telemetry

import (
	"sync"
	"time"
)

// QueryEvent describes one completed query.
type QueryEvent struct {
	Kind        string
	Strategy    string
	ResultCount int
	Latency     time.Duration
	CacheHit    bool
}

// Stats is a point-in-time summary of recorded queries.
type Stats struct {
	Queries      int64
	CacheHits    int64
	ZeroResults  int64
	Fallbacks    int64
	AvgLatencyMs float64
	MaxLatencyMs int64
}

// Metrics accumulates query events.
type Metrics struct {
	mu          sync.Mutex
	queries     int64
	cacheHits   int64
	zeroResults int64
	fallbacks   int64
	totalNanos  int64
	maxNanos    int64
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Record accumulates one event. Nil receivers are a no-op so callers can
// leave metrics unconfigured.
func (m *Metrics) Record(ev QueryEvent) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queries++
	if ev.CacheHit {
		m.cacheHits++
	}
	if ev.ResultCount == 0 {
		m.zeroResults++
	}
	if ev.Strategy == "lexical_fallback" {
		m.fallbacks++
	}
	nanos := ev.Latency.Nanoseconds()
	m.totalNanos += nanos
	if nanos > m.maxNanos {
		m.maxNanos = nanos
	}
}

// Snapshot returns the current summary.
func (m *Metrics) Snapshot() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Queries:      m.queries,
		CacheHits:    m.cacheHits,
		ZeroResults:  m.zeroResults,
		Fallbacks:    m.fallbacks,
		MaxLatencyMs: m.maxNanos / int64(time.Millisecond),
	}
	if m.queries > 0 {
		stats.AvgLatencyMs = float64(m.totalNanos) / float64(m.queries) / float64(time.Millisecond)
	}
	return stats
}
