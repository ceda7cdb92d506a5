// Package metrics is a small in-process collector exposed over the API's
// metrics endpoint.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector names used across the service.
const (
	EntriesProcessed   = "entries_processed"
	EntriesFailed      = "entries_failed"
	EntitiesCreated    = "entities_created"
	FuzzyMerges        = "fuzzy_merges"
	SettlementsMatched = "settlements_matched"
	PaymentsAbandoned  = "payments_abandoned"
	ReplayJobs         = "replay_jobs"
	ProcessEntryTimer  = "process_entry_ms"
)

type timer struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

// TimerSnapshot is the exported view of one timer.
type TimerSnapshot struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// Snapshot is a point-in-time view of the whole collector.
type Snapshot struct {
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Counters      map[string]int64         `json:"counters"`
	Timers        map[string]TimerSnapshot `json:"timers"`
	Health        map[string]bool          `json:"health"`
}

// Metrics is the main metrics collector.
type Metrics struct {
	mu        sync.RWMutex
	counters  map[string]*int64
	timers    map[string]*timer
	health    map[string]*int64
	startTime time.Time
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]*int64),
		timers:    make(map[string]*timer),
		health:    make(map[string]*int64),
		startTime: time.Now(),
	}
}

// IncrementCounter increments a counter by 1.
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value.
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Check again to avoid race conditions
		if counter, exists = m.counters[name]; !exists {
			var c int64
			counter = &c
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(counter, value)
}

// RecordTimer records a timing measurement.
func (m *Metrics) RecordTimer(name string, durationMs int64) {
	m.mu.RLock()
	t, exists := m.timers[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if t, exists = m.timers[name]; !exists {
			t = &timer{minTimeMs: 9223372036854775807}
			m.timers[name] = t
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.totalTimeMs, durationMs)

	for {
		currentMin := atomic.LoadInt64(&t.minTimeMs)
		if durationMs >= currentMin {
			break
		}
		if atomic.CompareAndSwapInt64(&t.minTimeMs, currentMin, durationMs) {
			break
		}
	}
	for {
		currentMax := atomic.LoadInt64(&t.maxTimeMs)
		if durationMs <= currentMax {
			break
		}
		if atomic.CompareAndSwapInt64(&t.maxTimeMs, currentMax, durationMs) {
			break
		}
	}
}

// Time runs fn and records its duration under name.
func (m *Metrics) Time(name string, fn func()) {
	start := time.Now()
	fn()
	m.RecordTimer(name, time.Since(start).Milliseconds())
}

// SetHealth sets the health status of a component.
func (m *Metrics) SetHealth(component string, isHealthy bool) {
	var value int64
	if isHealthy {
		value = 1
	}

	m.mu.RLock()
	h, exists := m.health[component]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if h, exists = m.health[component]; !exists {
			var v int64
			h = &v
			m.health[component] = h
		}
		m.mu.Unlock()
	}

	atomic.StoreInt64(h, value)
}

// GetSnapshot returns a consistent view of every metric.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		Counters:      make(map[string]int64, len(m.counters)),
		Timers:        make(map[string]TimerSnapshot, len(m.timers)),
		Health:        make(map[string]bool, len(m.health)),
	}
	for name, c := range m.counters {
		snap.Counters[name] = atomic.LoadInt64(c)
	}
	for name, t := range m.timers {
		ts := TimerSnapshot{
			Count:       atomic.LoadInt64(&t.count),
			TotalTimeMs: atomic.LoadInt64(&t.totalTimeMs),
			MinTimeMs:   atomic.LoadInt64(&t.minTimeMs),
			MaxTimeMs:   atomic.LoadInt64(&t.maxTimeMs),
		}
		if ts.Count > 0 {
			ts.AverageTimeMs = float64(ts.TotalTimeMs) / float64(ts.Count)
		} else {
			ts.MinTimeMs = 0
		}
		snap.Timers[name] = ts
	}
	for name, h := range m.health {
		snap.Health[name] = atomic.LoadInt64(h) == 1
	}
	return snap
}
