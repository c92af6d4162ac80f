// Package metrics collects replication cycle samples. The engine emits
// one sample per pull cycle; sinks decide whether to log it, keep it in
// memory for the status command, or both.
package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// historySize bounds how many samples MemorySink retains.
const historySize = 50

// TableResult is one table's share of a pull cycle.
type TableResult struct {
	Pulled int
	Full   bool
	Error  string
}

// PullSample describes one completed pull cycle.
type PullSample struct {
	StartedAt time.Time
	Duration  time.Duration
	Records   int
	Errors    int
	Tables    map[string]TableResult
}

// Sink receives pull samples.
type Sink interface {
	ObservePull(sample PullSample)
}

// SlogSink logs each sample as a structured record.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) ObservePull(sample PullSample) {
	s.Logger.Info("pull cycle finished",
		"duration", sample.Duration.Round(time.Millisecond),
		"records", sample.Records,
		"tables", len(sample.Tables),
		"errors", sample.Errors)
}

// MemorySink retains the most recent samples for inspection.
type MemorySink struct {
	mu      sync.Mutex
	samples []PullSample
}

func (m *MemorySink) ObservePull(sample PullSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample)
	if len(m.samples) > historySize {
		m.samples = m.samples[len(m.samples)-historySize:]
	}
}

// Samples returns retained samples, oldest first.
func (m *MemorySink) Samples() []PullSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PullSample, len(m.samples))
	copy(out, m.samples)
	return out
}

// Last returns the most recent sample, if any.
func (m *MemorySink) Last() (PullSample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) == 0 {
		return PullSample{}, false
	}
	return m.samples[len(m.samples)-1], true
}

// MultiSink fans a sample out to several sinks.
type MultiSink []Sink

func (m MultiSink) ObservePull(sample PullSample) {
	for _, sink := range m {
		sink.ObservePull(sample)
	}
}
