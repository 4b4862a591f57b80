// Package metrics exposes a capability interface for recording and
// querying engine events: any type satisfying Collector can receive the
// engine's Record calls.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Metric is one recorded event: a name (file_queued, tx_completed,
// tx_failed, retry_exhausted, consistency_mismatch, and so on), a
// free-form value, and when it happened.
type Metric struct {
	Name      string
	Value     string
	Timestamp time.Time
}

// Collector is the capability every metrics sink implements. Record must
// not block the caller on I/O for long; a durable sink should buffer or
// write asynchronously internally.
type Collector interface {
	Record(name, value string)
	Collect() []Metric
}

// Memory is an in-process Collector, useful for tests and for a daemon
// that only wants an in-memory snapshot for `syncd status`.
type Memory struct {
	mu      sync.Mutex
	entries []Metric
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Metric{Name: name, Value: value, Timestamp: time.Now()})
}

func (m *Memory) Collect() []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metric, len(m.entries))
	copy(out, m.entries)
	return out
}

// CountByName tallies how many recorded metrics share each name, useful
// for a quick `syncd status` summary line.
func (m *Memory) CountByName() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int)
	for _, e := range m.entries {
		counts[e.Name]++
	}
	return counts
}

// Multi fans Record out to every wrapped Collector and Collect merges the
// metrics of all of them, sorted by timestamp, letting the engine write to both a Memory snapshot and a
// durable SQLiteCollector without knowing about either concretely.
type Multi struct {
	collectors []Collector
}

func NewMulti(collectors ...Collector) *Multi {
	return &Multi{collectors: collectors}
}

func (m *Multi) Record(name, value string) {
	for _, c := range m.collectors {
		c.Record(name, value)
	}
}

func (m *Multi) Collect() []Metric {
	var out []Metric
	for _, c := range m.collectors {
		out = append(out, c.Collect()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
