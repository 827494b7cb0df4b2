// Package telemetry is the in-process bounded metrics store that sits
// underneath the Prometheus scrape surface in internal/metrics. Where that
// package exports a fixed set of gauges/counters for operators, this one
// lets any component record ad hoc named series, counters, gauges, and
// histograms at runtime without ever growing without bound — the caps below
// are a hard memory-leak defense, not a tuning knob.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Bounded-growth caps. Each structure evicts its oldest entry (by insertion
// order, FIFO) once a new key would push it past its cap.
const (
	MaxSeries          = 1000
	MaxCounters        = 10000
	MaxGauges          = 5000
	MaxHistograms      = 1000
	MaxHistogramValues = 1000
	seriesCapacity     = 1000
)

// Sample is one recorded value in a Series.
type Sample struct {
	Value     float64
	Timestamp time.Time
}

// Series is a fixed-capacity ring of samples for one named metric. Pushing
// past capacity silently overwrites the oldest sample rather than growing.
type Series struct {
	buf  [seriesCapacity]Sample
	head int
	size int
}

func (s *Series) push(v Sample) {
	s.buf[s.head] = v
	s.head = (s.head + 1) % seriesCapacity
	if s.size < seriesCapacity {
		s.size++
	}
}

// Len reports how many samples the series currently holds, bounded at
// seriesCapacity.
func (s *Series) Len() int { return s.size }

// Recent returns every sample at or after cutoff, oldest first.
func (s *Series) Recent(cutoff time.Time) []Sample {
	out := make([]Sample, 0, s.size)
	for i := 0; i < s.size; i++ {
		idx := (s.head - s.size + i + seriesCapacity) % seriesCapacity
		if s.buf[idx].Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, s.buf[idx])
	}
	return out
}

// Store is the central bounded metrics collector: a named series of values,
// a set of monotonic counters, a set of last-write-wins gauges, and a set of
// bounded histograms, each capped and FIFO-evicted independently. A Store is
// safe for concurrent use.
type Store struct {
	mu sync.Mutex

	seriesOrder []string
	series      map[string]*Series

	counterOrder []string
	counters     map[string]float64

	gaugeOrder []string
	gauges     map[string]float64

	histogramOrder []string
	histograms     map[string][]float64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		series:     make(map[string]*Series),
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// tagKey builds a deterministic, tag-order-independent key for a named
// metric carrying tags, so two calls with the same name and the same tags
// (regardless of map iteration order) address the same series/counter.
func tagKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteString(":{")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Record appends value to the named series, creating it (evicting the
// oldest series first if the store is already at MaxSeries) if this is the
// first sample for name.
func (st *Store) Record(name string, value float64, tags map[string]string) {
	key := tagKey(name, tags)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.series[key]; !ok {
		if len(st.seriesOrder) >= MaxSeries {
			oldest := st.seriesOrder[0]
			st.seriesOrder = st.seriesOrder[1:]
			delete(st.series, oldest)
		}
		st.series[key] = &Series{}
		st.seriesOrder = append(st.seriesOrder, key)
	}
	st.series[key].push(Sample{Value: value, Timestamp: time.Now()})
}

// IncrementCounter adds delta to the named counter, creating it at zero
// (evicting the oldest counter first if at MaxCounters) on first use.
func (st *Store) IncrementCounter(name string, delta float64, tags map[string]string) {
	key := tagKey(name, tags)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.counters[key]; !ok {
		if len(st.counterOrder) >= MaxCounters {
			oldest := st.counterOrder[0]
			st.counterOrder = st.counterOrder[1:]
			delete(st.counters, oldest)
		}
		st.counterOrder = append(st.counterOrder, key)
	}
	st.counters[key] += delta
}

// SetGauge overwrites the named gauge's current value (evicting the oldest
// gauge first if this is a new key and the store is at MaxGauges).
func (st *Store) SetGauge(name string, value float64, tags map[string]string) {
	key := tagKey(name, tags)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.gauges[key]; !ok {
		if len(st.gaugeOrder) >= MaxGauges {
			oldest := st.gaugeOrder[0]
			st.gaugeOrder = st.gaugeOrder[1:]
			delete(st.gauges, oldest)
		}
		st.gaugeOrder = append(st.gaugeOrder, key)
	}
	st.gauges[key] = value
}

// RecordHistogram appends value to the named histogram (evicting the oldest
// histogram first if this is a new key and the store is at MaxHistograms),
// keeping only the most recent MaxHistogramValues entries per histogram.
func (st *Store) RecordHistogram(name string, value float64, tags map[string]string) {
	key := tagKey(name, tags)
	st.mu.Lock()
	defer st.mu.Unlock()

	values, ok := st.histograms[key]
	if !ok {
		if len(st.histogramOrder) >= MaxHistograms {
			oldest := st.histogramOrder[0]
			st.histogramOrder = st.histogramOrder[1:]
			delete(st.histograms, oldest)
		}
		st.histogramOrder = append(st.histogramOrder, key)
	}
	values = append(values, value)
	if len(values) > MaxHistogramValues {
		values = values[len(values)-MaxHistogramValues:]
	}
	st.histograms[key] = values
}

// Counter returns the current value of the named counter and whether it has
// been recorded at all.
func (st *Store) Counter(name string, tags map[string]string) (float64, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	v, ok := st.counters[tagKey(name, tags)]
	return v, ok
}

// Gauge returns the current value of the named gauge and whether it has
// been set at all.
func (st *Store) Gauge(name string, tags map[string]string) (float64, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	v, ok := st.gauges[tagKey(name, tags)]
	return v, ok
}

// HistogramLen reports how many values the named histogram currently holds,
// bounded at MaxHistogramValues.
func (st *Store) HistogramLen(name string, tags map[string]string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.histograms[tagKey(name, tags)])
}

// SeriesLen reports how many samples the named series currently holds,
// bounded at seriesCapacity.
func (st *Store) SeriesLen(name string, tags map[string]string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.series[tagKey(name, tags)]
	if !ok {
		return 0
	}
	return s.Len()
}

// Counts is a point-in-time snapshot of how many distinct keys each bounded
// structure currently holds, used to assert the eviction caps hold.
type Counts struct {
	Series     int
	Counters   int
	Gauges     int
	Histograms int
}

// Counts returns the current occupancy of every bounded structure.
func (st *Store) Counts() Counts {
	st.mu.Lock()
	defer st.mu.Unlock()
	return Counts{
		Series:     len(st.series),
		Counters:   len(st.counters),
		Gauges:     len(st.gauges),
		Histograms: len(st.histograms),
	}
}
