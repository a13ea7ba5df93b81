package observability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// maxSamples bounds the memory held by a histogram. Older samples are
// overwritten once the ring is full.
const maxSamples = 4096

// Histogram tracks the distribution of duration measurements.
// Thread-safe for concurrent observations.
type Histogram struct {
	mu     sync.RWMutex
	values []float64 // Microseconds
	next   int
	total  int64
}

// NewHistogram creates a new histogram.
func NewHistogram() *Histogram {
	return &Histogram{values: make([]float64, 0, 256)}
}

// Observe records a duration measurement.
func (h *Histogram) Observe(d time.Duration) {
	micros := float64(d.Microseconds())
	h.mu.Lock()
	if len(h.values) < maxSamples {
		h.values = append(h.values, micros)
	} else {
		h.values[h.next] = micros
		h.next = (h.next + 1) % maxSamples
	}
	h.total++
	h.mu.Unlock()
}

// Since records the time elapsed since start.
func (h *Histogram) Since(start time.Time) {
	h.Observe(time.Since(start))
}

// Snapshot returns a point-in-time snapshot with percentiles calculated
// over the retained samples.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.RLock()
	sorted := append([]float64(nil), h.values...)
	total := h.total
	h.mu.RUnlock()

	if len(sorted) == 0 {
		return HistogramSnapshot{}
	}
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	us := func(v float64) time.Duration { return time.Duration(v) * time.Microsecond }

	return HistogramSnapshot{
		Count: total,
		Mean:  us(sum / float64(len(sorted))),
		P50:   us(percentile(sorted, 0.50)),
		P95:   us(percentile(sorted, 0.95)),
		P99:   us(percentile(sorted, 0.99)),
		Max:   us(sorted[len(sorted)-1]),
	}
}

// HistogramSnapshot holds calculated statistics for a histogram.
type HistogramSnapshot struct {
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// percentile calculates the p-th percentile from sorted values using
// linear interpolation.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Counter is a monotonically increasing counter.
type Counter struct {
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds the given value to the counter.
func (c *Counter) Add(delta int64) { c.value.Add(delta) }

// Get returns the current value.
func (c *Counter) Get() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc()        { g.value.Add(1) }
func (g *Gauge) Dec()        { g.value.Add(-1) }
func (g *Gauge) Get() int64  { return g.value.Load() }

// vec is a lazily populated, label-keyed family of metrics.
type vec[T any] struct {
	mu      sync.RWMutex
	members map[string]*T
	create  func() *T
}

func (v *vec[T]) with(label string) *T {
	v.mu.RLock()
	m, ok := v.members[label]
	v.mu.RUnlock()
	if ok {
		return m
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if m, ok := v.members[label]; ok {
		return m
	}
	m = v.create()
	v.members[label] = m
	return m
}

func snapshotVec[T, S any](v *vec[T], snap func(*T) S) map[string]S {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]S, len(v.members))
	for label, m := range v.members {
		out[label] = snap(m)
	}
	return out
}

// HistogramVec is a collection of histograms with labels.
type HistogramVec struct{ v vec[Histogram] }

// NewHistogramVec creates a new histogram vector.
func NewHistogramVec() *HistogramVec {
	return &HistogramVec{v: vec[Histogram]{members: make(map[string]*Histogram), create: NewHistogram}}
}

// WithLabels returns the histogram for the given label string.
func (hv *HistogramVec) WithLabels(labels string) *Histogram { return hv.v.with(labels) }

// Snapshot returns snapshots of all histograms.
func (hv *HistogramVec) Snapshot() map[string]HistogramSnapshot {
	return snapshotVec(&hv.v, (*Histogram).Snapshot)
}

// CounterVec is a collection of counters with labels.
type CounterVec struct{ v vec[Counter] }

// NewCounterVec creates a new counter vector.
func NewCounterVec() *CounterVec {
	return &CounterVec{v: vec[Counter]{members: make(map[string]*Counter), create: func() *Counter { return &Counter{} }}}
}

// WithLabels returns the counter for the given label string.
func (cv *CounterVec) WithLabels(labels string) *Counter { return cv.v.with(labels) }

// Snapshot returns the current values of all counters.
func (cv *CounterVec) Snapshot() map[string]int64 {
	return snapshotVec(&cv.v, (*Counter).Get)
}
