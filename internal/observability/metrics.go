package observability

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
)

// Metrics holds the performance and activity metrics of the orchestrator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Ledger metrics
	ledgerAppendDuration *Histogram
	ledgerAppends        *CounterVec // by action type
	ledgerAppendFailures *Counter
	ledgerVerifyDuration *Histogram
	ledgerVerifyFailures *Counter

	// Checkpoint metrics
	checkpointSaveDuration *Histogram
	checkpointLoadDuration *Histogram
	checkpointCorruptions  *Counter

	// Orchestrator metrics
	yields        *CounterVec // by capability
	resumes       *CounterVec // by outcome kind
	planOutcomes  *CounterVec // by terminal status
	stepRetries   *Counter
	pausedPlans   *Gauge
	driveDuration *HistogramVec // by entry point
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		ledgerAppendDuration: NewHistogram(),
		ledgerAppends:        NewCounterVec(),
		ledgerAppendFailures: &Counter{},
		ledgerVerifyDuration: NewHistogram(),
		ledgerVerifyFailures: &Counter{},

		checkpointSaveDuration: NewHistogram(),
		checkpointLoadDuration: NewHistogram(),
		checkpointCorruptions:  &Counter{},

		yields:        NewCounterVec(),
		resumes:       NewCounterVec(),
		planOutcomes:  NewCounterVec(),
		stepRetries:   &Counter{},
		pausedPlans:   &Gauge{},
		driveDuration: NewHistogramVec(),
	}
}

// Returned by accessors on a nil *Metrics.
var (
	discardHistogram    = NewHistogram()
	discardHistogramVec = NewHistogramVec()
	discardCounter      = &Counter{}
	discardCounterVec   = NewCounterVec()
	discardGauge        = &Gauge{}
)

// Ledger metrics accessors
func (m *Metrics) LedgerAppendDuration() *Histogram {
	if m == nil {
		return discardHistogram
	}
	return m.ledgerAppendDuration
}

func (m *Metrics) LedgerAppends() *CounterVec {
	if m == nil {
		return discardCounterVec
	}
	return m.ledgerAppends
}

func (m *Metrics) LedgerAppendFailures() *Counter {
	if m == nil {
		return discardCounter
	}
	return m.ledgerAppendFailures
}

func (m *Metrics) LedgerVerifyDuration() *Histogram {
	if m == nil {
		return discardHistogram
	}
	return m.ledgerVerifyDuration
}

func (m *Metrics) LedgerVerifyFailures() *Counter {
	if m == nil {
		return discardCounter
	}
	return m.ledgerVerifyFailures
}

// Checkpoint metrics accessors
func (m *Metrics) CheckpointSaveDuration() *Histogram {
	if m == nil {
		return discardHistogram
	}
	return m.checkpointSaveDuration
}

func (m *Metrics) CheckpointLoadDuration() *Histogram {
	if m == nil {
		return discardHistogram
	}
	return m.checkpointLoadDuration
}

func (m *Metrics) CheckpointCorruptions() *Counter {
	if m == nil {
		return discardCounter
	}
	return m.checkpointCorruptions
}

// Orchestrator metrics accessors
func (m *Metrics) Yields() *CounterVec {
	if m == nil {
		return discardCounterVec
	}
	return m.yields
}

func (m *Metrics) Resumes() *CounterVec {
	if m == nil {
		return discardCounterVec
	}
	return m.resumes
}

func (m *Metrics) PlanOutcomes() *CounterVec {
	if m == nil {
		return discardCounterVec
	}
	return m.planOutcomes
}

func (m *Metrics) StepRetries() *Counter {
	if m == nil {
		return discardCounter
	}
	return m.stepRetries
}

func (m *Metrics) PausedPlans() *Gauge {
	if m == nil {
		return discardGauge
	}
	return m.pausedPlans
}

func (m *Metrics) DriveDuration() *HistogramVec {
	if m == nil {
		return discardHistogramVec
	}
	return m.driveDuration
}

// Snapshot returns a snapshot of all metrics for reporting.
func (m *Metrics) Snapshot() *MetricsSnapshot {
	return &MetricsSnapshot{
		LedgerAppendDuration: m.LedgerAppendDuration().Snapshot(),
		LedgerAppends:        m.LedgerAppends().Snapshot(),
		LedgerAppendFailures: m.LedgerAppendFailures().Get(),
		LedgerVerifyDuration: m.LedgerVerifyDuration().Snapshot(),
		LedgerVerifyFailures: m.LedgerVerifyFailures().Get(),

		CheckpointSaveDuration: m.CheckpointSaveDuration().Snapshot(),
		CheckpointLoadDuration: m.CheckpointLoadDuration().Snapshot(),
		CheckpointCorruptions:  m.CheckpointCorruptions().Get(),

		Yields:        m.Yields().Snapshot(),
		Resumes:       m.Resumes().Snapshot(),
		PlanOutcomes:  m.PlanOutcomes().Snapshot(),
		StepRetries:   m.StepRetries().Get(),
		PausedPlans:   m.PausedPlans().Get(),
		DriveDuration: m.DriveDuration().Snapshot(),
	}
}

// MetricsSnapshot holds a point-in-time snapshot of all metrics.
type MetricsSnapshot struct {
	// Ledger metrics
	LedgerAppendDuration HistogramSnapshot `json:"ledger_append_duration"`
	LedgerAppends        map[string]int64  `json:"ledger_appends"`
	LedgerAppendFailures int64             `json:"ledger_append_failures"`
	LedgerVerifyDuration HistogramSnapshot `json:"ledger_verify_duration"`
	LedgerVerifyFailures int64             `json:"ledger_verify_failures"`

	// Checkpoint metrics
	CheckpointSaveDuration HistogramSnapshot `json:"checkpoint_save_duration"`
	CheckpointLoadDuration HistogramSnapshot `json:"checkpoint_load_duration"`
	CheckpointCorruptions  int64             `json:"checkpoint_corruptions"`

	// Orchestrator metrics
	Yields        map[string]int64             `json:"yields"`
	Resumes       map[string]int64             `json:"resumes"`
	PlanOutcomes  map[string]int64             `json:"plan_outcomes"`
	StepRetries   int64                        `json:"step_retries"`
	PausedPlans   int64                        `json:"paused_plans"`
	DriveDuration map[string]HistogramSnapshot `json:"drive_duration"`
}

// ServeHTTP implements http.Handler for metrics exposition.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	// Support both JSON and text format
	format := r.URL.Query().Get("format")
	if format == "json" || r.Header.Get("Accept") == "application/json" {
		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.Encode(snapshot)
		return
	}

	// Default: human-readable text format
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "# Orchestrator Metrics\n\n")

	fmt.Fprintf(w, "## Causal Chain\n\n")
	writeHistogramSummary(w, "Append Duration", snapshot.LedgerAppendDuration)
	writeHistogramSummary(w, "Verify Duration", snapshot.LedgerVerifyDuration)
	fmt.Fprintf(w, "Append Failures: %d\n", snapshot.LedgerAppendFailures)
	fmt.Fprintf(w, "Verify Failures: %d\n\n", snapshot.LedgerVerifyFailures)
	writeCounters(w, "Appends by action type", snapshot.LedgerAppends)

	fmt.Fprintf(w, "## Checkpoints\n\n")
	writeHistogramSummary(w, "Save Duration", snapshot.CheckpointSaveDuration)
	writeHistogramSummary(w, "Load Duration", snapshot.CheckpointLoadDuration)
	fmt.Fprintf(w, "Corruptions: %d\n\n", snapshot.CheckpointCorruptions)

	fmt.Fprintf(w, "## Orchestrator\n\n")
	fmt.Fprintf(w, "Paused Plans: %d\n", snapshot.PausedPlans)
	fmt.Fprintf(w, "Step Retries: %d\n\n", snapshot.StepRetries)
	writeCounters(w, "Yields by capability", snapshot.Yields)
	writeCounters(w, "Resumes by outcome", snapshot.Resumes)
	writeCounters(w, "Plan outcomes", snapshot.PlanOutcomes)

	if len(snapshot.DriveDuration) > 0 {
		fmt.Fprintf(w, "Drive Duration by entry point:\n")
		for _, label := range sortedKeys(snapshot.DriveDuration) {
			fmt.Fprintf(w, "  %s:\n", label)
			writeHistogramSummaryIndented(w, snapshot.DriveDuration[label])
		}
	}
}

func writeCounters(w http.ResponseWriter, name string, counters map[string]int64) {
	if len(counters) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", name)
	for _, label := range sortedKeys(counters) {
		fmt.Fprintf(w, "  %s: %d\n", label, counters[label])
	}
	fmt.Fprintf(w, "\n")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeHistogramSummary(w http.ResponseWriter, name string, h HistogramSnapshot) {
	if h.Count == 0 {
		fmt.Fprintf(w, "%s: no data\n", name)
		return
	}
	fmt.Fprintf(w, "%s (n=%d):\n", name, h.Count)
	fmt.Fprintf(w, "  Mean: %v, P50: %v, P95: %v, P99: %v, Max: %v\n",
		h.Mean, h.P50, h.P95, h.P99, h.Max)
}

func writeHistogramSummaryIndented(w http.ResponseWriter, h HistogramSnapshot) {
	if h.Count == 0 {
		fmt.Fprintf(w, "    no data\n")
		return
	}
	fmt.Fprintf(w, "    Count: %d, Mean: %v, P50: %v, P95: %v, P99: %v, Max: %v\n",
		h.Count, h.Mean, h.P50, h.P95, h.P99, h.Max)
}
