package observability

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHistogramSnapshot(t *testing.T) {
	h := NewHistogram()
	for i := 1; i <= 100; i++ {
		h.Observe(time.Duration(i) * time.Millisecond)
	}
	s := h.Snapshot()
	if s.Count != 100 {
		t.Fatalf("Count = %d", s.Count)
	}
	if s.Max != 100*time.Millisecond {
		t.Errorf("Max = %v", s.Max)
	}
	if s.P50 < 50*time.Millisecond || s.P50 > 51*time.Millisecond {
		t.Errorf("P50 = %v", s.P50)
	}
}

func TestHistogramBounded(t *testing.T) {
	h := NewHistogram()
	for i := 0; i < maxSamples+10; i++ {
		h.Observe(time.Millisecond)
	}
	if got := h.Snapshot().Count; got != maxSamples+10 {
		t.Errorf("Count = %d", got)
	}
	if len(h.values) != maxSamples {
		t.Errorf("retained %d samples", len(h.values))
	}
}

func TestCounterVec(t *testing.T) {
	cv := NewCounterVec()
	cv.WithLabels("a").Inc()
	cv.WithLabels("a").Add(2)
	cv.WithLabels("b").Inc()
	snap := cv.Snapshot()
	if snap["a"] != 3 || snap["b"] != 1 {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestNilMetricsDiscard(t *testing.T) {
	var m *Metrics
	m.Yields().WithLabels("x").Inc()
	m.LedgerAppendDuration().Observe(time.Millisecond)
	if m.Snapshot() == nil {
		t.Fatal("nil snapshot")
	}
}

func TestServeHTTP(t *testing.T) {
	m := NewMetrics()
	m.LedgerAppends().WithLabels("PlanStarted").Inc()
	m.Yields().WithLabels("http.fetch").Inc()

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "http.fetch: 1") {
		t.Errorf("text output missing yield counter:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics?format=json", nil))
	var snap MetricsSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.LedgerAppends["PlanStarted"] != 1 {
		t.Errorf("json snapshot = %+v", snap)
	}
}
