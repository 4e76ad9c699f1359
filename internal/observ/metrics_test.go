package observ

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndLabels(t *testing.T) {
	IncCounter("test_events_total", map[string]string{"kind": "a"})
	IncCounter("test_events_total", map[string]string{"kind": "a"})
	IncCounter("test_events_total", map[string]string{"kind": "b"})
	IncCounterBy("test_events_total", map[string]string{"kind": "c"}, 5)

	assert.EqualValues(t, 2, GetCounter("test_events_total", map[string]string{"kind": "a"}))
	assert.EqualValues(t, 1, GetCounter("test_events_total", map[string]string{"kind": "b"}))
	assert.EqualValues(t, 5, GetCounter("test_events_total", map[string]string{"kind": "c"}))
	assert.Zero(t, GetCounter("test_events_total", map[string]string{"kind": "missing"}))
}

func TestHandlerDumpsRegistry(t *testing.T) {
	IncCounter("test_dump_total", nil)
	SetGauge("test_dump_gauge", 4.5, nil)
	Observe("test_dump_hist", 1.0, nil)
	RecordDuration("test_dump", 250*time.Millisecond, nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	var dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dump))
	assert.NotEmpty(t, dump.Counters["test_dump_total"])
	assert.Contains(t, dump.Gauges, "test_dump_gauge")
	assert.Contains(t, dump.Hist, "test_dump_ms")
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, 200, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestLoggingBeforeInitIsSafe(t *testing.T) {
	Log("noop_event", map[string]any{"k": 1})
	Warn("noop_warn", nil)
	Error("noop_error", nil, nil)

	require.NoError(t, Init("debug", false))
	Log("after_init", nil)
}
