package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censys/brt-gps-collector/pkg/pipeline"
	"github.com/censys/brt-gps-collector/pkg/storage/memory"
)

type stubTicks struct {
	report pipeline.Report
	ok     bool
}

func (s stubTicks) Last() (pipeline.Report, bool) { return s.report, s.ok }

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func serve(t *testing.T, store Pinger, ticks LastReporter, path string) *httptest.ResponseRecorder {
	t.Helper()
	e := NewRouter(store, ticks, time.Minute)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestLiveness(t *testing.T) {
	rec := serve(t, memory.New(), stubTicks{}, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadiness(t *testing.T) {
	recent := pipeline.Report{ID: "t1", State: pipeline.StateDone, FinishedAt: time.Now()}
	stale := pipeline.Report{ID: "t0", State: pipeline.StateDone, FinishedAt: time.Now().Add(-time.Hour)}

	tests := []struct {
		name       string
		store      Pinger
		ticks      stubTicks
		wantCode   int
		wantStatus string
	}{
		{"no tick yet", memory.New(), stubTicks{}, http.StatusOK, "ok"},
		{"recent tick", memory.New(), stubTicks{report: recent, ok: true}, http.StatusOK, "ok"},
		{"store down", downPinger{}, stubTicks{report: recent, ok: true}, http.StatusServiceUnavailable, "degraded"},
		{"stalled scheduler", memory.New(), stubTicks{report: stale, ok: true}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, tt.store, tt.ticks, "/health/ready")
			assert.Equal(t, tt.wantCode, rec.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body["status"])
			assert.Contains(t, body["dependencies"], "postgres")
		})
	}
}

func TestLastTick(t *testing.T) {
	rec := serve(t, memory.New(), stubTicks{}, "/ticks/last")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	report := pipeline.Report{
		ID:         "abc",
		State:      pipeline.StateDone,
		StartedAt:  time.Date(2024, 5, 1, 12, 34, 0, 0, time.UTC),
		FinishedAt: time.Date(2024, 5, 1, 12, 34, 2, 0, time.UTC),
		Fetched:    3,
		Staged:     3,
	}
	rec = serve(t, memory.New(), stubTicks{report: report, ok: true}, "/ticks/last")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "abc", body["id"])
	assert.Equal(t, "success", body["status"])
	assert.EqualValues(t, 3, body["staged"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := serve(t, memory.New(), stubTicks{}, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
