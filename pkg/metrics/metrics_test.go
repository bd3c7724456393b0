package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.RecordExecution("passed")
	m.RecordExecution("passed")
	m.RecordExecution("failed")
	m.RecordAttachment("video")
	m.RecordPruned(ReasonAge, 5)
	m.RecordPruned(ReasonCount, 0)
	m.RecordRunsPruned(2)
	m.RecordBlobDeleteFailures(3)
	m.ObserveSweep(time.Second, nil)
	m.ObserveSweep(time.Second, errors.New("boom"))
	m.RecordRequest(http.MethodGet, http.StatusOK)

	assert.InDelta(t, 2, testutil.ToFloat64(m.executionsRecorded.WithLabelValues("passed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.executionsRecorded.WithLabelValues("failed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.attachmentsStored.WithLabelValues("video")), 0)
	assert.InDelta(t, 5, testutil.ToFloat64(m.executionsPruned.WithLabelValues(ReasonAge)), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.executionsPruned.WithLabelValues(ReasonCount)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.runsPruned), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.blobDeleteFailures), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "200")), 0)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordExecution("passed")
		m.RecordAttachment("video")
		m.RecordPruned(ReasonAge, 1)
		m.RecordRunsPruned(1)
		m.RecordBlobDeleteFailures(1)
		m.ObserveSweep(time.Second, nil)
		m.RecordRequest(http.MethodGet, http.StatusOK)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordExecution("passed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `testoor_executions_recorded_total{status="passed"} 1`)
}
