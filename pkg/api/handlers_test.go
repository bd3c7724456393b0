package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ethpandaops/testoor/pkg/blobstore"
	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/metrics"
	"github.com/ethpandaops/testoor/pkg/repository"
	"github.com/ethpandaops/testoor/pkg/service"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupServer(t *testing.T, mutate func(*config.Config)) http.Handler {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	dir := t.TempDir()

	cfg := config.Default()
	cfg.Database.SQLite.Path = filepath.Join(dir, "test.db")
	cfg.Storage.Local.BaseDir = filepath.Join(dir, "blobs")

	if mutate != nil {
		mutate(cfg)
	}

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	blobs, err := blobstore.New(log, &cfg.Storage)
	require.NoError(t, err)
	require.NoError(t, blobs.Preflight(context.Background()))

	m := metrics.New()

	srv := &server{
		log:      log,
		cfg:      cfg,
		svc:      service.NewService(log, st, blobs, m, &cfg.Query),
		blobs:    blobs,
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	return srv.buildRouter()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())

	return v
}

func TestHealth(t *testing.T) {
	h := setupServer(t, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRunEndpoints(t *testing.T) {
	h := setupServer(t, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/runs", map[string]any{"id": "run-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	run := decodeBody[store.Run](t, rec)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, store.RunStatusRunning, run.Status)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
	}{
		{name: "duplicate run", method: http.MethodPost, path: "/api/v1/runs", body: map[string]any{"id": "run-1"}, wantStatus: http.StatusConflict},
		{name: "invalid status", method: http.MethodPost, path: "/api/v1/runs", body: map[string]any{"status": "exploded"}, wantStatus: http.StatusBadRequest},
		{name: "get existing", method: http.MethodGet, path: "/api/v1/runs/run-1", wantStatus: http.StatusOK},
		{name: "get missing", method: http.MethodGet, path: "/api/v1/runs/nope", wantStatus: http.StatusNotFound},
		{name: "update", method: http.MethodPatch, path: "/api/v1/runs/run-1", body: map[string]any{"total_tests": 3}, wantStatus: http.StatusOK},
		{name: "update missing", method: http.MethodPatch, path: "/api/v1/runs/nope", body: map[string]any{"total_tests": 3}, wantStatus: http.StatusNotFound},
		{name: "negative counter", method: http.MethodPatch, path: "/api/v1/runs/run-1", body: map[string]any{"failed_tests": -1}, wantStatus: http.StatusBadRequest},
		{name: "list", method: http.MethodGet, path: "/api/v1/runs?limit=10", wantStatus: http.StatusOK},
		{name: "bad limit", method: http.MethodGet, path: "/api/v1/runs?limit=-1", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestRecordAndCompleteRun(t *testing.T) {
	h := setupServer(t, nil)

	require.Equal(t, http.StatusCreated,
		do(t, h, http.MethodPost, "/api/v1/runs", map[string]any{"id": "run-1"}).Code)

	rec := do(t, h, http.MethodPost, "/api/v1/runs/run-1/discover", map[string]any{
		"tests": []map[string]any{
			{"test_id": "t1", "name": "first"},
			{"test_id": "t2", "name": "second"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"discovered":2}`, rec.Body.String())

	for _, body := range []map[string]any{
		{"id": "e1", "test_id": "t1", "name": "first", "status": "passed", "duration": 10},
		{"id": "e2", "test_id": "t2", "name": "second", "status": "failed", "error_message": "boom"},
	} {
		rec := do(t, h, http.MethodPost, "/api/v1/runs/run-1/results", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	t.Run("invalid result", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/runs/run-1/results", map[string]any{
			"test_id": "t3", "name": "third", "status": "exploded",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown run", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/runs/nope/results", map[string]any{
			"test_id": "t3", "name": "third", "status": "passed",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	rec = do(t, h, http.MethodGet, "/api/v1/runs/run-1/tests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]store.TestResult](t, rec), 4)

	rec = do(t, h, http.MethodGet, "/api/v1/tests?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	latest := decodeBody[[]store.TestResult](t, rec)
	require.Len(t, latest, 1)
	assert.Equal(t, "e2", latest[0].ID)

	rec = do(t, h, http.MethodPost, "/api/v1/runs/run-1/complete", map[string]any{"duration": 1500})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	run := decodeBody[store.Run](t, rec)
	assert.Equal(t, store.RunStatusFailed, run.Status)
	assert.Equal(t, 4, run.TotalTests)
	assert.Equal(t, int64(1500), run.Duration)

	rec = do(t, h, http.MethodGet, "/api/v1/tests/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stats := decodeBody[repository.TestStats](t, rec)
	assert.Equal(t, int64(4), stats.TotalExecutions)
	assert.Equal(t, int64(2), stats.UniqueTests)
}

func TestRecordResult_Multipart(t *testing.T) {
	h := setupServer(t, nil)

	require.Equal(t, http.StatusCreated,
		do(t, h, http.MethodPost, "/api/v1/runs", map[string]any{"id": "run-1"}).Code)

	var body bytes.Buffer

	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("result",
		`{"id":"e1","test_id":"t1","name":"first","status":"failed"}`))

	fw, err := mw.CreateFormFile("attachments", "failure.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("png-bytes"))
	require.NoError(t, err)

	fw, err = mw.CreateFormFile("attachments", "trace.zip")
	require.NoError(t, err)
	_, err = fw.Write([]byte("zip"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/run-1/results", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	result := decodeBody[store.TestResult](t, rec)
	require.Len(t, result.Attachments, 2)

	types := map[string]string{}
	for _, att := range result.Attachments {
		types[att.FileName] = att.Type
	}

	assert.Equal(t, map[string]string{
		"failure.png": store.AttachmentScreenshot,
		"trace.zip":   store.AttachmentTrace,
	}, types)

	t.Run("blob is served", func(t *testing.T) {
		var url string

		for _, att := range result.Attachments {
			if att.FileName == "failure.png" {
				url = att.URL
			}
		}

		require.True(t, strings.HasPrefix(url, "/files/"), url)

		rec := do(t, h, http.MethodGet, url, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "png-bytes", rec.Body.String())
	})

	t.Run("test attachments", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/tests/t1/attachments", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decodeBody[[]store.Attachment](t, rec), 2)
	})

	t.Run("storage stats", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/storage/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		report := decodeBody[service.StorageReport](t, rec)
		assert.Equal(t, int64(2), report.Attachments.TotalCount)
		assert.Equal(t, int64(12), report.Blobs.Bytes)
	})

	t.Run("delete execution removes blobs", func(t *testing.T) {
		rec := do(t, h, http.MethodDelete, "/api/v1/executions/e1", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = do(t, h, http.MethodGet, "/api/v1/executions/e1", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = do(t, h, http.MethodDelete, "/api/v1/executions/e1", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = do(t, h, http.MethodGet, "/api/v1/storage/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, decodeBody[service.StorageReport](t, rec).Blobs.Files)
	})
}

func TestNoteEndpoints(t *testing.T) {
	h := setupServer(t, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/tests/t1/note", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/v1/tests/t1/note",
		map[string]string{"content": strings.Repeat("a", 1001)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/v1/tests/t1/note",
		map[string]string{"content": strings.Repeat("a", 1000)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/v1/tests/t1/note", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[store.Note](t, rec).Content, 1000)

	rec = do(t, h, http.MethodDelete, "/api/v1/tests/t1/note", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/v1/tests/t1/note", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalyticsEndpoints(t *testing.T) {
	h := setupServer(t, nil)

	require.Equal(t, http.StatusCreated,
		do(t, h, http.MethodPost, "/api/v1/runs", map[string]any{"id": "run-1"}).Code)

	for i, status := range []string{"passed", "failed", "passed", "failed"} {
		rec := do(t, h, http.MethodPost, "/api/v1/runs/run-1/results", map[string]any{
			"id": "e" + strconv.Itoa(i), "test_id": "t1", "name": "first", "status": status,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := do(t, h, http.MethodGet, "/api/v1/analytics/flaky?days=7&threshold=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	flaky := decodeBody[[]repository.FlakyTest](t, rec)
	require.Len(t, flaky, 1)
	assert.Equal(t, 50, flaky[0].FlakyPercentage)
	assert.Len(t, flaky[0].History, 4)

	rec = do(t, h, http.MethodGet, "/api/v1/analytics/flaky?threshold=101", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/analytics/timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	buckets := decodeBody[[]repository.DailyBucket](t, rec)
	require.Len(t, buckets, 1)
	assert.Equal(t, 4, buckets[0].Total)

	rec = do(t, h, http.MethodGet, "/api/v1/tests/t1/history?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]store.TestResult](t, rec), 2)
}

func TestAdminEndpoints(t *testing.T) {
	h := setupServer(t, nil)

	require.Equal(t, http.StatusCreated,
		do(t, h, http.MethodPost, "/api/v1/runs", map[string]any{"id": "run-1"}).Code)

	for _, id := range []string{"e1", "e2", "e3"} {
		rec := do(t, h, http.MethodPost, "/api/v1/runs/run-1/results", map[string]any{
			"id": id, "test_id": "t-" + id, "name": id, "status": "passed",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/admin/prune", map[string]any{"execution_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/admin/prune", map[string]any{"execution_ids": []string{"e1"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), decodeBody[service.PruneResult](t, rec).Deleted)

	rec = do(t, h, http.MethodPost, "/api/v1/admin/sweep", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/v1/tests/t-e2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":1}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/v1/admin/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, service.ClearResult{Executions: 1, Runs: 1},
		decodeBody[service.ClearResult](t, rec))
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupServer(t, nil)

	do(t, h, http.MethodGet, "/api/v1/health", nil)

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `testoor_http_requests_total{code="200",method="GET"}`)
}

func TestRateLimit(t *testing.T) {
	h := setupServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit.Enabled = true
		cfg.Server.RateLimit.RequestsPerMinute = 2
	})

	for range 2 {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/health", nil).Code)
	}

	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/api/v1/health", nil).Code)
}
