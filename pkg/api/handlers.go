package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethpandaops/testoor/pkg/metrics"
	"github.com/ethpandaops/testoor/pkg/repository"
	"github.com/ethpandaops/testoor/pkg/service"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// maxUploadMemory is the part of a multipart upload kept in memory; the
// rest spills to temporary files.
const maxUploadMemory = 32 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps the store error taxonomy onto HTTP status codes.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors

	switch {
	case errors.As(err, &verrs):
		writeJSON(w, http.StatusBadRequest, errorResponse{verrs.Error()})
	case errors.Is(err, store.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, store.ErrConstraintViolation):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	default:
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Error("Request failed")

		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal server error"})
	}
}

// decode reads a JSON body into v and validates it.
func (s *server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return store.Validationf("invalid request body: %v", err)
	}

	return s.validate.Struct(v)
}

// intParam parses an optional non-negative integer query parameter.
func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, store.Validationf("%s must be a non-negative integer", name)
	}

	return v, nil
}

func notFound(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotFound, errorResponse{what + " not found"})
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Runs ---

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	runs, err := s.svc.Repositories().Runs.ListRecentRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	run := req.toRun()
	if err := s.svc.CreateRun(r.Context(), run); err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, run)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Repositories().Runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if run == nil {
		notFound(w, "run")

		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	var req updateRunRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	id := chi.URLParam(r, "runID")

	found, err := s.svc.UpdateRun(r.Context(), id, req.toUpdate())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	run, err := s.svc.Repositories().Runs.GetRun(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if !found || run == nil {
		notFound(w, "run")

		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	var req completeRunRequest
	if r.ContentLength != 0 {
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, r, err)

			return
		}
	}

	run, err := s.svc.CompleteRun(r.Context(), chi.URLParam(r, "runID"), req.Status, req.Duration)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if run == nil {
		notFound(w, "run")

		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleDiscoverTests(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	n, err := s.svc.DiscoverTests(r.Context(), chi.URLParam(r, "runID"), req.Tests)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"discovered": n})
}

func (s *server) handleRunTests(w http.ResponseWriter, r *http.Request) {
	s.listLatest(w, r, chi.URLParam(r, "runID"))
}

// handleRecordResult accepts either a JSON result or a multipart form with
// the JSON result in the "result" field and files in "attachments".
func (s *server) handleRecordResult(w http.ResponseWriter, r *http.Request) {
	var (
		req   resultRequest
		blobs []service.Blob
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			s.writeError(w, r, store.Validationf("invalid multipart form: %v", err))

			return
		}

		defer func() { _ = r.MultipartForm.RemoveAll() }()

		if err := json.Unmarshal([]byte(r.FormValue("result")), &req); err != nil {
			s.writeError(w, r, store.Validationf("invalid result field: %v", err))

			return
		}

		if err := s.validate.Struct(&req); err != nil {
			s.writeError(w, r, err)

			return
		}

		blobs = multipartBlobs(r.MultipartForm.File["attachments"])
	} else if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	result, err := s.svc.RecordResult(r.Context(), req.toResult(chi.URLParam(r, "runID")), blobs)
	if result == nil {
		s.writeError(w, r, err)

		return
	}

	// The execution is stored even when some attachments failed.
	resp := recordResultResponse{TestResult: result}
	if err != nil {
		resp.AttachmentError = err.Error()
	}

	writeJSON(w, http.StatusCreated, resp)
}

func multipartBlobs(files []*multipart.FileHeader) []service.Blob {
	blobs := make([]service.Blob, 0, len(files))

	for _, fh := range files {
		blobs = append(blobs, service.Blob{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}

	return blobs
}

// --- Tests ---

func (s *server) handleListTests(w http.ResponseWriter, r *http.Request) {
	s.listLatest(w, r, "")
}

func (s *server) listLatest(w http.ResponseWriter, r *http.Request, runID string) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	results, err := s.svc.Repositories().Executions.GetLatestPerTest(r.Context(), repository.LatestFilter{
		RunID:  runID,
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, results)
}

func (s *server) handleTestStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Repositories().Executions.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleTestHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	history, err := s.svc.Repositories().Executions.GetHistoryByTestID(
		r.Context(), chi.URLParam(r, "testID"), limit,
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, history)
}

func (s *server) handleTestAttachments(w http.ResponseWriter, r *http.Request) {
	atts, err := s.svc.Repositories().Attachments.GetAttachmentsByTestID(
		r.Context(), chi.URLParam(r, "testID"),
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, atts)
}

func (s *server) handleDeleteTest(w http.ResponseWriter, r *http.Request) {
	withNote := r.URL.Query().Get("note") == "true"

	n, err := s.svc.DeleteTest(r.Context(), chi.URLParam(r, "testID"), withNote)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// --- Notes ---

func (s *server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	note, err := s.svc.Repositories().Notes.GetNote(r.Context(), chi.URLParam(r, "testID"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if note == nil {
		notFound(w, "note")

		return
	}

	writeJSON(w, http.StatusOK, note)
}

func (s *server) handlePutNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	note, err := s.svc.Repositories().Notes.UpsertNote(
		r.Context(), chi.URLParam(r, "testID"), req.Content,
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, note)
}

func (s *server) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Repositories().Notes.DeleteNote(r.Context(), chi.URLParam(r, "testID"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if n == 0 {
		notFound(w, "note")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Executions ---

func (s *server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.Repositories().Executions.GetExecution(
		r.Context(), chi.URLParam(r, "executionID"),
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if result == nil {
		notFound(w, "execution")

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	ok, err := s.svc.DeleteExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if !ok {
		notFound(w, "execution")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Analytics ---

func (s *server) handleFlakyTests(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", 0)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	threshold, err := intParam(r, "threshold", s.cfg.Query.FlakyThreshold)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	report, err := s.svc.Repositories().Executions.GetFlakyTests(r.Context(), days, threshold)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", 0)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	buckets, err := s.svc.Repositories().Executions.GetTimeline(r.Context(), days)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, buckets)
}

func (s *server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.StorageStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, report)
}

// --- Admin ---

func (s *server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	result, err := s.svc.PruneExecutions(r.Context(), req.ExecutionIDs, metrics.ReasonManual)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"retention is not enabled"})

		return
	}

	result, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleClear(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.ClearAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}
