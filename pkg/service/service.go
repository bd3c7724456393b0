// Package service composes the ledgers, the blob store and the metrics into
// the operations exposed by the API and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/ethpandaops/testoor/pkg/blobstore"
	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/metrics"
	"github.com/ethpandaops/testoor/pkg/repository"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ingestConcurrency bounds the number of blobs uploaded in parallel for a
// single execution.
const ingestConcurrency = 4

// genericContentType is sent by clients that do not know the blob type.
const genericContentType = "application/octet-stream"

// Blob is an attachment payload supplied with a test result.
type Blob struct {
	Name        string
	ContentType string
	// Type overrides the inferred attachment type when set.
	Type string
	Open func() (io.ReadCloser, error)
}

// DiscoveredTest is one test reported by discovery before it runs.
type DiscoveredTest struct {
	TestID   string `json:"test_id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	FilePath string `json:"file_path"`
}

// RunInfo is the part of a run's metadata the reporter fills in from CI.
type RunInfo struct {
	Branch  string `mapstructure:"branch"`
	Commit  string `mapstructure:"commit"`
	Workers int    `mapstructure:"workers"`
}

// ClearResult counts the rows removed by ClearAll.
type ClearResult struct {
	Attachments int64 `json:"attachments"`
	Executions  int64 `json:"executions"`
	Runs        int64 `json:"runs"`
}

// PruneResult summarises one prune invocation.
type PruneResult struct {
	Requested          int   `json:"requested"`
	Deleted            int64 `json:"deleted"`
	BlobsDeleted       int   `json:"blobs_deleted"`
	BlobDeleteFailures int   `json:"blob_delete_failures"`
}

// StorageReport combines attachment rows, blob usage and database size.
type StorageReport struct {
	Attachments   repository.AttachmentStats `json:"attachments"`
	Blobs         blobstore.Stats            `json:"blobs"`
	DatabaseBytes int64                      `json:"database_bytes"`
	TotalBytes    int64                      `json:"total_bytes"`
	TotalHuman    string                     `json:"total_human"`
}

// Service is the write side of testoor plus the cross-store reports.
type Service interface {
	// Repositories exposes the ledgers for read-only queries.
	Repositories() *repository.Repositories

	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRun(ctx context.Context, id string, update repository.RunUpdate) (bool, error)
	CompleteRun(ctx context.Context, id, status string, duration *int64) (*store.Run, error)

	DiscoverTests(ctx context.Context, runID string, tests []DiscoveredTest) (int, error)
	RecordResult(ctx context.Context, data *store.TestResult, blobs []Blob) (*store.TestResult, error)

	DeleteTest(ctx context.Context, testID string, withNote bool) (int64, error)
	DeleteExecution(ctx context.Context, id string) (bool, error)
	PruneExecutions(ctx context.Context, ids []string, reason string) (*PruneResult, error)
	ClearAll(ctx context.Context) (*ClearResult, error)

	StorageStats(ctx context.Context) (*StorageReport, error)
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log      logrus.FieldLogger
	store    store.Store
	repos    *repository.Repositories
	blobs    blobstore.Store
	metrics  *metrics.Metrics
	queryCfg *config.QueryConfig
}

// NewService creates a Service. m may be nil.
func NewService(
	log logrus.FieldLogger,
	st store.Store,
	blobs blobstore.Store,
	m *metrics.Metrics,
	queryCfg *config.QueryConfig,
) Service {
	return &service{
		log:      log.WithField("component", "service"),
		store:    st,
		repos:    repository.New(log, st, queryCfg),
		blobs:    blobs,
		metrics:  m,
		queryCfg: queryCfg,
	}
}

func (s *service) Repositories() *repository.Repositories {
	return s.repos
}

func (s *service) CreateRun(ctx context.Context, run *store.Run) error {
	return s.repos.Runs.CreateRun(ctx, run)
}

func (s *service) UpdateRun(
	ctx context.Context, id string, update repository.RunUpdate,
) (bool, error) {
	return s.repos.Runs.UpdateRun(ctx, id, update)
}

// CompleteRun recomputes the run counters from its executions and sets the
// final status. An empty status resolves to failed when any execution
// failed or timed out, otherwise completed. Returns nil when the run does
// not exist.
func (s *service) CompleteRun(
	ctx context.Context, id, status string, duration *int64,
) (*store.Run, error) {
	counts, err := s.repos.Executions.CountByRun(ctx, id)
	if err != nil {
		return nil, err
	}

	if status == "" {
		status = store.RunStatusCompleted
		if counts.Failed+counts.TimedOut > 0 {
			status = store.RunStatusFailed
		}
	}

	total := int(counts.Total)
	passed := int(counts.Passed)
	failed := int(counts.Failed + counts.TimedOut)
	skipped := int(counts.Skipped)

	found, err := s.repos.Runs.UpdateRun(ctx, id, repository.RunUpdate{
		Status:       &status,
		TotalTests:   &total,
		PassedTests:  &passed,
		FailedTests:  &failed,
		SkippedTests: &skipped,
		Duration:     duration,
	})
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}

	run, err := s.repos.Runs.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"run_id": id,
		"status": status,
		"total":  total,
		"failed": failed,
	}

	if run != nil {
		info, err := store.DecodeMetadata[RunInfo](run.Metadata)
		if err != nil {
			s.log.WithError(err).WithField("run_id", id).Debug("Ignoring run metadata")
		} else {
			if info.Branch != "" {
				fields["branch"] = info.Branch
			}

			if info.Commit != "" {
				fields["commit"] = info.Commit
			}

			if info.Workers > 0 {
				fields["workers"] = info.Workers
			}
		}
	}

	s.log.WithFields(fields).Info("Run completed")

	return run, nil
}

// DiscoverTests replaces every pending execution with the discovered set
// in a single transaction.
func (s *service) DiscoverTests(
	ctx context.Context, runID string, tests []DiscoveredTest,
) (int, error) {
	var removed int64

	err := s.store.Transaction(ctx, func(tx store.Store) error {
		execs := repository.NewExecutionLog(s.log, tx, s.queryCfg)

		n, err := execs.DeletePending(ctx)
		if err != nil {
			return err
		}

		removed = n

		for _, t := range tests {
			if _, err := execs.SaveExecution(ctx, &store.TestResult{
				TestID:   t.TestID,
				RunID:    runID,
				Name:     t.Name,
				FilePath: t.FilePath,
				Status:   store.StatusPending,
			}); err != nil {
				return fmt.Errorf("saving discovered test %q: %w", t.TestID, err)
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.WithFields(logrus.Fields{
		"run_id":     runID,
		"discovered": len(tests),
		"replaced":   removed,
	}).Info("Tests discovered")

	return len(tests), nil
}

// RecordResult appends an execution and stores its blobs. Blobs are
// uploaded in parallel; each stored blob gets an attachment row. The
// execution is returned even when some attachments fail, together with
// the aggregated error.
func (s *service) RecordResult(
	ctx context.Context, data *store.TestResult, blobs []Blob,
) (*store.TestResult, error) {
	if _, err := s.repos.Executions.SaveExecution(ctx, data); err != nil {
		return nil, err
	}

	s.metrics.RecordExecution(data.Status)

	if len(blobs) == 0 {
		return data, nil
	}

	var (
		mu       sync.Mutex
		merr     *multierror.Error
		attached = make([]*store.Attachment, len(blobs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestConcurrency)

	for i, blob := range blobs {
		g.Go(func() error {
			att, err := s.ingest(gctx, data.ID, blob)
			if err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("attachment %q: %w", blob.Name, err))
				mu.Unlock()

				return nil
			}

			attached[i] = att

			return nil
		})
	}

	_ = g.Wait()

	for _, att := range attached {
		if att != nil {
			data.Attachments = append(data.Attachments, *att)
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		s.log.WithError(err).
			WithField("execution_id", data.ID).
			Warn("Some attachments could not be stored")

		return data, fmt.Errorf("storing attachments: %w", err)
	}

	return data, nil
}

// ingest uploads one blob and records its attachment row. The blob is
// removed again when the row cannot be written.
func (s *service) ingest(
	ctx context.Context, executionID string, blob Blob,
) (*store.Attachment, error) {
	if blob.Open == nil {
		return nil, store.Validationf("attachment has no content")
	}

	attType := blob.Type
	if attType == "" {
		attType = InferAttachmentType(blob.Name, blob.ContentType)
	}

	if !store.ValidAttachmentType(attType) {
		return nil, store.Validationf("invalid attachment type %q", attType)
	}

	contentType := blob.ContentType
	if contentType == "" || contentType == genericContentType {
		contentType = blobstore.DetectContentType(blob.Name)
	}

	rc, err := blob.Open()
	if err != nil {
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	defer rc.Close()

	loc, err := s.blobs.SaveBlob(ctx, executionID, blob.Name, contentType, rc)
	if err != nil {
		return nil, fmt.Errorf("saving blob: %w", err)
	}

	att := &store.Attachment{
		TestResultID: executionID,
		Type:         attType,
		FileName:     filepath.Base(blob.Name),
		FilePath:     loc.Path,
		FileSize:     loc.Size,
		MimeType:     &contentType,
		URL:          loc.URL,
	}

	if err := s.repos.Attachments.SaveAttachment(ctx, att); err != nil {
		if _, derr := s.blobs.DeleteBlob(context.WithoutCancel(ctx), loc.Path); derr != nil {
			s.log.WithError(derr).
				WithField("location", loc.Path).
				Warn("Failed to remove orphaned blob")
		}

		return nil, err
	}

	s.metrics.RecordAttachment(attType)

	return att, nil
}

// DeleteTest removes every execution of a logical test and their blobs.
// The test's note is kept unless withNote is set.
func (s *service) DeleteTest(
	ctx context.Context, testID string, withNote bool,
) (int64, error) {
	atts, err := s.repos.Attachments.GetAttachmentsByTestID(ctx, testID)
	if err != nil {
		return 0, err
	}

	n, err := s.repos.Executions.DeleteByTestID(ctx, testID)
	if err != nil {
		return 0, err
	}

	if withNote {
		if _, err := s.repos.Notes.DeleteNote(ctx, testID); err != nil {
			return n, err
		}
	}

	s.removeBlobs(ctx, atts)

	s.log.WithFields(logrus.Fields{
		"test_id":     testID,
		"executions":  n,
		"attachments": len(atts),
	}).Info("Test deleted")

	return n, nil
}

// DeleteExecution removes one execution and its blobs and reports whether
// it existed.
func (s *service) DeleteExecution(ctx context.Context, id string) (bool, error) {
	n, err := s.repos.Executions.DeleteByExecutionID(ctx, id)
	if err != nil {
		return false, err
	}

	if n == 0 {
		return false, nil
	}

	// Sweeps the whole execution directory, including blobs that never got
	// an attachment row.
	removed, err := s.blobs.DeleteAllBlobsForExecution(context.WithoutCancel(ctx), id)
	if err != nil {
		s.metrics.RecordBlobDeleteFailures(1)
		s.log.WithError(err).
			WithField("execution_id", id).
			Warn("Failed to delete execution blobs")
	}

	s.log.WithFields(logrus.Fields{
		"execution_id": id,
		"blobs":        removed,
	}).Debug("Execution deleted")

	return true, nil
}

// PruneExecutions deletes the given executions in batches and then removes
// the blobs of the executions that are gone. On a partial failure only the
// blobs of deleted executions are removed.
func (s *service) PruneExecutions(
	ctx context.Context, ids []string, reason string,
) (*PruneResult, error) {
	result := &PruneResult{Requested: len(ids)}
	if len(ids) == 0 {
		return result, nil
	}

	atts, err := s.repos.Attachments.GetAttachmentsByExecutions(ctx, ids)
	if err != nil {
		return result, err
	}

	deleted, delErr := s.repos.Retention.DeleteByIDs(ctx, ids)
	result.Deleted = deleted
	s.metrics.RecordPruned(reason, deleted)

	if delErr != nil && deleted == 0 {
		return result, delErr
	}

	if delErr != nil {
		atts, err = s.orphaned(ctx, ids, atts)
		if err != nil {
			return result, multierror.Append(delErr, err)
		}
	}

	result.BlobsDeleted, result.BlobDeleteFailures = s.removeBlobs(ctx, atts)

	return result, delErr
}

// orphaned filters atts down to those whose rows no longer exist.
func (s *service) orphaned(
	ctx context.Context, ids []string, atts []store.Attachment,
) ([]store.Attachment, error) {
	remaining, err := s.repos.Attachments.GetAttachmentsByExecutions(ctx, ids)
	if err != nil {
		return nil, err
	}

	alive := make(map[string]struct{}, len(remaining))
	for _, att := range remaining {
		alive[att.ID] = struct{}{}
	}

	gone := make([]store.Attachment, 0, len(atts))
	for _, att := range atts {
		if _, ok := alive[att.ID]; !ok {
			gone = append(gone, att)
		}
	}

	return gone, nil
}

// ClearAll removes every attachment, execution and run, then every blob,
// and compacts the database. Notes are kept.
func (s *service) ClearAll(ctx context.Context) (*ClearResult, error) {
	result := &ClearResult{}

	err := s.store.Transaction(ctx, func(tx store.Store) error {
		repos := repository.New(s.log, tx, s.queryCfg)

		var err error

		if result.Attachments, err = repos.Attachments.DeleteAllAttachments(ctx); err != nil {
			return err
		}

		if result.Executions, err = repos.Executions.DeleteAll(ctx); err != nil {
			return err
		}

		if result.Runs, err = repos.Runs.DeleteAllRuns(ctx); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clearing database: %w", err)
	}

	if err := s.blobs.DeleteAll(ctx); err != nil {
		s.log.WithError(err).Warn("Failed to remove all blobs")
	}

	if err := s.store.Compact(ctx); err != nil {
		return result, fmt.Errorf("compacting after clear: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"attachments": result.Attachments,
		"executions":  result.Executions,
		"runs":        result.Runs,
	}).Info("All data cleared")

	return result, nil
}

// StorageStats reports attachment rows, blob usage and database size. The
// total is the sum of blob bytes and database bytes.
func (s *service) StorageStats(ctx context.Context) (*StorageReport, error) {
	atts, err := s.repos.Attachments.AttachmentStats(ctx)
	if err != nil {
		return nil, err
	}

	blobStats, err := s.blobs.StorageStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading blob storage stats: %w", err)
	}

	dbSize, err := s.store.Size(ctx)
	if err != nil {
		return nil, err
	}

	total := blobStats.Bytes + dbSize

	return &StorageReport{
		Attachments:   *atts,
		Blobs:         *blobStats,
		DatabaseBytes: dbSize,
		TotalBytes:    total,
		TotalHuman:    units.HumanSize(float64(total)),
	}, nil
}

// removeBlobs deletes the blobs referenced by atts. Failures are logged and
// counted, never returned.
func (s *service) removeBlobs(ctx context.Context, atts []store.Attachment) (int, int) {
	if len(atts) == 0 {
		return 0, 0
	}

	locations := make([]string, 0, len(atts))
	for _, att := range atts {
		locations = append(locations, att.FilePath)
	}

	deleted, err := blobstore.DeleteMany(context.WithoutCancel(ctx), s.blobs, locations)
	if err == nil {
		return deleted, 0
	}

	failures := 1

	var merr *multierror.Error
	if errors.As(err, &merr) {
		failures = len(merr.Errors)
	}

	s.metrics.RecordBlobDeleteFailures(failures)
	s.log.WithError(err).
		WithField("failures", failures).
		Warn("Failed to delete some blobs")

	return deleted, failures
}

// InferAttachmentType maps a blob name and content type to an attachment
// type. Unknown content falls back to log.
func InferAttachmentType(name, contentType string) string {
	if contentType == "" || contentType == genericContentType {
		contentType = blobstore.DetectContentType(name)
	}

	base := strings.ToLower(filepath.Base(name))

	switch {
	case strings.HasPrefix(contentType, "video/"):
		return store.AttachmentVideo
	case strings.HasPrefix(contentType, "image/"):
		return store.AttachmentScreenshot
	case strings.Contains(base, "trace") || strings.HasSuffix(base, ".zip"):
		return store.AttachmentTrace
	default:
		return store.AttachmentLog
	}
}
