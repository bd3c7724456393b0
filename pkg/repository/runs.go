package repository

import (
	"context"
	"fmt"

	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RunLedger stores test runs. Runs are the only records updated in place.
type RunLedger interface {
	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRun(ctx context.Context, id string, update RunUpdate) (bool, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRecentRuns(ctx context.Context, limit int) ([]store.Run, error)
	DeleteAllRuns(ctx context.Context) (int64, error)
}

// RunUpdate is a partial update. Nil fields keep their stored value.
type RunUpdate struct {
	Status       *string
	TotalTests   *int
	PassedTests  *int
	FailedTests  *int
	SkippedTests *int
	Duration     *int64
	Metadata     *store.Metadata
}

// Empty reports whether the update modifies nothing.
func (u RunUpdate) Empty() bool {
	return u.Status == nil &&
		u.TotalTests == nil &&
		u.PassedTests == nil &&
		u.FailedTests == nil &&
		u.SkippedTests == nil &&
		u.Duration == nil &&
		u.Metadata == nil
}

// Compile-time interface check.
var _ RunLedger = (*runLedger)(nil)

type runLedger struct {
	log   logrus.FieldLogger
	store store.Store
}

// NewRunLedger creates a RunLedger backed by st.
func NewRunLedger(log logrus.FieldLogger, st store.Store) RunLedger {
	return &runLedger{
		log:   log.WithField("component", "run-ledger"),
		store: st,
	}
}

// CreateRun inserts a run. An empty ID is generated and an empty status
// defaults to running.
func (l *runLedger) CreateRun(ctx context.Context, run *store.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	if run.Status == "" {
		run.Status = store.RunStatusRunning
	}

	if !store.ValidRunStatus(run.Status) {
		return store.Validationf("invalid run status %q", run.Status)
	}

	if run.TotalTests < 0 || run.PassedTests < 0 ||
		run.FailedTests < 0 || run.SkippedTests < 0 || run.Duration < 0 {
		return store.Validationf("run counters must not be negative")
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = utcNow()
	}

	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.CreatedAt

	if _, err := l.store.Execute(ctx,
		`INSERT INTO runs
			(id, status, total_tests, passed_tests, failed_tests, skipped_tests,
			 duration, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Status, run.TotalTests, run.PassedTests, run.FailedTests,
		run.SkippedTests, run.Duration, run.Metadata, run.CreatedAt, run.UpdatedAt,
	); err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	l.log.WithField("run_id", run.ID).Debug("Run created")

	return nil
}

// UpdateRun applies a partial update and reports whether the run exists.
// An empty update is a no-op.
func (l *runLedger) UpdateRun(
	ctx context.Context, id string, update RunUpdate,
) (bool, error) {
	if update.Empty() {
		return true, nil
	}

	if update.Status != nil && !store.ValidRunStatus(*update.Status) {
		return false, store.Validationf("invalid run status %q", *update.Status)
	}

	for _, counter := range []*int{
		update.TotalTests, update.PassedTests, update.FailedTests, update.SkippedTests,
	} {
		if counter != nil && *counter < 0 {
			return false, store.Validationf("run counters must not be negative")
		}
	}

	if update.Duration != nil && *update.Duration < 0 {
		return false, store.Validationf("run duration must not be negative")
	}

	values := make(map[string]any, 8)

	if update.Status != nil {
		values["status"] = *update.Status
	}

	if update.TotalTests != nil {
		values["total_tests"] = *update.TotalTests
	}

	if update.PassedTests != nil {
		values["passed_tests"] = *update.PassedTests
	}

	if update.FailedTests != nil {
		values["failed_tests"] = *update.FailedTests
	}

	if update.SkippedTests != nil {
		values["skipped_tests"] = *update.SkippedTests
	}

	if update.Duration != nil {
		values["duration"] = *update.Duration
	}

	if update.Metadata != nil {
		values["metadata"] = *update.Metadata
	}

	values["updated_at"] = utcNow()

	result := l.store.DB(ctx).
		Model(&store.Run{}).
		Where("id = ?", id).
		Updates(values)
	if result.Error != nil {
		return false, fmt.Errorf("updating run: %w", store.Classify(result.Error))
	}

	return result.RowsAffected > 0, nil
}

// GetRun returns the run or nil when it does not exist.
func (l *runLedger) GetRun(ctx context.Context, id string) (*store.Run, error) {
	var run store.Run

	found, err := l.store.QueryOne(ctx, &run, "SELECT * FROM runs WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	if !found {
		return nil, nil
	}

	return &run, nil
}

// ListRecentRuns returns runs newest first.
func (l *runLedger) ListRecentRuns(
	ctx context.Context, limit int,
) ([]store.Run, error) {
	if limit < 0 {
		return nil, store.Validationf("limit must not be negative")
	}

	if limit == 0 {
		limit = DefaultRunListLimit
	}

	runs := make([]store.Run, 0)
	if err := l.store.QueryAll(ctx, &runs,
		"SELECT * FROM runs ORDER BY created_at DESC, id DESC LIMIT ?", limit,
	); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// DeleteAllRuns removes every run. It fails with ErrConstraintViolation
// while executions still reference a run.
func (l *runLedger) DeleteAllRuns(ctx context.Context) (int64, error) {
	n, err := l.store.Execute(ctx, "DELETE FROM runs")
	if err != nil {
		return 0, fmt.Errorf("deleting all runs: %w", err)
	}

	return n, nil
}
