package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ExecutionLog is the insert-only log of test executions and the queries
// that reconstruct current and historical views from it.
type ExecutionLog interface {
	SaveExecution(ctx context.Context, data *store.TestResult) (string, error)
	GetExecution(ctx context.Context, id string) (*store.TestResult, error)
	GetExecutionsByRun(ctx context.Context, runID string) ([]store.TestResult, error)
	GetHistoryByTestID(ctx context.Context, testID string, limit int) ([]store.TestResult, error)
	GetLatestPerTest(ctx context.Context, filter LatestFilter) ([]store.TestResult, error)
	GetFlakyTests(ctx context.Context, days, threshold int) ([]FlakyTest, error)
	GetTimeline(ctx context.Context, days int) ([]DailyBucket, error)

	DeleteByTestID(ctx context.Context, testID string) (int64, error)
	DeleteByExecutionID(ctx context.Context, id string) (int64, error)
	DeletePending(ctx context.Context) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)

	CountByRun(ctx context.Context, runID string) (*StatusCounts, error)
	Stats(ctx context.Context) (*TestStats, error)
}

// LatestFilter selects the current test list. Without RunID only the
// latest execution of every logical test is returned.
type LatestFilter struct {
	RunID  string
	Status string
	Limit  int
}

// FlakyTest is one row of the flaky test report.
type FlakyTest struct {
	TestID          string   `json:"test_id"`
	Name            string   `json:"name"`
	FilePath        string   `json:"file_path"`
	TotalRuns       int      `json:"total_runs"`
	PassedRuns      int      `json:"passed_runs"`
	FailedRuns      int      `json:"failed_runs"`
	FlakyPercentage int      `json:"flaky_percentage"`
	History         []string `gorm:"-" json:"history"`
}

// DailyBucket counts outcomes of executions created on one calendar day (UTC).
type DailyBucket struct {
	Date     string `gorm:"column:day" json:"date"`
	Passed   int    `json:"passed"`
	Failed   int    `json:"failed"`
	Skipped  int    `json:"skipped"`
	TimedOut int    `json:"timed_out"`
	Total    int    `json:"total"`
}

// StatusCounts tallies executions by status.
type StatusCounts struct {
	Total    int64 `json:"total"`
	Passed   int64 `json:"passed"`
	Failed   int64 `json:"failed"`
	Skipped  int64 `json:"skipped"`
	TimedOut int64 `json:"timed_out"`
	Pending  int64 `json:"pending"`
}

func (c *StatusCounts) add(status string, n int64) {
	c.Total += n

	switch status {
	case store.StatusPassed:
		c.Passed += n
	case store.StatusFailed:
		c.Failed += n
	case store.StatusSkipped:
		c.Skipped += n
	case store.StatusTimedOut:
		c.TimedOut += n
	case store.StatusPending:
		c.Pending += n
	}
}

// TestStats summarises the execution log.
type TestStats struct {
	TotalExecutions int64        `json:"total_executions"`
	UniqueTests     int64        `json:"unique_tests"`
	Latest          StatusCounts `json:"latest"`
}

// Compile-time interface check.
var _ ExecutionLog = (*executionLog)(nil)

type executionLog struct {
	log   logrus.FieldLogger
	store store.Store
	cfg   *config.QueryConfig
	now   func() time.Time
}

// NewExecutionLog creates an ExecutionLog backed by st. Query defaults
// (limits, windows) come from cfg.
func NewExecutionLog(
	log logrus.FieldLogger,
	st store.Store,
	cfg *config.QueryConfig,
) ExecutionLog {
	return &executionLog{
		log:   log.WithField("component", "execution-log"),
		store: st,
		cfg:   cfg,
		now:   utcNow,
	}
}

const resultColumns = `r.seq, r.id, r.test_id, r.run_id, r.name, r.file_path,
	r.status, r.duration, r.error_message, r.error_stack, r.retry_count,
	r.metadata, r.created_at, r.updated_at`

const attachmentColumns = `a.id AS attachment_id, a.type AS attachment_type,
	a.file_name AS attachment_file_name, a.file_path AS attachment_file_path,
	a.file_size AS attachment_file_size, a.mime_type AS attachment_mime_type,
	a.url AS attachment_url, a.created_at AS attachment_created_at`

// joinedSelect is the common projection of every execution query. The
// WHERE clause must restrict r to a fixed set of executions.
const joinedSelect = `SELECT ` + resultColumns + `, ` + attachmentColumns + `
	FROM test_results r
	LEFT JOIN attachments a ON a.test_result_id = r.id`

// executionRow is one execution joined with at most one attachment.
type executionRow struct {
	Seq          uint64
	ID           string
	TestID       string
	RunID        string
	Name         string
	FilePath     string
	Status       string
	Duration     int64
	ErrorMessage *string
	ErrorStack   *string
	RetryCount   int
	Metadata     store.Metadata
	CreatedAt    time.Time
	UpdatedAt    time.Time

	AttachmentID        *string
	AttachmentType      *string
	AttachmentFileName  *string
	AttachmentFilePath  *string
	AttachmentFileSize  *int64
	AttachmentMimeType  *string
	AttachmentURL       *string
	AttachmentCreatedAt *time.Time
}

// foldRows groups joined rows by execution id, keeping the order in which
// executions first appear. Every execution gets a non-nil attachment list.
func foldRows(rows []executionRow) []store.TestResult {
	results := make([]store.TestResult, 0, len(rows))
	index := make(map[string]int, len(rows))

	for i := range rows {
		row := &rows[i]

		pos, ok := index[row.ID]
		if !ok {
			pos = len(results)
			index[row.ID] = pos

			results = append(results, store.TestResult{
				Seq:          row.Seq,
				ID:           row.ID,
				TestID:       row.TestID,
				RunID:        row.RunID,
				Name:         row.Name,
				FilePath:     row.FilePath,
				Status:       row.Status,
				Duration:     row.Duration,
				ErrorMessage: row.ErrorMessage,
				ErrorStack:   row.ErrorStack,
				RetryCount:   row.RetryCount,
				Metadata:     row.Metadata,
				CreatedAt:    row.CreatedAt.UTC(),
				UpdatedAt:    row.UpdatedAt.UTC(),
				Attachments:  make([]store.Attachment, 0),
			})
		}

		if row.AttachmentID == nil {
			continue
		}

		att := store.Attachment{
			ID:           *row.AttachmentID,
			TestResultID: row.ID,
			MimeType:     row.AttachmentMimeType,
		}

		if row.AttachmentType != nil {
			att.Type = *row.AttachmentType
		}

		if row.AttachmentFileName != nil {
			att.FileName = *row.AttachmentFileName
		}

		if row.AttachmentFilePath != nil {
			att.FilePath = *row.AttachmentFilePath
		}

		if row.AttachmentFileSize != nil {
			att.FileSize = *row.AttachmentFileSize
		}

		if row.AttachmentURL != nil {
			att.URL = *row.AttachmentURL
		}

		if row.AttachmentCreatedAt != nil {
			att.CreatedAt = row.AttachmentCreatedAt.UTC()
		}

		results[pos].Attachments = append(results[pos].Attachments, att)
	}

	return results
}

func (l *executionLog) queryJoined(
	ctx context.Context, query string, args ...any,
) ([]store.TestResult, error) {
	rows := make([]executionRow, 0)
	if err := l.store.QueryAll(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	return foldRows(rows), nil
}

// SaveExecution inserts a new execution row and returns its id. It never
// updates an existing row: reusing an id fails with ErrConstraintViolation.
// CreatedAt and UpdatedAt are both set to data.CreatedAt, or to the
// current time when it is zero.
func (l *executionLog) SaveExecution(
	ctx context.Context, data *store.TestResult,
) (string, error) {
	if data.ID == "" {
		data.ID = uuid.NewString()
	}

	if data.TestID == "" {
		return "", store.Validationf("test id is required")
	}

	if data.RunID == "" {
		return "", store.Validationf("run id is required")
	}

	if !store.ValidStatus(data.Status) {
		return "", store.Validationf("invalid status %q", data.Status)
	}

	if data.Duration < 0 {
		return "", store.Validationf("duration must not be negative")
	}

	if data.RetryCount < 0 {
		return "", store.Validationf("retry count must not be negative")
	}

	ts := data.CreatedAt
	if ts.IsZero() {
		ts = l.now()
	}

	data.CreatedAt = ts.UTC()
	data.UpdatedAt = data.CreatedAt

	if _, err := l.store.Execute(ctx,
		`INSERT INTO test_results
			(id, test_id, run_id, name, file_path, status, duration,
			 error_message, error_stack, retry_count, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		data.ID, data.TestID, data.RunID, data.Name, data.FilePath, data.Status,
		data.Duration, data.ErrorMessage, data.ErrorStack, data.RetryCount,
		data.Metadata, data.CreatedAt, data.UpdatedAt,
	); err != nil {
		return "", fmt.Errorf("saving execution: %w", err)
	}

	if data.Attachments == nil {
		data.Attachments = make([]store.Attachment, 0)
	}

	return data.ID, nil
}

// GetExecution returns one execution with its attachments, or nil.
func (l *executionLog) GetExecution(
	ctx context.Context, id string,
) (*store.TestResult, error) {
	results, err := l.queryJoined(ctx,
		joinedSelect+`
		WHERE r.id = ?
		ORDER BY a.created_at ASC, a.id ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("getting execution: %w", err)
	}

	if len(results) == 0 {
		return nil, nil
	}

	return &results[0], nil
}

// GetExecutionsByRun returns every execution of a run, newest first.
func (l *executionLog) GetExecutionsByRun(
	ctx context.Context, runID string,
) ([]store.TestResult, error) {
	results, err := l.queryJoined(ctx,
		joinedSelect+`
		WHERE r.run_id = ?
		ORDER BY r.created_at DESC, r.seq DESC, a.created_at ASC, a.id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("getting executions by run: %w", err)
	}

	return results, nil
}

// GetHistoryByTestID returns the most recent limit attempts of a logical
// test, excluding pending and skipped executions. The limit is applied to
// executions before attachments are joined.
func (l *executionLog) GetHistoryByTestID(
	ctx context.Context, testID string, limit int,
) ([]store.TestResult, error) {
	if limit < 0 {
		return nil, store.Validationf("limit must not be negative")
	}

	if limit == 0 {
		limit = l.cfg.HistoryLimit
	}

	results, err := l.queryJoined(ctx,
		joinedSelect+`
		WHERE r.seq IN (
			SELECT seq FROM test_results
			WHERE test_id = ? AND status NOT IN ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY r.created_at DESC, r.seq DESC, a.created_at ASC, a.id ASC`,
		testID, []string{store.StatusPending, store.StatusSkipped}, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("getting history: %w", err)
	}

	return results, nil
}

// GetLatestPerTest returns the current test list. Without a run filter the
// latest execution per test id wins, ordered by updated_at and then by
// insertion order. The status filter applies after that selection and the
// limit applies last.
func (l *executionLog) GetLatestPerTest(
	ctx context.Context, filter LatestFilter,
) ([]store.TestResult, error) {
	if filter.Status != "" && !store.ValidStatus(filter.Status) {
		return nil, store.Validationf("invalid status filter %q", filter.Status)
	}

	if filter.Limit < 0 {
		return nil, store.Validationf("limit must not be negative")
	}

	limit := filter.Limit
	if limit == 0 {
		limit = l.cfg.DefaultLimit
	}

	var (
		selection string
		args      []any
	)

	if filter.RunID != "" {
		selection = `SELECT seq FROM test_results WHERE run_id = ?`
		args = append(args, filter.RunID)
	} else {
		selection = `SELECT seq FROM (
				SELECT seq, status, updated_at,
					ROW_NUMBER() OVER (
						PARTITION BY test_id ORDER BY updated_at DESC, seq DESC
					) AS rn
				FROM test_results
			) ranked
			WHERE rn = 1`
	}

	if filter.Status != "" {
		if filter.RunID != "" {
			selection += ` AND status = ?`
		} else {
			selection += ` AND ranked.status = ?`
		}

		args = append(args, filter.Status)
	}

	selection += ` ORDER BY updated_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	results, err := l.queryJoined(ctx,
		joinedSelect+`
		WHERE r.seq IN (`+selection+`)
		ORDER BY r.updated_at DESC, r.seq DESC, a.created_at ASC, a.id ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("getting latest executions: %w", err)
	}

	return results, nil
}

// failedExpr and totalExpr are repeated in HAVING because not every
// dialect accepts output aliases there.
const (
	failedExpr = `SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)`
	passedExpr = `SUM(CASE WHEN status = 'passed' THEN 1 ELSE 0 END)`
	pctExpr    = `(` + failedExpr + ` * 100 / COUNT(*))`
)

// GetFlakyTests reports tests with a mixed pass/fail record within the
// trailing window. Only passed and failed executions count. A test
// qualifies when it has more than one attempt and its failure percentage
// (truncated) is at least threshold and below 100.
func (l *executionLog) GetFlakyTests(
	ctx context.Context, days, threshold int,
) ([]FlakyTest, error) {
	if days < 0 {
		return nil, store.Validationf("days must not be negative")
	}

	if days == 0 {
		days = l.cfg.FlakyDays
	}

	if threshold < 0 || threshold > 100 {
		return nil, store.Validationf("threshold must be between 0 and 100")
	}

	since := l.now().AddDate(0, 0, -days)
	outcomes := []string{store.StatusPassed, store.StatusFailed}

	report := make([]FlakyTest, 0)
	if err := l.store.QueryAll(ctx, &report,
		`SELECT test_id, name, file_path,
			COUNT(*) AS total_runs,
			`+passedExpr+` AS passed_runs,
			`+failedExpr+` AS failed_runs,
			`+pctExpr+` AS flaky_percentage
		FROM test_results
		WHERE created_at >= ? AND status IN ?
		GROUP BY test_id, name, file_path
		HAVING COUNT(*) > 1
			AND `+pctExpr+` >= ?
			AND `+pctExpr+` < 100
		ORDER BY flaky_percentage DESC, total_runs DESC, test_id ASC
		LIMIT ?`,
		since, outcomes, threshold, l.cfg.FlakyMaxResults,
	); err != nil {
		return nil, fmt.Errorf("computing flaky tests: %w", err)
	}

	if len(report) == 0 {
		return report, nil
	}

	testIDs := make([]string, 0, len(report))
	for _, f := range report {
		testIDs = append(testIDs, f.TestID)
	}

	type outcomeRow struct {
		TestID   string
		Name     string
		FilePath string
		Status   string
	}

	rows := make([]outcomeRow, 0)
	if err := l.store.QueryAll(ctx, &rows,
		`SELECT test_id, name, file_path, status
		FROM test_results
		WHERE created_at >= ? AND status IN ? AND test_id IN ?
		ORDER BY created_at ASC, seq ASC`,
		since, outcomes, testIDs,
	); err != nil {
		return nil, fmt.Errorf("loading flaky test history: %w", err)
	}

	type groupKey struct{ testID, name, filePath string }

	histories := make(map[groupKey][]string, len(report))
	for _, row := range rows {
		key := groupKey{row.TestID, row.Name, row.FilePath}
		histories[key] = append(histories[key], row.Status)
	}

	for i := range report {
		key := groupKey{report[i].TestID, report[i].Name, report[i].FilePath}

		report[i].History = histories[key]
		if report[i].History == nil {
			report[i].History = make([]string, 0)
		}
	}

	return report, nil
}

// dayExpr returns the dialect's expression for the UTC calendar day of
// created_at, formatted YYYY-MM-DD.
func (l *executionLog) dayExpr() string {
	if l.store.Dialect() == store.DialectPostgres {
		return `to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD')`
	}

	return `strftime('%Y-%m-%d', created_at)`
}

// GetTimeline counts outcomes per day over the trailing window, oldest
// day first. Pending executions are not counted.
func (l *executionLog) GetTimeline(
	ctx context.Context, days int,
) ([]DailyBucket, error) {
	if days < 0 {
		return nil, store.Validationf("days must not be negative")
	}

	if days == 0 {
		days = l.cfg.TimelineDays
	}

	since := l.now().AddDate(0, 0, -days)

	buckets := make([]DailyBucket, 0)
	if err := l.store.QueryAll(ctx, &buckets,
		`SELECT `+l.dayExpr()+` AS day,
			SUM(CASE WHEN status = 'passed' THEN 1 ELSE 0 END) AS passed,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS failed,
			SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END) AS skipped,
			SUM(CASE WHEN status = 'timedOut' THEN 1 ELSE 0 END) AS timed_out,
			COUNT(*) AS total
		FROM test_results
		WHERE created_at >= ? AND status <> ?
		GROUP BY day
		ORDER BY day ASC`,
		since, store.StatusPending,
	); err != nil {
		return nil, fmt.Errorf("computing timeline: %w", err)
	}

	return buckets, nil
}

// DeleteByTestID removes every attempt of a logical test. Attachments are
// removed by the engine.
func (l *executionLog) DeleteByTestID(
	ctx context.Context, testID string,
) (int64, error) {
	n, err := l.store.Execute(ctx, "DELETE FROM test_results WHERE test_id = ?", testID)
	if err != nil {
		return 0, fmt.Errorf("deleting executions by test id: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"test_id": testID,
		"deleted": n,
	}).Debug("Deleted executions")

	return n, nil
}

// DeleteByExecutionID removes one execution and, through the engine, its
// attachments.
func (l *executionLog) DeleteByExecutionID(
	ctx context.Context, id string,
) (int64, error) {
	n, err := l.store.Execute(ctx, "DELETE FROM test_results WHERE id = ?", id)
	if err != nil {
		return 0, fmt.Errorf("deleting execution: %w", err)
	}

	return n, nil
}

// DeletePending removes every pending execution ahead of a discovery cycle.
func (l *executionLog) DeletePending(ctx context.Context) (int64, error) {
	n, err := l.store.Execute(ctx,
		"DELETE FROM test_results WHERE status = ?", store.StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting pending executions: %w", err)
	}

	return n, nil
}

func (l *executionLog) DeleteAll(ctx context.Context) (int64, error) {
	n, err := l.store.Execute(ctx, "DELETE FROM test_results")
	if err != nil {
		return 0, fmt.Errorf("deleting all executions: %w", err)
	}

	return n, nil
}

type statusCountRow struct {
	Status string
	Count  int64
}

// CountByRun tallies the executions of a run by status.
func (l *executionLog) CountByRun(
	ctx context.Context, runID string,
) (*StatusCounts, error) {
	rows := make([]statusCountRow, 0)
	if err := l.store.QueryAll(ctx, &rows,
		`SELECT status, COUNT(*) AS count
		FROM test_results
		WHERE run_id = ?
		GROUP BY status`,
		runID,
	); err != nil {
		return nil, fmt.Errorf("counting executions by run: %w", err)
	}

	counts := &StatusCounts{}
	for _, row := range rows {
		counts.add(row.Status, row.Count)
	}

	return counts, nil
}

// Stats summarises the whole log. Latest counts statuses over the latest
// execution of every logical test.
func (l *executionLog) Stats(ctx context.Context) (*TestStats, error) {
	var totals struct {
		TotalExecutions int64
		UniqueTests     int64
	}

	if _, err := l.store.QueryOne(ctx, &totals,
		`SELECT COUNT(*) AS total_executions,
			COUNT(DISTINCT test_id) AS unique_tests
		FROM test_results`,
	); err != nil {
		return nil, fmt.Errorf("counting executions: %w", err)
	}

	rows := make([]statusCountRow, 0)
	if err := l.store.QueryAll(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM (
			SELECT status,
				ROW_NUMBER() OVER (
					PARTITION BY test_id ORDER BY updated_at DESC, seq DESC
				) AS rn
			FROM test_results
		) ranked
		WHERE rn = 1
		GROUP BY status`,
	); err != nil {
		return nil, fmt.Errorf("counting latest executions: %w", err)
	}

	stats := &TestStats{
		TotalExecutions: totals.TotalExecutions,
		UniqueTests:     totals.UniqueTests,
	}

	for _, row := range rows {
		stats.Latest.add(row.Status, row.Count)
	}

	return stats, nil
}
