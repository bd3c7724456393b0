package repository

import (
	"context"
	"fmt"

	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OtherAttachmentType is the statistics bucket of unrecognised types.
const OtherAttachmentType = "other"

// AttachmentLedger stores attachment metadata rows.
type AttachmentLedger interface {
	SaveAttachment(ctx context.Context, att *store.Attachment) error
	GetAttachment(ctx context.Context, id string) (*store.Attachment, error)
	GetAttachmentsByExecution(ctx context.Context, executionID string) ([]store.Attachment, error)
	GetAttachmentsByExecutions(ctx context.Context, executionIDs []string) ([]store.Attachment, error)
	GetAttachmentsByTestID(ctx context.Context, testID string) ([]store.Attachment, error)
	DeleteAttachment(ctx context.Context, id string) (int64, error)
	DeleteAttachmentsByExecution(ctx context.Context, executionID string) (int64, error)
	DeleteAllAttachments(ctx context.Context) (int64, error)
	AttachmentStats(ctx context.Context) (*AttachmentStats, error)
}

// TypeStats is the count and byte total of one attachment type.
type TypeStats struct {
	Count int64 `json:"count"`
	Bytes int64 `json:"bytes"`
}

// AttachmentStats aggregates attachment rows.
type AttachmentStats struct {
	TotalCount    int64                `json:"total_count"`
	TotalBytes    int64                `json:"total_bytes"`
	ByType        map[string]TypeStats `json:"by_type"`
	ExecutionDirs int64                `json:"execution_dirs"`
}

// Compile-time interface check.
var _ AttachmentLedger = (*attachmentLedger)(nil)

type attachmentLedger struct {
	log   logrus.FieldLogger
	store store.Store
}

// NewAttachmentLedger creates an AttachmentLedger backed by st.
func NewAttachmentLedger(log logrus.FieldLogger, st store.Store) AttachmentLedger {
	return &attachmentLedger{
		log:   log.WithField("component", "attachment-ledger"),
		store: st,
	}
}

// SaveAttachment inserts an attachment row. It fails with
// ErrConstraintViolation when the parent execution does not exist.
func (l *attachmentLedger) SaveAttachment(
	ctx context.Context, att *store.Attachment,
) error {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}

	if att.TestResultID == "" {
		return store.Validationf("execution id is required")
	}

	if !store.ValidAttachmentType(att.Type) {
		return store.Validationf("invalid attachment type %q", att.Type)
	}

	if att.FileSize < 0 {
		return store.Validationf("file size must not be negative")
	}

	if att.CreatedAt.IsZero() {
		att.CreatedAt = utcNow()
	}

	att.CreatedAt = att.CreatedAt.UTC()

	if _, err := l.store.Execute(ctx,
		`INSERT INTO attachments
			(id, test_result_id, type, file_name, file_path, file_size, mime_type, url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.TestResultID, att.Type, att.FileName, att.FilePath,
		att.FileSize, att.MimeType, att.URL, att.CreatedAt,
	); err != nil {
		return fmt.Errorf("saving attachment: %w", err)
	}

	return nil
}

func (l *attachmentLedger) GetAttachment(
	ctx context.Context, id string,
) (*store.Attachment, error) {
	var att store.Attachment

	found, err := l.store.QueryOne(ctx, &att, "SELECT * FROM attachments WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting attachment: %w", err)
	}

	if !found {
		return nil, nil
	}

	return &att, nil
}

func (l *attachmentLedger) GetAttachmentsByExecution(
	ctx context.Context, executionID string,
) ([]store.Attachment, error) {
	atts := make([]store.Attachment, 0)
	if err := l.store.QueryAll(ctx, &atts,
		`SELECT * FROM attachments
		WHERE test_result_id = ?
		ORDER BY created_at ASC, id ASC`,
		executionID,
	); err != nil {
		return nil, fmt.Errorf("getting attachments by execution: %w", err)
	}

	return atts, nil
}

// GetAttachmentsByExecutions loads the attachments of many executions,
// querying in batches of DeleteBatchSize ids.
func (l *attachmentLedger) GetAttachmentsByExecutions(
	ctx context.Context, executionIDs []string,
) ([]store.Attachment, error) {
	atts := make([]store.Attachment, 0)

	for _, batch := range chunk(executionIDs, DeleteBatchSize) {
		page := make([]store.Attachment, 0)
		if err := l.store.QueryAll(ctx, &page,
			`SELECT * FROM attachments
			WHERE test_result_id IN ?
			ORDER BY created_at ASC, id ASC`,
			batch,
		); err != nil {
			return nil, fmt.Errorf("getting attachments by executions: %w", err)
		}

		atts = append(atts, page...)
	}

	return atts, nil
}

func (l *attachmentLedger) GetAttachmentsByTestID(
	ctx context.Context, testID string,
) ([]store.Attachment, error) {
	atts := make([]store.Attachment, 0)
	if err := l.store.QueryAll(ctx, &atts,
		`SELECT a.* FROM attachments a
		JOIN test_results r ON r.id = a.test_result_id
		WHERE r.test_id = ?
		ORDER BY a.created_at ASC, a.id ASC`,
		testID,
	); err != nil {
		return nil, fmt.Errorf("getting attachments by test id: %w", err)
	}

	return atts, nil
}

func (l *attachmentLedger) DeleteAttachment(
	ctx context.Context, id string,
) (int64, error) {
	n, err := l.store.Execute(ctx, "DELETE FROM attachments WHERE id = ?", id)
	if err != nil {
		return 0, fmt.Errorf("deleting attachment: %w", err)
	}

	return n, nil
}

func (l *attachmentLedger) DeleteAttachmentsByExecution(
	ctx context.Context, executionID string,
) (int64, error) {
	n, err := l.store.Execute(ctx,
		"DELETE FROM attachments WHERE test_result_id = ?", executionID,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting attachments by execution: %w", err)
	}

	return n, nil
}

func (l *attachmentLedger) DeleteAllAttachments(ctx context.Context) (int64, error) {
	n, err := l.store.Execute(ctx, "DELETE FROM attachments")
	if err != nil {
		return 0, fmt.Errorf("deleting all attachments: %w", err)
	}

	return n, nil
}

// AttachmentStats counts rows and recorded bytes per type. Unknown types
// are folded into the "other" bucket. ExecutionDirs is the number of
// distinct executions owning at least one attachment.
func (l *attachmentLedger) AttachmentStats(
	ctx context.Context,
) (*AttachmentStats, error) {
	type typeRow struct {
		Type  string
		Count int64
		Bytes int64
	}

	rows := make([]typeRow, 0)
	if err := l.store.QueryAll(ctx, &rows,
		`SELECT type, COUNT(*) AS count, COALESCE(SUM(file_size), 0) AS bytes
		FROM attachments
		GROUP BY type`,
	); err != nil {
		return nil, fmt.Errorf("aggregating attachments: %w", err)
	}

	var dirs int64
	if _, err := l.store.QueryOne(ctx, &dirs,
		"SELECT COUNT(DISTINCT test_result_id) FROM attachments",
	); err != nil {
		return nil, fmt.Errorf("counting attachment directories: %w", err)
	}

	stats := &AttachmentStats{
		ByType: map[string]TypeStats{
			store.AttachmentVideo:      {},
			store.AttachmentScreenshot: {},
			store.AttachmentTrace:      {},
			store.AttachmentLog:        {},
			OtherAttachmentType:        {},
		},
		ExecutionDirs: dirs,
	}

	for _, row := range rows {
		bucket := row.Type
		if !store.ValidAttachmentType(bucket) {
			bucket = OtherAttachmentType
		}

		ts := stats.ByType[bucket]
		ts.Count += row.Count
		ts.Bytes += row.Bytes
		stats.ByType[bucket] = ts

		stats.TotalCount += row.Count
		stats.TotalBytes += row.Bytes
	}

	return stats, nil
}
