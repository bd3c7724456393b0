package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// RetentionEngine selects obsolete executions and deletes them in batches.
// Selection is read-only so callers can log or dry-run before deleting.
type RetentionEngine interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	PruneExcessPerTest(ctx context.Context, keep int) ([]string, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
	PruneRunsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Compile-time interface check.
var _ RetentionEngine = (*retentionEngine)(nil)

type retentionEngine struct {
	log   logrus.FieldLogger
	store store.Store
}

// NewRetentionEngine creates a RetentionEngine backed by st.
func NewRetentionEngine(log logrus.FieldLogger, st store.Store) RetentionEngine {
	return &retentionEngine{
		log:   log.WithField("component", "retention-engine"),
		store: st,
	}
}

// PruneOlderThan returns the ids of executions created before cutoff.
func (e *retentionEngine) PruneOlderThan(
	ctx context.Context, cutoff time.Time,
) ([]string, error) {
	ids := make([]string, 0)
	if err := e.store.QueryAll(ctx, &ids,
		"SELECT id FROM test_results WHERE created_at < ? ORDER BY seq ASC",
		cutoff.UTC(),
	); err != nil {
		return nil, fmt.Errorf("selecting executions older than cutoff: %w", err)
	}

	return ids, nil
}

// PruneExcessPerTest returns the ids of executions ranked beyond keep
// within their logical test, newest first by creation time.
func (e *retentionEngine) PruneExcessPerTest(
	ctx context.Context, keep int,
) ([]string, error) {
	if keep < 0 {
		return nil, store.Validationf("keep count must not be negative")
	}

	ids := make([]string, 0)
	if err := e.store.QueryAll(ctx, &ids,
		`SELECT id FROM (
			SELECT id, seq,
				ROW_NUMBER() OVER (
					PARTITION BY test_id ORDER BY created_at DESC, seq DESC
				) AS rn
			FROM test_results
		) ranked
		WHERE rn > ?
		ORDER BY seq ASC`,
		keep,
	); err != nil {
		return nil, fmt.Errorf("selecting excess executions: %w", err)
	}

	return ids, nil
}

// DeleteByIDs deletes executions in batches of DeleteBatchSize and
// compacts the database once afterwards. A failed batch aborts the
// remaining batches; the count of rows already deleted is returned with
// the error. An empty list is a no-op.
func (e *retentionEngine) DeleteByIDs(
	ctx context.Context, ids []string,
) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var total int64

	batches := chunk(ids, DeleteBatchSize)
	for i, batch := range batches {
		n, err := e.store.Execute(ctx, "DELETE FROM test_results WHERE id IN ?", batch)
		if err != nil {
			return total, fmt.Errorf("deleting batch %d of %d: %w", i+1, len(batches), err)
		}

		total += n
	}

	if err := e.store.Compact(ctx); err != nil {
		return total, fmt.Errorf("compacting after delete: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"requested": len(ids),
		"deleted":   total,
		"batches":   len(batches),
	}).Info("Deleted executions")

	return total, nil
}

// PruneRunsOlderThan deletes runs created before cutoff that no longer own
// any execution.
func (e *retentionEngine) PruneRunsOlderThan(
	ctx context.Context, cutoff time.Time,
) (int64, error) {
	n, err := e.store.Execute(ctx,
		`DELETE FROM runs
		WHERE created_at < ?
			AND NOT EXISTS (SELECT 1 FROM test_results r WHERE r.run_id = runs.id)`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}

	if n > 0 {
		e.log.WithField("deleted", n).Info("Pruned runs")
	}

	return n, nil
}
