// Package retention runs the retention engine on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/metrics"
	"github.com/ethpandaops/testoor/pkg/service"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper periodically prunes executions by age and by count per test.
type Sweeper interface {
	Start(ctx context.Context) error
	Stop() error
	// Sweep runs one pass immediately.
	Sweep(ctx context.Context) (*Result, error)
}

// Result summarises one sweep.
type Result struct {
	DryRun          bool  `json:"dry_run"`
	AgeCandidates   int   `json:"age_candidates"`
	CountCandidates int   `json:"count_candidates"`
	Deleted         int64 `json:"deleted"`
	BlobsDeleted    int   `json:"blobs_deleted"`
	RunsPruned      int64 `json:"runs_pruned"`
}

// Compile-time interface check.
var _ Sweeper = (*sweeper)(nil)

type sweeper struct {
	log     logrus.FieldLogger
	svc     service.Service
	metrics *metrics.Metrics
	cfg     *config.RetentionConfig
	cron    *cron.Cron
	now     func() time.Time

	// mu serializes sweeps started by the schedule and by callers.
	mu sync.Mutex
}

// NewSweeper creates a Sweeper. m may be nil.
func NewSweeper(
	log logrus.FieldLogger,
	svc service.Service,
	m *metrics.Metrics,
	cfg *config.RetentionConfig,
) Sweeper {
	return &sweeper{
		log:     log.WithField("component", "retention"),
		svc:     svc,
		metrics: m,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the sweep on the configured schedule. It returns
// immediately; sweeps run in the cron goroutine until Stop.
func (s *sweeper) Start(ctx context.Context) error {
	logger := cron.PrintfLogger(s.log)

	s.cron = cron.New(cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))

	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.WithError(err).Error("Retention sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("scheduling retention sweep: %w", err)
	}

	s.cron.Start()

	s.log.WithFields(logrus.Fields{
		"schedule":      s.cfg.Schedule,
		"max_age":       s.cfg.MaxAge.String(),
		"keep_per_test": s.cfg.KeepPerTest,
		"dry_run":       s.cfg.DryRun,
	}).Info("Retention sweeper started")

	return nil
}

// Stop waits for a running sweep to finish.
func (s *sweeper) Stop() error {
	if s.cron == nil {
		return nil
	}

	<-s.cron.Stop().Done()

	s.log.Info("Retention sweeper stopped")

	return nil
}

// Sweep prunes by age, then by count, then removes empty runs past the age
// cutoff. In dry-run mode candidates are only logged.
func (s *sweeper) Sweep(ctx context.Context) (result *Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result = &Result{DryRun: s.cfg.DryRun}

	defer func() {
		s.metrics.ObserveSweep(time.Since(start), err)
	}()

	retention := s.svc.Repositories().Retention

	var cutoff time.Time
	if s.cfg.MaxAge > 0 {
		cutoff = s.now().Add(-s.cfg.MaxAge)

		ids, err := retention.PruneOlderThan(ctx, cutoff)
		if err != nil {
			return result, err
		}

		result.AgeCandidates = len(ids)

		if err := s.prune(ctx, ids, metrics.ReasonAge, result); err != nil {
			return result, err
		}
	}

	if s.cfg.KeepPerTest > 0 {
		ids, err := retention.PruneExcessPerTest(ctx, s.cfg.KeepPerTest)
		if err != nil {
			return result, err
		}

		result.CountCandidates = len(ids)

		if err := s.prune(ctx, ids, metrics.ReasonCount, result); err != nil {
			return result, err
		}
	}

	if s.cfg.PruneRuns && !cutoff.IsZero() && !s.cfg.DryRun {
		n, err := retention.PruneRunsOlderThan(ctx, cutoff)
		if err != nil {
			return result, err
		}

		result.RunsPruned = n
		s.metrics.RecordRunsPruned(n)
	}

	s.log.WithFields(logrus.Fields{
		"age_candidates":   result.AgeCandidates,
		"count_candidates": result.CountCandidates,
		"deleted":          result.Deleted,
		"blobs_deleted":    result.BlobsDeleted,
		"runs_pruned":      result.RunsPruned,
		"dry_run":          result.DryRun,
		"duration":         time.Since(start).Round(time.Millisecond),
	}).Info("Retention sweep completed")

	return result, nil
}

func (s *sweeper) prune(
	ctx context.Context, ids []string, reason string, result *Result,
) error {
	if len(ids) == 0 {
		return nil
	}

	if s.cfg.DryRun {
		s.log.WithFields(logrus.Fields{
			"reason": reason,
			"count":  len(ids),
			"ids":    ids,
		}).Info("Dry run: would prune executions")

		return nil
	}

	pruned, err := s.svc.PruneExecutions(ctx, ids, reason)
	if pruned != nil {
		result.Deleted += pruned.Deleted
		result.BlobsDeleted += pruned.BlobsDeleted
	}

	if err != nil {
		return fmt.Errorf("pruning by %s: %w", reason, err)
	}

	return nil
}
