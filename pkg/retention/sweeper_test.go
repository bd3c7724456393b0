package retention

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethpandaops/testoor/pkg/blobstore"
	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/metrics"
	"github.com/ethpandaops/testoor/pkg/service"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T) (service.Service, blobstore.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	dir := t.TempDir()

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: store.DialectSQLite,
		SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(dir, "test.db")},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	blobs := blobstore.NewLocalStore(log, &config.LocalStorageConfig{
		Enabled:   true,
		BaseDir:   filepath.Join(dir, "blobs"),
		URLPrefix: "/files/",
	})
	require.NoError(t, blobs.Preflight(context.Background()))

	cfg := config.Default()

	return service.NewService(log, st, blobs, nil, &cfg.Query), blobs
}

func newTestSweeper(
	svc service.Service, cfg *config.RetentionConfig, now time.Time,
) *sweeper {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := NewSweeper(log, svc, metrics.New(), cfg).(*sweeper)
	s.now = func() time.Time { return now }

	return s
}

// seed records n executions of testID, the i-th one created i hours
// before now, each with one log attachment.
func seed(t *testing.T, svc service.Service, runID, testID string, n int, now time.Time) {
	t.Helper()

	for i := range n {
		_, err := svc.RecordResult(context.Background(), &store.TestResult{
			ID:        fmt.Sprintf("%s-%d", testID, i),
			TestID:    testID,
			RunID:     runID,
			Status:    store.StatusPassed,
			CreatedAt: now.Add(-time.Duration(i) * time.Hour),
		}, []service.Blob{{
			Name: "stdout.txt",
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader("log")), nil
			},
		}})
		require.NoError(t, err)
	}
}

func TestSweep_ByAge(t *testing.T) {
	svc, blobs := setupService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, svc.CreateRun(ctx, &store.Run{ID: "run-1"}))
	seed(t, svc, "run-1", "t1", 5, now)

	s := newTestSweeper(svc, &config.RetentionConfig{MaxAge: 150 * time.Minute}, now)

	result, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.AgeCandidates)
	assert.Equal(t, int64(2), result.Deleted)
	assert.Equal(t, 2, result.BlobsDeleted)

	history, err := svc.Repositories().Executions.GetHistoryByTestID(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	stats, err := blobs.StorageStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Files)
}

func TestSweep_ByCount(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, svc.CreateRun(ctx, &store.Run{ID: "run-1"}))
	seed(t, svc, "run-1", "t1", 5, now)
	seed(t, svc, "run-1", "t2", 1, now)

	s := newTestSweeper(svc, &config.RetentionConfig{KeepPerTest: 2}, now)

	result, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.CountCandidates)
	assert.Equal(t, int64(3), result.Deleted)

	history, err := svc.Repositories().Executions.GetHistoryByTestID(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "t1-0", history[0].ID)
	assert.Equal(t, "t1-1", history[1].ID)

	t.Run("second sweep is a no-op", func(t *testing.T) {
		result, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, result.CountCandidates)
		assert.Zero(t, result.Deleted)
	})
}

func TestSweep_DryRun(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, svc.CreateRun(ctx, &store.Run{ID: "run-1"}))
	seed(t, svc, "run-1", "t1", 4, now)

	s := newTestSweeper(svc, &config.RetentionConfig{
		MaxAge:      90 * time.Minute,
		KeepPerTest: 1,
		PruneRuns:   true,
		DryRun:      true,
	}, now)

	result, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 2, result.AgeCandidates)
	assert.Equal(t, 3, result.CountCandidates)
	assert.Zero(t, result.Deleted)
	assert.Zero(t, result.RunsPruned)

	history, err := svc.Repositories().Executions.GetHistoryByTestID(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestSweep_PrunesEmptyRuns(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	require.NoError(t, svc.CreateRun(ctx, &store.Run{ID: "old-run", CreatedAt: old}))
	require.NoError(t, svc.CreateRun(ctx, &store.Run{ID: "old-busy-run", CreatedAt: old}))
	require.NoError(t, svc.CreateRun(ctx, &store.Run{ID: "new-run"}))

	seed(t, svc, "old-busy-run", "t1", 1, now)

	s := newTestSweeper(svc, &config.RetentionConfig{
		MaxAge:    24 * time.Hour,
		PruneRuns: true,
	}, now)

	result, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RunsPruned)

	runs := svc.Repositories().Runs

	run, err := runs.GetRun(ctx, "old-run")
	require.NoError(t, err)
	assert.Nil(t, run)

	for _, id := range []string{"old-busy-run", "new-run"} {
		run, err := runs.GetRun(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, run, id)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	svc, _ := setupService(t)
	log := logrus.New()

	t.Run("valid schedule", func(t *testing.T) {
		s := NewSweeper(log, svc, nil, &config.RetentionConfig{
			Enabled:  true,
			Schedule: "0 3 * * *",
		})

		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, s.Stop())
	})

	t.Run("invalid schedule", func(t *testing.T) {
		s := NewSweeper(log, svc, nil, &config.RetentionConfig{
			Enabled:  true,
			Schedule: "not a schedule",
		})

		require.Error(t, s.Start(context.Background()))
	})

	t.Run("stop without start", func(t *testing.T) {
		s := NewSweeper(log, svc, nil, &config.RetentionConfig{})
		require.NoError(t, s.Stop())
	})
}
