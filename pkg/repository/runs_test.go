package repository

import (
	"context"
	"testing"
	"time"

	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLedger(t *testing.T) {
	repos, _ := setupRepositories(t)
	ctx := context.Background()

	run := &store.Run{
		ID:       "run-1",
		Metadata: store.Metadata{"branch": "main"},
	}
	require.NoError(t, repos.Runs.CreateRun(ctx, run))
	assert.Equal(t, store.RunStatusRunning, run.Status)

	t.Run("get", func(t *testing.T) {
		got, err := repos.Runs.GetRun(ctx, "run-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, store.RunStatusRunning, got.Status)
		assert.Zero(t, got.TotalTests)
		assert.Equal(t, "main", got.Metadata["branch"])
	})

	t.Run("get missing", func(t *testing.T) {
		got, err := repos.Runs.GetRun(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("partial update keeps other fields", func(t *testing.T) {
		total := 10
		found, err := repos.Runs.UpdateRun(ctx, "run-1", RunUpdate{TotalTests: &total})
		require.NoError(t, err)
		assert.True(t, found)

		passed := 7
		status := store.RunStatusCompleted
		found, err = repos.Runs.UpdateRun(ctx, "run-1", RunUpdate{
			PassedTests: &passed,
			Status:      &status,
		})
		require.NoError(t, err)
		assert.True(t, found)

		got, err := repos.Runs.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, 10, got.TotalTests)
		assert.Equal(t, 7, got.PassedTests)
		assert.Equal(t, store.RunStatusCompleted, got.Status)
		assert.Equal(t, "main", got.Metadata["branch"])
	})

	t.Run("empty update is a no-op", func(t *testing.T) {
		found, err := repos.Runs.UpdateRun(ctx, "run-1", RunUpdate{})
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("update missing run", func(t *testing.T) {
		total := 1
		found, err := repos.Runs.UpdateRun(ctx, "missing", RunUpdate{TotalTests: &total})
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("invalid status", func(t *testing.T) {
		status := "paused"
		_, err := repos.Runs.UpdateRun(ctx, "run-1", RunUpdate{Status: &status})
		assert.ErrorIs(t, err, store.ErrValidation)
	})

	t.Run("duplicate id", func(t *testing.T) {
		err := repos.Runs.CreateRun(ctx, &store.Run{ID: "run-1"})
		assert.ErrorIs(t, err, store.ErrConstraintViolation)
	})
}

func TestListRecentRuns(t *testing.T) {
	repos, _ := setupRepositories(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, id := range []string{"oldest", "middle", "newest"} {
		require.NoError(t, repos.Runs.CreateRun(ctx, &store.Run{
			ID:        id,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := repos.Runs.ListRecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "newest", runs[0].ID)
	assert.Equal(t, "middle", runs[1].ID)

	runs, err = repos.Runs.ListRecentRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestDeleteAllRuns(t *testing.T) {
	repos, _ := setupRepositories(t)
	ctx := context.Background()

	createRun(t, repos, "run-1")
	createRun(t, repos, "run-2")
	saveExecution(t, repos, execution("exec-1", "t1", "run-1", store.StatusPassed, 0))

	_, err := repos.Runs.DeleteAllRuns(ctx)
	require.ErrorIs(t, err, store.ErrConstraintViolation)

	_, err = repos.Executions.DeleteAll(ctx)
	require.NoError(t, err)

	n, err := repos.Runs.DeleteAllRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
