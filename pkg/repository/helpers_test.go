package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	s := store.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: store.DialectSQLite,
		SQLite: config.SQLiteDatabaseConfig{
			Path: filepath.Join(t.TempDir(), "test.db"),
		},
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func setupRepositories(t *testing.T) (*Repositories, store.Store) {
	t.Helper()

	s := setupTestStore(t)
	cfg := config.Default()

	return New(testLogger(), s, &cfg.Query), s
}

func createRun(t *testing.T, repos *Repositories, id string) {
	t.Helper()

	require.NoError(t, repos.Runs.CreateRun(context.Background(), &store.Run{ID: id}))
}

// execution builds a TestResult for testID created at the given offset
// from now.
func execution(
	id, testID, runID, status string, age time.Duration,
) *store.TestResult {
	return &store.TestResult{
		ID:        id,
		TestID:    testID,
		RunID:     runID,
		Name:      "name of " + testID,
		FilePath:  "tests/" + testID + ".spec.ts",
		Status:    status,
		Duration:  100,
		CreatedAt: time.Now().UTC().Add(-age),
	}
}

func saveExecution(t *testing.T, repos *Repositories, data *store.TestResult) string {
	t.Helper()

	id, err := repos.Executions.SaveExecution(context.Background(), data)
	require.NoError(t, err)

	return id
}

func saveAttachments(t *testing.T, repos *Repositories, executionID string, n int) {
	t.Helper()

	for i := range n {
		require.NoError(t, repos.Attachments.SaveAttachment(context.Background(), &store.Attachment{
			ID:           fmt.Sprintf("%s-att-%d", executionID, i),
			TestResultID: executionID,
			Type:         store.AttachmentScreenshot,
			FileName:     fmt.Sprintf("shot-%d.png", i),
			FilePath:     fmt.Sprintf("%s/shot-%d.png", executionID, i),
			FileSize:     1024,
			URL:          fmt.Sprintf("/files/%s/shot-%d.png", executionID, i),
		}))
	}
}
