package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/testoor/pkg/retention"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	pruneDryRun      bool
	pruneMaxAge      time.Duration
	pruneKeepPerTest int
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Run one retention sweep and exit",
	Long: `Run one retention sweep using the retention section of the config.
The age and count limits can be overridden with flags. With --dry-run the
candidates are only logged.`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Log candidates without deleting")
	pruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 0,
		"Override retention.max_age (e.g. 720h, 0 disables)")
	pruneCmd.Flags().IntVar(&pruneKeepPerTest, "keep-per-test", 0,
		"Override retention.keep_per_test (0 disables)")
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	retentionCfg := cfg.Retention
	retentionCfg.DryRun = retentionCfg.DryRun || pruneDryRun

	if cmd.Flags().Changed("max-age") {
		retentionCfg.MaxAge = pruneMaxAge
	}

	if cmd.Flags().Changed("keep-per-test") {
		retentionCfg.KeepPerTest = pruneKeepPerTest
	}

	if err := retentionCfg.Validate(); err != nil {
		return fmt.Errorf("validating retention config: %w", err)
	}

	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	result, err := retention.NewSweeper(log, b.svc, b.metrics, &retentionCfg).Sweep(ctx)
	if err != nil {
		return fmt.Errorf("running sweep: %w", err)
	}

	log.WithFields(logrus.Fields{
		"dry_run":          result.DryRun,
		"age_candidates":   result.AgeCandidates,
		"count_candidates": result.CountCandidates,
		"deleted":          result.Deleted,
		"blobs_deleted":    result.BlobsDeleted,
		"runs_pruned":      result.RunsPruned,
	}).Info("Prune finished")

	return nil
}
