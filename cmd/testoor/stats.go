package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print storage usage",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	report, err := b.svc.StorageStats(ctx)
	if err != nil {
		return fmt.Errorf("collecting storage stats: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "TYPE\tCOUNT\tSIZE\n")

	types := make([]string, 0, len(report.Attachments.ByType))
	for t := range report.Attachments.ByType {
		types = append(types, t)
	}

	sort.Strings(types)

	for _, t := range types {
		ts := report.Attachments.ByType[t]
		fmt.Fprintf(tw, "%s\t%d\t%s\n", t, ts.Count, units.HumanSize(float64(ts.Bytes)))
	}

	fmt.Fprintf(tw, "attachments\t%d\t%s\n",
		report.Attachments.TotalCount, units.HumanSize(float64(report.Attachments.TotalBytes)))
	fmt.Fprintf(tw, "blobs\t%d\t%s\n",
		report.Blobs.Files, units.HumanSize(float64(report.Blobs.Bytes)))
	fmt.Fprintf(tw, "database\t-\t%s\n", units.HumanSize(float64(report.DatabaseBytes)))
	fmt.Fprintf(tw, "total\t-\t%s\n", report.TotalHuman)

	return tw.Flush()
}
