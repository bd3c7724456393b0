package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults and TESTOOR_* environment
overrides have been applied. Secrets are masked.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	effective := *cfg

	if effective.Database.Postgres.Password != "" {
		effective.Database.Postgres.Password = "********"
	}

	if effective.Storage.S3.SecretAccessKey != "" {
		effective.Storage.S3.SecretAccessKey = "********"
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)

	if err := enc.Encode(&effective); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return enc.Close()
}
