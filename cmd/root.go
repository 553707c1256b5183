package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bikecorp/ingest-cli/internal/config"
)

// cfg is loaded once in PersistentPreRunE and read by every subcommand.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "ingest",
	Short:         "Multi-source ETL pipeline for the bike-store dataset",
	Long:          "Fetches entities from the warehouse database, the operational REST API, and staged CSV snapshots, then deduplicates them into canonical documents in the document store.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ingest:", err)
		os.Exit(1)
	}
}
