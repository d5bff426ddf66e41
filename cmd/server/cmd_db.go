package main

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var historyLimit int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the readings table if it does not exist",
	RunE:  runMigrate,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent readings from the database",
	Long:  `Print the most recent readings, oldest first, one JSON document per line.`,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "number of readings (non-positive means the configured default)")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(historyCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, logCloser, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	// Opening migrates too; Migrate is idempotent
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	stats, err := store.GetStorageStats()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date (%d readings)\n", cfg.Database.Path, stats.TotalReadings)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, logger, logCloser, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	// Keep stdout to the readings themselves
	store, err := openStore(cfg, logger.Level(zerolog.WarnLevel))
	if err != nil {
		return err
	}
	defer store.Close()

	limit := historyLimit
	if limit <= 0 {
		limit = cfg.History.DefaultLimit
	}

	readings, err := store.GetRecentReadings(limit)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, r := range readings {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
