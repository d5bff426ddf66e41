package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/afroash/smartplant/internal/config"
	"github.com/afroash/smartplant/internal/logging"
	"github.com/afroash/smartplant/internal/storage"
)

const version = "v0.3.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "smartplant",
	Short: "SmartPlant - plant sensor telemetry service",
	Long: `SmartPlant subscribes to a plant sensor's MQTT topic, keeps every
reading in SQLite and serves the latest value and recent history over HTTP.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (defaults and environment only when empty)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadRuntime loads configuration and builds the logger shared by all commands
func loadRuntime() (*config.AppConfig, zerolog.Logger, io.Closer, error) {
	cfg, err := config.LoadAppConfig(configPath)
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}

	return cfg, logger, closer, nil
}

// openStore makes sure the data directory exists and opens the migrated store
func openStore(cfg *config.AppConfig, logger zerolog.Logger) (*storage.SQLiteStore, error) {
	dataDir := filepath.Dir(cfg.Database.Path)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewSQLiteStoreWithOptions(
		cfg.Database.Path,
		storage.Options{MaxOpenConns: cfg.Database.MaxOpenConns},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}
