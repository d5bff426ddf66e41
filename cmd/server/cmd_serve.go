package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/afroash/smartplant/internal/cache"
	"github.com/afroash/smartplant/internal/ingest"
	"github.com/afroash/smartplant/internal/server"
	"github.com/afroash/smartplant/internal/storage"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion service and HTTP API",
	Long: `Connect to the MQTT broker, store every reading received on the
configured topic and serve /api/latest, /api/history, /api/stats and the live
/api/stream feed.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, logCloser, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info().
		Str("version", version).
		Str("config", cfg.String()).
		Msg("Starting SmartPlant")

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		store.Close()
		logger.Info().Msg("SQLiteStore closed")
	}()

	maintainer := storage.NewMaintainer(store, storage.MaintainerConfig{
		CheckpointPeriod: cfg.Database.CheckpointPeriod,
	}, logger)

	latest := cache.New()
	ingestor := ingest.NewIngestor(store, latest, logger)

	var hub *server.StreamHub
	if cfg.StreamEnabled() {
		hub = server.NewStreamHub(server.StreamConfig{
			BufferSize:     cfg.Stream.BufferSize,
			WriteTimeout:   cfg.Stream.WriteTimeout,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}, latest, logger)
		ingestor.AddListener(hub)
	}

	subscriber := ingest.NewSubscriber(ingest.SubscriberConfig{
		Broker:               cfg.MQTT.Broker,
		Port:                 cfg.MQTT.Port,
		Topic:                cfg.MQTT.Topic,
		ClientID:             cfg.MQTT.ClientID,
		QoS:                  byte(cfg.MQTT.QoS),
		Username:             cfg.MQTT.Username,
		Password:             cfg.MQTT.Password,
		KeepAlive:            cfg.MQTT.KeepAlive,
		ConnectTimeout:       cfg.MQTT.ConnectTimeout,
		AutoReconnect:        cfg.MQTTAutoReconnect(),
		ConnectRetry:         cfg.MQTT.ConnectRetry,
		ConnectRetryInterval: cfg.MQTT.ConnectRetryInterval,
		MaxReconnectInterval: cfg.MQTT.MaxReconnectInterval,
	}, ingestor, logger)

	api := server.NewAPIHandler(store, latest, logger)
	api.SetDefaultLimit(cfg.History.DefaultLimit)
	api.SetVersion(version)
	api.SetStatsSources(ingestor, subscriber, hub)
	api.SetMaintenance(maintainer)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.NewRouter(api, hub, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Broker connection failures are fatal at startup unless connect retry is on
	if err := subscriber.Start(); err != nil {
		return fmt.Errorf("failed to start MQTT subscriber: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down server...")
	case err := <-serverErr:
		if err != nil {
			subscriber.Stop()
			maintainer.Stop()
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	subscriber.Stop()
	logger.Info().Msg("Subscriber stopped")

	if hub != nil {
		hub.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
	}

	maintainer.Stop()

	stats := ingestor.Stats()
	logger.Info().
		Int64("received", stats.Received).
		Int64("stored", stats.Stored).
		Int64("decode_errors", stats.DecodeErrors).
		Int64("storage_errors", stats.StorageErrors).
		Msg("Server stopped")

	return nil
}
