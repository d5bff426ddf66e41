package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/afroash/smartplant/internal/client"
	"github.com/afroash/smartplant/internal/sensor"
)

var (
	simInterval time.Duration
	simCount    int
	simSeed     int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Publish simulated plant readings to the MQTT topic",
	Long: `Generate random temperature, moisture and light readings and publish
them to the configured MQTT topic. Readings produced while the broker is
unreachable are held in a backlog and sent once the connection is back.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().DurationVar(&simInterval, "interval", 0, "time between readings (config simulator.interval when zero)")
	simulateCmd.Flags().IntVarP(&simCount, "count", "n", 0, "stop after this many readings (0 runs until interrupted)")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 0, "random seed (0 picks one from the clock)")

	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, logger, logCloser, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	interval := cfg.Simulator.Interval
	if simInterval > 0 {
		interval = simInterval
	}
	seed := simSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	publisher := client.NewPublisher(client.PublisherConfig{
		Broker:               cfg.MQTT.Broker,
		Port:                 cfg.MQTT.Port,
		Topic:                cfg.MQTT.Topic,
		QoS:                  byte(cfg.MQTT.QoS),
		Retained:             cfg.MQTT.Retained,
		Username:             cfg.MQTT.Username,
		Password:             cfg.MQTT.Password,
		KeepAlive:            cfg.MQTT.KeepAlive,
		ConnectTimeout:       cfg.MQTT.ConnectTimeout,
		ConnectRetryInterval: cfg.MQTT.ConnectRetryInterval,
		MaxReconnectInterval: cfg.MQTT.MaxReconnectInterval,
	}, client.NewReadingBuffer(cfg.Simulator.BacklogSize, true), logger)

	reader := sensor.NewReader(sensor.NewSimulator(seed), interval, logger)
	defer reader.Close()

	logger.Info().
		Str("broker", publisher.BrokerURL()).
		Str("topic", cfg.MQTT.Topic).
		Dur("interval", interval).
		Int("count", simCount).
		Int64("seed", seed).
		Msg("Starting simulator")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher.Start()

	readErr := make(chan error, 1)
	go func() {
		readErr <- reader.Start(ctx, simCount)
	}()

	// Run ends when the reader closes its channel
	if err := publisher.Run(context.Background(), reader.Readings()); err != nil {
		return err
	}
	publisher.Stop()

	stats := publisher.Stats()
	logger.Info().
		Int64("published", stats.Published).
		Int64("queued", stats.Queued).
		Int64("failed", stats.Failed).
		Int("unsent", stats.Backlog).
		Msg("Simulator stopped")

	if err := <-readErr; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sensor reader failed: %w", err)
	}
	return nil
}
