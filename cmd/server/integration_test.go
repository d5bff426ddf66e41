//go:build integration
// +build integration

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/afroash/smartplant/internal/cache"
	"github.com/afroash/smartplant/internal/client"
	"github.com/afroash/smartplant/internal/config"
	"github.com/afroash/smartplant/internal/ingest"
	"github.com/afroash/smartplant/internal/models"
	"github.com/afroash/smartplant/internal/server"
	"github.com/afroash/smartplant/internal/storage"
)

// TestFullSystem publishes to a real broker and reads the reading back over HTTP
// Run with: go test -tags=integration -v ./cmd/server/
func TestFullSystem(t *testing.T) {
	cfg := &config.AppConfig{}
	cfg.ApplyDefaults()
	if err := cfg.OverrideFromEnv(); err != nil {
		t.Fatalf("OverrideFromEnv failed: %v", err)
	}
	// A private topic so parallel runs against a public broker do not mix
	cfg.MQTT.Topic = "smartplant/it-" + uuid.NewString()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "it.db"), logger)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	latest := cache.New()
	ingestor := ingest.NewIngestor(store, latest, logger)
	subscriber := ingest.NewSubscriber(ingest.SubscriberConfig{
		Broker:        cfg.MQTT.Broker,
		Port:          cfg.MQTT.Port,
		Topic:         cfg.MQTT.Topic,
		AutoReconnect: true,
	}, ingestor, logger)

	if err := subscriber.Start(); err != nil {
		t.Skipf("broker unreachable: %v", err)
	}
	defer subscriber.Stop()

	waitFor(t, 10*time.Second, func() bool { return subscriber.State() == ingest.StateSubscribed })

	publisher := client.NewPublisher(client.PublisherConfig{
		Broker: cfg.MQTT.Broker,
		Port:   cfg.MQTT.Port,
		Topic:  cfg.MQTT.Topic,
		QoS:    1,
	}, nil, logger)
	publisher.Start()
	defer publisher.Stop()

	reading := models.Reading{Timestamp: "2024-06-01 08:00:00", Temperature: 23.4, Moisture: 51, Light: 812}
	if err := publisher.Publish(reading); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool { return ingestor.Stats().Stored == 1 })

	api := server.NewAPIHandler(store, latest, logger)
	srv := httptest.NewServer(server.NewRouter(api, nil, logger))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/latest")
	if err != nil {
		t.Fatalf("GET /api/latest failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string         `json:"status"`
		Data   models.Reading `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Data.Temperature != 23.4 {
		t.Errorf("body = %+v", body)
	}

	t.Logf("System test passed: %+v", body.Data)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
