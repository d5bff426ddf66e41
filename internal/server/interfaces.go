package server

import (
	"github.com/afroash/smartplant/internal/ingest"
	"github.com/afroash/smartplant/internal/models"
	"github.com/afroash/smartplant/internal/storage"
)

// LatestReader is the read side of the latest-value cache
// cache.Latest implements this interface
type LatestReader interface {
	// Get returns the held reading, or false if none was set since start
	Get() (models.Reading, bool)
}

// ReadingStore defines the read-only view of persistent storage the API needs
// storage.SQLiteStore implements this interface
type ReadingStore interface {
	// GetLatestReading returns the newest reading, or nil when the store is empty
	GetLatestReading() (*models.Reading, error)

	// GetRecentReadings returns up to limit readings, oldest first
	GetRecentReadings(limit int) ([]*models.Reading, error)

	// GetStorageStats returns database statistics
	GetStorageStats() (*storage.StorageStats, error)
}

// IngestStatsSource reports ingestion counters
type IngestStatsSource interface {
	Stats() ingest.IngestStats
}

// SubscriberStateSource reports the MQTT connection state
type SubscriberStateSource interface {
	State() ingest.State
}

// MaintenanceStatsSource reports background database maintenance
type MaintenanceStatsSource interface {
	Stats() storage.MaintainerStats
}
