package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/smartplant/internal/ingest"
	"github.com/afroash/smartplant/internal/storage"
)

// Response status values
const (
	StatusOK    = "ok"
	StatusEmpty = "empty"
	StatusError = "error"
)

// Response is the JSON envelope returned by every API endpoint
type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// APIHandler handles HTTP API requests for current and historical readings
type APIHandler struct {
	store        ReadingStore
	cache        LatestReader
	logger       zerolog.Logger
	defaultLimit int
	version      string

	ingest      IngestStatsSource
	subscriber  SubscriberStateSource
	stream      *StreamHub
	maintenance MaintenanceStatsSource
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(store ReadingStore, cache LatestReader, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		store:        store,
		cache:        cache,
		logger:       logger.With().Str("component", "api").Logger(),
		defaultLimit: storage.DefaultRecentLimit,
		version:      "dev",
	}
}

// SetDefaultLimit sets the history size used when the request has no usable limit
func (api *APIHandler) SetDefaultLimit(limit int) {
	if limit > 0 {
		api.defaultLimit = limit
	}
}

// SetVersion sets the version reported by the health endpoint
func (api *APIHandler) SetVersion(version string) {
	api.version = version
}

// SetStatsSources wires optional runtime sources into /api/stats and /health.
// Any of them may be nil.
func (api *APIHandler) SetStatsSources(ing IngestStatsSource, sub SubscriberStateSource, stream *StreamHub) {
	api.ingest = ing
	api.subscriber = sub
	api.stream = stream
}

// SetMaintenance wires the database maintainer into /api/stats
func (api *APIHandler) SetMaintenance(m MaintenanceStatsSource) {
	api.maintenance = m
}

// HandleLatest returns the most recent reading. The cache is consulted first
// and the store only when the cache is still empty.
func (api *APIHandler) HandleLatest(w http.ResponseWriter, r *http.Request) {
	if reading, ok := api.cache.Get(); ok {
		api.writeJSON(w, http.StatusOK, Response{Status: StatusOK, Data: reading})
		return
	}

	reading, err := api.store.GetLatestReading()
	if err != nil {
		api.writeError(w, err)
		return
	}
	if reading == nil {
		api.writeJSON(w, http.StatusOK, Response{Status: StatusEmpty, Data: struct{}{}})
		return
	}

	api.writeJSON(w, http.StatusOK, Response{Status: StatusOK, Data: reading})
}

// HandleHistory returns recent readings for charting, oldest first
func (api *APIHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := api.parseLimit(r.URL.Query().Get("limit"))

	readings, err := api.store.GetRecentReadings(limit)
	if err != nil {
		api.writeError(w, err)
		return
	}

	api.writeJSON(w, http.StatusOK, Response{Status: StatusOK, Data: readings})
}

// parseLimit falls back to the default for absent, non-integer or non-positive values
func (api *APIHandler) parseLimit(limitStr string) int {
	if limitStr == "" {
		return api.defaultLimit
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed <= 0 {
		return api.defaultLimit
	}
	return parsed
}

// StatsData contains all runtime statistics
type StatsData struct {
	Storage       *storage.StorageStats    `json:"storage"`
	Maintenance   *storage.MaintainerStats `json:"maintenance,omitempty"`
	Ingest        *ingest.IngestStats      `json:"ingest,omitempty"`
	Subscriber    string                   `json:"subscriber,omitempty"`
	StreamClients *int                     `json:"stream_clients,omitempty"`
	GeneratedAt   time.Time                `json:"generated_at"`
}

// HandleStats returns storage, ingestion and connection statistics
func (api *APIHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	storageStats, err := api.store.GetStorageStats()
	if err != nil {
		api.writeError(w, err)
		return
	}

	data := StatsData{
		Storage:     storageStats,
		GeneratedAt: time.Now(),
	}
	if api.ingest != nil {
		s := api.ingest.Stats()
		data.Ingest = &s
	}
	if api.subscriber != nil {
		data.Subscriber = api.subscriber.State().String()
	}
	if api.maintenance != nil {
		m := api.maintenance.Stats()
		data.Maintenance = &m
	}
	if api.stream != nil {
		n := api.stream.ClientCount()
		data.StreamClients = &n
	}

	api.writeJSON(w, http.StatusOK, Response{Status: StatusOK, Data: data})
}

// HealthResponse is the body of the health check
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	MQTT    string `json:"mqtt,omitempty"`
}

// HandleHealth reports liveness. It does not touch the database.
func (api *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: StatusOK, Version: api.version}
	if api.subscriber != nil {
		resp.MQTT = api.subscriber.State().String()
	}
	api.writeJSON(w, http.StatusOK, resp)
}

func (api *APIHandler) writeError(w http.ResponseWriter, err error) {
	api.logger.Error().Err(err).Bool("storage", storage.IsStorageError(err)).Msg("Request failed")
	api.writeJSON(w, http.StatusInternalServerError, Response{Status: StatusError, Error: err.Error()})
}

func (api *APIHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn().Err(err).Msg("Failed to write response")
	}
}
