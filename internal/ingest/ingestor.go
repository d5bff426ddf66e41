package ingest

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/smartplant/internal/models"
)

// maxLoggedPayload bounds how much of a rejected payload ends up in the log
const maxLoggedPayload = 256

// MessageHandler receives raw message payloads from a transport
type MessageHandler interface {
	OnMessage(payload []byte)
}

// ReadingWriter is the part of the reading store the ingestion path needs
type ReadingWriter interface {
	InsertReading(reading *models.Reading) (int64, error)
}

// LatestSetter is the part of the latest-value cache the ingestion path needs
type LatestSetter interface {
	Set(reading models.Reading)
}

// Listener is notified after a reading has been persisted and cached.
// Implementations must not block.
type Listener interface {
	ReadingStored(reading models.Reading)
}

// Compile-time interface check
var _ MessageHandler = (*Ingestor)(nil)

// Ingestor normalizes inbound messages and writes them to the store and the cache.
// It is the only writer of either.
type Ingestor struct {
	store  ReadingWriter
	cache  LatestSetter
	logger zerolog.Logger
	now    func() time.Time

	listenersMu sync.RWMutex
	listeners   []Listener

	// Stats
	mu            sync.RWMutex
	received      int64
	stored        int64
	decodeErrors  int64
	storageErrors int64
	lastStoredAt  time.Time
}

// IngestStats contains statistics about the ingestion path
type IngestStats struct {
	Received      int64 `json:"received"`
	Stored        int64 `json:"stored"`
	DecodeErrors  int64 `json:"decode_errors"`
	StorageErrors int64 `json:"storage_errors"`
	// LastStoredAt is nil until the first reading is stored
	LastStoredAt *time.Time `json:"last_stored_at,omitempty"`
}

// NewIngestor creates an ingestor writing to store and cache
func NewIngestor(store ReadingWriter, cache LatestSetter, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		cache:  cache,
		logger: logger.With().Str("component", "ingest").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the wall clock used for synthesized timestamps
func (i *Ingestor) SetClock(now func() time.Time) {
	i.now = now
}

// AddListener registers l to be told about every stored reading
func (i *Ingestor) AddListener(l Listener) {
	i.listenersMu.Lock()
	defer i.listenersMu.Unlock()
	i.listeners = append(i.listeners, l)
}

// OnMessage handles one inbound payload. Failures are logged and the message
// is dropped; it never panics or returns an error to the transport.
func (i *Ingestor) OnMessage(payload []byte) {
	_, _ = i.Process(payload)
}

// Process runs the full ingestion protocol for one payload and reports the
// outcome: a *DecodeError when the payload is unusable, a storage error when
// the insert failed, or the stored reading with its assigned id.
func (i *Ingestor) Process(payload []byte) (models.Reading, error) {
	i.mu.Lock()
	i.received++
	i.mu.Unlock()

	reading, norm, err := Decode(payload, i.now())
	if err != nil {
		i.mu.Lock()
		i.decodeErrors++
		i.mu.Unlock()
		i.logger.Warn().Err(err).Str("payload", truncate(payload)).Msg("Dropping malformed message")
		return models.Reading{}, err
	}

	if norm.SynthesizedTimestamp || len(norm.DefaultedFields) > 0 {
		i.logger.Debug().
			Bool("synthesized_timestamp", norm.SynthesizedTimestamp).
			Strs("defaulted_fields", norm.DefaultedFields).
			Msg("Message normalized")
	}

	if _, err := i.store.InsertReading(&reading); err != nil {
		i.mu.Lock()
		i.storageErrors++
		i.mu.Unlock()
		i.logger.Error().Err(err).Str("timestamp", reading.Timestamp).Msg("Failed to persist reading, dropping it")
		return models.Reading{}, err
	}

	// Only a persisted reading may become the latest one
	i.cache.Set(reading)

	i.mu.Lock()
	i.stored++
	i.lastStoredAt = time.Now()
	i.mu.Unlock()

	i.logger.Info().
		Int64("id", reading.ID).
		Str("timestamp", reading.Timestamp).
		Float64("temperature", reading.Temperature).
		Float64("moisture", reading.Moisture).
		Float64("light", reading.Light).
		Msg("Reading stored")

	i.notify(reading)

	return reading, nil
}

func (i *Ingestor) notify(reading models.Reading) {
	i.listenersMu.RLock()
	defer i.listenersMu.RUnlock()
	for _, l := range i.listeners {
		l.ReadingStored(reading)
	}
}

// Stats returns current ingestion statistics
func (i *Ingestor) Stats() IngestStats {
	i.mu.RLock()
	defer i.mu.RUnlock()

	stats := IngestStats{
		Received:      i.received,
		Stored:        i.stored,
		DecodeErrors:  i.decodeErrors,
		StorageErrors: i.storageErrors,
	}
	if !i.lastStoredAt.IsZero() {
		at := i.lastStoredAt
		stats.LastStoredAt = &at
	}
	return stats
}

func truncate(payload []byte) string {
	if len(payload) <= maxLoggedPayload {
		return string(payload)
	}
	return string(payload[:maxLoggedPayload]) + "..."
}
