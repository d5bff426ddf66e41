package sensor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/smartplant/internal/models"
)

// Reader orchestrates periodic sensor readings
type Reader struct {
	sensor   PlantSensor
	interval time.Duration
	logger   zerolog.Logger
	readings chan *models.Reading
	now      func() time.Time
}

// NewReader creates a new sensor reader
func NewReader(sensor PlantSensor, interval time.Duration, logger zerolog.Logger) *Reader {
	return &Reader{
		sensor:   sensor,
		interval: interval,
		logger:   logger.With().Str("component", "sensor").Logger(),
		readings: make(chan *models.Reading, 10),
		now:      time.Now,
	}
}

// SetClock replaces the clock used to stamp readings
func (r *Reader) SetClock(now func() time.Time) {
	r.now = now
}

// Start samples the sensor every interval until ctx is cancelled or, when
// count is positive, count readings have been published. The readings
// channel is closed on return.
func (r *Reader) Start(ctx context.Context, count int) error {
	defer close(r.readings)

	if r.interval <= 0 {
		return fmt.Errorf("sensor interval must be positive, got %v", r.interval)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	published := 0
	for {
		// First sample goes out immediately
		if r.readAndPublish(ctx) {
			published++
			if count > 0 && published >= count {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReadOnce performs a single reading
func (r *Reader) ReadOnce() (*models.Reading, error) {
	temperature, moisture, light, err := r.sensor.Read()
	if err != nil {
		return nil, err
	}
	return models.NewReading(r.now(), temperature, moisture, light), nil
}

// readAndPublish performs a read and publishes to the channel
func (r *Reader) readAndPublish(ctx context.Context) bool {
	reading, err := r.ReadOnce()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to read from sensor")
		return false
	}

	select {
	case r.readings <- reading:
	case <-ctx.Done():
		return false
	}
	r.logger.Debug().Msgf("read from sensor: %s", reading.String())
	return true
}

// Readings returns the channel where readings are published
func (r *Reader) Readings() <-chan *models.Reading {
	return r.readings
}

// Close releases the sensor
func (r *Reader) Close() error {
	return r.sensor.Close()
}
