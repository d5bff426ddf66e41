package models

import (
	"fmt"
	"time"
)

// TimestampLayout is the wire and storage format of Reading.Timestamp
// (local clock, no zone).
const TimestampLayout = "2006-01-02 15:04:05"

// Reading is one timestamped sample from the plant sensor.
type Reading struct {
	// ID is assigned by the store on insert; it never leaves the process.
	ID          int64   `json:"-"`
	Timestamp   string  `json:"timestamp"`
	Temperature float64 `json:"temperature"`
	Moisture    float64 `json:"moisture"`
	Light       float64 `json:"light"`
}

// String returns the reading in a human friendly form
func (r Reading) String() string {
	return fmt.Sprintf("Timestamp: %s, Temperature: %.2f°C, Moisture: %.2f%%, Light: %.1flx",
		r.Timestamp,
		r.Temperature,
		r.Moisture,
		r.Light)
}

// NewReading creates a new Reading stamped with the given wall clock time
func NewReading(at time.Time, temperature, moisture, light float64) *Reading {
	return &Reading{
		Timestamp:   FormatTimestamp(at),
		Temperature: temperature,
		Moisture:    moisture,
		Light:       light,
	}
}

// FormatTimestamp renders t in TimestampLayout using t's own location.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Equal reports whether two readings carry the same sample. The store id is ignored.
func (r Reading) Equal(other Reading) bool {
	return r.Timestamp == other.Timestamp &&
		r.Temperature == other.Temperature &&
		r.Moisture == other.Moisture &&
		r.Light == other.Light
}
