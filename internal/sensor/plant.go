package sensor

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// PlantSensor defines the interface for sampling a plant sensor
type PlantSensor interface {
	// Read performs a single sample
	// Returns temperature (°C), soil moisture (%), light (lux) and any error
	Read() (temperature, moisture, light float64, err error)

	// Close releases the sensor
	Close() error
}

// Ranges produced by the simulated sensor
const (
	simMinTemp     = 20.0
	simMaxTemp     = 35.0
	simMinMoisture = 20.0
	simMaxMoisture = 80.0
	simMinLight    = 100.0
	simMaxLight    = 1000.0
)

// Simulator implements PlantSensor with uniformly random values.
// Temperature and moisture are rounded to 2 decimals, light to 1.
type Simulator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	closed bool
}

// NewSimulator creates a simulated sensor. The same seed yields the same sequence.
func NewSimulator(seed int64) *Simulator {
	return &Simulator{rng: rand.New(rand.NewSource(seed))}
}

// Read draws one sample
func (s *Simulator) Read() (float64, float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, 0, 0, fmt.Errorf("simulator is closed")
	}

	temperature := round(s.uniform(simMinTemp, simMaxTemp), 2)
	moisture := round(s.uniform(simMinMoisture, simMaxMoisture), 2)
	light := round(s.uniform(simMinLight, simMaxLight), 1)

	if err := validateReading(temperature, moisture, light); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid reading: %w", err)
	}
	return temperature, moisture, light, nil
}

// Close stops the simulator; later reads fail
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Simulator) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// validateReading checks that a sample is physically plausible
func validateReading(temp, moisture, light float64) error {
	const (
		minTemp     = -20.0
		maxTemp     = 60.0
		minMoisture = 0.0
		maxMoisture = 100.0
	)
	if temp < minTemp || temp > maxTemp {
		return fmt.Errorf("temperature %.2f°C outside %.0f..%.0f", temp, minTemp, maxTemp)
	}
	if moisture < minMoisture || moisture > maxMoisture {
		return fmt.Errorf("moisture %.2f%% outside 0..100", moisture)
	}
	if light < 0 {
		return fmt.Errorf("light %.1f lx is negative", light)
	}
	return nil
}
