package sensor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/smartplant/internal/models"
)

// MockPlantSensor returns fixed values
type MockPlantSensor struct {
	mu          sync.Mutex
	temperature float64
	moisture    float64
	light       float64
	err         error
	readCount   int
	closed      bool
}

func (m *MockPlantSensor) Read() (float64, float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCount++
	if m.err != nil {
		return 0, 0, 0, m.err
	}
	return m.temperature, m.moisture, m.light, nil
}

func (m *MockPlantSensor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockPlantSensor) reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCount
}

func TestReader_ReadOnce(t *testing.T) {
	mock := &MockPlantSensor{temperature: 22.5, moisture: 45.0, light: 300.5}
	reader := NewReader(mock, 30*time.Second, zerolog.Nop())
	reader.SetClock(func() time.Time {
		return time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	})

	reading, err := reader.ReadOnce()
	if err != nil {
		t.Fatalf("ReadOnce() failed: %v", err)
	}

	if reading.Temperature != 22.5 {
		t.Errorf("Temperature = %v, want 22.5", reading.Temperature)
	}
	if reading.Moisture != 45.0 {
		t.Errorf("Moisture = %v, want 45.0", reading.Moisture)
	}
	if reading.Light != 300.5 {
		t.Errorf("Light = %v, want 300.5", reading.Light)
	}
	if reading.Timestamp != "2024-05-01 12:00:00" {
		t.Errorf("Timestamp = %q, want 2024-05-01 12:00:00", reading.Timestamp)
	}
}

func TestReader_ReadOnceError(t *testing.T) {
	mock := &MockPlantSensor{err: errors.New("sensor unplugged")}
	reader := NewReader(mock, time.Second, zerolog.Nop())

	if _, err := reader.ReadOnce(); err == nil {
		t.Error("ReadOnce() should fail when the sensor fails")
	}
}

func TestReader_StartCount(t *testing.T) {
	mock := &MockPlantSensor{temperature: 22.5, moisture: 45.0, light: 300}
	reader := NewReader(mock, 10*time.Millisecond, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- reader.Start(context.Background(), 3) }()

	var readings []*models.Reading
	for r := range reader.Readings() {
		readings = append(readings, r)
	}

	if err := <-done; err != nil {
		t.Fatalf("Start() returned %v", err)
	}
	if len(readings) != 3 {
		t.Errorf("Got %d readings, want 3", len(readings))
	}
}

func TestReader_StartCancel(t *testing.T) {
	mock := &MockPlantSensor{temperature: 22.5, moisture: 45.0, light: 300}
	reader := NewReader(mock, 20*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- reader.Start(ctx, 0) }()

	count := 0
	for range reader.Readings() {
		count++
	}

	if err := <-done; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Start() = %v, want deadline exceeded", err)
	}
	if count < 3 {
		t.Errorf("Got %d readings, expected at least 3", count)
	}
	if mock.reads() < 3 {
		t.Errorf("Mock read count = %d, expected at least 3", mock.reads())
	}
}

func TestReader_SkipsFailedReads(t *testing.T) {
	mock := &MockPlantSensor{err: errors.New("flaky")}
	reader := NewReader(mock, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	go reader.Start(ctx, 0)

	for r := range reader.Readings() {
		t.Errorf("unexpected reading %v", r)
	}
	if mock.reads() == 0 {
		t.Error("sensor was never read")
	}
}

func TestReader_InvalidInterval(t *testing.T) {
	reader := NewReader(&MockPlantSensor{}, 0, zerolog.Nop())
	if err := reader.Start(context.Background(), 1); err == nil {
		t.Error("Start() with zero interval should fail")
	}
	if _, ok := <-reader.Readings(); ok {
		t.Error("readings channel should be closed")
	}
}

func TestReader_Close(t *testing.T) {
	mock := &MockPlantSensor{}
	reader := NewReader(mock, time.Second, zerolog.Nop())
	if err := reader.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if !mock.closed {
		t.Error("sensor not closed")
	}
}
