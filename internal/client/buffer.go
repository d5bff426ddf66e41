package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/afroash/smartplant/internal/models"
)

// ReadingBuffer is a thread-safe ring of readings waiting to be published
type ReadingBuffer struct {
	ring       []models.Reading
	head       int
	size       int
	dropOldest bool
	mutex      sync.RWMutex
	stats      BufferStats
}

// BufferStats tracks buffer usage statistics
type BufferStats struct {
	TotalPushed   int64
	TotalDropped  int64
	HighWaterMark int
	LastPushTime  time.Time
	LastDropTime  time.Time
}

// NewReadingBuffer creates a buffer holding at most capacity readings.
// A capacity below 1 is raised to 1.
func NewReadingBuffer(capacity int, dropOldest bool) *ReadingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ReadingBuffer{
		ring:       make([]models.Reading, capacity),
		dropOldest: dropOldest,
	}
}

// Push adds a reading to the back of the buffer.
// Returns false if the reading was dropped (full and dropOldest=false).
func (rb *ReadingBuffer) Push(reading models.Reading) bool {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	now := time.Now()
	if rb.size == len(rb.ring) {
		rb.stats.TotalDropped++
		rb.stats.LastDropTime = now
		if !rb.dropOldest {
			return false
		}
		rb.head = (rb.head + 1) % len(rb.ring)
		rb.size--
	}

	rb.ring[(rb.head+rb.size)%len(rb.ring)] = reading
	rb.size++
	rb.stats.TotalPushed++
	rb.stats.LastPushTime = now
	if rb.size > rb.stats.HighWaterMark {
		rb.stats.HighWaterMark = rb.size
	}
	return true
}

// PushFront returns readings to the front of the buffer, keeping their order.
// Used to put back a batch that could not be published. Readings that no
// longer fit are dropped from the back of the batch.
func (rb *ReadingBuffer) PushFront(readings []models.Reading) int {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	free := len(rb.ring) - rb.size
	n := len(readings)
	if n > free {
		rb.stats.TotalDropped += int64(n - free)
		rb.stats.LastDropTime = time.Now()
		n = free
	}
	for i := n - 1; i >= 0; i-- {
		rb.head = (rb.head - 1 + len(rb.ring)) % len(rb.ring)
		rb.ring[rb.head] = readings[i]
		rb.size++
	}
	return n
}

// PopBatch removes and returns up to n readings, oldest first
func (rb *ReadingBuffer) PopBatch(n int) []models.Reading {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	count := min(n, rb.size)
	if count <= 0 {
		return nil
	}
	result := make([]models.Reading, count)
	for i := range result {
		result[i] = rb.ring[(rb.head+i)%len(rb.ring)]
	}
	rb.head = (rb.head + count) % len(rb.ring)
	rb.size -= count
	return result
}

// Size returns the current number of readings in the buffer
func (rb *ReadingBuffer) Size() int {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()
	return rb.size
}

// IsEmpty returns true if buffer has no readings
func (rb *ReadingBuffer) IsEmpty() bool {
	return rb.Size() == 0
}

// Capacity returns the maximum capacity of the buffer
func (rb *ReadingBuffer) Capacity() int {
	return len(rb.ring)
}

// Stats returns a copy of current buffer statistics
func (rb *ReadingBuffer) Stats() BufferStats {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()
	return rb.stats
}

// String returns a human-readable representation of buffer state
func (rb *ReadingBuffer) String() string {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()

	mode := "drop-newest"
	if rb.dropOldest {
		mode = "drop-oldest"
	}
	return fmt.Sprintf("Buffer[%d/%d, dropped: %d, mode: %s]",
		rb.size,
		len(rb.ring),
		rb.stats.TotalDropped,
		mode,
	)
}
