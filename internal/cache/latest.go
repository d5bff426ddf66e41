// Package cache holds the single most recent reading for fast "current
// value" queries. It is a mirror of the store's newest row, not a source of
// truth: callers fall back to the store when it is empty.
package cache

import (
	"sync/atomic"

	"github.com/afroash/smartplant/internal/models"
)

// Latest is a one-slot, process-lifetime cache. The zero value is empty and ready to use.
type Latest struct {
	slot atomic.Pointer[models.Reading]
}

// New returns an empty cache
func New() *Latest {
	return &Latest{}
}

// Set replaces the held reading. The reading is copied so later changes by
// the caller are not observed by readers.
func (l *Latest) Set(reading models.Reading) {
	l.slot.Store(&reading)
}

// Get returns the held reading, or false if nothing was set since start
func (l *Latest) Get() (models.Reading, bool) {
	r := l.slot.Load()
	if r == nil {
		return models.Reading{}, false
	}
	return *r, true
}
