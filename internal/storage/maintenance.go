package storage

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Checkpointer is implemented by stores that keep a write-ahead log
type Checkpointer interface {
	Checkpoint() (CheckpointResult, error)
}

// Maintainer periodically checkpoints the write-ahead log so it does not
// grow without bound under a steady insert stream
type Maintainer struct {
	store    Checkpointer
	logger   zerolog.Logger
	period   time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Stats
	mu            sync.RWMutex
	totalRuns     int64
	totalFailures int64
	lastRun       time.Time
	lastResult    CheckpointResult
}

// MaintainerConfig holds configuration for the maintainer
type MaintainerConfig struct {
	CheckpointPeriod time.Duration // How often to checkpoint (default: 10 minutes)
}

// DefaultMaintainerConfig returns sensible defaults
func DefaultMaintainerConfig() MaintainerConfig {
	return MaintainerConfig{
		CheckpointPeriod: 10 * time.Minute,
	}
}

// MaintainerStats contains statistics about the maintainer
type MaintainerStats struct {
	TotalRuns     int64            `json:"total_runs"`
	TotalFailures int64            `json:"total_failures"`
	LastRun       *time.Time       `json:"last_run,omitempty"` // nil before the first pass
	LastResult    CheckpointResult `json:"last_result"`
}

// NewMaintainer creates and starts a new maintainer
func NewMaintainer(store Checkpointer, config MaintainerConfig, logger zerolog.Logger) *Maintainer {
	period := config.CheckpointPeriod

	// time.NewTicker panics on non-positive durations
	if period <= 0 {
		defaultPeriod := DefaultMaintainerConfig().CheckpointPeriod
		logger.Warn().
			Dur("provided_period", period).
			Dur("default_period", defaultPeriod).
			Msg("Invalid CheckpointPeriod provided (zero or negative), using default")
		period = defaultPeriod
	}

	m := &Maintainer{
		store:    store,
		logger:   logger.With().Str("component", "maintenance").Logger(),
		period:   period,
		stopChan: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.loop()

	m.logger.Info().Dur("checkpoint_period", period).Msg("Maintainer started")

	return m
}

func (m *Maintainer) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCheckpoint()
		case <-m.stopChan:
			// Leave a compact database behind on shutdown
			m.runCheckpoint()
			m.logger.Info().Msg("Maintainer stopped")
			return
		}
	}
}

func (m *Maintainer) runCheckpoint() {
	res, err := m.store.Checkpoint()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRuns++
	m.lastRun = time.Now()

	if err != nil {
		m.totalFailures++
		m.logger.Error().Err(err).Msg("WAL checkpoint failed")
		return
	}
	m.lastResult = res

	if res.Busy {
		m.logger.Warn().Int64("log_frames", res.LogFrames).Msg("WAL checkpoint incomplete, database busy")
		return
	}
	m.logger.Debug().
		Int64("log_frames", res.LogFrames).
		Int64("checkpointed", res.Checkpointed).
		Msg("WAL checkpoint completed")
}

// Stop gracefully stops the maintainer after a final checkpoint
func (m *Maintainer) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.wg.Wait()
	})
}

// Stats returns current maintainer statistics
func (m *Maintainer) Stats() MaintainerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MaintainerStats{
		TotalRuns:     m.totalRuns,
		TotalFailures: m.totalFailures,
		LastResult:    m.lastResult,
	}
	if !m.lastRun.IsZero() {
		at := m.lastRun
		stats.LastRun = &at
	}
	return stats
}

// RunNow triggers an immediate checkpoint
func (m *Maintainer) RunNow() {
	m.runCheckpoint()
}
