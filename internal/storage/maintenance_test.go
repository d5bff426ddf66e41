package storage

import (
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// countingCheckpointer records calls and can be told to fail
type countingCheckpointer struct {
	calls atomic.Int64
	err   error
}

func (c *countingCheckpointer) Checkpoint() (CheckpointResult, error) {
	c.calls.Add(1)
	if c.err != nil {
		return CheckpointResult{}, c.err
	}
	return CheckpointResult{LogFrames: 4, Checkpointed: 4}, nil
}

func TestCheckpoint(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	insertN(t, store, 20)

	res, err := store.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if res.Checkpointed > res.LogFrames {
		t.Errorf("checkpointed %d of %d frames", res.Checkpointed, res.LogFrames)
	}

	// Data is untouched
	stats, err := store.GetStorageStats()
	if err != nil {
		t.Fatalf("GetStorageStats failed: %v", err)
	}
	if stats.TotalReadings != 20 {
		t.Errorf("TotalReadings = %d, want 20", stats.TotalReadings)
	}
}

func TestCheckpoint_ClosedStore(t *testing.T) {
	store, cleanup := setupTestDB(t)
	cleanup()

	_, err := store.Checkpoint()
	if !IsStorageError(err) {
		t.Errorf("error = %v, want StorageError", err)
	}
}

func TestMaintainer_RunNow(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	m := NewMaintainer(store, MaintainerConfig{CheckpointPeriod: time.Hour}, testLogger())
	defer m.Stop()

	insertN(t, store, 5)
	m.RunNow()

	stats := m.Stats()
	if stats.TotalRuns != 1 {
		t.Errorf("TotalRuns = %d, want 1", stats.TotalRuns)
	}
	if stats.TotalFailures != 0 {
		t.Errorf("TotalFailures = %d, want 0", stats.TotalFailures)
	}
	if stats.LastRun == nil || stats.LastRun.IsZero() {
		t.Error("LastRun not set")
	}
}

func TestMaintainer_StatsJSONBeforeFirstRun(t *testing.T) {
	cp := &countingCheckpointer{}
	m := NewMaintainer(cp, MaintainerConfig{CheckpointPeriod: time.Hour}, testLogger())
	defer m.Stop()

	data, err := json.Marshal(m.Stats())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "last_run") {
		t.Errorf("fresh stats should omit last_run, got %s", data)
	}

	m.RunNow()
	data, _ = json.Marshal(m.Stats())
	if !strings.Contains(string(data), "last_run") {
		t.Errorf("stats after a pass should carry last_run, got %s", data)
	}
}

func TestMaintainer_Periodic(t *testing.T) {
	cp := &countingCheckpointer{}
	m := NewMaintainer(cp, MaintainerConfig{CheckpointPeriod: 10 * time.Millisecond}, testLogger())

	time.Sleep(100 * time.Millisecond)
	m.Stop()

	if cp.calls.Load() < 2 {
		t.Errorf("checkpoint ran %d times, want at least 2", cp.calls.Load())
	}
	if m.Stats().LastResult.LogFrames != 4 {
		t.Errorf("LastResult = %+v", m.Stats().LastResult)
	}
}

func TestMaintainer_StopCheckpointsOnce(t *testing.T) {
	cp := &countingCheckpointer{}
	m := NewMaintainer(cp, MaintainerConfig{CheckpointPeriod: time.Hour}, testLogger())

	m.Stop()
	m.Stop()

	if cp.calls.Load() != 1 {
		t.Errorf("checkpoint ran %d times on stop, want 1", cp.calls.Load())
	}
}

func TestMaintainer_Failure(t *testing.T) {
	cp := &countingCheckpointer{err: errors.New("disk I/O error")}
	m := NewMaintainer(cp, MaintainerConfig{CheckpointPeriod: time.Hour}, testLogger())
	defer m.Stop()

	m.RunNow()
	m.RunNow()

	if got := m.Stats().TotalFailures; got != 2 {
		t.Errorf("TotalFailures = %d, want 2", got)
	}
}

func TestMaintainer_InvalidPeriod(t *testing.T) {
	cp := &countingCheckpointer{}
	m := NewMaintainer(cp, MaintainerConfig{CheckpointPeriod: 0}, testLogger())
	defer m.Stop()

	if m.period != DefaultMaintainerConfig().CheckpointPeriod {
		t.Errorf("period = %v, want default", m.period)
	}
}
