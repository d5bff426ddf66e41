package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/afroash/smartplant/internal/models"
)

// DefaultRecentLimit is used by GetRecentReadings when the caller passes a non-positive limit.
const DefaultRecentLimit = 100

// Store defines the interface for sensor data storage.
// Readings are append-only: there is no update or delete.
type Store interface {
	Close() error
	Migrate() error
	InsertReading(reading *models.Reading) (int64, error)
	GetLatestReading() (*models.Reading, error)
	GetRecentReadings(limit int) ([]*models.Reading, error)
	GetStorageStats() (*StorageStats, error)
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)

// StorageError reports a failure of the persistence medium.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// SQLiteStore handles persistent storage of sensor readings
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger

	// single writer; reads go straight to the pool
	writeMu sync.Mutex
}

// StorageStats contains information about the database
type StorageStats struct {
	TotalReadings  int64   `json:"total_readings"`
	FirstTimestamp string  `json:"first_timestamp,omitempty"`
	LastTimestamp  string  `json:"last_timestamp,omitempty"`
	LastID         int64   `json:"last_id"`
	DatabaseSizeMB float64 `json:"database_size_mb"`
}

// Options tunes the connection pool
type Options struct {
	MaxOpenConns int
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{MaxOpenConns: 4}
}

// NewSQLiteStore creates a new SQLite store instance and migrates its schema
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	return NewSQLiteStoreWithOptions(dbPath, DefaultOptions(), logger)
}

// NewSQLiteStoreWithOptions is NewSQLiteStore with an explicit pool configuration
func NewSQLiteStoreWithOptions(dbPath string, opts Options, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", buildDSN(dbPath))
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("failed to ping database: %w", err)}
	}

	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = DefaultOptions().MaxOpenConns
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "storage").Logger(),
	}

	// Auto-migrate schema
	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	store.logger.Info().Str("path", dbPath).Int("max_open_conns", opts.MaxOpenConns).Msg("SQLite store initialized")

	return store, nil
}

// buildDSN applies the per-connection pragmas through the driver's DSN
// parameters so every pooled connection gets them.
func buildDSN(dbPath string) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	params.Set("_busy_timeout", "5000")
	params.Set("cache", "private")
	return "file:" + dbPath + "?" + params.Encode()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate creates the database schema if it doesn't exist. Safe to call repeatedly.
func (s *SQLiteStore) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		temperature REAL NOT NULL DEFAULT 0,
		moisture REAL NOT NULL DEFAULT 0,
		light REAL NOT NULL DEFAULT 0
	);
	`

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.Exec(schema); err != nil {
		return &StorageError{Op: "migrate", Err: fmt.Errorf("failed to create schema: %w", err)}
	}

	s.logger.Debug().Msg("Database schema migrated")
	return nil
}

// InsertReading appends a reading and returns the id assigned to it.
// The id is also written back into reading.ID.
func (s *SQLiteStore) InsertReading(reading *models.Reading) (int64, error) {
	if reading == nil {
		return 0, &StorageError{Op: "insert", Err: errors.New("nil reading")}
	}
	if reading.Timestamp == "" {
		return 0, &StorageError{Op: "insert", Err: errors.New("reading has no timestamp")}
	}

	query := `
		INSERT INTO readings (timestamp, temperature, moisture, light)
		VALUES (?, ?, ?, ?)
	`

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec(query,
		reading.Timestamp,
		reading.Temperature,
		reading.Moisture,
		reading.Light,
	)
	if err != nil {
		return 0, &StorageError{Op: "insert", Err: fmt.Errorf("failed to insert reading: %w", err)}
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, &StorageError{Op: "insert", Err: fmt.Errorf("failed to read inserted id: %w", err)}
	}
	reading.ID = id

	return id, nil
}

// GetLatestReading returns the reading with the highest id, or nil when the store is empty
func (s *SQLiteStore) GetLatestReading() (*models.Reading, error) {
	query := `
		SELECT id, timestamp, temperature, moisture, light
		FROM readings
		ORDER BY id DESC
		LIMIT 1
	`

	row := s.db.QueryRow(query)
	reading, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "latest", Err: fmt.Errorf("failed to get latest reading: %w", err)}
	}

	return reading, nil
}

// GetRecentReadings returns up to limit of the most recent readings ordered
// oldest to newest. A non-positive limit means DefaultRecentLimit.
func (s *SQLiteStore) GetRecentReadings(limit int) ([]*models.Reading, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	query := `
		SELECT id, timestamp, temperature, moisture, light
		FROM readings
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, &StorageError{Op: "recent", Err: fmt.Errorf("failed to query readings: %w", err)}
	}
	defer rows.Close()

	readings, err := scanReadings(rows)
	if err != nil {
		return nil, &StorageError{Op: "recent", Err: err}
	}

	// Rows arrive newest first; callers want oldest first
	for i, j := 0, len(readings)-1; i < j; i, j = i+1, j-1 {
		readings[i], readings[j] = readings[j], readings[i]
	}

	return readings, nil
}

// GetStorageStats returns statistics about the database
func (s *SQLiteStore) GetStorageStats() (*StorageStats, error) {
	stats := &StorageStats{}

	err := s.db.QueryRow("SELECT COUNT(*), COALESCE(MAX(id), 0) FROM readings").
		Scan(&stats.TotalReadings, &stats.LastID)
	if err != nil {
		return nil, &StorageError{Op: "stats", Err: fmt.Errorf("failed to count readings: %w", err)}
	}

	if stats.TotalReadings > 0 {
		var first, last sql.NullString
		err = s.db.QueryRow(`
			SELECT
				(SELECT timestamp FROM readings ORDER BY id ASC LIMIT 1),
				(SELECT timestamp FROM readings ORDER BY id DESC LIMIT 1)
		`).Scan(&first, &last)
		if err != nil {
			return nil, &StorageError{Op: "stats", Err: fmt.Errorf("failed to get timestamp range: %w", err)}
		}
		stats.FirstTimestamp = first.String
		stats.LastTimestamp = last.String
	}

	// Database size is informational only
	var pageCount, pageSize int64
	s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	stats.DatabaseSizeMB = float64(pageCount*pageSize) / (1024 * 1024)

	return stats, nil
}

// CheckpointResult reports the outcome of a WAL checkpoint
type CheckpointResult struct {
	Busy         bool  `json:"busy"`
	LogFrames    int64 `json:"log_frames"`
	Checkpointed int64 `json:"checkpointed"`
}

// Checkpoint copies the write-ahead log back into the database file and
// truncates it. Rows are never touched.
func (s *SQLiteStore) Checkpoint() (CheckpointResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var busy int
	var res CheckpointResult
	err := s.db.QueryRow("PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &res.LogFrames, &res.Checkpointed)
	if err != nil {
		return CheckpointResult{}, &StorageError{Op: "checkpoint", Err: fmt.Errorf("failed to checkpoint wal: %w", err)}
	}
	res.Busy = busy != 0

	return res, nil
}

// scanReading is a helper to scan a row into a Reading struct.
// Columns are read as nullable so databases created by older deployments,
// whose schema had no NOT NULL constraints, still load.
func scanReading(row interface{ Scan(...interface{}) error }) (*models.Reading, error) {
	var r models.Reading
	var ts sql.NullString
	var temperature, moisture, light sql.NullFloat64
	if err := row.Scan(&r.ID, &ts, &temperature, &moisture, &light); err != nil {
		return nil, err
	}
	r.Timestamp = ts.String
	r.Temperature = temperature.Float64
	r.Moisture = moisture.Float64
	r.Light = light.Float64
	return &r, nil
}

// scanReadings scans multiple rows into a slice of readings; never returns a nil slice on success
func scanReadings(rows *sql.Rows) ([]*models.Reading, error) {
	readings := make([]*models.Reading, 0)

	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return readings, nil
}
