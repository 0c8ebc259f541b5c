package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Dhanuja2006/Asset-Tracking-System/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by catalog lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database connection and schema lifecycle. The
// bounded connection pool is shared between the ingestion pipeline and the
// read-side HTTP handlers; each unit of work checks out one connection and
// returns it on every exit path.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string, maxConns int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if maxConns < 1 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS buildings (
			building_id INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS floors (
			floor_id INTEGER PRIMARY KEY,
			building_id INTEGER NOT NULL REFERENCES buildings(building_id),
			floor_level INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			room_id INTEGER PRIMARY KEY,
			floor_id INTEGER NOT NULL REFERENCES floors(floor_id),
			room_name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS room_rfid_readers (
			reader_id INTEGER PRIMARY KEY,
			reader_code TEXT NOT NULL UNIQUE,
			room_id INTEGER NOT NULL REFERENCES rooms(room_id)
		);`,
		`CREATE TABLE IF NOT EXISTS assets (
			asset_id INTEGER PRIMARY KEY,
			asset_code TEXT NOT NULL UNIQUE,
			asset_name TEXT NOT NULL,
			asset_type TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS asset_tags (
			tag_id INTEGER PRIMARY KEY,
			rfid_uid TEXT NOT NULL UNIQUE,
			asset_id INTEGER REFERENCES assets(asset_id)
		);`,
		`CREATE TABLE IF NOT EXISTS asset_allowed_locations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			asset_id INTEGER NOT NULL REFERENCES assets(asset_id),
			room_id INTEGER,
			floor_id INTEGER,
			building_id INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS asset_room_scan_events (
			scan_id INTEGER PRIMARY KEY AUTOINCREMENT,
			asset_id INTEGER NOT NULL,
			tag_id INTEGER NOT NULL,
			reader_id INTEGER NOT NULL,
			room_id INTEGER NOT NULL,
			scan_time TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scan_events_asset_room_time
			ON asset_room_scan_events(asset_id, room_id, scan_time);`,
		`CREATE INDEX IF NOT EXISTS idx_scan_events_asset_time
			ON asset_room_scan_events(asset_id, scan_time);`,
		`CREATE TABLE IF NOT EXISTS asset_status (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			asset_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_asset_status_asset_time
			ON asset_status(asset_id, recorded_at);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			alert_id INTEGER PRIMARY KEY AUTOINCREMENT,
			asset_id INTEGER,
			alert_type TEXT NOT NULL,
			alert_message TEXT NOT NULL,
			generated_at TEXT NOT NULL,
			acknowledged_at TEXT,
			acknowledged_by INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_asset_type_open
			ON alerts(asset_id, alert_type, acknowledged_at);`,
		`CREATE TABLE IF NOT EXISTS unknown_tag_scans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rfid_uid TEXT NOT NULL,
			reader_id INTEGER NOT NULL,
			room_id INTEGER NOT NULL,
			scan_time TEXT NOT NULL,
			alert_message TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS reader_health_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reader_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS asset_utilization_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			asset_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			duration_minutes REAL NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// Begin opens the transaction that processes one inbound message.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx is one unit of work against the store. Required writes that fail abort
// the whole unit; best-effort writes are the caller's policy to demote.
type Tx struct {
	tx   *sql.Tx
	done bool
}

// Commit makes the unit's writes durable.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	t.done = true
	return nil
}

// Rollback discards the unit. Safe to defer after Commit.
func (t *Tx) Rollback() {
	if t.done {
		return
	}
	_ = t.tx.Rollback()
}

// InsertIngestionError records a payload that failed validation. Runs on its
// own connection so it survives whatever transaction the payload broke.
func (s *Store) InsertIngestionError(ctx context.Context, topic string, payload []byte, cause error) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (topic, payload, error) VALUES (?, ?, ?);`,
		topic,
		truncate(string(payload), 4096),
		cause.Error(),
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// formatTime renders a timestamp in the persisted zone-naive layout. The
// caller is responsible for having normalized t to the reference zone.
func formatTime(t time.Time) string {
	return t.Format(model.TimeLayout)
}

func parseStoredTime(s string) (time.Time, error) {
	if ts, err := time.Parse(model.TimeLayout, s); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt stored timestamp %q: %w", s, err)
	}
	return ts, nil
}
