package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/logging"
)

// Event kinds
const (
	KindConnection = "connection" // connection state transition
	KindFault      = "fault"      // device or combo fault raised or cleared
	KindIntent     = "intent"     // operator command and its outcome
	KindSync       = "sync"       // combined power synchronization
)

// Event is one journal entry. Readings are never journaled.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Device    string    `json:"device"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// EventStore journals station events in SQLite
type EventStore struct {
	db        *sql.DB
	dbPath    string
	maxEvents int
}

// NewEventStore opens or creates the journal at dbPath. maxEvents bounds
// the number of kept events, 0 keeps everything.
func NewEventStore(dbPath string, maxEvents int) (*EventStore, error) {
	store := &EventStore{
		dbPath:    dbPath,
		maxEvents: maxEvents,
	}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize event store: %w", err)
	}

	return store, nil
}

// initialize sets up the database connection and creates tables
func (es *EventStore) initialize() error {
	if es.dbPath == "" {
		es.dbPath = "./epccd.db"
	}

	if err := os.MkdirAll(filepath.Dir(es.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	connectionString := es.dbPath + "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on"

	db, err := sql.Open("sqlite3", connectionString)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	es.db = db

	if err := es.createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if err := es.createIndexes(); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logging.Infof("storage", "event store initialized: %s (max %d events)", es.dbPath, es.maxEvents)
	return nil
}

// createTables creates the database schema
func (es *EventStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		kind TEXT NOT NULL CHECK (kind IN ('connection', 'fault', 'intent', 'sync')),
		device TEXT NOT NULL,
		message TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device TEXT NOT NULL UNIQUE,
		last_event_id INTEGER,
		last_event_time DATETIME,
		unacked_faults INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (last_event_id) REFERENCES events(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS event_stats (
		id INTEGER PRIMARY KEY,
		total_events INTEGER NOT NULL DEFAULT 0,
		total_faults INTEGER NOT NULL DEFAULT 0,
		total_intents INTEGER NOT NULL DEFAULT 0,
		failed_intents INTEGER NOT NULL DEFAULT 0,
		last_cleanup DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	INSERT OR IGNORE INTO event_stats (id, total_events, total_faults, total_intents, failed_intents)
	VALUES (1, 0, 0, 0, 0);
	`

	_, err := es.db.Exec(schema)
	return err
}

// createIndexes creates database indexes for performance
func (es *EventStore) createIndexes() error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_events_device ON events(device)",
		"CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)",
		"CREATE INDEX IF NOT EXISTS idx_devices_last_event_time ON devices(last_event_time DESC)",
	}

	for _, indexSQL := range indexes {
		if _, err := es.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// RecordEvent stores an event. A zero timestamp is set to now.
func (es *EventStore) RecordEvent(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	tx, err := es.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO events (timestamp, kind, device, message, error)
		VALUES (?, ?, ?, ?, ?)
	`, ev.Timestamp, ev.Kind, ev.Device, ev.Message, ev.Error)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	eventID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	if err := es.updateDevice(tx, ev, eventID); err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}

	if err := es.updateStats(tx, ev); err != nil {
		return fmt.Errorf("failed to update stats: %w", err)
	}

	if err := es.cleanupOldEvents(tx); err != nil {
		logging.Warnf("storage", "failed to cleanup old events: %v", err)
	}

	return tx.Commit()
}

// updateDevice updates the per-device summary row
func (es *EventStore) updateDevice(tx *sql.Tx, ev Event, eventID int64) error {
	query := `
		INSERT INTO devices (device, last_event_id, last_event_time, unacked_faults)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device) DO UPDATE SET
			last_event_id = excluded.last_event_id,
			last_event_time = excluded.last_event_time,
			unacked_faults = unacked_faults + excluded.unacked_faults,
			updated_at = CURRENT_TIMESTAMP
	`

	faults := 0
	if ev.Kind == KindFault && ev.Error != "" {
		faults = 1
	}

	_, err := tx.Exec(query, ev.Device, eventID, ev.Timestamp, faults)
	return err
}

// updateStats updates event statistics
func (es *EventStore) updateStats(tx *sql.Tx, ev Event) error {
	query := `
		UPDATE event_stats SET
			total_events = total_events + 1,
			total_faults = CASE WHEN ? = 'fault' AND ? != '' THEN total_faults + 1 ELSE total_faults END,
			total_intents = CASE WHEN ? = 'intent' THEN total_intents + 1 ELSE total_intents END,
			failed_intents = CASE WHEN ? = 'intent' AND ? != '' THEN failed_intents + 1 ELSE failed_intents END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`

	_, err := tx.Exec(query, ev.Kind, ev.Error, ev.Kind, ev.Kind, ev.Error)
	return err
}

// CleanupOldEvents removes events beyond the maximum count
func (es *EventStore) CleanupOldEvents() error {
	tx, err := es.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := es.cleanupOldEvents(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// cleanupOldEvents removes events beyond the maximum count
func (es *EventStore) cleanupOldEvents(tx *sql.Tx) error {
	if es.maxEvents <= 0 {
		return nil
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		return err
	}

	if count <= es.maxEvents {
		return nil
	}

	deleteCount := count - es.maxEvents
	_, err := tx.Exec(`
		DELETE FROM events
		WHERE id IN (
			SELECT id FROM events
			ORDER BY timestamp ASC, id ASC
			LIMIT ?
		)
	`, deleteCount)
	if err != nil {
		return err
	}

	_, err = tx.Exec("UPDATE event_stats SET last_cleanup = CURRENT_TIMESTAMP WHERE id = 1")
	return err
}

// Close closes the database connection
func (es *EventStore) Close() error {
	if es.db != nil {
		return es.db.Close()
	}
	return nil
}
