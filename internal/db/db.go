package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Component names used in the journal
const (
	ComponentSupervisor = "supervisor"
	ComponentWorker     = "worker"
	ComponentBridge     = "bridge"
)

// Event types used in the journal
const (
	EventStart           = "start"
	EventStop            = "stop"
	EventWorkerLaunched  = "worker_launched"
	EventHostExit        = "host_exit"
	EventOrphanKilled    = "orphan_killed"
	EventBridgeConnected = "bridge_connected"
	EventBridgeFailed    = "bridge_failed"
)

// DB wraps the SQLite lifecycle journal shared by supervisor and worker
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Supervisor and worker write from separate processes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=250"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Path returns the database file location
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		// Fold the WAL back into the main file
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main database file
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		component TEXT NOT NULL,
		event_type TEXT NOT NULL,
		pid INTEGER NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_timestamp ON lifecycle_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_component ON lifecycle_events(component);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Event is one lifecycle journal entry
type Event struct {
	ID        int64
	Component string
	EventType string
	PID       int
	Details   string
	Timestamp time.Time
}

// LogEvent records a lifecycle event for the calling process
func (db *DB) LogEvent(component, eventType, details string) error {
	// Best-effort: a short retry when the other process holds the lock,
	// never long enough to hold up shutdown
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(
			`INSERT INTO lifecycle_events (component, event_type, pid, details, timestamp)
			 VALUES (?, ?, ?, ?, ?)`,
			component, eventType, os.Getpid(), details, time.Now(),
		)
		if err == nil {
			return nil
		}
		if isBusy(err) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log %s event after %d retries: database locked", component, maxRetries)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// RecentEvents returns the newest events first. An empty component matches all.
func (db *DB) RecentEvents(limit int, component string) ([]Event, error) {
	query := `SELECT id, component, event_type, pid, details, timestamp
		 FROM lifecycle_events`
	args := []any{}
	if component != "" {
		query += ` WHERE component = ?`
		args = append(args, component)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Component, &e.EventType, &e.PID, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// LastEventPerComponent returns the most recent event of every component
func (db *DB) LastEventPerComponent() ([]Event, error) {
	rows, err := db.conn.Query(
		`SELECT id, component, event_type, pid, details, timestamp
		 FROM lifecycle_events
		 WHERE id IN (
			 SELECT MAX(id)
			 FROM lifecycle_events
			 GROUP BY component
		 )
		 ORDER BY component`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Component, &e.EventType, &e.PID, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than the given age and returns how many went
func (db *DB) Prune(olderThan time.Duration) (int64, error) {
	res, err := db.conn.Exec(
		`DELETE FROM lifecycle_events WHERE timestamp < ?`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
