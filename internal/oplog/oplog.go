// Package oplog keeps a durable history of login, restore and cleanup
// operations in a sqlite file, for auditing what the service did to the
// portal and when.
package oplog

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shehryarbajwa/portalgate/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	type        TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMP NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_started_at ON operations(started_at);
`

// Log is an append-mostly operation history.
type Log struct {
	db *sql.DB
}

// Open creates or opens the history database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening oplog: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating oplog schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Record appends one operation entry.
func (l *Log) Record(opType, outcome, sessionID, detail string, startedAt time.Time, took time.Duration) error {
	_, err := l.db.Exec(
		`INSERT INTO operations (type, outcome, session_id, detail, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		opType, outcome, sessionID, detail, startedAt.UTC(), took.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("recording operation: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(limit int) ([]models.OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(
		`SELECT id, type, outcome, session_id, detail, started_at, duration_ms
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	var records []models.OperationRecord
	for rows.Next() {
		var rec models.OperationRecord
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Outcome, &rec.SessionID, &rec.Detail, &rec.StartedAt, &rec.Duration); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
