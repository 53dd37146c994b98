package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // CGO-free SQLite

	"site-analytics/metrics"
	"site-analytics/models"
)

// SQLiteLog keeps one row per event. Row order is append order.
type SQLiteLog struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewSQLiteLog(path string, logger *zap.SugaredLogger) (*SQLiteLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteLog{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS events(
	  seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	  id          TEXT    NOT NULL UNIQUE,
	  session_id  TEXT    NOT NULL,
	  type        TEXT    NOT NULL,
	  timestamp   TEXT    NOT NULL,
	  received_at TEXT    NOT NULL,
	  client_ip   TEXT,
	  payload     TEXT    NOT NULL CHECK (json_valid(payload))
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_type    ON events(type);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (s *SQLiteLog) Append(ctx context.Context, e *models.Event) error {
	payload, err := encodeEvent(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	start := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events(id, session_id, type, timestamp, received_at, client_ip, payload) VALUES(?,?,?,?,?,?,?)`,
		e.ID, e.SessionID, string(e.Type), e.Timestamp, e.ReceivedAt, e.ClientIP, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	metrics.EventLogAppendDuration.WithLabelValues("sqlite").Observe(time.Since(start).Seconds())
	return nil
}

func (s *SQLiteLog) ReadAll(ctx context.Context) ([]models.Event, error) {
	return s.query(ctx, `SELECT payload FROM events ORDER BY seq`)
}

func (s *SQLiteLog) ReadPage(ctx context.Context, offset, limit int) ([]models.Event, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	return s.query(ctx, `SELECT payload FROM events ORDER BY seq LIMIT ? OFFSET ?`, limit, offset)
}

func (s *SQLiteLog) ReadSession(ctx context.Context, sessionID string) ([]models.Event, error) {
	return s.query(ctx, `SELECT payload FROM events WHERE session_id = ? ORDER BY seq`, sessionID)
}

func (s *SQLiteLog) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func (s *SQLiteLog) Close() error {
	return s.db.Close()
}

func (s *SQLiteLog) query(ctx context.Context, q string, args ...any) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var e models.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptLog, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
