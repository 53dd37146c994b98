// Package storage holds the append-only event log.
package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"site-analytics/config"
	"site-analytics/models"
)

// ErrCorruptLog is returned when the existing log cannot be decoded. Appends
// against a corrupt log fail rather than overwrite it.
var ErrCorruptLog = errors.New("event log is corrupt")

// EventLog is an append-only sequence of events. Appends are serialized and
// each appended record becomes visible atomically; readers get a snapshot.
type EventLog interface {
	Append(ctx context.Context, e *models.Event) error
	ReadAll(ctx context.Context) ([]models.Event, error)
	ReadPage(ctx context.Context, offset, limit int) ([]models.Event, error)
	ReadSession(ctx context.Context, sessionID string) ([]models.Event, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Open returns the event log selected by storage.driver.
func Open(cfg *config.Config, logger *zap.SugaredLogger) (EventLog, error) {
	switch cfg.Storage.Driver {
	case "", "file":
		return NewFileLog(cfg.Storage.EventLog, logger)
	case "sqlite":
		return NewSQLiteLog(cfg.Storage.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func page(events []models.Event, offset, limit int) []models.Event {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(events) {
		return []models.Event{}
	}
	end := len(events)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return events[offset:end]
}
