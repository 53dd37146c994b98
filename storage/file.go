package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"site-analytics/metrics"
	"site-analytics/models"
)

const indent = "    "

// FileLog stores the event log as one pretty-printed JSON array.
//
// Every append rewrites the array into a temporary file in the same
// directory and renames it over the log, so a reader sees either the old or
// the new array and never a partial record. Existing records are carried over
// as raw JSON and are never re-encoded.
type FileLog struct {
	path   string
	mu     sync.Mutex
	logger *zap.SugaredLogger
}

func NewFileLog(path string, logger *zap.SugaredLogger) (*FileLog, error) {
	if path == "" {
		return nil, fmt.Errorf("event log path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create event log directory: %w", err)
		}
	}
	return &FileLog{path: path, logger: logger}, nil
}

func (f *FileLog) Append(ctx context.Context, e *models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	record, err := encodeEvent(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	start := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.readRaw()
	if err != nil {
		return err
	}
	records = append(records, record)

	if err := f.writeAtomic(records); err != nil {
		return fmt.Errorf("failed to write event log: %w", err)
	}
	metrics.EventLogAppendDuration.WithLabelValues("file").Observe(time.Since(start).Seconds())
	return nil
}

func (f *FileLog) ReadAll(ctx context.Context) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := f.readFile()
	if err != nil || data == nil {
		return []models.Event{}, err
	}

	var events []models.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptLog, err)
	}
	if events == nil {
		events = []models.Event{}
	}
	return events, nil
}

func (f *FileLog) ReadPage(ctx context.Context, offset, limit int) ([]models.Event, error) {
	events, err := f.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return page(events, offset, limit), nil
}

func (f *FileLog) ReadSession(ctx context.Context, sessionID string) ([]models.Event, error) {
	events, err := f.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := []models.Event{}
	for _, e := range events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *FileLog) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	records, err := f.readRaw()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (f *FileLog) Close() error { return nil }

// readFile returns nil for a missing or blank log.
func (f *FileLog) readFile() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return data, nil
}

func (f *FileLog) readRaw() ([]json.RawMessage, error) {
	data, err := f.readFile()
	if err != nil || data == nil {
		return nil, err
	}
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		f.logger.Errorw("Event log is not a JSON array, refusing to overwrite", "path", f.path, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrCorruptLog, err)
	}
	return records, nil
}

func (f *FileLog) writeAtomic(records []json.RawMessage) error {
	var buf bytes.Buffer
	if len(records) == 0 {
		buf.WriteString("[]")
	} else {
		buf.WriteString("[\n")
		for i, r := range records {
			buf.WriteString(indent)
			if err := json.Indent(&buf, r, indent, indent); err != nil {
				return err
			}
			if i < len(records)-1 {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		buf.WriteString("]")
	}
	buf.WriteByte('\n')

	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

// encodeEvent marshals without HTML escaping so stored text stays readable.
func encodeEvent(e *models.Event) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
