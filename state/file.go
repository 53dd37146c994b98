package state

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"site-analytics/models"
)

const (
	notifiedFile  = "notified_sessions.json"
	lastCheckFile = "last_check.json"
)

// FileStore keeps the notified set as a JSON array of session ids and the
// last scan time as {"timestamp": <epoch seconds>}, both in dir.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger *zap.SugaredLogger
}

func NewFileStore(dir string, logger *zap.SugaredLogger) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

type lastCheckDoc struct {
	Timestamp int64 `json:"timestamp"`
}

func (s *FileStore) Load(ctx context.Context) (*models.NotificationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.readNotified()
	if err != nil {
		return nil, err
	}
	st := models.NewNotificationState()
	st.MarkNotified(ids...)
	st.LastCheck = s.readLastCheck()
	return st, nil
}

func (s *FileStore) AddNotified(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readNotified()
	if err != nil {
		return err
	}
	set := make(map[string]struct{}, len(existing)+len(ids))
	for _, id := range existing {
		set[id] = struct{}{}
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	all := make([]string, 0, len(set))
	for id := range set {
		all = append(all, id)
	}
	sort.Strings(all)

	data, err := json.MarshalIndent(all, "", "    ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.dir, notifiedFile), data)
}

func (s *FileStore) SaveLastCheck(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(lastCheckDoc{Timestamp: t.Unix()})
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.dir, lastCheckFile), data)
}

func (s *FileStore) Close() error { return nil }

// readNotified fails on a corrupt file; treating it as empty would re-alert
// every session in the window.
func (s *FileStore) readNotified() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, notifiedFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read notified sessions: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode notified sessions: %w", err)
	}
	return ids, nil
}

// readLastCheck returns the zero time when the marker is missing or unreadable.
func (s *FileStore) readLastCheck() time.Time {
	data, err := os.ReadFile(filepath.Join(s.dir, lastCheckFile))
	if err != nil {
		return time.Time{}
	}
	var doc lastCheckDoc
	if err := json.Unmarshal(data, &doc); err != nil || doc.Timestamp <= 0 {
		s.logger.Warnw("Ignoring unreadable last check marker", "error", err)
		return time.Time{}
	}
	return time.Unix(doc.Timestamp, 0).UTC()
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
