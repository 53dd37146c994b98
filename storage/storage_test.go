package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"site-analytics/config"
	"site-analytics/models"
)

type backend struct {
	name string
	open func(t *testing.T) EventLog
}

func backends() []backend {
	return []backend{
		{"file", func(t *testing.T) EventLog {
			l, err := NewFileLog(filepath.Join(t.TempDir(), "data", "analytics_data.json"), zap.NewNop().Sugar())
			require.NoError(t, err)
			return l
		}},
		{"sqlite", func(t *testing.T) EventLog {
			l, err := NewSQLiteLog(filepath.Join(t.TempDir(), "analytics.db"), zap.NewNop().Sugar())
			require.NoError(t, err)
			t.Cleanup(func() { l.Close() })
			return l
		}},
	}
}

func event(id, session string, typ models.EventType) *models.Event {
	return &models.Event{
		ID:         id,
		Type:       typ,
		SessionID:  session,
		Timestamp:  "2025-01-01T00:00:00Z",
		ReceivedAt: "2025-01-01T00:00:01.5Z",
		ClientIP:   "81.2.69.160",
		Geo:        models.Geo{Country: "Unknown", City: "Unknown", Source: models.GeoSourceDefault},
	}
}

func TestEventLogBackends(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name+"/empty log", func(t *testing.T) {
			l := b.open(t)
			events, err := l.ReadAll(ctx)
			require.NoError(t, err)
			assert.Empty(t, events)

			n, err := l.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})

		t.Run(b.name+"/append preserves order and content", func(t *testing.T) {
			l := b.open(t)
			x := 12
			first := event("e1", "s1", models.EventSessionStart)
			first.X = &x
			first.Data = map[string]any{"plan": "pro"}
			require.NoError(t, l.Append(ctx, first))
			require.NoError(t, l.Append(ctx, event("e2", "s2", models.EventClick)))
			require.NoError(t, l.Append(ctx, event("e3", "s1", models.EventSessionEnd)))

			events, err := l.ReadAll(ctx)
			require.NoError(t, err)
			require.Len(t, events, 3)
			assert.Equal(t, []string{"e1", "e2", "e3"}, []string{events[0].ID, events[1].ID, events[2].ID})
			assert.Equal(t, *first, events[0])

			n, err := l.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			pageEvents, err := l.ReadPage(ctx, 1, 1)
			require.NoError(t, err)
			require.Len(t, pageEvents, 1)
			assert.Equal(t, "e2", pageEvents[0].ID)

			pageEvents, err = l.ReadPage(ctx, 5, 10)
			require.NoError(t, err)
			assert.Empty(t, pageEvents)

			session, err := l.ReadSession(ctx, "s1")
			require.NoError(t, err)
			assert.Len(t, session, 2)
		})

		t.Run(b.name+"/concurrent appends lose nothing", func(t *testing.T) {
			l := b.open(t)
			const n = 40

			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- l.Append(ctx, event(fmt.Sprintf("e%d", i), fmt.Sprintf("s%d", i), models.EventClick))
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			events, err := l.ReadAll(ctx)
			require.NoError(t, err)
			require.Len(t, events, n)

			seen := map[string]bool{}
			for _, e := range events {
				seen[e.ID] = true
			}
			assert.Len(t, seen, n)
		})
	}
}

func TestFileLogFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics_data.json")
	l, err := NewFileLog(path, zap.NewNop().Sugar())
	require.NoError(t, err)

	e := event("e1", "s1", models.EventClick)
	e.ElementText = "<b>Café</b> & más"
	require.NoError(t, l.Append(context.Background(), e))
	require.NoError(t, l.Append(context.Background(), event("e2", "s1", models.EventScroll)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)

	assert.True(t, json.Valid(raw))
	assert.True(t, strings.HasPrefix(text, "[\n    {\n        \"id\": \"e1\""), text)
	assert.Contains(t, text, "<b>Café</b> & más")
	assert.NotContains(t, text, "\\u003c")
}

func TestFileLogPreservesExistingRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics_data.json")
	legacy := `[{"type":"session_start","session_id":"old","timestamp":"2024-05-01 10:00:00","legacy_field":{"a":1}}]`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	l, err := NewFileLog(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), event("e1", "s1", models.EventClick)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"legacy_field"`)

	events, err := l.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "old", events[0].SessionID)
}

func TestFileLogRefusesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics_data.json")
	corrupt := []byte(`[{"type":"click",`)
	require.NoError(t, os.WriteFile(path, corrupt, 0o644))

	l, err := NewFileLog(path, zap.NewNop().Sugar())
	require.NoError(t, err)

	err = l.Append(context.Background(), event("e1", "s1", models.EventClick))
	assert.ErrorIs(t, err, ErrCorruptLog)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, corrupt, raw)

	_, err = l.ReadAll(context.Background())
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func TestFileLogBlankFileReadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics_data.json")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))

	l, err := NewFileLog(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	events, err := l.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, l.Append(context.Background(), event("e1", "s1", models.EventClick)))
	n, err := l.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteLogPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics.db")

	l, err := NewSQLiteLog(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), event("e1", "s1", models.EventSessionStart)))
	require.NoError(t, l.Close())

	l, err = NewSQLiteLog(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer l.Close()

	events, err := l.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)

	// duplicate ids are rejected by the unique constraint
	assert.Error(t, l.Append(context.Background(), event("e1", "s1", models.EventClick)))
}

func TestOpenSelectsDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.EventLog = filepath.Join(t.TempDir(), "log.json")
	l, err := Open(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.IsType(t, &FileLog{}, l)

	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "a.db")
	l, err = Open(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteLog{}, l)
	l.Close()

	cfg.Storage.Driver = "mongo"
	_, err = Open(cfg, zap.NewNop().Sugar())
	assert.Error(t, err)
}
