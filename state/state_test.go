package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir, zap.NewNop().Sugar())
	require.NoError(t, err)

	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.NotifiedSessions)
	assert.True(t, st.LastCheck.IsZero())

	require.NoError(t, s.AddNotified(ctx, "s2", "s1"))
	require.NoError(t, s.AddNotified(ctx, "s1", "s3"))
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveLastCheck(ctx, now))

	st, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, st.NotifiedSessions, 3)
	assert.True(t, st.IsNotified("s3"))
	assert.True(t, now.Equal(st.LastCheck))

	// on-disk layout
	var ids []string
	raw, err := os.ReadFile(filepath.Join(dir, notifiedFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &ids))
	assert.Equal(t, []string{"s1", "s2", "s3"}, ids)

	raw, err = os.ReadFile(filepath.Join(dir, lastCheckFile))
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp": 1735732800}`, string(raw))
}

func TestFileStoreCorruptNotifiedFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, notifiedFile), []byte("{not json"), 0o644))

	s, err := NewFileStore(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	_, err = s.Load(context.Background())
	assert.Error(t, err)
	assert.Error(t, s.AddNotified(context.Background(), "s1"))
}

func TestFileStoreUnreadableLastCheckIsZero(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, lastCheckFile), []byte("garbage"), 0o644))

	s, err := NewFileStore(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	st, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, st.LastCheck.IsZero())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "test:" + uuid.NewString() + ":"

	s, err := NewRedisStore(ctx, addr, os.Getenv("REDIS_PASSWORD"), 0, prefix, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer func() {
		s.rdb.Del(ctx, s.notifiedKey(), s.lastCheckKey())
		s.Close()
	}()

	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.NotifiedSessions)
	assert.True(t, st.LastCheck.IsZero())

	require.NoError(t, s.AddNotified(ctx, "s1", "s2"))
	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.SaveLastCheck(ctx, now))

	st, err = s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsNotified("s1"))
	assert.True(t, st.IsNotified("s2"))
	assert.True(t, now.Equal(st.LastCheck))
}
