package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"site-analytics/models"
	"site-analytics/state"
	"site-analytics/storage"
)

const selfIP = "82.66.151.2"

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSender struct {
	mu        sync.Mutex
	summaries []*models.Summary
	err       error
	entered   chan struct{}
	release   chan struct{}
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) Send(ctx context.Context, s *models.Summary) error {
	if r.entered != nil {
		r.entered <- struct{}{}
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.summaries)
}

type fixture struct {
	log      *storage.FileLog
	store    *state.FileStore
	sender   *recordingSender
	clock    *clock
	notifier *SessionNotifier
	dir      string
}

func newFixture(t *testing.T, cfg NotifierConfig) *fixture {
	t.Helper()
	dir := t.TempDir()
	log, err := storage.NewFileLog(filepath.Join(dir, "analytics_data.json"), zap.NewNop().Sugar())
	require.NoError(t, err)
	store, err := state.NewFileStore(dir, zap.NewNop().Sugar())
	require.NoError(t, err)

	if cfg.SelfIPs == nil {
		cfg.SelfIPs = []string{selfIP}
	}
	f := &fixture{log: log, store: store, sender: &recordingSender{}, clock: &clock{t: start}, dir: dir}
	f.notifier = NewSessionNotifier(log, store, f.sender, cfg, zap.NewNop().Sugar(), WithClock(f.clock.Now))
	return f
}

func (f *fixture) add(t *testing.T, sessionID, ip string, age time.Duration, mutate ...func(*models.Event)) {
	t.Helper()
	e := &models.Event{
		ID:        sessionID + "-" + age.String(),
		Type:      models.EventSessionStart,
		SessionID: sessionID,
		Timestamp: models.FormatTimestamp(f.clock.Now().Add(-age)),
		ClientIP:  ip,
		Geo:       models.Geo{Country: "France", City: "Paris", Source: models.GeoSourceServerIPAPI},
	}
	for _, m := range mutate {
		m(e)
	}
	require.NoError(t, f.log.Append(context.Background(), e))
}

func TestCheckSessionsIdempotent(t *testing.T) {
	f := newFixture(t, NotifierConfig{})
	f.add(t, "s1", "81.2.69.160", time.Hour)
	ctx := context.Background()

	res, err := f.notifier.CheckSessions(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.NewSessions)
	assert.Equal(t, 1, res.AlertsSent)
	assert.Equal(t, 1, f.sender.count())

	res, err = f.notifier.CheckSessions(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusThrottled, res.Status)
	assert.Equal(t, 0, res.NewSessions)
	assert.Equal(t, 600, res.NextCheckIn)

	f.clock.Advance(11 * time.Minute)
	res, err = f.notifier.CheckSessions(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 0, res.NewSessions)
	assert.Equal(t, 1, res.TotalExternalSessions)
	assert.Equal(t, 1, f.sender.count())
}

func TestCheckSessionsCooldownOverride(t *testing.T) {
	f := newFixture(t, NotifierConfig{})
	ctx := context.Background()

	_, err := f.notifier.CheckSessions(ctx, ScanOptions{})
	require.NoError(t, err)

	f.clock.Advance(90 * time.Second)
	res, err := f.notifier.CheckSessions(ctx, ScanOptions{Cooldown: 60 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 60, res.CooldownSeconds)

	// below the minimum clamps to 60s
	f.clock.Advance(30 * time.Second)
	res, err = f.notifier.CheckSessions(ctx, ScanOptions{Cooldown: time.Second})
	require.NoError(t, err)
	assert.Equal(t, StatusThrottled, res.Status)
	assert.Equal(t, 30, res.NextCheckIn)
}

func TestCheckSessionsDedupKeepsLatest(t *testing.T) {
	f := newFixture(t, NotifierConfig{})
	f.add(t, "s1", "81.2.69.160", 3*time.Hour)
	f.add(t, "s1", "81.2.69.161", time.Hour, func(e *models.Event) { e.Geo.City = "Lyon" })
	f.add(t, "s1", "81.2.69.162", 2*time.Hour, func(e *models.Event) { e.Geo.City = "Nice" })

	res, err := f.notifier.CheckSessions(context.Background(), ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewSessions)
	assert.Equal(t, 1, res.TotalExternalSessions)
	require.Len(t, res.Sessions, 1)
	assert.Equal(t, "Lyon", res.Sessions[0].City)
	assert.Equal(t, "81.2.69.161", res.Sessions[0].ClientIP)

	require.Equal(t, 1, f.sender.count())
	assert.Equal(t, 1, f.sender.summaries[0].Count)
	assert.Equal(t, models.SummaryTypeDigest, f.sender.summaries[0].Type)
}

func TestCheckSessionsSelfIPExclusion(t *testing.T) {
	f := newFixture(t, NotifierConfig{})
	f.add(t, "mine", selfIP, time.Hour)
	ctx := context.Background()

	res, err := f.notifier.CheckSessions(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewSessions)
	assert.Equal(t, 0, res.TotalExternalSessions)
	assert.Equal(t, 0, f.sender.count())

	f.clock.Advance(time.Hour)
	res, err = f.notifier.CheckSessions(ctx, ScanOptions{IncludeSelf: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewSessions)
	assert.True(t, res.IncludeSelf)
}

func TestCheckSessionsWindow(t *testing.T) {
	f := newFixture(t, NotifierConfig{})
	f.add(t, "old", "81.2.69.160", 25*time.Hour)
	f.add(t, "recent", "81.2.69.161", time.Hour)

	res, err := f.notifier.CheckSessions(context.Background(), ScanOptions{WindowHours: 24})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewSessions)
	assert.Equal(t, 2, res.TotalExternalSessions)
	require.Len(t, res.Sessions, 1)
	assert.Equal(t, "recent", res.Sessions[0].SessionID)
}

func TestCheckSessionsWindowAppliesBeforeGrouping(t *testing.T) {
	f := newFixture(t, NotifierConfig{})
	f.add(t, "s-x", "81.2.69.160", 0, func(e *models.Event) { e.Timestamp = "not a date" })
	f.add(t, "s-x", "81.2.69.160", 25*time.Hour)
	f.add(t, "s-y", "81.2.69.161", 2*time.Hour)
	f.add(t, "s-y", "81.2.69.161", 30*time.Hour)

	res, err := f.notifier.CheckSessions(context.Background(), ScanOptions{WindowHours: 24})
	require.NoError(t, err)
	assert.Equal(t, 2, res.NewSessions)
	assert.Equal(t, 2, res.TotalExternalSessions)
	require.Len(t, res.Sessions, 2)
	assert.Equal(t, "s-y", res.Sessions[0].SessionID)
	assert.Equal(t, "s-x", res.Sessions[1].SessionID)
}

func TestCheckSessionsFilters(t *testing.T) {
	f := newFixture(t, NotifierConfig{})
	f.add(t, "no-ip", "", time.Hour)
	f.add(t, "click", "81.2.69.160", time.Hour, func(e *models.Event) { e.Type = models.EventClick })
	f.add(t, "garbled", "81.2.69.160", 0, func(e *models.Event) { e.Timestamp = "not a date" })
	f.add(t, "b", "81.2.69.161", time.Hour)
	f.add(t, "a", "81.2.69.162", 2*time.Hour)

	res, err := f.notifier.CheckSessions(context.Background(), ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.NewSessions)
	require.Len(t, res.Sessions, 3)
	// sorted by timestamp, unparsable last
	assert.Equal(t, []string{"a", "b", "garbled"},
		[]string{res.Sessions[0].SessionID, res.Sessions[1].SessionID, res.Sessions[2].SessionID})
}

func TestCheckSessionsBusy(t *testing.T) {
	f := newFixture(t, NotifierConfig{})
	f.add(t, "s1", "81.2.69.160", time.Hour)
	f.sender.entered = make(chan struct{})
	f.sender.release = make(chan struct{})

	done := make(chan *ScanResult)
	go func() {
		res, _ := f.notifier.CheckSessions(context.Background(), ScanOptions{})
		done <- res
	}()
	<-f.sender.entered

	res, err := f.notifier.CheckSessions(context.Background(), ScanOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusBusy, res.Status)

	close(f.sender.release)
	first := <-done
	require.NotNil(t, first)
	assert.Equal(t, 1, first.NewSessions)
}

func TestCheckSessionsAtMostOnce(t *testing.T) {
	f := newFixture(t, NotifierConfig{})
	f.add(t, "s1", "81.2.69.160", time.Hour)
	f.sender.err = errors.New("smtp down")
	ctx := context.Background()

	res, err := f.notifier.CheckSessions(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewSessions)
	assert.Equal(t, 0, res.AlertsSent)
	assert.Contains(t, res.DispatchError, "smtp down")

	st, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsNotified("s1"))

	f.clock.Advance(time.Hour)
	f.sender.err = nil
	res, err = f.notifier.CheckSessions(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewSessions)
}

func TestCheckSessionsAtLeastOnce(t *testing.T) {
	f := newFixture(t, NotifierConfig{Delivery: DeliveryAtLeastOnce})
	f.add(t, "s1", "81.2.69.160", time.Hour)
	f.sender.err = errors.New("smtp down")
	ctx := context.Background()

	res, err := f.notifier.CheckSessions(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.AlertsSent)

	st, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, st.IsNotified("s1"))

	f.clock.Advance(time.Hour)
	f.sender.err = nil
	res, err = f.notifier.CheckSessions(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewSessions)
	assert.Equal(t, 1, res.AlertsSent)

	st, err = f.store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsNotified("s1"))
}

func TestCheckSessionsPerSessionGranularity(t *testing.T) {
	f := newFixture(t, NotifierConfig{Granularity: GranularityPerSession})
	f.add(t, "s1", "81.2.69.160", time.Hour)
	f.add(t, "s2", "81.2.69.161", 2*time.Hour)

	res, err := f.notifier.CheckSessions(context.Background(), ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.NewSessions)
	assert.Equal(t, 2, res.AlertsSent)
	require.Equal(t, 2, f.sender.count())
	assert.Equal(t, "s2", f.sender.summaries[0].Sessions[0].SessionID)
	assert.Equal(t, 1, f.sender.summaries[1].Count)
	for _, s := range f.sender.summaries {
		assert.Equal(t, models.SummaryTypeSession, s.Type)
	}
}

func TestCheckSessionsSavesLastCheckOnFailure(t *testing.T) {
	f := newFixture(t, NotifierConfig{})
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "analytics_data.json"), []byte("{broken"), 0o644))

	_, err := f.notifier.CheckSessions(context.Background(), ScanOptions{})
	require.Error(t, err)

	st, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, start.Equal(st.LastCheck))
}
