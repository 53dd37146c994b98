package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2025-01-01T00:00:00Z", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"2025-01-01T02:00:00+02:00", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"2025-01-01T00:00:00.123Z", time.Date(2025, 1, 1, 0, 0, 0, 123000000, time.UTC), true},
		{"2025-01-01 08:30:00", time.Date(2025, 1, 1, 8, 30, 0, 0, time.UTC), true},
		{"yesterday", time.Time{}, false},
		{"", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseTimestamp(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), "got %s", got)
			}
		})
	}
}

func TestBuildSession(t *testing.T) {
	events := []Event{
		{SessionID: "s1", Type: EventClick, Timestamp: "2025-01-01T10:05:00Z"},
		{SessionID: "s2", Type: EventSessionStart, Timestamp: "2025-01-01T09:00:00Z"},
		{SessionID: "s1", Type: EventSessionEnd, Timestamp: "2025-01-01T10:30:00Z"},
		{SessionID: "s1", Type: EventSessionStart, Timestamp: "2025-01-01T10:00:00Z", ClientIP: "203.0.113.9",
			Geo: Geo{Country: "FR", City: "Paris", Source: GeoSourceServerIPAPI}},
	}

	s, ok := BuildSession("s1", events)
	require.True(t, ok)
	assert.Equal(t, 3, s.EventCount)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), s.Start)
	require.NotNil(t, s.End)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC), *s.End)
	assert.False(t, s.Open)
	assert.Equal(t, "203.0.113.9", s.ClientIP)
	assert.Equal(t, "Paris", s.Geo.City)
	assert.Equal(t, EventSessionStart, s.Events[0].Type)
}

func TestBuildSessionWithoutExplicitStart(t *testing.T) {
	events := []Event{
		{SessionID: "s1", Type: EventScroll, Timestamp: "2025-01-01T10:10:00Z"},
		{SessionID: "s1", Type: EventClick, Timestamp: "2025-01-01T10:02:00Z"},
	}
	s, ok := BuildSession("s1", events)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 2, 0, 0, time.UTC), s.Start)
	assert.True(t, s.Open)
	assert.Nil(t, s.End)

	_, ok = BuildSession("missing", events)
	assert.False(t, ok)
}

func TestBuildSessionEndWithUnparsableTimestamp(t *testing.T) {
	events := []Event{
		{SessionID: "s1", Type: EventSessionStart, Timestamp: "2025-01-01T10:00:00Z"},
		{SessionID: "s1", Type: EventSessionEnd, Timestamp: "soon"},
	}
	s, ok := BuildSession("s1", events)
	require.True(t, ok)
	assert.False(t, s.Open)
	assert.Nil(t, s.End)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), s.Start)
}

func TestSortByTimestampPutsUnparsableLast(t *testing.T) {
	events := []Event{
		{ID: "a", Timestamp: "garbage"},
		{ID: "b", Timestamp: "2025-01-02T00:00:00Z"},
		{ID: "c", Timestamp: "2025-01-01T00:00:00Z"},
	}
	SortByTimestamp(events)
	assert.Equal(t, []string{"c", "b", "a"}, []string{events[0].ID, events[1].ID, events[2].ID})
}

func TestNotificationState(t *testing.T) {
	st := NewNotificationState()
	assert.False(t, st.IsNotified("s1"))
	st.MarkNotified("s1", "s2")
	assert.True(t, st.IsNotified("s1"))
	assert.True(t, st.IsNotified("s2"))
}

func TestEventTypeKnown(t *testing.T) {
	assert.True(t, EventSessionStart.Known())
	assert.True(t, EventCustom.Known())
	assert.False(t, EventType("page_change").Known())
}
