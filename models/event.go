package models

import (
	"strings"
	"time"
)

type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventClick        EventType = "click"
	EventScroll       EventType = "scroll"
	EventFileDownload EventType = "file_download"
	EventInactivity   EventType = "inactivity"
	EventSessionEnd   EventType = "session_end"
	EventCustom       EventType = "custom"
)

// Known reports whether t is one of the canonical event types.
func (t EventType) Known() bool {
	switch t {
	case EventSessionStart, EventClick, EventScroll, EventFileDownload,
		EventInactivity, EventSessionEnd, EventCustom:
		return true
	}
	return false
}

// GeoSource tags where an event's location came from.
type GeoSource string

const (
	GeoSourceClientGPS   GeoSource = "client-gps"
	GeoSourceClientIPAPI GeoSource = "client-ip-api"
	GeoSourceServerIPAPI GeoSource = "server-ip-api"
	GeoSourceDefault     GeoSource = "default"
)

type Geo struct {
	Country   string    `json:"country"`
	City      string    `json:"city"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Source    GeoSource `json:"source"`
}

// Complete reports whether the client supplied enough to skip a server lookup.
func (g *Geo) Complete() bool {
	return g != nil && g.Country != "" && g.City != ""
}

// GPSFix is a raw browser geolocation reading.
type GPSFix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Valid is false for the zero fix browsers report when permission is denied.
func (f *GPSFix) Valid() bool {
	return f != nil && f.Latitude != 0 && f.Longitude != 0
}

// Event is one client observation as stored in the event log. It is never
// modified after it has been appended.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	EventName    string    `json:"event_name,omitempty"`
	SessionID    string    `json:"session_id"`
	Timestamp    string    `json:"timestamp"`
	ReceivedAt   string    `json:"received_at"`
	ClientIP     string    `json:"client_ip"`
	TrackerAgent string    `json:"tracker_agent,omitempty"`

	UserAgent        string `json:"user_agent,omitempty"`
	DeviceType       string `json:"device_type,omitempty"`
	Browser          string `json:"browser,omitempty"`
	OS               string `json:"os,omitempty"`
	Page             string `json:"page,omitempty"`
	URL              string `json:"url,omitempty"`
	Referrer         string `json:"referrer,omitempty"`
	Language         string `json:"language,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	ScreenResolution string `json:"screen_resolution,omitempty"`

	Geo                 Geo      `json:"geo"`
	GPS                 *GPSFix  `json:"gps,omitempty"`
	ServerGeo           *Geo     `json:"server_geo,omitempty"`
	LocationConsistency string   `json:"location_consistency,omitempty"`
	LocationDistanceKm  *float64 `json:"location_distance_km,omitempty"`

	ElementID     string   `json:"element_id,omitempty"`
	ElementClass  string   `json:"element_class,omitempty"`
	ElementText   string   `json:"element_text,omitempty"`
	ElementType   string   `json:"element_type,omitempty"`
	X             *int     `json:"x_coordinate,omitempty"`
	Y             *int     `json:"y_coordinate,omitempty"`
	ScrollPercent *float64 `json:"scroll_percent,omitempty"`
	FileName      string   `json:"file_name,omitempty"`
	FileURL       string   `json:"file_url,omitempty"`
	Duration      *float64 `json:"duration,omitempty"`
	SequenceOrder *int     `json:"sequence_order,omitempty"`
	TotalClicks   *int     `json:"total_clicks,omitempty"`

	Data map[string]any `json:"data,omitempty"`
}

// timestampLayouts covers what the trackers have sent over time: ISO-8601
// from toISOString and the server-side "Y-m-d H:i:s" form.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an event timestamp. Values without a zone are UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Time returns the parsed event timestamp.
func (e *Event) Time() (time.Time, bool) {
	return ParseTimestamp(e.Timestamp)
}

// FormatTimestamp renders t the way the server stamps events.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
