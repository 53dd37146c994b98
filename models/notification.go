package models

import "time"

// NotificationState is what the session notifier persists between scans.
type NotificationState struct {
	NotifiedSessions map[string]struct{}
	LastCheck        time.Time
}

func NewNotificationState() *NotificationState {
	return &NotificationState{NotifiedSessions: make(map[string]struct{})}
}

func (s *NotificationState) IsNotified(sessionID string) bool {
	_, ok := s.NotifiedSessions[sessionID]
	return ok
}

func (s *NotificationState) MarkNotified(ids ...string) {
	for _, id := range ids {
		s.NotifiedSessions[id] = struct{}{}
	}
}

// SessionAlert is one new session inside a Summary.
type SessionAlert struct {
	SessionID string  `json:"session_id"`
	Timestamp string  `json:"timestamp"`
	ClientIP  string  `json:"client_ip"`
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	GeoSource string  `json:"geo_source"`
	UserAgent string  `json:"user_agent,omitempty"`
	Page      string  `json:"page,omitempty"`
	Referrer  string  `json:"referrer,omitempty"`
}

func NewSessionAlert(e Event) SessionAlert {
	page := e.URL
	if page == "" {
		page = e.Page
	}
	return SessionAlert{
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
		ClientIP:  e.ClientIP,
		Country:   e.Geo.Country,
		City:      e.Geo.City,
		Latitude:  e.Geo.Latitude,
		Longitude: e.Geo.Longitude,
		GeoSource: string(e.Geo.Source),
		UserAgent: e.UserAgent,
		Page:      page,
		Referrer:  e.Referrer,
	}
}

// Summary types: one digest per scan, or one summary per session.
const (
	SummaryTypeDigest  = "summary"
	SummaryTypeSession = "session"
)

// Summary is the payload handed to notification senders.
type Summary struct {
	Type        string         `json:"type"`
	Count       int            `json:"count"`
	Sessions    []SessionAlert `json:"sessions"`
	WindowHours int            `json:"window_hours"`
	GeneratedAt time.Time      `json:"timestamp"`
}
