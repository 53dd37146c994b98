package models

import (
	"sort"
	"time"
)

// Session is derived from the events sharing a session id; nothing stores it.
type Session struct {
	SessionID  string     `json:"session_id"`
	Start      time.Time  `json:"start"`
	End        *time.Time `json:"end,omitempty"`
	Open       bool       `json:"open"`
	EventCount int        `json:"event_count"`
	ClientIP   string     `json:"client_ip"`
	Geo        Geo        `json:"geo"`
	Events     []Event    `json:"events"`
}

// BuildSession derives the session sessionID from events, which may be in
// any order. It returns false when no event belongs to the session.
//
// Start is the earliest session_start (or earliest event of any type when no
// explicit start exists). End is the latest parsable session_end. Any
// session_end closes the session.
func BuildSession(sessionID string, events []Event) (*Session, bool) {
	var own []Event
	for _, e := range events {
		if e.SessionID == sessionID {
			own = append(own, e)
		}
	}
	if len(own) == 0 {
		return nil, false
	}
	SortByTimestamp(own)

	s := &Session{SessionID: sessionID, EventCount: len(own), Events: own, Open: true}

	var startEvent, firstEvent *Event
	for i := range own {
		e := &own[i]
		if e.Type == EventSessionEnd {
			s.Open = false
		}
		t, ok := e.Time()
		if !ok {
			continue
		}
		if firstEvent == nil {
			firstEvent = e
		}
		switch e.Type {
		case EventSessionStart:
			if startEvent == nil {
				startEvent = e
			}
		case EventSessionEnd:
			end := t
			s.End = &end
		}
	}
	if startEvent == nil {
		startEvent = firstEvent
	}
	if startEvent == nil {
		startEvent = &own[0]
	}
	s.Start, _ = startEvent.Time()
	s.ClientIP = startEvent.ClientIP
	s.Geo = startEvent.Geo
	return s, true
}

// SortByTimestamp orders events by parsed timestamp; events whose timestamp
// does not parse sort last, keeping their arrival order.
func SortByTimestamp(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		ti, okI := events[i].Time()
		tj, okJ := events[j].Time()
		switch {
		case okI && okJ:
			return ti.Before(tj)
		case okI:
			return true
		default:
			return false
		}
	})
}
