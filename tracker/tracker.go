// Package tracker validates, enriches and stores analytics events.
package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"site-analytics/geo"
	"site-analytics/metrics"
	"site-analytics/models"
	"site-analytics/storage"
	"site-analytics/utils"
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrMissingField   = errors.New("missing required field")
	ErrStorageWrite   = errors.New("failed to store event")
)

// TrackerAgentHeader identifies the client script that sent an event.
const TrackerAgentHeader = "X-Tracker-Agent"

// GeoResolver picks the location stored on an event.
type GeoResolver interface {
	Resolve(ctx context.Context, in geo.Input) geo.Resolution
}

// RequestMeta is what the HTTP layer knows about the sender.
type RequestMeta struct {
	Header     http.Header
	RemoteAddr string
}

// Result echoes what was stored.
type Result struct {
	EventID   string           `json:"event_id"`
	Type      models.EventType `json:"type"`
	SessionID string           `json:"session_id"`
	Geo       models.Geo       `json:"geo"`
}

type Tracker struct {
	log          storage.EventLog
	resolver     GeoResolver
	trustHeaders bool
	now          func() time.Time
	logger       *zap.SugaredLogger
}

type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(log storage.EventLog, resolver GeoResolver, trustProxyHeaders bool, logger *zap.SugaredLogger, opts ...Option) *Tracker {
	t := &Tracker{
		log:          log,
		resolver:     resolver,
		trustHeaders: trustProxyHeaders,
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Ingest validates raw, enriches it and appends it to the event log. It
// returns only after the append has completed. Enrichment and the append run
// detached from ctx cancellation so a client that goes away mid-request does
// not lose its event.
func (t *Tracker) Ingest(ctx context.Context, raw []byte, meta RequestMeta) (*Result, error) {
	ctx = context.WithoutCancel(ctx)

	event, in, err := decode(raw)
	if err != nil {
		reason := "invalid_payload"
		if errors.Is(err, ErrMissingField) {
			reason = "missing_field"
		}
		metrics.IngestFailures.WithLabelValues(reason).Inc()
		return nil, err
	}

	now := t.now().UTC()
	event.ID = uuid.NewString()
	event.ReceivedAt = now.Format(time.RFC3339Nano)
	if event.Timestamp == "" {
		event.Timestamp = models.FormatTimestamp(now)
	}
	event.ClientIP = utils.GetClientIP(meta.Header, meta.RemoteAddr, t.trustHeaders)
	event.TrackerAgent = meta.Header.Get(TrackerAgentHeader)
	if event.UserAgent == "" {
		event.UserAgent = meta.Header.Get("User-Agent")
	}
	if event.Referrer == "" {
		event.Referrer = meta.Header.Get("Referer")
	}
	ua := utils.ParseUserAgent(event.UserAgent)
	event.DeviceType, event.Browser, event.OS = ua.DeviceType, ua.Browser, ua.OS

	in.ClientIP = event.ClientIP
	res := t.resolver.Resolve(ctx, in)
	event.Geo = res.Geo
	event.ServerGeo = res.ServerGeo
	event.LocationConsistency = res.Consistency
	event.LocationDistanceKm = res.DistanceKm

	if err := t.log.Append(ctx, event); err != nil {
		metrics.IngestFailures.WithLabelValues("storage").Inc()
		t.logger.Errorw("Failed to append event",
			"session_id", event.SessionID,
			"type", event.Type,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}

	metrics.EventsIngested.WithLabelValues(string(event.Type)).Inc()
	t.logger.Debugw("Event stored",
		"id", event.ID,
		"type", event.Type,
		"session_id", event.SessionID,
		"client_ip", event.ClientIP,
		"geo_source", event.Geo.Source,
	)

	return &Result{
		EventID:   event.ID,
		Type:      event.Type,
		SessionID: event.SessionID,
		Geo:       event.Geo,
	}, nil
}

func decode(raw []byte) (*models.Event, geo.Input, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, geo.Input{}, fmt.Errorf("%w: body must be a JSON object", ErrInvalidPayload)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, geo.Input{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var p payload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, geo.Input{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if p.Type == "" {
		return nil, geo.Input{}, fmt.Errorf("%w: type", ErrMissingField)
	}
	if p.SessionID == "" {
		return nil, geo.Input{}, fmt.Errorf("%w: session_id", ErrMissingField)
	}

	e := &models.Event{
		Type:             models.EventType(p.Type),
		EventName:        p.EventName,
		SessionID:        p.SessionID,
		Timestamp:        p.Timestamp,
		UserAgent:        p.UserAgent,
		Page:             p.Page,
		URL:              p.URL,
		Referrer:         p.Referrer,
		Language:         p.Language,
		Timezone:         p.Timezone,
		ScreenResolution: p.ScreenResolution,
		ElementID:        p.ElementID,
		ElementClass:     p.ElementClass,
		ElementText:      p.ElementText,
		ElementType:      p.ElementType,
		X:                p.X.intPtr(),
		Y:                p.Y.intPtr(),
		ScrollPercent:    p.ScrollPercent.floatPtr(),
		FileName:         p.FileName,
		FileURL:          p.FileURL,
		Duration:         p.Duration.floatPtr(),
		SequenceOrder:    p.SequenceOrder.intPtr(),
		TotalClicks:      p.TotalClicks.intPtr(),
	}
	if e.Duration == nil {
		e.Duration = p.DurationSeconds.floatPtr()
	}

	data := make(map[string]any)
	for k, v := range p.EventData {
		data[k] = v
	}
	for k, v := range p.Data {
		data[k] = v
	}
	for k, v := range fields {
		if knownFields[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err == nil {
			data[k] = val
		}
	}

	if !e.Type.Known() {
		if e.EventName == "" {
			e.EventName = p.Type
		} else {
			data["original_type"] = p.Type
		}
		e.Type = models.EventCustom
	}
	if len(data) > 0 {
		e.Data = data
	}

	gps := p.gpsFix()
	if gps.Valid() {
		e.GPS = gps
	}
	return e, geo.Input{ClientGeo: p.clientGeo(), GPS: gps}, nil
}
