// Package service holds the session notifier: it scans the event log for
// sessions that started recently and were not reported yet, and hands them
// to a notification sender as one batch.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"site-analytics/config"
	"site-analytics/metrics"
	"site-analytics/models"
	"site-analytics/notification"
	"site-analytics/state"
	"site-analytics/storage"
)

// ErrDispatch marks a failed notification. It is reported in the scan result
// and never fails the scan itself.
var ErrDispatch = errors.New("notification dispatch failed")

type ScanStatus string

const (
	StatusCompleted ScanStatus = "completed"
	StatusThrottled ScanStatus = "throttled"
	StatusBusy      ScanStatus = "busy"
)

const (
	GranularitySummary    = "summary"
	GranularityPerSession = "per-session"

	DeliveryAtMostOnce  = "at-most-once"
	DeliveryAtLeastOnce = "at-least-once"
)

// ScanOptions are per-call overrides. Zero values use the configured
// defaults; out-of-range values are clamped.
type ScanOptions struct {
	Cooldown    time.Duration
	WindowHours int
	IncludeSelf bool
}

type ScanResult struct {
	Success               bool                  `json:"success"`
	Status                ScanStatus            `json:"status"`
	NewSessions           int                   `json:"new_sessions"`
	AlertsSent            int                   `json:"alerts_sent"`
	TotalExternalSessions int                   `json:"total_external_sessions"`
	Message               string                `json:"message"`
	Timestamp             time.Time             `json:"timestamp"`
	NextCheckIn           int                   `json:"next_check_in,omitempty"` // seconds
	CooldownSeconds       int                   `json:"cooldown_seconds"`
	WindowHours           int                   `json:"window_hours"`
	IncludeSelf           bool                  `json:"include_my_ip"`
	Sessions              []models.SessionAlert `json:"sessions,omitempty"`
	DispatchError         string                `json:"dispatch_error,omitempty"`
}

type NotifierConfig struct {
	Cooldown        time.Duration
	WindowHours     int
	SelfIPs         []string
	Granularity     string
	Delivery        string
	DispatchTimeout time.Duration
}

// NotifierConfigFrom extracts the notifier settings from cfg.
func NotifierConfigFrom(cfg *config.Config) NotifierConfig {
	return NotifierConfig{
		Cooldown:        cfg.Notifier.Cooldown,
		WindowHours:     cfg.Notifier.WindowHours,
		SelfIPs:         cfg.Notifier.SelfIPs,
		Granularity:     cfg.Notifier.Granularity,
		Delivery:        cfg.Notifier.Delivery,
		DispatchTimeout: cfg.Notifier.DispatchTimeout,
	}
}

type SessionNotifier struct {
	log     storage.EventLog
	store   state.Store
	sender  notification.Sender
	cfg     NotifierConfig
	selfIPs map[string]struct{}
	now     func() time.Time
	logger  *zap.SugaredLogger

	// mu is held for a whole scan; a second caller gets StatusBusy.
	mu sync.Mutex
}

type Option func(*SessionNotifier)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(n *SessionNotifier) { n.now = now }
}

func NewSessionNotifier(log storage.EventLog, store state.Store, sender notification.Sender, cfg NotifierConfig, logger *zap.SugaredLogger, opts ...Option) *SessionNotifier {
	cfg.Cooldown = config.ClampCooldown(cfg.Cooldown)
	cfg.WindowHours = config.ClampWindowHours(cfg.WindowHours)
	if cfg.DispatchTimeout <= 0 || cfg.DispatchTimeout > config.MaxDispatchTimeout {
		cfg.DispatchTimeout = config.MaxDispatchTimeout
	}
	if cfg.Granularity == "" {
		cfg.Granularity = GranularitySummary
	}
	if cfg.Delivery == "" {
		cfg.Delivery = DeliveryAtMostOnce
	}

	self := make(map[string]struct{}, len(cfg.SelfIPs))
	for _, ip := range cfg.SelfIPs {
		self[ip] = struct{}{}
	}

	n := &SessionNotifier{
		log:     log,
		store:   store,
		sender:  sender,
		cfg:     cfg,
		selfIPs: self,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// CheckSessions runs one scan. Busy and throttled runs are successful no-ops.
func (n *SessionNotifier) CheckSessions(ctx context.Context, opts ScanOptions) (*ScanResult, error) {
	cooldown := n.cfg.Cooldown
	if opts.Cooldown != 0 {
		cooldown = config.ClampCooldown(opts.Cooldown)
	}
	window := n.cfg.WindowHours
	if opts.WindowHours != 0 {
		window = config.ClampWindowHours(opts.WindowHours)
	}

	now := n.now().UTC()
	result := &ScanResult{
		Success:         true,
		Timestamp:       now,
		CooldownSeconds: int(cooldown / time.Second),
		WindowHours:     window,
		IncludeSelf:     opts.IncludeSelf,
	}

	if !n.mu.TryLock() {
		metrics.NotifierScans.WithLabelValues(string(StatusBusy)).Inc()
		n.logger.Infow("Session check already running")
		result.Status = StatusBusy
		result.Message = "A session check is already running"
		return result, nil
	}
	defer n.mu.Unlock()

	st, err := n.store.Load(ctx)
	if err != nil {
		metrics.NotifierScans.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to load notifier state: %w", err)
	}

	if !st.LastCheck.IsZero() {
		elapsed := now.Sub(st.LastCheck)
		if elapsed >= 0 && elapsed < cooldown {
			metrics.NotifierScans.WithLabelValues(string(StatusThrottled)).Inc()
			remaining := int(math.Ceil((cooldown - elapsed).Seconds()))
			n.logger.Infow("Session check throttled", "next_check_in", remaining)
			result.Status = StatusThrottled
			result.NextCheckIn = remaining
			result.Message = fmt.Sprintf("Last check was too recent, next check in %d seconds", remaining)
			return result, nil
		}
	}

	// Every scan that gets past the cooldown moves last_check, even a failed one.
	defer func() {
		if err := n.store.SaveLastCheck(context.WithoutCancel(ctx), now); err != nil {
			n.logger.Errorw("Failed to save last check", "error", err)
		}
	}()

	events, err := n.log.ReadAll(ctx)
	if err != nil {
		metrics.NotifierScans.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	fresh, total := n.findNewSessions(events, st, window, opts.IncludeSelf, now)
	result.Status = StatusCompleted
	result.TotalExternalSessions = total
	result.NewSessions = len(fresh)
	metrics.NotifierScans.WithLabelValues(string(StatusCompleted)).Inc()

	if len(fresh) == 0 {
		result.Message = "No new sessions"
		return result, nil
	}

	alerts := make([]models.SessionAlert, len(fresh))
	for i, e := range fresh {
		alerts[i] = models.NewSessionAlert(e)
	}
	result.Sessions = alerts
	metrics.NotifierNewSessions.Add(float64(len(alerts)))

	sent, err := n.notify(ctx, alerts, window, now)
	result.AlertsSent = sent
	if err != nil {
		if !errors.Is(err, ErrDispatch) {
			return nil, err
		}
		result.DispatchError = err.Error()
	}
	result.Message = fmt.Sprintf("%d notification(s) sent for %d new session(s)", sent, len(alerts))
	return result, nil
}

// findNewSessions returns the latest in-window session_start of every
// unnotified external session, oldest first, and the number of distinct
// external sessions seen.
func (n *SessionNotifier) findNewSessions(events []models.Event, st *models.NotificationState, windowHours int, includeSelf bool, now time.Time) ([]models.Event, int) {
	type candidate struct {
		event models.Event
		ts    time.Time
		ok    bool
	}

	cutoff := now.Add(-time.Duration(windowHours) * time.Hour)
	external := make(map[string]struct{})
	latest := make(map[string]candidate)
	var order []string
	for _, e := range events {
		if e.Type != models.EventSessionStart || e.ClientIP == "" {
			continue
		}
		if _, self := n.selfIPs[e.ClientIP]; self && !includeSelf {
			continue
		}
		external[e.SessionID] = struct{}{}

		// The window applies per event; unparsable timestamps stay in.
		ts, ok := e.Time()
		if ok && ts.Before(cutoff) {
			continue
		}

		prev, seen := latest[e.SessionID]
		if !seen {
			order = append(order, e.SessionID)
		}
		// Later timestamp wins; ties and unparsable values go to the last seen.
		if !seen || !ok || !prev.ok || !ts.Before(prev.ts) {
			latest[e.SessionID] = candidate{event: e, ts: ts, ok: ok}
		}
	}

	var fresh []models.Event
	for _, id := range order {
		if st.IsNotified(id) {
			continue
		}
		fresh = append(fresh, latest[id].event)
	}

	models.SortByTimestamp(fresh)
	return fresh, len(external)
}

// notify dispatches the alerts and records them as notified according to the
// delivery policy. It returns the number of notifications sent.
func (n *SessionNotifier) notify(ctx context.Context, alerts []models.SessionAlert, windowHours int, now time.Time) (int, error) {
	var batches [][]models.SessionAlert
	summaryType := models.SummaryTypeDigest
	if n.cfg.Granularity == GranularityPerSession {
		summaryType = models.SummaryTypeSession
		for _, a := range alerts {
			batches = append(batches, []models.SessionAlert{a})
		}
	} else {
		batches = [][]models.SessionAlert{alerts}
	}

	// Persisting and dispatching outlive the caller: once sessions are marked
	// the notification must go out.
	ctx = context.WithoutCancel(ctx)

	if n.cfg.Delivery == DeliveryAtMostOnce {
		if err := n.store.AddNotified(ctx, sessionIDs(alerts)...); err != nil {
			return 0, fmt.Errorf("failed to save notified sessions: %w", err)
		}
	}

	sent := 0
	var errs []error
	for _, batch := range batches {
		summary := &models.Summary{
			Type:        summaryType,
			Count:       len(batch),
			Sessions:    batch,
			WindowHours: windowHours,
			GeneratedAt: now,
		}

		dctx, cancel := context.WithTimeout(ctx, n.cfg.DispatchTimeout)
		err := n.sender.Send(dctx, summary)
		cancel()

		if err != nil {
			n.logger.Errorw("Failed to dispatch session notification",
				"channel", n.sender.Name(),
				"sessions", len(batch),
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		sent++

		if n.cfg.Delivery == DeliveryAtLeastOnce {
			if err := n.store.AddNotified(ctx, sessionIDs(batch)...); err != nil {
				return sent, fmt.Errorf("failed to save notified sessions: %w", err)
			}
		}
	}

	if len(errs) > 0 {
		return sent, fmt.Errorf("%w: %w", ErrDispatch, errors.Join(errs...))
	}
	return sent, nil
}

func sessionIDs(alerts []models.SessionAlert) []string {
	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.SessionID
	}
	sort.Strings(ids)
	return ids
}
