// Package notification delivers new-session summaries to operators.
package notification

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"site-analytics/config"
	"site-analytics/metrics"
	"site-analytics/models"
)

// Sender delivers one summary. Implementations must honour ctx cancellation.
type Sender interface {
	Send(ctx context.Context, summary *models.Summary) error
	Name() string
}

// New builds the sender for the configured notifier channels.
func New(cfg *config.Config, logger *zap.SugaredLogger) (Sender, error) {
	var senders []Sender
	for _, ch := range cfg.Notifier.Channels {
		switch ch {
		case "log":
			senders = append(senders, NewLogSender(logger))
		case "email":
			s, err := NewEmailSender(cfg, logger)
			if err != nil {
				return nil, err
			}
			senders = append(senders, s)
		case "webhook":
			senders = append(senders, NewWebhookSender(cfg.Webhook.URL, cfg.Webhook.Headers, cfg.Notifier.DispatchTimeout))
		default:
			return nil, fmt.Errorf("unknown notifier channel %q", ch)
		}
	}
	if len(senders) == 0 {
		senders = append(senders, NewLogSender(logger))
	}
	if len(senders) == 1 {
		return &instrumented{Sender: senders[0]}, nil
	}
	return NewMultiSender(senders...), nil
}

// MultiSender fans a summary out to every sender and joins their errors.
// One failing channel does not stop the others.
type MultiSender struct {
	senders []Sender
}

func NewMultiSender(senders ...Sender) *MultiSender {
	wrapped := make([]Sender, len(senders))
	for i, s := range senders {
		wrapped[i] = &instrumented{Sender: s}
	}
	return &MultiSender{senders: wrapped}
}

func (m *MultiSender) Name() string { return "multi" }

func (m *MultiSender) Send(ctx context.Context, summary *models.Summary) error {
	var errs []error
	for _, s := range m.senders {
		if err := s.Send(ctx, summary); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

type instrumented struct {
	Sender
}

func (i *instrumented) Send(ctx context.Context, summary *models.Summary) error {
	err := i.Sender.Send(ctx, summary)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.NotifierDispatches.WithLabelValues(i.Name(), outcome).Inc()
	return err
}

// LogSender writes the summary to the application log.
type LogSender struct {
	logger *zap.SugaredLogger
}

func NewLogSender(logger *zap.SugaredLogger) *LogSender {
	return &LogSender{logger: logger}
}

func (l *LogSender) Name() string { return "log" }

func (l *LogSender) Send(ctx context.Context, summary *models.Summary) error {
	ids := make([]string, len(summary.Sessions))
	for i, s := range summary.Sessions {
		ids[i] = s.SessionID
	}
	l.logger.Infow("New sessions detected",
		"count", summary.Count,
		"window_hours", summary.WindowHours,
		"sessions", ids,
	)
	return nil
}
