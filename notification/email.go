package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/mail"
	"net/smtp"
	"time"

	"github.com/jordan-wright/email"
	"go.uber.org/zap"

	"site-analytics/config"
	"site-analytics/models"
	"site-analytics/utils"
)

//go:embed templates/session_alert.html
var templateFS embed.FS

type sendFunc func(ctx context.Context, addr string, auth smtp.Auth, e *email.Email) error

type EmailSender struct {
	config *config.Config
	tmpl   *template.Template
	send   sendFunc
	logger *zap.SugaredLogger
}

func NewEmailSender(cfg *config.Config, logger *zap.SugaredLogger) (*EmailSender, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/session_alert.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	return &EmailSender{
		config: cfg,
		tmpl:   tmpl,
		send:   deliver,
		logger: logger,
	}, nil
}

func (s *EmailSender) Name() string { return "email" }

func (s *EmailSender) Send(ctx context.Context, summary *models.Summary) error {
	subject := s.subject(summary)

	var body bytes.Buffer
	data := map[string]any{
		"Subject":     subject,
		"Summary":     summary,
		"GeneratedAt": summary.GeneratedAt.UTC().Format(time.RFC1123),
	}
	if err := s.tmpl.Execute(&body, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	// Create email
	e := email.NewEmail()
	e.From = s.config.SMTP.From
	e.To = s.config.SMTP.To
	e.Subject = subject
	e.HTML = body.Bytes()

	var auth smtp.Auth
	if s.config.SMTP.Username != "" {
		auth = smtp.PlainAuth("", s.config.SMTP.Username, s.config.SMTP.Password, s.config.SMTP.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.config.SMTP.Host, s.config.SMTP.Port)

	if err := s.send(ctx, addr, auth, e); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Infow("Session summary emailed",
		"to", utils.MaskEmails(s.config.SMTP.To),
		"count", summary.Count,
	)
	return nil
}

func (s *EmailSender) subject(summary *models.Summary) string {
	prefix := s.config.SMTP.Subject
	if prefix == "" {
		prefix = "New visitors"
	}
	return fmt.Sprintf("%s: %d new session(s)", prefix, summary.Count)
}

// deliver runs one SMTP transaction on a connection that stops when ctx ends,
// so a timed out send never completes later. A server that accepts the
// message just as ctx ends can still be reported as a failure.
func deliver(ctx context.Context, addr string, auth smtp.Auth, e *email.Email) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	from, err := mail.ParseAddress(e.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	var to []string
	for _, list := range [][]string{e.To, e.Cc, e.Bcc} {
		for _, rcpt := range list {
			a, err := mail.ParseAddress(rcpt)
			if err != nil {
				return fmt.Errorf("invalid recipient: %w", err)
			}
			to = append(to, a.Address)
		}
	}
	if len(to) == 0 {
		return errors.New("no recipients")
	}
	raw, err := e.Bytes()
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	err = transact(conn, host, auth, from.Address, to, raw)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func transact(conn net.Conn, host string, auth smtp.Auth, from string, to []string, raw []byte) error {
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
