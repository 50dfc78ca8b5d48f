// Package mail delivers invitation email.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	gomail "github.com/go-mail/mail"

	"github.com/lcpsychadmin/lcpsych/internal/config"
	"github.com/lcpsychadmin/lcpsych/internal/log"
)

// Message is a plain-text email to a single recipient
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers messages
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Deliverer is implemented by senders that can tell whether a successful
// Send reaches the recipient
type Deliverer interface {
	Delivers() bool
}

// Delivers reports whether messages accepted by s reach their recipient.
// Senders that do not implement Deliverer are assumed to deliver.
func Delivers(s Sender) bool {
	if d, ok := s.(Deliverer); ok {
		return d.Delivers()
	}
	return true
}

// New returns the sender selected by cfg.Kind
func New(cfg config.MailConfig) (Sender, error) {
	switch cfg.Kind {
	case config.MailSMTP:
		return NewSMTPSender(cfg), nil
	case config.MailLog, "":
		return LogSender{}, nil
	default:
		return nil, fmt.Errorf("unsupported mail kind: %s", cfg.Kind)
	}
}

// SMTPSender delivers through an SMTP relay, negotiating STARTTLS when
// the server offers it
type SMTPSender struct {
	from   string
	dialer *gomail.Dialer
}

// NewSMTPSender creates an SMTP sender
func NewSMTPSender(cfg config.MailConfig) *SMTPSender {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, string(cfg.Password))
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	d.Timeout = 10 * time.Second
	// Port 465 expects TLS from the first byte
	d.SSL = cfg.Port == 465
	return &SMTPSender{from: cfg.From, dialer: d}
}

// Delivers is always true for SMTP
func (s *SMTPSender) Delivers() bool { return true }

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	if err := s.dialer.DialAndSend(m); err != nil {
		log.LogErrorWithFields("mail", "SMTP send failed", map[string]any{
			"to":    msg.To,
			"error": err.Error(),
		})
		return fmt.Errorf("smtp send: %w", err)
	}
	log.LogInfoWithFields("mail", "Mail sent", map[string]any{
		"to":      msg.To,
		"subject": msg.Subject,
	})
	return nil
}

// LogSender writes messages to the log instead of sending them. Nothing
// reaches the recipient, so it reports itself as not delivering.
type LogSender struct{}

// Delivers is always false for the log transport
func (LogSender) Delivers() bool { return false }

func (LogSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log.LogInfoWithFields("mail", "Mail not sent (log transport)", map[string]any{
		"to":      msg.To,
		"subject": msg.Subject,
		"body":    msg.Body,
	})
	return nil
}
