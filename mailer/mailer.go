// Package mailer sends templated notification emails.
package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/questboard/server/config"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// Mailer delivers one templated email.
type Mailer interface {
	Send(ctx context.Context, to, template string, locals map[string]interface{}) error
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	cfg     config.MailConfig
	timeout time.Duration
	logger  *zap.Logger
}

// NewSMTP creates an SMTPMailer. It returns nil when mail is disabled so
// callers can treat a nil Mailer as "not configured".
func NewSMTP(cfg config.MailConfig, timeout time.Duration, logger *zap.Logger) Mailer {
	if !cfg.Enabled || cfg.Host == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMTPMailer{cfg: cfg, timeout: timeout, logger: logger}
}

// Send renders template with locals and delivers it to the given address.
func (m *SMTPMailer) Send(ctx context.Context, to, template string, locals map[string]interface{}) error {
	data := make(map[string]interface{}, len(locals)+1)
	data["BaseURL"] = m.cfg.BaseURL
	for k, v := range locals {
		data[k] = v
	}
	subject, body, err := Render(template, data)
	if err != nil {
		return err
	}

	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return fmt.Errorf("mailer: from %q: %w", m.cfg.From, err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("mailer: to %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	client, err := m.client()
	if err != nil {
		return err
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("mailer: send %s to %s: %w", template, to, err)
	}
	m.logger.Debug("mail sent", zap.String("template", template), zap.String("to", to))
	return nil
}

func (m *SMTPMailer) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTimeout(m.timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password))
	}
	c, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mailer: client: %w", err)
	}
	return c, nil
}
