// Package email sends transactional mail over SMTP.
package email

import (
	"crypto/tls"
	"fmt"
	"net/smtp"

	"github.com/domodwyer/mailyak/v3"
	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/config"
)

// Mailer sends plain-text transactional messages. A Mailer with no
// configured host is a no-op that logs the message instead, which keeps
// development setups working without an SMTP server.
type Mailer struct {
	cfg config.EmailConfig
}

func NewMailer(cfg config.EmailConfig) *Mailer {
	return &Mailer{cfg: cfg}
}

// Enabled reports whether outbound mail is configured.
func (m *Mailer) Enabled() bool {
	return m.cfg.Host != ""
}

// Send delivers one message. Errors surface so user-visible paths can map
// them to failed-dependency responses.
func (m *Mailer) Send(to, subject, body string) error {
	if !m.Enabled() {
		log.Info().Str("to", to).Str("subject", subject).Msg("Email sending not configured, dropping message")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	var mail *mailyak.MailYak
	if m.cfg.UseTLS {
		var err error
		mail, err = mailyak.NewWithTLS(addr, m.auth(), &tls.Config{ServerName: m.cfg.Host})
		if err != nil {
			return fmt.Errorf("connecting to SMTP server: %w", err)
		}
	} else {
		mail = mailyak.New(addr, m.auth())
	}

	mail.From(m.cfg.From)
	mail.To(to)
	mail.Subject(subject)
	mail.Plain().Set(body)

	if err := mail.Send(); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	return nil
}

func (m *Mailer) auth() smtp.Auth {
	if m.cfg.Username == "" {
		return nil
	}
	return smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
}
