package services

import (
	"fmt"
	"net/smtp"

	"github.com/caseflow/backend/pkg/logger"
)

// Mailer delivers invite and reset links. The auth core only builds
// the token and the URL path fragment; templates live with the caller.
type Mailer interface {
	Send(to, subject, body string) error
}

// SMTPMailer sends through a plain SMTP relay.
type SMTPMailer struct {
	Host     string
	Port     string
	From     string
	Username string
	Password string
}

func (m *SMTPMailer) Send(to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.From, to, subject, body)

	var auth smtp.Auth
	if m.Username != "" {
		auth = smtp.PlainAuth("", m.Username, m.Password, m.Host)
	}

	addr := m.Host + ":" + m.Port
	if err := smtp.SendMail(addr, auth, m.From, []string{to}, []byte(msg)); err != nil {
		return wrapError(ErrInternal, "failed to send mail", err)
	}

	logger.Info("mail_sent", map[string]interface{}{
		"to":      to,
		"subject": subject,
	})
	return nil
}

// LogMailer logs instead of sending. Used in development and tests;
// the body (which embeds raw tokens) is deliberately not logged.
type LogMailer struct{}

func (m *LogMailer) Send(to, subject, body string) error {
	logger.Info("mail_suppressed", map[string]interface{}{
		"to":      to,
		"subject": subject,
	})
	return nil
}
