package notify

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/zsprackett/jobkit/internal/config"
)

const (
	DefaultEmailSubjectTemplate = `{{ .JobName }} :: {{ .Flag }}`

	DefaultEmailTextBodyTemplate = `{{ .JobName }} {{ .Status }}
Elapsed: {{ .Elapsed }}
{{ if .Err }}Error: {{ .Err }}
{{ end }}{{ if .Output }}Output:
{{ .Output }}{{ end }}`
)

// Email is a rendered plain-text message.
type Email struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Bytes formats the message for SMTP DATA.
func (e Email) Bytes() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", e.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(e.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", e.Subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	buf.WriteString(strings.ReplaceAll(e.Body, "\n", "\r\n"))
	return buf.Bytes()
}

// Mailer sends an email.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// SMTPMailer sends through the configured SMTP server, with PLAIN auth
// when a username is set.
type SMTPMailer struct {
	cfg config.SMTPConfig
}

func (m SMTPMailer) Send(_ context.Context, e Email) error {
	port := m.cfg.Port
	if port == 0 {
		port = 25
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	return smtp.SendMail(addr, auth, e.From, e.To, e.Bytes())
}

func (n *Notifier) renderEmail(to []string, msg Message) (Email, error) {
	var subject, body bytes.Buffer
	if err := n.subject.Execute(&subject, msg); err != nil {
		return Email{}, fmt.Errorf("render subject: %w", err)
	}
	if err := n.textBody.Execute(&body, msg); err != nil {
		return Email{}, fmt.Errorf("render body: %w", err)
	}
	return Email{
		From:    n.cfg.SMTP.From,
		To:      to,
		Subject: strings.TrimSpace(subject.String()),
		Body:    body.String(),
	}, nil
}

func (n *Notifier) sendEmail(ctx context.Context, to []string, msg Message) error {
	e, err := n.renderEmail(to, msg)
	if err != nil {
		return err
	}
	return n.mailer.Send(ctx, e)
}
