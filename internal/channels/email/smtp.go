package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMTPConfig configures the outbound mailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// From is the sender address, also used in the Message-ID domain.
	From string
}

// SMTPMailer sends outbound mail over plain SMTP with AUTH when
// credentials are set.
type SMTPMailer struct {
	cfg SMTPConfig
}

var _ Mailer = (*SMTPMailer)(nil)

func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("email: smtp host and from address are required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg}, nil
}

// Send builds and submits one text message, returning its message id.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body, inReplyTo string) (string, error) {
	messageID := m.newMessageID()
	msg := m.buildMessage(to, subject, body, inReplyTo, messageID, nil)
	if err := m.submit(ctx, to, msg); err != nil {
		return "", err
	}
	return messageID, nil
}

// SendAttachment submits one message with a single base64 attachment.
func (m *SMTPMailer) SendAttachment(ctx context.Context, to, subject, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("email: read attachment: %w", err)
	}
	messageID := m.newMessageID()
	msg := m.buildMessage(to, subject, "", "", messageID, &attachment{
		name: filepath.Base(path),
		data: data,
	})
	if err := m.submit(ctx, to, msg); err != nil {
		return "", err
	}
	return messageID, nil
}

type attachment struct {
	name string
	data []byte
}

func (m *SMTPMailer) newMessageID() string {
	domain := "kapy.local"
	if at := strings.LastIndexByte(m.cfg.From, '@'); at >= 0 {
		domain = m.cfg.From[at+1:]
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

func (m *SMTPMailer) buildMessage(to, subject, body, inReplyTo, messageID string, att *attachment) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	if inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", inReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", inReplyTo)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	if att == nil {
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(body)
		return []byte(b.String())
	}

	const boundary = "kapy-attachment-boundary"
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", boundary)
	fmt.Fprintf(&b, "--%s\r\n", boundary)
	fmt.Fprintf(&b, "Content-Type: application/octet-stream; name=%q\r\n", att.name)
	b.WriteString("Content-Transfer-Encoding: base64\r\n")
	fmt.Fprintf(&b, "Content-Disposition: attachment; filename=%q\r\n\r\n", att.name)
	encoded := base64.StdEncoding.EncodeToString(att.data)
	for len(encoded) > 76 {
		b.WriteString(encoded[:76] + "\r\n")
		encoded = encoded[76:]
	}
	b.WriteString(encoded + "\r\n")
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}

func (m *SMTPMailer) submit(ctx context.Context, to string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, m.cfg.From, []string{to}, msg)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email: smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
