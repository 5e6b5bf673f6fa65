package email

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SpoolPoller reads RFC 822 messages dropped into a directory by an
// MTA delivery script (procmail, a sieve fileinto, or similar) and
// removes each file once handed off. It stands in for an IMAP client
// on hosts where the mailbox is local.
type SpoolPoller struct {
	dir    string
	logger *slog.Logger
}

var _ Poller = (*SpoolPoller)(nil)

func NewSpoolPoller(dir string, logger *slog.Logger) (*SpoolPoller, error) {
	if dir == "" {
		return nil, fmt.Errorf("email: spool directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("email: create spool: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SpoolPoller{dir: dir, logger: logger.With("component", "email-spool")}, nil
}

// Poll parses and consumes every .eml file in the spool, oldest first.
// Unparseable files are renamed aside rather than retried forever.
func (p *SpoolPoller) Poll(ctx context.Context) ([]InboundEmail, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("email: read spool: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".eml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []InboundEmail
	for _, name := range names {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		path := filepath.Join(p.dir, name)
		msg, err := p.parseFile(path)
		if err != nil {
			p.logger.Warn("unparseable message set aside", "file", name, "error", err)
			_ = os.Rename(path, path+".bad")
			continue
		}
		if err := os.Remove(path); err != nil {
			p.logger.Warn("spool remove failed", "file", name, "error", err)
		}
		out = append(out, *msg)
	}
	return out, nil
}

func (p *SpoolPoller) parseFile(path string) (*InboundEmail, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	msg, err := mail.ReadMessage(f)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, err
	}

	from := msg.Header.Get("From")
	fromName := ""
	if addr, err := mail.ParseAddress(from); err == nil {
		from = addr.Address
		fromName = addr.Name
	}
	dec := new(mime.WordDecoder)
	subject := msg.Header.Get("Subject")
	if decoded, err := dec.DecodeHeader(subject); err == nil {
		subject = decoded
	}
	// Ids keep their angle brackets so cache keys line up with the
	// bracketed ids the mailer generates.
	return &InboundEmail{
		MessageID: strings.TrimSpace(msg.Header.Get("Message-ID")),
		InReplyTo: strings.TrimSpace(msg.Header.Get("In-Reply-To")),
		From:      from,
		FromName:  fromName,
		Subject:   subject,
		Body:      strings.TrimSpace(string(body)),
	}, nil
}
