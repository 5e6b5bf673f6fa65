package email

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeSpoolFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write spool file: %v", err)
	}
}

func TestSpoolPollerParsesAndConsumes(t *testing.T) {
	dir := t.TempDir()
	p, err := NewSpoolPoller(dir, nil)
	if err != nil {
		t.Fatalf("NewSpoolPoller: %v", err)
	}

	writeSpoolFile(t, dir, "001.eml",
		"From: Alice <alice@example.com>\r\n"+
			"To: bot@example.com\r\n"+
			"Subject: deploy status\r\n"+
			"Message-ID: <m1@example.com>\r\n"+
			"\r\n"+
			"how is the deploy going?\r\n")

	mails, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(mails) != 1 {
		t.Fatalf("got %d mails, want 1", len(mails))
	}
	m := mails[0]
	if m.From != "alice@example.com" || m.FromName != "Alice" {
		t.Errorf("from = %q (%q)", m.From, m.FromName)
	}
	if m.Subject != "deploy status" {
		t.Errorf("subject = %q", m.Subject)
	}
	if m.MessageID != "<m1@example.com>" {
		t.Errorf("message id = %q", m.MessageID)
	}
	if m.Body != "how is the deploy going?" {
		t.Errorf("body = %q", m.Body)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("spool not consumed, %d entries remain", len(entries))
	}
}

func TestSpoolPollerThreading(t *testing.T) {
	dir := t.TempDir()
	p, err := NewSpoolPoller(dir, nil)
	if err != nil {
		t.Fatalf("NewSpoolPoller: %v", err)
	}
	writeSpoolFile(t, dir, "002.eml",
		"From: alice@example.com\r\n"+
			"Subject: Re: deploy status\r\n"+
			"Message-ID: <m2@example.com>\r\n"+
			"In-Reply-To: <m1@example.com>\r\n"+
			"\r\n"+
			"any update?\r\n")

	mails, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(mails) != 1 {
		t.Fatalf("got %d mails, want 1", len(mails))
	}
	if mails[0].InReplyTo != "<m1@example.com>" {
		t.Errorf("in-reply-to = %q", mails[0].InReplyTo)
	}
}

func TestSpoolPollerSetsAsideBadFiles(t *testing.T) {
	dir := t.TempDir()
	p, err := NewSpoolPoller(dir, nil)
	if err != nil {
		t.Fatalf("NewSpoolPoller: %v", err)
	}
	writeSpoolFile(t, dir, "junk.eml", "not a mail message")

	mails, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(mails) != 0 {
		t.Fatalf("got %d mails, want 0", len(mails))
	}
	if _, err := os.Stat(filepath.Join(dir, "junk.eml.bad")); err != nil {
		t.Errorf("bad file not set aside: %v", err)
	}
}
