package privileged

import (
	"testing"
	"time"

	"github.com/haasonsaas/kapy/pkg/models"
)

func TestSudoWindowLifecycle(t *testing.T) {
	s := NewSudoWindow(600 * time.Second)
	base := time.Unix(1000, 0)
	s.now = func() time.Time { return base }

	if s.IsEnabled("u1", models.ChannelTelegram, "c1") {
		t.Fatal("enabled before Enable")
	}

	ttl := s.Enable("u1", models.ChannelTelegram, "c1", 0)
	if ttl != 600*time.Second {
		t.Errorf("default ttl = %v", ttl)
	}
	st := s.Status("u1", models.ChannelTelegram, "c1")
	if !st.Enabled || st.RemainingSeconds != 600 {
		t.Errorf("status = %+v", st)
	}

	// Scoped to the exact (user, channel, chat) tuple.
	if s.IsEnabled("u2", models.ChannelTelegram, "c1") {
		t.Error("leaked to another user")
	}
	if s.IsEnabled("u1", models.ChannelDiscord, "c1") {
		t.Error("leaked to another channel")
	}
	if s.IsEnabled("u1", models.ChannelTelegram, "c2") {
		t.Error("leaked to another chat")
	}

	s.Disable("u1", models.ChannelTelegram, "c1")
	if s.IsEnabled("u1", models.ChannelTelegram, "c1") {
		t.Error("enabled after Disable")
	}
}

func TestSudoWindowExpiry(t *testing.T) {
	s := NewSudoWindow(0)
	base := time.Unix(1000, 0)
	s.now = func() time.Time { return base }

	s.Enable("u1", models.ChannelTelegram, "c1", 30*time.Second)

	base = base.Add(29 * time.Second)
	if !s.IsEnabled("u1", models.ChannelTelegram, "c1") {
		t.Fatal("expired too early")
	}
	base = base.Add(2 * time.Second)
	if s.IsEnabled("u1", models.ChannelTelegram, "c1") {
		t.Fatal("survived expiry")
	}
}

func TestSudoWindowTTLClamp(t *testing.T) {
	s := NewSudoWindow(0)
	if ttl := s.Enable("u1", models.ChannelTelegram, "c1", time.Millisecond); ttl != time.Second {
		t.Errorf("ttl = %v, want 1s floor", ttl)
	}
	if ttl := s.Enable("u1", models.ChannelTelegram, "c1", 2*time.Hour); ttl != 2*time.Hour {
		t.Errorf("ttl = %v, want value kept", ttl)
	}
}

func TestIsCode(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"123456", true},
		{"000000", true},
		{"12345", false},
		{"1234567", false},
		{"12345a", false},
		{" 123456", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsCode(tc.in); got != tc.want {
			t.Errorf("IsCode(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
