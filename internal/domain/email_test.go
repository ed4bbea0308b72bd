package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestAddress_String(t *testing.T) {
	tests := []struct {
		name string
		addr Address
		want string
	}{
		{"with name", Address{Name: "John", Email: "john@example.com"}, "John <john@example.com>"},
		{"email only", Address{Email: "john@example.com"}, "john@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.addr.String(); got != tt.want {
				t.Errorf("Address.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage_InlineImages(t *testing.T) {
	m := &Message{Attachments: []Attachment{
		{Filename: "logo.png", Inline: true, ContentID: "logo"},
		{Filename: "report.pdf"},
	}}
	got := m.InlineImages()
	if len(got) != 1 || got[0].Filename != "logo.png" {
		t.Errorf("InlineImages() = %+v, want only logo.png", got)
	}
}

func TestCredential_ValidFor(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		cred Credential
		want bool
	}{
		{"ten minutes left", Credential{AccessToken: "a", Expiry: now.Add(10 * time.Minute)}, true},
		{"four minutes left", Credential{AccessToken: "a", Expiry: now.Add(4 * time.Minute)}, false},
		{"exactly five minutes", Credential{AccessToken: "a", Expiry: now.Add(5 * time.Minute)}, true},
		{"zero expiry", Credential{AccessToken: "a"}, false},
		{"no access token", Credential{Expiry: now.Add(time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.ValidFor(now, 5*time.Minute); got != tt.want {
				t.Errorf("ValidFor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseProvider(t *testing.T) {
	if p, err := ParseProvider(" Gmail "); err != nil || p != ProviderGmail {
		t.Errorf("ParseProvider(Gmail) = %q, %v", p, err)
	}
	if _, err := ParseProvider("aol"); err == nil {
		t.Error("ParseProvider(aol) should fail")
	}
}

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"auth", &AuthError{AccountID: "a", Err: base}, KindAuth},
		{"wrapped auth", fmt.Errorf("connect: %w", &AuthError{Err: base}), KindAuth},
		{"transport", &TransportError{Op: "dial", Err: base}, KindTransport},
		{"parse", &ParseError{UID: 3, Err: base}, KindParse},
		{"downstream", &DownstreamError{Op: "index", Err: base}, KindDownstream},
		{"untyped", base, KindTransport},
		{"nil", nil, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(fmt.Errorf("idle: %w", &TransportError{Op: "idle", Timeout: true, Err: errors.New("i/o timeout")})) {
		t.Error("expected wrapped timeout to be detected")
	}
	if IsTimeout(&TransportError{Op: "idle", Err: errors.New("reset")}) {
		t.Error("non-timeout transport error reported as timeout")
	}
}

func TestPhase_Live(t *testing.T) {
	live := map[Phase]bool{
		PhaseDisconnected:  false,
		PhaseConnecting:    false,
		PhaseAuthenticated: true,
		PhaseSyncing:       true,
		PhaseWatching:      true,
		PhaseReconnecting:  false,
	}
	for p, want := range live {
		if got := p.Live(); got != want {
			t.Errorf("%s.Live() = %v, want %v", p, got, want)
		}
	}
}
