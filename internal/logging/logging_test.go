package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice@example.com", "a***e@e*****e.c*m"},
		{"a@b.io", "*@*.io"},
		{"not-an-address", "not-an-address"},
		{"trailing@", "trailing@"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskEmail(tt.in), tt.in)
	}
}

func TestMasker_Addr(t *testing.T) {
	assert.Equal(t, "alice@example.com", Masker{}.Addr("alice@example.com"))
	assert.Equal(t, "a***e@e*****e.c*m", Masker{Enabled: true}.Addr("alice@example.com"))
}

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Level: "warn"})
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	_, err = New(&buf, Options{Level: "loud"})
	assert.Error(t, err)
}

func TestProtocolWriter_RedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Level: "trace"})
	require.NoError(t, err)

	w := ProtocolWriter{Logger: log}
	_, _ = w.Write([]byte("A1 AUTHENTICATE XOAUTH2 dXNlcj1zZWNyZXQ=\r\n"))
	_, _ = w.Write([]byte("* 3 EXISTS\r\n"))

	out := buf.String()
	assert.NotContains(t, out, "dXNlcj1zZWNyZXQ=")
	assert.Contains(t, out, "credentials redacted")
	assert.True(t, strings.Contains(out, "3 EXISTS"))
}
