// Package logging builds the zerolog loggers used across mailsync and holds
// helpers for keeping mailbox addresses and protocol payloads out of logs.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options selects the logger output.
type Options struct {
	Level  string
	Pretty bool
}

// New returns a root logger writing to w (stderr when nil).
func New(w io.Writer, opts Options) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// Masker renders mailbox addresses for logs. The zero value leaves them
// unchanged.
type Masker struct {
	Enabled bool
}

// Addr returns s, masked when m is enabled.
func (m Masker) Addr(s string) string {
	if m.Enabled {
		return MaskEmail(s)
	}
	return s
}

// MaskEmail keeps the first and last character of every label.
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	mask := func(part string) string {
		if len(part) <= 1 {
			return "*"
		}
		return part[:1] + strings.Repeat("*", max(0, len(part)-2)) + part[len(part)-1:]
	}
	labels := strings.Split(s[at+1:], ".")
	for i, l := range labels {
		labels[i] = mask(l)
	}
	return mask(s[:at]) + "@" + strings.Join(labels, ".")
}

// ProtocolWriter forwards IMAP protocol traffic to the trace level, redacting
// lines that carry credentials.
type ProtocolWriter struct {
	Logger zerolog.Logger
}

func (w ProtocolWriter) Write(p []byte) (int, error) {
	data := strings.TrimSpace(string(p))
	upper := strings.ToUpper(data)
	if strings.Contains(upper, "AUTHENTICATE") || strings.Contains(upper, "LOGIN") {
		data = "[credentials redacted]"
	}
	w.Logger.Trace().Str("imap_data", data).Msg("imap protocol")
	return len(p), nil
}
