package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// Params are the fixed IMAP connection parameters for a provider.
type Params struct {
	Name string
	Host string
	Port int
	TLS  bool
}

var params = map[domain.Provider]Params{
	domain.ProviderGmail: {
		Name: "Gmail",
		Host: "imap.gmail.com",
		Port: 993,
		TLS:  true,
	},
	domain.ProviderOutlook: {
		Name: "Outlook",
		Host: "outlook.office365.com",
		Port: 993,
		TLS:  true,
	},
	domain.ProviderYahoo: {
		Name: "Yahoo",
		Host: "imap.mail.yahoo.com",
		Port: 993,
		TLS:  true,
	},
}

// ParamsFor returns the connection parameters for p.
func ParamsFor(p domain.Provider) (Params, error) {
	pp, ok := params[p]
	if !ok {
		return Params{}, fmt.Errorf("no connection parameters for provider %q", p)
	}
	return pp, nil
}

// Mailbox is the state reported by SELECT.
type Mailbox struct {
	NumMessages uint32
	UIDNext     uint32
	UIDValidity uint32
}

// Envelope is the lightweight FETCH result used for the initial window.
type Envelope struct {
	UID          uint32
	MessageID    string
	Subject      string
	Date         time.Time
	InternalDate time.Time
	Flags        []string
}

// When returns the best known delivery date of the message.
func (e Envelope) When() time.Time {
	if !e.InternalDate.IsZero() {
		return e.InternalDate
	}
	return e.Date
}

// RawMessage is a full message as fetched from the server.
type RawMessage struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Body         []byte
}

// IdleResult tells the watcher why IDLE returned.
type IdleResult int

const (
	// IdleStopped means the caller's context was cancelled.
	IdleStopped IdleResult = iota
	// IdleChanged means the server announced new messages.
	IdleChanged
	// IdleRefresh means the IDLE refresh interval elapsed.
	IdleRefresh
)

// Transport is one authenticated IMAP session with INBOX selected. It is not
// safe for concurrent use; the engine gives each transport a single owner.
type Transport interface {
	SelectInbox(ctx context.Context) (Mailbox, error)
	// FetchRecent returns envelopes of the newest n messages, ascending by UID.
	FetchRecent(ctx context.Context, n int) ([]Envelope, error)
	// SearchSince returns the UIDs of messages delivered on or after since.
	SearchSince(ctx context.Context, since time.Time) ([]uint32, error)
	// SearchAfter returns the UIDs strictly greater than uid.
	SearchAfter(ctx context.Context, uid uint32) ([]uint32, error)
	// FetchMessages returns full messages for uids, ascending by UID.
	FetchMessages(ctx context.Context, uids []uint32) ([]RawMessage, error)
	// Idle blocks in IDLE until ctx is done, the mailbox changes, or the
	// refresh interval elapses.
	Idle(ctx context.Context, refresh time.Duration) (IdleResult, error)
	// Alive reports whether the underlying connection is still open. It never
	// performs I/O.
	Alive() bool
	Logout(ctx context.Context) error
	Close() error
}

// DialOptions are passed to a Dialer for a single connection attempt.
type DialOptions struct {
	Account         *domain.Account
	AccessToken     string
	ConnectTimeout  time.Duration
	GreetingTimeout time.Duration
}

// Dialer opens authenticated transports.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Transport, error)
}
