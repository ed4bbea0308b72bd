// Package imap implements provider.Transport on top of go-imap v2.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/logging"
	"github.com/lu-zhengda/mailsync/internal/provider"
)

// Dialer opens OAuth-authenticated IMAP sessions.
type Dialer struct {
	Log zerolog.Logger
	// Debug forwards protocol traffic to the trace level.
	Debug bool
	// TLSConfig is cloned for every connection; nil uses system roots.
	TLSConfig *tls.Config
	// Resolve overrides provider.ParamsFor.
	Resolve func(domain.Provider) (provider.Params, error)
	Mask    logging.Masker
}

// NewDialer returns a Dialer for the built-in provider table.
func NewDialer(log zerolog.Logger, debug bool) *Dialer {
	return &Dialer{Log: log, Debug: debug}
}

// Dial connects, waits for the greeting and authenticates. INBOX is not
// selected; callers do that through SelectInbox.
func (d *Dialer) Dial(ctx context.Context, opts provider.DialOptions) (provider.Transport, error) {
	acct := opts.Account
	if acct == nil {
		return nil, fmt.Errorf("dial: account is required")
	}
	resolve := d.Resolve
	if resolve == nil {
		resolve = provider.ParamsFor
	}
	p, err := resolve(acct.Provider)
	if err != nil {
		return nil, err
	}

	log := d.Log.With().Str("account", acct.ID).Str("host", p.Host).Logger()
	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))

	dialCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	var conn net.Conn
	if p.TLS {
		cfg := &tls.Config{}
		if d.TLSConfig != nil {
			cfg = d.TLSConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = p.Host
		}
		td := &tls.Dialer{Config: cfg}
		conn, err = td.DialContext(dialCtx, "tcp", addr)
	} else {
		var nd net.Dialer
		conn, err = nd.DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return nil, wrapErr(acct.ID, "dial", err)
	}
	log.Debug().Str("addr", addr).Msg("connected")

	t, err := newTransport(acct.ID, conn, log, d.Debug, opts.GreetingTimeout)
	if err != nil {
		return nil, err
	}

	saslClient, err := newSASLClient(acct, opts.AccessToken, p)
	if err != nil {
		t.client.Close()
		return nil, err
	}
	release := t.bind(ctx)
	err = t.client.Authenticate(saslClient)
	release()
	if err != nil {
		t.client.Close()
		return nil, wrapAuthErr(acct.ID, err)
	}
	log.Info().Str("email", d.Mask.Addr(acct.Email)).Msg("authenticated")
	return t, nil
}

// newTransport wraps conn in an IMAP client and waits for the server greeting.
func newTransport(accountID string, conn net.Conn, log zerolog.Logger, debug bool, greetingTimeout time.Duration) (*Transport, error) {
	t := &Transport{
		accountID: accountID,
		conn:      conn,
		updates:   make(chan struct{}, 1),
		log:       log,
	}
	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: t.handleMailbox,
		},
	}
	if debug {
		options.DebugWriter = logging.ProtocolWriter{Logger: log}
	}

	if greetingTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(greetingTimeout))
	}
	t.client = imapclient.New(conn, options)
	if err := t.client.WaitGreeting(); err != nil {
		t.client.Close()
		return nil, wrapErr(accountID, "greeting", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return t, nil
}
