package imap

import (
	"errors"
	"net"

	"github.com/emersion/go-imap/v2"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

var errConnClosed = errors.New("connection closed by server")

// wrapErr maps go-imap and network errors onto the engine's error taxonomy.
func wrapErr(accountID, op string, err error) error {
	if err == nil {
		return nil
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Code {
		case imap.ResponseCodeAuthenticationFailed,
			imap.ResponseCodeAuthorizationFailed,
			imap.ResponseCodeExpired:
			return &domain.AuthError{AccountID: accountID, Err: err}
		}
	}
	var netErr net.Error
	timeout := errors.As(err, &netErr) && netErr.Timeout()
	return &domain.TransportError{Op: op, Timeout: timeout, Err: err}
}

// wrapAuthErr treats any tagged server response to AUTHENTICATE as a rejected
// credential; everything else is a transport problem.
func wrapAuthErr(accountID string, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return &domain.AuthError{AccountID: accountID, Err: err}
	}
	return wrapErr(accountID, "authenticate", err)
}
