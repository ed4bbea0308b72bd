package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountInactive   = errors.New("account is not active")
	ErrConnectInProgress = errors.New("connection already in progress")
	ErrCredentialMissing = errors.New("no refresh token stored for account")
	ErrDisconnected      = errors.New("account was disconnected")
)

// ErrorKind is the failure class used to pick a recovery strategy.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuth
	KindTransport
	KindParse
	KindDownstream
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindParse:
		return "parse"
	case KindDownstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// AuthError means the server or the token endpoint rejected the credential.
type AuthError struct {
	AccountID string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.AccountID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError covers network failures, timeouts and dropped connections.
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError is local to a single message.
type ParseError struct {
	UID uint32
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse message uid %d: %v", e.UID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DownstreamError wraps a failure of the store, classifier or notifier.
type DownstreamError struct {
	Op  string
	Err error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("downstream %s failed: %v", e.Op, e.Err)
}

func (e *DownstreamError) Unwrap() error { return e.Err }

// Classify returns the kind of the first typed error found in err's chain.
// Untyped errors are treated as transport failures.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var (
		authErr  *AuthError
		trErr    *TransportError
		parseErr *ParseError
		dsErr    *DownstreamError
	)
	switch {
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &dsErr):
		return KindDownstream
	case errors.As(err, &trErr):
		return KindTransport
	default:
		return KindTransport
	}
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	var trErr *TransportError
	return errors.As(err, &trErr) && trErr.Timeout
}
