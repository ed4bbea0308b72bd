package domain

import "time"

// Phase is the lifecycle stage of one account's connection.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseAuthenticated
	PhaseSyncing
	PhaseWatching
	PhaseReconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseSyncing:
		return "syncing"
	case PhaseWatching:
		return "watching"
	case PhaseReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Live reports whether the phase holds an authenticated transport.
func (p Phase) Live() bool {
	return p == PhaseAuthenticated || p == PhaseSyncing || p == PhaseWatching
}

// EventKind enumerates the notifications the engine emits.
type EventKind int

const (
	EventAccountConnected EventKind = iota + 1
	EventAccountDisconnected
	EventConnectionClosed
	EventConnectionError
	EventAuthFailed
	EventNewEmails
	EventMaxReconnectAttemptsReached
)

func (k EventKind) String() string {
	switch k {
	case EventAccountConnected:
		return "accountConnected"
	case EventAccountDisconnected:
		return "accountDisconnected"
	case EventConnectionClosed:
		return "connectionClosed"
	case EventConnectionError:
		return "connectionError"
	case EventAuthFailed:
		return "authFailed"
	case EventNewEmails:
		return "newEmails"
	case EventMaxReconnectAttemptsReached:
		return "maxReconnectAttemptsReached"
	default:
		return "unknown"
	}
}

// Event is emitted to the surrounding application. Count is set for
// EventNewEmails, Attempt for EventMaxReconnectAttemptsReached, Err for the
// failure events.
type Event struct {
	Kind      EventKind
	AccountID string
	Count     int
	Attempt   int
	Err       error
	At        time.Time
}

// ConnectionStatus is a read-only snapshot of one account's record.
type ConnectionStatus struct {
	AccountID       string
	Email           string
	Provider        Provider
	Phase           Phase
	Watermark       uint32
	Attempts        int
	Processed       int
	PendingBackfill int
	LastError       string
	ConnectedAt     time.Time
	LastSyncAt      time.Time
}
