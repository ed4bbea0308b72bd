package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/provider"
)

// connState is the per-account record. Every field below ctx is guarded by
// Manager.mu; I/O never happens while that lock is held.
type connState struct {
	accountID string
	account   *domain.Account
	log       zerolog.Logger
	limiter   *rate.Limiter

	// ctx is cancelled when the record is removed from the table.
	ctx    context.Context
	cancel context.CancelFunc

	phase       domain.Phase
	transport   provider.Transport
	done        chan struct{} // closed when the current transport owner exits
	dialing     bool
	watermark   uint32
	baseline    uint32 // newest UID in the first initial window; the watcher starts above it
	synced      bool   // the first initial sync completed; later sessions resume from the watermark
	credExpiry  time.Time
	attempts    int
	authRetried bool
	processed   int
	lastErr     string
	connectedAt time.Time

	reconnectTimer *time.Timer
	bgTimer        *time.Timer
	bgQueued       bool
	bgSearched     bool
	bgDone         bool
	backfill       []uint32 // pending UIDs, newest first
	interrupt      context.CancelFunc
}

func (st *connState) stopTimers() {
	if st.reconnectTimer != nil {
		st.reconnectTimer.Stop()
		st.reconnectTimer = nil
	}
	if st.bgTimer != nil {
		st.bgTimer.Stop()
		st.bgTimer = nil
	}
}

func (st *connState) advance(uid uint32) {
	st.watermark = max(st.watermark, uid)
}

func (st *connState) status() domain.ConnectionStatus {
	s := domain.ConnectionStatus{
		AccountID:       st.accountID,
		Phase:           st.phase,
		Watermark:       st.watermark,
		Attempts:        st.attempts,
		Processed:       st.processed,
		PendingBackfill: len(st.backfill),
		LastError:       st.lastErr,
		ConnectedAt:     st.connectedAt,
	}
	if st.account != nil {
		s.Email = st.account.Email
		s.Provider = st.account.Provider
		s.LastSyncAt = st.account.LastSyncAt
	}
	return s
}

// ledger remembers every UID handled for an account during this process
// lifetime. It outlives connection records.
type ledger struct {
	uidValidity uint32
	seen        map[uint32]struct{}
}

func newLedger() *ledger {
	return &ledger{seen: make(map[uint32]struct{})}
}

// reset clears the ledger when the server reports a new UIDVALIDITY.
func (l *ledger) reset(uidValidity uint32) bool {
	if l.uidValidity == uidValidity {
		return false
	}
	changed := l.uidValidity != 0
	l.uidValidity = uidValidity
	if changed {
		l.seen = make(map[uint32]struct{})
	}
	return changed
}

func (l *ledger) has(uid uint32) bool {
	_, ok := l.seen[uid]
	return ok
}

func (l *ledger) add(uids ...uint32) {
	for _, uid := range uids {
		l.seen[uid] = struct{}{}
	}
}
