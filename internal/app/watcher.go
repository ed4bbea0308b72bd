package app

import (
	"context"
	"fmt"
	"time"

	"github.com/lu-zhengda/mailsync/internal/auth"
	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/provider"
)

// watch owns tr for the lifetime of one session. It alternates between IDLE
// and queued background batches until the record is removed or the
// connection fails. done is closed on exit.
func (m *Manager) watch(st *connState, tr provider.Transport, done chan struct{}) {
	defer close(done)
	refresh := m.cfg.Transport.IdleRefresh.Duration

	for {
		m.mu.Lock()
		if !m.isCurrentLocked(st) || st.transport != tr {
			m.mu.Unlock()
			return
		}
		if st.bgQueued {
			st.bgQueued = false
			m.mu.Unlock()
			if err := m.runBackgroundBatch(st.ctx, st, tr); err != nil {
				if st.ctx.Err() != nil {
					return
				}
				m.connectionLost(st, tr, err, false)
				return
			}
			continue
		}
		wait, renew := m.idleBudgetLocked(st, refresh)
		if renew {
			m.mu.Unlock()
			if err := m.renewCredential(st); err != nil {
				if st.ctx.Err() != nil {
					return
				}
				m.connectionLost(st, tr, err, false)
				return
			}
			continue
		}
		idleCtx, cancel := context.WithCancel(st.ctx)
		st.interrupt = cancel
		m.mu.Unlock()

		res, err := tr.Idle(idleCtx, wait)

		m.mu.Lock()
		st.interrupt = nil
		m.mu.Unlock()
		cancel()

		if err != nil {
			if st.ctx.Err() != nil {
				return
			}
			m.connectionLost(st, tr, err, true)
			return
		}
		if res != provider.IdleChanged {
			continue
		}
		if err := m.syncNew(st.ctx, st, tr); err != nil {
			if st.ctx.Err() != nil {
				return
			}
			m.connectionLost(st, tr, err, false)
			return
		}
	}
}

// idleBudgetLocked returns how long the next IDLE may last before the
// credential must be renewed, or renew=true if that is due now.
func (m *Manager) idleBudgetLocked(st *connState, refresh time.Duration) (wait time.Duration, renew bool) {
	if st.credExpiry.IsZero() {
		return refresh, false
	}
	left := st.credExpiry.Sub(m.now()) - auth.RefreshSkew
	if left <= 0 {
		return 0, true
	}
	if refresh <= 0 || left < refresh {
		return left, false
	}
	return refresh, false
}

// renewCredential keeps a watching session's credential at least
// auth.RefreshSkew away from expiry.
func (m *Manager) renewCredential(st *connState) error {
	m.mu.Lock()
	acct := st.account
	m.mu.Unlock()

	cred, err := m.guard.EnsureValid(st.ctx, acct)
	if err != nil {
		return fmt.Errorf("failed to renew credential: %w", err)
	}
	if !cred.ValidFor(m.now(), auth.RefreshSkew) {
		return &domain.AuthError{AccountID: st.accountID, Err: fmt.Errorf("renewed credential expires at %s", cred.Expiry)}
	}
	m.mu.Lock()
	st.credExpiry = cred.Expiry
	m.mu.Unlock()
	st.log.Debug().Time("expiry", cred.Expiry).Msg("credential renewed")
	return nil
}

// syncNew fetches messages that arrived above the watermark.
func (m *Manager) syncNew(ctx context.Context, st *connState, tr provider.Transport) error {
	m.mu.Lock()
	after := max(st.watermark, st.baseline)
	m.mu.Unlock()

	if !m.setPhase(st, domain.PhaseSyncing) {
		return domain.ErrDisconnected
	}
	n, err := m.fetchAbove(ctx, st, tr, after, time.Time{})
	if err != nil {
		return err
	}
	m.setPhase(st, domain.PhaseWatching)

	if n > 0 {
		st.log.Info().Int("count", n).Msg("new messages")
		m.emit(domain.Event{Kind: domain.EventNewEmails, AccountID: st.accountID, Count: n})
	}
	return nil
}
