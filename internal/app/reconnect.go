package app

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/lu-zhengda/mailsync/internal/config"
	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/provider"
)

// maxBackoffShift caps the exponent so the delay cannot overflow.
const maxBackoffShift = 20

// Backoff computes reconnection delays: Base doubled per attempt plus up to
// Jitter of random spread.
type Backoff struct {
	Base   time.Duration
	Jitter time.Duration
	rand   func(n int64) int64
}

// NewBackoff builds a Backoff from the reconnect settings.
func NewBackoff(cfg config.ReconnectConfig) Backoff {
	return Backoff{
		Base:   cfg.BaseDelay.Duration,
		Jitter: cfg.Jitter.Duration,
		rand:   rand.Int64N,
	}
}

// Delay returns the wait before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base << min(max(attempt, 0), maxBackoffShift)
	if b.Jitter > 0 && b.rand != nil {
		d += time.Duration(b.rand(int64(b.Jitter)))
	}
	return d
}

// connectionLost detaches a failed transport from its record and starts
// recovery. It does nothing if the record was replaced in the meantime.
func (m *Manager) connectionLost(st *connState, tr provider.Transport, err error, watching bool) {
	m.mu.Lock()
	current := m.isCurrentLocked(st) && st.transport == tr
	if current {
		st.transport = nil
		st.phase = domain.PhaseReconnecting
		st.lastErr = err.Error()
	}
	m.mu.Unlock()

	tr.Close()
	if !current {
		return
	}
	st.log.Warn().Err(err).Str("kind", domain.Classify(err).String()).Msg("connection lost")
	m.emit(domain.Event{Kind: domain.EventConnectionClosed, AccountID: st.accountID, Err: err})
	m.recover(st, err, watching && domain.IsTimeout(err))
}

// recover picks a recovery strategy for err. An auth failure gets one
// credential refresh and an immediate retry; a second one falls back to
// backoff. A watch timeout refreshes the credential before backing off.
func (m *Manager) recover(st *connState, err error, watchTimeout bool) {
	m.mu.Lock()
	acct := st.account
	m.mu.Unlock()

	switch {
	case domain.Classify(err) == domain.KindAuth:
		m.emit(domain.Event{Kind: domain.EventAuthFailed, AccountID: st.accountID, Err: err})

		m.mu.Lock()
		retried := st.authRetried
		st.authRetried = true
		m.mu.Unlock()
		if retried {
			m.scheduleReconnect(st)
			return
		}
		go func() {
			if _, err := m.guard.Refresh(st.ctx, acct); err != nil {
				m.mu.Lock()
				if m.isCurrentLocked(st) {
					st.phase = domain.PhaseDisconnected
					st.lastErr = err.Error()
					st.stopTimers()
				}
				m.mu.Unlock()
				st.log.Error().Err(err).Msg("credential refresh failed, account needs re-authorization")
				return
			}
			m.attempt(st)
		}()

	case watchTimeout:
		go func() {
			if _, err := m.guard.Refresh(st.ctx, acct); err != nil {
				st.log.Debug().Err(err).Msg("forced credential refresh failed")
			}
			m.scheduleReconnect(st)
		}()

	default:
		m.scheduleReconnect(st)
	}
}

// scheduleReconnect arms the next attempt, or gives up after the configured
// number of attempts.
func (m *Manager) scheduleReconnect(st *connState) {
	m.mu.Lock()
	if !m.isCurrentLocked(st) {
		m.mu.Unlock()
		return
	}
	if st.attempts >= m.cfg.Reconnect.MaxAttempts {
		st.phase = domain.PhaseDisconnected
		attempts := st.attempts
		m.mu.Unlock()
		st.log.Error().Int("attempts", attempts).Msg("giving up reconnecting")
		m.emit(domain.Event{Kind: domain.EventMaxReconnectAttemptsReached, AccountID: st.accountID, Attempt: attempts})
		return
	}
	delay := m.backoff.Delay(st.attempts)
	st.attempts++
	attempt := st.attempts
	st.phase = domain.PhaseReconnecting
	if st.reconnectTimer != nil {
		st.reconnectTimer.Stop()
	}
	st.reconnectTimer = m.after(delay, func() { m.attempt(st) })
	m.mu.Unlock()

	st.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

// attempt runs one reconnection.
func (m *Manager) attempt(st *connState) {
	m.mu.Lock()
	if !m.isCurrentLocked(st) || st.dialing {
		m.mu.Unlock()
		return
	}
	st.reconnectTimer = nil
	st.dialing = true
	st.phase = domain.PhaseReconnecting
	m.mu.Unlock()

	err := m.establish(st.ctx, st, true)

	m.mu.Lock()
	st.dialing = false
	if err != nil && m.isCurrentLocked(st) {
		st.lastErr = err.Error()
	}
	m.mu.Unlock()

	if err == nil || errors.Is(err, domain.ErrDisconnected) || st.ctx.Err() != nil {
		return
	}
	st.log.Warn().Err(err).Msg("reconnect failed")
	if domain.Classify(err) != domain.KindAuth {
		m.emit(domain.Event{Kind: domain.EventConnectionError, AccountID: st.accountID, Err: err})
	}
	m.recover(st, err, false)
}
