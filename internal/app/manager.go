// Package app runs the synchronization engine: one authenticated IMAP session
// per account, initial and background sync, IDLE watching and reconnection.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lu-zhengda/mailsync/internal/config"
	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/logging"
	"github.com/lu-zhengda/mailsync/internal/processor"
	"github.com/lu-zhengda/mailsync/internal/provider"
	"github.com/lu-zhengda/mailsync/internal/store"
)

// CredentialGuard keeps access tokens valid.
type CredentialGuard interface {
	EnsureValid(ctx context.Context, acct *domain.Account) (domain.Credential, error)
	Refresh(ctx context.Context, acct *domain.Account) (domain.Credential, error)
}

// BatchProcessor turns fetched messages into indexed messages.
type BatchProcessor interface {
	Process(ctx context.Context, acct *domain.Account, raws []provider.RawMessage) processor.Result
}

// Dependencies are the collaborators a Manager is built from.
type Dependencies struct {
	Registry  store.AccountRegistry
	Messages  store.MessageStore
	Guard     CredentialGuard
	Dialer    provider.Dialer
	Processor BatchProcessor
	Events    EventHandler
	Log       zerolog.Logger
	Mask      logging.Masker
}

// Manager owns the account-id keyed connection table.
type Manager struct {
	cfg      *config.Config
	registry store.AccountRegistry
	messages store.MessageStore
	guard    CredentialGuard
	dialer   provider.Dialer
	proc     BatchProcessor
	events   EventHandler
	log      zerolog.Logger
	mask     logging.Masker
	backoff  Backoff

	now   func() time.Time
	after func(time.Duration, func()) *time.Timer

	mu      sync.Mutex
	conns   map[string]*connState
	ledgers map[string]*ledger
}

// NewManager creates a Manager. Nothing connects until Connect or ConnectAll.
func NewManager(cfg *config.Config, deps Dependencies) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: deps.Registry,
		messages: deps.Messages,
		guard:    deps.Guard,
		dialer:   deps.Dialer,
		proc:     deps.Processor,
		events:   deps.Events,
		log:      deps.Log.With().Str("component", "manager").Logger(),
		mask:     deps.Mask,
		backoff:  NewBackoff(cfg.Reconnect),
		now:      time.Now,
		after:    time.AfterFunc,
		conns:    make(map[string]*connState),
		ledgers:  make(map[string]*ledger),
	}
}

// Connect brings accountID to the watching phase. It is a no-op for a healthy
// connection and rebuilds a stale one. Failures are reported through events
// and the returned error; no reconnection is scheduled for them.
func (m *Manager) Connect(ctx context.Context, accountID string) error {
	m.mu.Lock()
	var stale *connState
	if st, ok := m.conns[accountID]; ok {
		switch {
		case st.dialing:
			m.mu.Unlock()
			return domain.ErrConnectInProgress
		case st.phase.Live() && st.transport != nil && st.transport.Alive():
			m.mu.Unlock()
			return nil
		}
		stale = m.removeLocked(st)
	}
	var (
		staleTr   provider.Transport
		staleDone chan struct{}
	)
	if stale != nil {
		staleTr, staleDone = stale.transport, stale.done
		stale.transport = nil
	}
	st := m.newStateLocked(accountID)
	m.conns[accountID] = st
	m.mu.Unlock()

	if stale != nil {
		stale.log.Info().Msg("replacing stale connection")
		m.closeTransport(staleTr, staleDone)
	}

	acct, err := m.loadAccount(ctx, accountID)
	if err != nil {
		m.mu.Lock()
		if m.conns[accountID] == st {
			m.removeLocked(st)
		}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	st.account = acct
	st.log = m.log.With().Str("account", accountID).Str("provider", string(acct.Provider)).Logger()
	m.mu.Unlock()

	err = m.establish(ctx, st, false)
	m.mu.Lock()
	st.dialing = false
	m.mu.Unlock()
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrDisconnected) {
		return err
	}

	m.mu.Lock()
	current := m.isCurrentLocked(st)
	if current {
		st.phase = domain.PhaseDisconnected
		st.lastErr = err.Error()
		st.stopTimers()
		st.cancel()
	}
	m.mu.Unlock()
	if current {
		kind := domain.EventConnectionError
		if domain.Classify(err) == domain.KindAuth {
			kind = domain.EventAuthFailed
		}
		m.emit(domain.Event{Kind: kind, AccountID: accountID, Err: err})
	}
	st.log.Warn().Err(err).Msg("connect failed")
	return err
}

func (m *Manager) loadAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	acct, err := m.registry.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}
	active, err := m.registry.IsActive(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to check account %s: %w", accountID, err)
	}
	if !active {
		return nil, fmt.Errorf("account %s: %w", accountID, domain.ErrAccountInactive)
	}
	return acct, nil
}

func (m *Manager) newStateLocked(accountID string) *connState {
	ctx, cancel := context.WithCancel(context.Background())
	rl := rate.NewLimiter(rate.Limit(m.cfg.Sync.FetchRate), 1)
	if _, ok := m.ledgers[accountID]; !ok {
		m.ledgers[accountID] = newLedger()
	}
	return &connState{
		accountID: accountID,
		log:       m.log.With().Str("account", accountID).Logger(),
		limiter:   rl,
		ctx:       ctx,
		cancel:    cancel,
		phase:     domain.PhaseConnecting,
		dialing:   true,
	}
}

// removeLocked drops st from the table, cancels its context and every pending
// timer in one step, so no timer callback can act on it afterwards.
func (m *Manager) removeLocked(st *connState) *connState {
	if m.conns[st.accountID] == st {
		delete(m.conns, st.accountID)
	}
	st.stopTimers()
	st.cancel()
	if st.interrupt != nil {
		st.interrupt()
		st.interrupt = nil
	}
	st.phase = domain.PhaseDisconnected
	return st
}

func (m *Manager) isCurrentLocked(st *connState) bool {
	return m.conns[st.accountID] == st && st.ctx.Err() == nil
}

// Disconnect tears down accountID. Unknown ids are a no-op.
func (m *Manager) Disconnect(ctx context.Context, accountID string) error {
	m.mu.Lock()
	st, ok := m.conns[accountID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.removeLocked(st)
	tr, done := st.transport, st.done
	st.transport = nil
	m.mu.Unlock()

	m.closeTransport(tr, done)
	st.log.Info().Msg("disconnected")
	m.emit(domain.Event{Kind: domain.EventAccountDisconnected, AccountID: accountID})
	return nil
}

// closeTransport waits for the current owner of tr to exit, then logs out.
// Both steps share the logout timeout.
func (m *Manager) closeTransport(tr provider.Transport, done <-chan struct{}) {
	if tr == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Transport.LogoutTimeout.Duration)
	defer cancel()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if ctx.Err() == nil && tr.Alive() {
		if err := tr.Logout(ctx); err != nil {
			m.log.Debug().Err(err).Msg("logout failed")
		}
	}
	if err := tr.Close(); err != nil {
		m.log.Debug().Err(err).Msg("close failed")
	}
}

// Status returns the phase of every known account.
func (m *Manager) Status() map[string]domain.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.Phase, len(m.conns))
	for id, st := range m.conns {
		out[id] = st.phase
	}
	return out
}

// DetailedStatus returns a snapshot of every record, sorted by account id.
func (m *Manager) DetailedStatus() []domain.ConnectionStatus {
	m.mu.Lock()
	out := make([]domain.ConnectionStatus, 0, len(m.conns))
	for _, st := range m.conns {
		out = append(out, st.status())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// ConnectAll connects every active account concurrently. One account failing
// never affects another; the joined errors are returned.
func (m *Manager) ConnectAll(ctx context.Context) error {
	accounts, err := m.registry.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, acct := range accounts {
		if !acct.Active {
			continue
		}
		wg.Add(1)
		go func(id, email string) {
			defer wg.Done()
			if err := m.Connect(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", m.mask.Addr(email), err))
				mu.Unlock()
			}
		}(acct.ID, acct.Email)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close disconnects every account. Records are removed immediately; ctx
// bounds how long Close waits for the sessions to log out.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.Disconnect(ctx, id)
		}(id)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to close %d connections: %w", len(ids), ctx.Err())
	}
}

// establish runs credential pre-flight, dial, SELECT and initial sync, then
// hands the transport to a watcher goroutine.
func (m *Manager) establish(ctx context.Context, st *connState, reconnect bool) error {
	opCtx, cancel := context.WithCancel(st.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	m.mu.Lock()
	if !m.isCurrentLocked(st) {
		m.mu.Unlock()
		return domain.ErrDisconnected
	}
	if !reconnect {
		st.phase = domain.PhaseConnecting
	}
	acct := st.account
	m.mu.Unlock()

	cred, err := m.guard.EnsureValid(opCtx, acct)
	if err != nil {
		return m.abortErr(st, err)
	}
	m.mu.Lock()
	st.credExpiry = cred.Expiry
	m.mu.Unlock()

	tr, err := m.dialer.Dial(opCtx, provider.DialOptions{
		Account:         acct,
		AccessToken:     cred.AccessToken,
		ConnectTimeout:  m.cfg.Transport.ConnectTimeout.Duration,
		GreetingTimeout: m.cfg.Transport.GreetingTimeout.Duration,
	})
	if err != nil {
		return m.abortErr(st, err)
	}

	done := make(chan struct{})
	handedOff := false
	defer func() {
		if !handedOff {
			close(done)
		}
	}()

	m.mu.Lock()
	if !m.isCurrentLocked(st) {
		m.mu.Unlock()
		tr.Close()
		return domain.ErrDisconnected
	}
	st.transport, st.done = tr, done
	m.mu.Unlock()

	mbox, err := tr.SelectInbox(opCtx)
	if err != nil {
		m.dropTransport(st, tr)
		return m.abortErr(st, err)
	}

	m.mu.Lock()
	if !m.isCurrentLocked(st) {
		m.mu.Unlock()
		return domain.ErrDisconnected
	}
	if m.ledgers[st.accountID].reset(mbox.UIDValidity) {
		st.log.Warn().Uint32("uid_validity", mbox.UIDValidity).Msg("UIDVALIDITY changed, resetting sync state")
		st.watermark, st.baseline, st.synced = 0, 0, false
		st.backfill, st.bgSearched, st.bgDone = nil, false, false
	}
	st.phase = domain.PhaseAuthenticated
	m.mu.Unlock()
	st.log.Info().Uint32("messages", mbox.NumMessages).Uint32("uid_next", mbox.UIDNext).Msg("inbox selected")

	if err := m.initialSync(opCtx, st, tr); err != nil {
		m.dropTransport(st, tr)
		return m.abortErr(st, err)
	}

	m.mu.Lock()
	if !m.isCurrentLocked(st) {
		m.mu.Unlock()
		return domain.ErrDisconnected
	}
	st.phase = domain.PhaseWatching
	st.attempts = 0
	st.authRetried = false
	st.lastErr = ""
	st.connectedAt = m.now()
	handedOff = true
	m.mu.Unlock()

	go m.watch(st, tr, done)
	m.scheduleBackground(st, m.cfg.Sync.BackgroundDelay.Duration)

	st.log.Info().Str("email", m.mask.Addr(acct.Email)).Msg("connected")
	m.emit(domain.Event{Kind: domain.EventAccountConnected, AccountID: st.accountID})
	return nil
}

// abortErr maps an error seen while establishing a record that has since been
// removed to ErrDisconnected.
func (m *Manager) abortErr(st *connState, err error) error {
	m.mu.Lock()
	current := m.isCurrentLocked(st)
	m.mu.Unlock()
	if !current {
		return domain.ErrDisconnected
	}
	return err
}

// dropTransport detaches and closes tr if it is still the record's transport.
func (m *Manager) dropTransport(st *connState, tr provider.Transport) {
	m.mu.Lock()
	if st.transport == tr {
		st.transport = nil
	}
	m.mu.Unlock()
	tr.Close()
}
