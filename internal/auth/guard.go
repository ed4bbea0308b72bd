// Package auth keeps OAuth access tokens valid for the lifetime of an IMAP
// session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// RefreshSkew is the minimum remaining validity of a token handed to a dialer.
const RefreshSkew = 5 * time.Minute

// defaultLifetime is assumed when the token endpoint omits expires_in.
const defaultLifetime = time.Hour

// CredentialStore persists refreshed credentials.
type CredentialStore interface {
	SaveCredential(ctx context.Context, accountID string, cred domain.Credential) error
}

// Guard refreshes credentials before they get close to expiry.
type Guard struct {
	refresher Refresher
	store     CredentialStore
	log       zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGuard creates a Guard.
func NewGuard(refresher Refresher, store CredentialStore, log zerolog.Logger) *Guard {
	return &Guard{
		refresher: refresher,
		store:     store,
		log:       log.With().Str("component", "auth").Logger(),
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// EnsureValid returns a credential valid for at least RefreshSkew, refreshing
// it when needed. On failure no credential is returned.
func (g *Guard) EnsureValid(ctx context.Context, acct *domain.Account) (domain.Credential, error) {
	unlock := g.lock(acct.ID)
	defer unlock()

	if acct.Credential.ValidFor(g.now(), RefreshSkew) {
		return acct.Credential, nil
	}
	return g.refresh(ctx, acct)
}

// Refresh forces a refresh regardless of the current expiry.
func (g *Guard) Refresh(ctx context.Context, acct *domain.Account) (domain.Credential, error) {
	unlock := g.lock(acct.ID)
	defer unlock()
	return g.refresh(ctx, acct)
}

func (g *Guard) refresh(ctx context.Context, acct *domain.Account) (domain.Credential, error) {
	old := acct.Credential
	if old.RefreshToken == "" {
		return domain.Credential{}, &domain.AuthError{AccountID: acct.ID, Err: domain.ErrCredentialMissing}
	}

	tok, err := g.refresher.Refresh(ctx, acct.Provider, old.RefreshToken)
	if err != nil {
		g.log.Warn().Err(err).Str("account", acct.ID).Msg("token refresh failed")
		var authErr *domain.AuthError
		if errors.As(err, &authErr) && authErr.AccountID == "" {
			authErr.AccountID = acct.ID
		}
		return domain.Credential{}, fmt.Errorf("failed to refresh credential: %w", err)
	}

	cred := domain.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: old.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	if cred.Expiry.IsZero() {
		cred.Expiry = g.now().Add(defaultLifetime)
	}
	if !cred.ValidFor(g.now(), RefreshSkew) {
		return domain.Credential{}, &domain.AuthError{
			AccountID: acct.ID,
			Err:       fmt.Errorf("refreshed token expires at %s", cred.Expiry.Format(time.RFC3339)),
		}
	}

	acct.Credential = cred
	if err := g.store.SaveCredential(ctx, acct.ID, cred); err != nil {
		g.log.Warn().Err(err).Str("account", acct.ID).Msg("failed to persist refreshed credential")
	}
	g.log.Debug().Str("account", acct.ID).Time("expiry", cred.Expiry).
		Bool("rotated", cred.RefreshToken != old.RefreshToken).Msg("credential refreshed")
	return cred, nil
}

func (g *Guard) lock(accountID string) func() {
	g.mu.Lock()
	l, ok := g.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[accountID] = l
	}
	g.mu.Unlock()
	l.Lock()
	return l.Unlock
}
