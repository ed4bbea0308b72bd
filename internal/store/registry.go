package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// AccountDB is the account table the Registry reads from.
type AccountDB interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	MarkSynced(ctx context.Context, id string, at time.Time) error
}

// Registry joins account rows with credentials from a TokenStore.
type Registry struct {
	db     AccountDB
	tokens TokenStore
	now    func() time.Time
}

var _ AccountRegistry = (*Registry)(nil)

// NewRegistry creates a Registry.
func NewRegistry(db AccountDB, tokens TokenStore) *Registry {
	return &Registry{db: db, tokens: tokens, now: time.Now}
}

// GetAccount returns the account and its credential. An account without a
// stored credential is returned with an empty one.
func (r *Registry) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	acct, err := r.db.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	cred, err := r.tokens.LoadCredential(id)
	switch {
	case err == nil:
		acct.Credential = cred
	case errors.Is(err, domain.ErrCredentialMissing):
	default:
		return nil, fmt.Errorf("failed to load credential for %s: %w", id, err)
	}
	return acct, nil
}

// ListAccounts returns every account without credentials.
func (r *Registry) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return r.db.ListAccounts(ctx)
}

func (r *Registry) SaveCredential(_ context.Context, accountID string, cred domain.Credential) error {
	return r.tokens.SaveCredential(accountID, cred)
}

func (r *Registry) IsActive(ctx context.Context, accountID string) (bool, error) {
	acct, err := r.db.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return acct.Active, nil
}

func (r *Registry) MarkSynced(ctx context.Context, accountID string) error {
	return r.db.MarkSynced(ctx, accountID, r.now())
}
