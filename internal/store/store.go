package store

import (
	"context"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// AccountRegistry is the engine's view of linked accounts.
type AccountRegistry interface {
	// GetAccount returns the account with its stored credential.
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	SaveCredential(ctx context.Context, accountID string, cred domain.Credential) error
	IsActive(ctx context.Context, accountID string) (bool, error)
	// MarkSynced records the time of the last successfully processed batch.
	MarkSynced(ctx context.Context, accountID string) error
}

// MessageStore is the downstream index the processor writes into.
type MessageStore interface {
	ExistsByID(ctx context.Context, id string) (bool, error)
	IndexBatch(ctx context.Context, msgs []domain.Message) error
}

// TokenStore keeps OAuth credentials outside the database.
type TokenStore interface {
	SaveCredential(accountID string, cred domain.Credential) error
	LoadCredential(accountID string) (domain.Credential, error)
	DeleteCredential(accountID string) error
}

// ListMessageOptions configures message listing queries.
type ListMessageOptions struct {
	AccountID string
	Category  domain.Category
	Limit     int
	Offset    int
}
