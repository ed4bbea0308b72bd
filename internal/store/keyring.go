package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

const serviceName = "mailsync"

// KeyringTokenStore persists OAuth credentials in the OS keyring
// (macOS Keychain, Windows Credential Manager, or Linux Secret Service).
type KeyringTokenStore struct{}

// NewKeyringTokenStore returns a new KeyringTokenStore.
func NewKeyringTokenStore() *KeyringTokenStore {
	return &KeyringTokenStore{}
}

// SaveCredential stores cred in the OS keyring under the account ID.
func (k *KeyringTokenStore) SaveCredential(accountID string, cred domain.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	if err := keyring.Set(serviceName, accountID, string(data)); err != nil {
		return fmt.Errorf("failed to save credential to keyring: %w", err)
	}
	return nil
}

// LoadCredential retrieves the credential for accountID. A missing entry
// yields domain.ErrCredentialMissing.
func (k *KeyringTokenStore) LoadCredential(accountID string) (domain.Credential, error) {
	data, err := keyring.Get(serviceName, accountID)
	if errors.Is(err, keyring.ErrNotFound) {
		return domain.Credential{}, domain.ErrCredentialMissing
	}
	if err != nil {
		return domain.Credential{}, fmt.Errorf("failed to load credential from keyring: %w", err)
	}
	var cred domain.Credential
	if err := json.Unmarshal([]byte(data), &cred); err != nil {
		return domain.Credential{}, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return cred, nil
}

// DeleteCredential removes the credential for accountID. Missing entries are
// not an error.
func (k *KeyringTokenStore) DeleteCredential(accountID string) error {
	err := keyring.Delete(serviceName, accountID)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete credential from keyring: %w", err)
	}
	return nil
}
