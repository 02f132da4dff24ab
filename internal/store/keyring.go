package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	serviceName      = "mailbroker"
	clientCredsEntry = "oauth-client"
)

// ClientCredentials is the OAuth client registered with the identity provider.
type ClientCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// KeyringCredentialStore persists the OAuth client credentials in the OS keyring
// (macOS Keychain, Windows Credential Manager, or Linux Secret Service).
type KeyringCredentialStore struct{}

// NewKeyringCredentialStore returns a new KeyringCredentialStore.
func NewKeyringCredentialStore() *KeyringCredentialStore {
	return &KeyringCredentialStore{}
}

// Save stores the client credentials.
func (k *KeyringCredentialStore) Save(creds ClientCredentials) error {
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return errors.New("client id and client secret are both required")
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal client credentials: %w", err)
	}
	if err := keyring.Set(serviceName, clientCredsEntry, string(data)); err != nil {
		return fmt.Errorf("failed to save client credentials to keyring: %w", err)
	}
	return nil
}

// Load returns the stored client credentials, or ErrNotFound when none are stored.
func (k *KeyringCredentialStore) Load() (*ClientCredentials, error) {
	data, err := keyring.Get(serviceName, clientCredsEntry)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client credentials from keyring: %w", err)
	}
	var creds ClientCredentials
	if err := json.Unmarshal([]byte(data), &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client credentials: %w", err)
	}
	return &creds, nil
}

// Delete removes the stored client credentials.
func (k *KeyringCredentialStore) Delete() error {
	if err := keyring.Delete(serviceName, clientCredsEntry); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete client credentials from keyring: %w", err)
	}
	return nil
}
