package session

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailcache"

// TokenStore persists API tokens across restarts.
type TokenStore interface {
	Load(userID string) (string, error)
	Save(userID, token string) error
	Delete(userID string) error
}

// KeyringStore stores tokens in the system keyring.
type KeyringStore struct{}

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailcache/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailcache-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Load retrieves the stored access token for a user.
func (KeyringStore) Load(userID string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(tokenKey(userID))
	if err != nil {
		return "", fmt.Errorf("getting token for %q: %w", userID, err)
	}

	return string(item.Data), nil
}

// Save stores the access token for a user.
func (KeyringStore) Save(userID, token string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  tokenKey(userID),
		Data: []byte(token),
	})
	if err != nil {
		return fmt.Errorf("setting token for %q: %w", userID, err)
	}

	return nil
}

// Delete removes the stored access token for a user.
func (KeyringStore) Delete(userID string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Remove(tokenKey(userID))
	if err != nil {
		return fmt.Errorf("deleting token for %q: %w", userID, err)
	}

	return nil
}

func tokenKey(userID string) string {
	return "access-token:" + userID
}

// MemoryTokenStore keeps tokens in memory, for tests and ephemeral
// sessions.
type MemoryTokenStore map[string]string

func (m MemoryTokenStore) Load(userID string) (string, error) {
	token, ok := m[userID]
	if !ok {
		return "", fmt.Errorf("no stored token for %q", userID)
	}
	return token, nil
}

func (m MemoryTokenStore) Save(userID, token string) error {
	m[userID] = token
	return nil
}

func (m MemoryTokenStore) Delete(userID string) error {
	delete(m, userID)
	return nil
}
