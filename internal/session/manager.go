// Package session tracks the acting user and their API credentials.
// It replaces ambient active-user lookups with an explicit object
// passed into each component constructor.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoSession is returned when an operation needs an acting user
// and none is signed in.
var ErrNoSession = errors.New("no active session")

// Session identifies the acting user and carries their API token.
type Session struct {
	UserID string
	Token  string
}

// RefreshFunc exchanges an expired session for a fresh one. The auth
// collaborator (SRP key exchange and friends) lives outside this
// core and is injected here.
type RefreshFunc func(ctx context.Context, current Session) (Session, error)

// Manager holds the active session and its stored token.
type Manager struct {
	tokens  TokenStore
	refresh RefreshFunc

	mu      sync.Mutex
	current *Session
}

// NewManager creates a manager backed by the system keyring. A nil
// refresh hook makes every Refresh call fail.
func NewManager(refresh RefreshFunc) *Manager {
	return NewManagerWithStore(KeyringStore{}, refresh)
}

// NewManagerWithStore creates a manager with an explicit token store.
func NewManagerWithStore(tokens TokenStore, refresh RefreshFunc) *Manager {
	return &Manager{tokens: tokens, refresh: refresh}
}

// Activate restores the session for userID from the token store and
// makes it the acting session.
func (m *Manager) Activate(userID string) error {
	token, err := m.tokens.Load(userID)
	if err != nil {
		return fmt.Errorf("restoring session for %s: %w", userID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = &Session{UserID: userID, Token: token}
	return nil
}

// SetSession installs a session directly (fresh sign-in) and persists
// its token.
func (m *Manager) SetSession(s Session) error {
	if err := m.tokens.Save(s.UserID, s.Token); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = &s
	return nil
}

// Current returns the acting session, if any.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// Token returns the acting session's token, or "" when signed out.
// Shaped to plug straight into the API client's token hook.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ""
	}
	return m.current.Token
}

// Refresh exchanges the current session for a fresh one and persists
// the new token.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	current := *m.current
	refresh := m.refresh
	m.mu.Unlock()

	if refresh == nil {
		return errors.New("no session refresh hook configured")
	}

	fresh, err := refresh(ctx, current)
	if err != nil {
		return fmt.Errorf("refreshing session for %s: %w", current.UserID, err)
	}
	if err := m.tokens.Save(fresh.UserID, fresh.Token); err != nil {
		return err
	}

	m.mu.Lock()
	m.current = &fresh
	m.mu.Unlock()
	return nil
}

// SignOut drops the acting session and removes its stored token.
// Queue and cache cleanup for the user is the caller's concern.
func (m *Manager) SignOut() {
	m.mu.Lock()
	current := m.current
	m.current = nil
	m.mu.Unlock()

	if current != nil {
		_ = m.tokens.Delete(current.UserID)
	}
}
