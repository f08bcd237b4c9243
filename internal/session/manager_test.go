package session

import (
	"context"
	"errors"
	"testing"
)

func TestActivateRestoresStoredToken(t *testing.T) {
	tokens := MemoryTokenStore{"user1": "stored-token"}
	m := NewManagerWithStore(tokens, nil)

	if err := m.Activate("user1"); err != nil {
		t.Fatalf("activating: %v", err)
	}

	sess, ok := m.Current()
	if !ok || sess.UserID != "user1" || sess.Token != "stored-token" {
		t.Fatalf("unexpected session: %+v ok=%v", sess, ok)
	}
	if m.Token() != "stored-token" {
		t.Errorf("token = %q", m.Token())
	}
}

func TestActivateUnknownUserFails(t *testing.T) {
	m := NewManagerWithStore(MemoryTokenStore{}, nil)

	if err := m.Activate("nobody"); err == nil {
		t.Fatalf("expected activation to fail for an unknown user")
	}
	if _, ok := m.Current(); ok {
		t.Errorf("expected no acting session after failed activation")
	}
}

func TestSetSessionPersistsToken(t *testing.T) {
	tokens := MemoryTokenStore{}
	m := NewManagerWithStore(tokens, nil)

	if err := m.SetSession(Session{UserID: "user1", Token: "fresh"}); err != nil {
		t.Fatalf("setting session: %v", err)
	}

	if tokens["user1"] != "fresh" {
		t.Errorf("expected the token persisted, store = %v", tokens)
	}
}

func TestRefreshInstallsAndPersistsNewSession(t *testing.T) {
	tokens := MemoryTokenStore{}
	refresh := func(ctx context.Context, current Session) (Session, error) {
		return Session{UserID: current.UserID, Token: "renewed"}, nil
	}
	m := NewManagerWithStore(tokens, refresh)

	if err := m.SetSession(Session{UserID: "user1", Token: "old"}); err != nil {
		t.Fatalf("setting session: %v", err)
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refreshing: %v", err)
	}

	if m.Token() != "renewed" {
		t.Errorf("token = %q, want renewed", m.Token())
	}
	if tokens["user1"] != "renewed" {
		t.Errorf("expected the renewed token persisted, store = %v", tokens)
	}
}

func TestRefreshWithoutSession(t *testing.T) {
	m := NewManagerWithStore(MemoryTokenStore{}, nil)

	if err := m.Refresh(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestRefreshWithoutHookFails(t *testing.T) {
	m := NewManagerWithStore(MemoryTokenStore{}, nil)
	if err := m.SetSession(Session{UserID: "user1", Token: "tok"}); err != nil {
		t.Fatalf("setting session: %v", err)
	}

	if err := m.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh to fail without a hook")
	}
	// The current session survives a failed refresh.
	if m.Token() != "tok" {
		t.Errorf("token = %q, want tok", m.Token())
	}
}

func TestSignOutDropsSessionAndToken(t *testing.T) {
	tokens := MemoryTokenStore{}
	m := NewManagerWithStore(tokens, nil)
	if err := m.SetSession(Session{UserID: "user1", Token: "tok"}); err != nil {
		t.Fatalf("setting session: %v", err)
	}

	m.SignOut()

	if _, ok := m.Current(); ok {
		t.Errorf("expected no session after sign-out")
	}
	if m.Token() != "" {
		t.Errorf("token = %q, want empty", m.Token())
	}
	if _, ok := tokens["user1"]; ok {
		t.Errorf("expected the stored token removed")
	}
}
