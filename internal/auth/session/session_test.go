package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/foliohq/folio/internal/auth/storage"
)

type fakeFlowStore struct {
	states map[string]storage.FlowState
}

func newFakeFlowStore() *fakeFlowStore {
	return &fakeFlowStore{states: make(map[string]storage.FlowState)}
}

func (f *fakeFlowStore) PutFlowState(_ context.Context, state storage.FlowState) error {
	f.states[state.ID] = state
	return nil
}

func (f *fakeFlowStore) GetFlowState(_ context.Context, id string) (storage.FlowState, error) {
	state, ok := f.states[id]
	if !ok {
		return storage.FlowState{}, storage.ErrNotFound
	}
	return state, nil
}

func (f *fakeFlowStore) DeleteFlowState(_ context.Context, id string) error {
	delete(f.states, id)
	return nil
}

func (f *fakeFlowStore) DeleteExpiredFlowStates(_ context.Context, now time.Time) error {
	for id, state := range f.states {
		if !state.ExpiresAt.After(now) {
			delete(f.states, id)
		}
	}
	return nil
}

type fakeWebSessionStore struct {
	sessions map[string]storage.WebSession
}

func newFakeWebSessionStore() *fakeWebSessionStore {
	return &fakeWebSessionStore{sessions: make(map[string]storage.WebSession)}
}

func (f *fakeWebSessionStore) PutWebSession(_ context.Context, session storage.WebSession) error {
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeWebSessionStore) GetWebSession(_ context.Context, id string) (storage.WebSession, error) {
	session, ok := f.sessions[id]
	if !ok {
		return storage.WebSession{}, storage.ErrNotFound
	}
	return session, nil
}

func (f *fakeWebSessionStore) RevokeWebSession(_ context.Context, id string, revokedAt time.Time) error {
	session, ok := f.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if session.RevokedAt == nil {
		session.RevokedAt = &revokedAt
		f.sessions[id] = session
	}
	return nil
}

func (f *fakeWebSessionStore) DeleteExpiredWebSessions(_ context.Context, now time.Time) error {
	for id, session := range f.sessions {
		if !session.ExpiresAt.After(now) {
			delete(f.sessions, id)
		}
	}
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeFlowStore, *fakeWebSessionStore, *time.Time) {
	t.Helper()
	flows := newFakeFlowStore()
	sessions := newFakeWebSessionStore()
	coordinator := NewCoordinator(flows, sessions, Config{
		FlowTTL:               30 * time.Minute,
		WebSessionTTL:         24 * time.Hour,
		PasswordConfirmWindow: 3 * time.Hour,
	})
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	coordinator.SetClock(func() time.Time { return now })
	counter := 0
	coordinator.SetIDGenerator(func() (string, error) {
		counter++
		return fmt.Sprintf("id-%d", counter), nil
	})
	return coordinator, flows, sessions, &now
}

func TestEnsureFlowMintsWhenEmpty(t *testing.T) {
	coordinator, _, _, _ := newTestCoordinator(t)

	state, err := coordinator.EnsureFlow(context.Background(), "")
	if err != nil {
		t.Fatalf("ensure flow: %v", err)
	}
	if state.ID == "" {
		t.Fatal("expected a minted flow id")
	}
}

func TestEnsureFlowReusesUnexpired(t *testing.T) {
	coordinator, _, _, _ := newTestCoordinator(t)

	state, err := coordinator.EnsureFlow(context.Background(), "")
	if err != nil {
		t.Fatalf("ensure flow: %v", err)
	}
	state.Remember = true
	if err := coordinator.SaveFlow(context.Background(), state); err != nil {
		t.Fatalf("save flow: %v", err)
	}

	got, err := coordinator.EnsureFlow(context.Background(), state.ID)
	if err != nil {
		t.Fatalf("ensure flow again: %v", err)
	}
	if got.ID != state.ID || !got.Remember {
		t.Fatalf("expected reused flow, got %+v", got)
	}
}

func TestEnsureFlowMintsWhenExpired(t *testing.T) {
	coordinator, flows, _, now := newTestCoordinator(t)

	state, _ := coordinator.EnsureFlow(context.Background(), "")
	if err := coordinator.SaveFlow(context.Background(), state); err != nil {
		t.Fatalf("save flow: %v", err)
	}

	*now = now.Add(31 * time.Minute)
	got, err := coordinator.EnsureFlow(context.Background(), state.ID)
	if err != nil {
		t.Fatalf("ensure flow: %v", err)
	}
	if got.ID == state.ID {
		t.Fatal("expected a fresh flow id after expiry")
	}
	if _, err := flows.GetFlowState(context.Background(), state.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected expired flow deleted, got %v", err)
	}
}

func TestMarkTwoFactorPendingAndVerified(t *testing.T) {
	coordinator, _, _, _ := newTestCoordinator(t)

	state, _ := coordinator.EnsureFlow(context.Background(), "")
	state, err := coordinator.MarkTwoFactorPending(context.Background(), state, "user-1", true)
	if err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if !state.TwoFactorRequired || state.TwoFactorUserID != "user-1" || !state.Remember {
		t.Fatalf("unexpected pending state: %+v", state)
	}

	state, err = coordinator.MarkTwoFactorVerified(context.Background(), state, "user-1")
	if err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	if state.TwoFactorRequired || state.TwoFactorUserID != "" {
		t.Fatalf("pending slots must clear: %+v", state)
	}
	if state.TwoFactorVerifiedUserID != "user-1" {
		t.Fatalf("TwoFactorVerifiedUserID = %q, want user-1", state.TwoFactorVerifiedUserID)
	}
}

func TestRequireFreshConfirmationWindow(t *testing.T) {
	coordinator, _, _, now := newTestCoordinator(t)

	state, _ := coordinator.EnsureFlow(context.Background(), "")
	if err := coordinator.RequireFreshConfirmation(state); !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("expected confirmation required without stamp, got %v", err)
	}

	state, err := coordinator.MarkPasswordConfirmed(context.Background(), state)
	if err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}
	if err := coordinator.RequireFreshConfirmation(state); err != nil {
		t.Fatalf("expected fresh confirmation, got %v", err)
	}

	// One second inside the window still passes.
	*now = now.Add(3*time.Hour - time.Second)
	if err := coordinator.RequireFreshConfirmation(state); err != nil {
		t.Fatalf("expected confirmation still fresh, got %v", err)
	}

	// Exactly at the window boundary it stops being fresh.
	*now = now.Add(time.Second)
	if err := coordinator.RequireFreshConfirmation(state); !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("expected confirmation required at boundary, got %v", err)
	}
}

func TestIssueAndResolveWebSession(t *testing.T) {
	coordinator, _, _, _ := newTestCoordinator(t)

	session, err := coordinator.IssueWebSession(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if session.UserID != "user-1" {
		t.Fatalf("UserID = %q, want user-1", session.UserID)
	}

	got, err := coordinator.ResolveWebSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("resolve session: %v", err)
	}
	if got.ID != session.ID {
		t.Fatalf("ID = %q, want %q", got.ID, session.ID)
	}
}

func TestResolveWebSessionExpired(t *testing.T) {
	coordinator, _, _, now := newTestCoordinator(t)

	session, err := coordinator.IssueWebSession(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	*now = now.Add(24 * time.Hour)
	if _, err := coordinator.ResolveWebSession(context.Background(), session.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected session expired, got %v", err)
	}
}

func TestResolveWebSessionRevoked(t *testing.T) {
	coordinator, _, _, _ := newTestCoordinator(t)

	session, err := coordinator.IssueWebSession(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if err := coordinator.RevokeWebSession(context.Background(), session.ID); err != nil {
		t.Fatalf("revoke session: %v", err)
	}
	if _, err := coordinator.ResolveWebSession(context.Background(), session.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected session expired after revoke, got %v", err)
	}
}

func TestRevokeWebSessionUnknownIsNoop(t *testing.T) {
	coordinator, _, _, _ := newTestCoordinator(t)

	if err := coordinator.RevokeWebSession(context.Background(), "missing"); err != nil {
		t.Fatalf("expected no error for unknown session, got %v", err)
	}
	if err := coordinator.RevokeWebSession(context.Background(), ""); err != nil {
		t.Fatalf("expected no error for empty session, got %v", err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	coordinator, flows, sessions, now := newTestCoordinator(t)

	state, _ := coordinator.EnsureFlow(context.Background(), "")
	if err := coordinator.SaveFlow(context.Background(), state); err != nil {
		t.Fatalf("save flow: %v", err)
	}
	if _, err := coordinator.IssueWebSession(context.Background(), "user-1"); err != nil {
		t.Fatalf("issue session: %v", err)
	}

	*now = now.Add(48 * time.Hour)
	if err := coordinator.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(flows.states) != 0 {
		t.Fatalf("expected flows swept, %d left", len(flows.states))
	}
	if len(sessions.sessions) != 0 {
		t.Fatalf("expected sessions swept, %d left", len(sessions.sessions))
	}
}
