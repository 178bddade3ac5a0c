package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/foliohq/folio/internal/auth/storage"
	"github.com/foliohq/folio/internal/auth/user"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreDBNilSafe(t *testing.T) {
	var store *Store
	if store.DB() != nil {
		t.Fatal("expected nil DB for nil store")
	}
}

func TestPutGetUserRoundTrip(t *testing.T) {
	store := openTempStore(t)

	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	confirmed := created.Add(time.Hour)
	input := user.User{
		ID:                     "user-1",
		Email:                  "owner@example.com",
		PasswordHash:           "hash",
		TwoFactorSecret:        "sealed-secret",
		TwoFactorRecoveryCodes: "sealed-codes",
		TwoFactorConfirmedAt:   &confirmed,
		TwoFactorVersion:       2,
		CreatedAt:              created,
		UpdatedAt:              created,
	}

	if err := store.PutUser(context.Background(), input); err != nil {
		t.Fatalf("put user: %v", err)
	}

	got, err := store.GetUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Email != input.Email || got.PasswordHash != input.PasswordHash {
		t.Fatalf("unexpected user: %+v", got)
	}
	if got.TwoFactorConfirmedAt == nil || !got.TwoFactorConfirmedAt.Equal(confirmed) {
		t.Fatalf("unexpected confirmed at: %v", got.TwoFactorConfirmedAt)
	}
	if got.TwoFactorVersion != 2 {
		t.Fatalf("TwoFactorVersion = %d, want 2", got.TwoFactorVersion)
	}
}

func TestPutUserRequiresID(t *testing.T) {
	store := openTempStore(t)

	err := store.PutUser(context.Background(), user.User{ID: "  ", Email: "owner@example.com"})
	if err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestGetUserNotFound(t *testing.T) {
	store := openTempStore(t)

	_, err := store.GetUser(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetUserByEmailNormalizes(t *testing.T) {
	store := openTempStore(t)
	putTestUser(t, store, "user-1", "owner@example.com")

	got, err := store.GetUserByEmail(context.Background(), "  Owner@Example.COM ")
	if err != nil {
		t.Fatalf("get user by email: %v", err)
	}
	if got.ID != "user-1" {
		t.Fatalf("got user %q, want user-1", got.ID)
	}
}

func TestPutUserDuplicateEmail(t *testing.T) {
	store := openTempStore(t)
	putTestUser(t, store, "user-1", "owner@example.com")

	err := store.PutUser(context.Background(), user.User{
		ID:        "user-2",
		Email:     "owner@example.com",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
	if !errors.Is(err, storage.ErrEmailTaken) {
		t.Fatalf("expected email taken, got %v", err)
	}
}

func TestCreateUserWithEventWritesBoth(t *testing.T) {
	store := openTempStore(t)

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	created := user.User{
		ID:        "user-1",
		Email:     "owner@example.com",
		CreatedAt: now,
		UpdatedAt: now,
	}
	event := storage.AuthEvent{
		ID:        "event-1",
		EventType: storage.EventTypeUserRegistered,
		DedupeKey: storage.EventTypeUserRegistered + ":user-1",
		CreatedAt: now,
	}
	if err := store.CreateUserWithEvent(context.Background(), created, event); err != nil {
		t.Fatalf("create user with event: %v", err)
	}

	if _, err := store.GetUser(context.Background(), "user-1"); err != nil {
		t.Fatalf("get user: %v", err)
	}
	pending, err := store.ListPendingAuthEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("list pending events: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "event-1" {
		t.Fatalf("unexpected pending events: %+v", pending)
	}
}

func TestCreateUserWithEventRollsBackOnDuplicate(t *testing.T) {
	store := openTempStore(t)
	putTestUser(t, store, "user-1", "owner@example.com")

	now := time.Now().UTC()
	err := store.CreateUserWithEvent(context.Background(), user.User{
		ID:        "user-2",
		Email:     "owner@example.com",
		CreatedAt: now,
		UpdatedAt: now,
	}, storage.AuthEvent{
		ID:        "event-1",
		EventType: storage.EventTypeUserRegistered,
		CreatedAt: now,
	})
	if !errors.Is(err, storage.ErrEmailTaken) {
		t.Fatalf("expected email taken, got %v", err)
	}
	pending, err := store.ListPendingAuthEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("list pending events: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no events after rollback, got %d", len(pending))
	}
}

func TestUpdateTwoFactorBumpsVersion(t *testing.T) {
	store := openTempStore(t)
	putTestUser(t, store, "user-1", "owner@example.com")

	now := time.Now().UTC()
	err := store.UpdateTwoFactor(context.Background(), storage.TwoFactorUpdate{
		UserID:          "user-1",
		Secret:          "sealed",
		RecoveryCodes:   "codes",
		ExpectedVersion: 0,
		UpdatedAt:       now,
	})
	if err != nil {
		t.Fatalf("update two factor: %v", err)
	}

	got, err := store.GetUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.TwoFactorVersion != 1 {
		t.Fatalf("TwoFactorVersion = %d, want 1", got.TwoFactorVersion)
	}
	if got.TwoFactorSecret != "sealed" {
		t.Fatalf("TwoFactorSecret = %q, want %q", got.TwoFactorSecret, "sealed")
	}
}

func TestUpdateTwoFactorVersionConflict(t *testing.T) {
	store := openTempStore(t)
	putTestUser(t, store, "user-1", "owner@example.com")

	err := store.UpdateTwoFactor(context.Background(), storage.TwoFactorUpdate{
		UserID:          "user-1",
		Secret:          "sealed",
		ExpectedVersion: 7,
		UpdatedAt:       time.Now().UTC(),
	})
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestUpdateTwoFactorMissingUser(t *testing.T) {
	store := openTempStore(t)

	err := store.UpdateTwoFactor(context.Background(), storage.TwoFactorUpdate{
		UserID:          "missing",
		ExpectedVersion: 0,
		UpdatedAt:       time.Now().UTC(),
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPasskeyCredentialLifecycle(t *testing.T) {
	store := openTempStore(t)
	putTestUser(t, store, "user-1", "owner@example.com")
	putTestUser(t, store, "user-2", "other@example.com")

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	credential := storage.PasskeyCredential{
		CredentialID:   "cred-1",
		UserID:         "user-1",
		Name:           "laptop",
		CredentialJSON: "{}",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.PutPasskeyCredential(context.Background(), credential); err != nil {
		t.Fatalf("put credential: %v", err)
	}

	list, err := store.ListPasskeyCredentials(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(list) != 1 || list[0].Name != "laptop" {
		t.Fatalf("unexpected credentials: %+v", list)
	}

	// Rename scoped to another user must not match.
	err = store.RenamePasskeyCredential(context.Background(), "cred-1", "user-2", "stolen", now)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for wrong owner, got %v", err)
	}

	if err := store.RenamePasskeyCredential(context.Background(), "cred-1", "user-1", "desk key", now); err != nil {
		t.Fatalf("rename credential: %v", err)
	}
	got, err := store.GetPasskeyCredential(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.Name != "desk key" {
		t.Fatalf("Name = %q, want %q", got.Name, "desk key")
	}

	err = store.DeletePasskeyCredential(context.Background(), "cred-1", "user-2")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for wrong owner, got %v", err)
	}
	if err := store.DeletePasskeyCredential(context.Background(), "cred-1", "user-1"); err != nil {
		t.Fatalf("delete credential: %v", err)
	}
	_, err = store.GetPasskeyCredential(context.Background(), "cred-1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestPasskeySessionExpirySweep(t *testing.T) {
	store := openTempStore(t)

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	sessions := []storage.PasskeySession{
		{ID: "stale", Kind: "login", SessionJSON: "{}", ExpiresAt: now.Add(-time.Minute)},
		{ID: "fresh", Kind: "login", SessionJSON: "{}", ExpiresAt: now.Add(time.Minute)},
	}
	for _, session := range sessions {
		if err := store.PutPasskeySession(context.Background(), session); err != nil {
			t.Fatalf("put session %s: %v", session.ID, err)
		}
	}

	if err := store.DeleteExpiredPasskeySessions(context.Background(), now); err != nil {
		t.Fatalf("sweep sessions: %v", err)
	}
	if _, err := store.GetPasskeySession(context.Background(), "stale"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected stale session gone, got %v", err)
	}
	if _, err := store.GetPasskeySession(context.Background(), "fresh"); err != nil {
		t.Fatalf("expected fresh session kept: %v", err)
	}
}

func TestFlowStateRoundTrip(t *testing.T) {
	store := openTempStore(t)

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	confirmed := now.Add(-time.Minute)
	state := storage.FlowState{
		ID:                  "flow-1",
		TwoFactorRequired:   true,
		TwoFactorUserID:     "user-1",
		Remember:            true,
		PasswordConfirmedAt: &confirmed,
		ExpiresAt:           now.Add(30 * time.Minute),
	}
	if err := store.PutFlowState(context.Background(), state); err != nil {
		t.Fatalf("put flow state: %v", err)
	}

	got, err := store.GetFlowState(context.Background(), "flow-1")
	if err != nil {
		t.Fatalf("get flow state: %v", err)
	}
	if !got.TwoFactorRequired || got.TwoFactorUserID != "user-1" || !got.Remember {
		t.Fatalf("unexpected flow state: %+v", got)
	}
	if got.PasswordConfirmedAt == nil || !got.PasswordConfirmedAt.Equal(confirmed) {
		t.Fatalf("unexpected confirmed at: %v", got.PasswordConfirmedAt)
	}

	if err := store.DeleteFlowState(context.Background(), "flow-1"); err != nil {
		t.Fatalf("delete flow state: %v", err)
	}
	if _, err := store.GetFlowState(context.Background(), "flow-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestWebSessionRevoke(t *testing.T) {
	store := openTempStore(t)
	putTestUser(t, store, "user-1", "owner@example.com")

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	session := storage.WebSession{
		ID:        "session-1",
		UserID:    "user-1",
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	if err := store.PutWebSession(context.Background(), session); err != nil {
		t.Fatalf("put web session: %v", err)
	}

	revokedAt := now.Add(time.Hour)
	if err := store.RevokeWebSession(context.Background(), "session-1", revokedAt); err != nil {
		t.Fatalf("revoke web session: %v", err)
	}
	got, err := store.GetWebSession(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("get web session: %v", err)
	}
	if got.RevokedAt == nil || !got.RevokedAt.Equal(revokedAt) {
		t.Fatalf("unexpected revoked at: %v", got.RevokedAt)
	}

	// A second revoke keeps the original timestamp.
	if err := store.RevokeWebSession(context.Background(), "session-1", revokedAt.Add(time.Hour)); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	got, err = store.GetWebSession(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("get web session: %v", err)
	}
	if !got.RevokedAt.Equal(revokedAt) {
		t.Fatalf("revoked at changed: %v", got.RevokedAt)
	}

	if err := store.RevokeWebSession(context.Background(), "missing", revokedAt); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for missing session, got %v", err)
	}
}

func TestAuthEventDedupe(t *testing.T) {
	store := openTempStore(t)

	now := time.Now().UTC()
	event := storage.AuthEvent{
		ID:        "event-1",
		EventType: storage.EventTypeUserRegistered,
		DedupeKey: "auth.user.registered:user-1",
		CreatedAt: now,
	}
	if err := store.EnqueueAuthEvent(context.Background(), event); err != nil {
		t.Fatalf("enqueue event: %v", err)
	}
	duplicate := event
	duplicate.ID = "event-2"
	if err := store.EnqueueAuthEvent(context.Background(), duplicate); err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}

	pending, err := store.ListPendingAuthEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending event, got %d", len(pending))
	}

	if err := store.MarkAuthEventProcessed(context.Background(), "event-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	pending, err = store.ListPendingAuthEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending events, got %d", len(pending))
	}

	if err := store.MarkAuthEventProcessed(context.Background(), "missing", now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for missing event, got %v", err)
	}
}

func putTestUser(t *testing.T, store *Store, id, email string) {
	t.Helper()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	if err := store.PutUser(context.Background(), user.User{
		ID:        id,
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("put user %s: %v", id, err)
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
