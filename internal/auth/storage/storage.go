// Package storage defines persistence contracts for the auth service.
package storage

import (
	"context"
	"time"

	"github.com/foliohq/folio/internal/auth/user"
	apperrors "github.com/foliohq/folio/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrEmailTaken indicates the email is already bound to another user.
var ErrEmailTaken = apperrors.New(apperrors.CodeEmailTaken, "email is already registered")

// ErrVersionConflict indicates a compare-and-swap update lost a race.
var ErrVersionConflict = apperrors.New(apperrors.CodeVersionConflict, "record was modified concurrently")

// TwoFactorUpdate describes a conditional update of a user's two-factor columns.
//
// ExpectedVersion must match users.two_factor_version for the update to
// apply; the store bumps the version on success. Empty Secret and
// RecoveryCodes clear the columns.
type TwoFactorUpdate struct {
	UserID          string
	Secret          string
	RecoveryCodes   string
	ConfirmedAt     *time.Time
	ExpectedVersion int64
	UpdatedAt       time.Time
}

// UserStore persists auth user records.
type UserStore interface {
	PutUser(ctx context.Context, u user.User) error
	CreateUserWithEvent(ctx context.Context, u user.User, event AuthEvent) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	UpdateTwoFactor(ctx context.Context, update TwoFactorUpdate) error
}

// PasskeyCredential stores a WebAuthn credential for a user.
type PasskeyCredential struct {
	CredentialID   string
	UserID         string
	Name           string
	CredentialJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// PasskeySession stores a WebAuthn registration or login ceremony session.
type PasskeySession struct {
	ID          string
	Kind        string
	UserID      string
	SessionJSON string
	ExpiresAt   time.Time
}

// PasskeyStore persists WebAuthn credential and ceremony session data.
type PasskeyStore interface {
	PutPasskeyCredential(ctx context.Context, credential PasskeyCredential) error
	GetPasskeyCredential(ctx context.Context, credentialID string) (PasskeyCredential, error)
	ListPasskeyCredentials(ctx context.Context, userID string) ([]PasskeyCredential, error)
	RenamePasskeyCredential(ctx context.Context, credentialID string, userID string, name string, updatedAt time.Time) error
	DeletePasskeyCredential(ctx context.Context, credentialID string, userID string) error
	PutPasskeySession(ctx context.Context, session PasskeySession) error
	GetPasskeySession(ctx context.Context, id string) (PasskeySession, error)
	DeletePasskeySession(ctx context.Context, id string) error
	DeleteExpiredPasskeySessions(ctx context.Context, now time.Time) error
}

// FlowState stores ephemeral login-flow progress keyed to the flow cookie.
type FlowState struct {
	ID                      string
	TwoFactorRequired       bool
	TwoFactorUserID         string
	Remember                bool
	TwoFactorVerifiedUserID string
	PasswordConfirmedAt     *time.Time
	ExpiresAt               time.Time
}

// FlowStore persists login-flow state.
type FlowStore interface {
	PutFlowState(ctx context.Context, state FlowState) error
	GetFlowState(ctx context.Context, id string) (FlowState, error)
	DeleteFlowState(ctx context.Context, id string) error
	DeleteExpiredFlowStates(ctx context.Context, now time.Time) error
}

// WebSession stores a durable authenticated session.
type WebSession struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// WebSessionStore persists durable authenticated sessions.
type WebSessionStore interface {
	PutWebSession(ctx context.Context, session WebSession) error
	GetWebSession(ctx context.Context, id string) (WebSession, error)
	RevokeWebSession(ctx context.Context, id string, revokedAt time.Time) error
	DeleteExpiredWebSessions(ctx context.Context, now time.Time) error
}

// AuthEvent is a durable notification row written alongside auth mutations.
type AuthEvent struct {
	ID          string
	EventType   string
	PayloadJSON string
	DedupeKey   string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// EventTypeUserRegistered fires once per successful registration.
const EventTypeUserRegistered = "auth.user.registered"

// EventStore persists auth notification events.
type EventStore interface {
	EnqueueAuthEvent(ctx context.Context, event AuthEvent) error
	ListPendingAuthEvents(ctx context.Context, limit int) ([]AuthEvent, error)
	MarkAuthEventProcessed(ctx context.Context, id string, processedAt time.Time) error
}
