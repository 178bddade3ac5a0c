// Package user provides auth user management.
package user

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/foliohq/folio/internal/platform/errors"
	"github.com/foliohq/folio/internal/platform/id"
)

var (
	// ErrEmptyEmail indicates a missing email address.
	ErrEmptyEmail = apperrors.New(apperrors.CodeUserEmptyEmail, "email is required")
	// ErrInvalidEmail indicates an email address that does not match the required format.
	ErrInvalidEmail = apperrors.New(apperrors.CodeUserInvalidEmail, "email address is not valid")

	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// TwoFactorState describes where a user sits in the two-factor lifecycle.
type TwoFactorState string

const (
	// TwoFactorNone means no secret is stored.
	TwoFactorNone TwoFactorState = "none"
	// TwoFactorPending means a secret is stored but not yet confirmed.
	TwoFactorPending TwoFactorState = "pending"
	// TwoFactorEnabled means the secret has been confirmed with a valid code.
	TwoFactorEnabled TwoFactorState = "enabled"
)

// User represents an authenticated identity record.
//
// TwoFactorSecret and TwoFactorRecoveryCodes hold sealed values; only the
// TOTP service decrypts them. TwoFactorVersion increments on every
// two-factor mutation and guards recovery-code consumption against
// concurrent double-spends.
type User struct {
	ID                     string
	Email                  string
	PasswordHash           string
	EmailVerifiedAt        *time.Time
	TwoFactorSecret        string
	TwoFactorRecoveryCodes string
	TwoFactorConfirmedAt   *time.Time
	TwoFactorVersion       int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// TwoFactorStatus reports the user's position in the two-factor state machine.
func (u User) TwoFactorStatus() TwoFactorState {
	if u.TwoFactorSecret == "" {
		return TwoFactorNone
	}
	if u.TwoFactorConfirmedAt == nil {
		return TwoFactorPending
	}
	return TwoFactorEnabled
}

// HasTwoFactorEnabled reports whether login must pass the two-factor challenge.
func (u User) HasTwoFactorEnabled() bool {
	return u.TwoFactorStatus() == TwoFactorEnabled
}

// CreateUserInput describes the data needed to create a user.
type CreateUserInput struct {
	Email        string
	PasswordHash string
}

// ValidateEmail enforces the canonical email format used across the service.
func ValidateEmail(s string) error {
	if !emailPattern.MatchString(s) {
		return ErrInvalidEmail
	}
	return nil
}

// NormalizeEmail lowercases and trims an email address for storage and lookup.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// CreateUser creates a durable user identity from validated input.
//
// The service layer treats this as the canonical point where an untrusted
// email becomes a stable identity consumed by sessions, passkeys, and the
// content-facing surfaces.
func CreateUser(input CreateUserInput, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateUserInput(input)
	if err != nil {
		return User{}, err
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	createdAt := now().UTC()
	return User{
		ID:           userID,
		Email:        normalized.Email,
		PasswordHash: normalized.PasswordHash,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}, nil
}

// NormalizeCreateUserInput trims and normalizes input before validation.
func NormalizeCreateUserInput(input CreateUserInput) (CreateUserInput, error) {
	input.Email = NormalizeEmail(input.Email)
	if input.Email == "" {
		return CreateUserInput{}, ErrEmptyEmail
	}
	if err := ValidateEmail(input.Email); err != nil {
		return CreateUserInput{}, err
	}
	if strings.TrimSpace(input.PasswordHash) == "" {
		return CreateUserInput{}, apperrors.New(apperrors.CodeValidation, "password hash is required")
	}
	return input, nil
}
