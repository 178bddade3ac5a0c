// Package service orchestrates the multi-step authentication flows over
// the user, session, two-factor, and passkey subsystems.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/foliohq/folio/internal/auth/passkey"
	"github.com/foliohq/folio/internal/auth/remember"
	"github.com/foliohq/folio/internal/auth/session"
	"github.com/foliohq/folio/internal/auth/storage"
	"github.com/foliohq/folio/internal/auth/totp"
	"github.com/foliohq/folio/internal/auth/user"
	apperrors "github.com/foliohq/folio/internal/platform/errors"
	"github.com/foliohq/folio/internal/platform/id"
)

const minPasswordLength = 8

// ErrInvalidCredentials is the uniform failure for a wrong email or
// password, so responses cannot distinguish the two.
var ErrInvalidCredentials = apperrors.New(apperrors.CodeInvalidCredentials, "email or password is incorrect")

// ErrTwoFactorCodeInvalid indicates a rejected TOTP or recovery code.
var ErrTwoFactorCodeInvalid = apperrors.New(apperrors.CodeTwoFactorCodeInvalid, "two-factor code is not valid")

// ErrTwoFactorChallengeMissing indicates a two-factor submission with no
// pending challenge in the flow.
var ErrTwoFactorChallengeMissing = apperrors.New(apperrors.CodeTwoFactorRequired, "no two-factor challenge is pending")

// Service wires the authentication subsystems into user-facing operations.
type Service struct {
	users       storage.UserStore
	sessions    *session.Coordinator
	totp        *totp.Service
	passkeys    *passkey.Service
	remember    *remember.Minter
	clock       func() time.Time
	idGenerator func() (string, error)
}

// New builds the auth orchestrator. The remember minter may be nil when no
// signing secret is configured; remember tokens are then never issued.
func New(users storage.UserStore, sessions *session.Coordinator, totpService *totp.Service, passkeys *passkey.Service, rememberMinter *remember.Minter) *Service {
	return &Service{
		users:       users,
		sessions:    sessions,
		totp:        totpService,
		passkeys:    passkeys,
		remember:    rememberMinter,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// SetIDGenerator overrides identifier generation. Test hook.
func (s *Service) SetIDGenerator(generator func() (string, error)) {
	if generator != nil {
		s.idGenerator = generator
	}
}

// Sessions exposes the session coordinator for transport middleware.
func (s *Service) Sessions() *session.Coordinator {
	return s.sessions
}

// TOTP exposes the two-factor service for settings surfaces.
func (s *Service) TOTP() *totp.Service {
	return s.totp
}

// Passkeys exposes the passkey service for ceremony endpoints.
func (s *Service) Passkeys() *passkey.Service {
	return s.passkeys
}

// Register creates a new account and enqueues the registered event in the
// same transaction as the user row.
func (s *Service) Register(ctx context.Context, email, password string) (user.User, error) {
	if len(password) < minPasswordLength {
		return user.User{}, apperrors.New(apperrors.CodeUserPasswordTooShort,
			fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return user.User{}, fmt.Errorf("hash password: %w", err)
	}

	newUser, err := user.CreateUser(user.CreateUserInput{
		Email:        email,
		PasswordHash: string(hash),
	}, s.clock, s.idGenerator)
	if err != nil {
		return user.User{}, err
	}

	eventID, err := s.idGenerator()
	if err != nil {
		return user.User{}, fmt.Errorf("generate event id: %w", err)
	}
	payload, err := json.Marshal(map[string]string{
		"user_id": newUser.ID,
		"email":   newUser.Email,
	})
	if err != nil {
		return user.User{}, fmt.Errorf("encode registered event: %w", err)
	}

	err = s.users.CreateUserWithEvent(ctx, newUser, storage.AuthEvent{
		ID:          eventID,
		EventType:   storage.EventTypeUserRegistered,
		PayloadJSON: string(payload),
		DedupeKey:   storage.EventTypeUserRegistered + ":" + newUser.ID,
		CreatedAt:   s.clock().UTC(),
	})
	if err != nil {
		return user.User{}, err
	}
	return newUser, nil
}

// LoginResult reports how a password check concluded: either a pending
// two-factor challenge or a fully authenticated session.
type LoginResult struct {
	User              user.User
	TwoFactorRequired bool
	Flow              storage.FlowState
	Session           storage.WebSession
	RememberToken     string
}

// Login verifies an email and password. Users with two-factor enabled get
// a pending challenge recorded in the flow and no session; everyone else
// gets a durable session immediately.
func (s *Service) Login(ctx context.Context, flow storage.FlowState, email, password string, rememberMe bool) (LoginResult, error) {
	account, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeNotFound {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	if account.HasTwoFactorEnabled() {
		flow, err = s.sessions.MarkTwoFactorPending(ctx, flow, account.ID, rememberMe)
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{User: account, TwoFactorRequired: true, Flow: flow}, nil
	}

	return s.establishSession(ctx, flow, account, rememberMe)
}

// CompleteTwoFactorLogin finishes a pending challenge with a TOTP or
// recovery code and issues the withheld session.
func (s *Service) CompleteTwoFactorLogin(ctx context.Context, flow storage.FlowState, code string) (LoginResult, error) {
	if !flow.TwoFactorRequired || flow.TwoFactorUserID == "" {
		return LoginResult{}, ErrTwoFactorChallengeMissing
	}

	account, err := s.users.GetUser(ctx, flow.TwoFactorUserID)
	if err != nil {
		return LoginResult{}, err
	}

	ok, err := s.totp.Verify(ctx, account, code)
	if err != nil {
		return LoginResult{}, err
	}
	if !ok {
		return LoginResult{}, ErrTwoFactorCodeInvalid
	}

	rememberMe := flow.Remember
	flow, err = s.sessions.MarkTwoFactorVerified(ctx, flow, account.ID)
	if err != nil {
		return LoginResult{}, err
	}
	return s.establishSession(ctx, flow, account, rememberMe)
}

// PasskeyLogin finishes a WebAuthn assertion ceremony and issues a
// session. A verified passkey satisfies the second factor on its own, so
// no TOTP challenge follows.
func (s *Service) PasskeyLogin(ctx context.Context, flow storage.FlowState, sessionID string, response []byte, rememberMe bool) (LoginResult, error) {
	account, err := s.passkeys.FinishLogin(ctx, sessionID, response)
	if err != nil {
		return LoginResult{}, err
	}

	flow, err = s.sessions.MarkTwoFactorVerified(ctx, flow, account.ID)
	if err != nil {
		return LoginResult{}, err
	}
	return s.establishSession(ctx, flow, account, rememberMe)
}

// PasskeyLoginBegin starts an assertion ceremony. An email narrows the
// challenge to that account's credentials; without one the ceremony is
// discoverable.
func (s *Service) PasskeyLoginBegin(ctx context.Context, email string) (passkey.Challenge, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return s.passkeys.BeginLogin(ctx, "")
	}
	account, err := s.users.GetUserByEmail(ctx, trimmed)
	if err != nil {
		return passkey.Challenge{}, err
	}
	return s.passkeys.BeginLogin(ctx, account.ID)
}

// RememberLogin exchanges a valid remember-me token for a fresh session.
func (s *Service) RememberLogin(ctx context.Context, flow storage.FlowState, token string) (LoginResult, error) {
	if s.remember == nil {
		return LoginResult{}, apperrors.New(apperrors.CodeUnauthenticated, "remember tokens are not enabled")
	}
	userID, err := s.remember.Verify(token)
	if err != nil {
		return LoginResult{}, apperrors.Wrap(apperrors.CodeUnauthenticated, "remember token rejected", err)
	}
	account, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return LoginResult{}, err
	}
	return s.establishSession(ctx, flow, account, true)
}

// Logout revokes the durable session and clears flow state. Both are
// idempotent so a stale cookie cannot make logout fail.
func (s *Service) Logout(ctx context.Context, sessionID, flowID string) error {
	if err := s.sessions.RevokeWebSession(ctx, sessionID); err != nil {
		return err
	}
	return s.sessions.ClearFlow(ctx, flowID)
}

// Status reports what the login page should offer for an email address.
//
// Existence is deliberately revealed: the product favors telling its
// owner-operator users whether an account exists over enumeration
// resistance.
type Status struct {
	UserExists           bool
	RequiresVerification bool
	HasPasskeys          bool
	PasskeyCount         int
}

// CheckStatus resolves the login options for an email address.
func (s *Service) CheckStatus(ctx context.Context, email string) (Status, error) {
	account, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeNotFound {
			return Status{}, nil
		}
		return Status{}, err
	}

	credentials, err := s.passkeys.List(ctx, account.ID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		UserExists:           true,
		RequiresVerification: account.HasTwoFactorEnabled(),
		HasPasskeys:          len(credentials) > 0,
		PasskeyCount:         len(credentials),
	}, nil
}

// ConfirmPassword re-verifies the password of an authenticated user and
// stamps the flow's confirmation freshness window.
func (s *Service) ConfirmPassword(ctx context.Context, flow storage.FlowState, account user.User, password string) (storage.FlowState, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return storage.FlowState{}, ErrInvalidCredentials
	}
	return s.sessions.MarkPasswordConfirmed(ctx, flow)
}

// CurrentUser resolves the authenticated user behind a session cookie.
func (s *Service) CurrentUser(ctx context.Context, sessionID string) (user.User, error) {
	webSession, err := s.sessions.ResolveWebSession(ctx, sessionID)
	if err != nil {
		return user.User{}, err
	}
	return s.users.GetUser(ctx, webSession.UserID)
}

// EnableTwoFactor starts two-factor enrollment for an authenticated user.
func (s *Service) EnableTwoFactor(ctx context.Context, account user.User) (totp.Enrollment, error) {
	return s.totp.Enable(ctx, account)
}

// ConfirmTwoFactor activates a pending enrollment with a valid code.
func (s *Service) ConfirmTwoFactor(ctx context.Context, account user.User, code string) error {
	ok, err := s.totp.Confirm(ctx, account, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTwoFactorCodeInvalid
	}
	return nil
}

// DisableTwoFactor turns two-factor off. The flow must carry a fresh
// password confirmation.
func (s *Service) DisableTwoFactor(ctx context.Context, flow storage.FlowState, account user.User) error {
	if err := s.sessions.RequireFreshConfirmation(flow); err != nil {
		return err
	}
	return s.totp.Disable(ctx, account)
}

// RegenerateRecoveryCodes replaces the recovery-code set. The flow must
// carry a fresh password confirmation.
func (s *Service) RegenerateRecoveryCodes(ctx context.Context, flow storage.FlowState, account user.User) ([]string, error) {
	if err := s.sessions.RequireFreshConfirmation(flow); err != nil {
		return nil, err
	}
	return s.totp.RegenerateRecoveryCodes(ctx, account)
}

// establishSession issues the durable session and, when requested and
// configured, a remember-me token.
func (s *Service) establishSession(ctx context.Context, flow storage.FlowState, account user.User, rememberMe bool) (LoginResult, error) {
	webSession, err := s.sessions.IssueWebSession(ctx, account.ID)
	if err != nil {
		return LoginResult{}, err
	}

	result := LoginResult{User: account, Flow: flow, Session: webSession}
	if rememberMe && s.remember != nil {
		token, err := s.remember.Mint(account.ID)
		if err != nil {
			return LoginResult{}, err
		}
		result.RememberToken = token
	}
	return result, nil
}
