package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/foliohq/folio/internal/auth/storage"
	"github.com/foliohq/folio/internal/auth/user"
	apperrors "github.com/foliohq/folio/internal/platform/errors"
	"github.com/foliohq/folio/internal/platform/id"
)

// ErrChallengeExpired indicates a WebAuthn ceremony outlived its challenge.
var ErrChallengeExpired = apperrors.New(apperrors.CodePasskeyChallengeExpired, "passkey challenge has expired")

// ErrCeremonyFailed indicates a WebAuthn ceremony response did not verify.
var ErrCeremonyFailed = apperrors.New(apperrors.CodePasskeyCeremonyFailed, "passkey ceremony failed")

// provider covers the webauthn.WebAuthn surface the service calls, so tests
// can substitute deterministic ceremonies.
type provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Service runs WebAuthn registration and login ceremonies and manages
// stored credentials. Verification is delegated entirely to the WebAuthn
// library; no client-reported counters are trusted.
type Service struct {
	users       storage.UserStore
	store       storage.PasskeyStore
	webAuthn    provider
	parser      parser
	config      Config
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewService builds a passkey service for the configured relying party.
func NewService(users storage.UserStore, store storage.PasskeyStore, config Config) (*Service, error) {
	if config.SessionTTL <= 0 {
		config.SessionTTL = 5 * time.Minute
	}
	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName: config.RPDisplayName,
		RPID:          config.RPID,
		RPOrigins:     config.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &Service{
		users:       users,
		store:       store,
		webAuthn:    webAuthn,
		parser:      defaultParser{},
		config:      config,
		clock:       time.Now,
		idGenerator: id.NewID,
	}, nil
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

// SetProvider overrides the WebAuthn provider. Test hook.
func (s *Service) SetProvider(p provider) {
	if p != nil {
		s.webAuthn = p
	}
}

// SetParser overrides the ceremony response parser. Test hook.
func (s *Service) SetParser(p parser) {
	if p != nil {
		s.parser = p
	}
}

// Challenge carries ceremony options to the browser plus the server-side
// session ID the browser must echo back to finish.
type Challenge struct {
	SessionID   string
	OptionsJSON []byte
}

// BeginRegistration starts a credential-creation ceremony for a signed-in
// user. Existing credentials are excluded so an authenticator cannot
// register twice.
func (s *Service) BeginRegistration(ctx context.Context, u user.User) (Challenge, error) {
	passkeyUser, err := s.loadPasskeyUser(ctx, u)
	if err != nil {
		return Challenge{}, err
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(passkeyUser.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(passkeyUser.credentials).CredentialDescriptors()))
	}

	creation, session, err := s.webAuthn.BeginRegistration(passkeyUser, options...)
	if err != nil {
		return Challenge{}, fmt.Errorf("begin passkey registration: %w", err)
	}
	return s.storeChallenge(ctx, SessionKindRegistration, u.ID, session, creation)
}

// FinishRegistration validates the browser's creation response and stores
// the new credential. The ceremony session is single-use.
func (s *Service) FinishRegistration(ctx context.Context, sessionID string, name string, response []byte) (storage.PasskeyCredential, error) {
	if len(response) == 0 {
		return storage.PasskeyCredential{}, apperrors.New(apperrors.CodeValidation, "credential response is required")
	}

	session, err := s.loadSession(ctx, sessionID, SessionKindRegistration)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	if session.UserID == "" {
		return storage.PasskeyCredential{}, fmt.Errorf("passkey session missing user id")
	}

	baseUser, err := s.users.GetUser(ctx, session.UserID)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	passkeyUser, err := s.loadPasskeyUser(ctx, baseUser)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return storage.PasskeyCredential{}, apperrors.Wrap(apperrors.CodePasskeyCeremonyFailed, "parse credential response", err)
	}
	credential, err := s.webAuthn.CreateCredential(passkeyUser, session.Data, parsed)
	if err != nil {
		return storage.PasskeyCredential{}, apperrors.Wrap(apperrors.CodePasskeyCeremonyFailed, "validate credential response", err)
	}

	record, err := s.storeCredential(ctx, baseUser.ID, name, *credential, false)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	_ = s.store.DeletePasskeySession(ctx, sessionID)
	return record, nil
}

// BeginLogin starts an assertion ceremony. With a user the challenge lists
// that user's credentials; without one a discoverable (usernameless)
// ceremony starts and the authenticator supplies the user handle.
func (s *Service) BeginLogin(ctx context.Context, userID string) (Challenge, error) {
	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
		err       error
	)

	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		assertion, session, err = s.webAuthn.BeginDiscoverableLogin()
	} else {
		baseUser, getErr := s.users.GetUser(ctx, trimmed)
		if getErr != nil {
			return Challenge{}, getErr
		}
		passkeyUser, loadErr := s.loadPasskeyUser(ctx, baseUser)
		if loadErr != nil {
			return Challenge{}, loadErr
		}
		assertion, session, err = s.webAuthn.BeginLogin(passkeyUser)
	}
	if err != nil {
		return Challenge{}, fmt.Errorf("begin passkey login: %w", err)
	}
	return s.storeChallenge(ctx, SessionKindLogin, trimmed, session, assertion)
}

// FinishLogin validates the browser's assertion response and returns the
// authenticated user. The verified credential is written back so the
// library-maintained signature counter persists.
func (s *Service) FinishLogin(ctx context.Context, sessionID string, response []byte) (user.User, error) {
	if len(response) == 0 {
		return user.User{}, apperrors.New(apperrors.CodeValidation, "credential response is required")
	}

	session, err := s.loadSession(ctx, sessionID, SessionKindLogin)
	if err != nil {
		return user.User{}, err
	}

	parsed, err := s.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return user.User{}, apperrors.Wrap(apperrors.CodePasskeyCeremonyFailed, "parse credential response", err)
	}

	validatedUser, validatedCredential, err := s.webAuthn.ValidatePasskeyLogin(s.userHandler(ctx), session.Data, parsed)
	if err != nil {
		return user.User{}, apperrors.Wrap(apperrors.CodePasskeyCeremonyFailed, "validate passkey login", err)
	}

	record, ok := validatedUser.(*passkeyUser)
	if !ok {
		return user.User{}, fmt.Errorf("passkey user type mismatch")
	}

	if _, err := s.storeCredential(ctx, record.user.ID, "", *validatedCredential, true); err != nil {
		return user.User{}, err
	}
	_ = s.store.DeletePasskeySession(ctx, sessionID)
	return record.user, nil
}

// List returns the user's stored credentials.
func (s *Service) List(ctx context.Context, userID string) ([]storage.PasskeyCredential, error) {
	return s.store.ListPasskeyCredentials(ctx, userID)
}

// Rename updates a credential's display name, scoped to the owning user.
func (s *Service) Rename(ctx context.Context, userID string, credentialID string, name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return apperrors.New(apperrors.CodeValidation, "passkey name is required")
	}
	return s.store.RenamePasskeyCredential(ctx, credentialID, userID, trimmed, s.clock().UTC())
}

// Delete removes a credential, scoped to the owning user.
func (s *Service) Delete(ctx context.Context, userID string, credentialID string) error {
	return s.store.DeletePasskeyCredential(ctx, credentialID, userID)
}

// Sweep removes ceremony sessions past their expiry.
func (s *Service) Sweep(ctx context.Context) error {
	return s.store.DeleteExpiredPasskeySessions(ctx, s.clock().UTC())
}

// passkeyUser adapts a stored user and its credentials to webauthn.User.
type passkeyUser struct {
	user        user.User
	credentials []webauthn.Credential
}

func (u *passkeyUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *passkeyUser) WebAuthnName() string {
	return u.user.Email
}

func (u *passkeyUser) WebAuthnDisplayName() string {
	return u.user.Email
}

func (u *passkeyUser) WebAuthnIcon() string {
	return ""
}

func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (s *Service) loadPasskeyUser(ctx context.Context, base user.User) (*passkeyUser, error) {
	records, err := s.store.ListPasskeyCredentials(ctx, base.ID)
	if err != nil {
		return nil, err
	}
	credentials, err := decodeStoredCredentials(records)
	if err != nil {
		return nil, err
	}
	return &passkeyUser{user: base, credentials: credentials}, nil
}

func decodeStoredCredentials(records []storage.PasskeyCredential) ([]webauthn.Credential, error) {
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		credentials = append(credentials, credential)
	}
	return credentials, nil
}

func (s *Service) storeChallenge(ctx context.Context, kind SessionKind, userID string, session *webauthn.SessionData, options any) (Challenge, error) {
	if session == nil {
		return Challenge{}, fmt.Errorf("session data is required")
	}
	sessionID, err := s.idGenerator()
	if err != nil {
		return Challenge{}, fmt.Errorf("create passkey session id: %w", err)
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return Challenge{}, fmt.Errorf("encode passkey session: %w", err)
	}
	err = s.store.PutPasskeySession(ctx, storage.PasskeySession{
		ID:          sessionID,
		Kind:        string(kind),
		UserID:      userID,
		SessionJSON: string(payload),
		ExpiresAt:   s.clock().UTC().Add(s.config.SessionTTL),
	})
	if err != nil {
		return Challenge{}, err
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return Challenge{}, fmt.Errorf("encode ceremony options: %w", err)
	}
	return Challenge{SessionID: sessionID, OptionsJSON: optionsJSON}, nil
}

type loadedSession struct {
	Data   webauthn.SessionData
	Kind   SessionKind
	UserID string
}

func (s *Service) loadSession(ctx context.Context, sessionID string, expectedKind SessionKind) (loadedSession, error) {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed == "" {
		return loadedSession{}, apperrors.New(apperrors.CodeValidation, "session id is required")
	}
	stored, err := s.store.GetPasskeySession(ctx, trimmed)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeNotFound {
			return loadedSession{}, ErrChallengeExpired
		}
		return loadedSession{}, err
	}
	if stored.Kind != string(expectedKind) {
		return loadedSession{}, apperrors.New(apperrors.CodeValidation, "passkey session kind mismatch")
	}
	if stored.ExpiresAt.Before(s.clock().UTC()) {
		_ = s.store.DeletePasskeySession(ctx, trimmed)
		return loadedSession{}, ErrChallengeExpired
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(stored.SessionJSON), &session); err != nil {
		return loadedSession{}, fmt.Errorf("decode passkey session: %w", err)
	}
	return loadedSession{Data: session, Kind: expectedKind, UserID: stored.UserID}, nil
}

func (s *Service) userHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		userID := string(userHandle)
		if strings.TrimSpace(userID) == "" {
			return nil, fmt.Errorf("user handle is required")
		}
		baseUser, err := s.users.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return s.loadPasskeyUser(ctx, baseUser)
	}
}

func (s *Service) storeCredential(ctx context.Context, userID string, name string, credential webauthn.Credential, used bool) (storage.PasskeyCredential, error) {
	credentialID := EncodeCredentialID(credential.ID)
	now := s.clock().UTC()
	stored, err := s.store.GetPasskeyCredential(ctx, credentialID)
	if err != nil && apperrors.GetCode(err) != apperrors.CodeNotFound {
		return storage.PasskeyCredential{}, err
	}
	missing := err != nil
	if missing && used {
		return storage.PasskeyCredential{}, storage.ErrNotFound
	}

	createdAt := now
	keepName := name
	if !missing {
		createdAt = stored.CreatedAt
		if keepName == "" {
			keepName = stored.Name
		}
	}
	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("encode credential: %w", err)
	}
	var lastUsed *time.Time
	if used {
		value := now
		lastUsed = &value
	} else if !missing {
		lastUsed = stored.LastUsedAt
	}
	record := storage.PasskeyCredential{
		CredentialID:   credentialID,
		UserID:         userID,
		Name:           keepName,
		CredentialJSON: string(credentialJSON),
		CreatedAt:      createdAt,
		UpdatedAt:      now,
		LastUsedAt:     lastUsed,
	}
	if err := s.store.PutPasskeyCredential(ctx, record); err != nil {
		return storage.PasskeyCredential{}, err
	}
	return record, nil
}

// EncodeCredentialID renders a raw WebAuthn credential ID for storage and
// transport.
func EncodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
