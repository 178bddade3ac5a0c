// Package session coordinates ephemeral login-flow state and durable
// authenticated web sessions.
//
// Flow state replaces ad hoc string-keyed session access with one typed
// record per flow cookie: the pending two-factor user, the remember flag
// carried from the password check, the verified marker, and the
// password-confirmation timestamp. Durable sessions are separate rows so
// revocation and expiry stay independent of flow progress.
package session

import (
	"context"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/foliohq/folio/internal/auth/storage"
	apperrors "github.com/foliohq/folio/internal/platform/errors"
	"github.com/foliohq/folio/internal/platform/id"
)

// ErrSessionExpired indicates the web session is gone, expired, or revoked.
var ErrSessionExpired = apperrors.New(apperrors.CodeSessionExpired, "session has expired")

// ErrConfirmationRequired indicates a security-sensitive action was attempted
// outside the password-confirmation freshness window.
var ErrConfirmationRequired = apperrors.New(apperrors.CodeConfirmationRequired, "password confirmation required")

// Config controls session lifetimes.
type Config struct {
	FlowTTL               time.Duration `env:"FOLIO_AUTH_FLOW_TTL"                envDefault:"30m"`
	WebSessionTTL         time.Duration `env:"FOLIO_AUTH_SESSION_TTL"             envDefault:"24h"`
	PasswordConfirmWindow time.Duration `env:"FOLIO_AUTH_PASSWORD_CONFIRM_WINDOW" envDefault:"3h"`
}

// LoadConfigFromEnv returns session configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			FlowTTL:               30 * time.Minute,
			WebSessionTTL:         24 * time.Hour,
			PasswordConfirmWindow: 3 * time.Hour,
		}
	}
	return cfg
}

// Coordinator owns every cross-request slot of authentication state.
type Coordinator struct {
	flows       storage.FlowStore
	sessions    storage.WebSessionStore
	config      Config
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewCoordinator builds a session coordinator over the given stores.
func NewCoordinator(flows storage.FlowStore, sessions storage.WebSessionStore, config Config) *Coordinator {
	if config.FlowTTL <= 0 {
		config.FlowTTL = 30 * time.Minute
	}
	if config.WebSessionTTL <= 0 {
		config.WebSessionTTL = 24 * time.Hour
	}
	if config.PasswordConfirmWindow <= 0 {
		config.PasswordConfirmWindow = 3 * time.Hour
	}
	return &Coordinator{
		flows:       flows,
		sessions:    sessions,
		config:      config,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// SetClock overrides the time source. Test hook.
func (c *Coordinator) SetClock(clock func() time.Time) {
	if clock != nil {
		c.clock = clock
	}
}

// SetIDGenerator overrides identifier generation. Test hook.
func (c *Coordinator) SetIDGenerator(generator func() (string, error)) {
	if generator != nil {
		c.idGenerator = generator
	}
}

// EnsureFlow resolves the flow state for a cookie value, minting a fresh
// state when the value is empty, unknown, or expired.
func (c *Coordinator) EnsureFlow(ctx context.Context, flowID string) (storage.FlowState, error) {
	if flowID != "" {
		state, err := c.flows.GetFlowState(ctx, flowID)
		if err == nil {
			if state.ExpiresAt.After(c.clock().UTC()) {
				return state, nil
			}
			_ = c.flows.DeleteFlowState(ctx, flowID)
		} else if apperrors.GetCode(err) != apperrors.CodeNotFound {
			return storage.FlowState{}, err
		}
	}

	newID, err := c.idGenerator()
	if err != nil {
		return storage.FlowState{}, err
	}
	return storage.FlowState{ID: newID}, nil
}

// SaveFlow persists flow state with a refreshed TTL.
func (c *Coordinator) SaveFlow(ctx context.Context, state storage.FlowState) error {
	state.ExpiresAt = c.clock().UTC().Add(c.config.FlowTTL)
	return c.flows.PutFlowState(ctx, state)
}

// ClearFlow removes all flow slots for a cookie value.
func (c *Coordinator) ClearFlow(ctx context.Context, flowID string) error {
	if flowID == "" {
		return nil
	}
	return c.flows.DeleteFlowState(ctx, flowID)
}

// MarkTwoFactorPending records that the password check passed but the
// two-factor challenge is still outstanding.
func (c *Coordinator) MarkTwoFactorPending(ctx context.Context, state storage.FlowState, userID string, remember bool) (storage.FlowState, error) {
	state.TwoFactorRequired = true
	state.TwoFactorUserID = userID
	state.Remember = remember
	state.TwoFactorVerifiedUserID = ""
	if err := c.SaveFlow(ctx, state); err != nil {
		return storage.FlowState{}, err
	}
	return state, nil
}

// MarkTwoFactorVerified clears the pending slots and records the satisfied
// challenge for the rest of the browser session.
func (c *Coordinator) MarkTwoFactorVerified(ctx context.Context, state storage.FlowState, userID string) (storage.FlowState, error) {
	state.TwoFactorRequired = false
	state.TwoFactorUserID = ""
	state.TwoFactorVerifiedUserID = userID
	if err := c.SaveFlow(ctx, state); err != nil {
		return storage.FlowState{}, err
	}
	return state, nil
}

// MarkPasswordConfirmed stamps the confirmation freshness window.
func (c *Coordinator) MarkPasswordConfirmed(ctx context.Context, state storage.FlowState) (storage.FlowState, error) {
	now := c.clock().UTC()
	state.PasswordConfirmedAt = &now
	if err := c.SaveFlow(ctx, state); err != nil {
		return storage.FlowState{}, err
	}
	return state, nil
}

// RequireFreshConfirmation rejects security-sensitive actions when the last
// password confirmation is missing or older than the configured window.
func (c *Coordinator) RequireFreshConfirmation(state storage.FlowState) error {
	if state.PasswordConfirmedAt == nil {
		return ErrConfirmationRequired
	}
	if c.clock().UTC().Sub(*state.PasswordConfirmedAt) >= c.config.PasswordConfirmWindow {
		return ErrConfirmationRequired
	}
	return nil
}

// PasswordConfirmationFresh reports the freshness window without rejecting.
func (c *Coordinator) PasswordConfirmationFresh(state storage.FlowState) bool {
	return c.RequireFreshConfirmation(state) == nil
}

// IssueWebSession creates the durable authenticated session for a user.
func (c *Coordinator) IssueWebSession(ctx context.Context, userID string) (storage.WebSession, error) {
	sessionID, err := c.idGenerator()
	if err != nil {
		return storage.WebSession{}, err
	}
	now := c.clock().UTC()
	webSession := storage.WebSession{
		ID:        sessionID,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(c.config.WebSessionTTL),
	}
	if err := c.sessions.PutWebSession(ctx, webSession); err != nil {
		return storage.WebSession{}, err
	}
	return webSession, nil
}

// ResolveWebSession returns the session for a cookie value, treating
// expired and revoked sessions as absent.
func (c *Coordinator) ResolveWebSession(ctx context.Context, sessionID string) (storage.WebSession, error) {
	if sessionID == "" {
		return storage.WebSession{}, ErrSessionExpired
	}
	webSession, err := c.sessions.GetWebSession(ctx, sessionID)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeNotFound {
			return storage.WebSession{}, ErrSessionExpired
		}
		return storage.WebSession{}, err
	}
	now := c.clock().UTC()
	if webSession.RevokedAt != nil || !webSession.ExpiresAt.After(now) {
		return storage.WebSession{}, ErrSessionExpired
	}
	return webSession, nil
}

// RevokeWebSession ends a durable session. Unknown sessions are a no-op.
func (c *Coordinator) RevokeWebSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	err := c.sessions.RevokeWebSession(ctx, sessionID, c.clock().UTC())
	if err != nil && apperrors.GetCode(err) != apperrors.CodeNotFound {
		return err
	}
	return nil
}

// Sweep removes expired flow states and web sessions.
func (c *Coordinator) Sweep(ctx context.Context) error {
	now := c.clock().UTC()
	if err := c.flows.DeleteExpiredFlowStates(ctx, now); err != nil {
		return err
	}
	return c.sessions.DeleteExpiredWebSessions(ctx, now)
}
