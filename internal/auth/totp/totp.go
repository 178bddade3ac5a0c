// Package totp implements the time-based one-time password lifecycle.
//
// Secrets and recovery codes are sealed with the platform secretbox before
// they reach storage; this package is the only place they are opened.
package totp

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/foliohq/folio/internal/auth/storage"
	"github.com/foliohq/folio/internal/auth/user"
	apperrors "github.com/foliohq/folio/internal/platform/errors"
	"github.com/foliohq/folio/internal/platform/secretbox"
)

const (
	recoveryCodeLength  = 8
	recoveryCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// consumeRetries bounds the compare-and-swap loop when two requests
	// race on the same recovery-code set.
	consumeRetries = 3
)

// ErrAlreadyEnabled indicates two-factor is active and cannot be re-enabled.
var ErrAlreadyEnabled = apperrors.New(apperrors.CodeValidation, "two-factor authentication is already enabled")

// ErrNotEnabled indicates the user has no two-factor secret stored.
var ErrNotEnabled = apperrors.New(apperrors.CodeTwoFactorNotEnabled, "two-factor authentication is not enabled")

// Config controls TOTP issuance.
type Config struct {
	Issuer            string `env:"FOLIO_TOTP_ISSUER"              envDefault:"Folio"`
	RecoveryCodeCount int    `env:"FOLIO_TOTP_RECOVERY_CODE_COUNT" envDefault:"8"`
}

// Enrollment is returned once when two-factor setup begins. The secret and
// codes are shown to the user and never recoverable in plaintext elsewhere.
type Enrollment struct {
	Secret        string
	RecoveryCodes []string
	OTPAuthURL    string
}

// Service drives the per-user two-factor state machine:
// NoTwoFactor -> PendingConfirmation -> Enabled, with Disable returning to
// NoTwoFactor from any state.
type Service struct {
	store  storage.UserStore
	box    *secretbox.Box
	config Config
	clock  func() time.Time
}

// NewService builds a TOTP service over the given user store and secret box.
func NewService(store storage.UserStore, box *secretbox.Box, config Config) *Service {
	if config.Issuer == "" {
		config.Issuer = "Folio"
	}
	if config.RecoveryCodeCount <= 0 {
		config.RecoveryCodeCount = 8
	}
	return &Service{
		store:  store,
		box:    box,
		config: config,
		clock:  time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// GenerateSecret returns a fresh random base32 secret with no side effects.
func (s *Service) GenerateSecret(accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.config.Issuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return key.Secret(), nil
}

// Enable stores a new unconfirmed secret and a fresh recovery-code set.
//
// Two-factor is not active until Confirm succeeds; login keeps ignoring the
// pending secret in the meantime.
func (s *Service) Enable(ctx context.Context, u user.User) (Enrollment, error) {
	if u.HasTwoFactorEnabled() {
		return Enrollment{}, ErrAlreadyEnabled
	}

	secret, err := s.GenerateSecret(u.Email)
	if err != nil {
		return Enrollment{}, err
	}
	codes, err := s.generateRecoveryCodes()
	if err != nil {
		return Enrollment{}, err
	}

	sealedSecret, err := s.box.Seal([]byte(secret))
	if err != nil {
		return Enrollment{}, fmt.Errorf("seal totp secret: %w", err)
	}
	sealedCodes, err := s.sealCodes(codes)
	if err != nil {
		return Enrollment{}, err
	}

	err = s.store.UpdateTwoFactor(ctx, storage.TwoFactorUpdate{
		UserID:          u.ID,
		Secret:          sealedSecret,
		RecoveryCodes:   sealedCodes,
		ConfirmedAt:     nil,
		ExpectedVersion: u.TwoFactorVersion,
		UpdatedAt:       s.clock().UTC(),
	})
	if err != nil {
		return Enrollment{}, err
	}

	return Enrollment{
		Secret:        secret,
		RecoveryCodes: codes,
		OTPAuthURL:    s.KeyURL(u.Email, secret),
	}, nil
}

// Confirm validates a code against the pending secret and activates
// two-factor. Recovery codes rotate on activation so codes leaked during
// setup cannot be replayed later. Returns false without mutation on a bad
// code.
func (s *Service) Confirm(ctx context.Context, u user.User, code string) (bool, error) {
	if u.TwoFactorStatus() != user.TwoFactorPending {
		return false, apperrors.New(apperrors.CodeTwoFactorNotConfirmed, "two-factor setup is not pending confirmation")
	}

	secret, err := s.openSecret(u)
	if err != nil {
		return false, err
	}
	ok, err := s.validateCode(code, secret)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	codes, err := s.generateRecoveryCodes()
	if err != nil {
		return false, err
	}
	sealedCodes, err := s.sealCodes(codes)
	if err != nil {
		return false, err
	}

	now := s.clock().UTC()
	err = s.store.UpdateTwoFactor(ctx, storage.TwoFactorUpdate{
		UserID:          u.ID,
		Secret:          u.TwoFactorSecret,
		RecoveryCodes:   sealedCodes,
		ConfirmedAt:     &now,
		ExpectedVersion: u.TwoFactorVersion,
		UpdatedAt:       now,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Verify checks a login submission against the confirmed secret, falling
// back to consuming a recovery code. A consumed code is removed from the
// stored set before Verify reports success, so resubmission fails.
func (s *Service) Verify(ctx context.Context, u user.User, code string) (bool, error) {
	if !u.HasTwoFactorEnabled() {
		return false, ErrNotEnabled
	}

	secret, err := s.openSecret(u)
	if err != nil {
		return false, err
	}
	ok, err := s.validateCode(code, secret)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	return s.consumeRecoveryCode(ctx, u, code)
}

// Disable clears the secret, recovery codes, and confirmation timestamp
// atomically. Safe to call from any state.
func (s *Service) Disable(ctx context.Context, u user.User) error {
	err := s.store.UpdateTwoFactor(ctx, storage.TwoFactorUpdate{
		UserID:          u.ID,
		Secret:          "",
		RecoveryCodes:   "",
		ConfirmedAt:     nil,
		ExpectedVersion: u.TwoFactorVersion,
		UpdatedAt:       s.clock().UTC(),
	})
	if err != nil {
		return err
	}
	return nil
}

// RegenerateRecoveryCodes replaces the stored set with fresh codes,
// invalidating every previous one.
func (s *Service) RegenerateRecoveryCodes(ctx context.Context, u user.User) ([]string, error) {
	if u.TwoFactorStatus() == user.TwoFactorNone {
		return nil, ErrNotEnabled
	}

	codes, err := s.generateRecoveryCodes()
	if err != nil {
		return nil, err
	}
	sealedCodes, err := s.sealCodes(codes)
	if err != nil {
		return nil, err
	}

	err = s.store.UpdateTwoFactor(ctx, storage.TwoFactorUpdate{
		UserID:          u.ID,
		Secret:          u.TwoFactorSecret,
		RecoveryCodes:   sealedCodes,
		ConfirmedAt:     u.TwoFactorConfirmedAt,
		ExpectedVersion: u.TwoFactorVersion,
		UpdatedAt:       s.clock().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// RecoveryCodes returns the user's remaining recovery codes in plaintext.
func (s *Service) RecoveryCodes(u user.User) ([]string, error) {
	if u.TwoFactorRecoveryCodes == "" {
		return nil, ErrNotEnabled
	}
	return s.openCodes(u.TwoFactorRecoveryCodes)
}

// Secret returns the user's TOTP secret in plaintext for the settings page.
func (s *Service) Secret(u user.User) (string, error) {
	if u.TwoFactorSecret == "" {
		return "", ErrNotEnabled
	}
	return s.openSecret(u)
}

// KeyURL builds the otpauth:// provisioning URL for authenticator apps.
func (s *Service) KeyURL(accountName, secret string) string {
	values := url.Values{}
	values.Set("secret", secret)
	values.Set("issuer", s.config.Issuer)
	values.Set("algorithm", "SHA1")
	values.Set("digits", "6")
	values.Set("period", "30")
	provision := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + s.config.Issuer + ":" + accountName,
		RawQuery: values.Encode(),
	}
	return provision.String()
}

// QRCodePNG renders the provisioning URL as a PNG for the settings page.
func (s *Service) QRCodePNG(accountName, secret string, size int) ([]byte, error) {
	if size <= 0 {
		size = 200
	}
	key, err := otp.NewKeyFromURL(s.KeyURL(accountName, secret))
	if err != nil {
		return nil, fmt.Errorf("parse otpauth url: %w", err)
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, fmt.Errorf("render qr image: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode qr png: %w", err)
	}
	return buf.Bytes(), nil
}

// consumeRecoveryCode removes a matching code from the stored set with a
// compare-and-swap on the two-factor version. Losing the swap means a
// concurrent request mutated the set; the loop re-reads and retries so the
// same code can never be spent twice.
func (s *Service) consumeRecoveryCode(ctx context.Context, u user.User, code string) (bool, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return false, nil
	}

	current := u
	for attempt := 0; attempt < consumeRetries; attempt++ {
		if current.TwoFactorRecoveryCodes == "" {
			return false, nil
		}
		codes, err := s.openCodes(current.TwoFactorRecoveryCodes)
		if err != nil {
			return false, err
		}

		remaining := make([]string, 0, len(codes))
		found := false
		for _, candidate := range codes {
			if !found && candidate == normalized {
				found = true
				continue
			}
			remaining = append(remaining, candidate)
		}
		if !found {
			return false, nil
		}

		sealedCodes, err := s.sealCodes(remaining)
		if err != nil {
			return false, err
		}
		err = s.store.UpdateTwoFactor(ctx, storage.TwoFactorUpdate{
			UserID:          current.ID,
			Secret:          current.TwoFactorSecret,
			RecoveryCodes:   sealedCodes,
			ConfirmedAt:     current.TwoFactorConfirmedAt,
			ExpectedVersion: current.TwoFactorVersion,
			UpdatedAt:       s.clock().UTC(),
		})
		if err == nil {
			return true, nil
		}
		if apperrors.GetCode(err) != apperrors.CodeVersionConflict {
			return false, err
		}

		current, err = s.store.GetUser(ctx, u.ID)
		if err != nil {
			return false, err
		}
	}
	return false, storage.ErrVersionConflict
}

func (s *Service) validateCode(code, secret string) (bool, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return false, nil
	}
	ok, err := totp.ValidateCustom(trimmed, secret, s.clock().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		// Wrong-length input is a mismatch, not a failure; recovery
		// codes flow through here before their own check.
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, fmt.Errorf("validate totp code: %w", err)
	}
	return ok, nil
}

func (s *Service) openSecret(u user.User) (string, error) {
	raw, err := s.box.Open(u.TwoFactorSecret)
	if err != nil {
		return "", fmt.Errorf("open totp secret: %w", err)
	}
	return string(raw), nil
}

func (s *Service) openCodes(sealed string) ([]string, error) {
	raw, err := s.box.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open recovery codes: %w", err)
	}
	var codes []string
	if err := json.Unmarshal(raw, &codes); err != nil {
		return nil, fmt.Errorf("decode recovery codes: %w", err)
	}
	return codes, nil
}

func (s *Service) sealCodes(codes []string) (string, error) {
	payload, err := json.Marshal(codes)
	if err != nil {
		return "", fmt.Errorf("encode recovery codes: %w", err)
	}
	sealed, err := s.box.Seal(payload)
	if err != nil {
		return "", fmt.Errorf("seal recovery codes: %w", err)
	}
	return sealed, nil
}

func (s *Service) generateRecoveryCodes() ([]string, error) {
	codes := make([]string, 0, s.config.RecoveryCodeCount)
	for i := 0; i < s.config.RecoveryCodeCount; i++ {
		code, err := generateRecoveryCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func generateRecoveryCode() (string, error) {
	raw := make([]byte, recoveryCodeLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	out := make([]byte, recoveryCodeLength)
	for i, b := range raw {
		out[i] = recoveryCodeCharset[int(b)%len(recoveryCodeCharset)]
	}
	return string(out), nil
}
