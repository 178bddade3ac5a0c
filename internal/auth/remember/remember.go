// Package remember mints and verifies long-lived remember-me tokens.
package remember

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	"github.com/foliohq/folio/internal/platform/id"
)

// Config controls remember-me token issuance. Tokens stay disabled until a
// signing secret is configured.
type Config struct {
	Secret string        `env:"FOLIO_REMEMBER_TOKEN_SECRET"`
	Issuer string        `env:"FOLIO_REMEMBER_TOKEN_ISSUER" envDefault:"folio-auth"`
	TTL    time.Duration `env:"FOLIO_REMEMBER_TOKEN_TTL"    envDefault:"720h"`
}

// LoadConfigFromEnv returns remember-me configuration.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{Issuer: "folio-auth", TTL: 720 * time.Hour}
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "folio-auth"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 720 * time.Hour
	}
	return cfg
}

// Minter signs and verifies remember-me tokens with an HMAC key.
type Minter struct {
	config Config
	clock  func() time.Time
}

// NewMinter builds a minter; it fails when no signing secret is configured.
func NewMinter(config Config) (*Minter, error) {
	if strings.TrimSpace(config.Secret) == "" {
		return nil, fmt.Errorf("remember token secret is required")
	}
	if config.TTL <= 0 {
		config.TTL = 720 * time.Hour
	}
	return &Minter{config: config, clock: time.Now}, nil
}

// SetClock overrides the time source. Test hook.
func (m *Minter) SetClock(clock func() time.Time) {
	if clock != nil {
		m.clock = clock
	}
}

// Mint issues a signed token binding the remember cookie to a user.
func (m *Minter) Mint(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id is required")
	}
	jti, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}
	now := m.clock().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    m.config.Issuer,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", fmt.Errorf("sign remember token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns the user it was minted for.
func (m *Minter) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(m.config.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithTimeFunc(func() time.Time { return m.clock().UTC() }),
	)
	if err != nil {
		return "", fmt.Errorf("parse remember token: %w", err)
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("remember token is not valid")
	}
	return claims.Subject, nil
}
