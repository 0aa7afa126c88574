package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * time.Minute

var errMissingIssuerIdentity = errors.New("token issuer: identity must be provided")

// TokenIssuerConfig configures the connection token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints HS256 connection tokens. It backs the token CLI
// subcommand and test fixtures; production deployments are expected to
// mint tokens from their own identity service using the same secret.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: append([]byte(nil), cfg.SigningSecret...),
			Issuer:        cfg.Issuer,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueConnectionToken produces a signed JWT and its expiry (seconds) for
// the given identity.
func (i *TokenIssuer) IssueConnectionToken(identity string) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, ErrMissingSigningSecret
	}
	trimmed := strings.TrimSpace(identity)
	if trimmed == "" {
		return "", 0, errMissingIssuerIdentity
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := ConnectionClaims{
		Identity: trimmed,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   trimmed,
			Issuer:    i.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, fmt.Errorf("sign connection token: %w", err)
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}
