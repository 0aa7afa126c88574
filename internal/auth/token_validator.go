package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningSecret = errors.New("token validator: signing secret required")
	ErrMissingIssuer        = errors.New("token validator: issuer required")
	ErrMissingToken         = errors.New("token validator: token required")
	ErrInvalidToken         = errors.New("token validator: invalid token")
	ErrExpiredToken         = errors.New("token validator: token expired")
	ErrMissingIdentity      = errors.New("token validator: identity required")
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	tokenQueryParam     = "token"
)

// ConnectionClaims is the JWT payload presented when opening a sync
// connection. Identity is the stable id access grants are keyed on.
type ConnectionClaims struct {
	Identity string `json:"identity"`
	jwt.RegisteredClaims
}

// TokenValidatorConfig describes how to validate connection tokens.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// TokenValidator validates HS256 connection tokens.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewTokenValidator constructs a validator with the provided configuration.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *TokenValidator) ValidateToken(tokenString string) (ConnectionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return ConnectionClaims{}, ErrMissingToken
	}

	claims := &ConnectionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ConnectionClaims{}, ErrExpiredToken
		}
		return ConnectionClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return ConnectionClaims{}, ErrInvalidToken
	}
	if claims.Issuer != v.issuer {
		return ConnectionClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Identity) == "" {
		return ConnectionClaims{}, ErrMissingIdentity
	}
	return *claims, nil
}

// ValidateRequest pulls the connection token from the Authorization header
// or, for browser websocket clients that cannot set headers, the token
// query parameter.
func (v *TokenValidator) ValidateRequest(r *http.Request) (ConnectionClaims, error) {
	if r == nil {
		return ConnectionClaims{}, ErrMissingToken
	}
	if header := strings.TrimSpace(r.Header.Get(authorizationHeader)); header != "" {
		if strings.HasPrefix(header, bearerPrefix) {
			return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
		}
		return ConnectionClaims{}, ErrInvalidToken
	}
	if token := strings.TrimSpace(r.URL.Query().Get(tokenQueryParam)); token != "" {
		return v.ValidateToken(token)
	}
	return ConnectionClaims{}, ErrMissingToken
}
