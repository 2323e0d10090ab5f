// Package auth issues and validates the HS256 session tokens that guard the local HTTP API.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "bearer "

var (
	ErrMissingSessionCookieName = errors.New("auth: cookie name required")
	ErrMissingSessionToken      = errors.New("auth: token required")
	ErrInvalidSessionToken      = errors.New("auth: invalid token")
	ErrExpiredSessionToken      = errors.New("auth: token expired")
	ErrMissingSessionSubject    = errors.New("auth: subject required")
)

// SessionClaims is the payload of a local session token.
type SessionClaims struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig describes how session tokens are checked.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator validates tokens minted by TokenIssuer.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie consulted when no bearer token is present.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken parses the token and returns its claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(*jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithIssuer(v.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.UserID) == "" || claims.Subject != claims.UserID {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return *claims, nil
}

// ValidateRequest reads a bearer token from the Authorization header, falling
// back to the session cookie.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return v.ValidateToken(header[len(bearerPrefix):])
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil || cookie == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(cookie.Value)
}
