package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultIssuer is the iss claim of every token minted for the local API.
	DefaultIssuer   = "framemark"
	defaultTokenTTL = 12 * time.Hour
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingUserID        = errors.New("auth: user id required")
)

// TokenIssuerConfig configures the local session token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints HS256 session tokens bound to a local user id.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer validates cfg and fills defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue returns a signed token for the local user and its expiry.
func (i *TokenIssuer) Issue(userID, userName string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, ErrMissingUserID
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := SessionClaims{
		UserID:   userID,
		UserName: strings.TrimSpace(userName),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
