// Package auth issues and validates the HS256 tokens sockets and the notify
// API authenticate with.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
	defaultIssuer   = "tidepool"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubject       = errors.New("subject must be provided")
)

// TokenIssuerConfig configures the token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints and validates HS256 access tokens.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.Clock = clock
	return &TokenIssuer{config: cfg, clock: clock}
}

// Issue produces a signed token and its lifetime in seconds for the subject.
func (issuer *TokenIssuer) Issue(subject string) (string, int64, error) {
	if len(issuer.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if subject == "" {
		return "", 0, errMissingSubject
	}

	now := issuer.clock().UTC()
	expiresAt := now.Add(issuer.config.TokenTTL).UTC()
	registered := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(issuer.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate checks the token and returns the claim map handed to filter hooks
// as the socket's auth token.
func (issuer *TokenIssuer) Validate(tokenString string) (map[string]any, error) {
	if len(issuer.config.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return issuer.config.SigningSecret, nil
		},
		jwt.WithIssuer(issuer.config.Issuer),
		jwt.WithTimeFunc(issuer.clock),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errMissingSubject
	}
	token := map[string]any{
		"sub": claims.Subject,
		"iss": claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		token["exp"] = claims.ExpiresAt.Unix()
	}
	return token, nil
}
