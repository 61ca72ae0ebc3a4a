package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionTTL = 30 * time.Minute

	tokenIssuer   = "inkstone-store"
	tokenAudience = "inkstone-writer"
)

var (
	errMissingSigningSecret = errors.New("session: signing secret must be provided")
	errMissingClientName    = errors.New("session: client name must be provided")
)

// IssuerConfig configures the writer-session token issuer.
type IssuerConfig struct {
	SigningSecret []byte
	SessionTTL    time.Duration
	Clock         func() time.Time
}

// Issuer grants and validates writer-session tokens. Edits are only accepted
// from holders of a live session token.
type Issuer struct {
	config IssuerConfig
	clock  func() time.Time
}

// NewIssuer constructs an Issuer with sane defaults.
func NewIssuer(config IssuerConfig) *Issuer {
	ttl := config.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Issuer{
		config: IssuerConfig{
			SigningSecret: config.SigningSecret,
			SessionTTL:    ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// Issue produces a signed session token and its lifetime in seconds for the
// named client.
func (issuer *Issuer) Issue(_ context.Context, clientName string) (string, int64, error) {
	if len(issuer.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if clientName == "" {
		return "", 0, errMissingClientName
	}

	now := issuer.clock().UTC()
	expiresAt := now.Add(issuer.config.SessionTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   clientName,
		Issuer:    tokenIssuer,
		Audience:  []string{tokenAudience},
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

// Validate ensures a session token is live and returns the client name.
func (issuer *Issuer) Validate(tokenString string) (string, error) {
	if len(issuer.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
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
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(issuer.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingClientName
	}
	return claims.Subject, nil
}
