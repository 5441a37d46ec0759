// Package jwtauth is a reference contracts.AuthVerifier: it validates the
// bearer JWT carried on a WebSocket upgrade's ?token= query parameter and
// extracts the claims sessionx needs. Real deployments are expected to
// swap this for whatever issues the token (an external auth service), but
// the shape - header/query extraction, 401 on anything wrong - is kept
// from the teacher's own placeholder bearer-token middleware.
package jwtauth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sshmux/sshmux/internal/contracts"
)

// Verifier validates HS256 JWTs signed with a single shared secret.
type Verifier struct {
	secret []byte
}

// New returns a Verifier keyed on secret. An empty secret is accepted so
// tests can exercise the failure paths, but VerifyJWT always rejects
// tokens in that configuration.
func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

type claims struct {
	jwt.RegisteredClaims
	SessionID   string `json:"sid,omitempty"`
	PendingTOTP bool   `json:"pending_totp,omitempty"`
}

// VerifyJWT implements contracts.AuthVerifier.
func (v *Verifier) VerifyJWT(ctx context.Context, token string) (contracts.JWTClaims, error) {
	if len(v.secret) == 0 {
		return contracts.JWTClaims{}, fmt.Errorf("jwtauth: no secret configured")
	}
	if token == "" {
		return contracts.JWTClaims{}, fmt.Errorf("jwtauth: empty token")
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("jwtauth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return contracts.JWTClaims{}, fmt.Errorf("jwtauth: %w", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return contracts.JWTClaims{}, fmt.Errorf("jwtauth: invalid token")
	}
	if c.Subject == "" {
		return contracts.JWTClaims{}, fmt.Errorf("jwtauth: token carries no subject")
	}

	return contracts.JWTClaims{
		UserID:      c.Subject,
		SessionID:   c.SessionID,
		PendingTOTP: c.PendingTOTP,
	}, nil
}
