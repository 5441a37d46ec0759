package jwtauth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, secret string, c claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &c)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestVerifyJWTAccepts(t *testing.T) {
	v := New("s3cret")
	tok := sign(t, "s3cret", claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		SessionID: "sess-1",
	})

	got, err := v.VerifyJWT(context.Background(), tok)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "user-1" || got.SessionID != "sess-1" {
		t.Fatalf("unexpected claims: %+v", got)
	}
}

func TestVerifyJWTRejectsWrongSecret(t *testing.T) {
	v := New("s3cret")
	tok := sign(t, "other", claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	})
	if _, err := v.VerifyJWT(context.Background(), tok); err == nil {
		t.Fatal("want error for wrong secret")
	}
}

func TestVerifyJWTRejectsExpired(t *testing.T) {
	v := New("s3cret")
	tok := sign(t, "s3cret", claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	if _, err := v.VerifyJWT(context.Background(), tok); err == nil {
		t.Fatal("want error for expired token")
	}
}

func TestVerifyJWTRejectsEmpty(t *testing.T) {
	v := New("s3cret")
	if _, err := v.VerifyJWT(context.Background(), ""); err == nil {
		t.Fatal("want error for empty token")
	}
}

func TestVerifyJWTRejectsNoSecretConfigured(t *testing.T) {
	v := New("")
	tok := sign(t, "whatever", claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}})
	if _, err := v.VerifyJWT(context.Background(), tok); err == nil {
		t.Fatal("want error when no secret is configured")
	}
}
