package security

import (
	"testing"
	"time"
)

func TestJWTManagerRoundTrip(t *testing.T) {
	m := NewJWTManager("pairing", "tv", "access-secret", "refresh-secret")
	access, err := m.SignAccessToken("user-1", "viewer@example.com", time.Minute)
	if err != nil {
		t.Fatalf("sign access: %v", err)
	}
	claims, err := m.ParseAccessToken(access)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "viewer@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	refresh, err := m.SignRefreshToken("user-1", time.Hour)
	if err != nil {
		t.Fatalf("sign refresh: %v", err)
	}
	if _, err := m.ParseAccessToken(refresh); err == nil {
		t.Fatal("expected refresh token to be rejected as access token")
	}
	if _, err := m.ParseRefreshToken(refresh); err != nil {
		t.Fatalf("parse refresh: %v", err)
	}
}

func TestJWTManagerRejectsExpired(t *testing.T) {
	m := NewJWTManager("pairing", "tv", "a", "r")
	tok, err := m.SignAccessToken("user-1", "", -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := m.ParseAccessToken(tok); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestJWTManagerRequiresSubject(t *testing.T) {
	m := NewJWTManager("pairing", "tv", "a", "r")
	if _, err := m.SignAccessToken("", "x@example.com", time.Minute); err == nil {
		t.Fatal("expected error for empty subject")
	}
}

func TestPasswordHashing(t *testing.T) {
	if _, err := HashPassword("short"); err != ErrPasswordTooShort {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPassword(hash, "correct horse") {
		t.Fatal("expected password to verify")
	}
	if CheckPassword(hash, "wrong horse") || CheckPassword("", "correct horse") {
		t.Fatal("expected mismatch")
	}
}
