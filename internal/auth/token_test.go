package auth

import (
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	secret := []byte("test-secret")
	token, err := Generate(secret, "desk-1", time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	claims, err := Parse(secret, token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.ClientID != "desk-1" {
		t.Errorf("expected client id desk-1, got %s", claims.ClientID)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := Generate([]byte("right"), "desk-1", time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := Parse([]byte("wrong"), token); err == nil {
		t.Fatal("expected verification failure")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	secret := []byte("s")
	token, err := Generate(secret, "desk-1", -time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := Parse(secret, token); err == nil {
		t.Fatal("expected expired token rejected")
	}
}

func TestExpiryWithoutSecret(t *testing.T) {
	token, err := Generate([]byte("secret"), "desk-1", time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	exp, err := Expiry(token)
	if err != nil {
		t.Fatalf("Expiry: %v", err)
	}
	remaining := time.Until(exp)
	if remaining < 59*time.Minute || remaining > 61*time.Minute {
		t.Errorf("expected roughly one hour of validity, got %s", remaining)
	}
}

func TestExpiryRejectsGarbage(t *testing.T) {
	if _, err := Expiry("not-a-token"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
