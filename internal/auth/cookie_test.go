package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testCookieSecret = "test-session-secret-32bytes-long!"

func TestCookieSigner_SignAndVerify(t *testing.T) {
	signer := NewCookieSigner(testCookieSecret)

	value, err := signer.Sign("session-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	if strings.Contains(value, "session-1") {
		t.Error("cookie value should not contain the raw session id")
	}

	id, err := signer.Verify(value)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if id != "session-1" {
		t.Errorf("session id = %q, want %q", id, "session-1")
	}
}

func TestCookieSigner_Verify_WrongKey(t *testing.T) {
	value, _ := NewCookieSigner(testCookieSecret).Sign("session-1", time.Now().Add(time.Hour))

	other := NewCookieSigner("another-secret-that-is-32-bytes!!")
	if _, err := other.Verify(value); !errors.Is(err, ErrInvalidCookie) {
		t.Errorf("expected ErrInvalidCookie, got %v", err)
	}
}

func TestCookieSigner_Verify_Expired(t *testing.T) {
	signer := NewCookieSigner(testCookieSecret)
	base := time.Now()
	signer.now = func() time.Time { return base }

	value, _ := signer.Sign("session-1", base.Add(time.Minute))

	signer.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := signer.Verify(value); !errors.Is(err, ErrInvalidCookie) {
		t.Errorf("expected ErrInvalidCookie for expired cookie, got %v", err)
	}
}

func TestCookieSigner_Verify_Tampered(t *testing.T) {
	signer := NewCookieSigner(testCookieSecret)
	value, _ := signer.Sign("session-1", time.Now().Add(time.Hour))

	tests := []string{
		"",
		"not-a-jwt",
		value + "x",
		strings.Replace(value, ".", "..", 1),
	}
	for _, v := range tests {
		if _, err := signer.Verify(v); err == nil {
			t.Errorf("Verify(%q) should fail", v)
		}
	}
}
