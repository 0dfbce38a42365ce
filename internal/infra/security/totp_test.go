package security

import (
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

const testTOTPSecret = "JBSWY3DPEHPK3PXP"

func TestTOTPVerifierAcceptsCurrentCode(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	verifier := NewTOTPVerifier(TOTPOptions{Skew: 1}).WithClock(func() time.Time { return now })

	code, err := totp.GenerateCode(testTOTPSecret, now)
	if err != nil {
		t.Fatalf("GenerateCode returned error: %v", err)
	}

	ok, err := verifier.Validate(code, testTOTPSecret)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected current code to validate")
	}
}

func TestTOTPVerifierRejectsStaleCode(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	verifier := NewTOTPVerifier(TOTPOptions{}).WithClock(func() time.Time { return now })

	code, err := totp.GenerateCode(testTOTPSecret, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("GenerateCode returned error: %v", err)
	}

	ok, err := verifier.Validate(code, testTOTPSecret)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected stale code to be rejected")
	}
}

func TestTOTPVerifierMalformedInput(t *testing.T) {
	verifier := NewTOTPVerifier(TOTPOptions{})

	ok, err := verifier.Validate("12", testTOTPSecret)
	if err != nil || ok {
		t.Fatalf("expected short code to be invalid without error, got ok=%v err=%v", ok, err)
	}

	if _, err := verifier.Validate("123456", ""); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}
