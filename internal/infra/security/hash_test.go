package security

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestRefreshHasherUnkeyedMatchesSHA256(t *testing.T) {
	hasher, err := NewRefreshHasher(nil)
	if err != nil {
		t.Fatalf("NewRefreshHasher returned error: %v", err)
	}

	token := "refresh-token-value"
	if got := hasher.Hash(token); got != HashToken(token) {
		t.Fatalf("expected unkeyed hash to equal sha256 hex, got %s", got)
	}
	if hasher.Keyed() {
		t.Fatalf("expected unkeyed hasher")
	}
}

func TestRefreshHasherKeyedDiffersAndCompares(t *testing.T) {
	hasher, err := NewRefreshHasher([]byte("pepper-material"))
	if err != nil {
		t.Fatalf("NewRefreshHasher returned error: %v", err)
	}

	token := "refresh-token-value"
	digest := hasher.Hash(token)
	if digest == HashToken(token) {
		t.Fatalf("expected keyed digest to differ from plain sha256")
	}
	if len(digest) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(digest))
	}
	if !hasher.Equal(token, strings.ToUpper(digest)) {
		t.Fatalf("expected digest comparison to be case-insensitive")
	}
	if hasher.Equal("other-token", digest) {
		t.Fatalf("expected mismatch for different token")
	}
	if hasher.Equal("", digest) || hasher.Equal(token, "") {
		t.Fatalf("expected empty inputs to never match")
	}
}

func TestGenerateSecureTokenUnique(t *testing.T) {
	first, err := NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID returned error: %v", err)
	}
	second, err := NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID returned error: %v", err)
	}
	if first == second {
		t.Fatalf("expected unique session ids")
	}
	raw, err := base64.RawURLEncoding.DecodeString(first)
	if err != nil {
		t.Fatalf("session id is not raw url base64: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("expected 32 bytes of entropy, got %d", len(raw))
	}
	if _, err := GenerateSecureToken(0); err == nil {
		t.Fatalf("expected error for non-positive length")
	}
}
