package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/arklim/esign-sessions/internal/core/port"
)

const refreshHashInfo = "esign-sessions/refresh-token-hash/v1"

// RefreshHasher digests refresh tokens before they are stored. Without a key it
// produces plain SHA-256 hex; with a key it produces HMAC-SHA256 hex using a
// subkey derived from the configured material.
type RefreshHasher struct {
	key []byte
}

// NewRefreshHasher derives the HMAC subkey from keyMaterial. Empty material
// selects the unkeyed SHA-256 digest.
func NewRefreshHasher(keyMaterial []byte) (*RefreshHasher, error) {
	if len(keyMaterial) == 0 {
		return &RefreshHasher{}, nil
	}

	key := make([]byte, sha256.Size)
	reader := hkdf.New(sha256.New, keyMaterial, nil, []byte(refreshHashInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive refresh hash key: %w", err)
	}

	return &RefreshHasher{key: key}, nil
}

// Keyed reports whether the hasher uses HMAC.
func (h *RefreshHasher) Keyed() bool {
	return len(h.key) > 0
}

// Hash returns the lowercase hex digest of token.
func (h *RefreshHasher) Hash(token string) string {
	if len(h.key) == 0 {
		return HashToken(token)
	}
	mac := hmac.New(sha256.New, h.key)
	_, _ = mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares the digest of token against storedHash in constant time.
func (h *RefreshHasher) Equal(token, storedHash string) bool {
	storedHash = strings.ToLower(strings.TrimSpace(storedHash))
	if token == "" || storedHash == "" {
		return false
	}
	computed := h.Hash(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

var _ port.RefreshTokenHasher = (*RefreshHasher)(nil)
