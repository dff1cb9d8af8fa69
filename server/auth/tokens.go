package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// NewAgentToken mints a random agent credential. The raw form goes back
// to the agent exactly once; only the hash is ever stored.
func NewAgentToken() (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate agent token: %w", err)
	}
	raw = hex.EncodeToString(buf)
	return raw, HashAgentToken(raw), nil
}

// HashAgentToken maps a presented token to its storage form.
func HashAgentToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
