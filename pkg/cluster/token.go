package cluster

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// GenerateToken returns a random cluster validation token. Nodes ignore sync
// messages that do not carry their cluster's token.
func GenerateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// tokenMatches compares in constant time. An empty expected token accepts
// everything so clusters created without one keep working.
func tokenMatches(expected, got string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
