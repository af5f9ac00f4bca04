package leases

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// NewToken returns a random 32 character hex token.
func NewToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("leases: generate token: %w", err)
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// Fingerprint identifies a token without revealing it.
//
//	fingerprint = hex(sha3-256(token)[:8])
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
