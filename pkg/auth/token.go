// Package auth implements the credential checks guarding the privileged IPC surface.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/morezero/device-bridge/pkg/command"
)

// TokenBytes is the entropy of a generated token (256 bits).
const TokenBytes = 32

// MinTokenHexLen is the shortest accepted token: 128 bits, hex-encoded.
const MinTokenHexLen = 32

// ValidateToken checks that a configured token is hex and carries at least 128 bits.
func ValidateToken(token string) error {
	if len(token) < MinTokenHexLen {
		return command.Failure(command.CodeInvalidArgument,
			fmt.Sprintf("token must be at least %d hex characters, got %d", MinTokenHexLen, len(token)))
	}
	if _, err := hex.DecodeString(token); err != nil {
		return command.Failure(command.CodeInvalidArgument, "token must be hex-encoded")
	}
	return nil
}

// GenerateToken returns a fresh hex-encoded random token.
func GenerateToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%s - generate token: %w", logPrefix, err)
	}
	return hex.EncodeToString(buf), nil
}

// TokensEqual compares two tokens in time independent of where they differ.
// Only a length mismatch returns early.
func TokensEqual(presented, expected string) bool {
	if len(presented) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
