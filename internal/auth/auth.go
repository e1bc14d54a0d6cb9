package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCostFactor = 12

// HashSecret generates a bcrypt hash for an SMPP password or API key, for
// operators who prefer not to keep plaintext in the key file.
func HashSecret(secret string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCostFactor)
	if err != nil {
		slog.Error("Failed to generate bcrypt hash", slog.Any("error", err))
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hashedBytes), nil
}

// isBcryptHash reports whether stored looks like a bcrypt hash.
func isBcryptHash(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$")
}

// CheckSecret compares a presented secret with the stored value, which is
// either plaintext or a bcrypt hash.
func CheckSecret(presented, stored string) bool {
	if stored == "" {
		return false
	}
	if !isBcryptHash(stored) {
		return subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1
	}
	err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented))
	if err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			slog.Warn("Error comparing secret hash", slog.Any("error", err))
		}
		return false
	}
	return true
}
