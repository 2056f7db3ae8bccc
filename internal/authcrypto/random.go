// Package authcrypto centralizes the cryptographically random values and
// the symmetric encryption used to protect OTP codes at rest.
package authcrypto

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

var otpMax = big.NewInt(1_000_000) // 10^6 for 6-digit OTP

// GenerateOTP generates a cryptographically random 6-digit OTP.
// Uses crypto/rand with rejection sampling (via big.Int) to avoid modulo bias.
// The OTP is zero-padded (e.g., "000123").
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpMax)
	if err != nil {
		return "", fmt.Errorf("generate OTP: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// GenerateKey returns a new random 32-byte AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}
	return key, nil
}

// GenerateNonce returns a new random 12-byte GCM nonce.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// GenerateID returns a new random UUID, used for session/event/key
// identifiers that don't need the domain package's value-object wrapping.
func GenerateID() string {
	return uuid.NewString()
}
