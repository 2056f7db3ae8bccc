package authcrypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"
)

// KeyProvider supplies the symmetric keys used to seal and open OTP
// envelopes. Implemented by internal/keymanager, which rotates keys and
// persists their metadata.
type KeyProvider interface {
	// ActiveKey returns the key currently used for new encryptions, along
	// with the key ID it must be tagged with.
	ActiveKey(ctx context.Context) (keyID string, key []byte, err error)
	// Key returns the raw key bytes for a previously used key ID, so that
	// codes encrypted before the most recent rotation can still be opened.
	Key(ctx context.Context, keyID string) ([]byte, error)
}

// OTPCipher seals and opens one-time-password codes with AES-256-GCM,
// tagging each envelope with the ID of the key used so rotation never
// invalidates codes already in flight.
type OTPCipher struct {
	keys KeyProvider
}

// NewOTPCipher constructs an OTPCipher backed by the given key provider.
func NewOTPCipher(keys KeyProvider) *OTPCipher {
	return &OTPCipher{keys: keys}
}

// Envelope is the at-rest representation of an encrypted OTP code.
type Envelope struct {
	KeyID      string
	Nonce      []byte
	Ciphertext []byte
}

// Seal encrypts plaintext (the OTP code) under the currently active key.
func (c *OTPCipher) Seal(ctx context.Context, plaintext string) (Envelope, error) {
	keyID, key, err := c.keys.ActiveKey(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("load active encryption key: %w", err)
	}

	aead, err := newGCM(key)
	if err != nil {
		return Envelope{}, err
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return Envelope{}, err
	}

	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), []byte(keyID))
	return Envelope{KeyID: keyID, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Open decrypts an envelope back into the plaintext OTP code, fetching the
// key named by the envelope rather than assuming the currently active one.
func (c *OTPCipher) Open(ctx context.Context, env Envelope) (string, error) {
	key, err := c.keys.Key(ctx, env.KeyID)
	if err != nil {
		return "", fmt.Errorf("load encryption key %q: %w", env.KeyID, err)
	}

	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(env.KeyID))
	if err != nil {
		return "", fmt.Errorf("decrypt OTP envelope: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("construct AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// ConstantTimeEqual compares two OTP code strings without leaking timing
// information about where they first differ.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
