// Package domain contains pure business logic and types.
// No external dependencies allowed - this is the innermost ring of Clean Architecture.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// UserID is a value object representing a unique user identifier.
type UserID struct {
	value string
}

// NewUserID creates a UserID from a raw string, validating it is a valid UUID.
func NewUserID(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return UserID{}, fmt.Errorf("invalid user ID %q: %w", raw, ErrInvalidID)
	}
	return UserID{value: raw}, nil
}

// MustUserID creates a UserID, panicking on invalid input. Use only in tests.
func MustUserID(raw string) UserID {
	id, err := NewUserID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateUserID creates a new random UserID.
func GenerateUserID() UserID {
	return UserID{value: uuid.NewString()}
}

func (id UserID) String() string { return id.value }
func (id UserID) IsZero() bool   { return id.value == "" }

// SessionID is a value object representing a unique verification-session
// identifier, issued by the OTP service on request-code and echoed back by
// the caller on verify-code.
type SessionID struct {
	value string
}

// NewSessionID creates a SessionID from a raw string, validating it is a valid UUID.
func NewSessionID(raw string) (SessionID, error) {
	if raw == "" {
		return SessionID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return SessionID{}, fmt.Errorf("invalid session ID %q: %w", raw, ErrInvalidID)
	}
	return SessionID{value: raw}, nil
}

// MustSessionID creates a SessionID, panicking on invalid input. Use only in tests.
func MustSessionID(raw string) SessionID {
	id, err := NewSessionID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateSessionID creates a new random SessionID.
func GenerateSessionID() SessionID {
	return SessionID{value: uuid.NewString()}
}

func (id SessionID) String() string { return id.value }
func (id SessionID) IsZero() bool   { return id.value == "" }

// DeviceID is a value object representing a client-supplied device
// fingerprint pinned into a refresh token at issuance.
type DeviceID struct {
	value string
}

// NewDeviceID creates a DeviceID from a raw string.
func NewDeviceID(raw string) (DeviceID, error) {
	if raw == "" {
		return DeviceID{}, ErrEmptyID
	}
	return DeviceID{value: raw}, nil
}

// MustDeviceID creates a DeviceID, panicking on invalid input. Use only in tests.
func MustDeviceID(raw string) DeviceID {
	id, err := NewDeviceID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func (id DeviceID) String() string { return id.value }
func (id DeviceID) IsZero() bool   { return id.value == "" }

// RefreshTokenID is a value object identifying a single row in the
// refresh-token chain.
type RefreshTokenID struct {
	value string
}

// NewRefreshTokenID creates a RefreshTokenID from a raw string, validating it is a valid UUID.
func NewRefreshTokenID(raw string) (RefreshTokenID, error) {
	if raw == "" {
		return RefreshTokenID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return RefreshTokenID{}, fmt.Errorf("invalid refresh token ID %q: %w", raw, ErrInvalidID)
	}
	return RefreshTokenID{value: raw}, nil
}

// GenerateRefreshTokenID creates a new random RefreshTokenID.
func GenerateRefreshTokenID() RefreshTokenID {
	return RefreshTokenID{value: uuid.NewString()}
}

func (id RefreshTokenID) String() string { return id.value }
func (id RefreshTokenID) IsZero() bool   { return id.value == "" }

// TokenFamilyID is a value object identifying every refresh token produced
// by a single login and each of its rotations — the unit of
// cascade-revocation on reuse detection.
type TokenFamilyID struct {
	value string
}

// NewTokenFamilyID creates a TokenFamilyID from a raw string, validating it is a valid UUID.
func NewTokenFamilyID(raw string) (TokenFamilyID, error) {
	if raw == "" {
		return TokenFamilyID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return TokenFamilyID{}, fmt.Errorf("invalid token family ID %q: %w", raw, ErrInvalidID)
	}
	return TokenFamilyID{value: raw}, nil
}

// GenerateTokenFamilyID creates a new random TokenFamilyID.
func GenerateTokenFamilyID() TokenFamilyID {
	return TokenFamilyID{value: uuid.NewString()}
}

func (id TokenFamilyID) String() string { return id.value }
func (id TokenFamilyID) IsZero() bool   { return id.value == "" }

// AuditEventID is a value object identifying a single audit log row.
type AuditEventID struct {
	value string
}

// NewAuditEventID creates an AuditEventID from a raw string, validating it is a valid UUID.
func NewAuditEventID(raw string) (AuditEventID, error) {
	if raw == "" {
		return AuditEventID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return AuditEventID{}, fmt.Errorf("invalid audit event ID %q: %w", raw, ErrInvalidID)
	}
	return AuditEventID{value: raw}, nil
}

// GenerateAuditEventID creates a new random AuditEventID.
func GenerateAuditEventID() AuditEventID {
	return AuditEventID{value: uuid.NewString()}
}

func (id AuditEventID) String() string { return id.value }
func (id AuditEventID) IsZero() bool   { return id.value == "" }

// KeyID identifies a single encryption or signing key managed by the key
// manager. Unlike other IDs here it is not necessarily a UUID — rotation
// policies are free to choose their own naming scheme.
type KeyID struct {
	value string
}

// NewKeyID creates a KeyID from a raw string.
func NewKeyID(raw string) (KeyID, error) {
	if raw == "" {
		return KeyID{}, ErrEmptyID
	}
	return KeyID{value: raw}, nil
}

func (id KeyID) String() string { return id.value }
func (id KeyID) IsZero() bool   { return id.value == "" }
