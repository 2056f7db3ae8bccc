package domain

import "time"

// User is the identity record created on first successful OTP verification
// (when registration is enabled) and updated on each subsequent login.
type User struct {
	ID          UserID
	PhoneHash   string
	CountryCode CountryCode
	UserType    UserType // zero value means unset; write-once per §3
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt time.Time
	IsVerified  bool
	IsBlocked   bool
}

// HasUserType reports whether the user has already selected a role.
// select-user-type only succeeds while this is false (§4.10).
func (u User) HasUserType() bool {
	return u.UserType != ""
}

// VerificationCode is the short-lived OTP credential. The plaintext Code
// field is populated only transiently inside the OTP service; at rest it
// is replaced by KeyID/Nonce/Ciphertext.
type VerificationCode struct {
	SessionID    SessionID
	Phone        PhoneNumber
	Code         string // decrypted form, held only in memory
	CreatedAt    time.Time
	ExpiresAt    time.Time
	AttemptCount int
	IsUsed       bool
	KeyID        KeyID
	Nonce        []byte
	Ciphertext   []byte
}

// IsActive reports whether this code can still be presented for
// verification: not expired, not used, attempts below the max.
func (c VerificationCode) IsActive(now time.Time, maxAttempts int) bool {
	return !c.IsUsed && now.Before(c.ExpiresAt) && c.AttemptCount < maxAttempts
}

// RefreshTokenRecord is a single row in a refresh-token family's rotation
// chain. Reuse of a revoked token, or a mismatched device fingerprint,
// revokes every row sharing the same TokenFamily (§3, §4.9).
type RefreshTokenRecord struct {
	ID                RefreshTokenID
	UserID            UserID
	TokenHash         string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	IsRevoked         bool
	TokenFamily       TokenFamilyID
	DeviceFingerprint string // empty means unset/unbound
	PreviousTokenID   RefreshTokenID
}

// IsValid reports whether the token can still be exchanged: not expired,
// not revoked.
func (r RefreshTokenRecord) IsValid(now time.Time) bool {
	return !r.IsRevoked && now.Before(r.ExpiresAt)
}

// EventType enumerates the audit vocabulary of §4.6.
type EventType string

const (
	EventSendCodeSuccess        EventType = "SendCodeSuccess"
	EventSendCodeFailure        EventType = "SendCodeFailure"
	EventVerifyCodeSuccess      EventType = "VerifyCodeSuccess"
	EventVerifyCodeFailure      EventType = "VerifyCodeFailure"
	EventLoginSuccess           EventType = "LoginSuccess"
	EventLoginFailure           EventType = "LoginFailure"
	EventLogout                 EventType = "Logout"
	EventTokenRefresh           EventType = "TokenRefresh"
	EventTokenRevoked           EventType = "TokenRevoked"
	EventRateLimitExceeded      EventType = "RateLimitExceeded"
	EventRateLimitPhoneExceeded EventType = "RateLimitPhoneExceeded"
	EventRateLimitIPExceeded    EventType = "RateLimitIpExceeded"
	EventAccountLocked          EventType = "AccountLocked"
	EventSuspiciousActivity     EventType = "SuspiciousActivity"
	EventInvalidTokenUsage      EventType = "InvalidTokenUsage"
)

// AuditEvent is an append-only security event record (§3). Once persisted,
// every field but Archived/ArchivedAt is immutable.
type AuditEvent struct {
	ID            AuditEventID
	CreatedAt     time.Time
	EventType     EventType
	UserID        UserID // zero value if not tied to a user
	PhoneMasked   string
	PhoneHash     string
	IPAddress     string
	UserAgent     string
	DeviceInfo    string
	Success       bool
	Action        string
	ErrorMessage  string
	FailureReason string
	TokenID       string
	RateLimitType string
	EventData     map[string]any
	Archived      bool
	ArchivedAt    time.Time
}

// RateLimitOutcome is the result of a sliding-window Check (§4.5).
type RateLimitOutcome struct {
	Allowed     bool
	Remaining   int
	Limit       int
	Window      time.Duration
	RetryAfter  time.Duration
	LockReason  string
}

// LimitStatus describes one sliding-window counter's current state, as
// surfaced by statusPhone/statusIp (§4.5).
type LimitStatus struct {
	Type    string
	Current int
	Limit   int
	Window  time.Duration
}

// IdentifierStatus is the aggregate rate-limit/lock status for a phone or
// IP identifier (§4.5 auxiliary operations).
type IdentifierStatus struct {
	Identifier      string
	IsLocked        bool
	LockTTL         time.Duration
	Limits          []LimitStatus
	FailedAttempts  int
	Threshold       int
}
