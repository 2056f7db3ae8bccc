package domain

import "time"

// Defaults for the OTP lifecycle, rate limiting, token issuance, and audit
// retention. All are compiled constants: the service reads them directly,
// and the configuration loaded by internal/config does not override them.
const (
	// OTP (§4.8)
	OTPCodeLength        = 6
	OTPValidityDuration  = 5 * time.Minute
	MaxOTPVerifyAttempts = 3
	ResendCooldown       = 60 * time.Second

	// Progressive delay on verification (§4.8 step 3): base 500ms, doubled
	// per prior failed attempt on the current OTP code (the record's
	// attempt count, not the failed-attempts window), capped at 10s.
	ProgressiveDelayBase = 500 * time.Millisecond
	ProgressiveDelayCap  = 10 * time.Second

	// Rate limits (§4.5)
	SMSPerPhoneLimit     = 3
	SMSPerPhoneWindow    = 1 * time.Hour
	VerifyIPLimit        = 10
	VerifyIPWindow       = 1 * time.Hour
	GenericAPIPerIPLimit = 60
	GenericAPIPerIPWindow = 1 * time.Minute
	VerifyPhoneLimit     = 3
	VerifyPhoneWindow    = 5 * time.Minute
	FailedAttemptsWindow = 1 * time.Hour

	// FailedAttemptsThreshold is how many failures within
	// FailedAttemptsWindow are tolerated; the next failure past it triggers
	// an account/IP lock, independent of MaxOTPVerifyAttempts's per-code
	// counter.
	FailedAttemptsThreshold = 5

	// AccountLockDuration is the single configured lock duration chosen
	// per §9's open question (the source carried both a 30m and a 60m
	// value for the same concept) — see DESIGN.md for the decision record.
	AccountLockDuration = 30 * time.Minute

	// Token configuration (§4.9, §6)
	AccessTokenLifetime  = 15 * time.Minute
	RefreshTokenLifetime = 7 * 24 * time.Hour
	RevokedFamilyRetention = 30 * 24 * time.Hour

	// Timeout contracts (§5)
	PostgresTimeout = 5 * time.Second
	RedisTimeout    = 5 * time.Second
	SMSTimeout      = 30 * time.Second

	// Graceful shutdown
	GracefulShutdownTimeout = 30 * time.Second
	ShutdownDrainDelay      = 5 * time.Second
	ShutdownHTTPTimeout     = 10 * time.Second
	ShutdownOTELTimeout     = 5 * time.Second

	// Audit retention (§4.6)
	AuditArchiveAfter = 90 * 24 * time.Hour
	AuditDeleteAfter  = 7 * 24 * time.Hour

	// Attack detector (§4.7)
	AttackDetectorWindow              = 10 * time.Minute
	CredentialStuffingIPThreshold     = 5
	SubnetAttackIPThreshold           = 3
	IPRotationVelocityThreshold       = 2.0
	MixedPatternConfidenceMultiplier  = 1.2
	MaxDetectorConfidence             = 0.99

	// Pagination defaults
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// UserType represents the caller's selected role, chosen after first
// verification via the select-user-type flow (§4.10).
type UserType string

const (
	UserTypeCustomer UserType = "customer"
	UserTypeWorker   UserType = "worker"
)

// IsValidUserType reports whether ut is one of the supported roles.
func IsValidUserType(ut UserType) bool {
	return ut == UserTypeCustomer || ut == UserTypeWorker
}
