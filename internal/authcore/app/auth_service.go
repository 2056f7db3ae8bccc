package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/renov-easy/auth-core/internal/auth"
	"github.com/renov-easy/auth-core/internal/authcrypto"
	"github.com/renov-easy/auth-core/internal/domain"
)

var tracer = otel.Tracer("authcore/app")

var (
	otpRequestsTotal        metric.Int64Counter
	tokenMintedTotal        metric.Int64Counter
	sessionCreatedTotal     metric.Int64Counter
	authFailuresTotal       metric.Int64Counter
	rateLimitsTotal         metric.Int64Counter
	sessionRevocationsTotal metric.Int64Counter
)

func init() {
	m := otel.Meter("authcore/app")

	otpRequestsTotal, _ = m.Int64Counter("auth_otp_requests_total",
		metric.WithDescription("Total OTP requests"))
	tokenMintedTotal, _ = m.Int64Counter("auth_token_minted_total",
		metric.WithDescription("Total tokens minted"))
	sessionCreatedTotal, _ = m.Int64Counter("auth_session_created_total",
		metric.WithDescription("Total sessions created"))
	authFailuresTotal, _ = m.Int64Counter("security_auth_failures_total",
		metric.WithDescription("Total authentication failures"))
	rateLimitsTotal, _ = m.Int64Counter("security_rate_limits_total",
		metric.WithDescription("Total rate limit hits"))
	sessionRevocationsTotal, _ = m.Int64Counter("security_session_revocations_total",
		metric.WithDescription("Total session revocations"))
}

// OTPRecord mirrors the adapter-level encrypted OTP record (C4).
type OTPRecord struct {
	PhoneHash    string
	SessionID    string
	Ciphertext   []byte
	Nonce        []byte
	KeyID        string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	AttemptCount int
}

// OTPStore persists and retrieves encrypted OTP requests (C4).
type OTPStore interface {
	CreateOTP(ctx context.Context, record OTPRecord) error
	GetOTP(ctx context.Context, phoneHash string) (*OTPRecord, error)
	IncrementAttempts(ctx context.Context, phoneHash string) error
	DeleteOTP(ctx context.Context, phoneHash string) error
	Exists(ctx context.Context, phoneHash string) (bool, error)
	TTL(ctx context.Context, phoneHash string) (time.Duration, error)
}

// UserStore persists and retrieves user records (C11).
type UserStore interface {
	GetByID(ctx context.Context, id domain.UserID) (*domain.User, error)
	FindByPhone(ctx context.Context, phoneHash string, country domain.CountryCode) (*domain.User, error)
	Update(ctx context.Context, u domain.User) error
}

// RefreshTokenStore persists refresh-token rotation chains (C9).
type RefreshTokenStore interface {
	GetByHash(ctx context.Context, tokenHash string) (*domain.RefreshTokenRecord, error)
	Create(ctx context.Context, rec domain.RefreshTokenRecord) error
	Revoke(ctx context.Context, id domain.RefreshTokenID) error
	RevokeFamily(ctx context.Context, family domain.TokenFamilyID) error
	RevokeAllForUser(ctx context.Context, userID domain.UserID) error
	RevokeByDevice(ctx context.Context, userID domain.UserID, deviceFingerprint string) error
}

// RegistrationParams holds the inputs for a transactional new-user
// registration: the user row to insert, the refresh token issued for the
// resulting session, and the phone hash whose pending OTP is consumed.
type RegistrationParams struct {
	User         domain.User
	RefreshToken domain.RefreshTokenRecord
	PhoneHash    string
}

// LoginParams holds the inputs for a transactional existing-user login.
type LoginParams struct {
	RefreshToken domain.RefreshTokenRecord
	PhoneHash    string
}

// AuthTransactor executes the multi-table writes that must commit or fail
// together: consuming the pending OTP row, and creating the user and/or
// refresh-token rows that follow a successful verification (C4+C9+C11).
type AuthTransactor interface {
	Register(ctx context.Context, params RegistrationParams) error
	Login(ctx context.Context, params LoginParams) error
}

// RateLimiter checks and enforces sliding-window rate limits and lockouts (C5).
type RateLimiter interface {
	CheckSlidingWindow(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitOutcome, error)
	CurrentCount(ctx context.Context, key string, window time.Duration) (int, error)
	CheckLockout(ctx context.Context, key string) (bool, error)
	SetLockout(ctx context.Context, key string, ttl time.Duration) error
	LockTTL(ctx context.Context, key string) (time.Duration, error)
	Reset(ctx context.Context, keys ...string) error
}

// RevocationStore tracks blacklisted access-token JTIs for logout-of-current-access.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// AuditLog records security-relevant events (C6). Best-effort from the
// caller's perspective: implementations swallow (and log) their own
// write failures rather than surface them to the business flow.
type AuditLog interface {
	Record(ctx context.Context, event domain.AuditEvent)
}

// RequestOTPResult is returned by RequestOTP on success.
type RequestOTPResult struct {
	SessionID    string
	ExpiresAt    time.Time
	NextResendAt time.Time
}

// VerifyOTPResult is returned by VerifyOTP on success.
type VerifyOTPResult struct {
	User              domain.User
	AccessToken       string
	RefreshToken      string
	IsNewUser         bool
	AccessTokenExpiry time.Time
}

// RefreshResult is returned by RefreshTokens on success.
type RefreshResult struct {
	AccessToken       string
	RefreshToken      string
	AccessTokenExpiry time.Time
}

// AuthServiceConfig holds the dependencies for AuthService.
type AuthServiceConfig struct {
	OTPStore          OTPStore
	UserStore         UserStore
	RefreshTokenStore RefreshTokenStore
	Transactor        AuthTransactor
	RateLimiter       RateLimiter
	RevocationStore   RevocationStore
	AuditLog          AuditLog
	SMSProvider       auth.SMSProvider
	OTPCipher         *authcrypto.OTPCipher
	Minter            *auth.Minter
	Validator         *auth.Validator
	Clock             domain.Clock
	AllowRegistration bool
	Logger            *slog.Logger
}

// AuthService orchestrates the five auth flows: send-code, verify-code,
// select-user-type, refresh, and logout (§4.10).
type AuthService struct {
	otpStore          OTPStore
	userStore         UserStore
	refreshTokenStore RefreshTokenStore
	transactor        AuthTransactor
	rateLimiter       RateLimiter
	revocationStore   RevocationStore
	auditLog          AuditLog
	smsProvider       auth.SMSProvider
	otpCipher         *authcrypto.OTPCipher
	minter            *auth.Minter
	validator         *auth.Validator
	clock             domain.Clock
	allowRegistration bool
	logger            *slog.Logger
	bgWG              sync.WaitGroup // waited on by Wait; SMS sends run inline, so nothing is added to it
}

// NewAuthService creates a new AuthService with the given dependencies.
func NewAuthService(cfg AuthServiceConfig) *AuthService {
	return &AuthService{
		otpStore:          cfg.OTPStore,
		userStore:         cfg.UserStore,
		refreshTokenStore: cfg.RefreshTokenStore,
		transactor:        cfg.Transactor,
		rateLimiter:       cfg.RateLimiter,
		revocationStore:   cfg.RevocationStore,
		auditLog:          cfg.AuditLog,
		smsProvider:       cfg.SMSProvider,
		otpCipher:         cfg.OTPCipher,
		minter:            cfg.Minter,
		validator:         cfg.Validator,
		clock:             cfg.Clock,
		allowRegistration: cfg.AllowRegistration,
		logger:            cfg.Logger,
	}
}

// Wait blocks until all background goroutines owned by this service complete.
// The caller (wiring layer) must invoke this during graceful shutdown to
// satisfy the goroutine ownership contract.
func (s *AuthService) Wait() {
	s.bgWG.Wait()
}

// issueTokens mints an access token and builds a fresh refresh-token
// record for a user, the common tail of registration, login, and refresh
// rotation (§4.9 steps 1-3).
func (s *AuthService) issueTokens(
	u domain.User, family domain.TokenFamilyID, previous domain.RefreshTokenID, deviceFingerprint string,
) (auth.MintResult, domain.RefreshTokenRecord, string, error) {
	now := s.clock.Now().UTC()

	mintResult, err := s.minter.MintAccessToken(auth.AccessTokenParams{
		UserID:            u.ID.String(),
		SessionID:         domain.GenerateSessionID().String(),
		UserType:          string(u.UserType),
		IsVerified:        u.IsVerified,
		PhoneHash:         u.PhoneHash,
		DeviceFingerprint: deviceFingerprint,
		TokenFamily:       family.String(),
	})
	if err != nil {
		return auth.MintResult{}, domain.RefreshTokenRecord{}, "", err
	}

	refreshToken, err := auth.GenerateRefreshToken()
	if err != nil {
		return auth.MintResult{}, domain.RefreshTokenRecord{}, "", err
	}

	rec := domain.RefreshTokenRecord{
		ID:                domain.GenerateRefreshTokenID(),
		UserID:            u.ID,
		TokenHash:         auth.HashRefreshToken(refreshToken),
		CreatedAt:         now,
		ExpiresAt:         now.Add(domain.RefreshTokenLifetime),
		TokenFamily:       family,
		DeviceFingerprint: deviceFingerprint,
		PreviousTokenID:   previous,
	}

	return mintResult, rec, refreshToken, nil
}
