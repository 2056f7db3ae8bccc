package app

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/renov-easy/auth-core/internal/authcrypto"
	"github.com/renov-easy/auth-core/internal/domain"
	"github.com/renov-easy/auth-core/internal/observability"
)

// VerifyOTP validates an OTP candidate and completes either new-user
// registration or existing-user login (§4.8 verify(), §4.10 verify-code).
func (s *AuthService) VerifyOTP(ctx context.Context, phone, code, deviceFingerprint string) (*VerifyOTPResult, error) {
	ctx, span := tracer.Start(ctx, "auth.verify_otp")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	pn, err := domain.NewPhoneNumber(phone)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !isSixDigits(code) {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "bad_code_format")))
		return nil, domain.ErrInvalidOTP
	}

	country, local := domain.ExtractCountry(pn.String())
	phoneHash := domain.HashLocal(local)
	clientIP := clientIPFromContext(ctx)

	// Generic per-IP API limit, checked ahead of every domain-specific scope.
	if clientIP != "" {
		outcome, err := s.rateLimiter.CheckSlidingWindow(ctx,
			genericAPILimitKey(clientIP), domain.GenericAPIPerIPLimit, domain.GenericAPIPerIPWindow)
		if err != nil {
			logger.WarnContext(ctx, "generic api rate limit check failed, proceeding", "error", err)
		} else if !outcome.Allowed {
			rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("endpoint", "verify_otp"), attribute.String("limit_type", "generic_ip")))
			s.auditLog.Record(ctx, domain.AuditEvent{
				EventType: domain.EventRateLimitExceeded, PhoneHash: phoneHash,
				PhoneMasked: domain.Mask(phone), IPAddress: clientIP, Success: false,
			})
			return nil, domain.ErrRateLimited
		}
	}

	record, verifyErr := s.verifyCode(ctx, phoneHash, phone, code, clientIP)
	if verifyErr != nil {
		s.auditLog.Record(ctx, domain.AuditEvent{
			EventType: domain.EventVerifyCodeFailure, PhoneHash: phoneHash,
			PhoneMasked: domain.Mask(phone), Success: false, ErrorMessage: verifyErr.Error(),
		})
		span.RecordError(verifyErr)
		span.SetStatus(codes.Error, verifyErr.Error())
		return nil, verifyErr
	}
	_ = record

	s.auditLog.Record(ctx, domain.AuditEvent{
		EventType: domain.EventVerifyCodeSuccess, PhoneHash: phoneHash,
		PhoneMasked: domain.Mask(phone), Success: true,
	})

	result, err := s.completeAuthentication(ctx, country, phoneHash, phone, deviceFingerprint)
	if err != nil {
		s.auditLog.Record(ctx, domain.AuditEvent{
			EventType: domain.EventLoginFailure, PhoneHash: phoneHash,
			PhoneMasked: domain.Mask(phone), Success: false, ErrorMessage: err.Error(),
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.auditLog.Record(ctx, domain.AuditEvent{
		EventType: domain.EventLoginSuccess, UserID: result.User.ID, PhoneHash: phoneHash,
		PhoneMasked: domain.Mask(phone), Success: true,
	})
	span.SetAttributes(attribute.Bool("auth.is_new_user", result.IsNewUser))
	logger.InfoContext(ctx, "auth.verify_otp", "user_id", result.User.ID.String(), "is_new_user", result.IsNewUser)

	return result, nil
}

func isSixDigits(s string) bool {
	if len(s) != domain.OTPCodeLength {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// clientIPFromContext is a placeholder extension point; the HTTP transport
// layer stores the client IP on the request context before calling here.
// Returning "" simply skips the IP-scoped limit.
func clientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey{}).(string); ok {
		return v
	}
	return ""
}

type clientIPKey struct{}

// WithClientIP annotates ctx with the caller's IP address, for the
// per-IP rate limits consulted deeper in the call chain.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// phoneLockKey and ipLockKey are the account-lock keys consulted (and set)
// across both the per-code attempt counter and the failed_attempts sliding
// window (§4.5): a phone or IP may be locked by either mechanism.
func phoneLockKey(phoneHash string) string { return "account_lock:phone:" + phoneHash }
func ipLockKey(clientIP string) string     { return "account_lock:ip:" + clientIP }

func genericAPILimitKey(clientIP string) string { return "api_limit:" + clientIP }

// verifyCode implements C8's verify() operation: lockout checks, the
// phone- and IP-scoped verify-attempt windows, progressive delay,
// retrieval, constant-time comparison, and attempt-count bookkeeping
// (§4.8 steps 2-7, §4.5 scope separation). Checks run in the order
// lock, phone-scope, ip-scope, per §4.5's tie-break rule.
func (s *AuthService) verifyCode(ctx context.Context, phoneHash, phone, code, clientIP string) (*OTPRecord, error) {
	phoneLock := phoneLockKey(phoneHash)

	if locked, ttl, err := s.checkLocks(ctx, phoneHash, clientIP); err != nil {
		return nil, err
	} else if locked {
		return nil, fmt.Errorf("%w: retry after %s", domain.ErrAccountLocked, ttl.Round(time.Second))
	}

	verifyOutcome, err := s.rateLimiter.CheckSlidingWindow(ctx,
		"verify_attempts:"+phoneHash, domain.VerifyPhoneLimit, domain.VerifyPhoneWindow)
	if err != nil {
		return nil, fmt.Errorf("check verify attempts: %w", err)
	}
	if !verifyOutcome.Allowed {
		s.auditLog.Record(ctx, domain.AuditEvent{
			EventType: domain.EventRateLimitPhoneExceeded, PhoneHash: phoneHash,
			PhoneMasked: domain.Mask(phone), IPAddress: clientIP, Success: false,
		})
		return nil, domain.ErrPhoneRateLimited
	}

	if clientIP != "" {
		ipOutcome, err := s.rateLimiter.CheckSlidingWindow(ctx,
			"verify:ip:"+clientIP, domain.VerifyIPLimit, domain.VerifyIPWindow)
		if err != nil {
			s.logger.WarnContext(ctx, "ip rate limit check failed, proceeding", "error", err)
		} else if !ipOutcome.Allowed {
			s.auditLog.Record(ctx, domain.AuditEvent{
				EventType: domain.EventRateLimitIPExceeded, PhoneHash: phoneHash,
				PhoneMasked: domain.Mask(phone), IPAddress: clientIP, Success: false,
			})
			return nil, domain.ErrIPRateLimited
		}
	}

	record, err := s.otpStore.GetOTP(ctx, phoneHash)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrOTPExpired
		}
		return nil, fmt.Errorf("get otp: %w", err)
	}

	if err := s.applyProgressiveDelay(ctx, record.AttemptCount); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	if now.After(record.ExpiresAt) {
		return nil, domain.ErrOTPExpired
	}

	plaintext, err := s.otpCipher.Open(ctx, authcrypto.Envelope{
		KeyID: record.KeyID, Nonce: record.Nonce, Ciphertext: record.Ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("decrypt otp: %w", err)
	}

	if !authcrypto.ConstantTimeEqual(plaintext, code) {
		return s.onVerifyFailure(ctx, phoneHash, clientIP, record)
	}

	if err := s.otpStore.DeleteOTP(ctx, phoneHash); err != nil {
		return nil, fmt.Errorf("clear otp: %w", err)
	}
	if err := s.rateLimiter.Reset(ctx, phoneLock); err != nil {
		s.logger.ErrorContext(ctx, "failed to reset lockout counter", "error", err)
	}
	return record, nil
}

// checkLocks consults the phone lock first, then the IP lock, matching
// §4.5's lock-before-scope tie-break order.
func (s *AuthService) checkLocks(ctx context.Context, phoneHash, clientIP string) (bool, time.Duration, error) {
	phoneLocked, err := s.rateLimiter.CheckLockout(ctx, phoneLockKey(phoneHash))
	if err != nil {
		return false, 0, fmt.Errorf("check phone lockout: %w", err)
	}
	if phoneLocked {
		ttl, err := s.rateLimiter.LockTTL(ctx, phoneLockKey(phoneHash))
		if err != nil {
			return false, 0, fmt.Errorf("check phone lockout ttl: %w", err)
		}
		return true, ttl, nil
	}

	if clientIP == "" {
		return false, 0, nil
	}
	ipLocked, err := s.rateLimiter.CheckLockout(ctx, ipLockKey(clientIP))
	if err != nil {
		return false, 0, fmt.Errorf("check ip lockout: %w", err)
	}
	if ipLocked {
		ttl, err := s.rateLimiter.LockTTL(ctx, ipLockKey(clientIP))
		if err != nil {
			return false, 0, fmt.Errorf("check ip lockout ttl: %w", err)
		}
		return true, ttl, nil
	}
	return false, 0, nil
}

func (s *AuthService) applyProgressiveDelay(ctx context.Context, attempts int) error {
	if attempts <= 0 {
		return nil
	}
	delay := domain.ProgressiveDelayBase << attempts
	if delay > domain.ProgressiveDelayCap || delay <= 0 {
		delay = domain.ProgressiveDelayCap
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (s *AuthService) onVerifyFailure(ctx context.Context, phoneHash, clientIP string, record *OTPRecord) (*OTPRecord, error) {
	if err := s.otpStore.IncrementAttempts(ctx, phoneHash); err != nil {
		s.logger.ErrorContext(ctx, "failed to increment otp attempts", "error", err)
	}
	s.recordFailedAttempt(ctx, phoneHash, clientIP)

	attempts := record.AttemptCount + 1
	if attempts >= domain.MaxOTPVerifyAttempts {
		if err := s.rateLimiter.SetLockout(ctx, phoneLockKey(phoneHash), domain.AccountLockDuration); err != nil {
			s.logger.ErrorContext(ctx, "failed to set lockout", "error", err)
		}
		s.auditLog.Record(ctx, domain.AuditEvent{EventType: domain.EventAccountLocked, PhoneHash: phoneHash, Success: false})
		return nil, domain.ErrMaxAttemptsExceeded
	}
	return nil, fmt.Errorf("%w: %d attempts remaining", domain.ErrInvalidOTP, domain.MaxOTPVerifyAttempts-attempts)
}

// recordFailedAttempt feeds the failed_attempts:phone/failed_attempts:ip
// sliding windows (§4.5), a counter distinct from the OTP record's own
// attempt_count: once a phone or an IP passes FailedAttemptsThreshold (5)
// failures within the window, the next failure (the sixth) locks that
// identifier for AccountLockDuration, even if no single OTP code was
// attempted more than once.
func (s *AuthService) recordFailedAttempt(ctx context.Context, phoneHash, clientIP string) {
	phoneOutcome, err := s.rateLimiter.CheckSlidingWindow(ctx,
		"failed_attempts:phone:"+phoneHash, domain.FailedAttemptsThreshold, domain.FailedAttemptsWindow)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to check failed-attempts window", "scope", "phone", "error", err)
	} else if !phoneOutcome.Allowed {
		if err := s.rateLimiter.SetLockout(ctx, phoneLockKey(phoneHash), domain.AccountLockDuration); err != nil {
			s.logger.ErrorContext(ctx, "failed to set phone lockout", "error", err)
		}
		s.auditLog.Record(ctx, domain.AuditEvent{EventType: domain.EventAccountLocked, PhoneHash: phoneHash, Success: false})
	}

	if clientIP == "" {
		return
	}
	ipOutcome, err := s.rateLimiter.CheckSlidingWindow(ctx,
		"failed_attempts:ip:"+clientIP, domain.FailedAttemptsThreshold, domain.FailedAttemptsWindow)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to check failed-attempts window", "scope", "ip", "error", err)
		return
	}
	if !ipOutcome.Allowed {
		if err := s.rateLimiter.SetLockout(ctx, ipLockKey(clientIP), domain.AccountLockDuration); err != nil {
			s.logger.ErrorContext(ctx, "failed to set ip lockout", "error", err)
		}
		s.auditLog.Record(ctx, domain.AuditEvent{
			EventType: domain.EventAccountLocked, PhoneHash: phoneHash, IPAddress: clientIP, Success: false,
		})
	}
}

// completeAuthentication implements C10's verify-code decision policy
// beyond OTP verification proper: lookup-or-register, blocked check,
// last-login update, and token issuance.
func (s *AuthService) completeAuthentication(
	ctx context.Context, country domain.CountryCode, phoneHash, phone, deviceFingerprint string,
) (*VerifyOTPResult, error) {
	now := s.clock.Now().UTC()

	user, err := s.userStore.FindByPhone(ctx, phoneHash, country)
	isNewUser := false
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("find user by phone: %w", err)
		}
		if !s.allowRegistration {
			return nil, domain.ErrRegistrationDisabled
		}
		isNewUser = true
		u := domain.User{
			ID: domain.GenerateUserID(), PhoneHash: phoneHash, CountryCode: country,
			CreatedAt: now, UpdatedAt: now, LastLoginAt: now, IsVerified: true,
		}
		user = &u
	} else {
		if user.IsBlocked {
			return nil, domain.ErrUserBlocked
		}
		user.LastLoginAt = now
		user.UpdatedAt = now
	}

	family := domain.GenerateTokenFamilyID()
	mintResult, refreshRec, refreshToken, err := s.issueTokens(*user, family, domain.RefreshTokenID{}, deviceFingerprint)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	if isNewUser {
		if err := s.transactor.Register(ctx, RegistrationParams{
			User: *user, RefreshToken: refreshRec, PhoneHash: phoneHash,
		}); err != nil {
			return nil, fmt.Errorf("register user: %w", err)
		}
	} else {
		if err := s.transactor.Login(ctx, LoginParams{
			RefreshToken: refreshRec, PhoneHash: phoneHash,
		}); err != nil {
			return nil, fmt.Errorf("create login session: %w", err)
		}
	}

	flow := "login"
	if isNewUser {
		flow = "registration"
	}
	sessionCreatedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", flow)))
	tokenMintedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", flow)))

	return &VerifyOTPResult{
		User:              *user,
		AccessToken:       mintResult.Token,
		RefreshToken:      refreshToken,
		IsNewUser:         isNewUser,
		AccessTokenExpiry: mintResult.ExpiresAt,
	}, nil
}
