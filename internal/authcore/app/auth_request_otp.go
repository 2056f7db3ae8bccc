package app

import (
	"errors"
	"fmt"
	"time"

	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/renov-easy/auth-core/internal/authcrypto"
	"github.com/renov-easy/auth-core/internal/domain"
	"github.com/renov-easy/auth-core/internal/observability"
)

// RequestOTP validates the phone number, enforces the phone/IP rate
// limits, generates and stores an encrypted OTP, and dispatches the SMS
// (§4.8 request(), §4.10 send-code).
func (s *AuthService) RequestOTP(ctx context.Context, phone, clientIP string) (*RequestOTPResult, error) {
	ctx, span := tracer.Start(ctx, "auth.request_otp")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Reject if phone format invalid.
	pn, err := domain.NewPhoneNumber(phone)
	if err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_phone")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	_, local := domain.ExtractCountry(pn.String())
	phoneHash := domain.HashLocal(local)

	// Generic per-IP API limit, checked ahead of every domain-specific scope.
	if clientIP != "" {
		genericOutcome, err := s.rateLimiter.CheckSlidingWindow(ctx,
			genericAPILimitKey(clientIP), domain.GenericAPIPerIPLimit, domain.GenericAPIPerIPWindow)
		if err != nil {
			logger.WarnContext(ctx, "generic api rate limit check failed, proceeding", "error", err, "client_ip", clientIP)
		} else if !genericOutcome.Allowed {
			rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("endpoint", "request_otp"), attribute.String("limit_type", "generic_ip")))
			s.auditLog.Record(ctx, domain.AuditEvent{
				EventType: domain.EventRateLimitExceeded, PhoneHash: phoneHash,
				PhoneMasked: domain.Mask(phone), IPAddress: clientIP, Success: false,
			})
			return nil, domain.ErrRateLimited
		}
	}

	// Phone-SMS limit.
	phoneOutcome, err := s.rateLimiter.CheckSlidingWindow(ctx,
		"sms:phone:"+phoneHash, domain.SMSPerPhoneLimit, domain.SMSPerPhoneWindow)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("check phone sms limit: %w", err)
	}
	if !phoneOutcome.Allowed {
		rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", "request_otp"), attribute.String("limit_type", "phone")))
		s.auditLog.Record(ctx, domain.AuditEvent{
			EventType: domain.EventRateLimitPhoneExceeded, PhoneHash: phoneHash,
			PhoneMasked: domain.Mask(phone), IPAddress: clientIP, Success: false,
		})
		return nil, domain.ErrPhoneRateLimited
	}

	// IP-verification limit (if IP known).
	if clientIP != "" {
		ipOutcome, err := s.rateLimiter.CheckSlidingWindow(ctx,
			"verify:ip:"+clientIP, domain.VerifyIPLimit, domain.VerifyIPWindow)
		if err != nil {
			logger.WarnContext(ctx, "ip rate limit check failed, proceeding", "error", err, "client_ip", clientIP)
		} else if !ipOutcome.Allowed {
			rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("endpoint", "request_otp"), attribute.String("limit_type", "ip")))
			s.auditLog.Record(ctx, domain.AuditEvent{
				EventType: domain.EventRateLimitIPExceeded, PhoneHash: phoneHash,
				PhoneMasked: domain.Mask(phone), IPAddress: clientIP, Success: false,
			})
			return nil, domain.ErrIPRateLimited
		}
	}

	result, err := s.issueOTP(ctx, pn, phoneHash)
	if err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "otp_request_failed")))
		s.auditLog.Record(ctx, domain.AuditEvent{
			EventType: domain.EventSendCodeFailure, PhoneHash: phoneHash,
			PhoneMasked: domain.Mask(phone), IPAddress: clientIP, Success: false,
			ErrorMessage: err.Error(),
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	otpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	s.auditLog.Record(ctx, domain.AuditEvent{
		EventType: domain.EventSendCodeSuccess, PhoneHash: phoneHash,
		PhoneMasked: domain.Mask(phone), IPAddress: clientIP, Success: true,
	})
	logger.InfoContext(ctx, "auth.otp_requested", "phone_hash", phoneHash)

	return result, nil
}

// issueOTP implements C8's request() operation proper: cooldown dedupe,
// invalidation of any prior code, generation, encryption, storage, and SMS
// dispatch.
func (s *AuthService) issueOTP(ctx context.Context, pn domain.PhoneNumber, phoneHash string) (*RequestOTPResult, error) {
	now := s.clock.Now().UTC()

	// 2. If a code exists and cooldown unpassed, return RateLimitExceeded.
	exists, err := s.otpStore.Exists(ctx, phoneHash)
	if err != nil {
		return nil, fmt.Errorf("check existing otp: %w", err)
	}
	if exists {
		ttl, err := s.otpStore.TTL(ctx, phoneHash)
		if err != nil {
			return nil, fmt.Errorf("check existing otp ttl: %w", err)
		}
		remaining := ttl - (domain.OTPValidityDuration - domain.ResendCooldown)
		if remaining > 0 {
			return nil, fmt.Errorf("%w: retry in %s", domain.ErrRateLimited, remaining.Round(time.Second))
		}
	}

	// 3. clear(phone) — invalidate previous.
	if err := s.otpStore.DeleteOTP(ctx, phoneHash); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("clear previous otp: %w", err)
	}

	// 4. Generate 6-digit code.
	code, err := authcrypto.GenerateOTP()
	if err != nil {
		return nil, fmt.Errorf("generate otp: %w", err)
	}

	// 5. Build VerificationCode with 5-min expiry, encrypt, store.
	sessionID := domain.GenerateSessionID()
	expiresAt := now.Add(domain.OTPValidityDuration)

	envelope, err := s.otpCipher.Seal(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("encrypt otp: %w", err)
	}

	record := OTPRecord{
		PhoneHash:  phoneHash,
		SessionID:  sessionID.String(),
		Ciphertext: envelope.Ciphertext,
		Nonce:      envelope.Nonce,
		KeyID:      envelope.KeyID,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}
	if err := s.otpStore.CreateOTP(ctx, record); err != nil {
		return nil, fmt.Errorf("store otp: %w", err)
	}

	// 6. Dispatch SMS. Failure surfaces as SmsServiceFailure and the
	// stored OTP is cleared so a retry does not hit the cooldown dedupe.
	if err := s.smsProvider.SendOTP(ctx, pn.String(), code); err != nil {
		if delErr := s.otpStore.DeleteOTP(ctx, phoneHash); delErr != nil {
			s.logger.ErrorContext(ctx, "failed to clear otp after sms failure", "error", delErr)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrSmsServiceFailure, err)
	}

	// 7. next_resend_at = now + resend_cooldown.
	return &RequestOTPResult{
		SessionID:    sessionID.String(),
		ExpiresAt:    expiresAt,
		NextResendAt: now.Add(domain.ResendCooldown),
	}, nil
}
