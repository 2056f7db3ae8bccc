package app

import (
	"context"
	"fmt"
	"time"

	"github.com/renov-easy/auth-core/internal/domain"
)

// StatusPhone reports the rate-limit/lock status of a phone number (§4.5
// admin operation statusPhone), aggregating the SMS-send limit, the
// verify-attempts limit, the failed-attempts counter, and any active lock.
func (s *AuthService) StatusPhone(ctx context.Context, phone string) (domain.IdentifierStatus, error) {
	ctx, span := tracer.Start(ctx, "auth.admin.status_phone")
	defer span.End()

	pn, err := domain.NewPhoneNumber(phone)
	if err != nil {
		return domain.IdentifierStatus{}, err
	}
	_, local := domain.ExtractCountry(pn.String())
	phoneHash := domain.HashLocal(local)

	locked, err := s.rateLimiter.CheckLockout(ctx, phoneLockKey(phoneHash))
	if err != nil {
		return domain.IdentifierStatus{}, fmt.Errorf("check phone lockout: %w", err)
	}
	var lockTTL time.Duration
	if locked {
		lockTTL, err = s.rateLimiter.LockTTL(ctx, phoneLockKey(phoneHash))
		if err != nil {
			return domain.IdentifierStatus{}, fmt.Errorf("check phone lockout ttl: %w", err)
		}
	}

	smsCount, err := s.rateLimiter.CurrentCount(ctx, "sms:phone:"+phoneHash, domain.SMSPerPhoneWindow)
	if err != nil {
		return domain.IdentifierStatus{}, fmt.Errorf("check sms limit count: %w", err)
	}
	verifyCount, err := s.rateLimiter.CurrentCount(ctx, "verify_attempts:"+phoneHash, domain.VerifyPhoneWindow)
	if err != nil {
		return domain.IdentifierStatus{}, fmt.Errorf("check verify attempts count: %w", err)
	}
	failedCount, err := s.rateLimiter.CurrentCount(ctx, "failed_attempts:phone:"+phoneHash, domain.FailedAttemptsWindow)
	if err != nil {
		return domain.IdentifierStatus{}, fmt.Errorf("check failed attempts count: %w", err)
	}

	return domain.IdentifierStatus{
		Identifier: phone,
		IsLocked:   locked,
		LockTTL:    lockTTL,
		Limits: []domain.LimitStatus{
			{Type: "sms", Current: smsCount, Limit: domain.SMSPerPhoneLimit, Window: domain.SMSPerPhoneWindow},
			{Type: "verify", Current: verifyCount, Limit: domain.VerifyPhoneLimit, Window: domain.VerifyPhoneWindow},
		},
		FailedAttempts: failedCount,
		Threshold:      domain.FailedAttemptsThreshold,
	}, nil
}

// StatusIP reports the rate-limit/lock status of a client IP (§4.5 admin
// operation statusIp), aggregating the verify-attempts-per-IP limit, the
// failed-attempts counter, and any active lock.
func (s *AuthService) StatusIP(ctx context.Context, ip string) (domain.IdentifierStatus, error) {
	ctx, span := tracer.Start(ctx, "auth.admin.status_ip")
	defer span.End()

	locked, err := s.rateLimiter.CheckLockout(ctx, ipLockKey(ip))
	if err != nil {
		return domain.IdentifierStatus{}, fmt.Errorf("check ip lockout: %w", err)
	}
	var lockTTL time.Duration
	if locked {
		lockTTL, err = s.rateLimiter.LockTTL(ctx, ipLockKey(ip))
		if err != nil {
			return domain.IdentifierStatus{}, fmt.Errorf("check ip lockout ttl: %w", err)
		}
	}

	verifyCount, err := s.rateLimiter.CurrentCount(ctx, "verify:ip:"+ip, domain.VerifyIPWindow)
	if err != nil {
		return domain.IdentifierStatus{}, fmt.Errorf("check ip verification count: %w", err)
	}
	failedCount, err := s.rateLimiter.CurrentCount(ctx, "failed_attempts:ip:"+ip, domain.FailedAttemptsWindow)
	if err != nil {
		return domain.IdentifierStatus{}, fmt.Errorf("check failed attempts count: %w", err)
	}

	return domain.IdentifierStatus{
		Identifier: ip,
		IsLocked:   locked,
		LockTTL:    lockTTL,
		Limits: []domain.LimitStatus{
			{Type: "verification", Current: verifyCount, Limit: domain.VerifyIPLimit, Window: domain.VerifyIPWindow},
		},
		FailedAttempts: failedCount,
		Threshold:      domain.FailedAttemptsThreshold,
	}, nil
}

// ResetPhone clears every rate-limit/lock key tracked for a phone number
// (§4.5 admin operation resetPhone), for support use after a confirmed
// false positive.
func (s *AuthService) ResetPhone(ctx context.Context, phone string) error {
	ctx, span := tracer.Start(ctx, "auth.admin.reset_phone")
	defer span.End()

	pn, err := domain.NewPhoneNumber(phone)
	if err != nil {
		return err
	}
	_, local := domain.ExtractCountry(pn.String())
	phoneHash := domain.HashLocal(local)

	return s.rateLimiter.Reset(ctx,
		"sms:phone:"+phoneHash,
		"verify_attempts:"+phoneHash,
		"failed_attempts:phone:"+phoneHash,
		phoneLockKey(phoneHash),
	)
}

// ResetIP clears every rate-limit/lock key tracked for a client IP (§4.5
// admin operation resetIp).
func (s *AuthService) ResetIP(ctx context.Context, ip string) error {
	ctx, span := tracer.Start(ctx, "auth.admin.reset_ip")
	defer span.End()

	return s.rateLimiter.Reset(ctx,
		"verify:ip:"+ip,
		"failed_attempts:ip:"+ip,
		ipLockKey(ip),
	)
}
