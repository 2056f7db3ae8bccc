package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/renov-easy/auth-core/internal/auth"
	"github.com/renov-easy/auth-core/internal/domain"
	"github.com/renov-easy/auth-core/internal/observability"
)

// RefreshTokens rotates a refresh token, detecting reuse of an
// already-revoked token and device-fingerprint mismatch by revoking the
// entire token family (§4.9 refresh()).
func (s *AuthService) RefreshTokens(ctx context.Context, refreshToken, deviceFingerprint string) (*RefreshResult, error) {
	ctx, span := tracer.Start(ctx, "auth.refresh_tokens")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Lookup by hash.
	rec, err := s.refreshTokenStore.GetByHash(ctx, auth.HashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_refresh_token")))
			return nil, domain.ErrInvalidRefreshToken
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}

	now := s.clock.Now().UTC()

	// 2. Expired.
	if now.After(rec.ExpiresAt) {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "refresh_token_expired")))
		return nil, domain.ErrRefreshTokenExpired
	}

	// 3. Already revoked — suspected reuse, revoke the whole family.
	if rec.IsRevoked {
		if revErr := s.refreshTokenStore.RevokeFamily(ctx, rec.TokenFamily); revErr != nil {
			logger.ErrorContext(ctx, "failed to revoke family on reuse detection", "error", revErr)
		}
		sessionRevocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "reuse_detection")))
		s.auditLog.Record(ctx, domain.AuditEvent{
			EventType: domain.EventTokenRevoked, UserID: rec.UserID, Success: false,
			FailureReason: "refresh token reuse", TokenID: rec.ID.String(),
		})
		logger.WarnContext(ctx, "auth.refresh_token_reuse", "user_id", rec.UserID.String(), "family", rec.TokenFamily.String())
		span.SetStatus(codes.Error, "refresh token reuse detected")
		return nil, domain.ErrRefreshTokenReuse
	}

	// 4. Device fingerprint mismatch — revoke family.
	if rec.DeviceFingerprint != "" && deviceFingerprint != "" && rec.DeviceFingerprint != deviceFingerprint {
		if revErr := s.refreshTokenStore.RevokeFamily(ctx, rec.TokenFamily); revErr != nil {
			logger.ErrorContext(ctx, "failed to revoke family on device mismatch", "error", revErr)
		}
		sessionRevocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "device_mismatch")))
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "device_mismatch")))
		s.auditLog.Record(ctx, domain.AuditEvent{
			EventType: domain.EventInvalidTokenUsage, UserID: rec.UserID, Success: false,
			FailureReason: "device fingerprint mismatch", TokenID: rec.ID.String(),
		})
		logger.WarnContext(ctx, "auth.refresh_device_mismatch", "user_id", rec.UserID.String(), "family", rec.TokenFamily.String())
		span.SetStatus(codes.Error, "device fingerprint mismatch")
		return nil, domain.ErrInvalidRefreshToken
	}

	// 5. Load user; blocked check.
	user, err := s.userStore.GetByID(ctx, rec.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user.IsBlocked {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "user_blocked")))
		return nil, domain.ErrUserBlocked
	}

	// 6. Issue new access+refresh (same family, previous = old); revoke old.
	mintResult, newRec, newRefresh, err := s.issueTokens(*user, rec.TokenFamily, rec.ID, deviceFingerprint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("issue tokens: %w", err)
	}
	if err := s.refreshTokenStore.Create(ctx, newRec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("persist rotated refresh token: %w", err)
	}
	if err := s.refreshTokenStore.Revoke(ctx, rec.ID); err != nil {
		logger.ErrorContext(ctx, "failed to revoke rotated-out refresh token", "error", err)
	}

	// 7. Emit TokenRefresh.
	tokenMintedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", "refresh")))
	s.auditLog.Record(ctx, domain.AuditEvent{
		EventType: domain.EventTokenRefresh, UserID: user.ID, Success: true, TokenID: newRec.ID.String(),
	})
	logger.InfoContext(ctx, "auth.token_refreshed", "user_id", user.ID.String(), "family", rec.TokenFamily.String())

	return &RefreshResult{
		AccessToken:       mintResult.Token,
		RefreshToken:      newRefresh,
		AccessTokenExpiry: mintResult.ExpiresAt,
	}, nil
}
