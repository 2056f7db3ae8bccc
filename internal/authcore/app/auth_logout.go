package app

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/renov-easy/auth-core/internal/domain"
	"github.com/renov-easy/auth-core/internal/observability"
)

// Logout blacklists the current access token and revokes refresh tokens,
// either for one device or for every device of the user (§4.9
// blacklistAccess/revokeDevice/revokeUser, §4.10 logout).
func (s *AuthService) Logout(ctx context.Context, accessToken, deviceFingerprint string) error {
	ctx, span := tracer.Start(ctx, "auth.logout")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	claims, err := s.validator.ValidateAccessToken(accessToken)
	if err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_token")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}

	userID, err := domain.NewUserID(claims.Subject)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("parse subject claim: %w", err)
	}

	// blacklistAccess: record jti with expiry = claim exp.
	if claims.ExpiresAt != nil {
		if err := s.revocationStore.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("blacklist access token: %w", err)
		}
	}

	if deviceFingerprint != "" {
		if err := s.refreshTokenStore.RevokeByDevice(ctx, userID, deviceFingerprint); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("revoke device tokens: %w", err)
		}
	} else {
		if err := s.refreshTokenStore.RevokeAllForUser(ctx, userID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("revoke user tokens: %w", err)
		}
	}

	sessionRevocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "logout")))
	s.auditLog.Record(ctx, domain.AuditEvent{
		EventType: domain.EventLogout, UserID: userID, Success: true, TokenID: claims.ID,
	})
	logger.InfoContext(ctx, "auth.logout", "user_id", userID.String())

	return nil
}
