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

// SelectUserType assigns a user's role on first use. UserType is write-once:
// a user who already has one set is rejected with ErrInsufficientPermissions
// (§4.10 select-user-type). The caller's identity comes from accessToken,
// never from a client-supplied user ID, so a caller can only set their own
// user type.
func (s *AuthService) SelectUserType(ctx context.Context, accessToken string, userType domain.UserType) (domain.User, error) {
	ctx, span := tracer.Start(ctx, "auth.select_user_type")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	claims, err := s.validator.ValidateAccessToken(accessToken)
	if err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_token")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.User{}, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}

	userID, err := domain.NewUserID(claims.Subject)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.User{}, fmt.Errorf("parse subject claim: %w", err)
	}

	if !domain.IsValidUserType(userType) {
		err := fmt.Errorf("unknown user type %q: %w", userType, domain.ErrInvalidInput)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.User{}, err
	}

	user, err := s.userStore.GetByID(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}

	if user.HasUserType() {
		span.SetStatus(codes.Error, "user type already set")
		return domain.User{}, domain.ErrInsufficientPermissions
	}

	user.UserType = userType
	user.UpdatedAt = s.clock.Now().UTC()

	if err := s.userStore.Update(ctx, *user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}

	logger.InfoContext(ctx, "auth.user_type_selected", "user_id", userID.String(), "user_type", string(userType))

	return *user, nil
}
