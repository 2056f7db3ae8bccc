package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/renov-easy/auth-core/internal/authcore/app"
	"github.com/renov-easy/auth-core/internal/domain"
	"github.com/renov-easy/auth-core/internal/postgres"
)

// Transactor implements app.AuthTransactor over a Postgres connection pool,
// committing the user/refresh-token/OTP-consumption writes that follow a
// successful verification atomically (§4.10), generalizing a
// TransactWriteItems-style call into a single SQL transaction.
type Transactor struct {
	client *postgres.Client
	clock  domain.Clock
}

// NewTransactor creates a Transactor backed by the given pool.
func NewTransactor(client *postgres.Client, clock domain.Clock) *Transactor {
	return &Transactor{client: client, clock: clock}
}

// Register inserts the new user row and its first refresh-token row, and
// consumes the OTP that authorized the registration, all inside one
// transaction.
func (t *Transactor) Register(ctx context.Context, params app.RegistrationParams) error {
	return t.client.WithTx(ctx, func(q postgres.Querier) error {
		users := NewUserStore(q)
		if err := users.Create(ctx, params.User); err != nil {
			return fmt.Errorf("transactor: create user: %w", err)
		}

		tokens := NewRefreshTokenStore(q, t.clock)
		if err := tokens.Create(ctx, params.RefreshToken); err != nil {
			return fmt.Errorf("transactor: create refresh token: %w", err)
		}

		otps := NewOTPStore(q, t.clock)
		if err := otps.DeleteOTP(ctx, params.PhoneHash); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("transactor: consume otp: %w", err)
		}
		return nil
	})
}

// Login inserts the new refresh-token row for an existing user's session
// and consumes the OTP that authorized the login, inside one transaction.
func (t *Transactor) Login(ctx context.Context, params app.LoginParams) error {
	return t.client.WithTx(ctx, func(q postgres.Querier) error {
		tokens := NewRefreshTokenStore(q, t.clock)
		if err := tokens.Create(ctx, params.RefreshToken); err != nil {
			return fmt.Errorf("transactor: create refresh token: %w", err)
		}

		otps := NewOTPStore(q, t.clock)
		if err := otps.DeleteOTP(ctx, params.PhoneHash); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("transactor: consume otp: %w", err)
		}
		return nil
	})
}
