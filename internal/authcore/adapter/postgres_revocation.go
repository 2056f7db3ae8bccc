package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/renov-easy/auth-core/internal/postgres"
)

// RevocationStore tracks blacklisted access-token JTIs in the
// token_blacklist table, used by Token.verifyAccess (§4.9) to reject a
// logged-out access token before its natural expiry.
type RevocationStore struct {
	db postgres.Querier
}

// NewRevocationStore creates a RevocationStore backed by the given
// Postgres connection.
func NewRevocationStore(db postgres.Querier) *RevocationStore {
	return &RevocationStore{db: db}
}

// Revoke records jti as blacklisted until expiresAt, the point at which the
// token would have expired naturally and the row becomes safe to reap.
func (s *RevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO token_blacklist (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revocation store: revoke: %w", err)
	}
	return nil
}

// IsRevoked reports whether jti has been blacklisted.
func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	row := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM token_blacklist WHERE jti = $1)`, jti)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("revocation store: is revoked: %w", err)
	}
	return exists, nil
}

// Cleanup deletes blacklist rows past their recorded expiry, per Token.cleanup() (§4.9).
func (s *RevocationStore) Cleanup(ctx context.Context, now time.Time) error {
	_, err := s.db.Exec(ctx, `DELETE FROM token_blacklist WHERE expires_at < $1`, now)
	if err != nil {
		return fmt.Errorf("revocation store: cleanup: %w", err)
	}
	return nil
}
