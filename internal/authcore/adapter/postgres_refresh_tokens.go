package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/renov-easy/auth-core/internal/domain"
	"github.com/renov-easy/auth-core/internal/postgres"
)

// RefreshTokenStore persists refresh-token rotation chains in Postgres.
// Generalizes a single-row-per-session model
// (session.RefreshTokenHash/PrevTokenHash/TokenGeneration) into
// first-class rows per token, linked by TokenFamily, so reuse detection
// can revoke an entire family with one statement (§3, §4.9).
type RefreshTokenStore struct {
	db    postgres.Querier
	clock domain.Clock
}

// NewRefreshTokenStore creates a RefreshTokenStore backed by the given
// Postgres connection.
func NewRefreshTokenStore(db postgres.Querier, clock domain.Clock) *RefreshTokenStore {
	return &RefreshTokenStore{db: db, clock: clock}
}

// Create inserts a new refresh-token row. Returns domain.ErrAlreadyExists
// if a row with the same ID or token hash already exists.
func (s *RefreshTokenStore) Create(ctx context.Context, rec domain.RefreshTokenRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO refresh_tokens
			(id, user_id, token_hash, created_at, expires_at, is_revoked, token_family, device_fingerprint, previous_token_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''))`,
		rec.ID.String(), rec.UserID.String(), rec.TokenHash, rec.CreatedAt, rec.ExpiresAt,
		rec.IsRevoked, rec.TokenFamily.String(), rec.DeviceFingerprint, rec.PreviousTokenID.String())
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("refresh token store: create: %w", domain.ErrAlreadyExists)
		}
		return fmt.Errorf("refresh token store: create: %w", err)
	}
	return nil
}

// GetByHash retrieves the refresh-token row whose hash matches tokenHash.
// Returns domain.ErrNotFound when no row matches.
func (s *RefreshTokenStore) GetByHash(ctx context.Context, tokenHash string) (*domain.RefreshTokenRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at, is_revoked,
		       token_family, COALESCE(device_fingerprint, ''), COALESCE(previous_token_id::text, '')
		FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	return s.scan(row)
}

// GetByID retrieves the refresh-token row by its ID.
func (s *RefreshTokenStore) GetByID(ctx context.Context, id domain.RefreshTokenID) (*domain.RefreshTokenRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at, is_revoked,
		       token_family, COALESCE(device_fingerprint, ''), COALESCE(previous_token_id::text, '')
		FROM refresh_tokens WHERE id = $1`, id.String())
	return s.scan(row)
}

func (s *RefreshTokenStore) scan(row postgres.RowScanner) (*domain.RefreshTokenRecord, error) {
	var rec domain.RefreshTokenRecord
	var idStr, userIDStr, familyStr, prevStr string

	err := row.Scan(&idStr, &userIDStr, &rec.TokenHash, &rec.CreatedAt, &rec.ExpiresAt,
		&rec.IsRevoked, &familyStr, &rec.DeviceFingerprint, &prevStr)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("refresh token store: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("refresh token store: scan: %w", err)
	}

	if rec.ID, err = domain.NewRefreshTokenID(idStr); err != nil {
		return nil, fmt.Errorf("refresh token store: parse id: %w", err)
	}
	if rec.UserID, err = domain.NewUserID(userIDStr); err != nil {
		return nil, fmt.Errorf("refresh token store: parse user id: %w", err)
	}
	if rec.TokenFamily, err = domain.NewTokenFamilyID(familyStr); err != nil {
		return nil, fmt.Errorf("refresh token store: parse token family: %w", err)
	}
	if prevStr != "" {
		if rec.PreviousTokenID, err = domain.NewRefreshTokenID(prevStr); err != nil {
			return nil, fmt.Errorf("refresh token store: parse previous token id: %w", err)
		}
	}
	return &rec, nil
}

// Revoke marks a single refresh-token row as revoked.
func (s *RefreshTokenStore) Revoke(ctx context.Context, id domain.RefreshTokenID) error {
	_, err := s.db.Exec(ctx, `UPDATE refresh_tokens SET is_revoked = TRUE WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("refresh token store: revoke: %w", err)
	}
	return nil
}

// RevokeFamily marks every refresh-token row sharing a token family as
// revoked — the cascade-revocation response to reuse detection (§4.9).
func (s *RefreshTokenStore) RevokeFamily(ctx context.Context, family domain.TokenFamilyID) error {
	_, err := s.db.Exec(ctx, `UPDATE refresh_tokens SET is_revoked = TRUE WHERE token_family = $1`, family.String())
	if err != nil {
		return fmt.Errorf("refresh token store: revoke family: %w", err)
	}
	return nil
}

// RevokeAllForUser marks every refresh-token row belonging to a user as
// revoked, the logout-everywhere operation of §4.9.
func (s *RefreshTokenStore) RevokeAllForUser(ctx context.Context, userID domain.UserID) error {
	_, err := s.db.Exec(ctx, `UPDATE refresh_tokens SET is_revoked = TRUE WHERE user_id = $1`, userID.String())
	if err != nil {
		return fmt.Errorf("refresh token store: revoke all for user: %w", err)
	}
	return nil
}

// ListByUser returns every non-revoked, non-expired refresh token row for
// a user, the session-listing operation used by account-security views.
func (s *RefreshTokenStore) ListByUser(ctx context.Context, userID domain.UserID) ([]domain.RefreshTokenRecord, error) {
	now := s.clock.Now().UTC()
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at, is_revoked,
		       token_family, COALESCE(device_fingerprint, ''), COALESCE(previous_token_id::text, '')
		FROM refresh_tokens WHERE user_id = $1 AND is_revoked = FALSE AND expires_at > $2`,
		userID.String(), now)
	if err != nil {
		return nil, fmt.Errorf("refresh token store: list by user: %w", err)
	}
	defer rows.Close()

	var out []domain.RefreshTokenRecord
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// RevokeByDevice marks every refresh-token row bound to a device
// fingerprint as revoked, the revokeDevice() operation of §4.9.
func (s *RefreshTokenStore) RevokeByDevice(ctx context.Context, userID domain.UserID, deviceFingerprint string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE refresh_tokens SET is_revoked = TRUE
		WHERE user_id = $1 AND device_fingerprint = $2 AND is_revoked = FALSE`,
		userID.String(), deviceFingerprint)
	if err != nil {
		return fmt.Errorf("refresh token store: revoke by device: %w", err)
	}
	return nil
}

// Cleanup deletes tokens past expiry plus revoked tokens older than
// retention, per Token.cleanup() (§4.9).
func (s *RefreshTokenStore) Cleanup(ctx context.Context, now time.Time, revokedRetention time.Duration) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1 OR (is_revoked = TRUE AND created_at < $2)`,
		now, now.Add(-revokedRetention))
	if err != nil {
		return fmt.Errorf("refresh token store: cleanup: %w", err)
	}
	return nil
}
