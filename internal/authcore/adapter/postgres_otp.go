package adapter

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/renov-easy/auth-core/internal/authcore/app"
	"github.com/renov-easy/auth-core/internal/domain"
	"github.com/renov-easy/auth-core/internal/postgres"
)

// OTPStore persists encrypted OTP records in Postgres. It is the durable
// fallback tier behind CachedOTPStore's Redis-primary reads and writes
// (§4.4) and also stands alone as an app.OTPStore when no Redis client is
// configured. CreateOTP and IncrementAttempts retry a failed statement using
// a doubling backoff policy (3 attempts, 100ms initial delay); DeleteOTP runs
// its statement once. Ciphertext and
// nonce are base64-encoded before storage since the bootstrap schema keeps
// them in TEXT columns rather than BYTEA.
type OTPStore struct {
	db    postgres.Querier
	clock domain.Clock
}

// NewOTPStore creates an OTPStore backed by the given Postgres connection.
func NewOTPStore(db postgres.Querier, clock domain.Clock) *OTPStore {
	return &OTPStore{db: db, clock: clock}
}

func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 2)
}

// CreateOTP writes (or overwrites) the OTP record for a phone hash. The
// phone column is the primary key — per §4.8 a fresh request-code call
// always replaces whatever was previously pending for that phone, so this
// is an unconditional upsert rather than DynamoDB's conditional put.
func (s *OTPStore) CreateOTP(ctx context.Context, record app.OTPRecord) error {
	ciphertext := base64.StdEncoding.EncodeToString(record.Ciphertext)
	nonce := base64.StdEncoding.EncodeToString(record.Nonce)

	op := func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO encrypted_otps (phone, session_id, ciphertext, nonce, key_id, created_at, expires_at, attempt_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
			ON CONFLICT (phone) DO UPDATE SET
				session_id = EXCLUDED.session_id,
				ciphertext = EXCLUDED.ciphertext,
				nonce = EXCLUDED.nonce,
				key_id = EXCLUDED.key_id,
				created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at,
				attempt_count = 0`,
			record.PhoneHash, record.SessionID, ciphertext, nonce, record.KeyID, record.CreatedAt, record.ExpiresAt)
		return err
	}

	if err := backoff.Retry(op, retryPolicy()); err != nil {
		return fmt.Errorf("otp store: create otp: %w", err)
	}
	return nil
}

// GetOTP retrieves the OTP record for a phone hash.
// Returns domain.ErrNotFound when no record exists.
func (s *OTPStore) GetOTP(ctx context.Context, phoneHash string) (*app.OTPRecord, error) {
	var rec app.OTPRecord
	var ciphertext, nonce string
	rec.PhoneHash = phoneHash

	row := s.db.QueryRow(ctx, `
		SELECT session_id, ciphertext, nonce, key_id, created_at, expires_at, attempt_count
		FROM encrypted_otps WHERE phone = $1`, phoneHash)
	err := row.Scan(&rec.SessionID, &ciphertext, &nonce, &rec.KeyID, &rec.CreatedAt, &rec.ExpiresAt, &rec.AttemptCount)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("otp store: get otp: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("otp store: get otp: %w", err)
	}

	if rec.Ciphertext, err = base64.StdEncoding.DecodeString(ciphertext); err != nil {
		return nil, fmt.Errorf("otp store: decode ciphertext: %w", err)
	}
	if rec.Nonce, err = base64.StdEncoding.DecodeString(nonce); err != nil {
		return nil, fmt.Errorf("otp store: decode nonce: %w", err)
	}
	return &rec, nil
}

// IncrementAttempts atomically increments the attempt_count column for the
// OTP record identified by phoneHash.
func (s *OTPStore) IncrementAttempts(ctx context.Context, phoneHash string) error {
	op := func() error {
		_, err := s.db.Exec(ctx, `UPDATE encrypted_otps SET attempt_count = attempt_count + 1 WHERE phone = $1`, phoneHash)
		return err
	}
	if err := backoff.Retry(op, retryPolicy()); err != nil {
		return fmt.Errorf("otp store: increment attempts: %w", err)
	}
	return nil
}

// DeleteOTP removes the OTP record for a phone hash, used once a code has
// been successfully verified and consumed, or when a fresh request-code
// call invalidates whatever was pending.
func (s *OTPStore) DeleteOTP(ctx context.Context, phoneHash string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM encrypted_otps WHERE phone = $1`, phoneHash)
	if err != nil {
		return fmt.Errorf("otp store: delete otp: %w", err)
	}
	return nil
}

// Exists reports whether a pending OTP record is present for phoneHash.
func (s *OTPStore) Exists(ctx context.Context, phoneHash string) (bool, error) {
	var exists bool
	row := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM encrypted_otps WHERE phone = $1)`, phoneHash)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("otp store: exists: %w", err)
	}
	return exists, nil
}

// TTL returns how long the OTP record for phoneHash remains valid, or zero
// if no record exists or it has already expired.
func (s *OTPStore) TTL(ctx context.Context, phoneHash string) (time.Duration, error) {
	var expiresAt time.Time
	row := s.db.QueryRow(ctx, `SELECT expires_at FROM encrypted_otps WHERE phone = $1`, phoneHash)
	if err := row.Scan(&expiresAt); err != nil {
		if postgres.IsNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("otp store: ttl: %w", err)
	}
	ttl := expiresAt.Sub(s.clock.Now().UTC())
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
