package adapter

import (
	"context"
	"fmt"

	"github.com/renov-easy/auth-core/internal/domain"
	"github.com/renov-easy/auth-core/internal/postgres"
)

// UserStore persists user records in Postgres, keyed by (phone_hash,
// country_code) rather than a raw phone number (§3, §6), and implements
// the full C11 registry contract (Create, Update, Delete, ExistsByPhone,
// CountByType) beyond a read-only GetByID/FindByPhone pair.
type UserStore struct {
	db postgres.Querier
}

// NewUserStore creates a UserStore backed by the given Postgres connection.
func NewUserStore(db postgres.Querier) *UserStore {
	return &UserStore{db: db}
}

const userColumns = "id, phone_hash, country_code, COALESCE(user_type, ''), created_at, updated_at, last_login_at, is_verified, is_blocked"

func (s *UserStore) scan(row postgres.RowScanner) (*domain.User, error) {
	var u domain.User
	var idStr, userType string
	var countryCode string

	err := row.Scan(&idStr, &u.PhoneHash, &countryCode, &userType, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt, &u.IsVerified, &u.IsBlocked)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("user store: %w", domain.ErrUserNotFound)
		}
		return nil, fmt.Errorf("user store: scan: %w", err)
	}

	if u.ID, err = domain.NewUserID(idStr); err != nil {
		return nil, fmt.Errorf("user store: parse id: %w", err)
	}
	u.CountryCode = domain.CountryCode(countryCode)
	u.UserType = domain.UserType(userType)
	return &u, nil
}

// GetByID retrieves a user by ID.
func (s *UserStore) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id.String())
	return s.scan(row)
}

// FindByPhone looks up a user by the hash of their phone number within a
// country code, the unique key per §3/§6 — phone numbers are never stored,
// only their hash.
func (s *UserStore) FindByPhone(ctx context.Context, phoneHash string, country domain.CountryCode) (*domain.User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE phone_hash = $1 AND country_code = $2`,
		phoneHash, string(country))
	return s.scan(row)
}

// Create inserts a new user. Returns domain.ErrUserAlreadyExists if the
// (phone_hash, country_code) pair is already registered.
func (s *UserStore) Create(ctx context.Context, u domain.User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, phone_hash, country_code, user_type, created_at, updated_at, last_login_at, is_verified, is_blocked)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)`,
		u.ID.String(), u.PhoneHash, string(u.CountryCode), string(u.UserType),
		u.CreatedAt, u.UpdatedAt, u.LastLoginAt, u.IsVerified, u.IsBlocked)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("user store: create: %w", domain.ErrUserAlreadyExists)
		}
		return fmt.Errorf("user store: create: %w", err)
	}
	return nil
}

// Update persists the mutable fields of an existing user (user_type,
// last_login_at, is_verified, is_blocked, updated_at).
func (s *UserStore) Update(ctx context.Context, u domain.User) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users SET user_type = NULLIF($2, ''), updated_at = $3, last_login_at = $4,
		                  is_verified = $5, is_blocked = $6
		WHERE id = $1`,
		u.ID.String(), string(u.UserType), u.UpdatedAt, u.LastLoginAt, u.IsVerified, u.IsBlocked)
	if err != nil {
		return fmt.Errorf("user store: update: %w", err)
	}
	return nil
}

// Delete removes a user record. Refresh tokens referencing the user are
// deleted by the schema's foreign key cascade expectations at the
// migration layer; this store only removes the user row itself.
func (s *UserStore) Delete(ctx context.Context, id domain.UserID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("user store: delete: %w", err)
	}
	return nil
}

// ExistsByPhone reports whether any user is already registered for the
// given phone hash and country code, used by the registration-disabled
// decision in the orchestrator (§4.10).
func (s *UserStore) ExistsByPhone(ctx context.Context, phoneHash string, country domain.CountryCode) (bool, error) {
	var exists bool
	row := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE phone_hash = $1 AND country_code = $2)`,
		phoneHash, string(country))
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("user store: exists by phone: %w", err)
	}
	return exists, nil
}

// CountByType returns how many users are registered under a given
// UserType, used for operational reporting.
func (s *UserStore) CountByType(ctx context.Context, userType domain.UserType) (int, error) {
	var count int
	row := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE user_type = $1`, string(userType))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("user store: count by type: %w", err)
	}
	return count, nil
}
