// Package keymanager owns the symmetric keys used to encrypt OTP codes at
// rest: AWS KMS wraps each key's key material, Postgres persists the
// wrapped bytes and rotation metadata, and an in-process cache keeps
// decrypted keys available without round-tripping KMS on every OTP.
package keymanager

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/renov-easy/auth-core/internal/authcrypto"
	"github.com/renov-easy/auth-core/internal/domain"
	"github.com/renov-easy/auth-core/internal/postgres"
)

// kmsClient is the narrow consumer-defined interface for KMS operations.
type kmsClient interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Compile-time check: Manager implements authcrypto.KeyProvider.
var _ authcrypto.KeyProvider = (*Manager)(nil)

// Manager rotates and caches the AES-256 keys used by authcrypto.OTPCipher.
// Key material is never held in Postgres — only KMS's wrapped ciphertext —
// so a database compromise alone cannot recover past OTP codes.
type Manager struct {
	kms       kmsClient
	db        postgres.Querier
	clock     domain.Clock
	kmsKeyID  string // the KMS CMK used to wrap/unwrap data keys
	rotateAge time.Duration

	mu          sync.RWMutex
	cache       map[string][]byte // keyID -> plaintext data key
	activeKeyID string
	activeSince time.Time
}

// Config configures a Manager.
type Config struct {
	KMS       kmsClient
	DB        postgres.Querier
	Clock     domain.Clock
	KMSKeyID  string
	RotateAge time.Duration // how long before a key is rotated, e.g. 30 days
}

// New constructs a Manager and eagerly loads (or creates) the active key,
// mirroring adapter.AWSKeyStore's "no signing key, no start" discipline.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	m := &Manager{
		kms:       cfg.KMS,
		db:        cfg.DB,
		clock:     cfg.Clock,
		kmsKeyID:  cfg.KMSKeyID,
		rotateAge: cfg.RotateAge,
		cache:     make(map[string][]byte),
	}

	keyID, wrapped, createdAt, err := m.loadActiveRow(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active encryption key: %w", err)
	}
	if keyID == "" {
		keyID, wrapped, createdAt, err = m.createKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("bootstrap encryption key: %w", err)
		}
	}

	plaintext, err := m.unwrap(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap encryption key %q: %w", keyID, err)
	}

	m.cache[keyID] = plaintext
	m.activeKeyID = keyID
	m.activeSince = createdAt
	return m, nil
}

// ActiveKey returns the key currently used for new OTP encryptions,
// rotating first if the active key has aged past RotateAge.
func (m *Manager) ActiveKey(ctx context.Context) (string, []byte, error) {
	m.mu.RLock()
	needsRotation := m.clock.Now().Sub(m.activeSince) > m.rotateAge
	keyID, key := m.activeKeyID, m.cache[m.activeKeyID]
	m.mu.RUnlock()

	if !needsRotation {
		return keyID, key, nil
	}

	newID, newKey, err := m.rotate(ctx)
	if err != nil {
		// Rotation failure is not fatal to the read path — keep serving
		// the aging key rather than blocking OTP issuance.
		return keyID, key, nil
	}
	return newID, newKey, nil
}

// Key returns the raw key bytes for a previously used key ID, unwrapping
// via KMS and populating the cache on a miss.
func (m *Manager) Key(ctx context.Context, keyID string) ([]byte, error) {
	m.mu.RLock()
	key, ok := m.cache[keyID]
	m.mu.RUnlock()
	if ok {
		return key, nil
	}

	wrapped, err := m.loadRow(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("load encryption key row %q: %w", keyID, err)
	}

	plaintext, err := m.unwrap(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap encryption key %q: %w", keyID, err)
	}

	m.mu.Lock()
	m.cache[keyID] = plaintext
	m.mu.Unlock()
	return plaintext, nil
}

// rotate generates a new data key via KMS, persists it as the new active
// row, deactivates the previous row, and updates the in-memory cache.
func (m *Manager) rotate(ctx context.Context) (string, []byte, error) {
	keyID, wrapped, createdAt, err := m.createKey(ctx)
	if err != nil {
		return "", nil, err
	}

	plaintext, err := m.unwrap(ctx, wrapped)
	if err != nil {
		return "", nil, fmt.Errorf("unwrap newly rotated key %q: %w", keyID, err)
	}

	m.mu.Lock()
	m.cache[keyID] = plaintext
	m.activeKeyID = keyID
	m.activeSince = createdAt
	m.mu.Unlock()

	return keyID, plaintext, nil
}

// createKey asks KMS for a new wrapped data key and inserts it as the sole
// active row; a preceding UPDATE deactivates whatever was active before.
func (m *Manager) createKey(ctx context.Context) (string, []byte, time.Time, error) {
	out, err := m.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.kmsKeyID),
		KeySpec: "AES_256",
	})
	if err != nil {
		return "", nil, time.Time{}, fmt.Errorf("kms GenerateDataKey: %w", err)
	}

	now := m.clock.Now().UTC()
	keyID := authcrypto.GenerateID()
	wrapped := base64.StdEncoding.EncodeToString(out.CiphertextBlob)

	if _, err := m.db.Exec(ctx, `UPDATE encryption_keys SET is_active = FALSE WHERE is_active = TRUE`); err != nil {
		return "", nil, time.Time{}, fmt.Errorf("deactivate previous key: %w", err)
	}
	_, err = m.db.Exec(ctx, `
		INSERT INTO encryption_keys (id, wrapped_key, created_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, TRUE)`,
		keyID, wrapped, now, now.Add(m.rotateAge*2))
	if err != nil {
		return "", nil, time.Time{}, fmt.Errorf("insert rotated key: %w", err)
	}

	return keyID, out.CiphertextBlob, now, nil
}

// unwrap decrypts a KMS-wrapped data key blob into its plaintext bytes.
func (m *Manager) unwrap(ctx context.Context, wrappedBlob []byte) ([]byte, error) {
	out, err := m.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrappedBlob})
	if err != nil {
		return nil, fmt.Errorf("kms Decrypt: %w", err)
	}
	return out.Plaintext, nil
}

func (m *Manager) loadActiveRow(ctx context.Context) (keyID string, wrapped []byte, createdAt time.Time, err error) {
	var wrappedB64 string
	row := m.db.QueryRow(ctx, `SELECT id, wrapped_key, created_at FROM encryption_keys WHERE is_active = TRUE LIMIT 1`)
	if scanErr := row.Scan(&keyID, &wrappedB64, &createdAt); scanErr != nil {
		if postgres.IsNoRows(scanErr) {
			return "", nil, time.Time{}, nil
		}
		return "", nil, time.Time{}, scanErr
	}
	wrapped, err = base64.StdEncoding.DecodeString(wrappedB64)
	return keyID, wrapped, createdAt, err
}

func (m *Manager) loadRow(ctx context.Context, keyID string) ([]byte, error) {
	var wrappedB64 string
	row := m.db.QueryRow(ctx, `SELECT wrapped_key FROM encryption_keys WHERE id = $1`, keyID)
	if err := row.Scan(&wrappedB64); err != nil {
		if postgres.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return base64.StdEncoding.DecodeString(wrappedB64)
}
