package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/renov-easy/auth-core/internal/authcore/app"
	"github.com/renov-easy/auth-core/internal/domain"
	redisclient "github.com/renov-easy/auth-core/internal/redis"
)

// otpCacheKeyPrefix namespaces the encrypted-OTP payload in Redis, per the
// dual-tier cache-primary design of §4.4.
const otpCacheKeyPrefix = "otp:encrypted:"

// cachedOTPPayload is the JSON-serialized form of an app.OTPRecord stored in
// Redis. Ciphertext/nonce are base64-encoded the same way the Postgres
// fallback encodes them, so the two tiers agree on wire format.
type cachedOTPPayload struct {
	PhoneHash    string    `json:"phone_hash"`
	SessionID    string    `json:"session_id"`
	Ciphertext   string    `json:"ciphertext"`
	Nonce        string    `json:"nonce"`
	KeyID        string    `json:"key_id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AttemptCount int       `json:"attempt_count"`
}

func toPayload(r app.OTPRecord) cachedOTPPayload {
	return cachedOTPPayload{
		PhoneHash:    r.PhoneHash,
		SessionID:    r.SessionID,
		Ciphertext:   base64.StdEncoding.EncodeToString(r.Ciphertext),
		Nonce:        base64.StdEncoding.EncodeToString(r.Nonce),
		KeyID:        r.KeyID,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		AttemptCount: r.AttemptCount,
	}
}

func (p cachedOTPPayload) toRecord() (app.OTPRecord, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		return app.OTPRecord{}, fmt.Errorf("decode cached ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(p.Nonce)
	if err != nil {
		return app.OTPRecord{}, fmt.Errorf("decode cached nonce: %w", err)
	}
	return app.OTPRecord{
		PhoneHash:    p.PhoneHash,
		SessionID:    p.SessionID,
		Ciphertext:   ciphertext,
		Nonce:        nonce,
		KeyID:        p.KeyID,
		CreatedAt:    p.CreatedAt,
		ExpiresAt:    p.ExpiresAt,
		AttemptCount: p.AttemptCount,
	}, nil
}

// CachedOTPStore implements app.OTPStore as a Redis-primary, Postgres-fallback
// cache per §4.4: every operation tries Redis first and falls back to the
// durable store when Redis errors, reporting which backend served the call
// as a trace attribute rather than widening the OTPStore interface's return
// shape.
type CachedOTPStore struct {
	cache    redisclient.Cmdable
	fallback *OTPStore
	clock    domain.Clock
}

// NewCachedOTPStore creates a CachedOTPStore backed by cache for the primary
// tier and fallback for durability when Redis is unavailable.
func NewCachedOTPStore(cache redisclient.Cmdable, fallback *OTPStore, clock domain.Clock) *CachedOTPStore {
	return &CachedOTPStore{cache: cache, fallback: fallback, clock: clock}
}

func otpCacheKey(phoneHash string) string {
	return otpCacheKeyPrefix + phoneHash
}

// CreateOTP invalidates whatever was previously cached for the phone, then
// writes the new record to Redis with a TTL matching its expiry. If Redis
// fails, the record is written to the Postgres fallback instead.
func (s *CachedOTPStore) CreateOTP(ctx context.Context, record app.OTPRecord) error {
	ctx, span := tracer.Start(ctx, "redis.otp_cache.create")
	defer span.End()

	_ = s.cache.Del(ctx, otpCacheKey(record.PhoneHash)).Err()

	ttl := record.ExpiresAt.Sub(s.clock.Now().UTC())
	if ttl <= 0 {
		ttl = domain.OTPValidityDuration
	}

	payload, err := json.Marshal(toPayload(record))
	if err != nil {
		return fmt.Errorf("otp cache: marshal record: %w", err)
	}

	if err := s.cache.Set(ctx, otpCacheKey(record.PhoneHash), payload, ttl).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("otp.storage_backend", "database"))
		if fbErr := s.fallback.CreateOTP(ctx, record); fbErr != nil {
			return fmt.Errorf("otp cache: redis write failed (%v), fallback also failed: %w", err, fbErr)
		}
		return nil
	}

	span.SetAttributes(attribute.String("otp.storage_backend", "redis"))
	return nil
}

// GetOTP reads the cached record for phoneHash, falling back to Postgres on
// a Redis miss or error.
func (s *CachedOTPStore) GetOTP(ctx context.Context, phoneHash string) (*app.OTPRecord, error) {
	ctx, span := tracer.Start(ctx, "redis.otp_cache.get")
	defer span.End()

	raw, err := s.cache.Get(ctx, otpCacheKey(phoneHash)).Result()
	if err == nil {
		var payload cachedOTPPayload
		if jsonErr := json.Unmarshal([]byte(raw), &payload); jsonErr != nil {
			return nil, fmt.Errorf("otp cache: unmarshal record: %w", jsonErr)
		}
		rec, recErr := payload.toRecord()
		if recErr != nil {
			return nil, recErr
		}
		span.SetAttributes(attribute.String("otp.storage_backend", "redis"))
		return &rec, nil
	}

	if !errors.Is(err, redisclient.Nil) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("otp.storage_backend", "database"))
	return s.fallback.GetOTP(ctx, phoneHash)
}

// IncrementAttempts bumps the attempt counter on whichever tier currently
// holds the record: Redis if present, Postgres otherwise.
func (s *CachedOTPStore) IncrementAttempts(ctx context.Context, phoneHash string) error {
	ctx, span := tracer.Start(ctx, "redis.otp_cache.increment_attempts")
	defer span.End()

	raw, err := s.cache.Get(ctx, otpCacheKey(phoneHash)).Result()
	if err != nil {
		if !errors.Is(err, redisclient.Nil) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return s.fallback.IncrementAttempts(ctx, phoneHash)
	}

	var payload cachedOTPPayload
	if jsonErr := json.Unmarshal([]byte(raw), &payload); jsonErr != nil {
		return fmt.Errorf("otp cache: unmarshal record: %w", jsonErr)
	}
	payload.AttemptCount++

	ttl, ttlErr := s.cache.TTL(ctx, otpCacheKey(phoneHash)).Result()
	if ttlErr != nil || ttl <= 0 {
		ttl = domain.OTPValidityDuration
	}

	updated, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("otp cache: marshal updated record: %w", err)
	}
	if err := s.cache.Set(ctx, otpCacheKey(phoneHash), updated, ttl).Err(); err != nil {
		return fmt.Errorf("otp cache: write updated attempt count: %w", err)
	}
	return nil
}

// DeleteOTP clears the cached record for phoneHash and, best-effort, any
// fallback-tier copy, so a later request-code call never hits stale state
// in either backend.
func (s *CachedOTPStore) DeleteOTP(ctx context.Context, phoneHash string) error {
	ctx, span := tracer.Start(ctx, "redis.otp_cache.delete")
	defer span.End()

	cacheErr := s.cache.Del(ctx, otpCacheKey(phoneHash)).Err()
	fallbackErr := s.fallback.DeleteOTP(ctx, phoneHash)

	if cacheErr != nil {
		span.RecordError(cacheErr)
		span.SetStatus(codes.Error, cacheErr.Error())
	}
	if errors.Is(fallbackErr, domain.ErrNotFound) {
		fallbackErr = nil
	}
	if cacheErr != nil && fallbackErr != nil {
		return fmt.Errorf("otp cache: delete failed on both tiers: redis=%v, database=%v", cacheErr, fallbackErr)
	}
	if fallbackErr != nil {
		return fallbackErr
	}
	return nil
}

// Exists reports whether a pending OTP is cached (or, on a Redis miss,
// persisted in the fallback tier) for phoneHash.
func (s *CachedOTPStore) Exists(ctx context.Context, phoneHash string) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.otp_cache.exists")
	defer span.End()

	count, err := s.cache.Exists(ctx, otpCacheKey(phoneHash)).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.fallback.Exists(ctx, phoneHash)
	}
	if count > 0 {
		return true, nil
	}
	return s.fallback.Exists(ctx, phoneHash)
}

// TTL reports the remaining validity of the cached OTP for phoneHash,
// falling back to the Postgres tier's computed TTL on a cache miss.
func (s *CachedOTPStore) TTL(ctx context.Context, phoneHash string) (time.Duration, error) {
	ctx, span := tracer.Start(ctx, "redis.otp_cache.ttl")
	defer span.End()

	ttl, err := s.cache.TTL(ctx, otpCacheKey(phoneHash)).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.fallback.TTL(ctx, phoneHash)
	}
	if ttl > 0 {
		return ttl, nil
	}
	return s.fallback.TTL(ctx, phoneHash)
}
