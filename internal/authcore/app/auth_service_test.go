package app_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/renov-easy/auth-core/internal/auth"
	"github.com/renov-easy/auth-core/internal/authcore/app"
	"github.com/renov-easy/auth-core/internal/authcrypto"
	"github.com/renov-easy/auth-core/internal/domain"
	"github.com/renov-easy/auth-core/internal/domain/domaintest"
)

var fixedTime = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

const (
	testPhone       = "+15551234567"
	testPhoneOther  = "+15557654321"
	testCountry     = domain.CountryUS
	testOTPKeyID    = "test-key-001"
	testJWTIssuer   = "auth-core-test"
	testJWTAudience = "auth-core-test-api"
)

// fakeKeyProvider is an in-memory authcrypto.KeyProvider backing OTPCipher
// in tests; no KMS/Postgres round trip.
type fakeKeyProvider struct {
	keyID string
	key   []byte
}

func newFakeKeyProvider() *fakeKeyProvider {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	return &fakeKeyProvider{keyID: testOTPKeyID, key: key}
}

func (f *fakeKeyProvider) ActiveKey(ctx context.Context) (string, []byte, error) {
	return f.keyID, f.key, nil
}

func (f *fakeKeyProvider) Key(ctx context.Context, keyID string) ([]byte, error) {
	if keyID != f.keyID {
		return nil, domain.ErrNotFound
	}
	return f.key, nil
}

// memOTPStore is an in-memory app.OTPStore keyed by phone hash.
type memOTPStore struct {
	mu      sync.Mutex
	records map[string]app.OTPRecord
	clock   domain.Clock

	createErr error
	getErr    error
	incErr    error
	delErr    error
}

func newMemOTPStore(clock domain.Clock) *memOTPStore {
	return &memOTPStore{records: map[string]app.OTPRecord{}, clock: clock}
}

func (m *memOTPStore) CreateOTP(ctx context.Context, r app.OTPRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.PhoneHash] = r
	return nil
}

func (m *memOTPStore) GetOTP(ctx context.Context, phoneHash string) (*app.OTPRecord, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[phoneHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := r
	return &cp, nil
}

func (m *memOTPStore) IncrementAttempts(ctx context.Context, phoneHash string) error {
	if m.incErr != nil {
		return m.incErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[phoneHash]
	if !ok {
		return domain.ErrNotFound
	}
	r.AttemptCount++
	m.records[phoneHash] = r
	return nil
}

func (m *memOTPStore) DeleteOTP(ctx context.Context, phoneHash string) error {
	if m.delErr != nil {
		return m.delErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[phoneHash]; !ok {
		return domain.ErrNotFound
	}
	delete(m.records, phoneHash)
	return nil
}

func (m *memOTPStore) Exists(ctx context.Context, phoneHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[phoneHash]
	return ok, nil
}

func (m *memOTPStore) TTL(ctx context.Context, phoneHash string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[phoneHash]
	if !ok {
		return 0, nil
	}
	ttl := r.ExpiresAt.Sub(m.clock.Now())
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// memUserStore is an in-memory app.UserStore keyed by user ID.
type memUserStore struct {
	mu  sync.Mutex
	rec map[string]domain.User

	getByIDErr     error
	findByPhoneErr error
	updateErr      error
}

func newMemUserStore() *memUserStore {
	return &memUserStore{rec: map[string]domain.User{}}
}

func (m *memUserStore) put(u domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec[u.ID.String()] = u
}

func (m *memUserStore) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	if m.getByIDErr != nil {
		return nil, m.getByIDErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.rec[id.String()]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := u
	return &cp, nil
}

func (m *memUserStore) FindByPhone(ctx context.Context, phoneHash string, country domain.CountryCode) (*domain.User, error) {
	if m.findByPhoneErr != nil {
		return nil, m.findByPhoneErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.rec {
		if u.PhoneHash == phoneHash && u.CountryCode == country {
			cp := u
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memUserStore) Update(ctx context.Context, u domain.User) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec[u.ID.String()] = u
	return nil
}

// memRefreshTokenStore is an in-memory app.RefreshTokenStore.
type memRefreshTokenStore struct {
	mu     sync.Mutex
	byHash map[string]domain.RefreshTokenRecord
	byID   map[string]domain.RefreshTokenRecord

	getByHashErr error
	createErr    error

	revokeByDeviceCalls int
	revokeAllCalls      int
}

func newMemRefreshTokenStore() *memRefreshTokenStore {
	return &memRefreshTokenStore{
		byHash: map[string]domain.RefreshTokenRecord{},
		byID:   map[string]domain.RefreshTokenRecord{},
	}
}

func (m *memRefreshTokenStore) put(r domain.RefreshTokenRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHash[r.TokenHash] = r
	m.byID[r.ID.String()] = r
}

func (m *memRefreshTokenStore) GetByHash(ctx context.Context, tokenHash string) (*domain.RefreshTokenRecord, error) {
	if m.getByHashErr != nil {
		return nil, m.getByHashErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byHash[tokenHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := r
	return &cp, nil
}

func (m *memRefreshTokenStore) Create(ctx context.Context, rec domain.RefreshTokenRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.put(rec)
	return nil
}

func (m *memRefreshTokenStore) Revoke(ctx context.Context, id domain.RefreshTokenID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id.String()]
	if !ok {
		return domain.ErrNotFound
	}
	r.IsRevoked = true
	m.byID[id.String()] = r
	m.byHash[r.TokenHash] = r
	return nil
}

func (m *memRefreshTokenStore) RevokeFamily(ctx context.Context, family domain.TokenFamilyID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.byID {
		if r.TokenFamily == family {
			r.IsRevoked = true
			m.byID[k] = r
			m.byHash[r.TokenHash] = r
		}
	}
	return nil
}

func (m *memRefreshTokenStore) RevokeAllForUser(ctx context.Context, userID domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeAllCalls++
	for k, r := range m.byID {
		if r.UserID == userID {
			r.IsRevoked = true
			m.byID[k] = r
			m.byHash[r.TokenHash] = r
		}
	}
	return nil
}

func (m *memRefreshTokenStore) RevokeByDevice(ctx context.Context, userID domain.UserID, deviceFingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeByDeviceCalls++
	for k, r := range m.byID {
		if r.UserID == userID && r.DeviceFingerprint == deviceFingerprint {
			r.IsRevoked = true
			m.byID[k] = r
			m.byHash[r.TokenHash] = r
		}
	}
	return nil
}

func (m *memRefreshTokenStore) get(id domain.RefreshTokenID) (domain.RefreshTokenRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id.String()]
	return r, ok
}

// stubTransactor fulfils app.AuthTransactor by persisting straight into the
// in-memory user/refresh-token stores, the way the real Postgres transactor
// commits both tables together.
type stubTransactor struct {
	userStore *memUserStore
	rtStore   *memRefreshTokenStore

	registerErr error
	loginErr    error

	registerCalls []app.RegistrationParams
	loginCalls    []app.LoginParams
}

func (s *stubTransactor) Register(ctx context.Context, params app.RegistrationParams) error {
	s.registerCalls = append(s.registerCalls, params)
	if s.registerErr != nil {
		return s.registerErr
	}
	s.userStore.put(params.User)
	s.rtStore.put(params.RefreshToken)
	return nil
}

func (s *stubTransactor) Login(ctx context.Context, params app.LoginParams) error {
	s.loginCalls = append(s.loginCalls, params)
	if s.loginErr != nil {
		return s.loginErr
	}
	s.rtStore.put(params.RefreshToken)
	return nil
}

// memRateLimiter is an in-memory app.RateLimiter. By default every sliding
// window check is allowed and no key is locked out; tests flip individual
// keys to exercise the rejection paths.
type memRateLimiter struct {
	mu sync.Mutex

	deniedKeys map[string]bool
	lockedKeys map[string]time.Duration

	checkErr error
	resets   []string
}

func newMemRateLimiter() *memRateLimiter {
	return &memRateLimiter{
		deniedKeys: map[string]bool{},
		lockedKeys: map[string]time.Duration{},
	}
}

func (m *memRateLimiter) deny(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deniedKeys[key] = true
}

func (m *memRateLimiter) CheckSlidingWindow(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitOutcome, error) {
	if m.checkErr != nil {
		return domain.RateLimitOutcome{}, m.checkErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deniedKeys[key] {
		return domain.RateLimitOutcome{Allowed: false, Limit: limit, Window: window}, nil
	}
	return domain.RateLimitOutcome{Allowed: true, Remaining: limit - 1, Limit: limit, Window: window}, nil
}

func (m *memRateLimiter) CurrentCount(ctx context.Context, key string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deniedKeys[key] {
		return 1, nil
	}
	return 0, nil
}

func (m *memRateLimiter) CheckLockout(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, locked := m.lockedKeys[key]
	return locked, nil
}

func (m *memRateLimiter) SetLockout(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockedKeys[key] = ttl
	return nil
}

func (m *memRateLimiter) LockTTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedKeys[key], nil
}

func (m *memRateLimiter) Reset(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.lockedKeys, k)
		m.resets = append(m.resets, k)
	}
	return nil
}

// memRevocationStore is an in-memory app.RevocationStore.
type memRevocationStore struct {
	mu      sync.Mutex
	revoked map[string]time.Time
}

func newMemRevocationStore() *memRevocationStore {
	return &memRevocationStore{revoked: map[string]time.Time{}}
}

func (m *memRevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = expiresAt
	return nil
}

func (m *memRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[jti]
	return ok, nil
}

// memAuditLog is an in-memory app.AuditLog capturing every recorded event.
type memAuditLog struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func newMemAuditLog() *memAuditLog {
	return &memAuditLog{}
}

func (m *memAuditLog) Record(ctx context.Context, event domain.AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *memAuditLog) find(eventType domain.EventType) []domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEvent
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// stubSMSProvider is an in-memory auth.SMSProvider.
type stubSMSProvider struct {
	mu      sync.Mutex
	sendErr error
	sent    []struct{ phone, code string }
}

func newStubSMSProvider() *stubSMSProvider {
	return &stubSMSProvider{}
}

func (s *stubSMSProvider) SendOTP(ctx context.Context, phone, code string) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, struct{ phone, code string }{phone, code})
	return nil
}

// testHarness wires a real *app.AuthService against in-memory doubles for
// every dependency, plus a real OTPCipher/Minter/Validator so token and
// envelope handling is exercised end to end.
type testHarness struct {
	t *testing.T

	clock       *domaintest.FakeClock
	otpStore    *memOTPStore
	userStore   *memUserStore
	rtStore     *memRefreshTokenStore
	transactor  *stubTransactor
	rateLimiter *memRateLimiter
	revocation  *memRevocationStore
	audit       *memAuditLog
	sms         *stubSMSProvider
	keys        *fakeKeyProvider
	cipher      *authcrypto.OTPCipher
	minter      *auth.Minter
	validator   *auth.Validator

	svc *app.AuthService
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	return newTestHarnessOpt(t, true)
}

func newTestHarnessOpt(t *testing.T, allowRegistration bool) *testHarness {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test rsa key: %v", err)
	}
	keyStore := auth.NewStaticKeyStore(key, "test-signing-key")

	clock := domaintest.NewFakeClock(fixedTime)
	minter := auth.NewMinter(auth.MinterConfig{
		KeyStore:  keyStore,
		AccessTTL: domain.AccessTokenLifetime,
		Issuer:    testJWTIssuer,
		Audience:  testJWTAudience,
		Clock:     clock,
	})
	validator := auth.NewValidator(auth.ValidatorConfig{
		KeyStore: keyStore,
		Issuer:   testJWTIssuer,
		Audience: testJWTAudience,
		Clock:    clock,
	})

	h := &testHarness{
		t:           t,
		clock:       clock,
		otpStore:    newMemOTPStore(clock),
		userStore:   newMemUserStore(),
		rtStore:     newMemRefreshTokenStore(),
		rateLimiter: newMemRateLimiter(),
		revocation:  newMemRevocationStore(),
		audit:       newMemAuditLog(),
		sms:         newStubSMSProvider(),
		keys:        newFakeKeyProvider(),
		minter:      minter,
		validator:   validator,
	}
	h.cipher = authcrypto.NewOTPCipher(h.keys)
	h.transactor = &stubTransactor{userStore: h.userStore, rtStore: h.rtStore}

	h.svc = app.NewAuthService(app.AuthServiceConfig{
		OTPStore:          h.otpStore,
		UserStore:         h.userStore,
		RefreshTokenStore: h.rtStore,
		Transactor:        h.transactor,
		RateLimiter:       h.rateLimiter,
		RevocationStore:   h.revocation,
		AuditLog:          h.audit,
		SMSProvider:       h.sms,
		OTPCipher:         h.cipher,
		Minter:            minter,
		Validator:         validator,
		Clock:             clock,
		AllowRegistration: allowRegistration,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	return h
}

// seedOTP stores an encrypted OTP record for phoneHash with the given
// plaintext code and attempt count, as issueOTP would have left it.
func (h *testHarness) seedOTP(phoneHash, code string, attempts int) {
	h.t.Helper()
	envelope, err := h.cipher.Seal(context.Background(), code)
	if err != nil {
		h.t.Fatalf("seed otp: seal: %v", err)
	}
	now := h.clock.Now()
	if err := h.otpStore.CreateOTP(context.Background(), app.OTPRecord{
		PhoneHash:    phoneHash,
		SessionID:    domain.GenerateSessionID().String(),
		Ciphertext:   envelope.Ciphertext,
		Nonce:        envelope.Nonce,
		KeyID:        envelope.KeyID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(domain.OTPValidityDuration),
		AttemptCount: attempts,
	}); err != nil {
		h.t.Fatalf("seed otp: create: %v", err)
	}
}

// phoneHashOf returns the rate-limit/storage key for an E.164 phone number,
// mirroring what the service derives internally.
func phoneHashOf(phone string) string {
	_, local := domain.ExtractCountry(phone)
	return domain.HashLocal(local)
}

// seedUser inserts an existing, unblocked user for phone.
func (h *testHarness) seedUser(phone string, userType domain.UserType) domain.User {
	h.t.Helper()
	now := h.clock.Now()
	u := domain.User{
		ID:          domain.GenerateUserID(),
		PhoneHash:   phoneHashOf(phone),
		CountryCode: testCountry,
		UserType:    userType,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastLoginAt: now,
		IsVerified:  true,
	}
	h.userStore.put(u)
	return u
}

// issueRefreshToken mints and persists a valid refresh-token record for u,
// returning the raw (unhashed) token string a client would present.
func (h *testHarness) issueRefreshToken(u domain.User, family domain.TokenFamilyID, previous domain.RefreshTokenID, deviceFingerprint string) (domain.RefreshTokenRecord, string) {
	h.t.Helper()
	refreshToken, err := auth.GenerateRefreshToken()
	if err != nil {
		h.t.Fatalf("generate refresh token: %v", err)
	}
	now := h.clock.Now()
	rec := domain.RefreshTokenRecord{
		ID:                domain.GenerateRefreshTokenID(),
		UserID:            u.ID,
		TokenHash:         auth.HashRefreshToken(refreshToken),
		CreatedAt:         now,
		ExpiresAt:         now.Add(domain.RefreshTokenLifetime),
		TokenFamily:       family,
		DeviceFingerprint: deviceFingerprint,
		PreviousTokenID:   previous,
	}
	h.rtStore.put(rec)
	return rec, refreshToken
}

// mintAccessToken mints a valid access token for u, for logout/select-type tests.
func (h *testHarness) mintAccessToken(u domain.User, deviceFingerprint string) auth.MintResult {
	h.t.Helper()
	result, err := h.minter.MintAccessToken(auth.AccessTokenParams{
		UserID:            u.ID.String(),
		SessionID:         domain.GenerateSessionID().String(),
		UserType:          string(u.UserType),
		IsVerified:        u.IsVerified,
		PhoneHash:         u.PhoneHash,
		DeviceFingerprint: deviceFingerprint,
		TokenFamily:       domain.GenerateTokenFamilyID().String(),
	})
	if err != nil {
		h.t.Fatalf("mint access token: %v", err)
	}
	return result
}
