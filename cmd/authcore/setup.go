package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/renov-easy/auth-core/internal/auth"
	"github.com/renov-easy/auth-core/internal/authcore/adapter"
	"github.com/renov-easy/auth-core/internal/authcore/app"
	"github.com/renov-easy/auth-core/internal/authcore/port"
	"github.com/renov-easy/auth-core/internal/authcrypto"
	"github.com/renov-easy/auth-core/internal/audit"
	"github.com/renov-easy/auth-core/internal/config"
	"github.com/renov-easy/auth-core/internal/domain"
	"github.com/renov-easy/auth-core/internal/keymanager"
	"github.com/renov-easy/auth-core/internal/postgres"
	"github.com/renov-easy/auth-core/internal/redis"
	"github.com/renov-easy/auth-core/internal/server"
)

// JWT issuer/audience identify this service's tokens.
const (
	jwtIssuer   = "auth-core"
	jwtAudience = "renov-easy-api"
)

// otpKeyRotateAge bounds how long an OTP encryption key stays active
// before keymanager mints a replacement (§4.4).
const otpKeyRotateAge = 30 * 24 * time.Hour

// auditQueueSize bounds the async audit-write buffer (§4.6).
const auditQueueSize = 256

// attackDetectorInterval is how often the attack detector re-scans the
// audit log for distributed attack patterns (§4.7).
const attackDetectorInterval = time.Minute

// setup is the auth-core service composition root. It creates
// infrastructure clients, adapters, the auth service, and mounts the
// JSON/HTTP handler.
func setup(ctx context.Context, deps server.SetupDeps) (func(context.Context) error, error) {
	cfg := deps.Config
	logger := deps.Logger
	clock := domain.RealClock{}

	// 1. Infrastructure clients.
	pgClient, err := postgres.NewClient(ctx, postgres.Config{
		DSN:      cfg.Postgres.DSN,
		MaxConns: cfg.Postgres.MaxConns,
		Timeout:  cfg.Postgres.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("authcore setup: create postgres client: %w", err)
	}

	redisClient := redis.NewClient(redis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("authcore setup: load aws config: %w", err)
	}

	// 2. Key manager for OTP-at-rest encryption (§4.4), backed by KMS + Postgres.
	kmsClient := kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = &cfg.AWS.Endpoint
		}
	})
	keyMgr, err := keymanager.New(ctx, keymanager.Config{
		KMS:       kmsClient,
		DB:        pgClient.Pool,
		Clock:     clock,
		KMSKeyID:  cfg.AWS.KMSKeyID,
		RotateAge: otpKeyRotateAge,
	})
	if err != nil {
		return nil, fmt.Errorf("authcore setup: create key manager: %w", err)
	}
	otpCipher := authcrypto.NewOTPCipher(keyMgr)

	// 3. Postgres-backed adapters. The OTP store is Redis-primary with
	// Postgres as its durable fallback tier (§4.4).
	otpStore := adapter.NewCachedOTPStore(redisClient.RDB, adapter.NewOTPStore(pgClient.Pool, clock), clock)
	userStore := adapter.NewUserStore(pgClient.Pool)
	refreshTokenStore := adapter.NewRefreshTokenStore(pgClient.Pool, clock)
	transactor := adapter.NewTransactor(pgClient, clock)
	revocationStore := adapter.NewRevocationStore(pgClient.Pool)

	// 4. Redis-backed rate limiter (§4.5).
	rateLimiter := adapter.NewRateLimiter(redisClient.RDB, clock)

	// 5. Audit log (C6) and attack detector (C7).
	auditStore := audit.NewStore(audit.Config{
		DB:             pgClient.Pool,
		Clock:          clock,
		Logger:         logger,
		AsyncQueueSize: auditQueueSize,
	})
	detector := audit.NewDetector(auditStore, clock, audit.DefaultDetectorConfig())
	detectorCtx, stopDetector := context.WithCancel(context.Background())
	detectorDone := runAttackDetector(detectorCtx, detector, logger)

	// 6. Signing keys + SMS provider (environment-dependent).
	keyStore, err := createKeyStore(ctx, awsCfg, cfg, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("authcore setup: create key store: %w", err)
	}

	smsProvider := createSMSProvider(awsCfg, cfg, logger)

	// 7. JWT minting/validation.
	minter := auth.NewMinter(auth.MinterConfig{
		KeyStore:  keyStore,
		AccessTTL: domain.AccessTokenLifetime,
		Issuer:    jwtIssuer,
		Audience:  jwtAudience,
		Clock:     clock,
	})
	validator := auth.NewValidator(auth.ValidatorConfig{
		KeyStore: keyStore,
		Issuer:   jwtIssuer,
		Audience: jwtAudience,
		Clock:    clock,
	})

	// 8. Auth service.
	authSvc := app.NewAuthService(app.AuthServiceConfig{
		OTPStore:          otpStore,
		UserStore:         userStore,
		RefreshTokenStore: refreshTokenStore,
		Transactor:        transactor,
		RateLimiter:       rateLimiter,
		RevocationStore:   revocationStore,
		AuditLog:          auditStore,
		SMSProvider:       smsProvider,
		OTPCipher:         otpCipher,
		Minter:            minter,
		Validator:         validator,
		Clock:             clock,
		AllowRegistration: true,
		Logger:            logger,
	})

	// 9. Mount the JSON/HTTP handler.
	handler := port.NewAuthHandler(authSvc)
	handler.Register(deps.HTTPMux)

	logger.InfoContext(ctx, "authcore service initialized")

	cleanup := func(_ context.Context) error {
		stopDetector()
		<-detectorDone
		authSvc.Wait()
		auditStore.Close()
		if err := redisClient.Close(); err != nil {
			return fmt.Errorf("close redis client: %w", err)
		}
		pgClient.Close()
		return nil
	}

	return cleanup, nil
}

// runAttackDetector runs the attack detector on a fixed interval until ctx
// is cancelled, logging every detection that isn't ActionNone. It returns a
// channel that closes once the loop has exited, for shutdown sequencing.
func runAttackDetector(ctx context.Context, detector *audit.Detector, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(attackDetectorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				detection, err := detector.Detect(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "attack detector run failed", "error", err)
					continue
				}
				if detection.Action != audit.ActionNone {
					logger.WarnContext(ctx, "attack pattern detected",
						"pattern", string(detection.Pattern),
						"confidence", detection.Confidence,
						"action", string(detection.Action),
						"details", detection.Details)
				}
			}
		}
	}()
	return done
}

// createKeyStore returns the appropriate JWT signing-key store for the
// environment. Local: generates an ephemeral RSA key pair. Production:
// loads from AWS Secrets Manager + SSM.
func createKeyStore(
	ctx context.Context, awsCfg aws.Config, cfg *config.Config, clock domain.Clock, logger *slog.Logger,
) (auth.KeyStore, error) {
	if cfg.IsLocal() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate dev RSA key: %w", err)
		}
		logger.Info("using ephemeral RSA key for local development", slog.String("key_id", "dev-key-001"))
		return auth.NewStaticKeyStore(key, "dev-key-001"), nil
	}

	smClient := secretsmanager.NewFromConfig(awsCfg)
	ssmClient := ssm.NewFromConfig(awsCfg)
	return adapter.NewAWSKeyStore(ctx, smClient, ssmClient, clock)
}

// createSMSProvider returns the appropriate SMS provider for the
// environment. Local: logs OTPs instead of sending real SMS. Production:
// publishes via Amazon SNS.
func createSMSProvider(awsCfg aws.Config, cfg *config.Config, logger *slog.Logger) auth.SMSProvider {
	if cfg.IsLocal() {
		logger.Info("using log-only SMS provider for local development")
		return adapter.NewLogSMSProvider(logger)
	}

	snsClient := sns.NewFromConfig(awsCfg)
	return adapter.NewSNSSMSProvider(snsClient)
}
