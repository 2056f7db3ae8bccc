// Package audit persists security-relevant authentication events and
// analyzes them for distributed-attack patterns (§4.6, §4.7).
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/renov-easy/auth-core/internal/domain"
	"github.com/renov-easy/auth-core/internal/postgres"
)

// Store is an append-only Postgres-backed audit log. Writes are
// best-effort from the caller's perspective: a failure is logged at error
// severity here and never propagated to the business operation that
// triggered the event (§4.6).
type Store struct {
	db     postgres.Querier
	clock  domain.Clock
	logger *slog.Logger

	// Async-writes mode: when queue is non-nil, Record enqueues instead of
	// writing inline. bgWG mirrors AuthService.bgWG/Wait() so the wiring
	// layer can drain the consumer goroutine on shutdown.
	queue chan domain.AuditEvent
	bgWG  sync.WaitGroup
}

// Config holds the dependencies and tuning knobs for a Store.
type Config struct {
	DB     postgres.Querier
	Clock  domain.Clock
	Logger *slog.Logger

	// AsyncQueueSize, when > 0, enables asynchronous writes through a
	// bounded buffered channel. Zero keeps writes synchronous.
	AsyncQueueSize int
}

// NewStore creates a Store. When cfg.AsyncQueueSize > 0 a single consumer
// goroutine is started, owned by the store's own bgWG.
func NewStore(cfg Config) *Store {
	s := &Store{db: cfg.DB, clock: cfg.Clock, logger: cfg.Logger}
	if cfg.AsyncQueueSize > 0 {
		s.queue = make(chan domain.AuditEvent, cfg.AsyncQueueSize)
		s.bgWG.Add(1)
		go s.drain()
	}
	return s
}

func (s *Store) drain() {
	defer s.bgWG.Done()
	for event := range s.queue {
		if err := s.write(context.Background(), event); err != nil {
			s.logger.Error("audit write failed", "error", err, "event_type", event.EventType)
		}
	}
}

// Wait blocks until the async consumer goroutine, if any, has drained.
// Callers must close the queue first by calling Close.
func (s *Store) Wait() {
	s.bgWG.Wait()
}

// Close stops accepting new async events and waits for the queue to drain.
// No-op in synchronous mode.
func (s *Store) Close() {
	if s.queue != nil {
		close(s.queue)
	}
	s.Wait()
}

// Record appends an audit event. In synchronous mode it writes inline and
// swallows (logging) any failure. In async mode it enqueues; if the queue
// is full the event is dropped and logged at error level rather than
// blocking the producer.
func (s *Store) Record(ctx context.Context, event domain.AuditEvent) {
	if event.ID.IsZero() {
		event.ID = domain.GenerateAuditEventID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.clock.Now().UTC()
	}

	if s.queue == nil {
		if err := s.write(ctx, event); err != nil {
			s.logger.ErrorContext(ctx, "audit write failed", "error", err, "event_type", event.EventType)
		}
		return
	}

	select {
	case s.queue <- event:
	default:
		s.logger.Error("audit queue overflow, dropping event", "event_type", event.EventType)
	}
}

func (s *Store) write(ctx context.Context, event domain.AuditEvent) error {
	eventData, err := json.Marshal(event.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	var userID any
	if !event.UserID.IsZero() {
		userID = event.UserID.String()
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO auth_audit_log
			(id, event_type, user_id, phone_masked, phone_hash, ip_address, user_agent,
			 device_info, action, success, error_message, failure_reason, token_id,
			 rate_limit_type, event_data, created_at, archived, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, FALSE, NULL)`,
		event.ID.String(), string(event.EventType), userID, event.PhoneMasked, event.PhoneHash,
		event.IPAddress, event.UserAgent, event.DeviceInfo, event.Action, event.Success,
		event.ErrorMessage, event.FailureReason, event.TokenID, event.RateLimitType,
		eventData, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) scan(row postgres.RowScanner) (domain.AuditEvent, error) {
	var e domain.AuditEvent
	var idStr string
	var userID, eventData *string

	err := row.Scan(&idStr, &e.EventType, &userID, &e.PhoneMasked, &e.PhoneHash, &e.IPAddress,
		&e.UserAgent, &e.DeviceInfo, &e.Action, &e.Success, &e.ErrorMessage, &e.FailureReason,
		&e.TokenID, &e.RateLimitType, &eventData, &e.CreatedAt, &e.Archived, &e.ArchivedAt)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("scan audit event: %w", err)
	}

	if e.ID, err = domain.NewAuditEventID(idStr); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("parse audit event id: %w", err)
	}
	if userID != nil {
		if e.UserID, err = domain.NewUserID(*userID); err != nil {
			return domain.AuditEvent{}, fmt.Errorf("parse audit user id: %w", err)
		}
	}
	if eventData != nil {
		if err := json.Unmarshal([]byte(*eventData), &e.EventData); err != nil {
			return domain.AuditEvent{}, fmt.Errorf("unmarshal event data: %w", err)
		}
	}
	return e, nil
}

const selectColumns = `id, event_type, user_id, phone_masked, phone_hash, ip_address, user_agent,
			 device_info, action, success, error_message, failure_reason, token_id,
			 rate_limit_type, event_data, created_at, archived, archived_at`

// FindByUser returns the limit most recent events for a user, newest first.
func (s *Store) FindByUser(ctx context.Context, userID domain.UserID, limit int) ([]domain.AuditEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+selectColumns+` FROM auth_audit_log
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("find by user: %w", err)
	}
	defer rows.Close()
	return s.collect(rows)
}

// FindByPhoneHash returns the limit most recent events for a phone hash, newest first.
func (s *Store) FindByPhoneHash(ctx context.Context, phoneHash string, limit int) ([]domain.AuditEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+selectColumns+` FROM auth_audit_log
		WHERE phone_hash = $1 ORDER BY created_at DESC LIMIT $2`, phoneHash, limit)
	if err != nil {
		return nil, fmt.Errorf("find by phone hash: %w", err)
	}
	defer rows.Close()
	return s.collect(rows)
}

// CountFailedAttempts counts failed events of action since the given time,
// optionally scoped to a phone hash and/or IP address.
func (s *Store) CountFailedAttempts(ctx context.Context, action, phoneHash, ip string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM auth_audit_log WHERE action = $1 AND success = FALSE AND created_at >= $2`
	args := []any{action, since}
	if phoneHash != "" {
		args = append(args, phoneHash)
		query += fmt.Sprintf(" AND phone_hash = $%d", len(args))
	}
	if ip != "" {
		args = append(args, ip)
		query += fmt.Sprintf(" AND ip_address = $%d", len(args))
	}

	var count int
	row := s.db.QueryRow(ctx, query, args...)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count failed attempts: %w", err)
	}
	return count, nil
}

var suspiciousEventTypes = []domain.EventType{
	domain.EventRateLimitExceeded,
	domain.EventSuspiciousActivity,
	domain.EventInvalidTokenUsage,
}

// FindSuspicious returns failures and the suspicious-activity event types
// (RateLimitExceeded, SuspiciousActivity, InvalidTokenUsage), optionally
// scoped to an IP address, since the given time.
func (s *Store) FindSuspicious(ctx context.Context, ip string, since time.Time) ([]domain.AuditEvent, error) {
	types := make([]string, len(suspiciousEventTypes))
	for i, t := range suspiciousEventTypes {
		types[i] = string(t)
	}

	query := `
		SELECT ` + selectColumns + ` FROM auth_audit_log
		WHERE created_at >= $1 AND (success = FALSE OR event_type = ANY($2))`
	args := []any{since, types}
	if ip != "" {
		args = append(args, ip)
		query += fmt.Sprintf(" AND ip_address = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find suspicious: %w", err)
	}
	defer rows.Close()
	return s.collect(rows)
}

// ArchiveOld marks events older than domain.AuditArchiveAfter as archived.
func (s *Store) ArchiveOld(ctx context.Context) (int64, error) {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-domain.AuditArchiveAfter)
	tag, err := s.db.Exec(ctx, `
		UPDATE auth_audit_log SET archived = TRUE, archived_at = $2
		WHERE created_at < $1 AND archived = FALSE`, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("archive old: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteArchived deletes events archived longer than domain.AuditDeleteAfter ago.
func (s *Store) DeleteArchived(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-domain.AuditDeleteAfter)
	tag, err := s.db.Exec(ctx, `DELETE FROM auth_audit_log WHERE archived_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete archived: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) collect(rows postgres.RowsIterator) ([]domain.AuditEvent, error) {
	var out []domain.AuditEvent
	for rows.Next() {
		event, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}
