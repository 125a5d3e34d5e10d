package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"aegis/core"

	"go.uber.org/zap"
)

// =============================================================================
// SQLite Delivery Attempt Storage Implementation
// =============================================================================

// SQLiteDeliveryStorage implements DeliveryStorageInterface using SQLite
type SQLiteDeliveryStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteDeliveryStorage creates a new delivery attempt storage instance
func NewSQLiteDeliveryStorage(sqlite *SQLite, logger *zap.SugaredLogger) (*SQLiteDeliveryStorage, error) {
	storage := &SQLiteDeliveryStorage{
		sqlite: sqlite,
		logger: logger,
	}

	if err := storage.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure delivery tables: %w", err)
	}

	return storage, nil
}

// ensureTables creates delivery tables if they don't exist
func (s *SQLiteDeliveryStorage) ensureTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS delivery_attempts (
		id TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL,
		threat_id TEXT NOT NULL,
		channel TEXT NOT NULL CHECK(channel IN ('webhook','email','in-app','stream')),
		attempt INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL CHECK(status IN ('pending','delivered','failed','skipped_rate_limited')),
		response_code INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		next_retry_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_subscription ON delivery_attempts(subscription_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_deliveries_threat ON delivery_attempts(threat_id);
	CREATE INDEX IF NOT EXISTS idx_deliveries_retry ON delivery_attempts(status, next_retry_at);
	`

	if _, err := s.sqlite.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to create delivery tables: %w", err)
	}

	s.logger.Info("Delivery tables ensured in SQLite")
	return nil
}

// EnsureIndexes creates indexes (part of table creation for SQLite)
func (s *SQLiteDeliveryStorage) EnsureIndexes() error {
	return s.ensureTables()
}

// RecordAttempt persists a new delivery attempt
func (s *SQLiteDeliveryStorage) RecordAttempt(ctx context.Context, attempt *core.DeliveryAttempt) error {
	_, err := s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO delivery_attempts (
			id, subscription_id, threat_id, channel, attempt, status,
			response_code, error, next_retry_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID, attempt.SubscriptionID, attempt.ThreatID,
		string(attempt.Channel), attempt.Attempt, string(attempt.Status),
		attempt.ResponseCode, attempt.Error, nullableTime(attempt.NextRetryAt),
		attempt.CreatedAt.UTC(), attempt.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}

	return nil
}

// UpdateAttempt updates the outcome fields of an existing attempt
func (s *SQLiteDeliveryStorage) UpdateAttempt(ctx context.Context, attempt *core.DeliveryAttempt) error {
	result, err := s.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE delivery_attempts
		SET status = ?, response_code = ?, error = ?, attempt = ?,
		    next_retry_at = ?, updated_at = ?
		WHERE id = ?`,
		string(attempt.Status), attempt.ResponseCode, attempt.Error,
		attempt.Attempt, nullableTime(attempt.NextRetryAt),
		time.Now().UTC(), attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to update delivery attempt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delivery update: %w", err)
	}
	if rows == 0 {
		return ErrDeliveryNotFound
	}

	return nil
}

// ListAttemptsBySubscription returns a subscription's delivery history, newest
// first, plus the total count for pagination
func (s *SQLiteDeliveryStorage) ListAttemptsBySubscription(ctx context.Context, subscriptionID string, limit, offset int) ([]core.DeliveryAttempt, int64, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int64
	err := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_attempts WHERE subscription_id = ?`,
		subscriptionID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count delivery attempts: %w", err)
	}

	rows, err := s.sqlite.ReadDB.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_attempts
		 WHERE subscription_id = ?
		 ORDER BY created_at DESC
		 LIMIT ? OFFSET ?`,
		subscriptionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts, err := scanDeliveryAttempts(rows)
	if err != nil {
		return nil, 0, err
	}
	return attempts, total, nil
}

// PendingRetries returns failed attempts whose backoff window has elapsed.
// A restarted service resumes these instead of dropping in-flight retries.
func (s *SQLiteDeliveryStorage) PendingRetries(ctx context.Context, now time.Time, limit int) ([]core.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlite.ReadDB.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_attempts
		 WHERE status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC
		 LIMIT ?`,
		now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending retries: %w", err)
	}
	defer rows.Close()

	return scanDeliveryAttempts(rows)
}

// =============================================================================
// Row Scanning
// =============================================================================

const deliveryColumns = `id, subscription_id, threat_id, channel, attempt,
	status, response_code, error, next_retry_at, created_at, updated_at`

func scanDeliveryAttempt(row rowScanner) (*core.DeliveryAttempt, error) {
	var attempt core.DeliveryAttempt
	var channel, status string
	var nextRetryAt sql.NullTime

	err := row.Scan(
		&attempt.ID, &attempt.SubscriptionID, &attempt.ThreatID,
		&channel, &attempt.Attempt, &status,
		&attempt.ResponseCode, &attempt.Error, &nextRetryAt,
		&attempt.CreatedAt, &attempt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	attempt.Channel = core.DeliveryChannel(channel)
	attempt.Status = core.DeliveryStatus(status)
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		attempt.NextRetryAt = &t
	}

	return &attempt, nil
}

func scanDeliveryAttempts(rows *sql.Rows) ([]core.DeliveryAttempt, error) {
	var attempts []core.DeliveryAttempt
	for rows.Next() {
		attempt, err := scanDeliveryAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		attempts = append(attempts, *attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery row iteration failed: %w", err)
	}
	return attempts, nil
}
