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
// SQLite Subscription Storage Implementation
// =============================================================================

// SQLiteSubscriptionStorage implements SubscriptionStorageInterface using SQLite
type SQLiteSubscriptionStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteSubscriptionStorage creates a new subscription storage instance
func NewSQLiteSubscriptionStorage(sqlite *SQLite, logger *zap.SugaredLogger) (*SQLiteSubscriptionStorage, error) {
	storage := &SQLiteSubscriptionStorage{
		sqlite: sqlite,
		logger: logger,
	}

	if err := storage.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure subscription tables: %w", err)
	}

	return storage, nil
}

// ensureTables creates subscription tables if they don't exist
func (s *SQLiteSubscriptionStorage) ensureTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		subscriber_id TEXT DEFAULT '',
		filters TEXT NOT NULL DEFAULT '{}',
		delivery TEXT NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_subscriber_id ON subscriptions(subscriber_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_active ON subscriptions(is_active, deleted_at);
	`

	if _, err := s.sqlite.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to create subscription tables: %w", err)
	}

	s.logger.Info("Subscription tables ensured in SQLite")
	return nil
}

// EnsureIndexes creates indexes (part of table creation for SQLite)
func (s *SQLiteSubscriptionStorage) EnsureIndexes() error {
	return s.ensureTables()
}

// CreateSubscription persists a new subscription
func (s *SQLiteSubscriptionStorage) CreateSubscription(ctx context.Context, sub *core.Subscription) error {
	filters, err := marshalJSON(sub.Filters)
	if err != nil {
		return fmt.Errorf("failed to marshal filters: %w", err)
	}
	delivery, err := marshalJSON(sub.Delivery)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery config: %w", err)
	}

	_, err = s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO subscriptions (
			id, user_id, session_id, subscriber_id, filters, delivery,
			is_active, created_at, updated_at, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.UserID, sub.SessionID, sub.SubscriberID,
		filters, delivery, sub.IsActive,
		sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(), nullableTime(sub.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	return nil
}

// GetSubscription retrieves a subscription by ID, including soft-deleted rows.
// Callers decide whether a deleted subscription is visible.
func (s *SQLiteSubscriptionStorage) GetSubscription(ctx context.Context, id string) (*core.Subscription, error) {
	row := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// UpdateSubscription replaces filters, delivery config and active flag
func (s *SQLiteSubscriptionStorage) UpdateSubscription(ctx context.Context, id string, sub *core.Subscription) error {
	filters, err := marshalJSON(sub.Filters)
	if err != nil {
		return fmt.Errorf("failed to marshal filters: %w", err)
	}
	delivery, err := marshalJSON(sub.Delivery)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery config: %w", err)
	}

	result, err := s.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE subscriptions
		SET filters = ?, delivery = ?, is_active = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		filters, delivery, sub.IsActive, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check subscription update: %w", err)
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}

	return nil
}

// DeleteSubscription soft-deletes a subscription. The row stays behind for
// delivery history joins but drops out of matcher snapshots and listings.
func (s *SQLiteSubscriptionStorage) DeleteSubscription(ctx context.Context, id string) error {
	result, err := s.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE subscriptions
		SET deleted_at = ?, is_active = 0, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check subscription delete: %w", err)
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}

	return nil
}

// ListSubscriptionsByOwner returns the caller's live subscriptions.
// Authenticated callers list by user ID; anonymous callers by subscriber ID.
func (s *SQLiteSubscriptionStorage) ListSubscriptionsByOwner(ctx context.Context, userID, subscriberID string) ([]core.Subscription, error) {
	var (
		rows *sql.Rows
		err  error
	)

	switch {
	case userID != "":
		rows, err = s.sqlite.ReadDB.QueryContext(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions
			 WHERE user_id = ? AND deleted_at IS NULL
			 ORDER BY created_at DESC`, userID)
	case subscriberID != "":
		rows, err = s.sqlite.ReadDB.QueryContext(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions
			 WHERE subscriber_id = ? AND user_id = '' AND deleted_at IS NULL
			 ORDER BY created_at DESC`, subscriberID)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

// ListActiveSubscriptions returns the matcher's fan-out snapshot
func (s *SQLiteSubscriptionStorage) ListActiveSubscriptions(ctx context.Context) ([]core.Subscription, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE is_active = 1 AND deleted_at IS NULL
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

// =============================================================================
// Row Scanning
// =============================================================================

const subscriptionColumns = `id, user_id, session_id, subscriber_id,
	filters, delivery, is_active, created_at, updated_at, deleted_at`

func scanSubscription(row rowScanner) (*core.Subscription, error) {
	var sub core.Subscription
	var filters, delivery string
	var deletedAt sql.NullTime

	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.SessionID, &sub.SubscriberID,
		&filters, &delivery, &sub.IsActive,
		&sub.CreatedAt, &sub.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := safeUnmarshalJSON(filters, &sub.Filters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal filters: %w", err)
	}
	if err := safeUnmarshalJSON(delivery, &sub.Delivery); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery config: %w", err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		sub.DeletedAt = &t
	}

	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]core.Subscription, error) {
	var subs []core.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription row: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subscription row iteration failed: %w", err)
	}
	return subs, nil
}
