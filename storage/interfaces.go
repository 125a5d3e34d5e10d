package storage

import (
	"context"
	"time"

	"aegis/core"
)

// ThreatQueryFilter holds the filter criteria for threat queries.
// Zero values mean "no constraint" for that field.
type ThreatQueryFilter struct {
	Types         []core.ThreatType
	Severities    []core.Severity
	Sources       []string
	TargetType    core.TargetType
	TargetValue   string
	Statuses      []core.ThreatStatus
	MinConfidence int
	Tags          []string
	StartDate     *time.Time
	EndDate       *time.Time

	// IncludeExpired opts into returning expired records; the default active
	// view excludes them.
	IncludeExpired bool
}

// ThreatQueryOptions controls sorting and pagination
type ThreatQueryOptions struct {
	SortBy    string // created_at | severity | confidence | last_seen
	SortOrder string // asc | desc
	Limit     int
	Offset    int
}

// ThreatStorageInterface defines the interface for threat record storage.
// Implementations must be safe for concurrent access.
type ThreatStorageInterface interface {
	// InsertThreat persists a new canonical record. Returns
	// ErrDuplicateThreat when the unique dedup key collides with a live
	// canonical record, which callers treat as losing a dedup race.
	InsertThreat(ctx context.Context, threat *core.ThreatRecord) error
	GetThreat(ctx context.Context, id string) (*core.ThreatRecord, error)
	// UpdateThreatStatus transitions a record's status. The update is
	// conditional on the stored status still being fromStatus so concurrent
	// transitions cannot race into an inconsistent state.
	UpdateThreatStatus(ctx context.Context, id string, fromStatus, toStatus core.ThreatStatus) error
	// AppendEvidence merges new indicators into the canonical record, bumps
	// lastSeen and optionally raises confidence (corroboration).
	AppendEvidence(ctx context.Context, id string, indicators []string, lastSeen time.Time, confidence int) error
	// LinkRelated cross-links two records in the related band, both ways.
	LinkRelated(ctx context.Context, id, relatedID string) error
	QueryThreats(ctx context.Context, filter *ThreatQueryFilter, opts *ThreatQueryOptions) ([]core.ThreatRecord, int64, error)
	SearchThreats(ctx context.Context, query string, limit int) ([]core.ThreatRecord, error)
	// FindCandidates supports the correlation engine (core.CandidateFinder).
	FindCandidates(ctx context.Context, normalizedTarget string, windowStart time.Time) ([]core.ThreatRecord, error)
	// ExpireThreats transitions active/under_review records whose expiresAt
	// has passed into expired. Returns the number of rows transitioned;
	// running it twice with no new data transitions nothing.
	ExpireThreats(ctx context.Context, now time.Time) (int64, error)
	EnsureIndexes() error
}

// SubscriptionStorageInterface defines the interface for subscription storage
type SubscriptionStorageInterface interface {
	CreateSubscription(ctx context.Context, sub *core.Subscription) error
	GetSubscription(ctx context.Context, id string) (*core.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, sub *core.Subscription) error
	// DeleteSubscription soft-deletes: the row is retained for delivery
	// history but excluded from matcher snapshots and owner listings.
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptionsByOwner(ctx context.Context, userID, subscriberID string) ([]core.Subscription, error)
	// ListActiveSubscriptions returns the matcher's fan-out snapshot.
	ListActiveSubscriptions(ctx context.Context) ([]core.Subscription, error)
	EnsureIndexes() error
}

// DeliveryStorageInterface defines the interface for delivery attempt storage
type DeliveryStorageInterface interface {
	RecordAttempt(ctx context.Context, attempt *core.DeliveryAttempt) error
	UpdateAttempt(ctx context.Context, attempt *core.DeliveryAttempt) error
	ListAttemptsBySubscription(ctx context.Context, subscriptionID string, limit, offset int) ([]core.DeliveryAttempt, int64, error)
	// PendingRetries returns failed-in-flight attempts whose nextRetryAt has
	// passed, so a restarted service can resume abandoned webhook retries.
	PendingRetries(ctx context.Context, now time.Time, limit int) ([]core.DeliveryAttempt, error)
	EnsureIndexes() error
}
