package storage

import (
	"context"
	"testing"
	"time"

	"aegis/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupSubscriptionStorage(t *testing.T) *SQLiteSubscriptionStorage {
	sqlite := setupTestSQLite(t)
	storage, err := NewSQLiteSubscriptionStorage(sqlite, zap.NewNop().Sugar())
	require.NoError(t, err, "Failed to create subscription storage")
	return storage
}

func testSubscription(id string) *core.Subscription {
	now := time.Now().UTC()
	return &core.Subscription{
		ID:           id,
		SubscriberID: "sub-secret-" + id,
		Filters: core.SubscriptionFilters{
			Types:      []core.ThreatType{core.ThreatTypePhishing},
			Severities: []core.Severity{core.SeverityCritical, core.SeverityHigh},
		},
		Delivery: core.DeliveryConfig{
			Channels:   []core.DeliveryChannel{core.ChannelWebhook},
			WebhookURL: "https://hooks.example.com/" + id,
			RateLimit:  core.RateLimit{MaxPerHour: 10, MaxPerDay: 100},
		},
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TestSubscriptionStorage_CreateAndGet tests round-tripping a subscription
func TestSubscriptionStorage_CreateAndGet(t *testing.T) {
	storage := setupSubscriptionStorage(t)
	ctx := context.Background()

	sub := testSubscription("sub-1")
	require.NoError(t, storage.CreateSubscription(ctx, sub))

	got, err := storage.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, sub.SubscriberID, got.SubscriberID)
	assert.Equal(t, []core.ThreatType{core.ThreatTypePhishing}, got.Filters.Types)
	assert.Equal(t, "https://hooks.example.com/sub-1", got.Delivery.WebhookURL)
	assert.Equal(t, 10, got.Delivery.RateLimit.MaxPerHour)
	assert.True(t, got.IsActive)
}

// TestSubscriptionStorage_Update tests filter and delivery replacement
func TestSubscriptionStorage_Update(t *testing.T) {
	storage := setupSubscriptionStorage(t)
	ctx := context.Background()

	sub := testSubscription("sub-1")
	require.NoError(t, storage.CreateSubscription(ctx, sub))

	sub.Filters.MinConfidence = 80
	sub.IsActive = false
	require.NoError(t, storage.UpdateSubscription(ctx, "sub-1", sub))

	got, err := storage.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, 80, got.Filters.MinConfidence)
	assert.False(t, got.IsActive)

	err = storage.UpdateSubscription(ctx, "missing", sub)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

// TestSubscriptionStorage_SoftDelete tests that deleted subscriptions keep
// their row but drop out of listings and snapshots
func TestSubscriptionStorage_SoftDelete(t *testing.T) {
	storage := setupSubscriptionStorage(t)
	ctx := context.Background()

	sub := testSubscription("sub-1")
	require.NoError(t, storage.CreateSubscription(ctx, sub))
	require.NoError(t, storage.DeleteSubscription(ctx, "sub-1"))

	// The row survives for delivery history joins.
	got, err := storage.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
	assert.False(t, got.IsActive)

	active, err := storage.ListActiveSubscriptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	owned, err := storage.ListSubscriptionsByOwner(ctx, "", sub.SubscriberID)
	require.NoError(t, err)
	assert.Empty(t, owned)

	// Double delete reports not found.
	err = storage.DeleteSubscription(ctx, "sub-1")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

// TestSubscriptionStorage_ListByOwner tests owner scoping
func TestSubscriptionStorage_ListByOwner(t *testing.T) {
	storage := setupSubscriptionStorage(t)
	ctx := context.Background()

	authed := testSubscription("sub-1")
	authed.UserID = "user-42"
	authed.SubscriberID = ""
	require.NoError(t, storage.CreateSubscription(ctx, authed))

	anon := testSubscription("sub-2")
	require.NoError(t, storage.CreateSubscription(ctx, anon))

	byUser, err := storage.ListSubscriptionsByOwner(ctx, "user-42", "")
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "sub-1", byUser[0].ID)

	bySecret, err := storage.ListSubscriptionsByOwner(ctx, "", anon.SubscriberID)
	require.NoError(t, err)
	require.Len(t, bySecret, 1)
	assert.Equal(t, "sub-2", bySecret[0].ID)

	none, err := storage.ListSubscriptionsByOwner(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// TestSubscriptionStorage_ListActive tests the matcher snapshot
func TestSubscriptionStorage_ListActive(t *testing.T) {
	storage := setupSubscriptionStorage(t)
	ctx := context.Background()

	active := testSubscription("sub-1")
	require.NoError(t, storage.CreateSubscription(ctx, active))

	paused := testSubscription("sub-2")
	paused.IsActive = false
	require.NoError(t, storage.CreateSubscription(ctx, paused))

	snapshot, err := storage.ListActiveSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "sub-1", snapshot[0].ID)
}
