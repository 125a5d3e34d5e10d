package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"aegis/core"
	"aegis/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockDeliveryStorage is an in-memory DeliveryStorageInterface
type mockDeliveryStorage struct {
	mu       sync.Mutex
	attempts map[string]*core.DeliveryAttempt
}

func newMockDeliveryStorage() *mockDeliveryStorage {
	return &mockDeliveryStorage{attempts: make(map[string]*core.DeliveryAttempt)}
}

func (m *mockDeliveryStorage) RecordAttempt(_ context.Context, attempt *core.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *attempt
	m.attempts[attempt.ID] = &clone
	return nil
}

func (m *mockDeliveryStorage) UpdateAttempt(_ context.Context, attempt *core.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[attempt.ID]; !ok {
		return storage.ErrDeliveryNotFound
	}
	clone := *attempt
	m.attempts[attempt.ID] = &clone
	return nil
}

func (m *mockDeliveryStorage) ListAttemptsBySubscription(_ context.Context, subscriptionID string, _, _ int) ([]core.DeliveryAttempt, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.DeliveryAttempt
	for _, a := range m.attempts {
		if a.SubscriptionID == subscriptionID {
			out = append(out, *a)
		}
	}
	return out, int64(len(out)), nil
}

func (m *mockDeliveryStorage) PendingRetries(_ context.Context, now time.Time, _ int) ([]core.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.DeliveryAttempt
	for _, a := range m.attempts {
		if a.Status == core.DeliveryStatusFailed && a.NextRetryAt != nil && !a.NextRetryAt.After(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockDeliveryStorage) EnsureIndexes() error { return nil }

func (m *mockDeliveryStorage) byStatus(status core.DeliveryStatus) []*core.DeliveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.DeliveryAttempt
	for _, a := range m.attempts {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out
}

func testDispatcher(deliveries *mockDeliveryStorage, stream StreamPublisher, inbox InAppNotifier) *Dispatcher {
	logger := zap.NewNop().Sugar()
	config := DefaultDispatcherConfig()
	config.MaxRetries = 2
	config.InitialBackoff = time.Millisecond
	config.MaxBackoff = 5 * time.Millisecond
	limiter := NewDeliveryLimiter(nil, logger)
	return NewDispatcher(deliveries, limiter, stream, inbox, nil, config, logger)
}

func webhookSubscription(id, url string) *core.Subscription {
	return &core.Subscription{
		ID: id,
		Delivery: core.DeliveryConfig{
			Channels:   []core.DeliveryChannel{core.ChannelWebhook},
			WebhookURL: url,
		},
		IsActive: true,
	}
}

func dispatchThreat(id string) *core.ThreatRecord {
	now := time.Now().UTC()
	return &core.ThreatRecord{
		ID:       id,
		Source:   "community",
		Type:     core.ThreatTypePhishing,
		Severity: core.SeverityHigh,
		Target:   core.Target{Type: core.TargetTypeURL, Value: "https://evil.example.com"},
		Context:  core.ThreatContext{Title: "Phishing page"},
		Timeline: core.Timeline{FirstSeen: now, LastSeen: now, DiscoveredAt: now},
		Status:   core.ThreatStatusActive,
	}
}

// TestDispatcher_WebhookSuccess tests a delivered webhook with payload check
func TestDispatcher_WebhookSuccess(t *testing.T) {
	var received WebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	deliveries := newMockDeliveryStorage()
	dispatcher := testDispatcher(deliveries, nil, nil)
	sub := webhookSubscription("sub-1", server.URL)

	dispatcher.Deliver(context.Background(), sub, dispatchThreat("threat-1"))

	delivered := deliveries.byStatus(core.DeliveryStatusDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, 200, delivered[0].ResponseCode)
	assert.Equal(t, 1, delivered[0].Attempt)

	assert.Equal(t, "threat.detected", received.Event)
	assert.Equal(t, "sub-1", received.SubscriptionID)
	assert.Equal(t, "threat-1", received.Threat.ID)
}

// TestDispatcher_WebhookRetriesThenSucceeds tests transient failure recovery
func TestDispatcher_WebhookRetriesThenSucceeds(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	deliveries := newMockDeliveryStorage()
	dispatcher := testDispatcher(deliveries, nil, nil)
	dispatcher.Deliver(context.Background(), webhookSubscription("sub-1", server.URL), dispatchThreat("threat-1"))

	delivered := deliveries.byStatus(core.DeliveryStatusDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, 3, delivered[0].Attempt, "Two 502s then success is three attempts")
}

// TestDispatcher_WebhookExhaustsRetries tests terminal failure with a
// persisted retry marker
func TestDispatcher_WebhookExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	deliveries := newMockDeliveryStorage()
	dispatcher := testDispatcher(deliveries, nil, nil)
	dispatcher.Deliver(context.Background(), webhookSubscription("sub-1", server.URL), dispatchThreat("threat-1"))

	failed := deliveries.byStatus(core.DeliveryStatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempt, "Initial attempt plus MaxRetries")
	assert.Equal(t, 502, failed[0].ResponseCode)
	assert.NotNil(t, failed[0].NextRetryAt, "Exhausted webhooks schedule a persisted retry")
}

// TestDispatcher_WebhookClientErrorIsPermanent tests that 4xx short-circuits retries
func TestDispatcher_WebhookClientErrorIsPermanent(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	deliveries := newMockDeliveryStorage()
	dispatcher := testDispatcher(deliveries, nil, nil)
	dispatcher.Deliver(context.Background(), webhookSubscription("sub-1", server.URL), dispatchThreat("threat-1"))

	mu.Lock()
	assert.Equal(t, 1, calls, "403 must not be retried")
	mu.Unlock()

	failed := deliveries.byStatus(core.DeliveryStatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 403, failed[0].ResponseCode)
}

// TestDispatcher_RateLimitRecordsSkipped tests the skipped_rate_limited record
func TestDispatcher_RateLimitRecordsSkipped(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	deliveries := newMockDeliveryStorage()
	dispatcher := testDispatcher(deliveries, nil, nil)
	sub := webhookSubscription("sub-1", server.URL)
	sub.Delivery.RateLimit = core.RateLimit{MaxPerHour: 1}

	ctx := context.Background()
	dispatcher.Deliver(ctx, sub, dispatchThreat("threat-1"))
	dispatcher.Deliver(ctx, sub, dispatchThreat("threat-2"))

	mu.Lock()
	assert.Equal(t, 1, calls, "Second delivery must not reach the endpoint")
	mu.Unlock()

	skipped := deliveries.byStatus(core.DeliveryStatusRateLimited)
	require.Len(t, skipped, 1)
	assert.Equal(t, "threat-2", skipped[0].ThreatID,
		"The skipped delivery is recorded so the history shows what was missed")
}

// TestDispatcher_CircuitBreakerOpens tests per-endpoint isolation
func TestDispatcher_CircuitBreakerOpens(t *testing.T) {
	var calls int
	var mu sync.Mutex
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer dead.Close()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	deliveries := newMockDeliveryStorage()
	dispatcher := testDispatcher(deliveries, nil, nil)
	ctx := context.Background()

	deadSub := webhookSubscription("sub-dead", dead.URL)
	// Five failed fan-outs trip the default breaker.
	for i := 0; i < 5; i++ {
		dispatcher.Deliver(ctx, deadSub, dispatchThreat("threat-1"))
	}
	mu.Lock()
	callsBefore := calls
	mu.Unlock()

	dispatcher.Deliver(ctx, deadSub, dispatchThreat("threat-2"))
	mu.Lock()
	assert.Equal(t, callsBefore, calls, "Open breaker must not hit the endpoint")
	mu.Unlock()

	// The healthy endpoint is unaffected.
	dispatcher.Deliver(ctx, webhookSubscription("sub-ok", healthy.URL), dispatchThreat("threat-3"))
	delivered := deliveries.byStatus(core.DeliveryStatusDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, "sub-ok", delivered[0].SubscriptionID)
}

// TestDispatcher_InAppDelivery tests inbox storage through the in-app channel
func TestDispatcher_InAppDelivery(t *testing.T) {
	deliveries := newMockDeliveryStorage()
	inbox := NewInbox(10)
	dispatcher := testDispatcher(deliveries, nil, inbox)

	sub := &core.Subscription{
		ID:           "sub-1",
		SubscriberID: "secret-1",
		Delivery: core.DeliveryConfig{
			Channels: []core.DeliveryChannel{core.ChannelInApp},
		},
		IsActive: true,
	}
	dispatcher.Deliver(context.Background(), sub, dispatchThreat("threat-1"))

	delivered := deliveries.byStatus(core.DeliveryStatusDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, core.ChannelInApp, delivered[0].Channel)

	notifications := inbox.List("", "secret-1")
	require.Len(t, notifications, 1)
	assert.Equal(t, "threat-1", notifications[0].Threat.ID)
}

// TestDispatcher_StreamBestEffort tests stream publishing and the
// not-configured fallback
func TestDispatcher_StreamBestEffort(t *testing.T) {
	deliveries := newMockDeliveryStorage()
	published := 0
	stream := streamFunc(func(*core.ThreatRecord, *core.Subscription) { published++ })
	dispatcher := testDispatcher(deliveries, stream, nil)

	sub := &core.Subscription{
		ID:           "sub-1",
		SubscriberID: "secret-1",
		Delivery:     core.DeliveryConfig{Channels: []core.DeliveryChannel{core.ChannelStream}},
		IsActive:     true,
	}
	dispatcher.Deliver(context.Background(), sub, dispatchThreat("threat-1"))
	assert.Equal(t, 1, published)
	assert.Len(t, deliveries.byStatus(core.DeliveryStatusDelivered), 1)

	unconfigured := testDispatcher(deliveries, nil, nil)
	unconfigured.Deliver(context.Background(), sub, dispatchThreat("threat-2"))
	failed := deliveries.byStatus(core.DeliveryStatusFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "not configured")
}

type streamFunc func(*core.ThreatRecord, *core.Subscription)

func (f streamFunc) PublishThreat(t *core.ThreatRecord, s *core.Subscription) { f(t, s) }
