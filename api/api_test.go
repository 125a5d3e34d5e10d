package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"aegis/core"
	"aegis/dispatch"
	"aegis/ingest"
	"aegis/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAdminToken = "admin-secret"

// testServer wires a full API server over real SQLite storage
func testServer(t *testing.T) *Server {
	logger := zap.NewNop().Sugar()
	sqlite, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api-test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	threats, err := storage.NewSQLiteThreatStorage(sqlite, logger)
	require.NoError(t, err)
	subscriptions, err := storage.NewSQLiteSubscriptionStorage(sqlite, logger)
	require.NoError(t, err)
	deliveries, err := storage.NewSQLiteDeliveryStorage(sqlite, logger)
	require.NoError(t, err)

	engine, err := core.NewCorrelationEngine(threats, core.DefaultCorrelationConfig(), logger)
	require.NoError(t, err)

	inbox := dispatch.NewInbox(100)
	limiter := dispatch.NewDeliveryLimiter(nil, logger)
	dispatcher := dispatch.NewDispatcher(deliveries, limiter, nil, inbox, nil, dispatch.DefaultDispatcherConfig(), logger)
	matcherConfig := dispatch.DefaultMatcherConfig()
	matcherConfig.RetryInterval = 0
	matcher := dispatch.NewMatcher(subscriptions, threats, dispatcher, matcherConfig, logger)

	gateway := ingest.NewGateway(threats, engine, matcher, ingest.DefaultConfig(), logger)

	hub := NewStreamHub(logger)
	config := ServerConfig{
		Host:           "127.0.0.1",
		Port:           0,
		AllowedOrigins: []string{"*"},
		Auth:           AuthConfig{AdminToken: testAdminToken},
	}
	return NewServer(config, gateway, threats, subscriptions, deliveries, matcher, inbox, nil, hub, logger)
}

func doRequest(t *testing.T, server *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, req)
	return recorder
}

func submitBody(target string) map[string]interface{} {
	return map[string]interface{}{
		"source":     "community",
		"type":       "phishing",
		"category":   "fake-airdrop",
		"severity":   "high",
		"confidence": 70,
		"target":     map[string]string{"type": "url", "value": target},
		"indicators": []string{"fake-login-form"},
		"context": map[string]interface{}{
			"title":       "Phishing page",
			"description": "Credential harvester",
			"tags":        []string{"wallet"},
		},
	}
}

// TestAPI_SubmitThreat tests creation and the 409 duplicate contract
func TestAPI_SubmitThreat(t *testing.T) {
	server := testServer(t)

	resp := doRequest(t, server, http.MethodPost, "/api/v1/threats", submitBody("https://evil.example.com/login"), nil)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var created core.ThreatRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, core.ThreatStatusActive, created.Status)

	// Resubmitting the same threat conflicts and names the original.
	resp = doRequest(t, server, http.MethodPost, "/api/v1/threats", submitBody("https://EVIL.example.com/login"), nil)
	require.Equal(t, http.StatusConflict, resp.Code)

	var dup duplicateResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &dup))
	assert.Equal(t, created.ID, dup.Duplicate.OriginalThreatID)
	assert.GreaterOrEqual(t, dup.Duplicate.SimilarityScore, 0.75)
	assert.NotEmpty(t, dup.Duplicate.Reason)
}

// TestAPI_SubmitThreat_Invalid tests validation failures
func TestAPI_SubmitThreat_Invalid(t *testing.T) {
	server := testServer(t)

	body := submitBody("https://evil.example.com/x")
	body["type"] = "ransomware"
	resp := doRequest(t, server, http.MethodPost, "/api/v1/threats", body, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doRequest(t, server, http.MethodPost, "/api/v1/threats", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

// TestAPI_ListThreats tests filtered listing with pagination metadata
func TestAPI_ListThreats(t *testing.T) {
	server := testServer(t)

	for i := 0; i < 3; i++ {
		body := submitBody(fmt.Sprintf("https://evil%d.example.com/login", i))
		if i == 2 {
			body["type"] = "scam"
		}
		resp := doRequest(t, server, http.MethodPost, "/api/v1/threats", body, nil)
		require.Equal(t, http.StatusCreated, resp.Code)
	}

	resp := doRequest(t, server, http.MethodGet, "/api/v1/threats?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var list threatListResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Equal(t, int64(3), list.Total)
	assert.Len(t, list.Threats, 2)
	assert.True(t, list.HasMore)

	resp = doRequest(t, server, http.MethodGet, "/api/v1/threats?type=scam", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Equal(t, int64(1), list.Total)
	assert.False(t, list.HasMore)
}

// TestAPI_ListThreats_DateRange tests filtering on the record creation window
func TestAPI_ListThreats_DateRange(t *testing.T) {
	server := testServer(t)

	resp := doRequest(t, server, http.MethodPost, "/api/v1/threats", submitBody("https://evil.example.com/window"), nil)
	require.Equal(t, http.StatusCreated, resp.Code)

	hourAgo := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	hourAhead := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)

	resp = doRequest(t, server, http.MethodGet,
		"/api/v1/threats?start_date="+hourAgo+"&end_date="+hourAhead, nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var list threatListResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Equal(t, int64(1), list.Total)

	resp = doRequest(t, server, http.MethodGet, "/api/v1/threats?end_date="+hourAgo, nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Equal(t, int64(0), list.Total,
		"A window ending before the record was created excludes it")
}

// TestAPI_SearchThreats tests the minimum query length and results
func TestAPI_SearchThreats(t *testing.T) {
	server := testServer(t)

	resp := doRequest(t, server, http.MethodPost, "/api/v1/threats", submitBody("https://drainer.example.com/a"), nil)
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = doRequest(t, server, http.MethodGet, "/api/v1/threats/search?q=x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code, "Single-character queries are rejected")

	resp = doRequest(t, server, http.MethodGet, "/api/v1/threats/search?q=drainer", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var result struct {
		Threats []core.ThreatRecord `json:"threats"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.Len(t, result.Threats, 1)
}

// TestAPI_GetThreat tests retrieval and 404
func TestAPI_GetThreat(t *testing.T) {
	server := testServer(t)

	resp := doRequest(t, server, http.MethodPost, "/api/v1/threats", submitBody("https://evil.example.com/g"), nil)
	require.Equal(t, http.StatusCreated, resp.Code)
	var created core.ThreatRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))

	resp = doRequest(t, server, http.MethodGet, "/api/v1/threats/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(t, server, http.MethodGet, "/api/v1/threats/nonexistent", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

// TestAPI_UpdateThreatStatus tests the admin-gated lifecycle endpoint
func TestAPI_UpdateThreatStatus(t *testing.T) {
	server := testServer(t)
	admin := map[string]string{"X-Admin-Token": testAdminToken}

	resp := doRequest(t, server, http.MethodPost, "/api/v1/threats", submitBody("https://evil.example.com/s"), nil)
	require.Equal(t, http.StatusCreated, resp.Code)
	var created core.ThreatRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))

	statusBody := map[string]string{"status": "under_review"}

	resp = doRequest(t, server, http.MethodPut, "/api/v1/threats/"+created.ID+"/status", statusBody, nil)
	assert.Equal(t, http.StatusForbidden, resp.Code, "Status updates require admin access")

	resp = doRequest(t, server, http.MethodPut, "/api/v1/threats/"+created.ID+"/status", statusBody, admin)
	require.Equal(t, http.StatusOK, resp.Code)
	var updated core.ThreatRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &updated))
	assert.Equal(t, core.ThreatStatusUnderReview, updated.Status)

	// active -> resolved is not a legal transition from under_review either.
	resp = doRequest(t, server, http.MethodPut, "/api/v1/threats/"+created.ID+"/status",
		map[string]string{"status": "resolved"}, admin)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

// TestAPI_SubscriptionLifecycle tests anonymous create/list/update/delete
func TestAPI_SubscriptionLifecycle(t *testing.T) {
	server := testServer(t)

	createBody := map[string]interface{}{
		"filters": map[string]interface{}{
			"severities": []string{"critical", "high"},
		},
		"delivery": map[string]interface{}{
			"channels":    []string{"webhook"},
			"webhook_url": "https://hooks.example.com/cb",
			"rate_limit":  map[string]int{"max_per_hour": 10, "max_per_day": 100},
		},
	}

	resp := doRequest(t, server, http.MethodPost, "/api/v1/subscriptions", createBody, nil)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var created core.Subscription
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	assert.NotEmpty(t, created.SubscriberID,
		"Anonymous creation returns a generated subscriber secret")

	owner := map[string]string{"X-Subscriber-Id": created.SubscriberID}

	// Listing requires an identity.
	resp = doRequest(t, server, http.MethodGet, "/api/v1/subscriptions", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doRequest(t, server, http.MethodGet, "/api/v1/subscriptions", nil, owner)
	require.Equal(t, http.StatusOK, resp.Code)

	// A wrong secret is forbidden, not silently empty.
	stranger := map[string]string{"X-Subscriber-Id": "wrong-secret"}
	resp = doRequest(t, server, http.MethodGet, "/api/v1/subscriptions/"+created.ID, nil, stranger)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	// Update filters.
	createBody["filters"] = map[string]interface{}{"types": []string{"phishing"}}
	resp = doRequest(t, server, http.MethodPut, "/api/v1/subscriptions/"+created.ID, createBody, owner)
	require.Equal(t, http.StatusOK, resp.Code)
	var updated core.Subscription
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &updated))
	assert.Equal(t, []core.ThreatType{core.ThreatTypePhishing}, updated.Filters.Types)

	// Delivery history exists and is empty.
	resp = doRequest(t, server, http.MethodGet, "/api/v1/subscriptions/"+created.ID+"/deliveries", nil, owner)
	require.Equal(t, http.StatusOK, resp.Code)

	// Delete, then the subscription is gone.
	resp = doRequest(t, server, http.MethodDelete, "/api/v1/subscriptions/"+created.ID, nil, owner)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	resp = doRequest(t, server, http.MethodGet, "/api/v1/subscriptions/"+created.ID, nil, owner)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

// TestAPI_SubscriptionValidation tests rejected subscription bodies
func TestAPI_SubscriptionValidation(t *testing.T) {
	server := testServer(t)

	// Webhook channel without a URL.
	body := map[string]interface{}{
		"delivery": map[string]interface{}{"channels": []string{"webhook"}},
	}
	resp := doRequest(t, server, http.MethodPost, "/api/v1/subscriptions", body, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	// No channels at all.
	body = map[string]interface{}{
		"delivery": map[string]interface{}{"channels": []string{}},
	}
	resp = doRequest(t, server, http.MethodPost, "/api/v1/subscriptions", body, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

// TestAPI_Broadcast tests the admin emergency broadcast endpoint
func TestAPI_Broadcast(t *testing.T) {
	server := testServer(t)
	admin := map[string]string{"X-Admin-Token": testAdminToken}

	resp := doRequest(t, server, http.MethodPost, "/api/v1/threats", submitBody("https://evil.example.com/b"), nil)
	require.Equal(t, http.StatusCreated, resp.Code)
	var created core.ThreatRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))

	broadcastBody := map[string]string{"threat_id": created.ID}

	resp = doRequest(t, server, http.MethodPost, "/api/v1/admin/broadcast", broadcastBody, nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = doRequest(t, server, http.MethodPost, "/api/v1/admin/broadcast", broadcastBody, admin)
	assert.Equal(t, http.StatusAccepted, resp.Code)

	resp = doRequest(t, server, http.MethodPost, "/api/v1/admin/broadcast",
		map[string]string{"threat_id": "missing"}, admin)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

// TestAPI_InAppNotifications tests the inbox endpoints end to end through a
// real fan-out
func TestAPI_InAppNotifications(t *testing.T) {
	server := testServer(t)

	createBody := map[string]interface{}{
		"delivery": map[string]interface{}{"channels": []string{"in-app"}},
	}
	resp := doRequest(t, server, http.MethodPost, "/api/v1/subscriptions", createBody, nil)
	require.Equal(t, http.StatusCreated, resp.Code)
	var sub core.Subscription
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &sub))
	owner := map[string]string{"X-Subscriber-Id": sub.SubscriberID}

	server.matcher.Start()
	defer server.matcher.Stop()

	resp = doRequest(t, server, http.MethodPost, "/api/v1/threats", submitBody("https://evil.example.com/n"), nil)
	require.Equal(t, http.StatusCreated, resp.Code)

	var notifications struct {
		Notifications []*dispatch.InboxNotification `json:"notifications"`
	}
	require.Eventually(t, func() bool {
		resp := doRequest(t, server, http.MethodGet, "/api/v1/notifications", nil, owner)
		if resp.Code != http.StatusOK {
			return false
		}
		notifications.Notifications = nil
		return json.Unmarshal(resp.Body.Bytes(), &notifications) == nil &&
			len(notifications.Notifications) == 1
	}, 3*time.Second, 25*time.Millisecond, "Fan-out should land an in-app notification")

	noteID := notifications.Notifications[0].ID
	resp = doRequest(t, server, http.MethodPost, "/api/v1/notifications/"+noteID+"/read", nil, owner)
	assert.Equal(t, http.StatusNoContent, resp.Code)
}

// TestAPI_Health tests the liveness endpoint
func TestAPI_Health(t *testing.T) {
	server := testServer(t)
	resp := doRequest(t, server, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}
