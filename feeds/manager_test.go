package feeds

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"aegis/core"
	"aegis/ingest"
	"aegis/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryThreatStorage is a minimal in-memory ThreatStorageInterface for
// exercising the manager against a real gateway
type memoryThreatStorage struct {
	mu      sync.Mutex
	records map[string]*core.ThreatRecord
}

func newMemoryThreatStorage() *memoryThreatStorage {
	return &memoryThreatStorage{records: make(map[string]*core.ThreatRecord)}
}

func (m *memoryThreatStorage) InsertThreat(_ context.Context, threat *core.ThreatRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *threat
	m.records[threat.ID] = &clone
	return nil
}

func (m *memoryThreatStorage) GetThreat(_ context.Context, id string) (*core.ThreatRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, storage.ErrThreatNotFound
	}
	clone := *record
	return &clone, nil
}

func (m *memoryThreatStorage) UpdateThreatStatus(context.Context, string, core.ThreatStatus, core.ThreatStatus) error {
	return nil
}

func (m *memoryThreatStorage) AppendEvidence(_ context.Context, id string, indicators []string, lastSeen time.Time, confidence int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return storage.ErrThreatNotFound
	}
	record.MergeIndicators(indicators)
	return nil
}

func (m *memoryThreatStorage) LinkRelated(context.Context, string, string) error { return nil }

func (m *memoryThreatStorage) QueryThreats(context.Context, *storage.ThreatQueryFilter, *storage.ThreatQueryOptions) ([]core.ThreatRecord, int64, error) {
	return nil, 0, nil
}

func (m *memoryThreatStorage) SearchThreats(context.Context, string, int) ([]core.ThreatRecord, error) {
	return nil, nil
}

func (m *memoryThreatStorage) FindCandidates(_ context.Context, normalizedTarget string, _ time.Time) ([]core.ThreatRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.ThreatRecord
	for _, record := range m.records {
		if core.NormalizeTargetValue(record.Target.Type, record.Target.Value) == normalizedTarget {
			out = append(out, *record)
		}
	}
	return out, nil
}

func (m *memoryThreatStorage) ExpireThreats(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *memoryThreatStorage) EnsureIndexes() error { return nil }

func (m *memoryThreatStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// stubSource returns canned candidates or an error
type stubSource struct {
	name       string
	candidates []core.ThreatCandidate
	err        error
	calls      int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(context.Context) ([]core.ThreatCandidate, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.candidates, nil
}

func setupManager(t *testing.T) (*Manager, *memoryThreatStorage) {
	logger := zap.NewNop().Sugar()
	store := newMemoryThreatStorage()
	engine, err := core.NewCorrelationEngine(store, core.DefaultCorrelationConfig(), logger)
	require.NoError(t, err)
	gateway := ingest.NewGateway(store, engine, nil, ingest.DefaultConfig(), logger)
	return NewManager(gateway, logger), store
}

func feedCandidate(target string) core.ThreatCandidate {
	confidence := 60
	return core.ThreatCandidate{
		Source:     "ignored",
		Type:       core.ThreatTypePhishing,
		Severity:   core.SeverityHigh,
		Confidence: &confidence,
		Target:     core.Target{Type: core.TargetTypeURL, Value: target},
		Indicators: []string{"lookalike-domain"},
		Context:    core.ThreatContext{Title: "Feed-reported phishing page"},
	}
}

// TestManager_FetchSource tests a successful fetch with mixed outcomes
func TestManager_FetchSource(t *testing.T) {
	manager, store := setupManager(t)

	source := &stubSource{
		name: "chainwatch",
		candidates: []core.ThreatCandidate{
			feedCandidate("https://evil.example.com/a"),
			feedCandidate("https://evil.example.com/a"), // exact duplicate
			{Type: core.ThreatTypePhishing},             // invalid: no source/target
		},
	}
	manager.Register(source)

	result, err := manager.FetchSource(context.Background(), "chainwatch")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 1, result.Ingested)
	assert.Equal(t, 1, result.Duplicates)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, 1, store.count())

	status := manager.Status()
	require.Len(t, status, 1)
	assert.Equal(t, int64(1), status[0].Ingested)
	assert.NotNil(t, status[0].LastSuccess)
	assert.Empty(t, status[0].LastError)
}

// TestManager_FetchSource_NotFound tests fetching an unregistered source
func TestManager_FetchSource_NotFound(t *testing.T) {
	manager, _ := setupManager(t)

	_, err := manager.FetchSource(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

// TestManager_FetchSource_ErrorRecorded tests failure status tracking
func TestManager_FetchSource_ErrorRecorded(t *testing.T) {
	manager, _ := setupManager(t)

	source := &stubSource{name: "flaky", err: fmt.Errorf("connection refused")}
	manager.Register(source)

	_, err := manager.FetchSource(context.Background(), "flaky")
	require.Error(t, err)
	assert.Greater(t, source.calls, 1, "Fetch failures are retried with backoff")

	status := manager.Status()
	require.Len(t, status, 1)
	assert.Contains(t, status[0].LastError, "connection refused")
	assert.Nil(t, status[0].LastSuccess)
}

// TestJSONHTTPSource_Fetch tests the HTTP feed source end to end
func TestJSONHTTPSource_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{
			"source": "spoofed",
			"type": "phishing",
			"severity": "high",
			"target": {"type": "url", "value": "https://evil.example.com/login"},
			"context": {"title": "Phishing page"}
		}]`)
	}))
	defer server.Close()

	source, err := NewJSONHTTPSource(JSONSourceConfig{
		Name:    "chainwatch",
		URL:     server.URL,
		Headers: map[string]string{"X-Api-Key": "secret"},
	})
	require.NoError(t, err)

	candidates, err := source.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "chainwatch", candidates[0].Source,
		"The feed name overrides whatever source the payload claims")
	assert.Equal(t, core.ThreatTypePhishing, candidates[0].Type)
}

// TestJSONHTTPSource_FetchErrors tests HTTP and decode failures
func TestJSONHTTPSource_FetchErrors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	source, err := NewJSONHTTPSource(JSONSourceConfig{Name: "down", URL: failing.URL})
	require.NoError(t, err)
	_, err = source.Fetch(context.Background())
	assert.ErrorContains(t, err, "status 503")

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json")
	}))
	defer garbage.Close()

	source, err = NewJSONHTTPSource(JSONSourceConfig{Name: "garbage", URL: garbage.URL})
	require.NoError(t, err)
	_, err = source.Fetch(context.Background())
	assert.ErrorContains(t, err, "decode")
}
