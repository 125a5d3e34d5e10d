package feeds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aegis/core"
	"aegis/ingest"
	"aegis/metrics"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrSourceNotFound is returned when fetching an unregistered source
var ErrSourceNotFound = errors.New("feed source not found")

// ErrFetchInProgress is returned when a source is already being fetched
var ErrFetchInProgress = errors.New("fetch already in progress for source")

// SourceStatus describes the operational state of one registered source
type SourceStatus struct {
	Name        string     `json:"name"`
	Running     bool       `json:"running"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	// Counters accumulate across fetches since startup.
	Fetched    int64 `json:"fetched"`
	Ingested   int64 `json:"ingested"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
}

// FetchResult summarizes one completed fetch
type FetchResult struct {
	Source     string `json:"source"`
	Fetched    int    `json:"fetched"`
	Ingested   int    `json:"ingested"`
	Duplicates int    `json:"duplicates"`
	Rejected   int    `json:"rejected"`
}

// Manager owns the registered feed sources and pushes their candidates
// through the ingestion gateway, so feed data gets exactly the same
// validation, dedup and fan-out as API submissions.
type Manager struct {
	gateway *ingest.Gateway
	logger  *zap.SugaredLogger

	mu      sync.RWMutex
	sources map[string]Source
	status  map[string]*SourceStatus
}

// NewManager creates a feed manager
func NewManager(gateway *ingest.Gateway, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		gateway: gateway,
		logger:  logger,
		sources: make(map[string]Source),
		status:  make(map[string]*SourceStatus),
	}
}

// Register adds a source. Registering the same name twice replaces the source
// but keeps its accumulated status.
func (m *Manager) Register(source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := source.Name()
	m.sources[name] = source
	if _, ok := m.status[name]; !ok {
		m.status[name] = &SourceStatus{Name: name}
	}
	m.logger.Infow("Registered feed source", "source", name)
}

// SourceNames returns the registered source names
func (m *Manager) SourceNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	return names
}

// Status returns a snapshot of every source's status
func (m *Manager) Status() []SourceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SourceStatus, 0, len(m.status))
	for _, st := range m.status {
		out = append(out, *st)
	}
	return out
}

// FetchSource pulls one source and ingests its candidates.
// The fetch itself is retried with exponential backoff; individual candidate
// rejections are counted but never abort the batch.
func (m *Manager) FetchSource(ctx context.Context, name string) (*FetchResult, error) {
	m.mu.Lock()
	source, ok := m.sources[name]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	}
	st := m.status[name]
	if st.Running {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFetchInProgress, name)
	}
	st.Running = true
	now := time.Now().UTC()
	st.LastRun = &now
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		st.Running = false
		m.mu.Unlock()
	}()

	var candidates []core.ThreatCandidate
	fetch := func() error {
		var err error
		candidates, err = source.Fetch(ctx)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)

	if err := backoff.Retry(fetch, policy); err != nil {
		metrics.FeedFetchFailures.WithLabelValues(name).Inc()
		m.mu.Lock()
		st.LastError = err.Error()
		m.mu.Unlock()
		m.logger.Errorw("Feed fetch failed", "source", name, "error", err)
		return nil, fmt.Errorf("failed to fetch feed %q: %w", name, err)
	}

	result := &FetchResult{Source: name, Fetched: len(candidates)}
	for i := range candidates {
		ingestResult, err := m.gateway.Ingest(ctx, &candidates[i])
		switch {
		case err != nil:
			result.Rejected++
			m.logger.Debugw("Feed candidate rejected",
				"source", name, "error", err)
		case ingestResult.IsDuplicate:
			result.Duplicates++
		default:
			result.Ingested++
		}
	}

	m.mu.Lock()
	success := time.Now().UTC()
	st.LastSuccess = &success
	st.LastError = ""
	st.Fetched += int64(result.Fetched)
	st.Ingested += int64(result.Ingested)
	st.Duplicates += int64(result.Duplicates)
	st.Rejected += int64(result.Rejected)
	m.mu.Unlock()

	m.logger.Infow("Feed fetch complete",
		"source", name,
		"fetched", result.Fetched,
		"ingested", result.Ingested,
		"duplicates", result.Duplicates,
		"rejected", result.Rejected)

	return result, nil
}

// FetchAll pulls every registered source sequentially.
// Used by the CLI; the scheduler fetches sources individually.
func (m *Manager) FetchAll(ctx context.Context) []FetchResult {
	var results []FetchResult
	for _, name := range m.SourceNames() {
		result, err := m.FetchSource(ctx, name)
		if err != nil {
			results = append(results, FetchResult{Source: name})
			continue
		}
		results = append(results, *result)
	}
	return results
}
