package sweep

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"aegis/core"
	"aegis/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// expiringStorage implements just enough of ThreatStorageInterface for the sweeper
type expiringStorage struct {
	mu      sync.Mutex
	records []*core.ThreatRecord
	fail    bool
	sweeps  int
}

func (e *expiringStorage) ExpireThreats(_ context.Context, now time.Time) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sweeps++
	if e.fail {
		return 0, fmt.Errorf("storage unavailable")
	}
	var n int64
	for _, r := range e.records {
		if (r.Status == core.ThreatStatusActive || r.Status == core.ThreatStatusUnderReview) &&
			r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			r.Status = core.ThreatStatusExpired
			n++
		}
	}
	return n, nil
}

func (e *expiringStorage) InsertThreat(context.Context, *core.ThreatRecord) error { return nil }
func (e *expiringStorage) GetThreat(context.Context, string) (*core.ThreatRecord, error) {
	return nil, storage.ErrThreatNotFound
}
func (e *expiringStorage) UpdateThreatStatus(context.Context, string, core.ThreatStatus, core.ThreatStatus) error {
	return nil
}
func (e *expiringStorage) AppendEvidence(context.Context, string, []string, time.Time, int) error {
	return nil
}
func (e *expiringStorage) LinkRelated(context.Context, string, string) error { return nil }
func (e *expiringStorage) QueryThreats(context.Context, *storage.ThreatQueryFilter, *storage.ThreatQueryOptions) ([]core.ThreatRecord, int64, error) {
	return nil, 0, nil
}
func (e *expiringStorage) SearchThreats(context.Context, string, int) ([]core.ThreatRecord, error) {
	return nil, nil
}
func (e *expiringStorage) FindCandidates(context.Context, string, time.Time) ([]core.ThreatRecord, error) {
	return nil, nil
}
func (e *expiringStorage) EnsureIndexes() error { return nil }

// TestSweeper_SweepIdempotent tests that a repeat sweep transitions nothing
func TestSweeper_SweepIdempotent(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	store := &expiringStorage{
		records: []*core.ThreatRecord{
			{ID: "overdue", Status: core.ThreatStatusActive, ExpiresAt: &past},
			{ID: "reviewing", Status: core.ThreatStatusUnderReview, ExpiresAt: &past},
			{ID: "fresh", Status: core.ThreatStatusActive, ExpiresAt: &future},
			{ID: "verified", Status: core.ThreatStatusVerified, ExpiresAt: &past},
		},
	}
	sweeper := NewSweeper(store, DefaultConfig(), zap.NewNop().Sugar())

	expired, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), expired)

	expired, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), expired, "Second sweep with no new data is a no-op")
}

// TestSweeper_SweepError tests error propagation
func TestSweeper_SweepError(t *testing.T) {
	store := &expiringStorage{fail: true}
	sweeper := NewSweeper(store, DefaultConfig(), zap.NewNop().Sugar())

	_, err := sweeper.Sweep(context.Background())
	assert.Error(t, err)
}

// TestSweeper_Lifecycle tests the periodic loop start/stop
func TestSweeper_Lifecycle(t *testing.T) {
	store := &expiringStorage{}
	config := Config{Interval: 20 * time.Millisecond, Timeout: time.Second}
	sweeper := NewSweeper(store, config, zap.NewNop().Sugar())

	sweeper.Start()
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.sweeps >= 2
	}, 2*time.Second, 10*time.Millisecond, "Loop should sweep repeatedly")
	sweeper.Stop()
}
