package core

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// ThreatCandidate is a normalized inbound threat report before storage
type ThreatCandidate struct {
	Source      string        `json:"source" validate:"required"`
	Type        ThreatType    `json:"type" validate:"required"`
	Category    string        `json:"category,omitempty"`
	Severity    Severity      `json:"severity,omitempty"`
	// Confidence is a pointer so an explicit 0 survives defaulting.
	Confidence *int `json:"confidence,omitempty"`
	Target      Target        `json:"target" validate:"required"`
	Indicators  []string      `json:"indicators,omitempty"`
	Context     ThreatContext `json:"context" validate:"required"`
	Attribution string        `json:"attribution,omitempty"`
	Impact      *Impact       `json:"impact,omitempty"`
	Timeline    *Timeline     `json:"timeline,omitempty"`
}

// CandidateFinder is the storage surface the correlation engine needs.
// Decoupled as an interface so the engine can be tested against mocks.
type CandidateFinder interface {
	// FindCandidates returns non-expired records with the given normalized
	// target value whose firstSeen falls after windowStart.
	FindCandidates(ctx context.Context, normalizedTarget string, windowStart time.Time) ([]ThreatRecord, error)
}

// CorrelationConfig tunes the similarity policy. The weighting is deliberately
// a policy knob rather than a constant; operators tune it per deployment.
type CorrelationConfig struct {
	// DuplicateThreshold is the minimum score to merge a candidate into an
	// existing canonical record.
	DuplicateThreshold float64
	// RelatedThreshold is the lower bound of the "related" band; scores in
	// [RelatedThreshold, DuplicateThreshold) cross-link without merging.
	RelatedThreshold float64
	// RecencyWindow bounds how far back candidates are considered, per
	// severity. Missing severities fall back to DefaultRecencyWindow.
	RecencyWindow map[Severity]time.Duration
	// DefaultRecencyWindow applies when a severity has no explicit window.
	DefaultRecencyWindow time.Duration

	// Score weights. Exact target match is a required gate, not a weight.
	TypeWeight       float64
	CategoryWeight   float64
	IndicatorWeight  float64
	SameSourceWeight float64
}

// DefaultCorrelationConfig returns the tuned defaults
func DefaultCorrelationConfig() CorrelationConfig {
	return CorrelationConfig{
		DuplicateThreshold:   0.75,
		RelatedThreshold:     0.45,
		DefaultRecencyWindow: 7 * 24 * time.Hour,
		RecencyWindow: map[Severity]time.Duration{
			SeverityCritical: 30 * 24 * time.Hour,
			SeverityHigh:     14 * 24 * time.Hour,
			SeverityMedium:   7 * 24 * time.Hour,
			SeverityLow:      3 * 24 * time.Hour,
		},
		TypeWeight:       0.40,
		CategoryWeight:   0.15,
		IndicatorWeight:  0.30,
		SameSourceWeight: 0.15,
	}
}

// Validate checks the correlation configuration
func (c *CorrelationConfig) Validate() error {
	if c.DuplicateThreshold <= 0 || c.DuplicateThreshold > 1 {
		return fmt.Errorf("duplicate threshold must be in (0,1], got %v", c.DuplicateThreshold)
	}
	if c.RelatedThreshold < 0 || c.RelatedThreshold >= c.DuplicateThreshold {
		return fmt.Errorf("related threshold must be in [0, duplicate threshold), got %v", c.RelatedThreshold)
	}
	if c.DefaultRecencyWindow <= 0 {
		return fmt.Errorf("default recency window must be positive")
	}
	return nil
}

// CorrelationResult is the outcome of a duplicate check
type CorrelationResult struct {
	IsDuplicate bool    `json:"is_duplicate"`
	CanonicalID string  `json:"canonical_id,omitempty"`
	RelatedID   string  `json:"related_id,omitempty"`
	Score       float64 `json:"similarity_score"`
	Reason      string  `json:"reason"`
}

// candidateCacheTTL bounds how stale a cached candidate list may get before
// storage is consulted again. Writes from other replicas become visible after
// at most this long.
const candidateCacheTTL = 30 * time.Second

// cachedCandidates is one target's candidate list together with the window it
// was fetched for.
type cachedCandidates struct {
	records     []ThreatRecord
	windowStart time.Time
	fetchedAt   time.Time
}

// CorrelationEngine decides whether an incoming candidate is a duplicate of a
// recently stored canonical record, a related-but-distinct record, or new.
type CorrelationEngine struct {
	finder CandidateFinder
	config CorrelationConfig
	logger *zap.SugaredLogger

	// candidates caches per-target candidate lists so burst ingestion of the
	// same target does not hit storage on every check. The ingestion gateway
	// invalidates a target's entry after any write touching it.
	candidates *lru.Cache[string, cachedCandidates]
}

// NewCorrelationEngine creates a correlation engine
func NewCorrelationEngine(finder CandidateFinder, config CorrelationConfig, logger *zap.SugaredLogger) (*CorrelationEngine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid correlation config: %w", err)
	}

	cache, err := lru.New[string, cachedCandidates](4096)
	if err != nil {
		return nil, fmt.Errorf("failed to create candidate cache: %w", err)
	}

	return &CorrelationEngine{
		finder:     finder,
		config:     config,
		logger:     logger,
		candidates: cache,
	}, nil
}

// InvalidateTarget drops the cached candidate list for a target so the next
// check sees the write that just happened. Called by the ingestion gateway
// after every insert or merge, under the per-target lock.
func (ce *CorrelationEngine) InvalidateTarget(normalizedTarget string) {
	ce.candidates.Remove(normalizedTarget)
}

// cachedFor returns a usable cached candidate list for the target, if one
// exists. An entry fetched with a narrower window than requested cannot be
// reused: it is missing the older records the wider window needs.
func (ce *CorrelationEngine) cachedFor(normalizedTarget string, windowStart time.Time) ([]ThreatRecord, bool) {
	entry, ok := ce.candidates.Get(normalizedTarget)
	if !ok {
		return nil, false
	}
	if time.Since(entry.fetchedAt) > candidateCacheTTL || entry.windowStart.After(windowStart) {
		ce.candidates.Remove(normalizedTarget)
		return nil, false
	}

	out := make([]ThreatRecord, 0, len(entry.records))
	for _, record := range entry.records {
		if !record.Timeline.FirstSeen.Before(windowStart) {
			out = append(out, record)
		}
	}
	return out, true
}

// windowFor returns the recency window for a severity
func (ce *CorrelationEngine) windowFor(severity Severity) time.Duration {
	if w, ok := ce.config.RecencyWindow[severity]; ok {
		return w
	}
	return ce.config.DefaultRecencyWindow
}

// CheckDuplicate scores the candidate against recent records sharing its
// normalized target value. Exact target match is a hard gate: candidates with
// no target history are always new. Multi-source corroboration of the same
// target scores below the duplicate threshold so it raises confidence on the
// canonical record instead of spawning a duplicate.
func (ce *CorrelationEngine) CheckDuplicate(ctx context.Context, candidate *ThreatCandidate) (*CorrelationResult, error) {
	normalized := NormalizeTargetValue(candidate.Target.Type, candidate.Target.Value)
	window := ce.windowFor(candidate.Severity)
	windowStart := time.Now().Add(-window)

	existing, fromCache := ce.cachedFor(normalized, windowStart)
	if !fromCache {
		var err error
		existing, err = ce.finder.FindCandidates(ctx, normalized, windowStart)
		if err != nil {
			return nil, fmt.Errorf("failed to load correlation candidates: %w", err)
		}
		ce.candidates.Add(normalized, cachedCandidates{
			records:     existing,
			windowStart: windowStart,
			fetchedAt:   time.Now(),
		})
	}
	if len(existing) == 0 {
		return &CorrelationResult{Reason: "no recent records for target"}, nil
	}

	// Pick the best-scoring record; ties broken by most recent lastSeen.
	var best *ThreatRecord
	var bestScore float64
	for i := range existing {
		record := &existing[i]
		if record.Status == ThreatStatusExpired {
			continue
		}
		// Merged records point at their canonical owner; never link a new
		// candidate into a duplicate chain.
		if record.DuplicateOf != "" {
			continue
		}
		score := ce.score(candidate, record)
		if best == nil || score > bestScore ||
			(score == bestScore && record.Timeline.LastSeen.After(best.Timeline.LastSeen)) {
			best = record
			bestScore = score
		}
	}

	if best == nil {
		return &CorrelationResult{Reason: "no live canonical records for target"}, nil
	}

	result := &CorrelationResult{Score: bestScore}
	switch {
	case bestScore >= ce.config.DuplicateThreshold:
		result.IsDuplicate = true
		result.CanonicalID = best.ID
		result.Reason = fmt.Sprintf("target match with similarity %.2f >= %.2f", bestScore, ce.config.DuplicateThreshold)
	case bestScore >= ce.config.RelatedThreshold:
		result.RelatedID = best.ID
		result.Reason = fmt.Sprintf("related record %s with similarity %.2f", best.ID, bestScore)
	default:
		result.Reason = fmt.Sprintf("similarity %.2f below related threshold", bestScore)
	}

	ce.logger.Debugw("Duplicate check completed",
		"target", normalized,
		"candidates", len(existing),
		"score", bestScore,
		"is_duplicate", result.IsDuplicate)

	return result, nil
}

// score computes the weighted similarity between a candidate and a stored
// record that already share a normalized target value.
func (ce *CorrelationEngine) score(candidate *ThreatCandidate, record *ThreatRecord) float64 {
	score := 0.0

	if candidate.Type == record.Type {
		score += ce.config.TypeWeight
	}
	if candidate.Category != "" && candidate.Category == record.Category {
		score += ce.config.CategoryWeight
	}
	score += ce.config.IndicatorWeight * jaccard(candidate.Indicators, record.Indicators)

	// A report from the same source is strong evidence of a re-submission.
	// A different source is corroboration: it raises confidence on the
	// canonical record instead, so it earns no weight here.
	if candidate.Source == record.Source {
		score += ce.config.SameSourceWeight
	}

	return score
}

// jaccard computes set overlap between two indicator lists.
// Two empty lists count as full overlap: with nothing to distinguish them,
// target identity carries the decision.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	setA := make(map[string]struct{}, len(a))
	for _, v := range a {
		setA[v] = struct{}{}
	}

	intersection := 0
	setB := make(map[string]struct{}, len(b))
	for _, v := range b {
		if _, dup := setB[v]; dup {
			continue
		}
		setB[v] = struct{}{}
		if _, ok := setA[v]; ok {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}
