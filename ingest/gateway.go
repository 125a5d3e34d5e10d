package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aegis/core"
	"aegis/metrics"
	"aegis/storage"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// corroborationBonus is added to the canonical record's confidence when an
// independent source re-reports the same target.
const corroborationBonus = 5

// DispatchHook receives canonical records after they are stored.
// Duplicates never reach the hook.
type DispatchHook interface {
	OnThreatStored(threat *core.ThreatRecord)
}

// ValidationError wraps candidate validation failures so the API layer can map
// them to a 400 response with field detail.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// Config tunes ingestion defaults and record TTLs
type Config struct {
	// DefaultConfidence is assigned when a candidate omits confidence.
	DefaultConfidence int
	// DefaultSeverity is assigned when a candidate omits severity.
	DefaultSeverity core.Severity
	// TTL sets each record's expiry checkpoint by severity at insert time.
	TTL map[core.Severity]time.Duration
	// DefaultTTL applies when a severity has no explicit TTL.
	DefaultTTL time.Duration
	// LockStripes sizes the per-target lock table.
	LockStripes int
}

// DefaultConfig returns tuned ingestion defaults
func DefaultConfig() Config {
	return Config{
		DefaultConfidence: 50,
		DefaultSeverity:   core.SeverityMedium,
		DefaultTTL:        30 * 24 * time.Hour,
		TTL: map[core.Severity]time.Duration{
			core.SeverityCritical: 90 * 24 * time.Hour,
			core.SeverityHigh:     60 * 24 * time.Hour,
			core.SeverityMedium:   30 * 24 * time.Hour,
			core.SeverityLow:      14 * 24 * time.Hour,
		},
		LockStripes: 256,
	}
}

// Result describes the outcome of one ingestion
type Result struct {
	// Record is the canonical record: the newly created one, or on a
	// duplicate the existing record the candidate was merged into.
	Record      *core.ThreatRecord
	IsDuplicate bool
	Correlation *core.CorrelationResult
}

// Gateway is the single entry point through which every threat report passes,
// whether submitted via the API or pulled from an external feed. It validates,
// normalizes, deduplicates and stores candidates, then hands canonical records
// to the dispatch hook.
type Gateway struct {
	threats  storage.ThreatStorageInterface
	engine   *core.CorrelationEngine
	locks    *core.KeyedMutex
	validate *validator.Validate
	hook     DispatchHook
	config   Config
	logger   *zap.SugaredLogger
}

// NewGateway creates an ingestion gateway. hook may be nil in tests.
func NewGateway(threats storage.ThreatStorageInterface, engine *core.CorrelationEngine, hook DispatchHook, config Config, logger *zap.SugaredLogger) *Gateway {
	return &Gateway{
		threats:  threats,
		engine:   engine,
		locks:    core.NewKeyedMutex(config.LockStripes),
		validate: validator.New(),
		hook:     hook,
		config:   config,
		logger:   logger,
	}
}

// Ingest processes one threat candidate end to end.
// The dedup check and the insert run under a per-target lock so that two
// concurrent reports of the same target converge on a single canonical record
// regardless of submission order.
func (g *Gateway) Ingest(ctx context.Context, candidate *core.ThreatCandidate) (*Result, error) {
	if err := g.validateCandidate(candidate); err != nil {
		return nil, err
	}
	g.applyDefaults(candidate)

	normalized := core.NormalizeTargetValue(candidate.Target.Type, candidate.Target.Value)

	unlock := g.locks.Lock(normalized)
	defer unlock()

	correlation, err := g.engine.CheckDuplicate(ctx, candidate)
	if err != nil {
		return nil, err
	}

	if correlation.IsDuplicate {
		return g.mergeDuplicate(ctx, candidate, correlation)
	}

	result, err := g.insertNew(ctx, candidate, normalized, correlation)
	if errors.Is(err, storage.ErrDuplicateThreat) {
		// Lost a cross-replica race through the dedup index: another replica
		// inserted the canonical record between our check and insert. Drop
		// the cached candidate list and re-run the check; it now finds the
		// winner.
		g.engine.InvalidateTarget(normalized)
		correlation, err = g.engine.CheckDuplicate(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if !correlation.IsDuplicate {
			return nil, fmt.Errorf("dedup index rejected insert for %s but no canonical record found", normalized)
		}
		return g.mergeDuplicate(ctx, candidate, correlation)
	}
	return result, err
}

// validateCandidate enforces structural and enum validity
func (g *Gateway) validateCandidate(candidate *core.ThreatCandidate) error {
	if err := g.validate.Struct(candidate); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{Field: verrs[0].Field(), Message: verrs[0].Tag()}
		}
		return &ValidationError{Field: "candidate", Message: err.Error()}
	}
	if !candidate.Type.IsValid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown threat type %q", candidate.Type)}
	}
	if candidate.Severity != "" && !candidate.Severity.IsValid() {
		return &ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", candidate.Severity)}
	}
	if err := core.ValidateTarget(candidate.Target); err != nil {
		return &ValidationError{Field: "target", Message: err.Error()}
	}
	if candidate.Context.Title == "" {
		return &ValidationError{Field: "context.title", Message: "title is required"}
	}
	return nil
}

// applyDefaults fills optional candidate fields
func (g *Gateway) applyDefaults(candidate *core.ThreatCandidate) {
	if candidate.Severity == "" {
		candidate.Severity = g.config.DefaultSeverity
	}
	if candidate.Confidence == nil {
		v := g.config.DefaultConfidence
		candidate.Confidence = &v
	}
	*candidate.Confidence = core.ClampConfidence(*candidate.Confidence)
}

// mergeDuplicate folds the candidate's evidence into the canonical record
func (g *Gateway) mergeDuplicate(ctx context.Context, candidate *core.ThreatCandidate, correlation *core.CorrelationResult) (*Result, error) {
	canonical, err := g.threats.GetThreat(ctx, correlation.CanonicalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load canonical record %s: %w", correlation.CanonicalID, err)
	}

	lastSeen := time.Now().UTC()
	if candidate.Timeline != nil && !candidate.Timeline.LastSeen.IsZero() {
		lastSeen = candidate.Timeline.LastSeen
	}

	// Independent corroboration raises confidence; a re-submission from the
	// same source only merges evidence.
	confidence := *candidate.Confidence
	if candidate.Source != canonical.Source {
		confidence = core.ClampConfidence(canonical.Confidence + corroborationBonus)
	}

	if err := g.threats.AppendEvidence(ctx, canonical.ID, candidate.Indicators, lastSeen, confidence); err != nil {
		return nil, fmt.Errorf("failed to merge duplicate evidence: %w", err)
	}
	g.engine.InvalidateTarget(core.NormalizeTargetValue(candidate.Target.Type, candidate.Target.Value))

	metrics.DuplicatesDetected.WithLabelValues(candidate.Source).Inc()
	g.logger.Infow("Merged duplicate threat report",
		"canonical_id", canonical.ID,
		"source", candidate.Source,
		"score", correlation.Score)

	merged, err := g.threats.GetThreat(ctx, canonical.ID)
	if err != nil {
		return nil, err
	}

	return &Result{Record: merged, IsDuplicate: true, Correlation: correlation}, nil
}

// insertNew creates a canonical record for a non-duplicate candidate
func (g *Gateway) insertNew(ctx context.Context, candidate *core.ThreatCandidate, normalized string, correlation *core.CorrelationResult) (*Result, error) {
	now := time.Now().UTC()

	timeline := core.Timeline{FirstSeen: now, LastSeen: now, DiscoveredAt: now}
	if candidate.Timeline != nil {
		if !candidate.Timeline.FirstSeen.IsZero() {
			timeline.FirstSeen = candidate.Timeline.FirstSeen
		}
		if !candidate.Timeline.LastSeen.IsZero() {
			timeline.LastSeen = candidate.Timeline.LastSeen
		}
		if !candidate.Timeline.DiscoveredAt.IsZero() {
			timeline.DiscoveredAt = candidate.Timeline.DiscoveredAt
		}
		timeline.ReportedAt = candidate.Timeline.ReportedAt
	}

	expires := now.Add(g.ttlFor(candidate.Severity))

	record := &core.ThreatRecord{
		ID:          core.NewThreatID(),
		Source:      candidate.Source,
		Type:        candidate.Type,
		Category:    candidate.Category,
		Severity:    candidate.Severity,
		Confidence:  *candidate.Confidence,
		Target:      candidate.Target,
		Indicators:  candidate.Indicators,
		Context:     candidate.Context,
		Attribution: candidate.Attribution,
		Impact:      candidate.Impact,
		Timeline:    timeline,
		Status:      core.ThreatStatusActive,
		ExpiresAt:   &expires,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if correlation.RelatedID != "" {
		record.RelatedIDs = []string{correlation.RelatedID}
	}

	if err := g.threats.InsertThreat(ctx, record); err != nil {
		return nil, err
	}

	if correlation.RelatedID != "" {
		// Cross-link both directions. The forward link is already stored;
		// LinkRelated is idempotent so re-writing it is harmless.
		if err := g.threats.LinkRelated(ctx, record.ID, correlation.RelatedID); err != nil {
			g.logger.Warnw("Failed to cross-link related threat",
				"threat_id", record.ID,
				"related_id", correlation.RelatedID,
				"error", err)
		}
	}

	g.engine.InvalidateTarget(normalized)
	metrics.ThreatsIngested.WithLabelValues(candidate.Source).Inc()
	g.logger.Infow("Stored new threat record",
		"threat_id", record.ID,
		"type", record.Type,
		"severity", record.Severity,
		"target", normalized,
		"source", record.Source)

	if g.hook != nil {
		g.hook.OnThreatStored(record)
	}

	return &Result{Record: record, Correlation: correlation}, nil
}

// ttlFor returns the record TTL for a severity
func (g *Gateway) ttlFor(severity core.Severity) time.Duration {
	if ttl, ok := g.config.TTL[severity]; ok {
		return ttl
	}
	return g.config.DefaultTTL
}
