package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Threat Types and Constants
// =============================================================================

// ThreatType represents the class of threat a record describes
type ThreatType string

const (
	ThreatTypePhishing        ThreatType = "phishing"
	ThreatTypeScam            ThreatType = "scam"
	ThreatTypeMalware         ThreatType = "malware"
	ThreatTypeWalletRisk      ThreatType = "wallet-risk"
	ThreatTypeContractExploit ThreatType = "contract-exploit"
	ThreatTypeOther           ThreatType = "other"
)

// AllThreatTypes returns all valid threat types for validation
var AllThreatTypes = []ThreatType{
	ThreatTypePhishing, ThreatTypeScam, ThreatTypeMalware,
	ThreatTypeWalletRisk, ThreatTypeContractExploit, ThreatTypeOther,
}

// IsValid checks if the threat type is valid
func (t ThreatType) IsValid() bool {
	for _, valid := range AllThreatTypes {
		if t == valid {
			return true
		}
	}
	return false
}

// Severity represents threat severity level
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// AllSeverities returns all valid severities
var AllSeverities = []Severity{
	SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow,
}

// IsValid checks if the severity is valid
func (s Severity) IsValid() bool {
	for _, valid := range AllSeverities {
		if s == valid {
			return true
		}
	}
	return false
}

// Rank returns a numeric ordering for severity comparison (higher is worse)
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// TargetType represents what kind of asset a threat targets
type TargetType string

const (
	TargetTypeURL      TargetType = "url"
	TargetTypeDomain   TargetType = "domain"
	TargetTypeWallet   TargetType = "wallet"
	TargetTypeContract TargetType = "contract"
	TargetTypeFile     TargetType = "file"
)

// AllTargetTypes returns all valid target types
var AllTargetTypes = []TargetType{
	TargetTypeURL, TargetTypeDomain, TargetTypeWallet, TargetTypeContract, TargetTypeFile,
}

// IsValid checks if the target type is valid
func (t TargetType) IsValid() bool {
	for _, valid := range AllTargetTypes {
		if t == valid {
			return true
		}
	}
	return false
}

// ThreatStatus represents the lifecycle status of a threat record
type ThreatStatus string

const (
	ThreatStatusActive        ThreatStatus = "active"
	ThreatStatusUnderReview   ThreatStatus = "under_review"
	ThreatStatusVerified      ThreatStatus = "verified"
	ThreatStatusFalsePositive ThreatStatus = "false_positive"
	ThreatStatusResolved      ThreatStatus = "resolved"
	ThreatStatusExpired       ThreatStatus = "expired"
)

// AllThreatStatuses returns all valid threat statuses
var AllThreatStatuses = []ThreatStatus{
	ThreatStatusActive, ThreatStatusUnderReview, ThreatStatusVerified,
	ThreatStatusFalsePositive, ThreatStatusResolved, ThreatStatusExpired,
}

// IsValid checks if the threat status is valid
func (s ThreatStatus) IsValid() bool {
	for _, valid := range AllThreatStatuses {
		if s == valid {
			return true
		}
	}
	return false
}

// CanTransition reports whether a status transition is allowed.
// The lifecycle is one-directional except under_review, which may be
// re-opened back to active when new corroborating evidence arrives.
func (s ThreatStatus) CanTransition(to ThreatStatus) bool {
	switch s {
	case ThreatStatusActive:
		return to == ThreatStatusUnderReview || to == ThreatStatusExpired
	case ThreatStatusUnderReview:
		return to == ThreatStatusActive || to == ThreatStatusVerified ||
			to == ThreatStatusFalsePositive || to == ThreatStatusExpired
	case ThreatStatusVerified, ThreatStatusFalsePositive:
		return to == ThreatStatusResolved
	case ThreatStatusResolved, ThreatStatusExpired:
		return false
	default:
		return false
	}
}

// =============================================================================
// Threat Record
// =============================================================================

// Target identifies the asset a threat is aimed at
type Target struct {
	Type  TargetType `json:"type"`
	Value string     `json:"value"`
}

// ThreatContext carries human-readable context for a threat
type ThreatContext struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

// Impact holds optional structured impact data for a threat
type Impact struct {
	AmountAtRisk     float64 `json:"amount_at_risk,omitempty"`
	Currency         string  `json:"currency,omitempty"`
	AffectedAccounts int     `json:"affected_accounts,omitempty"`
}

// Timeline tracks the observation history of a threat
type Timeline struct {
	FirstSeen    time.Time  `json:"first_seen"`
	LastSeen     time.Time  `json:"last_seen"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	ReportedAt   *time.Time `json:"reported_at,omitempty"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
}

// ThreatRecord is the canonical representation of a threat.
// Core identification fields are immutable once created; status, timeline
// and evidence fields mutate over the record's lifecycle.
type ThreatRecord struct {
	ID          string        `json:"id"`
	Source      string        `json:"source"`
	Type        ThreatType    `json:"type"`
	Category    string        `json:"category,omitempty"`
	Severity    Severity      `json:"severity"`
	Confidence  int           `json:"confidence"` // 0-100
	Target      Target        `json:"target"`
	Indicators  []string      `json:"indicators,omitempty"`
	Context     ThreatContext `json:"context"`
	Attribution string        `json:"attribution,omitempty"`
	Impact      *Impact       `json:"impact,omitempty"`
	Timeline    Timeline      `json:"timeline"`
	Status      ThreatStatus  `json:"status"`
	ExpiresAt   *time.Time    `json:"expires_at,omitempty"`
	// DuplicateOf references the canonical record this one was merged into.
	// A record with DuplicateOf set never produces subscription deliveries.
	DuplicateOf string `json:"duplicate_of,omitempty"`
	// RelatedIDs cross-links records scored in the related band below the
	// duplicate threshold, for investigator visibility.
	RelatedIDs []string  `json:"related_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewThreatID generates a new opaque threat identifier
func NewThreatID() string {
	return uuid.NewString()
}

// IsExpired checks if the record is past its TTL checkpoint
func (t *ThreatRecord) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// ClampConfidence normalizes confidence into [0,100] rather than rejecting
// out-of-range input.
func ClampConfidence(confidence int) int {
	if confidence < 0 {
		return 0
	}
	if confidence > 100 {
		return 100
	}
	return confidence
}

// MergeIndicators appends indicators from a duplicate candidate onto the
// canonical record, preserving order and skipping values already present.
func (t *ThreatRecord) MergeIndicators(indicators []string) int {
	seen := make(map[string]struct{}, len(t.Indicators))
	for _, ind := range t.Indicators {
		seen[ind] = struct{}{}
	}

	added := 0
	for _, ind := range indicators {
		if _, ok := seen[ind]; ok {
			continue
		}
		seen[ind] = struct{}{}
		t.Indicators = append(t.Indicators, ind)
		added++
	}
	return added
}

// =============================================================================
// Target Normalization
// =============================================================================

// NormalizeTargetValue canonicalizes a target value so that format variants of
// the same asset produce the same dedup key. URLs keep scheme and path but
// lowercase the host and drop default ports; domains, hashes and contract
// addresses are lowercased; wallet addresses are case-sensitive and only
// trimmed.
func NormalizeTargetValue(targetType TargetType, value string) string {
	value = strings.TrimSpace(value)

	switch targetType {
	case TargetTypeURL:
		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			return strings.ToLower(value)
		}
		u.Host = strings.ToLower(u.Host)
		u.Host = strings.TrimSuffix(u.Host, ":80")
		u.Host = strings.TrimSuffix(u.Host, ":443")
		u.Fragment = ""
		// Trailing slash on a bare path is not significant
		if u.Path == "/" {
			u.Path = ""
		}
		return u.String()
	case TargetTypeDomain, TargetTypeFile, TargetTypeContract:
		return strings.ToLower(value)
	default:
		return value
	}
}

// ValidateTarget validates a threat target
func ValidateTarget(target Target) error {
	if !target.Type.IsValid() {
		return fmt.Errorf("invalid target type: %q", target.Type)
	}
	if strings.TrimSpace(target.Value) == "" {
		return fmt.Errorf("target value cannot be empty")
	}
	if target.Type == TargetTypeURL {
		u, err := url.Parse(target.Value)
		if err != nil || u.Host == "" {
			return fmt.Errorf("malformed target URL: %q", target.Value)
		}
	}
	return nil
}
