package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// Subscription Types
// =============================================================================

// DeliveryChannel represents a delivery mechanism for matched threats
type DeliveryChannel string

const (
	ChannelWebhook DeliveryChannel = "webhook"
	ChannelEmail   DeliveryChannel = "email"
	ChannelInApp   DeliveryChannel = "in-app"
	ChannelStream  DeliveryChannel = "stream"
)

// AllDeliveryChannels returns all valid delivery channels
var AllDeliveryChannels = []DeliveryChannel{
	ChannelWebhook, ChannelEmail, ChannelInApp, ChannelStream,
}

// IsValid checks if the delivery channel is valid
func (c DeliveryChannel) IsValid() bool {
	for _, valid := range AllDeliveryChannels {
		if c == valid {
			return true
		}
	}
	return false
}

// SubscriptionFilters describes which threats a subscriber wants.
// Every field is optional; an absent field matches any value.
type SubscriptionFilters struct {
	Types         []ThreatType `json:"types,omitempty"`
	Severities    []Severity   `json:"severities,omitempty"`
	Sources       []string     `json:"sources,omitempty"`
	TargetType    TargetType   `json:"target_type,omitempty"`
	TargetValue   string       `json:"target_value,omitempty"`
	MinConfidence int          `json:"minimum_confidence,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
}

// RateLimit caps deliveries per subscription over rolling windows
type RateLimit struct {
	MaxPerHour int `json:"max_per_hour"`
	MaxPerDay  int `json:"max_per_day"`
}

// DeliveryConfig describes how matched threats are delivered
type DeliveryConfig struct {
	Channels   []DeliveryChannel `json:"channels"`
	WebhookURL string            `json:"webhook_url,omitempty"`
	RateLimit  RateLimit         `json:"rate_limit"`
}

// Subscription registers a subscriber's filter criteria and delivery settings.
// Ownership is one of UserID, SessionID or SubscriberID; anonymous
// subscriptions are keyed by SubscriberID alone.
type Subscription struct {
	ID           string              `json:"id"`
	UserID       string              `json:"user_id,omitempty"`
	SessionID    string              `json:"session_id,omitempty"`
	SubscriberID string              `json:"subscriber_id,omitempty"`
	Filters      SubscriptionFilters `json:"filters"`
	Delivery     DeliveryConfig      `json:"delivery"`
	IsActive     bool                `json:"is_active"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	DeletedAt    *time.Time          `json:"deleted_at,omitempty"`
}

// Validate checks structural validity of a subscription
func (s *Subscription) Validate() error {
	if s.UserID == "" && s.SessionID == "" && s.SubscriberID == "" {
		return fmt.Errorf("subscription requires at least one of user_id, session_id or subscriber_id")
	}
	if len(s.Delivery.Channels) == 0 {
		return fmt.Errorf("subscription requires at least one delivery channel")
	}
	for _, ch := range s.Delivery.Channels {
		if !ch.IsValid() {
			return fmt.Errorf("invalid delivery channel: %q", ch)
		}
	}
	if hasChannel(s.Delivery.Channels, ChannelWebhook) {
		if s.Delivery.WebhookURL == "" {
			return fmt.Errorf("webhook channel requires webhook_url")
		}
		u, err := url.Parse(s.Delivery.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid webhook_url: %q", s.Delivery.WebhookURL)
		}
	}
	if s.Delivery.RateLimit.MaxPerHour < 0 || s.Delivery.RateLimit.MaxPerDay < 0 {
		return fmt.Errorf("rate limits cannot be negative")
	}
	if s.Filters.MinConfidence < 0 || s.Filters.MinConfidence > 100 {
		return fmt.Errorf("minimum_confidence must be between 0 and 100")
	}
	if s.Filters.TargetType != "" && !s.Filters.TargetType.IsValid() {
		return fmt.Errorf("invalid filter target_type: %q", s.Filters.TargetType)
	}
	return nil
}

// OwnedBy reports whether the given caller identity may mutate this
// subscription. Authenticated callers match on UserID; anonymous callers must
// present the subscription's SubscriberID secret.
func (s *Subscription) OwnedBy(userID, subscriberID string) bool {
	if s.UserID != "" {
		return userID != "" && s.UserID == userID
	}
	return subscriberID != "" && s.SubscriberID == subscriberID
}

// HasChannel reports whether the subscription delivers on the given channel
func (s *Subscription) HasChannel(ch DeliveryChannel) bool {
	return hasChannel(s.Delivery.Channels, ch)
}

func hasChannel(channels []DeliveryChannel, ch DeliveryChannel) bool {
	for _, c := range channels {
		if c == ch {
			return true
		}
	}
	return false
}

// =============================================================================
// Filter Matching
// =============================================================================

// Matches evaluates the filter predicate against a threat record.
// Absent fields are wildcards; present fields are ANDed together, and a
// field's value set matches if any element matches (OR within a field).
func (f *SubscriptionFilters) Matches(threat *ThreatRecord) bool {
	if len(f.Types) > 0 && !containsType(f.Types, threat.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, threat.Severity) {
		return false
	}
	if len(f.Sources) > 0 && !containsFold(f.Sources, threat.Source) {
		return false
	}
	if f.TargetType != "" && f.TargetType != threat.Target.Type {
		return false
	}
	if f.TargetValue != "" {
		want := NormalizeTargetValue(threat.Target.Type, f.TargetValue)
		got := NormalizeTargetValue(threat.Target.Type, threat.Target.Value)
		if want != got {
			return false
		}
	}
	if f.MinConfidence > 0 && threat.Confidence < f.MinConfidence {
		return false
	}
	if len(f.Tags) > 0 && !anyTagMatch(f.Tags, threat.Context.Tags) {
		return false
	}
	return true
}

func containsType(types []ThreatType, t ThreatType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func containsSeverity(severities []Severity, s Severity) bool {
	for _, v := range severities {
		if v == s {
			return true
		}
	}
	return false
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}

func anyTagMatch(wanted, actual []string) bool {
	for _, w := range wanted {
		for _, a := range actual {
			if strings.EqualFold(w, a) {
				return true
			}
		}
	}
	return false
}
