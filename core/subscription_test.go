package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validSubscription() *Subscription {
	return &Subscription{
		ID:           "sub-1",
		SubscriberID: "secret-1",
		Delivery: DeliveryConfig{
			Channels:   []DeliveryChannel{ChannelWebhook},
			WebhookURL: "https://hooks.example.com/cb",
		},
		IsActive: true,
	}
}

// TestSubscription_Validate tests structural validation
func TestSubscription_Validate(t *testing.T) {
	assert.NoError(t, validSubscription().Validate())

	tests := []struct {
		name   string
		mutate func(*Subscription)
	}{
		{"no owner identity", func(s *Subscription) { s.SubscriberID = "" }},
		{"no channels", func(s *Subscription) { s.Delivery.Channels = nil }},
		{"unknown channel", func(s *Subscription) { s.Delivery.Channels = []DeliveryChannel{"carrier-pigeon"} }},
		{"webhook without url", func(s *Subscription) { s.Delivery.WebhookURL = "" }},
		{"webhook with bad scheme", func(s *Subscription) { s.Delivery.WebhookURL = "ftp://example.com/x" }},
		{"negative hourly cap", func(s *Subscription) { s.Delivery.RateLimit.MaxPerHour = -1 }},
		{"confidence out of range", func(s *Subscription) { s.Filters.MinConfidence = 101 }},
		{"bad filter target type", func(s *Subscription) { s.Filters.TargetType = "ip" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := validSubscription()
			tt.mutate(sub)
			assert.Error(t, sub.Validate())
		})
	}
}

// TestSubscription_OwnedBy tests ownership resolution for authenticated and
// anonymous subscriptions
func TestSubscription_OwnedBy(t *testing.T) {
	owned := &Subscription{UserID: "user-1", SubscriberID: "secret"}
	assert.True(t, owned.OwnedBy("user-1", ""))
	assert.False(t, owned.OwnedBy("user-2", ""))
	assert.False(t, owned.OwnedBy("", "secret"),
		"A user-owned subscription never matches on the subscriber secret")

	anon := &Subscription{SubscriberID: "secret"}
	assert.True(t, anon.OwnedBy("", "secret"))
	assert.False(t, anon.OwnedBy("", "wrong"))
	assert.False(t, anon.OwnedBy("", ""), "Empty credentials never own anything")
}

// TestSubscriptionFilters_Matches tests the filter predicate semantics:
// absent fields are wildcards, present fields AND together, values within a
// field OR together.
func TestSubscriptionFilters_Matches(t *testing.T) {
	threat := &ThreatRecord{
		Type:       ThreatTypePhishing,
		Severity:   SeverityHigh,
		Source:     "community",
		Confidence: 70,
		Target:     Target{Type: TargetTypeURL, Value: "https://evil.example.com/login"},
		Context:    ThreatContext{Tags: []string{"wallet", "airdrop"}},
	}

	tests := []struct {
		name     string
		filters  SubscriptionFilters
		expected bool
	}{
		{"empty filter matches everything", SubscriptionFilters{}, true},
		{"type match", SubscriptionFilters{Types: []ThreatType{ThreatTypePhishing}}, true},
		{"type OR within field", SubscriptionFilters{Types: []ThreatType{ThreatTypeScam, ThreatTypePhishing}}, true},
		{"type mismatch", SubscriptionFilters{Types: []ThreatType{ThreatTypeMalware}}, false},
		{"severity match", SubscriptionFilters{Severities: []Severity{SeverityCritical, SeverityHigh}}, true},
		{"severity mismatch", SubscriptionFilters{Severities: []Severity{SeverityLow}}, false},
		{"source case-insensitive", SubscriptionFilters{Sources: []string{"Community"}}, true},
		{"confidence floor met", SubscriptionFilters{MinConfidence: 70}, true},
		{"confidence floor unmet", SubscriptionFilters{MinConfidence: 71}, false},
		{"target value normalized before compare", SubscriptionFilters{TargetValue: "https://EVIL.example.com/login"}, true},
		{"target type mismatch", SubscriptionFilters{TargetType: TargetTypeWallet}, false},
		{"tag overlap", SubscriptionFilters{Tags: []string{"defi", "Wallet"}}, true},
		{"no tag overlap", SubscriptionFilters{Tags: []string{"defi"}}, false},
		{"fields AND together", SubscriptionFilters{
			Types:      []ThreatType{ThreatTypePhishing},
			Severities: []Severity{SeverityLow},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.filters.Matches(threat))
		})
	}
}

// TestSubscription_HasChannel tests channel membership
func TestSubscription_HasChannel(t *testing.T) {
	sub := &Subscription{Delivery: DeliveryConfig{
		Channels: []DeliveryChannel{ChannelWebhook, ChannelInApp},
	}}
	assert.True(t, sub.HasChannel(ChannelWebhook))
	assert.False(t, sub.HasChannel(ChannelStream))
}
