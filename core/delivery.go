package core

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus represents the outcome of a delivery attempt
type DeliveryStatus string

const (
	DeliveryStatusPending     DeliveryStatus = "pending"
	DeliveryStatusDelivered   DeliveryStatus = "delivered"
	DeliveryStatusFailed      DeliveryStatus = "failed"
	DeliveryStatusRateLimited DeliveryStatus = "skipped_rate_limited"
)

// AllDeliveryStatuses returns all valid delivery statuses
var AllDeliveryStatuses = []DeliveryStatus{
	DeliveryStatusPending, DeliveryStatusDelivered,
	DeliveryStatusFailed, DeliveryStatusRateLimited,
}

// IsValid checks if the delivery status is valid
func (s DeliveryStatus) IsValid() bool {
	for _, valid := range AllDeliveryStatuses {
		if s == valid {
			return true
		}
	}
	return false
}

// DeliveryAttempt records one attempt to deliver a threat to a subscription
// on a specific channel. Consumers must treat delivery as idempotent by
// (SubscriptionID, ThreatID): at-least-once semantics mean a retry after a
// lost success response can deliver twice.
type DeliveryAttempt struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	ThreatID       string          `json:"threat_id"`
	Channel        DeliveryChannel `json:"channel"`
	Attempt        int             `json:"attempt"`
	Status         DeliveryStatus  `json:"status"`
	ResponseCode   int             `json:"response_code,omitempty"`
	Error          string          `json:"error,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewDeliveryAttempt creates a pending attempt record
func NewDeliveryAttempt(subscriptionID, threatID string, channel DeliveryChannel, attempt int) *DeliveryAttempt {
	now := time.Now().UTC()
	return &DeliveryAttempt{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		ThreatID:       threatID,
		Channel:        channel,
		Attempt:        attempt,
		Status:         DeliveryStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
