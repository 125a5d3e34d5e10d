package dispatch

import (
	"context"
	"sync"
	"time"

	"aegis/core"
)

// InboxNotification is one stored in-app notification
type InboxNotification struct {
	ID             string             `json:"id"`
	SubscriptionID string             `json:"subscription_id"`
	Threat         *core.ThreatRecord `json:"threat"`
	CreatedAt      time.Time          `json:"created_at"`
	Read           bool               `json:"read"`
}

// Inbox is an in-memory in-app notification store, keyed by subscription
// owner. Each owner keeps a bounded ring of recent notifications; older
// entries fall off. Notifications do not survive a restart, which is
// acceptable for the in-app channel because the delivery history in storage
// remains the durable record.
type Inbox struct {
	mu      sync.RWMutex
	byOwner map[string][]*InboxNotification
	limit   int
}

// NewInbox creates an in-app notification inbox keeping at most perOwner
// notifications per subscription owner
func NewInbox(perOwner int) *Inbox {
	if perOwner <= 0 {
		perOwner = 100
	}
	return &Inbox{
		byOwner: make(map[string][]*InboxNotification),
		limit:   perOwner,
	}
}

// ownerKey picks the identity a subscription's notifications are filed under
func ownerKey(sub *core.Subscription) string {
	if sub.UserID != "" {
		return "user:" + sub.UserID
	}
	return "subscriber:" + sub.SubscriberID
}

// Notify stores a notification for the subscription's owner.
// Implements InAppNotifier.
func (in *Inbox) Notify(_ context.Context, sub *core.Subscription, threat *core.ThreatRecord) error {
	key := ownerKey(sub)
	notification := &InboxNotification{
		ID:             core.NewThreatID(),
		SubscriptionID: sub.ID,
		Threat:         threat,
		CreatedAt:      time.Now().UTC(),
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	list := append(in.byOwner[key], notification)
	if len(list) > in.limit {
		list = list[len(list)-in.limit:]
	}
	in.byOwner[key] = list
	return nil
}

// List returns an owner's notifications, newest first
func (in *Inbox) List(userID, subscriberID string) []*InboxNotification {
	var key string
	switch {
	case userID != "":
		key = "user:" + userID
	case subscriberID != "":
		key = "subscriber:" + subscriberID
	default:
		return nil
	}

	in.mu.RLock()
	defer in.mu.RUnlock()

	list := in.byOwner[key]
	out := make([]*InboxNotification, len(list))
	for i, n := range list {
		out[len(list)-1-i] = n
	}
	return out
}

// MarkRead flags an owner's notification as read
func (in *Inbox) MarkRead(userID, subscriberID, notificationID string) bool {
	var key string
	switch {
	case userID != "":
		key = "user:" + userID
	case subscriberID != "":
		key = "subscriber:" + subscriberID
	default:
		return false
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	for _, n := range in.byOwner[key] {
		if n.ID == notificationID {
			n.Read = true
			return true
		}
	}
	return false
}
