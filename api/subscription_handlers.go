package api

import (
	"errors"
	"net/http"
	"time"

	"aegis/core"
	"aegis/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// subscriptionRequest is the create/update body
type subscriptionRequest struct {
	Filters  core.SubscriptionFilters `json:"filters"`
	Delivery core.DeliveryConfig      `json:"delivery"`
	IsActive *bool                    `json:"is_active,omitempty"`
}

// handleCreateSubscription registers a subscription for the caller.
// Anonymous callers receive a generated subscriber secret in the response;
// they must present it on later requests to manage the subscription.
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, s.logger)
		return
	}

	identity := identityFrom(r)
	now := time.Now().UTC()
	sub := &core.Subscription{
		ID:        uuid.NewString(),
		UserID:    identity.UserID,
		Filters:   req.Filters,
		Delivery:  req.Delivery,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.IsActive != nil {
		sub.IsActive = *req.IsActive
	}
	if identity.UserID == "" {
		sub.SubscriberID = identity.SubscriberID
		if sub.SubscriberID == "" {
			sub.SubscriberID = uuid.NewString()
		}
	}

	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, s.logger)
		return
	}

	if err := s.subscriptions.CreateSubscription(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create subscription", err, s.logger)
		return
	}

	s.logger.Infow("Subscription created",
		"subscription_id", sub.ID,
		"channels", sub.Delivery.Channels,
		"authenticated", identity.UserID != "")
	writeJSON(w, http.StatusCreated, sub, s.logger)
}

// handleListSubscriptions lists the caller's subscriptions
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity.UserID == "" && identity.SubscriberID == "" {
		writeError(w, http.StatusBadRequest, "authentication or X-Subscriber-Id header required", nil, s.logger)
		return
	}

	subs, err := s.subscriptions.ListSubscriptionsByOwner(r.Context(), identity.UserID, identity.SubscriberID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions", err, s.logger)
		return
	}
	if subs == nil {
		subs = []core.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": subs}, s.logger)
}

// loadOwnedSubscription fetches a subscription and enforces ownership.
// A missing subscription and a foreign one are distinguishable on purpose:
// the ID space is opaque, but a 403 tells a caller presenting the wrong
// credential to fix their credential rather than retry a different ID.
func (s *Server) loadOwnedSubscription(w http.ResponseWriter, r *http.Request) *core.Subscription {
	id := mux.Vars(r)["id"]
	sub, err := s.subscriptions.GetSubscription(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrSubscriptionNotFound) {
			writeError(w, http.StatusNotFound, "subscription not found", nil, s.logger)
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load subscription", err, s.logger)
		}
		return nil
	}
	if sub.DeletedAt != nil {
		writeError(w, http.StatusNotFound, "subscription not found", nil, s.logger)
		return nil
	}

	identity := identityFrom(r)
	if !identity.IsAdmin && !sub.OwnedBy(identity.UserID, identity.SubscriberID) {
		writeError(w, http.StatusForbidden, "not authorized for this subscription", nil, s.logger)
		return nil
	}
	return sub
}

// handleGetSubscription returns one owned subscription
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub := s.loadOwnedSubscription(w, r)
	if sub == nil {
		return
	}
	writeJSON(w, http.StatusOK, sub, s.logger)
}

// handleUpdateSubscription replaces filters and delivery settings
func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	sub := s.loadOwnedSubscription(w, r)
	if sub == nil {
		return
	}

	var req subscriptionRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, s.logger)
		return
	}

	sub.Filters = req.Filters
	sub.Delivery = req.Delivery
	if req.IsActive != nil {
		sub.IsActive = *req.IsActive
	}
	sub.UpdatedAt = time.Now().UTC()

	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, s.logger)
		return
	}

	if err := s.subscriptions.UpdateSubscription(r.Context(), sub.ID, sub); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update subscription", err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, sub, s.logger)
}

// handleDeleteSubscription soft-deletes an owned subscription
func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	sub := s.loadOwnedSubscription(w, r)
	if sub == nil {
		return
	}

	if err := s.subscriptions.DeleteSubscription(r.Context(), sub.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete subscription", err, s.logger)
		return
	}

	s.logger.Infow("Subscription deleted", "subscription_id", sub.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleListDeliveries returns an owned subscription's delivery history
func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	sub := s.loadOwnedSubscription(w, r)
	if sub == nil {
		return
	}

	page := parsePagination(r)
	attempts, total, err := s.deliveries.ListAttemptsBySubscription(r.Context(), sub.ID, page.Limit, page.Offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list deliveries", err, s.logger)
		return
	}
	if attempts == nil {
		attempts = []core.DeliveryAttempt{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deliveries": attempts,
		"total":      total,
		"hasMore":    int64(page.Offset+len(attempts)) < total,
	}, s.logger)
}

// handleListNotifications returns the caller's in-app inbox
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity.UserID == "" && identity.SubscriberID == "" {
		writeError(w, http.StatusBadRequest, "authentication or X-Subscriber-Id header required", nil, s.logger)
		return
	}

	notifications := s.inbox.List(identity.UserID, identity.SubscriberID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": notifications}, s.logger)
}

// handleMarkNotificationRead marks one in-app notification as read
func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	id := mux.Vars(r)["id"]

	if !s.inbox.MarkRead(identity.UserID, identity.SubscriberID, id) {
		writeError(w, http.StatusNotFound, "notification not found", nil, s.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
