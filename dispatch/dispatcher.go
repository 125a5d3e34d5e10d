package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"aegis/core"
	"aegis/metrics"
	"aegis/storage"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// StreamPublisher pushes threats to connected websocket clients.
// Implementations must not block; stream delivery is best effort.
type StreamPublisher interface {
	PublishThreat(threat *core.ThreatRecord, sub *core.Subscription)
}

// InAppNotifier stores notifications for later retrieval by the subscriber
type InAppNotifier interface {
	Notify(ctx context.Context, sub *core.Subscription, threat *core.ThreatRecord) error
}

// EmailSender sends threat notifications by email
type EmailSender interface {
	Send(ctx context.Context, sub *core.Subscription, threat *core.ThreatRecord) error
}

// WebhookPayload is the JSON body POSTed to subscriber endpoints
type WebhookPayload struct {
	Event          string             `json:"event"`
	SubscriptionID string             `json:"subscription_id"`
	Threat         *core.ThreatRecord `json:"threat"`
	DeliveredAt    time.Time          `json:"delivered_at"`
}

// DispatcherConfig tunes delivery behavior
type DispatcherConfig struct {
	// WebhookTimeout bounds a single webhook POST.
	WebhookTimeout time.Duration
	// MaxRetries is the number of in-process webhook retries after the first
	// attempt fails.
	MaxRetries uint64
	// InitialBackoff seeds the exponential retry schedule.
	InitialBackoff time.Duration
	// MaxBackoff caps the retry interval.
	MaxBackoff time.Duration
	// RecoveryRetryDelay schedules the persisted retry after in-process
	// retries are exhausted.
	RecoveryRetryDelay time.Duration
}

// DefaultDispatcherConfig returns tuned delivery defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		WebhookTimeout:     10 * time.Second,
		MaxRetries:         3,
		InitialBackoff:     2 * time.Second,
		MaxBackoff:         30 * time.Second,
		RecoveryRetryDelay: 5 * time.Minute,
	}
}

// Dispatcher delivers matched threats to a subscription's channels and records
// every attempt. Failures on one channel never affect another channel or
// another subscription.
type Dispatcher struct {
	deliveries storage.DeliveryStorageInterface
	limiter    *DeliveryLimiter
	client     *http.Client
	stream     StreamPublisher
	inbox      InAppNotifier
	email      EmailSender
	config     DispatcherConfig
	logger     *zap.SugaredLogger

	// One breaker per webhook host: a dead subscriber endpoint trips its own
	// breaker without slowing deliveries to healthy endpoints.
	breakersMu sync.Mutex
	breakers   map[string]*core.CircuitBreaker
}

// NewDispatcher creates a delivery dispatcher. stream, inbox and email may be
// nil; deliveries on unconfigured channels are recorded as failed.
func NewDispatcher(deliveries storage.DeliveryStorageInterface, limiter *DeliveryLimiter, stream StreamPublisher, inbox InAppNotifier, email EmailSender, config DispatcherConfig, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		deliveries: deliveries,
		limiter:    limiter,
		client:     &http.Client{Timeout: config.WebhookTimeout},
		stream:     stream,
		inbox:      inbox,
		email:      email,
		config:     config,
		logger:     logger,
		breakers:   make(map[string]*core.CircuitBreaker),
	}
}

// Deliver fans one threat out to every channel of one subscription.
// The rate limit is checked once per subscription per threat; when exhausted,
// a skipped_rate_limited attempt is recorded for each channel so the history
// shows what the subscriber missed.
func (d *Dispatcher) Deliver(ctx context.Context, sub *core.Subscription, threat *core.ThreatRecord) {
	if !d.limiter.Allow(ctx, sub) {
		for _, channel := range sub.Delivery.Channels {
			d.recordSkipped(ctx, sub, threat, channel)
		}
		d.logger.Infow("Delivery skipped by rate limit",
			"subscription_id", sub.ID, "threat_id", threat.ID)
		return
	}

	for _, channel := range sub.Delivery.Channels {
		start := time.Now()
		switch channel {
		case core.ChannelWebhook:
			d.deliverWebhook(ctx, sub, threat, 1)
		case core.ChannelInApp:
			d.deliverInApp(ctx, sub, threat)
		case core.ChannelStream:
			d.deliverStream(ctx, sub, threat)
		case core.ChannelEmail:
			d.deliverEmail(ctx, sub, threat)
		}
		metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	}
}

func (d *Dispatcher) recordSkipped(ctx context.Context, sub *core.Subscription, threat *core.ThreatRecord, channel core.DeliveryChannel) {
	attempt := core.NewDeliveryAttempt(sub.ID, threat.ID, channel, 1)
	attempt.Status = core.DeliveryStatusRateLimited
	if err := d.deliveries.RecordAttempt(ctx, attempt); err != nil {
		d.logger.Errorw("Failed to record rate-limited attempt",
			"subscription_id", sub.ID, "error", err)
	}
	metrics.Deliveries.WithLabelValues(string(channel), string(core.DeliveryStatusRateLimited)).Inc()
}

// deliverWebhook POSTs the payload with bounded exponential retries.
// attemptNumber seeds the attempt counter so persisted retries continue the
// sequence instead of restarting it.
func (d *Dispatcher) deliverWebhook(ctx context.Context, sub *core.Subscription, threat *core.ThreatRecord, attemptNumber int) {
	attempt := core.NewDeliveryAttempt(sub.ID, threat.ID, core.ChannelWebhook, attemptNumber)
	if err := d.deliveries.RecordAttempt(ctx, attempt); err != nil {
		d.logger.Errorw("Failed to record delivery attempt", "error", err)
		return
	}

	breaker := d.breakerFor(sub.Delivery.WebhookURL)
	if err := breaker.Allow(); err != nil {
		retryAt := time.Now().UTC().Add(d.config.RecoveryRetryDelay)
		attempt.Status = core.DeliveryStatusFailed
		attempt.Error = "webhook endpoint circuit open"
		attempt.NextRetryAt = &retryAt
		d.finishAttempt(ctx, attempt)
		return
	}

	payload := &WebhookPayload{
		Event:          "threat.detected",
		SubscriptionID: sub.ID,
		Threat:         threat,
		DeliveredAt:    time.Now().UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		attempt.Status = core.DeliveryStatusFailed
		attempt.Error = fmt.Sprintf("failed to marshal payload: %v", err)
		d.finishAttempt(ctx, attempt)
		return
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		newExponentialBackoff(d.config.InitialBackoff, d.config.MaxBackoff),
		d.config.MaxRetries), ctx)

	attempt.Attempt = attemptNumber - 1
	var lastCode int
	post := func() error {
		code, err := d.postWebhook(ctx, sub.Delivery.WebhookURL, body)
		lastCode = code
		attempt.Attempt++
		return err
	}

	deliveryErr := backoff.Retry(post, policy)
	attempt.ResponseCode = lastCode

	if deliveryErr != nil {
		breaker.RecordFailure()
		retryAt := time.Now().UTC().Add(d.config.RecoveryRetryDelay)
		attempt.Status = core.DeliveryStatusFailed
		attempt.Error = deliveryErr.Error()
		attempt.NextRetryAt = &retryAt
		d.finishAttempt(ctx, attempt)
		d.logger.Warnw("Webhook delivery failed",
			"subscription_id", sub.ID,
			"threat_id", threat.ID,
			"attempts", attempt.Attempt,
			"error", deliveryErr)
		return
	}

	breaker.RecordSuccess()
	attempt.Status = core.DeliveryStatusDelivered
	d.finishAttempt(ctx, attempt)
	d.logger.Debugw("Webhook delivered",
		"subscription_id", sub.ID, "threat_id", threat.ID, "code", lastCode)
}

// RetryWebhook resumes a persisted failed attempt after restart
func (d *Dispatcher) RetryWebhook(ctx context.Context, sub *core.Subscription, threat *core.ThreatRecord, previous *core.DeliveryAttempt) {
	// Clear the retry marker first so a crash mid-retry cannot double-queue.
	previous.NextRetryAt = nil
	if err := d.deliveries.UpdateAttempt(ctx, previous); err != nil {
		d.logger.Errorw("Failed to claim pending retry", "attempt_id", previous.ID, "error", err)
		return
	}
	d.deliverWebhook(ctx, sub, threat, previous.Attempt+1)
}

func (d *Dispatcher) postWebhook(ctx context.Context, webhookURL string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("failed to build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "aegis-dispatcher/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	// Client errors other than 429 will not improve on retry.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return resp.StatusCode, backoff.Permanent(fmt.Errorf("webhook rejected with status %d", resp.StatusCode))
	}
	return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

func (d *Dispatcher) deliverInApp(ctx context.Context, sub *core.Subscription, threat *core.ThreatRecord) {
	attempt := core.NewDeliveryAttempt(sub.ID, threat.ID, core.ChannelInApp, 1)
	if err := d.deliveries.RecordAttempt(ctx, attempt); err != nil {
		d.logger.Errorw("Failed to record delivery attempt", "error", err)
		return
	}

	if d.inbox == nil {
		attempt.Status = core.DeliveryStatusFailed
		attempt.Error = "in-app notifications not configured"
	} else if err := d.inbox.Notify(ctx, sub, threat); err != nil {
		attempt.Status = core.DeliveryStatusFailed
		attempt.Error = err.Error()
	} else {
		attempt.Status = core.DeliveryStatusDelivered
	}
	d.finishAttempt(ctx, attempt)
}

func (d *Dispatcher) deliverStream(ctx context.Context, sub *core.Subscription, threat *core.ThreatRecord) {
	attempt := core.NewDeliveryAttempt(sub.ID, threat.ID, core.ChannelStream, 1)
	if err := d.deliveries.RecordAttempt(ctx, attempt); err != nil {
		d.logger.Errorw("Failed to record delivery attempt", "error", err)
		return
	}

	if d.stream == nil {
		attempt.Status = core.DeliveryStatusFailed
		attempt.Error = "stream hub not configured"
	} else {
		// Best effort: a disconnected client misses the event, which is the
		// stream channel's contract.
		d.stream.PublishThreat(threat, sub)
		attempt.Status = core.DeliveryStatusDelivered
	}
	d.finishAttempt(ctx, attempt)
}

func (d *Dispatcher) deliverEmail(ctx context.Context, sub *core.Subscription, threat *core.ThreatRecord) {
	attempt := core.NewDeliveryAttempt(sub.ID, threat.ID, core.ChannelEmail, 1)
	if err := d.deliveries.RecordAttempt(ctx, attempt); err != nil {
		d.logger.Errorw("Failed to record delivery attempt", "error", err)
		return
	}

	if d.email == nil {
		attempt.Status = core.DeliveryStatusFailed
		attempt.Error = "email delivery not configured"
	} else if err := d.email.Send(ctx, sub, threat); err != nil {
		attempt.Status = core.DeliveryStatusFailed
		attempt.Error = err.Error()
	} else {
		attempt.Status = core.DeliveryStatusDelivered
	}
	d.finishAttempt(ctx, attempt)
}

func (d *Dispatcher) finishAttempt(ctx context.Context, attempt *core.DeliveryAttempt) {
	if err := d.deliveries.UpdateAttempt(ctx, attempt); err != nil {
		d.logger.Errorw("Failed to update delivery attempt",
			"attempt_id", attempt.ID, "error", err)
	}
	metrics.Deliveries.WithLabelValues(string(attempt.Channel), string(attempt.Status)).Inc()
}

// breakerFor returns the circuit breaker for a webhook endpoint's host
func (d *Dispatcher) breakerFor(webhookURL string) *core.CircuitBreaker {
	key := webhookURL
	if u, err := url.Parse(webhookURL); err == nil && u.Host != "" {
		key = u.Host
	}

	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	if cb, ok := d.breakers[key]; ok {
		return cb
	}
	cb := core.MustNewCircuitBreaker(core.DefaultCircuitBreakerConfig())
	d.breakers[key] = cb
	return cb
}

func newExponentialBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	return b
}
