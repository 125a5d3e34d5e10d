package dispatch

import (
	"context"
	"sync"
	"time"

	"aegis/core"
	"aegis/metrics"
	"aegis/storage"

	"go.uber.org/zap"
)

// MatcherConfig tunes the fan-out worker pool
type MatcherConfig struct {
	// Workers is the number of goroutines draining the threat queue.
	Workers int
	// QueueSize bounds the threat queue; a full queue drops new threats from
	// fan-out rather than stalling ingestion.
	QueueSize int
	// MaxParallelDeliveries bounds concurrent deliveries across one threat's
	// fan-out.
	MaxParallelDeliveries int
	// DeliveryTimeout bounds one subscription's delivery, webhook retries
	// included.
	DeliveryTimeout time.Duration
	// RetryInterval is how often persisted failed webhooks are re-scanned.
	RetryInterval time.Duration
	// RetryBatch bounds how many persisted retries one scan picks up.
	RetryBatch int
}

// DefaultMatcherConfig returns tuned matcher defaults
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		Workers:               4,
		QueueSize:             1024,
		MaxParallelDeliveries: 32,
		DeliveryTimeout:       2 * time.Minute,
		RetryInterval:         time.Minute,
		RetryBatch:            100,
	}
}

// Matcher fans stored threats out to matching subscriptions asynchronously.
// It implements the ingestion gateway's dispatch hook: OnThreatStored returns
// immediately and workers do the matching and delivery off the ingestion path.
type Matcher struct {
	subs       storage.SubscriptionStorageInterface
	threats    storage.ThreatStorageInterface
	dispatcher *Dispatcher
	config     MatcherConfig
	logger     *zap.SugaredLogger

	queue  chan *core.ThreatRecord
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMatcher creates a subscription matcher
func NewMatcher(subs storage.SubscriptionStorageInterface, threats storage.ThreatStorageInterface, dispatcher *Dispatcher, config MatcherConfig, logger *zap.SugaredLogger) *Matcher {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.MaxParallelDeliveries <= 0 {
		config.MaxParallelDeliveries = 32
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = 2 * time.Minute
	}
	return &Matcher{
		subs:       subs,
		threats:    threats,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
		queue:      make(chan *core.ThreatRecord, config.QueueSize),
		stopCh:     make(chan struct{}),
	}
}

// OnThreatStored enqueues a canonical record for fan-out.
// Non-blocking: under sustained overload new threats are dropped from fan-out
// (and logged) instead of stalling ingestion.
func (m *Matcher) OnThreatStored(threat *core.ThreatRecord) {
	select {
	case m.queue <- threat:
	default:
		metrics.FanoutDropped.Inc()
		m.logger.Errorw("Fan-out queue full, dropping threat from delivery",
			"threat_id", threat.ID, "queue_size", m.config.QueueSize)
	}
}

// Start launches the worker pool and the retry recovery loop
func (m *Matcher) Start() {
	for i := 0; i < m.config.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	if m.config.RetryInterval > 0 {
		m.wg.Add(1)
		go m.retryLoop()
	}

	m.logger.Infow("Dispatch matcher started", "workers", m.config.Workers)
}

// Stop drains nothing and stops workers; queued threats at shutdown are
// recoverable only through the persisted retry path.
func (m *Matcher) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("Dispatch matcher stopped")
}

func (m *Matcher) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case threat := <-m.queue:
			m.fanOut(threat, false)
		}
	}
}

// fanOut matches one threat against the active subscription snapshot.
// When broadcast is set, filters are bypassed and every active subscription
// receives the threat.
func (m *Matcher) fanOut(threat *core.ThreatRecord, broadcast bool) {
	// Merged duplicates never produce deliveries.
	if threat.DuplicateOf != "" {
		return
	}

	listCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	subs, err := m.subs.ListActiveSubscriptions(listCtx)
	cancel()
	if err != nil {
		m.logger.Errorw("Failed to load subscription snapshot",
			"threat_id", threat.ID, "error", err)
		return
	}

	// Each matching subscription delivers on its own goroutine with its own
	// deadline. One subscription's slow webhook or panic must not starve the
	// rest of the fan-out.
	sem := make(chan struct{}, m.config.MaxParallelDeliveries)
	var deliveryWG sync.WaitGroup
	matched := 0
	for i := range subs {
		sub := &subs[i]
		if !broadcast && !sub.Filters.Matches(threat) {
			continue
		}
		matched++
		deliveryWG.Add(1)
		sem <- struct{}{}
		go func() {
			defer deliveryWG.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Errorw("Delivery panicked",
						"subscription_id", sub.ID, "threat_id", threat.ID, "panic", r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), m.config.DeliveryTimeout)
			defer cancel()
			m.dispatcher.Deliver(ctx, sub, threat)
		}()
	}
	deliveryWG.Wait()

	m.logger.Debugw("Threat fan-out complete",
		"threat_id", threat.ID,
		"subscriptions", len(subs),
		"matched", matched,
		"broadcast", broadcast)
}

// Broadcast pushes a threat to every active subscription regardless of
// filters. Used for the admin emergency broadcast endpoint.
func (m *Matcher) Broadcast(threat *core.ThreatRecord) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.fanOut(threat, true)
	}()
}

// retryLoop resumes persisted failed webhook attempts
func (m *Matcher) retryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.resumeRetries()
		}
	}
}

func (m *Matcher) resumeRetries() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pending, err := m.dispatcher.deliveries.PendingRetries(ctx, time.Now(), m.config.RetryBatch)
	if err != nil {
		m.logger.Errorw("Failed to scan pending retries", "error", err)
		return
	}

	for i := range pending {
		attempt := &pending[i]
		sub, err := m.subs.GetSubscription(ctx, attempt.SubscriptionID)
		if err != nil || sub.DeletedAt != nil || !sub.IsActive {
			// Subscription gone or paused; clear the marker so the attempt
			// stops surfacing.
			attempt.NextRetryAt = nil
			_ = m.dispatcher.deliveries.UpdateAttempt(ctx, attempt)
			continue
		}
		threat, err := m.threats.GetThreat(ctx, attempt.ThreatID)
		if err != nil {
			attempt.NextRetryAt = nil
			_ = m.dispatcher.deliveries.UpdateAttempt(ctx, attempt)
			continue
		}
		m.dispatcher.RetryWebhook(ctx, sub, threat, attempt)
	}
}
