package feeds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	// DefaultSchedule is the cron spec for sources without their own.
	DefaultSchedule string
	// Schedules maps source names to cron specs.
	Schedules map[string]string
	// MaxConcurrentFetches bounds parallel source fetches.
	MaxConcurrentFetches int
	// FetchTimeout bounds a single scheduled fetch.
	FetchTimeout time.Duration
	// FetchOnStart triggers an immediate fetch of every source at startup.
	FetchOnStart bool
}

// DefaultSchedulerConfig returns tuned scheduler defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DefaultSchedule:      "@every 15m",
		MaxConcurrentFetches: 3,
		FetchTimeout:         5 * time.Minute,
		FetchOnStart:         true,
	}
}

// Scheduler runs periodic feed fetches through the manager.
// A semaphore bounds concurrency so a burst of due schedules cannot pile
// simultaneous fetches onto the gateway.
type Scheduler struct {
	manager *Manager
	config  SchedulerConfig
	cron    *cron.Cron
	sem     chan struct{}
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	entries map[string]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a feed scheduler
func NewScheduler(manager *Manager, config SchedulerConfig, logger *zap.SugaredLogger) *Scheduler {
	if config.MaxConcurrentFetches <= 0 {
		config.MaxConcurrentFetches = 3
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 5 * time.Minute
	}
	if config.DefaultSchedule == "" {
		config.DefaultSchedule = "@every 15m"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		manager: manager,
		config:  config,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		sem:     make(chan struct{}, config.MaxConcurrentFetches),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start schedules every registered source and begins the cron loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	for _, name := range s.manager.SourceNames() {
		spec := s.config.DefaultSchedule
		if custom, ok := s.config.Schedules[name]; ok && custom != "" {
			spec = custom
		}

		source := name
		entryID, err := s.cron.AddFunc(spec, func() { s.fetch(source) })
		if err != nil {
			return fmt.Errorf("failed to schedule feed %q with spec %q: %w", name, spec, err)
		}
		s.entries[name] = entryID
		s.logger.Infow("Scheduled feed source", "source", name, "schedule", spec)
	}

	s.cron.Start()
	s.running = true

	if s.config.FetchOnStart {
		for _, name := range s.manager.SourceNames() {
			source := name
			go s.fetch(source)
		}
	}

	return nil
}

// Stop halts scheduling and waits for in-flight fetches
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.logger.Info("Feed scheduler stopped")
}

// fetch runs one bounded, timed-out fetch of a source
func (s *Scheduler) fetch(name string) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.ctx.Done():
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.FetchTimeout)
	defer cancel()

	if _, err := s.manager.FetchSource(ctx, name); err != nil {
		// Already counted and logged by the manager; in-progress collisions
		// with a manual fetch are expected noise.
		s.logger.Debugw("Scheduled fetch did not complete", "source", name, "error", err)
	}
}
