package sweep

import (
	"context"
	"sync"
	"time"

	"aegis/metrics"
	"aegis/storage"

	"go.uber.org/zap"
)

// Config tunes the aging sweeper
type Config struct {
	// Interval is how often the sweep runs.
	Interval time.Duration
	// Timeout bounds a single sweep.
	Timeout time.Duration
}

// DefaultConfig returns tuned sweeper defaults
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		Timeout:  time.Minute,
	}
}

// Sweeper periodically transitions threat records past their expiry checkpoint
// into the expired status. The transition happens in a single guarded UPDATE,
// so concurrent sweeps (or a sweep racing a verification) settle consistently
// and a repeated sweep with no new data is a no-op.
type Sweeper struct {
	threats storage.ThreatStorageInterface
	config  Config
	logger  *zap.SugaredLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper creates an aging sweeper
func NewSweeper(threats storage.ThreatStorageInterface, config Config, logger *zap.SugaredLogger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	return &Sweeper{
		threats: threats,
		config:  config,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the periodic sweep loop
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Infow("Aging sweeper started", "interval", s.config.Interval)
}

// Stop halts the loop and waits for an in-flight sweep
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Aging sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Errorw("Sweep failed", "error", err)
			}
			cancel()
		}
	}
}

// Sweep expires overdue records once and returns how many transitioned
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	expired, err := s.threats.ExpireThreats(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	if expired > 0 {
		metrics.ThreatsExpired.Add(float64(expired))
		s.logger.Infow("Expired overdue threat records", "count", expired)
	}
	return expired, nil
}
