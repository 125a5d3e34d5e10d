package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"aegis/api"
	"aegis/config"
	"aegis/core"
	"aegis/dispatch"
	"aegis/feeds"
	"aegis/ingest"
	"aegis/storage"
	"aegis/sweep"

	"go.uber.org/zap"
)

// App holds every component of the aegis service
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	SQLite        *storage.SQLite
	Threats       *storage.SQLiteThreatStorage
	Subscriptions *storage.SQLiteSubscriptionStorage
	Deliveries    *storage.SQLiteDeliveryStorage
	Redis         *core.RedisCounters

	Gateway     *ingest.Gateway
	Matcher     *dispatch.Matcher
	Inbox       *dispatch.Inbox
	Hub         *api.StreamHub
	FeedManager *feeds.Manager
	Scheduler   *feeds.Scheduler
	Sweeper     *sweep.Sweeper
	APIServer   *api.Server

	apiErrCh chan error
}

// NewApp loads configuration and initializes every component. Nothing is
// started yet; call Start afterwards.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, sugar, err := InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Sugar:    sugar,
		apiErrCh: make(chan error, 1),
	}

	sugar.Info("Aegis threat feed engine starting...")

	if err := app.initStorage(); err != nil {
		return nil, err
	}
	app.initRedis()
	if err := app.initPipeline(); err != nil {
		return nil, err
	}
	if err := app.initFeeds(); err != nil {
		return nil, err
	}
	app.initSweeper()
	app.initAPI()

	return app, nil
}

func (a *App) initStorage() error {
	dbPath := a.Config.Database.SQLitePath
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	sqlite, err := storage.NewSQLite(dbPath, a.Sugar)
	if err != nil {
		return fmt.Errorf("failed to open sqlite: %w", err)
	}
	a.SQLite = sqlite

	if a.Threats, err = storage.NewSQLiteThreatStorage(sqlite, a.Sugar); err != nil {
		return fmt.Errorf("failed to initialize threat storage: %w", err)
	}
	if a.Subscriptions, err = storage.NewSQLiteSubscriptionStorage(sqlite, a.Sugar); err != nil {
		return fmt.Errorf("failed to initialize subscription storage: %w", err)
	}
	if a.Deliveries, err = storage.NewSQLiteDeliveryStorage(sqlite, a.Sugar); err != nil {
		return fmt.Errorf("failed to initialize delivery storage: %w", err)
	}

	a.Sugar.Infow("SQLite storage ready", "path", dbPath)
	return nil
}

// initRedis connects the shared rate limit counters. Redis being down is not
// fatal; the delivery limiter falls back to per-process counters.
func (a *App) initRedis() {
	if !a.Config.Redis.Enabled {
		a.Sugar.Info("Redis disabled, rate limit counters are per-process")
		return
	}

	counters := core.NewRedisCounters(
		a.Config.Redis.Addr,
		a.Config.Redis.Password,
		a.Config.Redis.DB,
		a.Config.Redis.PoolSize,
		a.Sugar,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := counters.Ping(ctx); err != nil {
		a.Sugar.Warnw("Redis unreachable, falling back to per-process rate limiting",
			"addr", a.Config.Redis.Addr, "error", err)
		return
	}

	a.Redis = counters
	a.Sugar.Infow("Redis connected", "addr", a.Config.Redis.Addr)
}

func (a *App) initPipeline() error {
	engine, err := core.NewCorrelationEngine(a.Threats, a.correlationConfig(), a.Sugar)
	if err != nil {
		return fmt.Errorf("failed to initialize correlation engine: %w", err)
	}

	a.Inbox = dispatch.NewInbox(a.Config.Dispatch.InboxSize)
	a.Hub = api.NewStreamHub(a.Sugar)

	limiter := dispatch.NewDeliveryLimiter(a.Redis, a.Sugar)
	dispatcher := dispatch.NewDispatcher(
		a.Deliveries,
		limiter,
		a.Hub,
		a.Inbox,
		nil,
		dispatch.DispatcherConfig{
			WebhookTimeout:     a.Config.Dispatch.WebhookTimeout,
			MaxRetries:         uint64(a.Config.Dispatch.MaxRetries),
			InitialBackoff:     a.Config.Dispatch.InitialBackoff,
			MaxBackoff:         a.Config.Dispatch.MaxBackoff,
			RecoveryRetryDelay: a.Config.Dispatch.RecoveryRetryDelay,
		},
		a.Sugar,
	)

	a.Matcher = dispatch.NewMatcher(a.Subscriptions, a.Threats, dispatcher, dispatch.MatcherConfig{
		Workers:               a.Config.Dispatch.Workers,
		QueueSize:             a.Config.Dispatch.QueueSize,
		MaxParallelDeliveries: a.Config.Dispatch.MaxParallelDeliveries,
		DeliveryTimeout:       a.Config.Dispatch.DeliveryTimeout,
		RetryInterval:         a.Config.Dispatch.RetryInterval,
	}, a.Sugar)

	gatewayConfig := ingest.DefaultConfig()
	if a.Config.Ingest.DefaultConfidence > 0 {
		gatewayConfig.DefaultConfidence = a.Config.Ingest.DefaultConfidence
	}
	if sev := core.Severity(a.Config.Ingest.DefaultSeverity); sev.IsValid() {
		gatewayConfig.DefaultSeverity = sev
	}
	if a.Config.Ingest.DefaultTTL > 0 {
		gatewayConfig.DefaultTTL = a.Config.Ingest.DefaultTTL
	}
	if ttl := severityDurations(a.Config.Ingest.TTL); len(ttl) > 0 {
		gatewayConfig.TTL = ttl
	}
	a.Gateway = ingest.NewGateway(a.Threats, engine, a.Matcher, gatewayConfig, a.Sugar)

	return nil
}

func (a *App) correlationConfig() core.CorrelationConfig {
	cfg := core.DefaultCorrelationConfig()
	if a.Config.Correlation.DuplicateThreshold > 0 {
		cfg.DuplicateThreshold = a.Config.Correlation.DuplicateThreshold
	}
	if a.Config.Correlation.RelatedThreshold > 0 {
		cfg.RelatedThreshold = a.Config.Correlation.RelatedThreshold
	}
	if a.Config.Correlation.DefaultRecencyWindow > 0 {
		cfg.DefaultRecencyWindow = a.Config.Correlation.DefaultRecencyWindow
	}
	if windows := severityDurations(a.Config.Correlation.RecencyWindows); len(windows) > 0 {
		cfg.RecencyWindow = windows
	}
	return cfg
}

// severityDurations converts a string-keyed config map, dropping unknown
// severity names
func severityDurations(in map[string]time.Duration) map[core.Severity]time.Duration {
	out := make(map[core.Severity]time.Duration, len(in))
	for name, d := range in {
		sev := core.Severity(name)
		if sev.IsValid() && d > 0 {
			out[sev] = d
		}
	}
	return out
}

func (a *App) initFeeds() error {
	if !a.Config.Feeds.Enabled {
		a.Sugar.Info("Feed system disabled by configuration")
		return nil
	}

	a.FeedManager = feeds.NewManager(a.Gateway, a.Sugar)
	for _, src := range a.Config.Feeds.Sources {
		source, err := feeds.NewJSONHTTPSource(feeds.JSONSourceConfig{
			Name:    src.Name,
			URL:     src.URL,
			Headers: src.Headers,
			Timeout: src.Timeout,
		})
		if err != nil {
			return fmt.Errorf("invalid feed source %s: %w", src.Name, err)
		}
		a.FeedManager.Register(source)
	}

	a.Scheduler = feeds.NewScheduler(a.FeedManager, feeds.SchedulerConfig{
		DefaultSchedule:      a.Config.Feeds.DefaultSchedule,
		Schedules:            a.Config.Feeds.Schedules,
		MaxConcurrentFetches: a.Config.Feeds.MaxConcurrentFetches,
		FetchTimeout:         a.Config.Feeds.FetchTimeout,
		FetchOnStart:         a.Config.Feeds.FetchOnStart,
	}, a.Sugar)

	a.Sugar.Infow("Feed system initialized", "sources", len(a.Config.Feeds.Sources))
	return nil
}

func (a *App) initSweeper() {
	a.Sweeper = sweep.NewSweeper(a.Threats, sweep.Config{
		Interval: a.Config.Sweep.Interval,
		Timeout:  a.Config.Sweep.Timeout,
	}, a.Sugar)
}

func (a *App) initAPI() {
	a.APIServer = api.NewServer(api.ServerConfig{
		Host:           a.Config.API.Host,
		Port:           a.Config.API.Port,
		ReadTimeout:    a.Config.API.ReadTimeout,
		WriteTimeout:   a.Config.API.WriteTimeout,
		AllowedOrigins: a.Config.API.AllowedOrigins,
		Auth: api.AuthConfig{
			JWTSecret:  a.Config.Auth.JWTSecret,
			AdminToken: a.Config.Auth.AdminToken,
		},
		RequestLimit: api.RequestLimiterConfig{
			PerMinute: a.Config.API.RateLimitPerMinute,
			Burst:     a.Config.API.RateLimitBurst,
		},
	}, a.Gateway, a.Threats, a.Subscriptions, a.Deliveries, a.Matcher, a.Inbox, a.FeedManager, a.Hub, a.Sugar)
}

// Start launches every background service and the API listener
func (a *App) Start() error {
	a.Hub.Start()
	a.Matcher.Start()
	a.Sweeper.Start()

	if a.Scheduler != nil {
		if err := a.Scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start feed scheduler: %w", err)
		}
	}

	go func() {
		a.apiErrCh <- a.APIServer.Start()
	}()

	a.Sugar.Info("All services started")
	return nil
}

// WaitForShutdown blocks until a termination signal arrives or the API
// listener fails
func (a *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case err := <-a.apiErrCh:
		if err != nil {
			a.Sugar.Errorw("API server exited", "error", err)
		}
	}
}

// Shutdown stops services in reverse dependency order: producers first, then
// the dispatch pipeline, then storage.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}

	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.APIServer.Shutdown(ctx); err != nil {
			a.Sugar.Errorw("API server shutdown failed", "error", err)
		}
		cancel()
	}

	if a.Matcher != nil {
		a.Matcher.Stop()
	}
	if a.Hub != nil {
		a.Hub.Stop()
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Sugar.Errorw("Failed to close Redis client", "error", err)
		}
	}
	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			a.Sugar.Errorw("Failed to close SQLite", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
