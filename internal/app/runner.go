package app

import (
	"context"
	"net/http"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	clts "copybot/clients"
	"copybot/config"
	"copybot/internal/behavior"
	"copybot/internal/breaker"
	"copybot/internal/risk"
	"copybot/internal/store"

	"go.uber.org/zap"
)

// ensure Runner implements ConfigObserver
var _ config.ConfigObserver = (*Runner)(nil)

// Build info - populated from embedded VCS info at init time
var (
	BuildCommit = "dev"
	BuildTime   = "unknown"
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if setting.Value != "" {
					BuildCommit = setting.Value
				}
			case "vcs.time":
				BuildTime = setting.Value
			}
		}
	}
}

type Runner struct {
	clients         *clts.Clients
	liveConfig      *config.LiveConfig
	settingsManager *config.SettingsManager

	classifier      *behavior.Classifier
	store           *store.MemoryStore
	breaker         *breaker.Breaker
	engine          *risk.Engine
	conditions      *BookConditions
	walletTracker   *WalletTracker
	tradeMonitor    *TradeMonitor
	positionMonitor *PositionMonitor
	cachePersister  *CachePersister
	hub             *evaluationHub

	healthServer *http.Server
	startTime    time.Time
}

// ServiceStats holds comprehensive service statistics.
type ServiceStats struct {
	// Build info
	Build struct {
		Commit    string `json:"commit"`
		Time      string `json:"time,omitempty"`
		GoVersion string `json:"go_version"`
	} `json:"build"`

	// Service info
	StartTime string `json:"start_time"`
	Uptime    string `json:"uptime"`
	UptimeSec int64  `json:"uptime_seconds"`

	Breaker struct {
		Active            bool    `json:"active"`
		Reason            string  `json:"reason,omitempty"`
		DailyLoss         string  `json:"daily_loss"`
		ConsecutiveLosses int     `json:"consecutive_losses"`
		FailureRate       float64 `json:"failure_rate"`
	} `json:"breaker"`

	Classifier struct {
		TrackedWallets int `json:"tracked_wallets"`
		Stored         int `json:"stored"`
		CacheSize      int `json:"cache_size"`
	} `json:"classifier"`

	Tracker   TrackerStats  `json:"tracker"`
	Monitor   MonitorStats  `json:"monitor"`
	Positions PositionStats `json:"positions"`
	Risk      risk.Stats    `json:"risk"`

	// Price stream stats
	PriceStream struct {
		Enabled        bool   `json:"enabled"`
		Connected      bool   `json:"connected"`
		MessageCount   uint64 `json:"message_count"`
		Reconnects     uint64 `json:"reconnects"`
		Assets         int    `json:"assets"`
		LastMessageAt  string `json:"last_message_at,omitempty"`
		LastMessageAgo string `json:"last_message_ago,omitempty"`
	} `json:"price_stream"`

	Caches struct {
		SeenTradesSize int `json:"seen_trades_size"`
	} `json:"caches"`

	// Notification status
	Notifications struct {
		DiscordEnabled  bool `json:"discord_enabled"`
		TelegramEnabled bool `json:"telegram_enabled"`
	} `json:"notifications"`

	Runtime struct {
		Goroutines int    `json:"goroutines"`
		HeapAlloc  uint64 `json:"heap_alloc_bytes"`
		HeapInuse  uint64 `json:"heap_inuse_bytes"`
		NumGC      uint32 `json:"num_gc"`
		GoVersion  string `json:"go_version"`
		NumCPU     int    `json:"num_cpu"`
	} `json:"runtime"`
}

func NewRunner(clients *clts.Clients, liveConfig *config.LiveConfig, settingsManager *config.SettingsManager) *Runner {
	return &Runner{
		clients:         clients,
		liveConfig:      liveConfig,
		settingsManager: settingsManager,
	}
}

// ---- Config translation ----

func classifierConfig(cfg *config.Config) behavior.ClassifierConfig {
	c := behavior.DefaultClassifierConfig()
	c.MinTrades = cfg.Classifier.MinTrades
	c.Lookback = cfg.Classifier.Lookback
	c.Threshold = cfg.Classifier.Threshold
	c.HighFrequencyThreshold = cfg.Classifier.HighFrequencyThreshold
	c.MultiMarketThreshold = cfg.Classifier.MultiMarketThreshold
	c.CacheTTL = cfg.Classifier.CacheTTL
	c.Metrics = behavior.MetricsConfig{
		BurstGap:       cfg.Classifier.BurstGap,
		BurstMinTrades: cfg.Classifier.BurstMinTrades,
		SpreadWindow:   cfg.Classifier.SpreadWindow,
		PositionLimit:  cfg.Classifier.PositionLimit,
	}
	return c
}

func riskConfig(cfg *config.Config) risk.Config {
	return risk.Config{
		BasePositionSize:       cfg.Risk.BasePositionSize,
		MinTradeSize:           cfg.Risk.MinTradeSize,
		MaxSinglePosition:      cfg.Limits.MaxSinglePosition,
		BalanceFraction:        cfg.Risk.BalanceFraction,
		MaxConcurrentPositions: cfg.Limits.MaxConcurrentPositions,
		MaxPositionsPerMarket:  cfg.Risk.MaxPositionsPerMarket,
		MaxPositionsPerWallet:  cfg.Risk.MaxPositionsPerWallet,
		RequestTimeout:         cfg.Risk.RequestTimeout,
	}
}

func breakerConfig(cfg *config.Config) breaker.Config {
	return breaker.Config{
		MaxDailyLoss:            cfg.Limits.MaxDailyLoss,
		MaxConsecutiveLosses:    cfg.Breaker.MaxConsecutiveLosses,
		FailureRateThreshold:    cfg.Breaker.FailureRateThreshold,
		MinTradesForFailureRate: cfg.Breaker.MinTradesForFailureRate,
		Cooldown:                cfg.Breaker.Cooldown,
	}
}

func baseConditions(cfg *config.Config) risk.MarketConditions {
	return risk.MarketConditions{
		VolatilityIndex:    cfg.Risk.DefaultVolatility,
		LiquidityScore:     cfg.Risk.DefaultLiquidity,
		GasPriceMultiplier: cfg.Risk.DefaultGasMultiplier,
		AvailableBalance:   cfg.Risk.PaperBalance,
	}
}

func trackerConfig(cfg *config.Config) WalletTrackerConfig {
	return WalletTrackerConfig{
		Wallets:       cfg.Tracker.Wallets,
		Interval:      cfg.Tracker.ClassifyInterval,
		Lookback:      cfg.Classifier.Lookback,
		ActivityLimit: cfg.Tracker.ActivityLimit,
	}
}

func monitorConfig(cfg *config.Config) TradeMonitorConfig {
	return TradeMonitorConfig{
		PollInterval: cfg.Tracker.TradePollInterval,
		MaxTradeAge:  cfg.Tracker.MaxTradeAge,
	}
}

func positionConfig(cfg *config.Config) PositionMonitorConfig {
	return PositionMonitorConfig{
		PollInterval: cfg.Tracker.PositionPollInterval,
		PaperBalance: cfg.Risk.PaperBalance,
	}
}

// setup builds every component from cfg.
func (r *Runner) setup(cfg *config.Config) {
	logger := r.clients.Logger
	if logger == nil {
		logger = zap.NewNop()
		r.clients.Logger = logger
	}
	n := r.clients.Notifier

	var persister breaker.Persister
	if cfg.Breaker.StateFile != "" {
		persister = breaker.NewFileStore(cfg.Breaker.StateFile)
	}

	r.classifier = behavior.NewClassifier(logger, classifierConfig(cfg))
	r.store = store.NewMemoryStore(cfg.History.MaxEntries)
	r.breaker = breaker.New(logger, breakerConfig(cfg), persister, n)
	r.engine = risk.NewEngine(logger, riskConfig(cfg), r.breaker, r.store, nil)

	var books BookSource
	var prices PriceSource
	var feed TradeFeed
	if r.clients.Polymarket != nil {
		books = r.clients.Polymarket
		prices = r.clients.Polymarket
		feed = r.clients.Polymarket
	}
	r.conditions = NewBookConditions(logger, books, baseConditions(cfg))

	var stream PriceStream
	if r.clients.PolymarketEvents != nil {
		stream = r.clients.PolymarketEvents
	}

	r.walletTracker = NewWalletTracker(logger, feed, r.classifier, r.store, n, trackerConfig(cfg))
	r.tradeMonitor = NewTradeMonitor(logger, feed, r.walletTracker, r.engine, r.conditions, n, monitorConfig(cfg))
	r.positionMonitor = NewPositionMonitor(logger, r.engine, prices, stream, r.breaker, r.conditions, n, positionConfig(cfg))

	var cacheGist GistStorage
	if r.clients.Gist != nil {
		cacheGist = r.clients.Gist
	}
	r.cachePersister = NewCachePersister(
		logger,
		cacheGist,
		r.store,
		r.tradeMonitor,
		cfg.History.SaveInterval,
		cfg.History.FileName,
		cfg.History.SeenTradesFileName,
		cfg.History.MaxSizeBytes,
	)

	r.hub = newEvaluationHub()
	r.tradeMonitor.OnEvaluation(r.hub.publish)
}

// OnConfigUpdate is called when the config changes.
// Implements config.ConfigObserver interface.
func (r *Runner) OnConfigUpdate(cfg *config.Config) {
	r.clients.Logger.Info("config update received, propagating to components")

	if r.classifier != nil {
		r.classifier.UpdateConfig(classifierConfig(cfg))
	}
	if r.engine != nil {
		r.engine.UpdateConfig(riskConfig(cfg))
	}
	if r.breaker != nil {
		r.breaker.UpdateConfig(breakerConfig(cfg))
	}
	if r.conditions != nil {
		r.conditions.SetBase(baseConditions(cfg))
	}
	if r.walletTracker != nil {
		r.walletTracker.UpdateConfig(trackerConfig(cfg))
	}
	if r.tradeMonitor != nil {
		r.tradeMonitor.UpdateConfig(monitorConfig(cfg))
	}
	if r.positionMonitor != nil {
		r.positionMonitor.UpdateConfig(positionConfig(cfg))
	}
}

func (r *Runner) Run(ctx context.Context) error {
	r.startTime = time.Now()
	logger := r.clients.Logger
	cfg := r.liveConfig.Get()

	r.setup(cfg)

	// Register as config observer for hot-reload
	r.liveConfig.AddObserver(r)

	logger.Info("starting copy trader",
		zap.Int("wallets", len(cfg.Tracker.Wallets)),
		zap.Duration("classifyInterval", cfg.Tracker.ClassifyInterval),
		zap.Duration("tradePollInterval", cfg.Tracker.TradePollInterval),
		zap.Bool("priceStream", r.clients.PolymarketEvents != nil),
	)

	loadCtx, loadCancel := context.WithTimeout(ctx, 30*time.Second)
	if n, err := r.cachePersister.LoadCache(loadCtx); err != nil {
		logger.Warn("failed to load classification cache", zap.Error(err))
	} else if n > 0 {
		logger.Info("restored classifications", zap.Int("wallets", n))
	}
	if _, err := r.cachePersister.LoadSeenTrades(loadCtx); err != nil {
		logger.Warn("failed to load seen trades", zap.Error(err))
	}
	loadCancel()

	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	if r.clients.PolymarketEvents != nil {
		start(r.clients.PolymarketEvents.Run)
	}
	start(func(ctx context.Context) { r.breaker.Run(ctx, cfg.Breaker.CheckInterval) })
	start(r.walletTracker.Run)
	start(r.tradeMonitor.Run)
	start(r.positionMonitor.Run)
	start(r.cachePersister.Run)

	if cfg.HealthServer.Enabled {
		r.startHealthServer(cfg.HealthServer.Port)
		logger.Info("health server started", zap.Int("port", cfg.HealthServer.Port))
		if cfg.HealthServer.AdminToken == "" {
			logger.Warn("ADMIN_TOKEN not set, admin endpoints are disabled")
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if r.healthServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health server shutdown error", zap.Error(err))
		}
		cancel()
	}

	wg.Wait()
	r.breaker.WaitAlerts()
	return nil
}

// GetStats returns comprehensive service statistics.
func (r *Runner) GetStats() ServiceStats {
	var stats ServiceStats

	// Build info
	stats.Build.Commit = BuildCommit
	stats.Build.Time = BuildTime
	stats.Build.GoVersion = runtime.Version()

	// Service info
	stats.StartTime = r.startTime.UTC().Format(time.RFC3339)
	uptime := time.Since(r.startTime)
	stats.Uptime = uptime.Round(time.Second).String()
	stats.UptimeSec = int64(uptime.Seconds())

	if r.breaker != nil {
		s := r.breaker.State()
		stats.Breaker.Active = s.Active
		stats.Breaker.Reason = s.Reason
		stats.Breaker.DailyLoss = s.DailyLoss.StringFixed(2)
		stats.Breaker.ConsecutiveLosses = s.ConsecutiveLosses
		stats.Breaker.FailureRate = s.FailureRate()
	}

	if r.walletTracker != nil {
		stats.Tracker = r.walletTracker.Stats()
		stats.Classifier.TrackedWallets = stats.Tracker.Wallets
	}
	if r.store != nil {
		stats.Classifier.Stored = r.store.Len()
	}
	if r.classifier != nil {
		stats.Classifier.CacheSize = r.classifier.CacheSize()
	}
	if r.tradeMonitor != nil {
		stats.Monitor = r.tradeMonitor.Stats()
		stats.Caches.SeenTradesSize = r.tradeMonitor.SeenTradesCount()
	}
	if r.positionMonitor != nil {
		stats.Positions = r.positionMonitor.Stats()
	}
	if r.engine != nil {
		stats.Risk = r.engine.RiskMetrics()
	}

	stats.PriceStream.Enabled = r.clients.PolymarketEvents != nil
	if r.clients.PolymarketEvents != nil {
		wsStats := r.clients.PolymarketEvents.Stats()
		stats.PriceStream.Connected = r.clients.PolymarketEvents.Connected()
		stats.PriceStream.MessageCount = wsStats.MessageCount
		stats.PriceStream.Reconnects = wsStats.Reconnects
		stats.PriceStream.Assets = wsStats.Assets
		if !wsStats.LastMessageAt.IsZero() {
			stats.PriceStream.LastMessageAt = wsStats.LastMessageAt.UTC().Format(time.RFC3339)
			stats.PriceStream.LastMessageAgo = time.Since(wsStats.LastMessageAt).Round(time.Second).String()
		}
	}

	stats.Notifications.DiscordEnabled = r.clients.Discord != nil
	stats.Notifications.TelegramEnabled = r.clients.Telegram != nil

	// Runtime stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats.Runtime.Goroutines = runtime.NumGoroutine()
	stats.Runtime.HeapAlloc = memStats.HeapAlloc
	stats.Runtime.HeapInuse = memStats.HeapInuse
	stats.Runtime.NumGC = memStats.NumGC
	stats.Runtime.GoVersion = runtime.Version()
	stats.Runtime.NumCPU = runtime.NumCPU()

	return stats
}
