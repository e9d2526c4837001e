package behavior

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Market-maker factor weights. They sum to 1 and are re-normalized over the
// factors that can actually be computed for a wallet.
const (
	weightFrequency         = 0.25
	weightBalance           = 0.20
	weightShortHolding      = 0.15
	weightMultiMarket       = 0.15
	weightVolumeConsistency = 0.10
	weightSpreadMaintenance = 0.10
	weightBurstTrading      = 0.05
)

// Confidence weights.
const (
	weightSampleSize       = 0.30
	weightTimeSpan         = 0.30
	weightMetricConsistent = 0.25
	weightMarketDiversity  = 0.15
)

// mixedProbabilityFloor is the lower bound of the MixedTrader band.
const mixedProbabilityFloor = 0.4

// balanceCutoff separates one-sided from two-sided traders in the decision ladder.
const balanceCutoff = 0.6

// ClassifierConfig holds classification thresholds.
type ClassifierConfig struct {
	MinTrades              int           // Min trades inside Lookback to classify (e.g., 10)
	Lookback               time.Duration // Analysis window (e.g., 7 days)
	Threshold              float64       // Market-maker probability threshold (e.g., 0.70)
	HighFrequencyThreshold float64       // Trades/hour considered high frequency (e.g., 10)
	MultiMarketThreshold   float64       // Multi-market score for arbitrage (e.g., 0.5)
	ShortHoldingHorizon    time.Duration // Holding time that scores zero on short-holding (e.g., 1h)
	MultiMarketTarget      int           // Distinct markets for a full multi-market score (e.g., 5)
	BurstTarget            int           // Burst events for a full burst score (e.g., 5)
	FullConfidenceTrades   int           // Sample size for full confidence (e.g., 50)
	FullConfidenceSpan     time.Duration // Time span for full confidence (e.g., 168h)
	CacheTTL               time.Duration // Freshness window for cached results (e.g., 5m)
	Metrics                MetricsConfig
}

// DefaultClassifierConfig returns sensible defaults.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		MinTrades:              10,
		Lookback:               7 * 24 * time.Hour,
		Threshold:              0.70,
		HighFrequencyThreshold: 10,
		MultiMarketThreshold:   0.5,
		ShortHoldingHorizon:    time.Hour,
		MultiMarketTarget:      5,
		BurstTarget:            5,
		FullConfidenceTrades:   50,
		FullConfidenceSpan:     168 * time.Hour,
		CacheTTL:               5 * time.Minute,
		Metrics:                DefaultMetricsConfig(),
	}
}

// thresholdsEqual reports whether two configs classify identically.
func (c ClassifierConfig) thresholdsEqual(o ClassifierConfig) bool {
	return c.MinTrades == o.MinTrades &&
		c.Lookback == o.Lookback &&
		c.Threshold == o.Threshold &&
		c.HighFrequencyThreshold == o.HighFrequencyThreshold &&
		c.MultiMarketThreshold == o.MultiMarketThreshold &&
		c.ShortHoldingHorizon == o.ShortHoldingHorizon &&
		c.MultiMarketTarget == o.MultiMarketTarget &&
		c.BurstTarget == o.BurstTarget &&
		c.FullConfidenceTrades == o.FullConfidenceTrades &&
		c.FullConfidenceSpan == o.FullConfidenceSpan &&
		c.Metrics == o.Metrics
}

func (c ClassifierConfig) withDefaults() ClassifierConfig {
	def := DefaultClassifierConfig()
	if c.MinTrades < 1 {
		c.MinTrades = def.MinTrades
	}
	if c.Lookback <= 0 {
		c.Lookback = def.Lookback
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = def.Threshold
	}
	if c.HighFrequencyThreshold <= 0 {
		c.HighFrequencyThreshold = def.HighFrequencyThreshold
	}
	if c.MultiMarketThreshold <= 0 {
		c.MultiMarketThreshold = def.MultiMarketThreshold
	}
	if c.ShortHoldingHorizon <= 0 {
		c.ShortHoldingHorizon = def.ShortHoldingHorizon
	}
	if c.MultiMarketTarget < 1 {
		c.MultiMarketTarget = def.MultiMarketTarget
	}
	if c.BurstTarget < 1 {
		c.BurstTarget = def.BurstTarget
	}
	if c.FullConfidenceTrades < 1 {
		c.FullConfidenceTrades = def.FullConfidenceTrades
	}
	if c.FullConfidenceSpan <= 0 {
		c.FullConfidenceSpan = def.FullConfidenceSpan
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	return c
}

// MarketContext carries optional market-wide information.
type MarketContext struct {
	ActiveMarkets int // Markets currently open for trading; 0 means unknown
}

type cacheKey struct {
	wallet     string
	tradeCount int
}

type cacheEntry struct {
	result   *WalletClassification
	cachedAt time.Time
}

// maxCacheEntries bounds the cache before expired entries are swept.
const maxCacheEntries = 4096

// Classifier scores wallets on how likely they are to be market makers and
// assigns a trading style. Results are cached per (wallet, trade count).
type Classifier struct {
	logger *zap.Logger
	now    func() time.Time

	configMu sync.RWMutex
	config   ClassifierConfig
	engine   *MetricsEngine

	cacheMu sync.Mutex
	cache   map[cacheKey]cacheEntry
	gen     uint64 // bumped by InvalidateAll
}

// NewClassifier creates a classifier.
func NewClassifier(logger *zap.Logger, config ClassifierConfig) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()

	return &Classifier{
		logger: logger.Named("classifier"),
		now:    time.Now,
		config: config,
		engine: NewMetricsEngine(config.Metrics),
		cache:  make(map[cacheKey]cacheEntry),
	}
}

func (c *Classifier) getConfig() (ClassifierConfig, *MetricsEngine) {
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	return c.config, c.engine
}

// UpdateConfig applies new thresholds. Cached results are dropped whenever the
// thresholds change; a TTL-only change keeps them.
func (c *Classifier) UpdateConfig(config ClassifierConfig) {
	config = config.withDefaults()

	c.configMu.Lock()
	changed := !c.config.thresholdsEqual(config)
	c.config = config
	c.engine = NewMetricsEngine(config.Metrics)
	c.configMu.Unlock()

	if changed {
		dropped := c.InvalidateAll()
		c.logger.Info("classifier thresholds updated, cache invalidated",
			zap.Float64("threshold", config.Threshold),
			zap.Int("minTrades", config.MinTrades),
			zap.Int("dropped", dropped),
		)
	}
}

// InvalidateAll drops every cached result and returns how many were removed.
func (c *Classifier) InvalidateAll() int {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	n := len(c.cache)
	c.cache = make(map[cacheKey]cacheEntry)
	c.gen++
	return n
}

func (c *Classifier) generation() uint64 {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return c.gen
}

// CacheSize returns the number of cached results.
func (c *Classifier) CacheSize() int {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return len(c.cache)
}

// Classify analyzes the wallet's trades inside the lookback window.
// A wallet with too few trades gets InsufficientData with zero probability and
// confidence; that is a normal outcome, not an error.
func (c *Classifier) Classify(wallet string, trades []Trade, mctx *MarketContext) *WalletClassification {
	// Read before the config so an invalidation racing this call is never missed.
	gen := c.generation()
	cfg, engine := c.getConfig()
	now := c.now()

	cutoff := now.Add(-cfg.Lookback)
	recent := make([]Trade, 0, len(trades))
	for _, t := range trades {
		if t.Timestamp.Before(cutoff) {
			continue
		}
		recent = append(recent, t)
	}

	key := cacheKey{wallet: wallet, tradeCount: len(recent)}
	if cached := c.cached(key, now, cfg.CacheTTL); cached != nil {
		return cached
	}

	var result *WalletClassification
	if len(recent) < cfg.MinTrades {
		result = &WalletClassification{
			WalletID:       wallet,
			Classification: InsufficientData,
			TradeCount:     len(recent),
			Timestamp:      now,
		}
	} else {
		result = c.analyze(cfg, engine, wallet, recent, mctx, now)
	}

	c.store(key, result, gen, now, cfg.CacheTTL)

	c.logger.Debug("classified wallet",
		zap.String("wallet", wallet),
		zap.Stringer("classification", result.Classification),
		zap.Float64("probability", result.Probability),
		zap.Float64("confidence", result.Confidence),
		zap.Int("trades", result.TradeCount),
	)

	return result.Clone()
}

func (c *Classifier) analyze(
	cfg ClassifierConfig,
	engine *MetricsEngine,
	wallet string,
	trades []Trade,
	mctx *MarketContext,
	now time.Time,
) *WalletClassification {
	m := engine.Compute(trades)
	scores := subScores(cfg, m, mctx)
	probability := marketMakerProbability(scores)

	return &WalletClassification{
		WalletID:       wallet,
		Classification: decide(cfg, m, scores, probability),
		Probability:    probability,
		Confidence:     confidence(cfg, m),
		TradeCount:     m.TradeCount,
		Metrics:        m,
		SubScores:      scores,
		Timestamp:      now,
	}
}

func subScores(cfg ClassifierConfig, m Metrics, mctx *MarketContext) SubScores {
	s := SubScores{
		Frequency:         clamp01(m.Temporal.TradesPerHour / cfg.HighFrequencyThreshold),
		Balance:           m.Directional.BalanceScore,
		SpreadMaintenance: clamp01(safeDiv(float64(m.Risk.SpreadAlternations), float64(m.TradeCount-1))),
		BurstTrading:      clamp01(float64(m.Temporal.BurstEvents) / float64(cfg.BurstTarget)),
	}

	if m.Position.HoldingSamples > 0 {
		s.ShortHolding = clamp01(1 - m.Position.AvgHoldingSec/cfg.ShortHoldingHorizon.Seconds())
	} else {
		s.Missing = append(s.Missing, "short_holding")
	}

	target := cfg.MultiMarketTarget
	if mctx != nil && mctx.ActiveMarkets > 0 && mctx.ActiveMarkets < target {
		target = mctx.ActiveMarkets
	}
	s.MultiMarket = clamp01(0.5*clamp01(float64(m.Market.DistinctMarkets)/float64(target)) + 0.5*m.Market.Diversity)

	if m.Position.AvgSize > 0 {
		s.VolumeConsistency = m.Position.SizeConsistency
	} else {
		s.Missing = append(s.Missing, "volume_consistency")
	}

	return s
}

func marketMakerProbability(s SubScores) float64 {
	missing := make(map[string]bool, len(s.Missing))
	for _, name := range s.Missing {
		missing[name] = true
	}

	factors := []struct {
		name   string
		weight float64
		score  float64
	}{
		{"frequency", weightFrequency, s.Frequency},
		{"balance", weightBalance, s.Balance},
		{"short_holding", weightShortHolding, s.ShortHolding},
		{"multi_market", weightMultiMarket, s.MultiMarket},
		{"volume_consistency", weightVolumeConsistency, s.VolumeConsistency},
		{"spread_maintenance", weightSpreadMaintenance, s.SpreadMaintenance},
		{"burst_trading", weightBurstTrading, s.BurstTrading},
	}

	var weighted, totalWeight float64
	for _, f := range factors {
		if missing[f.name] {
			continue
		}
		weighted += f.weight * f.score
		totalWeight += f.weight
	}
	return clamp01(safeDiv(weighted, totalWeight))
}

// decide walks the classification ladder. Order matters: the first matching
// branch wins.
func decide(cfg ClassifierConfig, m Metrics, s SubScores, probability float64) Classification {
	freq := m.Temporal.TradesPerHour
	halfHF := cfg.HighFrequencyThreshold / 2
	balance := m.Directional.BalanceScore

	switch {
	case probability >= cfg.Threshold:
		return MarketMaker
	case freq >= halfHF && balance < balanceCutoff:
		return HighFrequencyTrader
	case freq >= halfHF && balance >= balanceCutoff && s.MultiMarket >= cfg.MultiMarketThreshold:
		return ArbitrageTrader
	case freq < 1 && balance < balanceCutoff:
		return DirectionalTrader
	case probability >= mixedProbabilityFloor && probability < cfg.Threshold:
		return MixedTrader
	default:
		return LowActivity
	}
}

func confidence(cfg ClassifierConfig, m Metrics) float64 {
	sample := clamp01(float64(m.TradeCount) / float64(cfg.FullConfidenceTrades))
	span := clamp01(m.SpanHours / cfg.FullConfidenceSpan.Hours())
	consistent := clamp01(1 / (1 + math.Max(m.Consistency.ActivityCV, 0)))
	diversity := clamp01(m.Market.Diversity)

	return clamp01(weightSampleSize*sample +
		weightTimeSpan*span +
		weightMetricConsistent*consistent +
		weightMarketDiversity*diversity)
}

func (c *Classifier) cached(key cacheKey, now time.Time, ttl time.Duration) *WalletClassification {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	entry, ok := c.cache[key]
	if !ok {
		return nil
	}
	if now.Sub(entry.cachedAt) >= ttl {
		delete(c.cache, key)
		return nil
	}
	return entry.result.Clone()
}

// store caches result unless the cache was invalidated after gen was read;
// such a result was computed under superseded thresholds.
func (c *Classifier) store(key cacheKey, result *WalletClassification, gen uint64, now time.Time, ttl time.Duration) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if c.gen != gen {
		return
	}

	if len(c.cache) >= maxCacheEntries {
		for k, e := range c.cache {
			if now.Sub(e.cachedAt) >= ttl {
				delete(c.cache, k)
			}
		}
	}
	c.cache[key] = cacheEntry{result: result.Clone(), cachedAt: now}
}
