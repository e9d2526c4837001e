package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"copybot/internal/behavior"
	"copybot/internal/breaker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Rejection reasons.
const (
	ReasonInvalidInput     = "invalid input"
	ReasonBreakerOpen      = "circuit breaker open"
	ReasonNoClassification = "classification unavailable"
	ReasonLowQuality       = "trade quality below minimum"
	ReasonFrequencyLimit   = "trade frequency limit reached"
	ReasonBelowMinimum     = "position size below minimum"
	ReasonDailyLossLimit   = "daily loss limit"
	ReasonCorrelationLimit = "correlation limit reached"
	ReasonConcurrentLimit  = "concurrent position limit reached"
)

// Risk score weights.
const (
	weightRiskSize       = 0.35
	weightRiskStop       = 0.20
	weightRiskQuality    = 0.25
	weightRiskVolatility = 0.20

	// Stop-loss pct and volatility index that saturate their risk terms.
	stopSaturation       = 0.10
	volatilitySaturation = 2.0
)

// Gate decides whether trading is currently allowed.
type Gate interface {
	CheckTradeAllowed(tradeID string) *breaker.SkipDecision
	DailyLoss() float64
}

// ClassificationSource provides the latest classification for a wallet.
type ClassificationSource interface {
	Get(ctx context.Context, wallet string) (*behavior.WalletClassification, error)
}

// Config holds global sizing limits.
type Config struct {
	BasePositionSize       float64       // Notional before multipliers (e.g., 100)
	MinTradeSize           float64       // Smallest copy worth placing (e.g., 1)
	MaxSinglePosition      float64       // Global cap per copy (e.g., 50)
	BalanceFraction        float64       // Max share of available balance per copy (e.g., 0.10)
	MaxConcurrentPositions int           // Open copies overall (e.g., 5)
	MaxPositionsPerMarket  int           // Open copies per market (e.g., 3)
	MaxPositionsPerWallet  int           // Open copies per source wallet (e.g., 2)
	RequestTimeout         time.Duration // Bound on classification lookups (e.g., 5s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePositionSize:       100,
		MinTradeSize:           1,
		MaxSinglePosition:      50,
		BalanceFraction:        0.10,
		MaxConcurrentPositions: 5,
		MaxPositionsPerMarket:  3,
		MaxPositionsPerWallet:  2,
		RequestTimeout:         5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BasePositionSize <= 0 {
		c.BasePositionSize = def.BasePositionSize
	}
	if c.MinTradeSize <= 0 {
		c.MinTradeSize = def.MinTradeSize
	}
	if c.MaxSinglePosition <= 0 {
		c.MaxSinglePosition = def.MaxSinglePosition
	}
	if c.BalanceFraction <= 0 || c.BalanceFraction > 1 {
		c.BalanceFraction = def.BalanceFraction
	}
	if c.MaxConcurrentPositions < 1 {
		c.MaxConcurrentPositions = def.MaxConcurrentPositions
	}
	if c.MaxPositionsPerMarket < 1 {
		c.MaxPositionsPerMarket = def.MaxPositionsPerMarket
	}
	if c.MaxPositionsPerWallet < 1 {
		c.MaxPositionsPerWallet = def.MaxPositionsPerWallet
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	return c
}

// Evaluation is the decision for one candidate trade.
type Evaluation struct {
	ID              string                  `json:"id"`
	Wallet          string                  `json:"wallet"`
	TradeID         string                  `json:"trade_id"`
	MarketID        string                  `json:"market_id"`
	ShouldExecute   bool                    `json:"should_execute"`
	PositionSize    float64                 `json:"position_size"`
	StopLoss        float64                 `json:"stop_loss"`
	TakeProfit      float64                 `json:"take_profit"`
	RiskScore       float64                 `json:"risk_score"`
	QualityScore    float64                 `json:"quality_score"`
	RejectionReason string                  `json:"rejection_reason,omitempty"`
	Classification  behavior.Classification `json:"classification"`
	Skip            *breaker.SkipDecision   `json:"skip,omitempty"`
	Position        *Position               `json:"position,omitempty"`
	Metrics         map[string]float64      `json:"metrics"`
	Recommendations []string                `json:"recommendations,omitempty"`
	EvaluatedAt     time.Time               `json:"evaluated_at"`
}

// Stats is a read-only snapshot of engine activity.
type Stats struct {
	Evaluations   int            `json:"evaluations"`
	Approved      int            `json:"approved"`
	Rejected      map[string]int `json:"rejected"`
	OpenPositions int            `json:"open_positions"`
	AvgQuality    float64        `json:"avg_quality"`
	LastEvaluated time.Time      `json:"last_evaluated"`
}

// Engine converts a classification and market snapshot into a sized, gated
// copy decision.
type Engine struct {
	logger *zap.Logger
	gate   Gate
	source ClassificationSource
	book   *PositionBook
	now    func() time.Time

	mu       sync.RWMutex
	config   Config
	profiles ProfileTable

	statsMu    sync.Mutex
	stats      Stats
	qualitySum float64
}

// NewEngine creates a sizing engine. A nil gate allows every trade; a nil book
// gets a fresh one.
func NewEngine(logger *zap.Logger, config Config, gate Gate, source ClassificationSource, book *PositionBook) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if book == nil {
		book = NewPositionBook()
	}
	return &Engine{
		logger:   logger.Named("risk"),
		gate:     gate,
		source:   source,
		book:     book,
		now:      time.Now,
		config:   config.withDefaults(),
		profiles: DefaultProfiles(),
		stats:    Stats{Rejected: make(map[string]int)},
	}
}

// Book returns the position book shared with the position monitor.
func (e *Engine) Book() *PositionBook {
	return e.book
}

// UpdateConfig swaps global limits.
func (e *Engine) UpdateConfig(config Config) {
	config = config.withDefaults()
	e.mu.Lock()
	e.config = config
	e.mu.Unlock()
	e.logger.Info("risk limits updated",
		zap.Float64("maxSinglePosition", config.MaxSinglePosition),
		zap.Int("maxConcurrentPositions", config.MaxConcurrentPositions),
	)
}

// SetProfile replaces the profile for one classification. This is the only
// way profiles change.
func (e *Engine) SetProfile(c behavior.Classification, p RiskProfile) error {
	if !c.Valid() {
		return fmt.Errorf("%w: unknown classification %d", ErrValidation, int(c))
	}
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	table := e.profiles
	table[c] = p
	e.profiles = table
	e.mu.Unlock()

	e.logger.Info("risk profile updated", zap.Stringer("classification", c))
	return nil
}

// Profiles returns a copy of the profile table.
func (e *Engine) Profiles() ProfileTable {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.profiles
}

func (e *Engine) snapshot() (Config, ProfileTable) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config, e.profiles
}

// Evaluate decides whether and how large to copy trade. Its own failures
// reject the trade.
func (e *Engine) Evaluate(ctx context.Context, wallet string, trade behavior.Trade, cond MarketConditions) *Evaluation {
	now := e.now()
	ev := &Evaluation{
		ID:          uuid.NewString(),
		Wallet:      wallet,
		TradeID:     trade.TxHash,
		MarketID:    trade.MarketID,
		Metrics:     make(map[string]float64),
		EvaluatedAt: now,
	}
	cfg, profiles := e.snapshot()

	if err := validateInput(wallet, trade, cond); err != nil {
		e.logger.Debug("invalid evaluation input", zap.String("wallet", wallet), zap.Error(err))
		return e.reject(ev, ReasonInvalidInput)
	}

	// 1. Breaker
	if e.gate != nil {
		if skip := e.gate.CheckTradeAllowed(trade.TxHash); skip != nil {
			ev.Skip = skip
			return e.reject(ev, ReasonBreakerOpen)
		}
	}

	// 2. Classification
	wc, err := e.classification(ctx, cfg, wallet)
	if err != nil {
		e.logger.Debug("classification unavailable", zap.String("wallet", wallet), zap.Error(err))
		return e.reject(ev, ReasonNoClassification)
	}
	ev.Classification = wc.Classification
	profile, err := profiles.For(wc.Classification)
	if err != nil {
		e.logger.Warn("no risk profile", zap.String("wallet", wallet), zap.Error(err))
		return e.reject(ev, ReasonNoClassification)
	}

	// 3. Quality
	q := tradeQuality(wc, trade, cond, profile)
	ev.QualityScore = q.Score
	ev.Metrics["quality_confidence"] = q.Confidence
	ev.Metrics["quality_size_fit"] = q.SizeFit
	ev.Metrics["quality_gas"] = q.Gas
	ev.Metrics["quality_liquidity"] = q.Liquidity
	ev.Metrics["quality_time_of_day"] = q.TimeOfDay
	ev.Metrics["quality_impact"] = q.Impact
	metricQuality.Observe(q.Score)
	if q.Score < profile.MinTradeQualityScore {
		return e.reject(ev, ReasonLowQuality)
	}

	// 4. Frequency
	recent := e.book.TradesInLastHour(wallet, now)
	ev.Metrics["trades_last_hour"] = float64(recent)
	if recent >= profile.MaxTradesPerHour {
		return e.reject(ev, ReasonFrequencyLimit)
	}

	// 5. Size
	raw, size := positionSize(cfg, profile, q.Score, cond)
	ev.Metrics["raw_size"] = raw
	ev.PositionSize = size
	if size < cfg.MinTradeSize {
		ev.PositionSize = 0
		return e.reject(ev, ReasonBelowMinimum)
	}

	// 6. Stop and target
	ev.StopLoss = size * profile.StopLossPct
	ev.TakeProfit = size * profile.TakeProfitPct

	// 7. Risk score
	ev.RiskScore = riskScore(size, cfg.MaxSinglePosition, profile.StopLossPct, q.Score, cond.VolatilityIndex)

	if e.gate != nil {
		dailyLoss := e.gate.DailyLoss()
		limit := profile.MaxDailyLossPct * cond.AvailableBalance
		ev.Metrics["daily_loss"] = dailyLoss
		ev.Metrics["profile_daily_loss_limit"] = limit
		if dailyLoss >= limit {
			return e.reject(ev, ReasonDailyLossLimit)
		}
	}

	// 8. Concurrency and correlation caps, reserved atomically.
	pos := Position{
		ID:             ev.ID,
		Wallet:         wallet,
		MarketID:       trade.MarketID,
		SourceTx:       trade.TxHash,
		Side:           trade.Side,
		Classification: wc.Classification,
		EntryPrice:     trade.Price,
		Size:           size,
		StopLoss:       ev.StopLoss,
		TakeProfit:     ev.TakeProfit,
		MaxAge:         profile.MaxPositionAge,
		OpenedAt:       now,
		Trailing:       NewTrailingStop(trade.Side, trade.Price, profile.StopLossPct, profile.TakeProfitPct),
	}
	lim := Limits{
		PerMarket:        cfg.MaxPositionsPerMarket,
		PerWallet:        cfg.MaxPositionsPerWallet,
		Global:           cfg.MaxConcurrentPositions,
		MaxTradesPerHour: profile.MaxTradesPerHour,
		CorrelatedBudget: profile.CorrelationLimit * cond.AvailableBalance,
	}
	if err := e.book.Reserve(pos, lim, now); err != nil {
		switch {
		case errors.Is(err, ErrFrequencyCap):
			return e.reject(ev, ReasonFrequencyLimit)
		case errors.Is(err, ErrGlobalCap):
			return e.reject(ev, ReasonConcurrentLimit)
		default:
			ev.Metrics["open_positions"] = float64(e.book.Count())
			e.logger.Debug("position cap hit", zap.String("wallet", wallet), zap.Error(err))
			return e.reject(ev, ReasonCorrelationLimit)
		}
	}

	// 9. Approve
	ev.ShouldExecute = true
	ev.Position = &pos
	ev.Recommendations = recommendations(cfg, profile, wc, q.Score, raw, size, cond)
	e.record(ev)

	e.logger.Info("copy approved",
		zap.String("wallet", wallet),
		zap.String("market", trade.MarketID),
		zap.Stringer("classification", wc.Classification),
		zap.Float64("size", size),
		zap.Float64("quality", q.Score),
		zap.Float64("risk", ev.RiskScore),
	)
	return ev
}

func (e *Engine) classification(ctx context.Context, cfg Config, wallet string) (*behavior.WalletClassification, error) {
	if e.source == nil {
		return nil, behavior.ErrClassificationUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	wc, err := e.source.Get(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", behavior.ErrClassificationUnavailable, err)
	}
	if wc == nil || !wc.Classification.Valid() {
		return nil, behavior.ErrClassificationUnavailable
	}
	return wc, nil
}

func validateInput(wallet string, trade behavior.Trade, cond MarketConditions) error {
	if wallet == "" {
		return fmt.Errorf("%w: wallet is empty", ErrValidation)
	}
	if err := trade.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if trade.Price <= 0 || trade.Price >= 1 {
		return fmt.Errorf("%w: price %v leaves no room to copy", ErrValidation, trade.Price)
	}
	return cond.Validate()
}

// positionSize returns the raw and clipped size. The clipped size never exceeds
// the global cap or the balance fraction; it may fall below the minimum only
// when those caps force it to.
func positionSize(cfg Config, profile RiskProfile, quality float64, cond MarketConditions) (raw, size float64) {
	qualityMult := 0.5 + 0.5*clamp01(quality)
	volMult := profile.VolatilityMultiplier * cond.VolatilityIndex
	raw = cfg.BasePositionSize * profile.PositionSizeMultiplier * qualityMult * volMult

	size = math.Max(raw, cfg.MinTradeSize)
	size = math.Min(size, cfg.MaxSinglePosition)
	size = math.Min(size, cfg.BalanceFraction*cond.AvailableBalance)
	if math.IsNaN(size) || size < 0 {
		size = 0
	}
	return raw, size
}

func riskScore(size, maxSingle, stopPct, quality, volatility float64) float64 {
	sizeRatio := 0.0
	if maxSingle > 0 {
		sizeRatio = clamp01(size / maxSingle)
	}
	return clamp01(weightRiskSize*sizeRatio +
		weightRiskStop*clamp01(stopPct/stopSaturation) +
		weightRiskQuality*(1-clamp01(quality)) +
		weightRiskVolatility*clamp01(volatility/volatilitySaturation))
}

func recommendations(cfg Config, profile RiskProfile, wc *behavior.WalletClassification, quality, raw, size float64, cond MarketConditions) []string {
	var out []string
	if size < raw {
		out = append(out, fmt.Sprintf("size clipped from %.2f to %.2f by position caps", raw, size))
	}
	if quality < profile.MinTradeQualityScore+0.1 {
		out = append(out, "trade quality is close to the profile minimum; consider manual review")
	}
	if wc.Confidence < 0.5 {
		out = append(out, "classification confidence is low; wallet history is thin")
	}
	if cond.VolatilityIndex > 1.5 {
		out = append(out, "market volatility is elevated; watch the stop closely")
	}
	if cond.GasPriceMultiplier > 1 && cond.GasPriceMultiplier >= profile.GasPriceMultiplierLimit*0.8 {
		out = append(out, "gas price is near the profile limit")
	}
	if wc.Classification == behavior.MarketMaker {
		out = append(out, "market maker flow is mean-reverting; prefer quick exits")
	}
	return out
}

func (e *Engine) reject(ev *Evaluation, reason string) *Evaluation {
	ev.ShouldExecute = false
	ev.RejectionReason = reason
	e.record(ev)
	e.logger.Debug("copy rejected",
		zap.String("wallet", ev.Wallet),
		zap.String("trade", ev.TradeID),
		zap.String("reason", reason),
	)
	return ev
}

func (e *Engine) record(ev *Evaluation) {
	open := e.book.Count()
	metricOpenPositions.Set(float64(open))
	if ev.ShouldExecute {
		metricEvaluations.WithLabelValues("approved", "").Inc()
		metricPositionSize.Observe(ev.PositionSize)
	} else {
		metricEvaluations.WithLabelValues("rejected", ev.RejectionReason).Inc()
	}

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Evaluations++
	if ev.ShouldExecute {
		e.stats.Approved++
	} else {
		e.stats.Rejected[ev.RejectionReason]++
	}
	if ev.QualityScore > 0 {
		e.qualitySum += ev.QualityScore
	}
	if e.stats.Evaluations > 0 {
		e.stats.AvgQuality = e.qualitySum / float64(e.stats.Evaluations)
	}
	e.stats.OpenPositions = open
	e.stats.LastEvaluated = ev.EvaluatedAt
}

// RiskMetrics returns a snapshot of engine activity.
func (e *Engine) RiskMetrics() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	s := e.stats
	s.Rejected = make(map[string]int, len(e.stats.Rejected))
	for k, v := range e.stats.Rejected {
		s.Rejected[k] = v
	}
	s.OpenPositions = e.book.Count()
	return s
}

// ClosePosition removes an open position, recording the open-position gauge.
func (e *Engine) ClosePosition(id string, price float64, reason string) (Exit, bool) {
	exit, ok := e.book.Close(id, price, reason, e.now())
	metricOpenPositions.Set(float64(e.book.Count()))
	return exit, ok
}

// ApplyPrice feeds a market price to the open positions in marketID and
// returns the ones it closed.
func (e *Engine) ApplyPrice(marketID string, price float64) []Exit {
	exits := e.book.UpdatePrice(marketID, price, e.now())
	if len(exits) > 0 {
		metricOpenPositions.Set(float64(e.book.Count()))
	}
	return exits
}

// ExpirePositions closes positions past their profile's max age.
func (e *Engine) ExpirePositions() []Exit {
	exits := e.book.Expire(e.now())
	if len(exits) > 0 {
		metricOpenPositions.Set(float64(e.book.Count()))
	}
	return exits
}
