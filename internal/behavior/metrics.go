package behavior

import (
	"math"
	"time"
)

// MetricsConfig tunes the behavioral heuristics.
type MetricsConfig struct {
	BurstGap       time.Duration // Max gap between trades inside one burst (e.g., 60s)
	BurstMinTrades int           // Min trades for a run to count as a burst (e.g., 3)
	SpreadWindow   time.Duration // Max gap for a bid/ask alternation to count as spread maintenance
	PositionLimit  float64       // Net per-market position considered a limit breach
}

// DefaultMetricsConfig returns sensible defaults.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BurstGap:       60 * time.Second,
		BurstMinTrades: 3,
		SpreadWindow:   5 * time.Minute,
		PositionLimit:  1000,
	}
}

// TemporalMetrics describes when a wallet trades.
type TemporalMetrics struct {
	TradesPerHour     float64 `json:"trades_per_hour"`
	MeanIntervalSec   float64 `json:"mean_interval_sec"`
	MedianIntervalSec float64 `json:"median_interval_sec"`
	BurstEvents       int     `json:"burst_events"`
	HourlyEntropy     float64 `json:"hourly_entropy"`
}

// DirectionalMetrics describes the buy/sell mix.
type DirectionalMetrics struct {
	BuyRatio         float64 `json:"buy_ratio"`
	SellRatio        float64 `json:"sell_ratio"`
	BalanceScore     float64 `json:"balance_score"`
	AlternationRatio float64 `json:"alternation_ratio"`
	AvgStreak        float64 `json:"avg_streak"`
	MaxStreak        int     `json:"max_streak"`
}

// PositionMetrics describes trade sizes and holding periods.
type PositionMetrics struct {
	AvgSize          float64 `json:"avg_size"`
	MedianSize       float64 `json:"median_size"`
	SizeStdDev       float64 `json:"size_std_dev"`
	SizeConsistency  float64 `json:"size_consistency"`
	AvgHoldingSec    float64 `json:"avg_holding_sec"`
	MedianHoldingSec float64 `json:"median_holding_sec"`
	HoldingSamples   int     `json:"holding_samples"`
}

// MarketMetrics describes how volume spreads across markets.
type MarketMetrics struct {
	DistinctMarkets    int     `json:"distinct_markets"`
	Concentration      float64 `json:"concentration"`
	Diversity          float64 `json:"diversity"`
	SimultaneousEvents int     `json:"simultaneous_events"`
}

// RiskMetrics describes market-making style risk signals.
type RiskMetrics struct {
	AvgPriceImpact        float64 `json:"avg_price_impact"`
	MaxPriceImpact        float64 `json:"max_price_impact"`
	SpreadAlternations    int     `json:"spread_alternations"`
	PositionLimitBreaches int     `json:"position_limit_breaches"`
	NetPositionDrift      float64 `json:"net_position_drift"`
}

// ConsistencyMetrics describes day-over-day regularity.
type ConsistencyMetrics struct {
	VolumeCV       float64 `json:"volume_cv"`
	ActivityCV     float64 `json:"activity_cv"`
	ActiveFraction float64 `json:"active_fraction"`
}

// Metrics is the full metric snapshot for one analysis window.
type Metrics struct {
	TradeCount  int                `json:"trade_count"`
	SpanHours   float64            `json:"span_hours"`
	Temporal    TemporalMetrics    `json:"temporal"`
	Directional DirectionalMetrics `json:"directional"`
	Position    PositionMetrics    `json:"position"`
	Market      MarketMetrics      `json:"market"`
	Risk        RiskMetrics        `json:"risk"`
	Consistency ConsistencyMetrics `json:"consistency"`
}

// MetricsEngine turns a raw trade history into behavior metrics.
// It holds no state and is safe for concurrent use.
type MetricsEngine struct {
	config MetricsConfig
}

// NewMetricsEngine creates a metrics engine, filling zero config fields with defaults.
func NewMetricsEngine(config MetricsConfig) *MetricsEngine {
	def := DefaultMetricsConfig()
	if config.BurstGap <= 0 {
		config.BurstGap = def.BurstGap
	}
	if config.BurstMinTrades < 2 {
		config.BurstMinTrades = def.BurstMinTrades
	}
	if config.SpreadWindow <= 0 {
		config.SpreadWindow = def.SpreadWindow
	}
	if config.PositionLimit <= 0 {
		config.PositionLimit = def.PositionLimit
	}
	return &MetricsEngine{config: config}
}

// Compute derives all metric groups. Fewer than two trades yield zeroed groups.
func (e *MetricsEngine) Compute(trades []Trade) Metrics {
	sorted := SortedByTime(trades)
	m := Metrics{TradeCount: len(sorted)}
	if len(sorted) < 2 {
		return m
	}

	m.SpanHours = sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp).Hours()
	m.Temporal = e.temporal(sorted, m.SpanHours)
	m.Directional = directional(sorted)
	m.Position = position(sorted)
	m.Market = market(sorted)
	m.Risk = e.risk(sorted)
	m.Consistency = consistency(sorted)
	return m
}

func (e *MetricsEngine) temporal(trades []Trade, spanHours float64) TemporalMetrics {
	intervals := make([]float64, 0, len(trades)-1)
	for i := 1; i < len(trades); i++ {
		intervals = append(intervals, trades[i].Timestamp.Sub(trades[i-1].Timestamp).Seconds())
	}

	// Runs of trades packed within BurstGap of each other.
	bursts := 0
	run := 1
	gap := e.config.BurstGap.Seconds()
	for _, iv := range intervals {
		if iv <= gap {
			run++
			continue
		}
		if run >= e.config.BurstMinTrades {
			bursts++
		}
		run = 1
	}
	if run >= e.config.BurstMinTrades {
		bursts++
	}

	hours := make([]int, 24)
	for _, t := range trades {
		hours[t.Timestamp.UTC().Hour()]++
	}

	return TemporalMetrics{
		TradesPerHour:     float64(len(trades)) / math.Max(spanHours, 1),
		MeanIntervalSec:   mean(intervals),
		MedianIntervalSec: median(intervals),
		BurstEvents:       bursts,
		HourlyEntropy:     normalizedEntropy(hours),
	}
}

func directional(trades []Trade) DirectionalMetrics {
	buys := 0
	alternations := 0
	var streaks []float64
	streak := 1
	maxStreak := 1

	for i, t := range trades {
		if t.Side == SideBuy {
			buys++
		}
		if i == 0 {
			continue
		}
		if t.Side != trades[i-1].Side {
			alternations++
			streaks = append(streaks, float64(streak))
			streak = 1
			continue
		}
		streak++
		if streak > maxStreak {
			maxStreak = streak
		}
	}
	streaks = append(streaks, float64(streak))

	n := float64(len(trades))
	buyRatio := clamp01(float64(buys) / n)
	return DirectionalMetrics{
		BuyRatio:         buyRatio,
		SellRatio:        clamp01(1 - buyRatio),
		BalanceScore:     clamp01(1 - 2*math.Abs(buyRatio-0.5)),
		AlternationRatio: clamp01(safeDiv(float64(alternations), n-1)),
		AvgStreak:        mean(streaks),
		MaxStreak:        maxStreak,
	}
}

type openLot struct {
	amount float64
	at     time.Time
}

// position computes size statistics and an approximate holding time.
//
// Holding time is a FIFO heuristic: each BUY is queued and each SELL closes the
// oldest queued BUY regardless of amounts or market. It does not reflect the
// exchange's real position state and only estimates how long inventory is kept.
func position(trades []Trade) PositionMetrics {
	sizes := make([]float64, 0, len(trades))
	var queue []openLot
	var holds []float64

	for _, t := range trades {
		sizes = append(sizes, t.Amount)
		switch t.Side {
		case SideBuy:
			queue = append(queue, openLot{amount: t.Amount, at: t.Timestamp})
		case SideSell:
			if len(queue) == 0 {
				continue
			}
			lot := queue[0]
			queue = queue[1:]
			holds = append(holds, t.Timestamp.Sub(lot.at).Seconds())
		}
	}

	cv := coefficientOfVariation(sizes)
	sizeConsistency := 0.0
	if mean(sizes) > 0 {
		sizeConsistency = clamp01(1 / (1 + cv))
	}

	return PositionMetrics{
		AvgSize:          mean(sizes),
		MedianSize:       median(sizes),
		SizeStdDev:       stddev(sizes),
		SizeConsistency:  sizeConsistency,
		AvgHoldingSec:    mean(holds),
		MedianHoldingSec: median(holds),
		HoldingSamples:   len(holds),
	}
}

func market(trades []Trade) MarketMetrics {
	volume := make(map[string]float64)
	total := 0.0
	buckets := make(map[time.Time]map[string]struct{})

	for _, t := range trades {
		volume[t.MarketID] += t.Amount
		total += t.Amount

		hour := t.Timestamp.UTC().Truncate(time.Hour)
		set, ok := buckets[hour]
		if !ok {
			set = make(map[string]struct{})
			buckets[hour] = set
		}
		set[t.MarketID] = struct{}{}
	}

	hhi := 0.0
	for _, v := range volume {
		share := safeDiv(v, total)
		hhi += share * share
	}
	if total == 0 {
		hhi = 1
	}

	simultaneous := 0
	for _, set := range buckets {
		if len(set) >= 2 {
			simultaneous++
		}
	}

	return MarketMetrics{
		DistinctMarkets:    len(volume),
		Concentration:      clamp01(hhi),
		Diversity:          clamp01(1 - hhi),
		SimultaneousEvents: simultaneous,
	}
}

func (e *MetricsEngine) risk(trades []Trade) RiskMetrics {
	lastByMarket := make(map[string]Trade)
	netByMarket := make(map[string]float64)
	var impacts []float64
	maxImpact := 0.0
	alternations := 0
	breaches := 0
	buyVol, sellVol := 0.0, 0.0

	for _, t := range trades {
		if prev, ok := lastByMarket[t.MarketID]; ok {
			impact := math.Abs(t.Price - prev.Price)
			impacts = append(impacts, impact)
			if impact > maxImpact {
				maxImpact = impact
			}
			if prev.Side != t.Side && t.Timestamp.Sub(prev.Timestamp) <= e.config.SpreadWindow {
				alternations++
			}
		}
		lastByMarket[t.MarketID] = t

		before := math.Abs(netByMarket[t.MarketID])
		if t.Side == SideBuy {
			netByMarket[t.MarketID] += t.Amount
			buyVol += t.Amount
		} else {
			netByMarket[t.MarketID] -= t.Amount
			sellVol += t.Amount
		}
		after := math.Abs(netByMarket[t.MarketID])
		if before <= e.config.PositionLimit && after > e.config.PositionLimit {
			breaches++
		}
	}

	drift := safeDiv(buyVol-sellVol, buyVol+sellVol)
	return RiskMetrics{
		AvgPriceImpact:        mean(impacts),
		MaxPriceImpact:        maxImpact,
		SpreadAlternations:    alternations,
		PositionLimitBreaches: breaches,
		NetPositionDrift:      math.Max(-1, math.Min(1, drift)),
	}
}

func consistency(trades []Trade) ConsistencyMetrics {
	first := utcDay(trades[0].Timestamp)
	last := utcDay(trades[len(trades)-1].Timestamp)
	days := int(last.Sub(first).Hours()/24) + 1

	volumes := make([]float64, days)
	counts := make([]float64, days)
	for _, t := range trades {
		idx := int(utcDay(t.Timestamp).Sub(first).Hours() / 24)
		volumes[idx] += t.Amount
		counts[idx]++
	}

	active := 0
	for _, c := range counts {
		if c > 0 {
			active++
		}
	}

	return ConsistencyMetrics{
		VolumeCV:       coefficientOfVariation(volumes),
		ActivityCV:     coefficientOfVariation(counts),
		ActiveFraction: clamp01(float64(active) / float64(days)),
	}
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
