package risk

import (
	"math"
	"time"

	"copybot/internal/behavior"
)

// Trade-quality weights.
const (
	weightConfidence = 0.30
	weightSizeFit    = 0.20
	weightGas        = 0.15
	weightLiquidity  = 0.15
	weightTimeOfDay  = 0.10
	weightImpact     = 0.10
)

// QualityBreakdown holds the normalized quality factors.
type QualityBreakdown struct {
	Confidence float64 `json:"confidence"`
	SizeFit    float64 `json:"size_fit"`
	Gas        float64 `json:"gas"`
	Liquidity  float64 `json:"liquidity"`
	TimeOfDay  float64 `json:"time_of_day"`
	Impact     float64 `json:"impact"`
	Score      float64 `json:"score"`
}

// tradeQuality scores how favorable it is to copy this trade right now.
func tradeQuality(wc *behavior.WalletClassification, trade behavior.Trade, cond MarketConditions, profile RiskProfile) QualityBreakdown {
	q := QualityBreakdown{
		Confidence: clamp01(wc.Confidence),
		SizeFit:    sizeFit(trade.Amount, wc.Metrics.Position.AvgSize),
		Gas:        gasEfficiency(cond.GasPriceMultiplier, profile.GasPriceMultiplierLimit),
		Liquidity:  clamp01(cond.LiquidityScore),
		TimeOfDay:  timeOfDayQuality(trade.Timestamp),
		Impact:     1 - clamp01(wc.Metrics.Risk.AvgPriceImpact*10),
	}
	q.Score = clamp01(weightConfidence*q.Confidence +
		weightSizeFit*q.SizeFit +
		weightGas*q.Gas +
		weightLiquidity*q.Liquidity +
		weightTimeOfDay*q.TimeOfDay +
		weightImpact*q.Impact)
	return q
}

// sizeFit is 1 when the trade matches the wallet's typical size and falls off
// symmetrically for larger or smaller trades. Unknown typical size scores 0.5.
func sizeFit(amount, typical float64) float64 {
	if typical <= 0 || amount <= 0 {
		return 0.5
	}
	r := amount / typical
	return clamp01(math.Min(r, 1/r))
}

// gasEfficiency is 1 at or below baseline gas and 0 at the profile limit.
func gasEfficiency(multiplier, limit float64) float64 {
	if multiplier <= 1 {
		return 1
	}
	if limit <= 1 || multiplier >= limit {
		return 0
	}
	return clamp01(1 - (multiplier-1)/(limit-1))
}

// timeOfDayQuality favors the US session (13-21 UTC), then the European
// session (8-13 UTC).
func timeOfDayQuality(ts time.Time) float64 {
	h := ts.UTC().Hour()
	switch {
	case h >= 13 && h < 21:
		return 1.0
	case h >= 8 && h < 13:
		return 0.8
	default:
		return 0.5
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
