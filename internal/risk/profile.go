package risk

import (
	"fmt"
	"time"

	"copybot/internal/behavior"
)

// RiskProfile is the risk envelope applied when copying a wallet of one style.
type RiskProfile struct {
	PositionSizeMultiplier  float64       `json:"position_size_multiplier"`
	MaxTradesPerHour        int           `json:"max_trades_per_hour"`
	MaxDailyLossPct         float64       `json:"max_daily_loss_pct"`
	StopLossPct             float64       `json:"stop_loss_pct"`
	TakeProfitPct           float64       `json:"take_profit_pct"`
	MaxPositionAge          time.Duration `json:"max_position_age"`
	MinTradeQualityScore    float64       `json:"min_trade_quality_score"`
	GasPriceMultiplierLimit float64       `json:"gas_price_multiplier_limit"`
	VolatilityMultiplier    float64       `json:"volatility_multiplier"`
	CorrelationLimit        float64       `json:"correlation_limit"`
}

// Validate checks that every field is usable by the sizing engine.
func (p RiskProfile) Validate() error {
	switch {
	case p.PositionSizeMultiplier <= 0 || p.PositionSizeMultiplier > 1:
		return fmt.Errorf("%w: position size multiplier must be in (0,1]", ErrValidation)
	case p.MaxTradesPerHour < 1:
		return fmt.Errorf("%w: max trades per hour must be at least 1", ErrValidation)
	case p.MaxDailyLossPct <= 0 || p.MaxDailyLossPct > 1:
		return fmt.Errorf("%w: max daily loss pct must be in (0,1]", ErrValidation)
	case p.StopLossPct <= 0 || p.StopLossPct >= 1:
		return fmt.Errorf("%w: stop loss pct must be in (0,1)", ErrValidation)
	case p.TakeProfitPct <= 0:
		return fmt.Errorf("%w: take profit pct must be positive", ErrValidation)
	case p.MaxPositionAge <= 0:
		return fmt.Errorf("%w: max position age must be positive", ErrValidation)
	case p.MinTradeQualityScore < 0 || p.MinTradeQualityScore > 1:
		return fmt.Errorf("%w: min trade quality must be in [0,1]", ErrValidation)
	case p.GasPriceMultiplierLimit < 1:
		return fmt.Errorf("%w: gas price multiplier limit must be at least 1", ErrValidation)
	case p.VolatilityMultiplier <= 0:
		return fmt.Errorf("%w: volatility multiplier must be positive", ErrValidation)
	case p.CorrelationLimit <= 0 || p.CorrelationLimit > 1:
		return fmt.Errorf("%w: correlation limit must be in (0,1]", ErrValidation)
	}
	return nil
}

// ProfileTable has exactly one profile per classification.
type ProfileTable [behavior.NumClassifications]RiskProfile

// For returns the profile for c.
func (t *ProfileTable) For(c behavior.Classification) (RiskProfile, error) {
	if !c.Valid() {
		return RiskProfile{}, fmt.Errorf("%w: unknown classification %d", ErrValidation, int(c))
	}
	return t[c], nil
}

// Validate checks every entry.
func (t *ProfileTable) Validate() error {
	for _, c := range behavior.AllClassifications() {
		if err := t[c].Validate(); err != nil {
			return fmt.Errorf("profile %s: %w", c, err)
		}
	}
	return nil
}

// DefaultProfiles returns the built-in table. Wallets we know little about get
// the smallest and strictest envelope.
func DefaultProfiles() ProfileTable {
	return ProfileTable{
		behavior.InsufficientData: {
			PositionSizeMultiplier:  0.02,
			MaxTradesPerHour:        1,
			MaxDailyLossPct:         0.01,
			StopLossPct:             0.02,
			TakeProfitPct:           0.03,
			MaxPositionAge:          2 * time.Hour,
			MinTradeQualityScore:    0.80,
			GasPriceMultiplierLimit: 1.2,
			VolatilityMultiplier:    0.5,
			CorrelationLimit:        0.10,
		},
		behavior.MarketMaker: {
			PositionSizeMultiplier:  0.05,
			MaxTradesPerHour:        20,
			MaxDailyLossPct:         0.02,
			StopLossPct:             0.01,
			TakeProfitPct:           0.02,
			MaxPositionAge:          time.Hour,
			MinTradeQualityScore:    0.60,
			GasPriceMultiplierLimit: 1.5,
			VolatilityMultiplier:    1.0,
			CorrelationLimit:        0.30,
		},
		behavior.ArbitrageTrader: {
			PositionSizeMultiplier:  0.08,
			MaxTradesPerHour:        10,
			MaxDailyLossPct:         0.03,
			StopLossPct:             0.015,
			TakeProfitPct:           0.03,
			MaxPositionAge:          2 * time.Hour,
			MinTradeQualityScore:    0.65,
			GasPriceMultiplierLimit: 2.0,
			VolatilityMultiplier:    0.8,
			CorrelationLimit:        0.40,
		},
		behavior.HighFrequencyTrader: {
			PositionSizeMultiplier:  0.06,
			MaxTradesPerHour:        15,
			MaxDailyLossPct:         0.025,
			StopLossPct:             0.01,
			TakeProfitPct:           0.02,
			MaxPositionAge:          30 * time.Minute,
			MinTradeQualityScore:    0.70,
			GasPriceMultiplierLimit: 1.5,
			VolatilityMultiplier:    1.2,
			CorrelationLimit:        0.30,
		},
		behavior.DirectionalTrader: {
			PositionSizeMultiplier:  0.15,
			MaxTradesPerHour:        3,
			MaxDailyLossPct:         0.05,
			StopLossPct:             0.05,
			TakeProfitPct:           0.10,
			MaxPositionAge:          48 * time.Hour,
			MinTradeQualityScore:    0.55,
			GasPriceMultiplierLimit: 1.3,
			VolatilityMultiplier:    0.7,
			CorrelationLimit:        0.50,
		},
		behavior.MixedTrader: {
			PositionSizeMultiplier:  0.10,
			MaxTradesPerHour:        5,
			MaxDailyLossPct:         0.04,
			StopLossPct:             0.03,
			TakeProfitPct:           0.06,
			MaxPositionAge:          24 * time.Hour,
			MinTradeQualityScore:    0.60,
			GasPriceMultiplierLimit: 1.4,
			VolatilityMultiplier:    0.9,
			CorrelationLimit:        0.40,
		},
		behavior.LowActivity: {
			PositionSizeMultiplier:  0.05,
			MaxTradesPerHour:        2,
			MaxDailyLossPct:         0.02,
			StopLossPct:             0.04,
			TakeProfitPct:           0.08,
			MaxPositionAge:          72 * time.Hour,
			MinTradeQualityScore:    0.70,
			GasPriceMultiplierLimit: 1.2,
			VolatilityMultiplier:    0.6,
			CorrelationLimit:        0.20,
		},
	}
}
