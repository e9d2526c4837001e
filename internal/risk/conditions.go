package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrValidation is returned for malformed trade, market or profile input.
var ErrValidation = errors.New("validation error")

// MarketConditions is the market snapshot a trade is evaluated against.
type MarketConditions struct {
	VolatilityIndex    float64 `json:"volatility_index"`     // 1.0 is normal
	LiquidityScore     float64 `json:"liquidity_score"`      // [0,1]
	GasPriceMultiplier float64 `json:"gas_price_multiplier"` // Current gas vs baseline
	AvailableBalance   float64 `json:"available_balance"`    // Copy wallet balance
}

// Validate rejects non-finite or out-of-range values.
func (m MarketConditions) Validate() error {
	for name, v := range map[string]float64{
		"volatility index":     m.VolatilityIndex,
		"liquidity score":      m.LiquidityScore,
		"gas price multiplier": m.GasPriceMultiplier,
		"available balance":    m.AvailableBalance,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s must be a non-negative number", ErrValidation, name)
		}
	}
	if m.LiquidityScore > 1 {
		return fmt.Errorf("%w: liquidity score must be within [0,1]", ErrValidation)
	}
	return nil
}

// ConditionsProvider supplies current market conditions for a market.
type ConditionsProvider interface {
	Conditions(ctx context.Context, marketID string) (MarketConditions, error)
}

// StaticConditions returns the same configured snapshot for every market.
type StaticConditions struct {
	mu         sync.RWMutex
	conditions MarketConditions
}

// NewStaticConditions creates a provider with a fixed snapshot.
func NewStaticConditions(c MarketConditions) *StaticConditions {
	return &StaticConditions{conditions: c}
}

// Conditions implements ConditionsProvider.
func (s *StaticConditions) Conditions(ctx context.Context, marketID string) (MarketConditions, error) {
	if err := ctx.Err(); err != nil {
		return MarketConditions{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conditions, nil
}

// Set replaces the snapshot.
func (s *StaticConditions) Set(c MarketConditions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conditions = c
}

// SetBalance updates only the available balance.
func (s *StaticConditions) SetBalance(balance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conditions.AvailableBalance = balance
}
