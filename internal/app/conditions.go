package app

import (
	"context"
	"math"
	"sync"

	"copybot/internal/risk"

	"go.uber.org/zap"
)

// liquidityDepthTarget is the resting notional that scores full liquidity.
const liquidityDepthTarget = 10000.0

// spreadPenaltyCeiling is the bid/ask spread that zeroes the spread factor.
const spreadPenaltyCeiling = 0.10

// BookConditions builds market conditions from the CLOB order book, falling
// back to the configured baseline when the book is unavailable.
type BookConditions struct {
	logger *zap.Logger
	books  BookSource

	mu   sync.RWMutex
	base risk.MarketConditions
}

var _ risk.ConditionsProvider = (*BookConditions)(nil)

// NewBookConditions creates a provider. A nil book source always returns base.
func NewBookConditions(logger *zap.Logger, books BookSource, base risk.MarketConditions) *BookConditions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookConditions{
		logger: logger.Named("conditions"),
		books:  books,
		base:   base,
	}
}

// Conditions implements risk.ConditionsProvider.
func (b *BookConditions) Conditions(ctx context.Context, marketID string) (risk.MarketConditions, error) {
	if err := ctx.Err(); err != nil {
		return risk.MarketConditions{}, err
	}
	cond := b.Base()
	if b.books == nil || marketID == "" {
		return cond, nil
	}

	book, err := b.books.GetOrderBook(ctx, marketID)
	if err != nil {
		b.logger.Debug("order book unavailable, using baseline liquidity",
			zap.String("market", shortID(marketID)),
			zap.Error(err),
		)
		return cond, nil
	}

	spread, ok := book.Spread()
	cond.LiquidityScore = liquidityScore(book.Depth(), spread, ok)
	return cond, nil
}

// liquidityScore maps book depth and spread onto [0,1]. A one-sided book
// scores on depth alone at half weight.
func liquidityScore(depth, spread float64, hasSpread bool) float64 {
	depthFactor := math.Min(1, math.Max(0, depth)/liquidityDepthTarget)
	if !hasSpread {
		return depthFactor / 2
	}
	spreadFactor := 1 - math.Min(1, math.Max(0, spread)/spreadPenaltyCeiling)
	return depthFactor*0.6 + spreadFactor*0.4
}

// Base returns the baseline snapshot.
func (b *BookConditions) Base() risk.MarketConditions {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.base
}

// SetBase replaces the baseline snapshot, keeping the current balance.
func (b *BookConditions) SetBase(c risk.MarketConditions) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.AvailableBalance = b.base.AvailableBalance
	b.base = c
}

// SetBalance updates the available balance.
func (b *BookConditions) SetBalance(balance float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.base.AvailableBalance = math.Max(0, balance)
}
