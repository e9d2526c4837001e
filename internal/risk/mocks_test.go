package risk

import (
	"context"
	"sync"
	"time"

	"copybot/internal/behavior"
	"copybot/internal/breaker"
)

// mockGate is a configurable Gate.
type mockGate struct {
	mu        sync.Mutex
	skip      *breaker.SkipDecision
	dailyLoss float64
	checks    int
}

func (m *mockGate) CheckTradeAllowed(tradeID string) *breaker.SkipDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	return m.skip
}

func (m *mockGate) DailyLoss() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyLoss
}

// mockSource returns a fixed classification or error.
type mockSource struct {
	wc    *behavior.WalletClassification
	err   error
	delay time.Duration
}

func (m *mockSource) Get(ctx context.Context, wallet string) (*behavior.WalletClassification, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	wc := m.wc.Clone()
	wc.WalletID = wallet
	return wc, nil
}

var evalTime = time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)

func classified(c behavior.Classification, confidence, avgSize float64) *behavior.WalletClassification {
	wc := &behavior.WalletClassification{
		Classification: c,
		Probability:    0.8,
		Confidence:     confidence,
		TradeCount:     60,
		Timestamp:      evalTime,
	}
	wc.Metrics.Position.AvgSize = avgSize
	return wc
}

func candidate(tx, market string) behavior.Trade {
	return behavior.Trade{
		TxHash:    tx,
		Timestamp: evalTime,
		Wallet:    "0xleader",
		Side:      behavior.SideBuy,
		Amount:    25,
		Price:     0.5,
		MarketID:  market,
	}
}

func normalConditions(balance float64) MarketConditions {
	return MarketConditions{
		VolatilityIndex:    1.0,
		LiquidityScore:     0.8,
		GasPriceMultiplier: 1.0,
		AvailableBalance:   balance,
	}
}
