package behavior

import (
	"math"
	"testing"
	"time"
)

var testBase = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func mkTrade(offset time.Duration, side Side, amount float64, market string, price float64) Trade {
	return Trade{
		TxHash:    "0x" + market + offset.String(),
		Timestamp: testBase.Add(offset),
		Wallet:    "0xwallet",
		Side:      side,
		Amount:    amount,
		Price:     price,
		MarketID:  market,
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCompute_TooFewTrades(t *testing.T) {
	engine := NewMetricsEngine(MetricsConfig{})

	for _, trades := range [][]Trade{nil, {mkTrade(0, SideBuy, 10, "m1", 0.5)}} {
		m := engine.Compute(trades)
		if m.TradeCount != len(trades) {
			t.Errorf("expected trade count %d, got %d", len(trades), m.TradeCount)
		}
		if m.Temporal != (TemporalMetrics{}) || m.Directional != (DirectionalMetrics{}) {
			t.Errorf("expected zeroed groups, got %+v", m)
		}
	}
}

func TestCompute_SortsInput(t *testing.T) {
	engine := NewMetricsEngine(DefaultMetricsConfig())
	trades := []Trade{
		mkTrade(2*time.Minute, SideSell, 10, "m1", 0.5),
		mkTrade(0, SideBuy, 10, "m1", 0.5),
	}

	m := engine.Compute(trades)
	if m.Position.HoldingSamples != 1 {
		t.Fatalf("expected 1 holding sample, got %d", m.Position.HoldingSamples)
	}
	if !approx(m.Position.AvgHoldingSec, 120) {
		t.Errorf("expected 120s hold, got %v", m.Position.AvgHoldingSec)
	}
	if trades[0].Side != SideSell {
		t.Error("input slice should not be reordered")
	}
}

func TestCompute_Directional(t *testing.T) {
	engine := NewMetricsEngine(DefaultMetricsConfig())
	trades := []Trade{
		mkTrade(0, SideBuy, 10, "m1", 0.5),
		mkTrade(time.Minute, SideBuy, 10, "m1", 0.5),
		mkTrade(2*time.Minute, SideBuy, 10, "m1", 0.5),
		mkTrade(3*time.Minute, SideSell, 10, "m1", 0.5),
	}

	d := engine.Compute(trades).Directional
	if !approx(d.BuyRatio, 0.75) || !approx(d.SellRatio, 0.25) {
		t.Errorf("unexpected ratios: buy=%v sell=%v", d.BuyRatio, d.SellRatio)
	}
	if !approx(d.BalanceScore, 0.5) {
		t.Errorf("expected balance 0.5, got %v", d.BalanceScore)
	}
	if !approx(d.AlternationRatio, 1.0/3.0) {
		t.Errorf("expected alternation 1/3, got %v", d.AlternationRatio)
	}
	if d.MaxStreak != 3 {
		t.Errorf("expected max streak 3, got %d", d.MaxStreak)
	}
	if !approx(d.AvgStreak, 2) {
		t.Errorf("expected avg streak 2, got %v", d.AvgStreak)
	}
}

func TestCompute_FIFOHolding(t *testing.T) {
	engine := NewMetricsEngine(DefaultMetricsConfig())
	trades := []Trade{
		mkTrade(0, SideBuy, 10, "m1", 0.5),
		mkTrade(10*time.Second, SideBuy, 10, "m2", 0.5),
		mkTrade(30*time.Second, SideSell, 10, "m1", 0.5),
		mkTrade(60*time.Second, SideSell, 10, "m2", 0.5),
		mkTrade(90*time.Second, SideSell, 10, "m2", 0.5), // empty queue, ignored
	}

	p := engine.Compute(trades).Position
	if p.HoldingSamples != 2 {
		t.Fatalf("expected 2 holding samples, got %d", p.HoldingSamples)
	}
	if !approx(p.AvgHoldingSec, 40) {
		t.Errorf("expected avg hold 40s, got %v", p.AvgHoldingSec)
	}
	if !approx(p.SizeConsistency, 1) {
		t.Errorf("expected size consistency 1 for constant sizes, got %v", p.SizeConsistency)
	}
}

func TestCompute_Temporal(t *testing.T) {
	engine := NewMetricsEngine(DefaultMetricsConfig())
	trades := []Trade{
		mkTrade(0, SideBuy, 10, "m1", 0.5),
		mkTrade(20*time.Second, SideBuy, 10, "m1", 0.5),
		mkTrade(40*time.Second, SideBuy, 10, "m1", 0.5),
		mkTrade(30*time.Minute, SideBuy, 10, "m1", 0.5),
		mkTrade(30*time.Minute+10*time.Second, SideBuy, 10, "m1", 0.5),
	}

	tm := engine.Compute(trades).Temporal
	if tm.BurstEvents != 1 {
		t.Errorf("expected 1 burst, got %d", tm.BurstEvents)
	}
	// Span is under an hour, so the rate uses a one hour floor.
	if !approx(tm.TradesPerHour, 5) {
		t.Errorf("expected 5 trades/hour, got %v", tm.TradesPerHour)
	}
	if tm.HourlyEntropy != 0 {
		t.Errorf("expected zero entropy for a single hour, got %v", tm.HourlyEntropy)
	}
	if !approx(tm.MedianIntervalSec, 20) {
		t.Errorf("expected median interval 20s, got %v", tm.MedianIntervalSec)
	}
}

func TestCompute_EntropyUniform(t *testing.T) {
	engine := NewMetricsEngine(DefaultMetricsConfig())
	var trades []Trade
	for h := 0; h < 24; h++ {
		trades = append(trades, mkTrade(time.Duration(h)*time.Hour, SideBuy, 1, "m1", 0.5))
	}

	if e := engine.Compute(trades).Temporal.HourlyEntropy; !approx(e, 1) {
		t.Errorf("expected entropy 1 for uniform hours, got %v", e)
	}
}

func TestCompute_MarketAndRisk(t *testing.T) {
	engine := NewMetricsEngine(MetricsConfig{PositionLimit: 15})
	trades := []Trade{
		mkTrade(0, SideBuy, 10, "m1", 0.40),
		mkTrade(time.Minute, SideBuy, 10, "m2", 0.60),
		mkTrade(2*time.Minute, SideSell, 10, "m1", 0.45),
		mkTrade(3*time.Minute, SideBuy, 10, "m2", 0.70),
	}

	m := engine.Compute(trades)
	if m.Market.DistinctMarkets != 2 {
		t.Errorf("expected 2 markets, got %d", m.Market.DistinctMarkets)
	}
	if !approx(m.Market.Concentration, 0.5) || !approx(m.Market.Diversity, 0.5) {
		t.Errorf("unexpected concentration %v diversity %v", m.Market.Concentration, m.Market.Diversity)
	}
	if m.Market.SimultaneousEvents != 1 {
		t.Errorf("expected 1 simultaneous event, got %d", m.Market.SimultaneousEvents)
	}

	if !approx(m.Risk.AvgPriceImpact, 0.075) {
		t.Errorf("expected avg impact 0.075, got %v", m.Risk.AvgPriceImpact)
	}
	if !approx(m.Risk.MaxPriceImpact, 0.10) {
		t.Errorf("expected max impact 0.10, got %v", m.Risk.MaxPriceImpact)
	}
	if m.Risk.SpreadAlternations != 1 {
		t.Errorf("expected 1 spread alternation, got %d", m.Risk.SpreadAlternations)
	}
	if m.Risk.PositionLimitBreaches != 1 {
		t.Errorf("expected 1 breach on m2, got %d", m.Risk.PositionLimitBreaches)
	}
	if !approx(m.Risk.NetPositionDrift, 0.5) {
		t.Errorf("expected drift 0.5, got %v", m.Risk.NetPositionDrift)
	}
}

func TestCompute_Consistency(t *testing.T) {
	engine := NewMetricsEngine(DefaultMetricsConfig())
	trades := []Trade{
		mkTrade(0, SideBuy, 10, "m1", 0.5),
		mkTrade(time.Hour, SideSell, 10, "m1", 0.5),
		mkTrade(48*time.Hour, SideBuy, 10, "m1", 0.5),
	}

	c := engine.Compute(trades).Consistency
	if !approx(c.ActiveFraction, 2.0/3.0) {
		t.Errorf("expected active fraction 2/3, got %v", c.ActiveFraction)
	}
	if c.ActivityCV <= 0 {
		t.Errorf("expected positive activity CV with an idle day, got %v", c.ActivityCV)
	}
}

func TestTradeValidate(t *testing.T) {
	valid := mkTrade(0, SideBuy, 10, "m1", 0.5)

	tests := []struct {
		name    string
		mutate  func(*Trade)
		wantErr bool
	}{
		{"valid", func(*Trade) {}, false},
		{"empty wallet", func(tr *Trade) { tr.Wallet = " " }, true},
		{"empty market", func(tr *Trade) { tr.MarketID = "" }, true},
		{"bad side", func(tr *Trade) { tr.Side = "HOLD" }, true},
		{"zero amount", func(tr *Trade) { tr.Amount = 0 }, true},
		{"nan amount", func(tr *Trade) { tr.Amount = math.NaN() }, true},
		{"price above one", func(tr *Trade) { tr.Price = 1.2 }, true},
		{"negative gas", func(tr *Trade) { tr.GasPrice = -1 }, true},
		{"zero time", func(tr *Trade) { tr.Timestamp = time.Time{} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := valid
			tt.mutate(&tr)
			if err := tr.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseSide(t *testing.T) {
	if s, err := ParseSide(" buy "); err != nil || s != SideBuy {
		t.Errorf("expected BUY, got %q, %v", s, err)
	}
	if _, err := ParseSide("hold"); err == nil {
		t.Error("expected error for unknown side")
	}
}
