package app

import (
	"context"
	"errors"
	"math"
	"testing"

	"copybot/clients/polymarketapi"
	"copybot/internal/risk"

	"github.com/shopspring/decimal"
)

func level(price, size string) polymarketapi.BookLevel {
	return polymarketapi.BookLevel{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func TestLiquidityScore(t *testing.T) {
	tests := []struct {
		name      string
		depth     float64
		spread    float64
		hasSpread bool
		want      float64
	}{
		{"deep and tight", 20000, 0, true, 1},
		{"deep and wide", 20000, 0.5, true, 0.6},
		{"half depth, 5c spread", 5000, 0.05, true, 0.3 + 0.2},
		{"one sided", 5000, 0, false, 0.25},
		{"empty", 0, 0, false, 0},
		{"negative inputs clamp", -5, -1, true, 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := liquidityScore(tt.depth, tt.spread, tt.hasSpread)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestBookConditions_FromBook(t *testing.T) {
	books := &mockBookSource{book: &polymarketapi.OrderBook{
		Bids: []polymarketapi.BookLevel{level("0.50", "10000")},
		Asks: []polymarketapi.BookLevel{level("0.52", "10000")},
	}}
	bc := NewBookConditions(nil, books, testConditions())

	cond, err := bc.Conditions(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// depth 10200 saturates; spread 0.02 keeps 80% of the spread factor
	want := 0.6 + 0.4*0.8
	if math.Abs(cond.LiquidityScore-want) > 1e-9 {
		t.Errorf("expected liquidity %v, got %v", want, cond.LiquidityScore)
	}
	if cond.AvailableBalance != 1000 || cond.VolatilityIndex != 1.0 {
		t.Errorf("expected baseline fields kept, got %+v", cond)
	}
	if err := cond.Validate(); err != nil {
		t.Errorf("expected valid conditions: %v", err)
	}
}

func TestBookConditions_FallsBackToBase(t *testing.T) {
	base := testConditions()

	tests := []struct {
		name   string
		books  BookSource
		market string
	}{
		{"no book source", nil, "tok-1"},
		{"empty market", &mockBookSource{book: &polymarketapi.OrderBook{}}, ""},
		{"book error", &mockBookSource{err: errors.New("status=404")}, "tok-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bc := NewBookConditions(nil, tt.books, base)
			cond, err := bc.Conditions(context.Background(), tt.market)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cond != base {
				t.Errorf("expected baseline, got %+v", cond)
			}
		})
	}
}

func TestBookConditions_CancelledContext(t *testing.T) {
	bc := NewBookConditions(nil, nil, testConditions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := bc.Conditions(ctx, "tok-1"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBookConditions_SetBaseKeepsBalance(t *testing.T) {
	bc := NewBookConditions(nil, nil, testConditions())

	bc.SetBalance(750)
	bc.SetBase(risk.MarketConditions{VolatilityIndex: 2, LiquidityScore: 0.5, GasPriceMultiplier: 1.2, AvailableBalance: 99})

	got := bc.Base()
	if got.AvailableBalance != 750 {
		t.Errorf("expected balance kept at 750, got %v", got.AvailableBalance)
	}
	if got.VolatilityIndex != 2 || got.GasPriceMultiplier != 1.2 {
		t.Errorf("expected new baseline, got %+v", got)
	}

	bc.SetBalance(-10)
	if bc.Base().AvailableBalance != 0 {
		t.Errorf("expected negative balance clamped, got %v", bc.Base().AvailableBalance)
	}
}
