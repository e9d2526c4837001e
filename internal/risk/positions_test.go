package risk

import (
	"errors"
	"testing"
	"time"

	"copybot/internal/behavior"
)

func openPosition(id, wallet, market string, size float64) Position {
	return Position{
		ID:         id,
		Wallet:     wallet,
		MarketID:   market,
		Side:       behavior.SideBuy,
		EntryPrice: 0.5,
		Size:       size,
		MaxAge:     time.Hour,
		OpenedAt:   evalTime,
		Trailing:   NewTrailingStop(behavior.SideBuy, 0.5, 0.10, 0.20),
	}
}

func TestReserve_Limits(t *testing.T) {
	lim := Limits{PerMarket: 3, PerWallet: 2, Global: 5, MaxTradesPerHour: 10}

	tests := []struct {
		name    string
		setup   []Position
		limits  Limits
		next    Position
		wantErr error
	}{
		{"fits", nil, lim, openPosition("a", "w1", "m1", 10), nil},
		{
			"duplicate id",
			[]Position{openPosition("a", "w1", "m1", 10)},
			lim, openPosition("a", "w2", "m2", 10), ErrDuplicatePosition,
		},
		{
			"wallet cap",
			[]Position{openPosition("a", "w1", "m1", 10), openPosition("b", "W1", "m2", 10)},
			lim, openPosition("c", "w1", "m3", 10), ErrWalletCap,
		},
		{
			"market cap",
			[]Position{openPosition("a", "w1", "m1", 10), openPosition("b", "w2", "m1", 10), openPosition("c", "w3", "m1", 10)},
			lim, openPosition("d", "w4", "m1", 10), ErrMarketCap,
		},
		{
			"correlated budget",
			[]Position{openPosition("a", "w1", "m1", 40)},
			Limits{CorrelatedBudget: 50}, openPosition("b", "w2", "m1", 20), ErrCorrelationCap,
		},
		{
			"frequency",
			[]Position{openPosition("a", "w1", "m1", 10)},
			Limits{MaxTradesPerHour: 1}, openPosition("b", "w1", "m2", 10), ErrFrequencyCap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			book := NewPositionBook()
			for _, p := range tt.setup {
				if err := book.Reserve(p, Limits{}, evalTime); err != nil {
					t.Fatalf("setup reserve: %v", err)
				}
			}
			err := book.Reserve(tt.next, tt.limits, evalTime)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTradesInLastHour_Prunes(t *testing.T) {
	book := NewPositionBook()
	book.Reserve(openPosition("a", "w1", "m1", 10), Limits{}, evalTime)
	book.Reserve(openPosition("b", "w1", "m2", 10), Limits{}, evalTime.Add(30*time.Minute))

	if n := book.TradesInLastHour("W1", evalTime.Add(45*time.Minute)); n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
	if n := book.TradesInLastHour("w1", evalTime.Add(61*time.Minute)); n != 1 {
		t.Errorf("expected 1 after pruning, got %d", n)
	}
	if n := book.TradesInLastHour("w1", evalTime.Add(3*time.Hour)); n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
}

func TestUpdatePrice_Exits(t *testing.T) {
	book := NewPositionBook()
	book.Reserve(openPosition("stop", "w1", "m1", 10), Limits{}, evalTime)
	book.Reserve(openPosition("other", "w2", "m2", 10), Limits{}, evalTime)

	exits := book.UpdatePrice("m1", 0.44, evalTime.Add(time.Minute))
	if len(exits) != 1 {
		t.Fatalf("expected 1 exit, got %d", len(exits))
	}
	if exits[0].Reason != ExitStopLoss {
		t.Errorf("expected stop loss, got %s", exits[0].Reason)
	}
	if !approx(exits[0].PnL, 10*(0.44-0.5)/0.5) {
		t.Errorf("unexpected pnl %v", exits[0].PnL)
	}
	if book.Count() != 1 {
		t.Errorf("expected the other market untouched, got %d open", book.Count())
	}

	// Take profit on the second position.
	exits = book.UpdatePrice("m2", 0.60, evalTime.Add(2*time.Minute))
	if len(exits) != 1 || exits[0].Reason != ExitTakeProfit {
		t.Fatalf("expected take profit exit, got %+v", exits)
	}
	if exits[0].PnL <= 0 {
		t.Errorf("expected positive pnl, got %v", exits[0].PnL)
	}
}

func TestUpdatePrice_TrailingExit(t *testing.T) {
	book := NewPositionBook()
	book.Reserve(openPosition("a", "w1", "m1", 10), Limits{}, evalTime)

	if exits := book.UpdatePrice("m1", 0.58, evalTime); len(exits) != 0 {
		t.Fatalf("unexpected exit %+v", exits)
	}
	exits := book.UpdatePrice("m1", 0.56, evalTime)
	if len(exits) != 1 || exits[0].Reason != ExitTrailingStop {
		t.Fatalf("expected trailing stop exit, got %+v", exits)
	}
	if exits[0].PnL <= 0 {
		t.Errorf("trailing exit should lock in profit, got %v", exits[0].PnL)
	}
}

func TestExpire(t *testing.T) {
	book := NewPositionBook()
	book.Reserve(openPosition("a", "w1", "m1", 10), Limits{}, evalTime)
	book.UpdatePrice("m1", 0.52, evalTime.Add(10*time.Minute))

	if exits := book.Expire(evalTime.Add(59 * time.Minute)); len(exits) != 0 {
		t.Fatalf("expired too early: %+v", exits)
	}
	exits := book.Expire(evalTime.Add(time.Hour))
	if len(exits) != 1 || exits[0].Reason != ExitMaxAge {
		t.Fatalf("expected max age exit, got %+v", exits)
	}
	if exits[0].ExitPrice != 0.52 {
		t.Errorf("expected exit at last price 0.52, got %v", exits[0].ExitPrice)
	}
}

func TestPositionPnL_Short(t *testing.T) {
	p := openPosition("a", "w1", "m1", 20)
	p.Side = behavior.SideSell
	if !approx(p.PnL(0.4), 20*0.2) {
		t.Errorf("expected short profit, got %v", p.PnL(0.4))
	}
}

func TestOpenAndMarkets(t *testing.T) {
	book := NewPositionBook()
	book.Reserve(openPosition("b", "w1", "m2", 10), Limits{}, evalTime)
	book.Reserve(openPosition("a", "w2", "m1", 10), Limits{}, evalTime)

	open := book.Open()
	if len(open) != 2 || open[0].ID != "a" {
		t.Errorf("expected ordered positions, got %+v", open)
	}
	open[0].Trailing.StopPrice = 0
	if book.Open()[0].Trailing.StopPrice == 0 {
		t.Error("Open returned shared trailing state")
	}
	if m := book.Markets(); len(m) != 2 || m[0] != "m1" {
		t.Errorf("unexpected markets %v", m)
	}
	if _, ok := book.Close("a", 0.5, ExitManual, evalTime); !ok {
		t.Error("expected close to succeed")
	}
	if _, ok := book.Close("a", 0.5, ExitManual, evalTime); ok {
		t.Error("expected second close to fail")
	}
}
