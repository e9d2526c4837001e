package risk

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"copybot/internal/behavior"
)

// Reservation failures.
var (
	ErrMarketCap         = errors.New("per-market position cap reached")
	ErrWalletCap         = errors.New("per-wallet position cap reached")
	ErrGlobalCap         = errors.New("concurrent position cap reached")
	ErrCorrelationCap    = errors.New("correlated exposure cap reached")
	ErrFrequencyCap      = errors.New("trade frequency cap reached")
	ErrDuplicatePosition = errors.New("position already open")
)

// Exit reasons.
const (
	ExitStopLoss     = "stop_loss"
	ExitTrailingStop = "trailing_stop"
	ExitTakeProfit   = "take_profit"
	ExitMaxAge       = "max_age"
	ExitManual       = "manual"
)

// Position is an open copy of a tracked wallet's trade.
type Position struct {
	ID             string                  `json:"id"`
	Wallet         string                  `json:"wallet"`
	MarketID       string                  `json:"market_id"`
	SourceTx       string                  `json:"source_tx"`
	Side           behavior.Side           `json:"side"`
	Classification behavior.Classification `json:"classification"`
	EntryPrice     float64                 `json:"entry_price"`
	Size           float64                 `json:"size"`
	StopLoss       float64                 `json:"stop_loss"`
	TakeProfit     float64                 `json:"take_profit"`
	MaxAge         time.Duration           `json:"max_age"`
	OpenedAt       time.Time               `json:"opened_at"`
	LastPrice      float64                 `json:"last_price"`
	Trailing       *TrailingStop           `json:"trailing"`
}

// PnL returns the unrealized profit at price, in the same units as Size.
func (p Position) PnL(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	ret := (price - p.EntryPrice) / p.EntryPrice
	if p.Side == behavior.SideSell {
		ret = -ret
	}
	return p.Size * ret
}

func (p Position) clone() Position {
	if p.Trailing != nil {
		ts := *p.Trailing
		p.Trailing = &ts
	}
	return p
}

// Exit is a closed position with its outcome.
type Exit struct {
	Position  Position  `json:"position"`
	ExitPrice float64   `json:"exit_price"`
	Reason    string    `json:"reason"`
	PnL       float64   `json:"pnl"`
	ClosedAt  time.Time `json:"closed_at"`
}

// Limits are the caps checked atomically when reserving a position.
type Limits struct {
	PerMarket        int     // Open copies per market (e.g., 3)
	PerWallet        int     // Open copies per source wallet (e.g., 2)
	Global           int     // Open copies overall (e.g., 5)
	MaxTradesPerHour int     // Copies of one wallet in the trailing hour
	CorrelatedBudget float64 // Max notional in one market, including the new copy
}

// PositionBook tracks open copies and recent copy times. All access goes
// through its own mutex so check-and-reserve is atomic.
type PositionBook struct {
	mu     sync.Mutex
	open   map[string]*Position
	copies map[string][]time.Time
}

// NewPositionBook creates an empty book.
func NewPositionBook() *PositionBook {
	return &PositionBook{
		open:   make(map[string]*Position),
		copies: make(map[string][]time.Time),
	}
}

func walletKey(w string) string {
	return strings.ToLower(w)
}

// pruneLocked drops copy times older than an hour.
func (b *PositionBook) pruneLocked(wallet string, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	times := b.copies[wallet]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	times = times[i:]
	if len(times) == 0 {
		delete(b.copies, wallet)
		return nil
	}
	b.copies[wallet] = times
	return times
}

// TradesInLastHour returns how many copies of wallet were opened in the trailing hour.
func (b *PositionBook) TradesInLastHour(wallet string, now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pruneLocked(walletKey(wallet), now))
}

// Reserve checks every limit and inserts p in one step.
func (b *PositionBook) Reserve(p Position, lim Limits, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.open[p.ID]; ok {
		return ErrDuplicatePosition
	}

	wk := walletKey(p.Wallet)
	if lim.MaxTradesPerHour > 0 && len(b.pruneLocked(wk, now)) >= lim.MaxTradesPerHour {
		return ErrFrequencyCap
	}

	perMarket, perWallet := 0, 0
	marketNotional := 0.0
	for _, o := range b.open {
		if o.MarketID == p.MarketID {
			perMarket++
			marketNotional += o.Size
		}
		if walletKey(o.Wallet) == wk {
			perWallet++
		}
	}

	switch {
	case lim.Global > 0 && len(b.open) >= lim.Global:
		return ErrGlobalCap
	case lim.PerMarket > 0 && perMarket >= lim.PerMarket:
		return ErrMarketCap
	case lim.PerWallet > 0 && perWallet >= lim.PerWallet:
		return ErrWalletCap
	case lim.CorrelatedBudget > 0 && marketNotional+p.Size > lim.CorrelatedBudget:
		return ErrCorrelationCap
	}

	cp := p.clone()
	if cp.LastPrice == 0 {
		cp.LastPrice = cp.EntryPrice
	}
	b.open[p.ID] = &cp
	b.copies[wk] = append(b.copies[wk], now)
	return nil
}

// Close removes a position at price and returns its exit.
func (b *PositionBook) Close(id string, price float64, reason string, now time.Time) (Exit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.open[id]
	if !ok {
		return Exit{}, false
	}
	delete(b.open, id)
	return Exit{
		Position:  p.clone(),
		ExitPrice: price,
		Reason:    reason,
		PnL:       p.PnL(price),
		ClosedAt:  now,
	}, true
}

// Open returns copies of all open positions, oldest first.
func (b *PositionBook) Open() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Position, 0, len(b.open))
	for _, p := range b.open {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Count returns the number of open positions.
func (b *PositionBook) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

// Markets returns the distinct markets with open positions.
func (b *PositionBook) Markets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]struct{})
	for _, p := range b.open {
		seen[p.MarketID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// UpdatePrice applies a market price to every open position in that market and
// closes those that hit their take-profit or trailing stop.
func (b *PositionBook) UpdatePrice(marketID string, price float64, now time.Time) []Exit {
	b.mu.Lock()
	defer b.mu.Unlock()

	var exits []Exit
	for id, p := range b.open {
		if p.MarketID != marketID {
			continue
		}
		p.LastPrice = price

		reason := ""
		if p.Trailing != nil {
			if p.Trailing.Update(price) == TrailingTriggered {
				reason = ExitStopLoss
				if p.Trailing.WasArmed {
					reason = ExitTrailingStop
				}
			} else if p.Trailing.TargetReached(price) {
				reason = ExitTakeProfit
			}
		}
		if reason == "" {
			continue
		}

		delete(b.open, id)
		exits = append(exits, Exit{
			Position:  p.clone(),
			ExitPrice: price,
			Reason:    reason,
			PnL:       p.PnL(price),
			ClosedAt:  now,
		})
	}
	sortExits(exits)
	return exits
}

// Expire closes positions older than their max age at their last price.
func (b *PositionBook) Expire(now time.Time) []Exit {
	b.mu.Lock()
	defer b.mu.Unlock()

	var exits []Exit
	for id, p := range b.open {
		if p.MaxAge <= 0 || now.Sub(p.OpenedAt) < p.MaxAge {
			continue
		}
		delete(b.open, id)
		exits = append(exits, Exit{
			Position:  p.clone(),
			ExitPrice: p.LastPrice,
			Reason:    ExitMaxAge,
			PnL:       p.PnL(p.LastPrice),
			ClosedAt:  now,
		})
	}
	sortExits(exits)
	return exits
}

func sortExits(exits []Exit) {
	sort.Slice(exits, func(i, j int) bool {
		return exits[i].Position.ID < exits[j].Position.ID
	})
}
