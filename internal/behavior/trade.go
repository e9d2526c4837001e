package behavior

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrInvalidTrade is returned when a trade record is malformed.
var ErrInvalidTrade = errors.New("invalid trade")

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalizes a side string from the data API.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrInvalidTrade, s)
	}
}

// Trade is a single fill from the trade-history feed.
type Trade struct {
	TxHash    string    `json:"tx_hash"`
	Timestamp time.Time `json:"timestamp"`
	Wallet    string    `json:"wallet"`
	Side      Side      `json:"side"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	MarketID  string    `json:"market_id"`
	GasPrice  float64   `json:"gas_price"`
}

// Validate checks the fields the metrics and sizing paths rely on.
func (t Trade) Validate() error {
	if strings.TrimSpace(t.Wallet) == "" {
		return fmt.Errorf("%w: wallet is empty", ErrInvalidTrade)
	}
	if strings.TrimSpace(t.MarketID) == "" {
		return fmt.Errorf("%w: market id is empty", ErrInvalidTrade)
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidTrade, t.Side)
	}
	if math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) || t.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTrade)
	}
	if math.IsNaN(t.Price) || t.Price < 0 || t.Price > 1 {
		return fmt.Errorf("%w: price must be within [0,1]", ErrInvalidTrade)
	}
	if math.IsNaN(t.GasPrice) || t.GasPrice < 0 {
		return fmt.Errorf("%w: gas price must be non-negative", ErrInvalidTrade)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is missing", ErrInvalidTrade)
	}
	return nil
}

// SortedByTime returns a copy of trades ordered by timestamp.
// Ties keep their feed order.
func SortedByTime(trades []Trade) []Trade {
	out := make([]Trade, len(trades))
	copy(out, trades)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
