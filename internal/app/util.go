package app

import (
	"context"
	"strconv"
	"strings"
	"time"

	"copybot/clients/polymarketapi"
	"copybot/internal/behavior"
)

// TradeFeed supplies a wallet's recent trades.
type TradeFeed interface {
	GetUserTrades(ctx context.Context, wallet string, limit int, since time.Time) ([]behavior.Trade, error)
}

// PriceSource prices an outcome token.
type PriceSource interface {
	GetMidpoint(ctx context.Context, tokenID string) (float64, error)
}

// BookSource returns the order book of an outcome token.
type BookSource interface {
	GetOrderBook(ctx context.Context, tokenID string) (*polymarketapi.OrderBook, error)
}

var (
	_ TradeFeed   = (*polymarketapi.PolymarketApiClient)(nil)
	_ PriceSource = (*polymarketapi.PolymarketApiClient)(nil)
	_ BookSource  = (*polymarketapi.PolymarketApiClient)(nil)
)

// shortID truncates long IDs for readable logging.
func shortID(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:6] + "…" + s[len(s)-6:]
}

// nz returns fallback if s is empty or whitespace-only.
func nz(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// money formats an amount with two decimals.
func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// pct formats a fraction as a percentage.
func pct(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 1, 64) + "%"
}

// tradeKey identifies a fill; one transaction can fill several markets.
func tradeKey(t behavior.Trade) string {
	return strings.ToLower(t.Wallet) + ":" + t.TxHash + ":" + t.MarketID + ":" + string(t.Side)
}
