package polymarketapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"copybot/config"
	"copybot/internal/behavior"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Activity types reported by the data API.
const (
	ActivityTypeTrade  = "TRADE"
	ActivityTypeSplit  = "SPLIT"
	ActivityTypeMerge  = "MERGE"
	ActivityTypeRedeem = "REDEEM"
)

// ErrNotTrade is returned when converting a non-trade activity.
var ErrNotTrade = errors.New("activity is not a trade")

type PolymarketApiClient struct {
	logger      *zap.Logger
	httpClient  *http.Client
	dataBaseURL string
	clobBaseURL string
}

func NewPolymarketApiClient(logger *zap.Logger, cfg *config.Config) *PolymarketApiClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PolymarketApiClient{
		logger: logger.Named("polymarketapi"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dataBaseURL: cfg.Polymarket.DataAPIURL,
		clobBaseURL: cfg.Polymarket.ClobAPIURL,
	}
}

// ---- Data API types ----

// Activity represents user activity from the data API.
type Activity struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Timestamp       int64   `json:"timestamp"`
	ConditionID     string  `json:"conditionId"`
	Asset           string  `json:"asset"`
	Type            string  `json:"type"` // TRADE, SPLIT, MERGE, REDEEM, REWARD, CONVERSION
	Size            float64 `json:"size"`
	UsdcSize        float64 `json:"usdcSize"`
	Price           float64 `json:"price"`
	Side            string  `json:"side"`
	TransactionHash string  `json:"transactionHash"`

	// Market metadata
	Title        string `json:"title"`
	Slug         string `json:"slug"`
	Outcome      string `json:"outcome"`
	OutcomeIndex int    `json:"outcomeIndex"`
}

// Time returns the activity timestamp. The API reports seconds; millisecond
// values are accepted as well.
func (a Activity) Time() time.Time {
	if a.Timestamp > 1e12 {
		return time.UnixMilli(a.Timestamp).UTC()
	}
	return time.Unix(a.Timestamp, 0).UTC()
}

// MarketID is the outcome token the activity traded, falling back to the
// condition ID for records without an asset.
func (a Activity) MarketID() string {
	if a.Asset != "" {
		return a.Asset
	}
	return a.ConditionID
}

// ToTrade converts a TRADE activity into the trade-history model.
func (a Activity) ToTrade() (behavior.Trade, error) {
	if !strings.EqualFold(a.Type, ActivityTypeTrade) {
		return behavior.Trade{}, fmt.Errorf("%w: %s", ErrNotTrade, a.Type)
	}
	side, err := behavior.ParseSide(a.Side)
	if err != nil {
		return behavior.Trade{}, err
	}

	amount := a.UsdcSize
	if amount <= 0 {
		amount = a.Size * a.Price
	}

	t := behavior.Trade{
		TxHash:    a.TransactionHash,
		Timestamp: a.Time(),
		Wallet:    strings.ToLower(a.ProxyWallet),
		Side:      side,
		Amount:    amount,
		Price:     a.Price,
		MarketID:  a.MarketID(),
	}
	if err := t.Validate(); err != nil {
		return behavior.Trade{}, err
	}
	return t, nil
}

// TradesFromActivity converts the TRADE records of activity, skipping the
// rest. The number of malformed trade records is returned alongside.
func TradesFromActivity(activity []Activity) ([]behavior.Trade, int) {
	trades := make([]behavior.Trade, 0, len(activity))
	bad := 0
	for _, a := range activity {
		t, err := a.ToTrade()
		if errors.Is(err, ErrNotTrade) {
			continue
		}
		if err != nil {
			bad++
			continue
		}
		trades = append(trades, t)
	}
	return trades, bad
}

// GetUserActivity fetches activity for a specific wallet address.
func (c *PolymarketApiClient) GetUserActivity(
	ctx context.Context,
	wallet string,
	limit int,
) ([]Activity, error) {
	return c.getActivity(ctx, wallet, limit, "", time.Time{})
}

// GetUserTrades fetches TRADE activity for a wallet, optionally only trades
// at or after since.
func (c *PolymarketApiClient) GetUserTrades(
	ctx context.Context,
	wallet string,
	limit int,
	since time.Time,
) ([]behavior.Trade, error) {
	activity, err := c.getActivity(ctx, wallet, limit, ActivityTypeTrade, since)
	if err != nil {
		return nil, err
	}

	trades, bad := TradesFromActivity(activity)
	if bad > 0 {
		c.logger.Debug("skipped malformed trade records",
			zap.String("wallet", wallet),
			zap.Int("count", bad),
		)
	}
	return trades, nil
}

func (c *PolymarketApiClient) getActivity(
	ctx context.Context,
	wallet string,
	limit int,
	activityType string,
	since time.Time,
) ([]Activity, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, fmt.Errorf("wallet is empty")
	}

	u, err := url.Parse(c.dataBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid dataBaseURL: %w", err)
	}
	u.Path = "/activity"

	q := u.Query()
	q.Set("user", wallet)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if activityType != "" {
		q.Set("type", activityType)
	}
	if !since.IsZero() {
		q.Set("start", strconv.FormatInt(since.Unix(), 10))
	}
	q.Set("sortBy", "TIMESTAMP")
	q.Set("sortDirection", "DESC")
	u.RawQuery = q.Encode()

	var activity []Activity
	if err := c.doGet(ctx, u.String(), &activity); err != nil {
		return nil, fmt.Errorf("get user activity: %w", err)
	}

	return activity, nil
}

// ---- CLOB API types ----

// BookLevel is one price level of an order book. The CLOB encodes numbers
// as decimal strings.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is the CLOB book for one outcome token.
type OrderBook struct {
	Market  string      `json:"market"`
	AssetID string      `json:"asset_id"`
	Bids    []BookLevel `json:"bids"`
	Asks    []BookLevel `json:"asks"`
}

// BestBid returns the highest bid price, or false for an empty side.
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	best := b.Bids[0].Price
	for _, l := range b.Bids[1:] {
		if l.Price.GreaterThan(best) {
			best = l.Price
		}
	}
	return best, true
}

// BestAsk returns the lowest ask price, or false for an empty side.
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	if len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	best := b.Asks[0].Price
	for _, l := range b.Asks[1:] {
		if l.Price.LessThan(best) {
			best = l.Price
		}
	}
	return best, true
}

// Spread returns best ask minus best bid, or false when either side is empty.
func (b *OrderBook) Spread() (float64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask.Sub(bid).InexactFloat64(), true
}

// Depth returns the notional (price * size) resting on both sides.
func (b *OrderBook) Depth() float64 {
	total := decimal.Zero
	for _, l := range b.Bids {
		total = total.Add(l.Price.Mul(l.Size))
	}
	for _, l := range b.Asks {
		total = total.Add(l.Price.Mul(l.Size))
	}
	return total.InexactFloat64()
}

// GetOrderBook fetches the order book for an outcome token.
func (c *PolymarketApiClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	u, err := c.clobURL("/book", tokenID)
	if err != nil {
		return nil, err
	}

	var book OrderBook
	if err := c.doGet(ctx, u, &book); err != nil {
		return nil, fmt.Errorf("get order book: %w", err)
	}
	return &book, nil
}

// GetMidpoint fetches the midpoint price for an outcome token.
func (c *PolymarketApiClient) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	u, err := c.clobURL("/midpoint", tokenID)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Mid decimal.Decimal `json:"mid"`
	}
	if err := c.doGet(ctx, u, &resp); err != nil {
		return 0, fmt.Errorf("get midpoint: %w", err)
	}
	return resp.Mid.InexactFloat64(), nil
}

func (c *PolymarketApiClient) clobURL(path, tokenID string) (string, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return "", fmt.Errorf("tokenID is empty")
	}

	u, err := url.Parse(c.clobBaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid clobBaseURL: %w", err)
	}
	u.Path = path

	q := u.Query()
	q.Set("token_id", tokenID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// doGet is a helper that performs a GET request and decodes JSON response.
func (c *PolymarketApiClient) doGet(ctx context.Context, url string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(string(body), 256))
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
