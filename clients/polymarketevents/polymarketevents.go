package polymarketevents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultMarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	eventLastTradePrice = "last_trade_price"
	eventPriceChange    = "price_change"
)

// PriceEvent is a price observation for one outcome token.
type PriceEvent struct {
	AssetID   string
	Price     float64
	Timestamp time.Time
	Source    string // last_trade_price or price_change
}

// PolymarketEventsClient streams prices for a changing set of outcome tokens
// from the public market channel. Run keeps the connection alive and
// resubscribes after reconnects.
type PolymarketEventsClient struct {
	logger *zap.Logger

	marketWSURL  string
	dialer       *websocket.Dialer
	pingInterval time.Duration
	backoffMin   time.Duration
	backoffMax   time.Duration

	connMu  sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn

	subMu  sync.Mutex
	assets map[string]struct{}

	priceCh chan PriceEvent

	msgCount        uint64
	lastMsgUnixNano int64
	reconnects      uint64
}

func NewPolymarketEventsClient(logger *zap.Logger, wsURL string) *PolymarketEventsClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if wsURL == "" {
		wsURL = DefaultMarketWSURL
	}

	return &PolymarketEventsClient{
		logger:       logger.Named("polymarketevents"),
		marketWSURL:  wsURL,
		dialer:       websocket.DefaultDialer,
		pingInterval: 10 * time.Second,
		backoffMin:   time.Second,
		backoffMax:   time.Minute,
		assets:       make(map[string]struct{}),
		priceCh:      make(chan PriceEvent, 1024),
	}
}

// Prices returns the stream of price observations.
func (c *PolymarketEventsClient) Prices() <-chan PriceEvent {
	return c.priceCh
}

// Assets returns the subscribed token IDs, sorted.
func (c *PolymarketEventsClient) Assets() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]string, 0, len(c.assets))
	for id := range c.assets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetAssets replaces the subscription set, sending subscribe/unsubscribe ops
// for the difference when connected.
func (c *PolymarketEventsClient) SetAssets(assetIDs []string) error {
	want := make(map[string]struct{}, len(assetIDs))
	for _, id := range assetIDs {
		if id != "" {
			want[id] = struct{}{}
		}
	}

	c.subMu.Lock()
	var added, removed []string
	for id := range want {
		if _, ok := c.assets[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range c.assets {
		if _, ok := want[id]; !ok {
			removed = append(removed, id)
		}
	}
	c.assets = want
	c.subMu.Unlock()

	if !c.Connected() {
		return nil
	}
	sort.Strings(added)
	sort.Strings(removed)
	if len(added) > 0 {
		if err := c.sendOp("subscribe", added); err != nil {
			return err
		}
	}
	if len(removed) > 0 {
		if err := c.sendOp("unsubscribe", removed); err != nil {
			return err
		}
	}
	return nil
}

// Connected reports whether a connection is open.
func (c *PolymarketEventsClient) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Run dials the market channel and reads until ctx is cancelled, reconnecting
// with exponential backoff.
func (c *PolymarketEventsClient) Run(ctx context.Context) {
	backoff := c.backoffMin
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}

		atomic.AddUint64(&c.reconnects, 1)
		c.logger.Warn("polymarket ws disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}
}

// session runs one connection until it fails or ctx ends.
func (c *PolymarketEventsClient) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.marketWSURL, nil)
	if err != nil {
		return fmt.Errorf("dial market ws: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer c.disconnect()

	assets := c.Assets()
	c.logger.Info("polymarket ws connected",
		zap.String("url", c.marketWSURL),
		zap.Int("assets", len(assets)),
	)

	// { "assets_ids": [...], "type": "market" }
	if err := c.writeJSON(map[string]any{
		"type":       "market",
		"assets_ids": assets,
	}); err != nil {
		return fmt.Errorf("send initial subscription: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(done)
	go func() {
		select {
		case <-ctx.Done():
			c.disconnect()
		case <-done:
		}
	}()

	return c.readLoop(conn)
}

func (c *PolymarketEventsClient) disconnect() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

type WSStats struct {
	MessageCount  uint64
	LastMessageAt time.Time
	Reconnects    uint64
	Assets        int
}

func (c *PolymarketEventsClient) Stats() WSStats {
	n := atomic.LoadUint64(&c.msgCount)
	ns := atomic.LoadInt64(&c.lastMsgUnixNano)

	var t time.Time
	if ns > 0 {
		t = time.Unix(0, ns)
	}

	c.subMu.Lock()
	assets := len(c.assets)
	c.subMu.Unlock()

	return WSStats{
		MessageCount:  n,
		LastMessageAt: t,
		Reconnects:    atomic.LoadUint64(&c.reconnects),
		Assets:        assets,
	}
}

// Close drops the current connection. Run reconnects unless its context is done.
func (c *PolymarketEventsClient) Close() error {
	c.disconnect()
	return nil
}

func (c *PolymarketEventsClient) sendOp(operation string, assetIDs []string) error {
	c.logger.Debug("polymarket ws op",
		zap.String("operation", operation),
		zap.Strings("assets", assetIDs),
	)
	return c.writeJSON(map[string]any{
		"operation":  operation,
		"assets_ids": assetIDs,
	})
}

func (c *PolymarketEventsClient) writeJSON(v any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return conn.WriteJSON(v)
}

func (c *PolymarketEventsClient) pingLoop(done <-chan struct{}) {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()

			if conn != nil {
				c.writeMu.Lock()
				_ = conn.WriteMessage(websocket.TextMessage, []byte("PING"))
				c.writeMu.Unlock()
			}

		case <-done:
			return
		}
	}
}

func (c *PolymarketEventsClient) readLoop(conn *websocket.Conn) error {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		// Server may reply with plain "PONG".
		if string(b) == "PONG" || string(b) == "PING" {
			continue
		}

		atomic.AddUint64(&c.msgCount, 1)
		atomic.StoreInt64(&c.lastMsgUnixNano, time.Now().UnixNano())

		for _, ev := range ParseFrame(b) {
			c.forward(ev)
		}
	}
}

func (c *PolymarketEventsClient) forward(ev PriceEvent) {
	select {
	case c.priceCh <- ev:
	default:
		c.logger.Warn("dropping price event: channel full", zap.String("asset", ev.AssetID))
	}
}

// wireEvent covers the market channel events that carry prices.
type wireEvent struct {
	EventType    string            `json:"event_type"`
	AssetID      string            `json:"asset_id"`
	Price        string            `json:"price"`
	Timestamp    string            `json:"timestamp"`
	PriceChanges []wirePriceChange `json:"price_changes"`
}

type wirePriceChange struct {
	AssetID string `json:"asset_id"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// ParseFrame decodes a frame that is either a single event object or a batch
// array, returning the price observations it contains.
func ParseFrame(b []byte) []PriceEvent {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		var one json.RawMessage
		if err := json.Unmarshal(b, &one); err != nil {
			return nil
		}
		raw = []json.RawMessage{one}
	}

	var out []PriceEvent
	for _, msg := range raw {
		var ev wireEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		ts := parseMillis(ev.Timestamp)

		switch ev.EventType {
		case eventLastTradePrice:
			price, err := strconv.ParseFloat(ev.Price, 64)
			if err != nil || ev.AssetID == "" {
				continue
			}
			out = append(out, PriceEvent{AssetID: ev.AssetID, Price: price, Timestamp: ts, Source: eventLastTradePrice})
		case eventPriceChange:
			for _, pc := range ev.PriceChanges {
				bid, errBid := strconv.ParseFloat(pc.BestBid, 64)
				ask, errAsk := strconv.ParseFloat(pc.BestAsk, 64)
				if errBid != nil || errAsk != nil || pc.AssetID == "" || bid <= 0 || ask <= 0 {
					continue
				}
				out = append(out, PriceEvent{AssetID: pc.AssetID, Price: (bid + ask) / 2, Timestamp: ts, Source: eventPriceChange})
			}
		}
	}
	return out
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
