package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"copybot/clients/notifier"
	"copybot/internal/behavior"
	"copybot/internal/risk"

	"go.uber.org/zap"
)

// maxRecentEvaluations bounds the decision log served by the stats server.
const maxRecentEvaluations = 100

// TradeMonitorConfig holds configuration for the trade monitor.
type TradeMonitorConfig struct {
	PollInterval time.Duration // How often tracked wallets are polled for new trades
	MaxTradeAge  time.Duration // Source trades older than this are never copied
	FetchLimit   int           // Trades fetched per wallet per poll
}

// DefaultTradeMonitorConfig returns sensible defaults.
func DefaultTradeMonitorConfig() TradeMonitorConfig {
	return TradeMonitorConfig{
		PollInterval: 15 * time.Second,
		MaxTradeAge:  5 * time.Minute,
		FetchLimit:   100,
	}
}

func withMonitorDefaults(cfg TradeMonitorConfig) TradeMonitorConfig {
	def := DefaultTradeMonitorConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxTradeAge <= 0 {
		cfg.MaxTradeAge = def.MaxTradeAge
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = def.FetchLimit
	}
	return cfg
}

// WalletLister returns the wallets whose trades are copied.
type WalletLister interface {
	Wallets() []string
}

// MonitorStats summarizes trade monitor activity.
type MonitorStats struct {
	Polls       int       `json:"polls"`
	FetchErrors int       `json:"fetch_errors"`
	NewTrades   int       `json:"new_trades"`
	StaleTrades int       `json:"stale_trades"`
	Evaluated   int       `json:"evaluated"`
	Approved    int       `json:"approved"`
	Rejected    int       `json:"rejected"`
	LastPollAt  time.Time `json:"last_poll_at,omitempty"`
	LastTradeAt time.Time `json:"last_trade_at,omitempty"`
}

// TradeMonitor polls tracked wallets for new trades and runs each one
// through the risk engine exactly once.
type TradeMonitor struct {
	logger     *zap.Logger
	feed       TradeFeed
	wallets    WalletLister
	engine     *risk.Engine
	conditions risk.ConditionsProvider
	notifier   notifier.Notifier
	now        func() time.Time

	// Config with mutex for hot-reload support
	configMu sync.RWMutex
	config   TradeMonitorConfig

	// Dedupe, keyed by tradeKey with the source trade time
	seenMu     sync.Mutex
	seenTrades map[string]time.Time

	recentMu sync.Mutex
	recent   []*risk.Evaluation

	statsMu sync.Mutex
	stats   MonitorStats

	listenerMu sync.RWMutex
	listeners  []func(*risk.Evaluation)
}

// NewTradeMonitor creates a new trade monitor.
func NewTradeMonitor(
	logger *zap.Logger,
	feed TradeFeed,
	wallets WalletLister,
	engine *risk.Engine,
	conditions risk.ConditionsProvider,
	n notifier.Notifier,
	cfg TradeMonitorConfig,
) *TradeMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TradeMonitor{
		logger:     logger.Named("trade_monitor"),
		feed:       feed,
		wallets:    wallets,
		engine:     engine,
		conditions: conditions,
		notifier:   n,
		now:        time.Now,
		config:     withMonitorDefaults(cfg),
		seenTrades: make(map[string]time.Time),
	}
}

func (tm *TradeMonitor) getConfig() TradeMonitorConfig {
	tm.configMu.RLock()
	defer tm.configMu.RUnlock()
	return tm.config
}

// UpdateConfig updates the monitor configuration (for hot-reload).
func (tm *TradeMonitor) UpdateConfig(cfg TradeMonitorConfig) {
	cfg = withMonitorDefaults(cfg)
	tm.configMu.Lock()
	tm.config = cfg
	tm.configMu.Unlock()
	tm.logger.Info("trade monitor config updated",
		zap.Duration("pollInterval", cfg.PollInterval),
		zap.Duration("maxTradeAge", cfg.MaxTradeAge),
	)
}

// OnEvaluation registers a callback for every decision.
func (tm *TradeMonitor) OnEvaluation(fn func(*risk.Evaluation)) {
	tm.listenerMu.Lock()
	defer tm.listenerMu.Unlock()
	tm.listeners = append(tm.listeners, fn)
}

// Run polls immediately and then on every poll interval tick.
func (tm *TradeMonitor) Run(ctx context.Context) {
	interval := tm.getConfig().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tm.logger.Info("trade monitor started", zap.Duration("pollInterval", interval))
	tm.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			tm.logger.Info("trade monitor stopped")
			return
		case <-ticker.C:
			if next := tm.getConfig().PollInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
			tm.Poll(ctx)
		}
	}
}

// Poll fetches recent trades for every tracked wallet and evaluates the new
// ones, oldest first.
func (tm *TradeMonitor) Poll(ctx context.Context) {
	if tm.feed == nil || tm.wallets == nil {
		return
	}
	cfg := tm.getConfig()
	now := tm.now()
	since := now.Add(-cfg.MaxTradeAge)

	tm.statsMu.Lock()
	tm.stats.Polls++
	tm.stats.LastPollAt = now
	tm.statsMu.Unlock()

	for _, wallet := range tm.wallets.Wallets() {
		if ctx.Err() != nil {
			return
		}
		trades, err := tm.feed.GetUserTrades(ctx, wallet, cfg.FetchLimit, since)
		if err != nil {
			tm.statsMu.Lock()
			tm.stats.FetchErrors++
			tm.statsMu.Unlock()
			tm.logger.Warn("failed to fetch wallet trades",
				zap.String("wallet", shortID(wallet)),
				zap.Error(err),
			)
			continue
		}

		for _, t := range behavior.SortedByTime(trades) {
			t.Wallet = wallet
			if !tm.markSeen(tradeKey(t), t.Timestamp) {
				continue
			}
			if now.Sub(t.Timestamp) > cfg.MaxTradeAge {
				tm.statsMu.Lock()
				tm.stats.StaleTrades++
				tm.statsMu.Unlock()
				continue
			}
			tm.processTrade(ctx, wallet, t)
		}
	}

	tm.PruneSeenTrades(2 * cfg.MaxTradeAge)
}

// processTrade evaluates one new source trade.
func (tm *TradeMonitor) processTrade(ctx context.Context, wallet string, t behavior.Trade) *risk.Evaluation {
	tm.statsMu.Lock()
	tm.stats.NewTrades++
	tm.stats.LastTradeAt = t.Timestamp
	tm.statsMu.Unlock()

	cond, err := tm.conditions.Conditions(ctx, t.MarketID)
	if err != nil {
		tm.logger.Warn("market conditions unavailable, skipping trade",
			zap.String("wallet", shortID(wallet)),
			zap.String("market", shortID(t.MarketID)),
			zap.Error(err),
		)
		return nil
	}

	ev := tm.engine.Evaluate(ctx, wallet, t, cond)
	tm.record(ev)

	if ev.ShouldExecute {
		tm.logger.Info("copy trade approved",
			zap.String("wallet", shortID(wallet)),
			zap.String("market", shortID(t.MarketID)),
			zap.String("side", string(t.Side)),
			zap.Float64("price", t.Price),
			zap.Float64("size", ev.PositionSize),
		)
		tm.sendCopyAlert(t, ev)
	} else {
		tm.logger.Info("copy trade rejected",
			zap.String("wallet", shortID(wallet)),
			zap.String("market", shortID(t.MarketID)),
			zap.String("reason", ev.RejectionReason),
		)
	}

	tm.listenerMu.RLock()
	listeners := tm.listeners
	tm.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
	return ev
}

func (tm *TradeMonitor) record(ev *risk.Evaluation) {
	tm.statsMu.Lock()
	tm.stats.Evaluated++
	if ev.ShouldExecute {
		tm.stats.Approved++
	} else {
		tm.stats.Rejected++
	}
	tm.statsMu.Unlock()

	tm.recentMu.Lock()
	defer tm.recentMu.Unlock()
	tm.recent = append(tm.recent, ev)
	if len(tm.recent) > maxRecentEvaluations {
		tm.recent = tm.recent[len(tm.recent)-maxRecentEvaluations:]
	}
}

func (tm *TradeMonitor) sendCopyAlert(t behavior.Trade, ev *risk.Evaluation) {
	if tm.notifier == nil {
		return
	}
	tm.notifier.SendAlert(notifier.Alert{
		ID:       ev.ID,
		Kind:     notifier.AlertKindCopyTrade,
		Severity: notifier.SeverityInfo,
		Title:    "Copy approved",
		Message:  fmt.Sprintf("%s %s wallet, size %s at %.3f", t.Side, ev.Classification, money(ev.PositionSize), t.Price),
		Wallet:   ev.Wallet,
		MarketID: t.MarketID,
		Fields: map[string]string{
			"stop_loss":     money(ev.StopLoss),
			"take_profit":   money(ev.TakeProfit),
			"risk_score":    fmt.Sprintf("%.2f", ev.RiskScore),
			"quality_score": fmt.Sprintf("%.2f", ev.QualityScore),
		},
		Timestamp: ev.EvaluatedAt,
	})
}

// markSeen records key and reports whether it was new.
func (tm *TradeMonitor) markSeen(key string, at time.Time) bool {
	tm.seenMu.Lock()
	defer tm.seenMu.Unlock()
	if _, ok := tm.seenTrades[key]; ok {
		return false
	}
	tm.seenTrades[key] = at
	return true
}

// PruneSeenTrades drops seen entries for trades older than maxAge. The feed
// never returns trades that old, so they cannot be re-evaluated.
func (tm *TradeMonitor) PruneSeenTrades(maxAge time.Duration) int {
	cutoff := tm.now().Add(-maxAge)
	tm.seenMu.Lock()
	defer tm.seenMu.Unlock()

	pruned := 0
	for key, at := range tm.seenTrades {
		if at.Before(cutoff) {
			delete(tm.seenTrades, key)
			pruned++
		}
	}
	if pruned > 0 {
		tm.logger.Debug("pruned seen trades", zap.Int("pruned", pruned), zap.Int("remaining", len(tm.seenTrades)))
	}
	return pruned
}

// RecentEvaluations returns the latest decisions, newest first.
func (tm *TradeMonitor) RecentEvaluations() []*risk.Evaluation {
	tm.recentMu.Lock()
	defer tm.recentMu.Unlock()
	out := make([]*risk.Evaluation, len(tm.recent))
	for i, ev := range tm.recent {
		out[len(tm.recent)-1-i] = ev
	}
	return out
}

// Stats returns a snapshot of monitor activity.
func (tm *TradeMonitor) Stats() MonitorStats {
	tm.statsMu.Lock()
	defer tm.statsMu.Unlock()
	return tm.stats
}

// SeenTrade is one persisted dedupe entry.
type SeenTrade struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
}

// SeenTradesSnapshot represents a serializable snapshot of seen trades.
type SeenTradesSnapshot struct {
	Version   int         `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
	Trades    []SeenTrade `json:"trades"`
}

// ExportSeenTrades exports the seen trades, oldest first.
func (tm *TradeMonitor) ExportSeenTrades() *SeenTradesSnapshot {
	tm.seenMu.Lock()
	trades := make([]SeenTrade, 0, len(tm.seenTrades))
	for key, at := range tm.seenTrades {
		trades = append(trades, SeenTrade{Key: key, Timestamp: at})
	}
	tm.seenMu.Unlock()

	sort.Slice(trades, func(i, j int) bool {
		if trades[i].Timestamp.Equal(trades[j].Timestamp) {
			return trades[i].Key < trades[j].Key
		}
		return trades[i].Timestamp.Before(trades[j].Timestamp)
	})

	return &SeenTradesSnapshot{
		Version:   2,
		Timestamp: tm.now(),
		Trades:    trades,
	}
}

// ImportSeenTrades imports a snapshot of seen trades, keeping existing entries.
func (tm *TradeMonitor) ImportSeenTrades(snapshot *SeenTradesSnapshot) int {
	if snapshot == nil || len(snapshot.Trades) == 0 {
		return 0
	}

	tm.seenMu.Lock()
	defer tm.seenMu.Unlock()

	imported := 0
	for _, st := range snapshot.Trades {
		if st.Key == "" {
			continue
		}
		if _, exists := tm.seenTrades[st.Key]; !exists {
			tm.seenTrades[st.Key] = st.Timestamp
			imported++
		}
	}

	tm.logger.Info("imported seen trades",
		zap.Int("imported", imported),
		zap.Int("total", len(tm.seenTrades)),
		zap.Time("snapshotTime", snapshot.Timestamp),
	)

	return imported
}

// SeenTradesCount returns the number of seen trades.
func (tm *TradeMonitor) SeenTradesCount() int {
	tm.seenMu.Lock()
	defer tm.seenMu.Unlock()
	return len(tm.seenTrades)
}
