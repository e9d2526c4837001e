package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"copybot/clients/notifier"
	"copybot/clients/polymarketevents"
	"copybot/internal/risk"

	"go.uber.org/zap"
)

const maxRecentExits = 100

// PriceStream pushes prices for a subscribed set of outcome tokens.
type PriceStream interface {
	Prices() <-chan polymarketevents.PriceEvent
	SetAssets(assetIDs []string) error
}

var _ PriceStream = (*polymarketevents.PolymarketEventsClient)(nil)

// OutcomeRecorder receives the result of every closed copy.
type OutcomeRecorder interface {
	RecordLoss(amount float64)
	RecordProfit(amount float64)
	RecordTradeResult(success bool)
}

// BalanceSetter receives the paper balance after realized PnL.
type BalanceSetter interface {
	SetBalance(balance float64)
}

// PositionMonitorConfig holds configuration for the position monitor.
type PositionMonitorConfig struct {
	PollInterval time.Duration // Midpoint polling and max-age sweep
	PaperBalance float64       // Starting balance before realized PnL
}

// PositionStats summarizes closed copies.
type PositionStats struct {
	Open         int       `json:"open"`
	Closed       int       `json:"closed"`
	Wins         int       `json:"wins"`
	Losses       int       `json:"losses"`
	RealizedPnL  float64   `json:"realized_pnl"`
	Balance      float64   `json:"balance"`
	PriceErrors  int       `json:"price_errors"`
	StreamPrices int       `json:"stream_prices"`
	LastCheckAt  time.Time `json:"last_check_at,omitempty"`
}

// PositionMonitor prices open copies, closes them on their stops, targets
// or max age, and feeds each outcome to the circuit breaker.
type PositionMonitor struct {
	logger   *zap.Logger
	engine   *risk.Engine
	prices   PriceSource
	stream   PriceStream
	outcomes OutcomeRecorder
	balance  BalanceSetter
	notifier notifier.Notifier

	configMu sync.RWMutex
	config   PositionMonitorConfig

	mu     sync.Mutex
	stats  PositionStats
	recent []risk.Exit
}

// NewPositionMonitor creates a position monitor. stream may be nil, in which
// case prices come from polling alone.
func NewPositionMonitor(
	logger *zap.Logger,
	engine *risk.Engine,
	prices PriceSource,
	stream PriceStream,
	outcomes OutcomeRecorder,
	balance BalanceSetter,
	n notifier.Notifier,
	cfg PositionMonitorConfig,
) *PositionMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &PositionMonitor{
		logger:   logger.Named("position_monitor"),
		engine:   engine,
		prices:   prices,
		stream:   stream,
		outcomes: outcomes,
		balance:  balance,
		notifier: n,
		config:   cfg,
		stats:    PositionStats{Balance: cfg.PaperBalance},
	}
}

func (pm *PositionMonitor) getConfig() PositionMonitorConfig {
	pm.configMu.RLock()
	defer pm.configMu.RUnlock()
	return pm.config
}

// UpdateConfig updates the monitor configuration (for hot-reload).
func (pm *PositionMonitor) UpdateConfig(cfg PositionMonitorConfig) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	pm.configMu.Lock()
	pm.config = cfg
	pm.configMu.Unlock()

	pm.mu.Lock()
	balance := cfg.PaperBalance + pm.stats.RealizedPnL
	pm.stats.Balance = balance
	pm.mu.Unlock()
	if pm.balance != nil {
		pm.balance.SetBalance(balance)
	}
}

// Run checks positions on every poll interval and applies streamed prices
// as they arrive.
func (pm *PositionMonitor) Run(ctx context.Context) {
	interval := pm.getConfig().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var streamed <-chan polymarketevents.PriceEvent
	if pm.stream != nil {
		streamed = pm.stream.Prices()
	}

	pm.logger.Info("position monitor started",
		zap.Duration("pollInterval", interval),
		zap.Bool("stream", pm.stream != nil),
	)
	pm.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			pm.logger.Info("position monitor stopped")
			return
		case ev := <-streamed:
			pm.HandlePrice(ev)
		case <-ticker.C:
			if next := pm.getConfig().PollInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
			pm.Check(ctx)
		}
	}
}

// Check syncs the stream subscription, polls a midpoint for every market
// with open copies and expires positions past their max age.
func (pm *PositionMonitor) Check(ctx context.Context) {
	markets := pm.engine.Book().Markets()
	if pm.stream != nil {
		if err := pm.stream.SetAssets(markets); err != nil {
			pm.logger.Warn("failed to update price subscription", zap.Error(err))
		}
	}

	if pm.prices != nil {
		for _, market := range markets {
			if ctx.Err() != nil {
				return
			}
			price, err := pm.prices.GetMidpoint(ctx, market)
			if err != nil || !validPrice(price) {
				pm.mu.Lock()
				pm.stats.PriceErrors++
				pm.mu.Unlock()
				pm.logger.Warn("failed to price open market",
					zap.String("market", shortID(market)),
					zap.Float64("price", price),
					zap.Error(err),
				)
				continue
			}
			pm.settle(pm.engine.ApplyPrice(market, price))
		}
	}

	pm.settle(pm.engine.ExpirePositions())

	pm.mu.Lock()
	pm.stats.LastCheckAt = time.Now()
	pm.mu.Unlock()
}

// HandlePrice applies one streamed price.
func (pm *PositionMonitor) HandlePrice(ev polymarketevents.PriceEvent) {
	if !validPrice(ev.Price) {
		return
	}
	pm.mu.Lock()
	pm.stats.StreamPrices++
	pm.mu.Unlock()
	pm.settle(pm.engine.ApplyPrice(ev.AssetID, ev.Price))
}

// ClosePosition closes an open copy at price on operator request.
func (pm *PositionMonitor) ClosePosition(id string, price float64) (risk.Exit, error) {
	if !validPrice(price) {
		return risk.Exit{}, fmt.Errorf("price %v outside (0,1]", price)
	}
	exit, ok := pm.engine.ClosePosition(id, price, risk.ExitManual)
	if !ok {
		return risk.Exit{}, fmt.Errorf("position %s not found", id)
	}
	pm.settle([]risk.Exit{exit})
	return exit, nil
}

func validPrice(p float64) bool {
	return p > 0 && p <= 1
}

// settle records each exit with the breaker and the paper balance.
func (pm *PositionMonitor) settle(exits []risk.Exit) {
	if len(exits) == 0 {
		return
	}
	paper := pm.getConfig().PaperBalance

	for _, exit := range exits {
		if pm.outcomes != nil {
			if exit.PnL < 0 {
				pm.outcomes.RecordLoss(-exit.PnL)
				pm.outcomes.RecordTradeResult(false)
			} else {
				pm.outcomes.RecordProfit(exit.PnL)
				pm.outcomes.RecordTradeResult(true)
			}
		}

		pm.mu.Lock()
		pm.stats.Closed++
		if exit.PnL < 0 {
			pm.stats.Losses++
		} else {
			pm.stats.Wins++
		}
		pm.stats.RealizedPnL += exit.PnL
		pm.stats.Balance = paper + pm.stats.RealizedPnL
		balance := pm.stats.Balance
		pm.recent = append(pm.recent, exit)
		if len(pm.recent) > maxRecentExits {
			pm.recent = pm.recent[len(pm.recent)-maxRecentExits:]
		}
		pm.mu.Unlock()

		if pm.balance != nil {
			pm.balance.SetBalance(balance)
		}

		pm.logger.Info("copy position closed",
			zap.String("id", exit.Position.ID),
			zap.String("wallet", shortID(exit.Position.Wallet)),
			zap.String("market", shortID(exit.Position.MarketID)),
			zap.String("reason", exit.Reason),
			zap.Float64("exitPrice", exit.ExitPrice),
			zap.Float64("pnl", exit.PnL),
		)
		pm.sendExitAlert(exit)
	}
}

func (pm *PositionMonitor) sendExitAlert(exit risk.Exit) {
	if pm.notifier == nil {
		return
	}
	severity := notifier.SeverityInfo
	if exit.PnL < 0 {
		severity = notifier.SeverityWarning
	}
	pm.notifier.SendAlert(notifier.Alert{
		ID:       exit.Position.ID,
		Kind:     notifier.AlertKindPositionClosed,
		Severity: severity,
		Title:    "Copy closed: " + exit.Reason,
		Message: fmt.Sprintf("%s %s at %.3f (entry %.3f)",
			exit.Position.Side, money(exit.Position.Size), exit.ExitPrice, exit.Position.EntryPrice),
		Wallet:   exit.Position.Wallet,
		MarketID: exit.Position.MarketID,
		Fields: map[string]string{
			"pnl":  money(exit.PnL),
			"held": exit.ClosedAt.Sub(exit.Position.OpenedAt).Round(time.Second).String(),
		},
		Timestamp: exit.ClosedAt,
	})
}

// Stats returns a snapshot of closed-copy results.
func (pm *PositionMonitor) Stats() PositionStats {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	s := pm.stats
	s.Open = pm.engine.Book().Count()
	return s
}

// RecentExits returns the latest exits, newest first.
func (pm *PositionMonitor) RecentExits() []risk.Exit {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]risk.Exit, len(pm.recent))
	for i, e := range pm.recent {
		out[len(pm.recent)-1-i] = e
	}
	return out
}
