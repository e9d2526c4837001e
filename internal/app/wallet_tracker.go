package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"copybot/clients/notifier"
	"copybot/internal/behavior"
	"copybot/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WalletTrackerConfig holds configuration for the wallet tracker.
type WalletTrackerConfig struct {
	Wallets       []string      // Source wallets to classify
	Interval      time.Duration // How often every wallet is reclassified
	Lookback      time.Duration // History fetched per classification
	ActivityLimit int           // Max trades fetched per wallet
}

// DefaultWalletTrackerConfig returns sensible defaults.
func DefaultWalletTrackerConfig() WalletTrackerConfig {
	return WalletTrackerConfig{
		Interval:      10 * time.Minute,
		Lookback:      7 * 24 * time.Hour,
		ActivityLimit: 500,
	}
}

// TrackerStats summarizes wallet tracker activity.
type TrackerStats struct {
	Wallets        int       `json:"wallets"`
	Classified     int       `json:"classified"`
	Failed         int       `json:"failed"`
	StyleChanges   int       `json:"style_changes"`
	LastRunAt      time.Time `json:"last_run_at,omitempty"`
	LastRunSeconds float64   `json:"last_run_seconds"`
}

// WalletTracker keeps a fresh classification for every tracked wallet in the
// store, alerting when a wallet's trading style changes.
type WalletTracker struct {
	logger     *zap.Logger
	feed       TradeFeed
	classifier *behavior.Classifier
	store      store.Store
	notifier   notifier.Notifier
	now        func() time.Time

	configMu sync.RWMutex
	config   WalletTrackerConfig

	statsMu sync.Mutex
	stats   TrackerStats
}

// NewWalletTracker creates a new wallet tracker.
func NewWalletTracker(
	logger *zap.Logger,
	feed TradeFeed,
	classifier *behavior.Classifier,
	st store.Store,
	n notifier.Notifier,
	cfg WalletTrackerConfig,
) *WalletTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalletTracker{
		logger:     logger.Named("wallet_tracker"),
		feed:       feed,
		classifier: classifier,
		store:      st,
		notifier:   n,
		now:        time.Now,
		config:     withTrackerDefaults(cfg),
	}
}

func withTrackerDefaults(cfg WalletTrackerConfig) WalletTrackerConfig {
	def := DefaultWalletTrackerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.ActivityLimit <= 0 {
		cfg.ActivityLimit = def.ActivityLimit
	}
	cfg.Wallets = normalizeWallets(cfg.Wallets)
	return cfg
}

func normalizeWallets(wallets []string) []string {
	seen := make(map[string]struct{}, len(wallets))
	out := make([]string, 0, len(wallets))
	for _, w := range wallets {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func (wt *WalletTracker) getConfig() WalletTrackerConfig {
	wt.configMu.RLock()
	defer wt.configMu.RUnlock()
	return wt.config
}

// UpdateConfig updates the tracker configuration (for hot-reload).
func (wt *WalletTracker) UpdateConfig(cfg WalletTrackerConfig) {
	cfg = withTrackerDefaults(cfg)
	wt.configMu.Lock()
	wt.config = cfg
	wt.configMu.Unlock()
	wt.logger.Info("wallet tracker config updated",
		zap.Int("wallets", len(cfg.Wallets)),
		zap.Duration("interval", cfg.Interval),
	)
}

// Wallets returns the tracked wallets.
func (wt *WalletTracker) Wallets() []string {
	cfg := wt.getConfig()
	out := make([]string, len(cfg.Wallets))
	copy(out, cfg.Wallets)
	return out
}

// ClassifyWallet fetches a wallet's recent trades, classifies them and
// records the result. Fetch failures wrap behavior.ErrClassificationUnavailable.
func (wt *WalletTracker) ClassifyWallet(ctx context.Context, wallet string) (*behavior.WalletClassification, error) {
	cfg := wt.getConfig()
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	if wallet == "" {
		return nil, fmt.Errorf("wallet is empty")
	}
	if wt.feed == nil {
		return nil, fmt.Errorf("%w: no trade feed", behavior.ErrClassificationUnavailable)
	}

	since := wt.now().Add(-cfg.Lookback)
	trades, err := wt.feed.GetUserTrades(ctx, wallet, cfg.ActivityLimit, since)
	if err != nil {
		wt.recordRun(false, false)
		return nil, fmt.Errorf("%w: fetch trades for %s: %v", behavior.ErrClassificationUnavailable, shortID(wallet), err)
	}

	// The feed can return fills from a proxy of the wallet; key on the tracked address.
	for i := range trades {
		trades[i].Wallet = wallet
	}

	result := wt.classifier.Classify(wallet, trades, nil)

	var previous *behavior.WalletClassification
	if prev, err := wt.store.Get(ctx, wallet); err == nil {
		previous = prev
	}

	if err := wt.store.Put(ctx, result); err != nil {
		wt.recordRun(false, false)
		return nil, fmt.Errorf("store classification: %w", err)
	}
	if err := wt.store.AppendHistory(ctx, result); err != nil {
		wt.logger.Warn("failed to append classification history",
			zap.String("wallet", shortID(wallet)),
			zap.Error(err),
		)
	}

	changed := previous != nil && previous.Classification != result.Classification
	wt.recordRun(true, changed)

	wt.logger.Info("wallet classified",
		zap.String("wallet", shortID(wallet)),
		zap.Stringer("classification", result.Classification),
		zap.Float64("probability", result.Probability),
		zap.Float64("confidence", result.Confidence),
		zap.Int("trades", result.TradeCount),
	)

	if changed {
		wt.alertStyleChange(previous, result)
	}
	return result, nil
}

// ClassifyAll classifies every tracked wallet and returns how many succeeded.
func (wt *WalletTracker) ClassifyAll(ctx context.Context) int {
	start := wt.now()
	ok := 0
	for _, wallet := range wt.Wallets() {
		if ctx.Err() != nil {
			break
		}
		if _, err := wt.ClassifyWallet(ctx, wallet); err != nil {
			wt.logger.Warn("failed to classify wallet",
				zap.String("wallet", shortID(wallet)),
				zap.Error(err),
			)
			continue
		}
		ok++
	}

	wt.statsMu.Lock()
	wt.stats.LastRunAt = start
	wt.stats.LastRunSeconds = wt.now().Sub(start).Seconds()
	wt.statsMu.Unlock()
	return ok
}

// Run classifies all wallets immediately and then on every interval tick.
func (wt *WalletTracker) Run(ctx context.Context) {
	interval := wt.getConfig().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wt.logger.Info("wallet tracker started",
		zap.Int("wallets", len(wt.Wallets())),
		zap.Duration("interval", interval),
	)
	wt.ClassifyAll(ctx)

	for {
		select {
		case <-ctx.Done():
			wt.logger.Info("wallet tracker stopped")
			return
		case <-ticker.C:
			if next := wt.getConfig().Interval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
			wt.ClassifyAll(ctx)
		}
	}
}

// Stats returns a snapshot of tracker activity.
func (wt *WalletTracker) Stats() TrackerStats {
	wt.statsMu.Lock()
	defer wt.statsMu.Unlock()
	s := wt.stats
	s.Wallets = len(wt.Wallets())
	return s
}

func (wt *WalletTracker) recordRun(ok, changed bool) {
	wt.statsMu.Lock()
	defer wt.statsMu.Unlock()
	if ok {
		wt.stats.Classified++
	} else {
		wt.stats.Failed++
	}
	if changed {
		wt.stats.StyleChanges++
	}
}

func (wt *WalletTracker) alertStyleChange(previous, current *behavior.WalletClassification) {
	if wt.notifier == nil {
		return
	}
	wt.notifier.SendAlert(notifier.Alert{
		ID:       uuid.NewString(),
		Kind:     notifier.AlertKindClassification,
		Severity: notifier.SeverityInfo,
		Title:    "Wallet style changed",
		Message:  fmt.Sprintf("%s → %s", previous.Classification, current.Classification),
		Wallet:   current.WalletID,
		Fields: map[string]string{
			"probability": pct(current.Probability),
			"confidence":  pct(current.Confidence),
			"trades":      fmt.Sprintf("%d", current.TradeCount),
		},
		Timestamp: current.Timestamp,
	})
}
