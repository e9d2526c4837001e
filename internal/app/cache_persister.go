package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"copybot/clients/gist"
	"copybot/internal/behavior"
	"copybot/internal/store"

	"go.uber.org/zap"
)

// MaxSeenTrades is the maximum number of seen trades to persist to gist.
const MaxSeenTrades = 5000

// MaxClassificationWallets is the maximum number of wallets persisted to gist.
const MaxClassificationWallets = 2000

// GistStorage is the subset of the gist client the persister needs.
type GistStorage interface {
	IsEnabled() bool
	GetGistID() string
	Load(ctx context.Context, filename string, gistID ...string) (string, error)
	SaveJSON(ctx context.Context, filename string, data any) error
}

var _ GistStorage = (*gist.Client)(nil)

// SnapshotStore is a classification store that can be exported and merged.
type SnapshotStore interface {
	Export() store.Snapshot
	Import(snap store.Snapshot) int
	Len() int
}

// CachePersister persists classification history and seen trades to a GitHub Gist.
type CachePersister struct {
	logger             *zap.Logger
	gistClient         GistStorage
	store              SnapshotStore
	tradeMonitor       *TradeMonitor
	uploadInterval     time.Duration
	cacheFileName      string
	seenTradesFileName string
	maxSizeBytes       int64
}

// NewCachePersister creates a new cache persister.
func NewCachePersister(
	logger *zap.Logger,
	gistClient GistStorage,
	st SnapshotStore,
	tradeMonitor *TradeMonitor,
	uploadInterval time.Duration,
	cacheFileName string,
	seenTradesFileName string,
	maxSizeBytes int64,
) *CachePersister {
	if logger == nil {
		logger = zap.NewNop()
	}
	if uploadInterval <= 0 {
		uploadInterval = 10 * time.Minute
	}
	if cacheFileName == "" {
		cacheFileName = "classifications.json"
	}
	if seenTradesFileName == "" {
		seenTradesFileName = "seen_trades.json"
	}

	return &CachePersister{
		logger:             logger.Named("cache_persister"),
		gistClient:         gistClient,
		store:              st,
		tradeMonitor:       tradeMonitor,
		uploadInterval:     uploadInterval,
		cacheFileName:      cacheFileName,
		seenTradesFileName: seenTradesFileName,
		maxSizeBytes:       maxSizeBytes,
	}
}

func (cp *CachePersister) enabled() bool {
	return cp.gistClient != nil && cp.gistClient.IsEnabled()
}

// load reads filename, treating a missing gist or file as empty.
func (cp *CachePersister) load(ctx context.Context, filename string) (string, error) {
	if !cp.enabled() {
		cp.logger.Info("gist client not configured, skipping load", zap.String("fileName", filename))
		return "", nil
	}
	gistID := cp.gistClient.GetGistID()
	if gistID == "" {
		cp.logger.Info("no gist ID configured, skipping load", zap.String("fileName", filename))
		return "", nil
	}

	content, err := cp.gistClient.Load(ctx, filename)
	if errors.Is(err, gist.ErrNotFound) {
		cp.logger.Info("no persisted file in gist, starting fresh",
			zap.String("gistID", gistID),
			zap.String("fileName", filename),
		)
		return "", nil
	}
	if err != nil {
		cp.logger.Warn("failed to load from gist",
			zap.String("gistID", gistID),
			zap.String("fileName", filename),
			zap.Error(err),
		)
		return "", err
	}
	return content, nil
}

// LoadSeenTrades loads seen trades from the gist.
// Returns the number of entries imported, or 0 if none were found.
func (cp *CachePersister) LoadSeenTrades(ctx context.Context) (int, error) {
	if cp.tradeMonitor == nil {
		return 0, nil
	}
	content, err := cp.load(ctx, cp.seenTradesFileName)
	if err != nil || content == "" {
		return 0, err
	}

	var snapshot SeenTradesSnapshot
	if err := json.Unmarshal([]byte(content), &snapshot); err != nil {
		cp.logger.Warn("failed to parse seen trades JSON",
			zap.String("fileName", cp.seenTradesFileName),
			zap.Int("contentLen", len(content)),
			zap.Error(err),
		)
		return 0, err
	}

	imported := cp.tradeMonitor.ImportSeenTrades(&snapshot)
	cp.logger.Info("loaded seen trades from gist", zap.Int("imported", imported))
	return imported, nil
}

// SaveSeenTrades saves the newest seen trades to the gist.
func (cp *CachePersister) SaveSeenTrades(ctx context.Context) error {
	if !cp.enabled() || cp.tradeMonitor == nil {
		return nil
	}

	count := cp.tradeMonitor.SeenTradesCount()
	if count == 0 {
		cp.logger.Debug("no seen trades to save")
		return nil
	}

	// Oldest first, so the tail is the newest.
	snapshot := cp.tradeMonitor.ExportSeenTrades()
	if len(snapshot.Trades) > MaxSeenTrades {
		trimmed := len(snapshot.Trades) - MaxSeenTrades
		snapshot.Trades = snapshot.Trades[trimmed:]
		cp.logger.Info("trimmed seen trades for gist save",
			zap.Int("original", count),
			zap.Int("saved", MaxSeenTrades),
			zap.Int("trimmed", trimmed),
		)
	}

	if err := cp.gistClient.SaveJSON(ctx, cp.seenTradesFileName, snapshot); err != nil {
		return err
	}

	cp.logger.Info("saved seen trades to gist",
		zap.String("gistID", cp.gistClient.GetGistID()),
		zap.Int("trades", len(snapshot.Trades)),
	)
	return nil
}

// LoadCache loads classification history from the gist.
// Returns the number of wallets imported, or 0 if none were found.
func (cp *CachePersister) LoadCache(ctx context.Context) (int, error) {
	content, err := cp.load(ctx, cp.cacheFileName)
	if err != nil || content == "" {
		return 0, err
	}

	var snapshot store.Snapshot
	if err := json.Unmarshal([]byte(content), &snapshot); err != nil {
		cp.logger.Warn("failed to parse classification cache JSON",
			zap.String("fileName", cp.cacheFileName),
			zap.Int("contentLen", len(content)),
			zap.Error(err),
		)
		return 0, err
	}

	imported := cp.store.Import(snapshot)
	cp.logger.Info("loaded classifications from gist",
		zap.Int("imported", imported),
		zap.Time("savedAt", snapshot.SavedAt),
	)
	return imported, nil
}

// SaveCache saves the classification store to the gist.
func (cp *CachePersister) SaveCache(ctx context.Context) error {
	if !cp.enabled() {
		return nil
	}

	size := cp.store.Len()
	if size == 0 {
		cp.logger.Debug("classification store is empty, skipping save")
		return nil
	}

	snapshot := cp.store.Export()
	if len(snapshot.Latest) > MaxClassificationWallets {
		snapshot = trimWallets(snapshot, MaxClassificationWallets)
		cp.logger.Info("trimmed classification cache for gist save",
			zap.Int("original", size),
			zap.Int("saved", MaxClassificationWallets),
		)
	}
	if cp.maxSizeBytes > 0 {
		var dropped int
		snapshot, dropped = trimToMaxSize(snapshot, cp.maxSizeBytes)
		if dropped > 0 {
			cp.logger.Info("trimmed classification history to max size",
				zap.Int("droppedEntries", dropped),
				zap.Int64("maxSizeBytes", cp.maxSizeBytes),
			)
		}
	}

	if err := cp.gistClient.SaveJSON(ctx, cp.cacheFileName, snapshot); err != nil {
		return err
	}

	cp.logger.Info("saved classifications to gist",
		zap.String("gistID", cp.gistClient.GetGistID()),
		zap.Int("wallets", len(snapshot.Latest)),
	)
	return nil
}

// Run starts the periodic save loop, saving once more on shutdown.
func (cp *CachePersister) Run(ctx context.Context) {
	if !cp.enabled() {
		cp.logger.Info("gist client not configured, cache persistence disabled")
		return
	}

	ticker := time.NewTicker(cp.uploadInterval)
	defer ticker.Stop()

	cp.logger.Info("cache persister started",
		zap.Duration("saveInterval", cp.uploadInterval),
	)

	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := cp.SaveCache(saveCtx); err != nil {
				cp.logger.Error("failed to save classifications on shutdown", zap.Error(err))
			}
			if err := cp.SaveSeenTrades(saveCtx); err != nil {
				cp.logger.Error("failed to save seen trades on shutdown", zap.Error(err))
			}
			cancel()
			cp.logger.Info("cache persister stopped")
			return

		case <-ticker.C:
			if err := cp.SaveCache(ctx); err != nil {
				cp.logger.Warn("failed to save classifications", zap.Error(err))
			}
			if err := cp.SaveSeenTrades(ctx); err != nil {
				cp.logger.Warn("failed to save seen trades", zap.Error(err))
			}
		}
	}
}

// trimWallets keeps the maxEntries most recently classified wallets.
func trimWallets(snap store.Snapshot, maxEntries int) store.Snapshot {
	if len(snap.Latest) <= maxEntries {
		return snap
	}

	type walletEntry struct {
		addr string
		at   time.Time
	}
	entries := make([]walletEntry, 0, len(snap.Latest))
	for addr, wc := range snap.Latest {
		entries = append(entries, walletEntry{addr: addr, at: wc.Timestamp})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].at.After(entries[j].at)
	})

	out := store.Snapshot{
		Latest:  make(map[string]*behavior.WalletClassification, maxEntries),
		History: make(map[string][]*behavior.WalletClassification, maxEntries),
		SavedAt: snap.SavedAt,
	}
	for _, e := range entries[:maxEntries] {
		out.Latest[e.addr] = snap.Latest[e.addr]
		if h, ok := snap.History[e.addr]; ok {
			out.History[e.addr] = h
		}
	}
	return out
}

// trimToMaxSize halves every wallet's history, oldest entries first, until
// the encoded snapshot fits in maxBytes. Latest classifications are kept.
func trimToMaxSize(snap store.Snapshot, maxBytes int64) (store.Snapshot, int) {
	dropped := 0
	for {
		data, err := json.Marshal(snap)
		if err != nil || int64(len(data)) <= maxBytes {
			return snap, dropped
		}

		progress := false
		for addr, h := range snap.History {
			if len(h) == 0 {
				continue
			}
			cut := (len(h) + 1) / 2
			snap.History[addr] = h[cut:]
			dropped += cut
			progress = true
		}
		if !progress {
			return snap, dropped
		}
	}
}
